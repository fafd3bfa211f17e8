// Package postgres provides a PostgreSQL-backed index store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/fileserver/internal/logging"
	"github.com/fruitsalade/fileserver/internal/metadata"
	"github.com/fruitsalade/fileserver/internal/metrics"
)

// entryColumns is the one column order every entry query selects and
// scanEntry reads back.
var entryColumns = []string{
	"id", "item_type", "parent", "users_id", "directory", "basename",
	"item_size", "created", "modified", "item_exists", "user_data", "is_root",
}

// selectColumns renders entryColumns, optionally qualified with a table alias.
func selectColumns(alias string) string {
	if alias == "" {
		return strings.Join(entryColumns, ", ")
	}
	cols := make([]string, len(entryColumns))
	for i, c := range entryColumns {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

const listenerColumns = "l.id, l.event_name, l.endpoint, l.ref_table, l.ref_id, l.users_id"

// Store is a PostgreSQL index store.
type Store struct {
	db *sql.DB
}

var _ metadata.Store = (*Store)(nil)

// New creates a new PostgreSQL index store.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs SQL migration files in lexical order.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// FindMigrationsDir looks for the migrations directory next to the working
// directory and the executable. It returns "" when none exists.
func FindMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (metadata.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Get returns an entry by id.
func (s *Store) Get(ctx context.Context, id int64) (*metadata.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_entry", time.Since(start)) }()

	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns("")+` FROM fs_items WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %d: %w", id, metadata.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query entry: %w", err)
	}
	return e, nil
}

// FindRoot returns the owner's root entry.
func (s *Store) FindRoot(ctx context.Context, owner int64) (*metadata.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("find_root", time.Since(start)) }()

	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns("")+` FROM fs_items WHERE users_id = $1 AND is_root`, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("root of owner %d: %w", owner, metadata.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query root: %w", err)
	}
	return e, nil
}

// ListRoots returns every root entry ordered by owner.
func (s *Store) ListRoots(ctx context.Context) ([]metadata.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_roots", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns("")+` FROM fs_items WHERE is_root ORDER BY users_id`)
	if err != nil {
		return nil, fmt.Errorf("query roots: %w", err)
	}
	return collectEntries(rows)
}

// ListenersForChain returns listeners anchored on id or any ancestor directory.
func (s *Store) ListenersForChain(ctx context.Context, id int64) ([]metadata.Listener, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("listeners_for_chain", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`WITH RECURSIVE chain AS (
			SELECT id, parent FROM fs_items WHERE id = $1
			UNION ALL
			SELECT p.id, p.parent FROM fs_items p
			JOIN chain c ON p.id = c.parent
			WHERE p.item_type = $2
		)
		SELECT `+listenerColumns+`
		FROM chain
		JOIN event_listeners l ON l.ref_table = $3 AND l.ref_id = chain.id`,
		id, int16(metadata.KindDir), metadata.RefTableEntries)
	if err != nil {
		return nil, fmt.Errorf("query chain listeners: %w", err)
	}
	return collectListeners(rows)
}

// ListenersByRef returns listeners anchored directly on any of ids.
func (s *Store) ListenersByRef(ctx context.Context, ids []int64) ([]metadata.Listener, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	start := time.Now()
	defer func() { metrics.RecordDBQuery("listeners_by_ref", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listenerColumns+` FROM event_listeners l
		 WHERE l.ref_table = $1 AND l.ref_id = ANY($2)`,
		metadata.RefTableEntries, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query listeners: %w", err)
	}
	return collectListeners(rows)
}

// AddListener stores a listener registration.
func (s *Store) AddListener(ctx context.Context, l *metadata.Listener) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("add_listener", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_listeners (id, event_name, endpoint, ref_table, ref_id, users_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.EventName, l.Endpoint, l.RefTable, l.RefID, l.Owner)
	if err != nil {
		return fmt.Errorf("insert listener: %w", err)
	}
	logging.Debug("added listener",
		zap.String("id", l.ID.String()),
		zap.String("event", l.EventName),
		zap.Int64("ref_id", l.RefID))
	return nil
}

// Tx is a PostgreSQL transaction.
type Tx struct {
	tx *sql.Tx
}

var _ metadata.Tx = (*Tx)(nil)

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// FindByPath looks an entry up by (owner, directory, basename).
func (t *Tx) FindByPath(ctx context.Context, owner int64, directory, basename string) (*metadata.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("find_by_path", time.Since(start)) }()

	e, err := scanEntry(t.tx.QueryRowContext(ctx,
		`SELECT `+selectColumns("")+` FROM fs_items
		 WHERE users_id = $1 AND directory = $2 AND basename = $3`,
		owner, directory, basename))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query by path: %w", err)
	}
	return e, nil
}

// Insert adds a new entry.
func (t *Tx) Insert(ctx context.Context, e *metadata.Entry) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert_entry", time.Since(start)) }()

	userData := []byte(e.UserData)
	if len(userData) == 0 {
		userData = []byte("{}")
	}

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO fs_items (id, item_type, parent, users_id, directory, basename,
		                       item_size, created, modified, item_exists, user_data, is_root)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, int16(e.Kind), e.Parent, e.Owner, e.Directory, e.Basename,
		e.Size, e.Created, e.Modified, e.Exists, userData, e.IsRoot)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	logging.Debug("inserted entry",
		zap.Int64("id", e.ID),
		zap.String("key", e.Key()),
		zap.Stringer("kind", e.Kind))
	return nil
}

// UpdateFileInfo rewrites created/modified/size and sets exists=true.
func (t *Tx) UpdateFileInfo(ctx context.Context, id int64, created time.Time, modified *time.Time, size int64) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("update_file_info", time.Since(start)) }()

	_, err := t.tx.ExecContext(ctx,
		`UPDATE fs_items SET created = $2, modified = $3, item_size = $4, item_exists = true
		 WHERE id = $1`,
		id, created, modified, size)
	if err != nil {
		return fmt.Errorf("update file info: %w", err)
	}
	return nil
}

// SetExists sets the exists flag of one entry.
func (t *Tx) SetExists(ctx context.Context, id int64, exists bool) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("set_exists", time.Since(start)) }()

	_, err := t.tx.ExecContext(ctx,
		`UPDATE fs_items SET item_exists = $2 WHERE id = $1`, id, exists)
	if err != nil {
		return fmt.Errorf("set exists: %w", err)
	}
	return nil
}

// MarkMissing flags every existing entry under rootID that is not in found.
func (t *Tx) MarkMissing(ctx context.Context, rootID int64, found []int64) (int, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("mark_missing", time.Since(start)) }()

	// A nil array binds as NULL, which would make the ANY test unknown.
	if found == nil {
		found = []int64{}
	}

	result, err := t.tx.ExecContext(ctx,
		`WITH RECURSIVE dir_tree AS (
			SELECT id FROM fs_items WHERE id = $1
			UNION ALL
			SELECT c.id FROM fs_items c
			JOIN dir_tree ON c.parent = dir_tree.id
		)
		UPDATE fs_items SET item_exists = false
		FROM dir_tree
		WHERE dir_tree.id = fs_items.id
		  AND fs_items.item_exists
		  AND NOT (fs_items.id = ANY($2))`,
		rootID, pq.Array(found))
	if err != nil {
		return 0, fmt.Errorf("mark missing: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// Subtree returns rootID and its descendants, deepest first.
func (t *Tx) Subtree(ctx context.Context, rootID int64) ([]metadata.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("subtree", time.Since(start)) }()

	rows, err := t.tx.QueryContext(ctx,
		`WITH RECURSIVE dir_tree AS (
			SELECT id, 1 AS level FROM fs_items WHERE id = $1
			UNION ALL
			SELECT c.id, dir_tree.level + 1 FROM fs_items c
			JOIN dir_tree ON c.parent = dir_tree.id
		)
		SELECT `+selectColumns("f")+`
		FROM dir_tree
		JOIN fs_items f ON f.id = dir_tree.id
		ORDER BY dir_tree.level DESC, f.parent, f.item_type, f.basename`,
		rootID)
	if err != nil {
		return nil, fmt.Errorf("query subtree: %w", err)
	}
	return collectEntries(rows)
}

// DeleteEntries removes the given ids in one statement.
func (t *Tx) DeleteEntries(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_entries", time.Since(start)) }()

	result, err := t.tx.ExecContext(ctx,
		`DELETE FROM fs_items WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("delete entries: %w", err)
	}
	n, _ := result.RowsAffected()
	logging.Debug("deleted entries", zap.Int("requested", len(ids)), zap.Int64("rows", n))
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntry reads the columns named in entryColumns, in that order.
func scanEntry(row rowScanner) (*metadata.Entry, error) {
	var (
		e        metadata.Entry
		kind     int16
		parent   sql.NullInt64
		modified sql.NullTime
		userData []byte
	)
	if err := row.Scan(&e.ID, &kind, &parent, &e.Owner, &e.Directory, &e.Basename,
		&e.Size, &e.Created, &modified, &e.Exists, &userData, &e.IsRoot); err != nil {
		return nil, err
	}
	e.Kind = metadata.Kind(kind)
	if parent.Valid {
		p := parent.Int64
		e.Parent = &p
	}
	if modified.Valid {
		m := modified.Time
		e.Modified = &m
	}
	if len(userData) > 0 {
		e.UserData = json.RawMessage(userData)
	}
	return &e, nil
}

func collectEntries(rows *sql.Rows) ([]metadata.Entry, error) {
	defer rows.Close()

	var entries []metadata.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func collectListeners(rows *sql.Rows) ([]metadata.Listener, error) {
	defer rows.Close()

	var listeners []metadata.Listener
	for rows.Next() {
		var l metadata.Listener
		if err := rows.Scan(&l.ID, &l.EventName, &l.Endpoint, &l.RefTable, &l.RefID, &l.Owner); err != nil {
			return nil, fmt.Errorf("scan listener: %w", err)
		}
		listeners = append(listeners, l)
	}
	return listeners, rows.Err()
}
