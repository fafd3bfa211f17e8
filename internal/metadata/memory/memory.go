// Package memory provides an in-process index store. Transactions work on
// a private copy of the index that replaces the shared one on Commit.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fruitsalade/fileserver/internal/metadata"
)

var errTxDone = errors.New("transaction already finished")

type pathKey struct {
	owner     int64
	directory string
	basename  string
}

type state struct {
	entries   map[int64]metadata.Entry
	byPath    map[pathKey]int64
	listeners []metadata.Listener
}

func (s *state) clone() *state {
	c := &state{
		entries:   make(map[int64]metadata.Entry, len(s.entries)),
		byPath:    make(map[pathKey]int64, len(s.byPath)),
		listeners: append([]metadata.Listener(nil), s.listeners...),
	}
	for id, e := range s.entries {
		c.entries[id] = e
	}
	for k, id := range s.byPath {
		c.byPath[k] = id
	}
	return c
}

// Store is an in-memory index store.
type Store struct {
	txMu sync.Mutex // serializes transactions

	mu    sync.RWMutex
	state *state
}

var _ metadata.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{state: &state{
		entries: make(map[int64]metadata.Entry),
		byPath:  make(map[pathKey]int64),
	}}
}

// Begin starts a transaction. Only one transaction runs at a time.
func (s *Store) Begin(ctx context.Context) (metadata.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	s.mu.RLock()
	work := s.state.clone()
	s.mu.RUnlock()
	return &Tx{store: s, state: work}, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*metadata.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.state.entries[id]
	if !ok {
		return nil, fmt.Errorf("entry %d: %w", id, metadata.ErrNotFound)
	}
	return &e, nil
}

func (s *Store) FindRoot(ctx context.Context, owner int64) (*metadata.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.state.entries {
		if e.IsRoot && e.Owner == owner {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("root of owner %d: %w", owner, metadata.ErrNotFound)
}

func (s *Store) ListRoots(ctx context.Context) ([]metadata.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var roots []metadata.Entry
	for _, e := range s.state.entries {
		if e.IsRoot {
			roots = append(roots, e)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].Owner < roots[j].Owner })
	return roots, nil
}

// ListenersForChain walks from id up through directory ancestors.
func (s *Store) ListenersForChain(ctx context.Context, id int64) ([]metadata.Listener, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := make(map[int64]bool)
	e, ok := s.state.entries[id]
	if !ok {
		return nil, nil
	}
	chain[e.ID] = true
	for e.Parent != nil {
		p, ok := s.state.entries[*e.Parent]
		if !ok || p.Kind != metadata.KindDir {
			break
		}
		chain[p.ID] = true
		e = p
	}
	return s.state.listenersOn(chain), nil
}

func (s *Store) ListenersByRef(ctx context.Context, ids []int64) ([]metadata.Listener, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return s.state.listenersOn(set), nil
}

func (s *Store) AddListener(ctx context.Context, l *metadata.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.listeners = append(s.state.listeners, *l)
	return nil
}

func (st *state) listenersOn(ids map[int64]bool) []metadata.Listener {
	var out []metadata.Listener
	for _, l := range st.listeners {
		if l.RefTable == metadata.RefTableEntries && ids[l.RefID] {
			out = append(out, l)
		}
	}
	return out
}

// Tx is an in-memory transaction.
type Tx struct {
	store *Store
	state *state
	done  bool
}

var _ metadata.Tx = (*Tx)(nil)

func (t *Tx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.store.mu.Lock()
	t.store.state = t.state
	t.store.mu.Unlock()
	t.store.txMu.Unlock()
	return nil
}

// Rollback discards the transaction. Calling it after Commit is a no-op.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.txMu.Unlock()
	return nil
}

func (t *Tx) FindByPath(ctx context.Context, owner int64, directory, basename string) (*metadata.Entry, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	id, ok := t.state.byPath[pathKey{owner, directory, basename}]
	if !ok {
		return nil, nil
	}
	e := t.state.entries[id]
	return &e, nil
}

func (t *Tx) Insert(ctx context.Context, e *metadata.Entry) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if _, dup := t.state.entries[e.ID]; dup {
		return fmt.Errorf("insert entry: duplicate id %d", e.ID)
	}
	k := pathKey{e.Owner, e.Directory, e.Basename}
	if _, dup := t.state.byPath[k]; dup {
		return fmt.Errorf("insert entry: duplicate path %q", e.Key())
	}
	if e.Parent != nil {
		if _, ok := t.state.entries[*e.Parent]; !ok {
			return fmt.Errorf("insert entry: parent %d: %w", *e.Parent, metadata.ErrNotFound)
		}
	}
	if e.IsRoot {
		for _, other := range t.state.entries {
			if other.IsRoot && other.Owner == e.Owner {
				return fmt.Errorf("insert entry: owner %d already has a root", e.Owner)
			}
		}
	}
	t.state.entries[e.ID] = *e
	t.state.byPath[k] = e.ID
	return nil
}

func (t *Tx) UpdateFileInfo(ctx context.Context, id int64, created time.Time, modified *time.Time, size int64) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	e, ok := t.state.entries[id]
	if !ok {
		return fmt.Errorf("entry %d: %w", id, metadata.ErrNotFound)
	}
	e.Created = created
	e.Modified = modified
	e.Size = size
	e.Exists = true
	t.state.entries[id] = e
	return nil
}

func (t *Tx) SetExists(ctx context.Context, id int64, exists bool) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	e, ok := t.state.entries[id]
	if !ok {
		return fmt.Errorf("entry %d: %w", id, metadata.ErrNotFound)
	}
	e.Exists = exists
	t.state.entries[id] = e
	return nil
}

func (t *Tx) MarkMissing(ctx context.Context, rootID int64, found []int64) (int, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	keep := make(map[int64]bool, len(found))
	for _, id := range found {
		keep[id] = true
	}
	n := 0
	for _, ne := range t.closure(rootID) {
		e := t.state.entries[ne.id]
		if e.Exists && !keep[e.ID] {
			e.Exists = false
			t.state.entries[e.ID] = e
			n++
		}
	}
	return n, nil
}

func (t *Tx) Subtree(ctx context.Context, rootID int64) ([]metadata.Entry, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	nodes := t.closure(rootID)
	out := make([]metadata.Entry, len(nodes))
	for i, n := range nodes {
		out[i] = t.state.entries[n.id]
	}
	level := make(map[int64]int, len(nodes))
	for _, n := range nodes {
		level[n.id] = n.level
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if level[a.ID] != level[b.ID] {
			return level[a.ID] > level[b.ID]
		}
		if pa, pb := parentOf(a), parentOf(b); pa != pb {
			return pa < pb
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Basename < b.Basename
	})
	return out, nil
}

func (t *Tx) DeleteEntries(ctx context.Context, ids []int64) (int, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	remove := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if _, ok := t.state.entries[id]; ok {
			remove[id] = true
		}
	}
	// Same constraint the relational store enforces: no surviving child may
	// reference a removed parent.
	for _, e := range t.state.entries {
		if e.Parent != nil && remove[*e.Parent] && !remove[e.ID] {
			return 0, fmt.Errorf("delete entries: %d still referenced by %d", *e.Parent, e.ID)
		}
	}
	for id := range remove {
		e := t.state.entries[id]
		delete(t.state.byPath, pathKey{e.Owner, e.Directory, e.Basename})
		delete(t.state.entries, id)
	}
	return len(remove), nil
}

func (t *Tx) check(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	return ctx.Err()
}

type node struct {
	id    int64
	level int
}

// closure returns rootID and its descendants with their depth, root at 1.
func (t *Tx) closure(rootID int64) []node {
	if _, ok := t.state.entries[rootID]; !ok {
		return nil
	}
	children := make(map[int64][]int64)
	for _, e := range t.state.entries {
		if e.Parent != nil {
			children[*e.Parent] = append(children[*e.Parent], e.ID)
		}
	}
	out := []node{{id: rootID, level: 1}}
	for i := 0; i < len(out); i++ {
		for _, c := range children[out[i].id] {
			out = append(out, node{id: c, level: out[i].level + 1})
		}
	}
	return out
}

func parentOf(e metadata.Entry) int64 {
	if e.Parent == nil {
		return 0
	}
	return *e.Parent
}
