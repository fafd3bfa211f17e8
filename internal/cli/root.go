package cli

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/fileserver/internal/config"
	"github.com/fruitsalade/fileserver/internal/events"
	"github.com/fruitsalade/fileserver/internal/logging"
	"github.com/fruitsalade/fileserver/internal/metadata/postgres"
	"github.com/fruitsalade/fileserver/internal/snowflake"
	"github.com/fruitsalade/fileserver/internal/storage/factory"
)

// AppProvider lazily initializes the App on first use.
type AppProvider struct {
	once sync.Once
	app  *App
	err  error

	// Captured from flags before Execute()
	JSONOutput bool
	Out        io.Writer
	Err        io.Writer
}

// Get returns the App, initializing it on first call.
func (p *AppProvider) Get() (*App, error) {
	p.once.Do(func() {
		if p.app == nil {
			p.app, p.err = p.init()
		}
	})
	if p.app != nil {
		p.app.JSON = p.JSONOutput
	}
	return p.app, p.err
}

// Allocator returns an id allocator without opening the index or storage.
func (p *AppProvider) Allocator() (*snowflake.Allocator, error) {
	if p.app != nil {
		return p.app.IDs, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return snowflake.New(cfg.MachineID, cfg.SnowflakeEpochMS)
}

// Close releases the App if one was created.
func (p *AppProvider) Close() error {
	if p.app == nil {
		return nil
	}
	return p.app.Close()
}

// NewTestProvider creates a provider pre-initialized with the given App.
func NewTestProvider(app *App) *AppProvider {
	return &AppProvider{
		app: app,
		Out: app.Out,
		Err: app.Err,
	}
}

func (p *AppProvider) init() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: "stderr",
	}); err != nil {
		return nil, err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}

	store, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	typ, raw, err := cfg.BackendJSON()
	if err != nil {
		store.Close()
		return nil, err
	}
	backend, err := factory.NewBackendFromConfig(context.Background(), typ, raw)
	if err != nil {
		store.Close()
		return nil, err
	}

	ids, err := snowflake.New(cfg.MachineID, cfg.SnowflakeEpochMS)
	if err != nil {
		backend.Close()
		store.Close()
		return nil, err
	}

	out := p.Out
	if out == nil {
		out = os.Stdout
	}
	errOut := p.Err
	if errOut == nil {
		errOut = os.Stderr
	}

	notifier := events.New(store, events.Config{
		Timeout: cfg.WebhookTimeout,
		Fanout:  cfg.WebhookFanout,
	})
	app := NewApp(store, backend, ids, notifier, out, errOut)
	app.closers = append(app.closers, store.Close, backend.Close)
	return app, nil
}

// Execute runs the CLI.
func Execute() error {
	provider := &AppProvider{
		Out: os.Stdout,
		Err: os.Stderr,
	}
	defer logging.Sync()

	err := newRootCmd(provider).Execute()
	if cerr := provider.Close(); err == nil {
		err = cerr
	}
	return err
}

// newRootCmd creates the root command with all subcommands.
func newRootCmd(provider *AppProvider) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fsctl",
		Short: "Operate the file index and its backing storage",
		Long: `fsctl runs index maintenance against the configured database and
storage backend. Configuration comes from the same environment variables
as fileserverd.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&provider.JSONOutput, "json", false, "Output in JSON format")

	rootCmd.AddCommand(newMigrateCmd(provider))
	rootCmd.AddCommand(newRootEntryCmd(provider))
	rootCmd.AddCommand(newSyncCmd(provider))
	rootCmd.AddCommand(newDeleteCmd(provider))
	rootCmd.AddCommand(newIDCmd(provider))
	rootCmd.AddCommand(newListenerCmd(provider))

	return rootCmd
}
