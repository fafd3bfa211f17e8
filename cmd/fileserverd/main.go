// fileserverd keeps the file index consistent with backing storage.
//
// Features:
// - Prometheus metrics & structured logging (zap)
// - Owner root provisioning on startup (ROOT_OWNERS)
// - Periodic reconciliation of every owner root
// - Webhook notifications for synchronized subtrees
// - Multi-backend storage (local, SMB, S3)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fileserver/internal/config"
	"github.com/fruitsalade/fileserver/internal/events"
	"github.com/fruitsalade/fileserver/internal/logging"
	"github.com/fruitsalade/fileserver/internal/metadata/postgres"
	"github.com/fruitsalade/fileserver/internal/metrics"
	"github.com/fruitsalade/fileserver/internal/snowflake"
	"github.com/fruitsalade/fileserver/internal/storage/factory"
	"github.com/fruitsalade/fileserver/internal/tree"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}
	if err := cfg.RequireDatabase(); err != nil {
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("fileserverd starting...",
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("storage", cfg.StorageBackend),
		zap.Int64("machine_id", cfg.MachineID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	metaStore, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer metaStore.Close()

	if dir := postgres.FindMigrationsDir(); dir != "" {
		logging.Info("running migrations...", zap.String("dir", dir))
		if err := metaStore.Migrate(dir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}

	// Initialize storage backend
	backendType, backendConfig, err := cfg.BackendJSON()
	if err != nil {
		logging.Fatal("storage config invalid", zap.Error(err))
	}
	backend, err := factory.NewBackendFromConfig(ctx, backendType, backendConfig)
	if err != nil {
		logging.Fatal("storage backend init failed", zap.Error(err))
	}
	defer backend.Close()

	ids, err := snowflake.New(cfg.MachineID, cfg.SnowflakeEpochMS)
	if err != nil {
		logging.Fatal("id allocator init failed", zap.Error(err))
	}

	// Wire the tree operations to the notifier
	notifier := events.New(metaStore, events.Config{
		Timeout: cfg.WebhookTimeout,
		Fanout:  cfg.WebhookFanout,
	})
	defer notifier.Wait()

	synchronizer := tree.NewSynchronizer(metaStore, backend, ids)
	synchronizer.SetObserver(notifier)

	owners, err := cfg.RootOwnerIDs()
	if err != nil {
		logging.Fatal("root owners invalid", zap.Error(err))
	}
	for _, owner := range owners {
		if _, err := synchronizer.EnsureRoot(ctx, owner); err != nil {
			logging.Error("ensure root failed", logging.Owner(owner), zap.Error(err))
		}
	}

	// Mirror every envelope into the debug log
	envelopes := notifier.Broadcaster().Subscribe()
	defer notifier.Broadcaster().Unsubscribe(envelopes)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-envelopes:
				if !ok {
					return
				}
				logging.Debug("notification", zap.String("event", env.Event), zap.Time("timestamp", env.Timestamp))
			}
		}
	}()

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start periodic metrics update
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metaStore.UpdateConnectionMetrics()
			}
		}
	}()

	// Start periodic reconciliation
	if cfg.SyncInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.SyncInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					total, err := synchronizer.SynchronizeAll(ctx)
					if err != nil {
						logging.Error("reconciliation incomplete", zap.Error(err))
					}
					logging.Info("reconciliation finished",
						zap.Int("created", total.Created),
						zap.Int("updated", total.Updated),
						zap.Int("missing", total.Missing))
				}
			}
		}()
		logging.Info("periodic reconciliation enabled", zap.Duration("interval", cfg.SyncInterval))
	}

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Info("shutting down...")
	cancel()
	metricsServer.Close()
}
