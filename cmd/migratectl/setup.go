package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/GoCodeAlone/migrate-orchestrator/config"
	"github.com/GoCodeAlone/migrate-orchestrator/manifest"
	"github.com/GoCodeAlone/migrate-orchestrator/migration"
	"github.com/GoCodeAlone/migrate-orchestrator/observability"
	"github.com/GoCodeAlone/migrate-orchestrator/observability/tracing"
	"github.com/GoCodeAlone/migrate-orchestrator/store"

	_ "modernc.org/sqlite"
)

// commonFlags are shared by every command. Non-empty values override the
// config file and environment.
type commonFlags struct {
	configPath string
	unit       string
	catalog    string
	dsn        string
	driver     string
	ledger     string
	timeout    time.Duration
}

func registerCommonFlags(fs *flag.FlagSet) *commonFlags {
	f := &commonFlags{}
	fs.StringVar(&f.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&f.unit, "unit", "", "Schema unit to reconcile")
	fs.StringVar(&f.catalog, "catalog", "", "Migration catalog location (directory or manifest file)")
	fs.StringVar(&f.dsn, "db", "", "Database DSN (SQLite path or PostgreSQL URL)")
	fs.StringVar(&f.driver, "driver", "", "Database driver: sqlite or postgres")
	fs.StringVar(&f.ledger, "ledger", "", "Ledger driver: database or redis")
	fs.DurationVar(&f.timeout, "timeout", 10*time.Minute, "Overall timeout")
	return f
}

func (f *commonFlags) load() (*config.Config, error) {
	cfg := &config.Config{}
	if f.configPath != "" {
		loaded, err := config.LoadFromFile(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if f.unit != "" {
		cfg.SchemaUnit = f.unit
	}
	if f.catalog != "" {
		cfg.Catalog.Location = f.catalog
	}
	if f.dsn != "" {
		cfg.Database.DSN = f.dsn
	}
	if f.driver != "" {
		cfg.Database.Driver = f.driver
	}
	if f.ledger != "" {
		cfg.Ledger.Driver = f.ledger
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// orchestrator is one configured runner with the resources it holds open.
type orchestrator struct {
	cfg     *config.Config
	logger  *slog.Logger
	catalog *manifest.Catalog
	runner  *migration.Runner
	metrics *observability.Metrics
	tracing *tracing.Provider
	closers []func()
}

func newOrchestrator(ctx context.Context, cfg *config.Config) (_ *orchestrator, err error) {
	logger, err := observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	o := &orchestrator{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			o.Close()
		}
	}()

	o.catalog, err = manifest.Open(cfg.Catalog.Location, cfg.SchemaUnit)
	if err != nil {
		return nil, err
	}

	ledger, executor, err := o.openBackends(ctx)
	if err != nil {
		return nil, err
	}

	o.tracing, err = tracing.NewProvider(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceVersion: cfg.ProductVersion,
		Insecure:       cfg.Tracing.Insecure,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, err
	}
	o.closers = append(o.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	})

	o.metrics = observability.NewMetrics(cfg.Metrics.Namespace)
	resolver := migration.NewResolver(o.catalog, cfg.SchemaUnit, cfg.ProductVersion)
	o.runner = migration.NewRunner(resolver, ledger, executor, logger,
		migration.WithObserver(o.metrics),
		migration.WithTracer(o.tracing.Tracer()))
	return o, nil
}

// openBackends connects the schema database and the ledger. When the ledger
// lives in the schema database the executor writes each ledger row in the
// script's transaction; otherwise the row is appended after the script
// commits.
func (o *orchestrator) openBackends(ctx context.Context) (migration.LedgerStore, migration.Executor, error) {
	cfg := o.cfg
	bookkeeping := cfg.Ledger.Table
	if cfg.Ledger.Driver == config.LedgerRedis {
		bookkeeping = ""
	}

	var (
		ledger   migration.LedgerStore
		executor migration.Executor
	)
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := store.OpenPG(ctx, store.PGConfig{URL: cfg.Database.DSN})
		if err != nil {
			return nil, nil, err
		}
		o.closers = append(o.closers, pool.Close)
		executor, err = store.NewPGExecutor(pool, o.catalog, bookkeeping, cfg.ProductVersion)
		if err != nil {
			return nil, nil, err
		}
		if bookkeeping != "" {
			if ledger, err = store.NewPGLedger(ctx, pool, bookkeeping); err != nil {
				return nil, nil, err
			}
		}
	default:
		db, err := sql.Open("sqlite", cfg.Database.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open database %s: %w", cfg.Database.DSN, err)
		}
		db.SetMaxOpenConns(1)
		o.closers = append(o.closers, func() { _ = db.Close() })
		executor, err = migration.NewSQLExecutor(db, o.catalog, bookkeeping, cfg.ProductVersion)
		if err != nil {
			return nil, nil, err
		}
		if bookkeeping != "" {
			if ledger, err = migration.NewSQLiteLedger(db, bookkeeping); err != nil {
				return nil, nil, err
			}
		}
	}

	if cfg.Ledger.Driver == config.LedgerRedis {
		client, err := store.OpenRedis(ctx, store.RedisConfig{
			Address:  cfg.Ledger.RedisAddr,
			Password: cfg.Ledger.RedisPassword,
			DB:       cfg.Ledger.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		o.closers = append(o.closers, func() { _ = client.Close() })
		if ledger, err = store.NewRedisLedger(client, cfg.Ledger.RedisPrefix); err != nil {
			return nil, nil, err
		}
		executor = &migration.RecordingExecutor{
			Inner:          executor,
			Ledger:         ledger,
			ProductVersion: cfg.ProductVersion,
		}
	}
	return ledger, executor, nil
}

// finish flushes run metrics to the configured textfile.
func (o *orchestrator) finish() {
	if o.cfg.Metrics.Textfile == "" {
		return
	}
	if err := o.metrics.WriteTextfile(o.cfg.Metrics.Textfile); err != nil {
		o.logger.Warn("metrics not written", "path", o.cfg.Metrics.Textfile, "error", err)
	}
}

// Close releases resources in reverse order of acquisition.
func (o *orchestrator) Close() {
	for i := len(o.closers) - 1; i >= 0; i-- {
		o.closers[i]()
	}
	o.closers = nil
}

// setup parses args, loads configuration and builds the orchestrator.
func setup(fs *flag.FlagSet, args []string) (*orchestrator, context.Context, context.CancelFunc, error) {
	flags := registerCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, nil, err
	}
	cfg, err := flags.load()
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	o, err := newOrchestrator(ctx, cfg)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return o, ctx, cancel, nil
}

func isAborted(err error) bool {
	return errors.Is(err, migration.ErrBatchAborted)
}
