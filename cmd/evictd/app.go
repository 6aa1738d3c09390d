package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"tillpoint/evictor/pkg/cli"
	"tillpoint/evictor/pkg/config"
	"tillpoint/evictor/pkg/hostjobs"
	"tillpoint/evictor/pkg/retention"
	"tillpoint/evictor/pkg/retention/audit"
	"tillpoint/evictor/pkg/retention/service"
	"tillpoint/evictor/pkg/settings"
	"tillpoint/evictor/pkg/source"
	"tillpoint/evictor/pkg/store"
	"tillpoint/evictor/pkg/telemetry/logging"
	"tillpoint/evictor/pkg/telemetry/metrics"
)

// app holds the opened backends and the eviction service of one command
// invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.SQLiteStore
	audit   audit.Log
	host    *hostjobs.CronHost
	metrics *metrics.Collector
	svc     *service.Service

	closers []func() error
}

// loadConfig loads the configuration and installs the default logger.
func loadConfig(flags *globalFlags, logOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(flags.configFile)
	if err != nil {
		return nil, nil, err
	}
	if flags.logLevel != "" {
		cfg.Telemetry.Logging.Level = flags.logLevel
	}
	if cfg.Device.ID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Device.ID = host
		}
	}

	logger, err := logging.New(logging.Config{
		Level:     cfg.Telemetry.Logging.Level,
		Format:    cfg.Telemetry.Logging.Format,
		AddSource: cfg.Telemetry.Logging.AddSource,
		Writer:    logOut,
	})
	if err != nil {
		return nil, nil, cli.NewConfigError("telemetry.logging", err.Error())
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openApp opens every backend named by cfg and starts the service. The
// background host is created but not started; only the daemon starts it.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = store.Open(store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: cfg.Store.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	a.audit, err = openAudit(&cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	a.closers = append(a.closers, a.audit.Close)

	kv, closeKV, err := openSettings(&cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings: %w", err)
	}
	a.closers = append(a.closers, closeKV)

	a.host = hostjobs.NewCronHost(hostjobs.Options{
		Budget: cfg.Scheduler.TaskBudget,
		Logger: logger,
	})
	a.metrics = metrics.NewCollector(&cfg.Telemetry.Metrics, prometheus.NewRegistry())

	a.svc, err = service.New(service.Options{
		Store:    a.store,
		Settings: kv,
		Audit:    a.audit,
		Host:     a.host,
		Device: retention.StaticDevice{
			ID:         cfg.Device.ID,
			LocationID: cfg.Device.LocationID,
		},
		Observer:     a.metrics,
		JobID:        cfg.Scheduler.JobID,
		DefaultTTL:   cfg.Eviction.DefaultTTL,
		QueryTimeout: cfg.Eviction.Timeout(),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	if err := a.svc.Start(ctx); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		a.svc.Stop()
		return nil
	})

	if err := a.bootstrap(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// bootstrap saves the configured bootstrap file as the local config when
// the device has none yet.
func (a *app) bootstrap(ctx context.Context) error {
	path := a.cfg.Eviction.BootstrapFile
	if path == "" {
		return nil
	}

	existing, err := a.svc.LocalConfig()
	if err != nil {
		return fmt.Errorf("failed to read local config: %w", err)
	}
	if existing != nil {
		return nil
	}

	cfg, err := source.LoadConfigFile(path)
	if err != nil {
		return cli.NewConfigError("eviction.bootstrap_file", err.Error())
	}
	saved, err := a.svc.SaveLocalOnly(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to save bootstrap config: %w", err)
	}
	a.logger.Info("bootstrap config saved", "file", path, "version", saved.Version)
	return nil
}

// Close releases the backends in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openAudit(cfg *config.AuditConfig) (audit.Log, error) {
	switch cfg.Backend {
	case "memory":
		return audit.NewMemoryLog(), nil
	case "sqlite":
		return audit.NewSQLiteLog(&audit.SQLiteConfig{
			Path:        cfg.SQLite.Path,
			WALMode:     cfg.SQLite.WAL(),
			BusyTimeout: cfg.SQLite.BusyTimeout,
		})
	default:
		return nil, cli.NewConfigError("audit.backend", fmt.Sprintf("unsupported backend %q", cfg.Backend))
	}
}

func openSettings(cfg *config.SettingsConfig) (retention.KeyValueStore, func() error, error) {
	switch cfg.Backend {
	case "memory":
		return settings.NewMemoryStore(), func() error { return nil }, nil
	case "badger":
		kv, err := settings.OpenBadger(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv.Close, nil
	default:
		return nil, nil, cli.NewConfigError("settings.backend", fmt.Sprintf("unsupported backend %q", cfg.Backend))
	}
}

// withApp loads the configuration, opens the app and runs fn with it.
func withApp(ctx context.Context, flags *globalFlags, logOut io.Writer, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig(flags, logOut)
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
