package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"tillpoint/evictor/pkg/cli"
	"tillpoint/evictor/pkg/config"
	"tillpoint/evictor/pkg/retention"
	"tillpoint/evictor/pkg/source"
	"tillpoint/evictor/pkg/telemetry/health"
	"tillpoint/evictor/pkg/telemetry/metrics"
	"tillpoint/evictor/pkg/telemetry/tracing"
)

// scheduleGrace is how late the background job may be before readiness
// fails.
const scheduleGrace = 15 * time.Minute

func newRunCmd(flags *globalFlags) *cobra.Command {
	var (
		dryRun     bool
		foreground bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the eviction daemon",
		Long: `Run the eviction daemon until SIGINT or SIGTERM.

The daemon resolves the active retention config, keeps subscriptions in
line with it and fires background eviction at the next eligible time. When
enabled it also imports published configs from the drop folder or a git
repository and serves metrics and health probes.

Examples:
  # Start with a config file
  evictd run --config /etc/evictd/config.yaml

  # Validate the configuration without starting
  evictd run --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprintln(out, "✓ Configuration valid")
				return nil
			}

			ctx, stop := cli.SetupSignalHandler(cmd.Context())
			defer stop()

			tp, err := tracing.New(&cfg.Telemetry.Tracing, Version)
			if err != nil {
				return cli.NewConfigError("telemetry.tracing", err.Error())
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logger.Warn("failed to flush traces", "error", err)
				}
			}()

			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			a.host.Start()
			defer a.host.Stop()

			fmt.Fprintf(out, "evictd %s\n", Version)
			fmt.Fprintf(out, "✓ Device %s at location %q\n", cfg.Device.ID, cfg.Device.LocationID)
			fmt.Fprintf(out, "✓ Active config %s\n", a.svc.ActiveConfig().ID.Key())

			if cfg.Telemetry.Metrics.Enabled {
				srv := metrics.NewServer(a.metrics, logger)
				health.Mount(srv, newChecker(a), Version)
				if err := srv.Start(); err != nil {
					return cli.NewCommandError("run", fmt.Errorf("metrics server: %w", err))
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				fmt.Fprintf(out, "✓ Metrics on http://%s%s, probes on %s and %s\n",
					srv.Addr(), cfg.Telemetry.Metrics.Path, health.LivenessPath, health.ReadinessPath)
			}

			watchErr := make(chan error, 1)
			if cfg.Source.Enabled {
				if err := startSource(ctx, cfg.Source, a, logger, watchErr); err != nil {
					return err
				}
				if git := cfg.Source.Git; git.Repository != "" {
					fmt.Fprintf(out, "✓ Polling %s (%s) for published configs every %s\n", git.Repository, git.Branch, git.PollInterval)
				} else {
					fmt.Fprintf(out, "✓ Watching %s for published configs\n", cfg.Source.Dir)
				}
			}

			if foreground {
				if ch := a.svc.EnterForeground(ctx); ch != nil {
					go func() {
						if res, ok := <-ch; ok {
							logger.Info("foreground eviction finished", "outcome", res.Outcome, "evicted", res.Evicted())
						}
					}()
				}
			}

			if st, err := a.svc.Status(); err == nil && !st.NextEligible.IsZero() {
				fmt.Fprintf(out, "✓ Next eviction at %s\n", st.NextEligible.Format(time.RFC3339))
			}
			fmt.Fprintln(out, "\nPress Ctrl+C to stop")

			select {
			case <-ctx.Done():
				fmt.Fprintln(out, "\nShutting down...")
			case err := <-watchErr:
				if err != nil {
					return cli.NewCommandError("run", fmt.Errorf("config watcher: %w", err))
				}
				<-ctx.Done()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate config without starting")
	cmd.Flags().BoolVar(&foreground, "foreground", true, "run an overdue eviction right away on start")
	return cmd
}

// newChecker builds the readiness checks of the daemon.
func newChecker(a *app) *health.Checker {
	c := health.New(0)
	c.RegisterCheck("store", health.PingCheck(a.store))
	if p, ok := a.audit.(health.Pinger); ok {
		c.RegisterCheck("audit", health.PingCheck(p))
	}
	c.RegisterCheck("schedule", health.ScheduleCheck(func() time.Time {
		st, err := a.svc.Status()
		if err != nil {
			return time.Time{}
		}
		return st.NextEligible
	}, retention.SystemClock{}, scheduleGrace))
	return c
}

// startSource imports published configs from the drop folder, or from a
// git checkout when a repository is configured.
func startSource(ctx context.Context, cfg config.SourceConfig, a *app, logger *slog.Logger, errc chan<- error) error {
	dir := cfg.Dir
	var repo *source.Repository
	if cfg.Git.Repository != "" {
		var err error
		repo, err = source.NewRepository(source.GitOptions{
			URL:       cfg.Git.Repository,
			Branch:    cfg.Git.Branch,
			LocalPath: cfg.Git.LocalPath,
			Token:     cfg.Git.Token,
			Timeout:   cfg.Git.Timeout,
			Logger:    logger,
		})
		if err != nil {
			return cli.NewConfigError("source.git", err.Error())
		}
		dir = cfg.Git.Dir()
	}

	im, err := source.New(source.Options{
		Dir:      dir,
		Debounce: cfg.Debounce,
		Sink:     a.store,
		Logger:   logger,
	})
	if err != nil {
		return cli.NewConfigError("source", err.Error())
	}

	if repo != nil {
		go func() { errc <- im.WatchRepository(ctx, repo, cfg.Git.PollInterval) }()
		return nil
	}
	go func() { errc <- im.Watch(ctx) }()
	return nil
}
