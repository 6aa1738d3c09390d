package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tillpoint/evictor/pkg/cli"
	"tillpoint/evictor/pkg/config"
	"tillpoint/evictor/pkg/retention"
	"tillpoint/evictor/pkg/source"
)

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage retention configs",
		Long: `Show, validate and change the retention config in force.

The active config is the newest published config for the device location
when the device uses published configs, otherwise the local config, and the
generic default when neither exists.`,
	}
	cmd.AddCommand(
		newConfigShowCmd(flags),
		newConfigValidateCmd(flags),
		newConfigSaveLocalCmd(flags),
		newConfigPublishCmd(flags),
		newConfigUsePublishedCmd(flags),
		newConfigUseLocalCmd(flags),
	)
	return cmd
}

func newConfigShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the active retention config",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.ParseFormat(flags.output)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), flags, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				active := a.svc.ActiveConfig()
				if format == cli.FormatJSON {
					return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), active)
				}
				return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), configText{active})
			})
		},
	}
}

func newConfigValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [retention-config-file...]",
		Short: "Validate the daemon config and retention config files",
		Long: `Validate the daemon configuration (--config and EVICTOR_* variables)
and, when given, retention config files in JSON or YAML.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadConfigWithEnvOverrides(flags.configFile); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "✓ Daemon configuration valid")

			var failed int
			for _, path := range args {
				cfg, err := source.LoadConfigFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "✗ %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "✓ %s: %s version %g, %d collections\n", path, cfg.ID.Key(), cfg.Version, len(cfg.Collections()))
			}
			if failed > 0 {
				return cli.NewConfigError("", fmt.Sprintf("%d of %d retention configs invalid", failed, len(args)))
			}
			return nil
		},
	}
}

func newConfigSaveLocalCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "save-local FILE",
		Short: "Save a retention config for this device only",
		Long: `Save a retention config for this device only and stop using published
configs. The config is stamped with the local identity and the device
location.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := source.LoadConfigFile(args[0])
			if err != nil {
				return cli.NewConfigError("", err.Error())
			}
			return withApp(cmd.Context(), flags, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				saved, err := a.svc.SaveLocalOnly(ctx, cfg)
				if err != nil {
					return cli.NewCommandError("config save-local", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Saved local config %s version %g\n", saved.ID.Key(), saved.Version)
				return nil
			})
		},
	}
}

func newConfigPublishCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "publish [FILE]",
		Short: "Publish a retention config to every device of the location",
		Long: `Publish a retention config for the device location. Without FILE the
saved local config is published. The published version is one above every
version seen so far, and this device switches to published configs.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *retention.RetentionConfig
			if len(args) == 1 {
				var err error
				if cfg, err = source.LoadConfigFile(args[0]); err != nil {
					return cli.NewConfigError("", err.Error())
				}
			}
			return withApp(cmd.Context(), flags, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				if cfg == nil {
					local, err := a.svc.LocalConfig()
					if err != nil {
						return err
					}
					if local == nil {
						return cli.NewConfigError("", "no local config saved; pass a config file")
					}
					cfg = local
				}
				published, err := a.svc.Publish(ctx, cfg)
				if err != nil {
					return cli.NewCommandError("config publish", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Published %s version %g\n", published.ID.Key(), published.Version)
				return nil
			})
		},
	}
}

func newConfigUsePublishedCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "use-published",
		Short: "Follow the published config of the location",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), flags, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				if err := a.svc.SwitchToPublished(ctx); err != nil {
					return cli.NewCommandError("config use-published", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Using published configs; active: %s\n", a.svc.ActiveConfig().ID.Key())
				return nil
			})
		},
	}
}

func newConfigUseLocalCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "use-local",
		Short: "Ignore published configs and use the local config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), flags, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				if err := a.svc.UseLocalOnly(ctx); err != nil {
					return cli.NewCommandError("config use-local", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Using local config; active: %s\n", a.svc.ActiveConfig().ID.Key())
				return nil
			})
		},
	}
}

// configText renders a retention config for the terminal.
type configText struct {
	cfg *retention.RetentionConfig
}

func (c configText) String() string {
	cfg := c.cfg
	var b strings.Builder

	fmt.Fprintf(&b, "Config:    %s (%s, version %g)\n", cfg.ID.Key(), originOf(cfg), cfg.Version)
	if cfg.EvictionEnabled() {
		fmt.Fprintf(&b, "Interval:  %s\n", cfg.EvictionInterval)
	} else {
		fmt.Fprintln(&b, "Interval:  disabled")
	}
	if p, ok := cfg.ActivePolicy(); ok {
		fmt.Fprintf(&b, "No-evict:  %s - %s\n", clockTime(p.NoEvictStartSeconds), clockTime(p.NoEvictEndSeconds))
	} else {
		fmt.Fprintln(&b, "No-evict:  none")
	}
	if !cfg.LastUpdated.IsZero() {
		fmt.Fprintf(&b, "Updated:   %s\n", cfg.LastUpdated.UTC().Format(time.RFC3339))
	}

	for _, name := range slices.Sorted(maps.Keys(cfg.QueryTemplateByCollection)) {
		ttl, ok := cfg.TTLFor(name)
		ttlText := "default"
		if ok {
			ttlText = ttl.String()
		}
		fmt.Fprintf(&b, "  %s (ttl %s): %s\n", name, ttlText, cfg.QueryTemplateByCollection[name])
	}
	return strings.TrimRight(b.String(), "\n")
}

func originOf(cfg *retention.RetentionConfig) string {
	if cfg.IsGenericDefault() {
		return "generic default"
	}
	return string(cfg.Origin)
}

func clockTime(secs int) string {
	return fmt.Sprintf("%02d:%02d", secs/3600, secs%3600/60)
}
