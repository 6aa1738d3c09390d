package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tillpoint/evictor/pkg/cli"
	"tillpoint/evictor/pkg/retention"
	"tillpoint/evictor/pkg/retention/audit/export"
)

func newAuditCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the eviction audit log",
		Long: `Inspect, export and clear the eviction audit log.

Entries are listed newest first.`,
	}
	cmd.AddCommand(
		newAuditListCmd(flags),
		newAuditExportCmd(flags),
		newAuditClearCmd(flags),
	)
	return cmd
}

func newAuditListCmd(flags *globalFlags) *cobra.Command {
	var (
		limit      int
		errorsOnly bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.ParseFormat(flags.output)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), flags, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				entries, err := a.svc.AuditEntries(ctx)
				if err != nil {
					return err
				}
				entries = filterEntries(entries, errorsOnly, limit)

				if format == cli.FormatJSON {
					return export.NewJSONExporter(true).Export(ctx, entries, cmd.OutOrStdout())
				}
				return printEntries(cmd.OutOrStdout(), entries)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to list (0 for all)")
	cmd.Flags().BoolVar(&errorsOnly, "errors", false, "only list failed collections and aborted runs")
	return cmd
}

func newAuditExportCmd(flags *globalFlags) *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the audit log as JSON or CSV",
		Example: `  evictd audit export --format csv -o audit.csv
  evictd audit export --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), flags, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				if format == "" {
					format = a.cfg.Audit.Export.Format
				}
				exp, err := export.New(format, a.cfg.Audit.Export.Pretty(), a.cfg.Audit.Export.Header())
				if err != nil {
					return cli.NewConfigError("format", err.Error())
				}

				entries, err := a.svc.AuditEntries(ctx)
				if err != nil {
					return err
				}

				var w io.Writer = cmd.OutOrStdout()
				if output != "" {
					f, err := os.Create(output)
					if err != nil {
						return cli.NewCommandError("audit export", err)
					}
					defer f.Close()
					w = f
				}
				if err := exp.Export(ctx, entries, w); err != nil {
					return cli.NewCommandError("audit export", err)
				}
				if output != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "✓ Exported %d entries to %s\n", len(entries), output)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "export format: json, csv (config default when empty)")
	cmd.Flags().StringVarP(&output, "file", "f", "", "output file (default: stdout)")
	return cmd
}

func newAuditClearCmd(flags *globalFlags) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every audit entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return cli.NewConfigError("yes", "clearing the audit log requires --yes")
			}
			return withApp(cmd.Context(), flags, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				n, err := a.svc.ClearAudit(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Cleared %d audit entries\n", n)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func filterEntries(entries []*retention.AuditEntry, errorsOnly bool, limit int) []*retention.AuditEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if errorsOnly && !e.IsError() && !e.IsAbort() {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func printEntries(w io.Writer, entries []*retention.AuditEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No audit entries")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "QUERY TIME\tMODE\tTITLE\tRESULT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			e.QueryTimestamp.UTC().Format(time.RFC3339),
			e.Mode,
			e.Title,
			strings.ReplaceAll(e.ResultMessage, "\n", " "),
		)
	}
	return tw.Flush()
}
