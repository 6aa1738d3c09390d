package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tillpoint/evictor/pkg/cli"
	"tillpoint/evictor/pkg/retention"
	"tillpoint/evictor/pkg/retention/executor"
	"tillpoint/evictor/pkg/source"
)

func newEvictCmd(flags *globalFlags) *cobra.Command {
	var (
		mode         string
		overrideFile string
		bypassWindow bool
	)

	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Run eviction now",
		Long: `Run eviction once and print the result.

Modes:
  forced      ignores the no-evict window; manages subscriptions and records the run time
  test        leaves subscriptions and the schedule untouched; use with --override
  foreground  behaves like a run started when the application opens

Examples:
  # Evict now regardless of the window
  evictd evict --mode forced

  # Try a draft config
  evictd evict --mode test --override draft.yaml --bypass-window`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := retention.ParseMode(mode)
			if err != nil {
				return cli.NewConfigError("mode", err.Error())
			}
			if m == retention.ModeBackground {
				return cli.NewConfigError("mode", "background runs are started by the scheduler")
			}
			if bypassWindow && m != retention.ModeTest {
				return cli.NewConfigError("bypass-window", "only applies to test runs")
			}
			format, err := cli.ParseFormat(flags.output)
			if err != nil {
				return err
			}

			req := executor.RunRequest{Mode: m, BypassWindow: bypassWindow}
			if overrideFile != "" {
				req.Override, err = source.LoadConfigFile(overrideFile)
				if err != nil {
					return cli.NewConfigError("override", err.Error())
				}
			}

			return withApp(cmd.Context(), flags, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				if format == cli.FormatText {
					cfg := req.Override
					if cfg == nil {
						cfg = a.svc.ActiveConfig()
					}
					progress := cli.NewRunProgress(cmd.OutOrStdout(), len(cfg.QueryTemplateByCollection))
					req.Progress = func(cr executor.CollectionResult) {
						progress.Step(cr.Collection, len(cr.AffectedDocumentIDs), cr.Err)
					}
				}

				res := a.svc.Run(ctx, req)
				if err := cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), newRunView(res)); err != nil {
					return err
				}
				return runError(res)
			})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(retention.ModeForced), "run mode: forced, test, foreground")
	cmd.Flags().StringVar(&overrideFile, "override", "", "config file (JSON or YAML) used instead of the active config")
	cmd.Flags().BoolVar(&bypassWindow, "bypass-window", false, "let a test run ignore the no-evict window")
	return cmd
}

// runView is the printable form of a run result.
type runView struct {
	RunID       string           `json:"runId,omitempty"`
	Mode        retention.Mode   `json:"mode"`
	Outcome     string           `json:"outcome"`
	AbortReason string           `json:"abortReason,omitempty"`
	Epoch       time.Time        `json:"epoch"`
	DurationMS  int64            `json:"durationMs"`
	Evicted     int              `json:"evicted"`
	Collections []collectionView `json:"collections,omitempty"`
	Error       string           `json:"error,omitempty"`

	summary string
}

type collectionView struct {
	Collection string   `json:"collection"`
	TTL        string   `json:"ttl"`
	Cutoff     string   `json:"cutoff"`
	Evicted    []string `json:"evicted"`
	Error      string   `json:"error,omitempty"`
}

func newRunView(res *executor.RunResult) runView {
	v := runView{
		RunID:       res.RunID,
		Mode:        res.Mode,
		Outcome:     string(res.Outcome),
		AbortReason: res.AbortReason,
		Epoch:       res.Epoch,
		DurationMS:  res.Duration().Milliseconds(),
		Evicted:     res.Evicted(),
		summary:     res.Summary(),
	}
	for _, c := range res.Collections {
		cv := collectionView{
			Collection: c.Collection,
			TTL:        c.TTL.String(),
			Cutoff:     c.Cutoff.UTC().Format(time.RFC3339),
			Evicted:    c.AffectedDocumentIDs,
		}
		if c.Err != nil {
			cv.Error = c.Err.Error()
		}
		v.Collections = append(v.Collections, cv)
	}
	if res.Err != nil {
		v.Error = res.Err.Error()
	}
	return v
}

func (v runView) String() string {
	return v.summary
}

// runError reports a run that did not complete cleanly.
func runError(res *executor.RunResult) error {
	switch res.Outcome {
	case retention.OutcomeAborted:
		return &cli.RunError{Outcome: string(res.Outcome), Reason: res.AbortReason}
	case retention.OutcomeCompletedWithErrors:
		return &cli.RunError{Outcome: string(res.Outcome), Reason: fmt.Sprintf("%d documents evicted", res.Evicted())}
	default:
		return nil
	}
}
