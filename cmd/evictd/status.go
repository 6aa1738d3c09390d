package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tillpoint/evictor/pkg/cli"
)

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the eviction schedule and active config",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.ParseFormat(flags.output)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), flags, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				st, err := a.svc.Status()
				if err != nil {
					return err
				}

				view := statusView{
					State:         st.State.String(),
					Config:        st.ActiveConfig.ID.Key(),
					ConfigVersion: st.ActiveConfig.Version,
					Origin:        originOf(st.ActiveConfig),
				}
				if !st.NextEligible.IsZero() {
					view.NextEligible = st.NextEligible.UTC().Format(time.RFC3339)
				}
				if !st.LastRun.IsZero() {
					view.LastRun = st.LastRun.UTC().Format(time.RFC3339)
				}
				for _, r := range st.Subscriptions {
					view.Subscriptions = append(view.Subscriptions, subscriptionView{
						Collection: r.Collection,
						LocationID: r.LocationID,
						TTL:        r.TTL.String(),
						Cutoff:     r.Cutoff.UTC().Format(time.RFC3339),
					})
				}
				return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), view)
			})
		},
	}
}

type statusView struct {
	State         string             `json:"state"`
	NextEligible  string             `json:"nextEligible,omitempty"`
	LastRun       string             `json:"lastRun,omitempty"`
	Config        string             `json:"config"`
	ConfigVersion float64            `json:"configVersion"`
	Origin        string             `json:"origin"`
	Subscriptions []subscriptionView `json:"subscriptions,omitempty"`
}

type subscriptionView struct {
	Collection string `json:"collection"`
	LocationID string `json:"locationId"`
	TTL        string `json:"ttl"`
	Cutoff     string `json:"cutoff"`
}

func (v statusView) String() string {
	var b strings.Builder
	next := v.NextEligible
	if next == "" {
		next = "not scheduled"
	}
	last := v.LastRun
	if last == "" {
		last = "never"
	}
	fmt.Fprintf(&b, "State:          %s\n", v.State)
	fmt.Fprintf(&b, "Next eviction:  %s\n", next)
	fmt.Fprintf(&b, "Last run:       %s\n", last)
	fmt.Fprintf(&b, "Config:         %s (%s, version %g)\n", v.Config, v.Origin, v.ConfigVersion)
	fmt.Fprintf(&b, "Subscriptions:  %d\n", len(v.Subscriptions))
	for _, s := range v.Subscriptions {
		fmt.Fprintf(&b, "  %s @ %s: createdOn >= %s (ttl %s)\n", s.Collection, s.LocationID, s.Cutoff, s.TTL)
	}
	return strings.TrimRight(b.String(), "\n")
}
