package executor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tillpoint/evictor/pkg/retention"
)

// Abort reasons, in the order the preconditions are checked.
const (
	AbortNoLocation       = "no current location"
	AbortLocationMismatch = "location mismatch"
	AbortNoQueries        = "no eviction queries defined"
	AbortWithinWindow     = "within no-evict window"
)

// RunRequest describes one eviction run.
type RunRequest struct {
	Mode retention.Mode

	// Override replaces the active config for this run. It is typically
	// used with ModeTest.
	Override *retention.RetentionConfig

	// Epoch is the scheduled cycle the run belongs to. Zero means the run
	// start time.
	Epoch time.Time

	// BypassWindow lets a test run ignore the no-evict window.
	BypassWindow bool

	// Progress, when set, is called after each collection finishes.
	Progress func(CollectionResult)
}

// CollectionResult is the outcome of evicting one collection.
type CollectionResult struct {
	Collection          string
	Query               string
	TTL                 time.Duration
	Cutoff              time.Time
	AffectedDocumentIDs []string
	Err                 error
}

// RunResult is returned by every run, aborted or not.
type RunResult struct {
	// RunID identifies the run in logs and audit details.
	RunID       string
	Mode        retention.Mode
	Outcome     retention.Outcome
	AbortReason string
	Epoch       time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Collections []CollectionResult

	// Err joins the per-collection errors and any bookkeeping failure.
	Err error
}

// HasErrors reports whether at least one collection failed.
func (r *RunResult) HasErrors() bool {
	for _, c := range r.Collections {
		if c.Err != nil {
			return true
		}
	}
	return false
}

// Evicted returns the total number of affected documents.
func (r *RunResult) Evicted() int {
	n := 0
	for _, c := range r.Collections {
		n += len(c.AffectedDocumentIDs)
	}
	return n
}

// Duration returns how long the run took.
func (r *RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary renders the result for display.
func (r *RunResult) Summary() string {
	var b strings.Builder

	switch r.Outcome {
	case retention.OutcomeAborted:
		fmt.Fprintf(&b, "%s eviction aborted: %s", r.Mode, r.AbortReason)
		return b.String()
	case retention.OutcomeCompletedWithErrors:
		fmt.Fprintf(&b, "%s eviction completed with errors: %d documents evicted", r.Mode, r.Evicted())
	default:
		fmt.Fprintf(&b, "%s eviction completed: %d documents evicted", r.Mode, r.Evicted())
	}

	for _, c := range r.Collections {
		if c.Err != nil {
			fmt.Fprintf(&b, "\n  %s: error: %v", c.Collection, c.Err)
			continue
		}
		fmt.Fprintf(&b, "\n  %s: %d evicted (ttl %s)", c.Collection, len(c.AffectedDocumentIDs), c.TTL)
	}
	if r.Err != nil && !r.HasErrors() {
		fmt.Fprintf(&b, "\n  warning: %v", r.Err)
	}
	return b.String()
}

func (r *RunResult) finish(now time.Time) {
	r.FinishedAt = now
	if r.Outcome == retention.OutcomeAborted {
		return
	}

	var errs []error
	for _, c := range r.Collections {
		if c.Err != nil {
			errs = append(errs, c.Err)
		}
	}
	if r.Err != nil {
		errs = append(errs, r.Err)
	}
	r.Err = errors.Join(errs...)

	if r.HasErrors() {
		r.Outcome = retention.OutcomeCompletedWithErrors
	} else {
		r.Outcome = retention.OutcomeCompleted
	}
}
