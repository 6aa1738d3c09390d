// Package executor performs eviction runs.
//
// A run checks its preconditions in a fixed order and aborts on the first
// one that fails. An abort is an expected outcome, written to the audit log
// like any other run, and never mutates documents.
//
// When the preconditions hold, the run evicts each collection of the query
// map in name order. A failing collection does not stop the others; its
// error is recorded in its own audit entry and in the run result. Except in
// test mode the run cancels each collection's subscription before evicting
// it, records the run time and registers the subscriptions again using the
// config that is active once the run is over.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"tillpoint/evictor/pkg/retention"
	"tillpoint/evictor/pkg/retention/audit"
	"tillpoint/evictor/pkg/retention/window"
	"tillpoint/evictor/pkg/telemetry/logging"
	"tillpoint/evictor/pkg/telemetry/tracing"
)

// DefaultTTL applies when neither the override nor the active config sets
// a TTL for a collection.
const DefaultTTL = 7 * 24 * time.Hour

// ConfigSource supplies the active config.
type ConfigSource interface {
	ActiveConfig() *retention.RetentionConfig
}

// Subscriptions is the part of the subscription coordinator the executor
// drives.
type Subscriptions interface {
	Cancel(collection string) bool
	Register(ctx context.Context, collection, locationID string, ttl time.Duration) error
}

// Options configures an Executor.
type Options struct {
	Store         retention.Store
	Config        ConfigSource
	Subscriptions Subscriptions
	Audit         audit.Log
	Settings      *retention.Settings
	Device        retention.Device
	Clock         retention.Clock
	Observer      retention.Observer

	// DefaultTTL overrides the package DefaultTTL when positive.
	DefaultTTL time.Duration

	// QueryTimeout bounds each eviction query. Zero disables the bound.
	QueryTimeout time.Duration

	Logger *slog.Logger
}

// Executor runs eviction.
type Executor struct {
	store        retention.Store
	config       ConfigSource
	subs         Subscriptions
	audit        audit.Log
	settings     *retention.Settings
	device       retention.Device
	clock        retention.Clock
	observer     retention.Observer
	defaultTTL   time.Duration
	queryTimeout time.Duration
	logger       *slog.Logger
}

// New creates an Executor.
func New(opts Options) *Executor {
	if opts.Clock == nil {
		opts.Clock = retention.SystemClock{}
	}
	if opts.Observer == nil {
		opts.Observer = retention.NopObserver{}
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		store:        opts.Store,
		config:       opts.Config,
		subs:         opts.Subscriptions,
		audit:        opts.Audit,
		settings:     opts.Settings,
		device:       opts.Device,
		clock:        opts.Clock,
		observer:     opts.Observer,
		defaultTTL:   opts.DefaultTTL,
		queryTimeout: opts.QueryTimeout,
		logger:       opts.Logger.With("component", "retention.executor"),
	}
}

// Run performs one eviction run. It always returns a result.
func (e *Executor) Run(ctx context.Context, req RunRequest) *RunResult {
	start := e.clock.Now()
	res := &RunResult{
		RunID:     uuid.NewString(),
		Mode:      req.Mode,
		Epoch:     req.Epoch,
		StartedAt: start,
	}
	if res.Epoch.IsZero() {
		res.Epoch = start
	}

	ctx = logging.WithMode(logging.WithRunID(ctx, res.RunID), string(req.Mode))
	logger := e.logger.With("epoch", res.Epoch)

	ctx, span := tracing.Tracer().Start(ctx, "eviction.run",
		trace.WithAttributes(
			tracing.AttrRunID.String(res.RunID),
			tracing.AttrMode.String(string(req.Mode)),
		),
	)
	defer span.End()

	active := e.config.ActiveConfig()
	if active == nil {
		active = retention.DefaultConfig()
	}
	cfg := active
	if req.Override != nil {
		cfg = req.Override
	}

	loc, reason := e.checkPreconditions(req, cfg, start)
	if reason != "" {
		res.Outcome = retention.OutcomeAborted
		res.AbortReason = reason
		res.finish(e.clock.Now())

		logger.InfoContext(ctx, "eviction aborted", "reason", reason)
		e.appendAudit(ctx, e.abortEntry(res, loc))
		e.observer.RunFinished(req.Mode, res.Outcome, res.Duration())

		span.SetAttributes(
			tracing.AttrOutcome.String(string(res.Outcome)),
			tracing.AttrAbortReason.String(reason),
		)
		return res
	}

	collections := slices.Sorted(maps.Keys(cfg.QueryTemplateByCollection))
	manageSubscriptions := req.Mode != retention.ModeTest

	if manageSubscriptions {
		for _, c := range collections {
			e.subs.Cancel(c)
		}
	}

	logger.InfoContext(ctx, "eviction started", "collections", collections, "location_id", loc)

	for _, collection := range collections {
		ttl := e.resolveTTL(req.Override, active, collection)
		cr := e.evictCollection(ctx, collection, cfg.QueryTemplateByCollection[collection], loc, ttl)
		res.Collections = append(res.Collections, cr)

		e.appendAudit(ctx, e.collectionEntry(res, loc, cr))
		e.observer.CollectionEvicted(collection, len(cr.AffectedDocumentIDs), cr.Err)
		if req.Progress != nil {
			req.Progress(cr)
		}
	}

	if manageSubscriptions {
		if err := e.settings.SetLastRunEpoch(e.clock.Now()); err != nil {
			logger.ErrorContext(ctx, "failed to record last run", "error", err)
			res.Err = errors.Join(res.Err, fmt.Errorf("record last run: %w", err))
		}
		if err := e.reregister(ctx, collections, req.Override, loc); err != nil {
			logger.ErrorContext(ctx, "failed to re-register subscriptions", "error", err)
			res.Err = errors.Join(res.Err, err)
		}
	}

	res.finish(e.clock.Now())
	e.observer.RunFinished(req.Mode, res.Outcome, res.Duration())

	span.SetAttributes(
		tracing.AttrLocationID.String(loc),
		tracing.AttrOutcome.String(string(res.Outcome)),
		tracing.AttrEvicted.Int(res.Evicted()),
	)
	tracing.SetStatus(span, res.Err)

	if res.HasErrors() {
		logger.WarnContext(ctx, "eviction completed with errors",
			"evicted", res.Evicted(),
			"error", res.Err,
		)
	} else {
		logger.InfoContext(ctx, "eviction completed",
			"evicted", res.Evicted(),
			"duration_ms", res.Duration().Milliseconds(),
		)
	}
	return res
}

// checkPreconditions returns the device location and an abort reason, which
// is empty when the run may proceed.
func (e *Executor) checkPreconditions(req RunRequest, cfg *retention.RetentionConfig, now time.Time) (string, string) {
	loc, ok := e.device.CurrentLocation()
	if !ok {
		return "", AbortNoLocation
	}
	if !cfg.IsGenericDefault() && cfg.ID.LocationID != loc {
		return loc, AbortLocationMismatch
	}
	if len(cfg.QueryTemplateByCollection) == 0 {
		return loc, AbortNoQueries
	}

	bypass := req.Mode == retention.ModeForced || (req.Mode == retention.ModeTest && req.BypassWindow)
	if !bypass {
		if p, ok := cfg.ActivePolicy(); ok && window.IsWithinNoEvictWindow(now, p.NoEvictStartSeconds, p.NoEvictEndSeconds) {
			return loc, AbortWithinWindow
		}
	}
	return loc, ""
}

// resolveTTL applies override > active config > default.
func (e *Executor) resolveTTL(override, active *retention.RetentionConfig, collection string) time.Duration {
	if ttl, ok := override.TTLFor(collection); ok {
		return ttl
	}
	if ttl, ok := active.TTLFor(collection); ok {
		return ttl
	}
	return e.defaultTTL
}

func (e *Executor) evictCollection(ctx context.Context, collection, stub, loc string, ttl time.Duration) CollectionResult {
	query := BuildQuery(stub)

	// The cutoff is taken right before execution; the run may have been
	// deferred well past its nominal epoch.
	cutoff := e.clock.Now().Add(-ttl)
	args := map[string]any{
		"locationId": loc,
		"cutoff":     cutoff,
	}

	cr := CollectionResult{
		Collection:          collection,
		Query:               RenderQuery(query, args),
		TTL:                 ttl,
		Cutoff:              cutoff,
		AffectedDocumentIDs: []string{},
	}

	ctx, span := tracing.Tracer().Start(ctx, "eviction.collection",
		trace.WithAttributes(
			tracing.AttrCollection.String(collection),
			tracing.AttrTTLSeconds.Int64(int64(ttl.Seconds())),
		),
	)
	defer span.End()

	qctx := ctx
	if e.queryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, e.queryTimeout)
		defer cancel()
	}

	out, err := e.store.Execute(qctx, query, args)
	if err != nil {
		cr.Err = retention.NewQueryError(collection, cr.Query, err)
		e.logger.WarnContext(ctx, "eviction query failed", "collection", collection, "error", err)
		tracing.SetStatus(span, cr.Err)
		return cr
	}
	if out != nil && out.AffectedDocumentIDs != nil {
		cr.AffectedDocumentIDs = out.AffectedDocumentIDs
	}
	span.SetAttributes(tracing.AttrEvicted.Int(len(cr.AffectedDocumentIDs)))
	return cr
}

// reregister restores the subscriptions cancelled for the run. TTLs come
// from the config active now, which may have changed during the run.
func (e *Executor) reregister(ctx context.Context, collections []string, override *retention.RetentionConfig, loc string) error {
	cfg := e.config.ActiveConfig()
	if override != nil {
		cfg = override
	}

	var errs []error
	for _, c := range collections {
		ttl, ok := cfg.TTLFor(c)
		if !ok {
			ttl = e.defaultTTL
		}
		if err := e.subs.Register(ctx, c, loc, ttl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Executor) baseDetails(runID, loc string) map[string]string {
	d := map[string]string{
		retention.DetailRunID:         runID,
		retention.DetailEngineVersion: e.store.EngineVersion(),
		retention.DetailDeviceID:      e.device.DeviceID(),
	}
	if loc != "" {
		d[retention.DetailLocationID] = loc
	}
	return d
}

func (e *Executor) abortEntry(res *RunResult, loc string) *retention.AuditEntry {
	details := e.baseDetails(res.RunID, loc)
	details[retention.DetailAbortReason] = res.AbortReason

	return &retention.AuditEntry{
		ID:                  uuid.NewString(),
		Title:               fmt.Sprintf("%s eviction aborted", res.Mode),
		Mode:                res.Mode,
		ResultMessage:       res.AbortReason,
		AffectedDocumentIDs: []string{},
		QueryTimestamp:      res.StartedAt,
		EpochTimestamp:      res.Epoch,
		Details:             details,
	}
}

func (e *Executor) collectionEntry(res *RunResult, loc string, cr CollectionResult) *retention.AuditEntry {
	mode := res.Mode
	details := e.baseDetails(res.RunID, loc)
	details[retention.DetailCollection] = cr.Collection
	details[retention.DetailTTL] = cr.TTL.String()
	details[retention.DetailCutoff] = cr.Cutoff.UTC().Format(time.RFC3339)

	entry := &retention.AuditEntry{
		ID:                  uuid.NewString(),
		Mode:                mode,
		Query:               cr.Query,
		AffectedDocumentIDs: cr.AffectedDocumentIDs,
		QueryTimestamp:      e.clock.Now(),
		EpochTimestamp:      res.Epoch,
		Details:             details,
	}

	if cr.Err != nil {
		details[retention.DetailError] = cr.Err.Error()
		entry.Title = fmt.Sprintf("%s %s eviction failed", cr.Collection, mode)
		entry.ResultMessage = cr.Err.Error()
		return entry
	}

	n := len(cr.AffectedDocumentIDs)
	entry.Title = fmt.Sprintf("%s %s eviction: %d evicted", cr.Collection, mode, n)
	entry.ResultMessage = fmt.Sprintf("evicted %d documents", n)
	return entry
}

func (e *Executor) appendAudit(ctx context.Context, entry *retention.AuditEntry) {
	// The audit write must not depend on a cancelled run context.
	if err := e.audit.Append(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.ErrorContext(ctx, "failed to append audit entry", "title", entry.Title, "error", err)
	}
}
