// Package resolver decides which RetentionConfig is authoritative on a
// device.
//
// A device starts on its local-only config (or the generic default when
// nothing was saved). Once the device opts in to published configs, the
// published config with the device's location and the highest version
// wins. Adopting a published config stores a copy in the device settings
// so the device keeps evicting with it while offline.
//
// Changes are announced synchronously to listeners registered with
// OnConfigChanged, as a retention.ConfigChanged event.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"tillpoint/evictor/pkg/retention"
)

// Options configures a Resolver.
type Options struct {
	Store    retention.Store
	Settings *retention.Settings
	Device   retention.Device
	Clock    retention.Clock
	Observer retention.Observer
	Logger   *slog.Logger
}

// Resolver tracks the active RetentionConfig.
type Resolver struct {
	store    retention.Store
	settings *retention.Settings
	device   retention.Device
	clock    retention.Clock
	observer retention.Observer
	logger   *slog.Logger

	mu sync.Mutex
	// active is never nil after Start.
	active *retention.RetentionConfig
	// latestPublished is the highest-version valid published config for the
	// device location currently present in the store.
	latestPublished *retention.RetentionConfig
	// maxPublishedVersion covers every published document for the location,
	// so Publish always moves past it.
	maxPublishedVersion float64
	lastDocs            []retention.Document
	listeners           []func(retention.ConfigChanged)
	stopObserving       func()
}

// New creates a Resolver. Call Start before use.
func New(opts Options) *Resolver {
	if opts.Clock == nil {
		opts.Clock = retention.SystemClock{}
	}
	if opts.Observer == nil {
		opts.Observer = retention.NopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		store:    opts.Store,
		settings: opts.Settings,
		device:   opts.Device,
		clock:    opts.Clock,
		observer: opts.Observer,
		logger:   opts.Logger.With("component", "retention.resolver"),
		active:   retention.DefaultConfig(),
	}
}

// Start loads the persisted state and begins observing the config
// collection of the store.
func (r *Resolver) Start(ctx context.Context) error {
	if err := r.recompute(); err != nil {
		return err
	}

	stop := r.store.OnCollectionChanged(retention.ConfigCollection, r.handleDocuments)

	r.mu.Lock()
	r.stopObserving = stop
	r.mu.Unlock()

	r.logger.Info("config resolver started", "active", r.ActiveConfig().ID.Key())
	return nil
}

// Stop stops observing the store.
func (r *Resolver) Stop() {
	r.mu.Lock()
	stop := r.stopObserving
	r.stopObserving = nil
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// ActiveConfig returns a copy of the active config.
func (r *Resolver) ActiveConfig() *retention.RetentionConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active.Clone()
}

// LatestPublished returns the newest published config known for the
// device location, or nil.
func (r *Resolver) LatestPublished() *retention.RetentionConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latestPublished.Clone()
}

// OnConfigChanged registers fn to be called after every change of the
// active config. Listeners run synchronously in registration order.
func (r *Resolver) OnConfigChanged(fn func(retention.ConfigChanged)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// SwitchToPublished turns on the "use published" preference. The device
// keeps its local config until a matching published config is available.
func (r *Resolver) SwitchToPublished(ctx context.Context) error {
	if err := r.settings.SetUsePublished(true); err != nil {
		return fmt.Errorf("failed to enable published config: %w", err)
	}
	return r.recompute()
}

// UseLocalOnly turns off the "use published" preference and reverts to the
// persisted local-only config.
func (r *Resolver) UseLocalOnly(ctx context.Context) error {
	if err := r.settings.SetUsePublished(false); err != nil {
		return fmt.Errorf("failed to disable published config: %w", err)
	}
	return r.recompute()
}

// SaveLocalOnly stores cfg as the device-local config. No shared document
// is written. When cfg has no location, the device location is used.
func (r *Resolver) SaveLocalOnly(ctx context.Context, cfg *retention.RetentionConfig) (*retention.RetentionConfig, error) {
	out := cfg.Clone()
	if out == nil {
		return nil, retention.NewConfigError("", "config is nil", nil)
	}
	out.ID.ID = retention.LocalConfigID
	if out.ID.LocationID == "" {
		if loc, ok := r.device.CurrentLocation(); ok {
			out.ID.LocationID = loc
		}
	}
	out.Origin = retention.OriginLocal
	out.LastUpdated = r.clock.Now()

	if err := out.Validate(); err != nil {
		return nil, err
	}
	if err := r.settings.SaveLocalConfig(out); err != nil {
		return nil, fmt.Errorf("failed to save local config: %w", err)
	}

	r.logger.Info("local config saved", "id", out.ID.Key(), "version", out.Version)
	return out, r.recompute()
}

// Publish writes cfg as the published config for the device location with
// a version above every published version seen so far, and opts the device
// in to published configs.
func (r *Resolver) Publish(ctx context.Context, cfg *retention.RetentionConfig) (*retention.RetentionConfig, error) {
	loc, ok := r.device.CurrentLocation()
	if !ok {
		return nil, retention.ErrNoLocation
	}

	out := cfg.Clone()
	if out == nil {
		return nil, retention.NewConfigError("", "config is nil", nil)
	}

	r.mu.Lock()
	base := max(r.maxPublishedVersion, out.Version)
	r.mu.Unlock()

	now := r.clock.Now()
	out.ID = retention.ConfigID{ID: retention.PublishedConfigID, LocationID: loc}
	out.Version = base + 1
	out.LastUpdated = now
	out.Origin = retention.OriginPublished

	if err := out.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	doc := retention.Document{
		ID:         out.ID.Key(),
		LocationID: loc,
		CreatedOn:  now,
		Body:       body,
	}
	if err := r.store.Upsert(ctx, retention.ConfigCollection, doc); err != nil {
		return nil, fmt.Errorf("failed to publish config: %w", err)
	}

	r.logger.Info("config published", "location_id", loc, "version", out.Version)

	r.mu.Lock()
	if r.latestPublished == nil || r.latestPublished.Version < out.Version {
		r.latestPublished = out.Clone()
	}
	r.maxPublishedVersion = max(r.maxPublishedVersion, out.Version)
	r.mu.Unlock()

	if err := r.settings.SetUsePublished(true); err != nil {
		return nil, fmt.Errorf("failed to enable published config: %w", err)
	}
	return out, r.recompute()
}

// Refresh re-evaluates the active config, e.g. after the device location
// changed.
func (r *Resolver) Refresh(ctx context.Context) error {
	r.mu.Lock()
	docs := r.lastDocs
	r.mu.Unlock()

	r.handleDocuments(docs)
	return nil
}

// handleDocuments picks the newest valid published config for the device
// location out of the config collection and re-resolves.
func (r *Resolver) handleDocuments(docs []retention.Document) {
	loc, hasLoc := r.device.CurrentLocation()

	var (
		latest     *retention.RetentionConfig
		maxVersion float64
	)
	for _, doc := range docs {
		cfg, err := retention.ParseConfig(doc.Body)
		if err != nil {
			r.logger.Warn("rejected config document", "document_id", doc.ID, "error", err)
			continue
		}
		if cfg.ID.ID != retention.PublishedConfigID {
			continue
		}
		if !hasLoc || cfg.ID.LocationID != loc {
			continue
		}
		cfg.Origin = retention.OriginPublished
		maxVersion = max(maxVersion, cfg.Version)
		if latest == nil || cfg.Version > latest.Version {
			latest = cfg
		}
	}

	r.mu.Lock()
	r.lastDocs = docs
	r.latestPublished = latest
	r.maxPublishedVersion = max(r.maxPublishedVersion, maxVersion)
	r.mu.Unlock()

	if err := r.recompute(); err != nil {
		r.logger.Error("failed to resolve config", "error", err)
	}
}

// recompute applies the precedence rules and emits a change event when the
// active config changed value.
func (r *Resolver) recompute() error {
	usePublished, err := r.settings.UsePublished()
	if err != nil {
		return fmt.Errorf("failed to read published preference: %w", err)
	}

	var next *retention.RetentionConfig
	if usePublished {
		next, err = r.publishedCandidate()
		if err != nil {
			return err
		}
	}
	if next == nil {
		next, err = r.settings.LocalConfig()
		if err != nil {
			return fmt.Errorf("failed to load local config: %w", err)
		}
	}
	if next == nil {
		next = retention.DefaultConfig()
	}

	r.mu.Lock()
	prev := r.active
	if prev.Equal(next) {
		r.mu.Unlock()
		return nil
	}
	r.active = next
	listeners := append([]func(retention.ConfigChanged){}, r.listeners...)
	r.mu.Unlock()

	if next.Origin == retention.OriginPublished {
		if err := r.settings.SavePublishedConfig(next); err != nil {
			r.logger.Error("failed to persist adopted published config", "error", err)
		}
	}

	event := retention.ConfigChanged{
		Previous:        prev.Clone(),
		Current:         next.Clone(),
		TTLChanged:      ttlChanges(prev, next),
		LocationChanged: prev.ID.LocationID != next.ID.LocationID,
		OriginChanged:   prev.Origin != next.Origin,
	}

	r.logger.Info("active config changed",
		"id", next.ID.Key(),
		"version", next.Version,
		"origin", next.Origin,
		"ttl_changed", event.TTLChanged,
	)
	r.observer.ConfigActivated(next)

	for _, fn := range listeners {
		fn(event)
	}
	return nil
}

// publishedCandidate returns the published config to adopt: the newest one
// in the store, or the persisted copy when the store has none (offline).
func (r *Resolver) publishedCandidate() (*retention.RetentionConfig, error) {
	r.mu.Lock()
	latest := r.latestPublished.Clone()
	r.mu.Unlock()
	if latest != nil {
		return latest, nil
	}

	saved, err := r.settings.PublishedConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load published config: %w", err)
	}
	if saved == nil {
		return nil, nil
	}
	if loc, ok := r.device.CurrentLocation(); !ok || saved.ID.LocationID != loc {
		return nil, nil
	}
	return saved, nil
}

// ttlChanges lists the collections whose TTL differs, plus collections
// that only one of the configs names.
func ttlChanges(prev, next *retention.RetentionConfig) []string {
	prevSet := prev.Collections()
	nextSet := next.Collections()

	var changed []string
	for _, c := range append(slices.Clone(prevSet), nextSet...) {
		if slices.Contains(changed, c) {
			continue
		}
		if slices.Contains(prevSet, c) != slices.Contains(nextSet, c) {
			changed = append(changed, c)
			continue
		}
		a, aok := prev.TTLFor(c)
		b, bok := next.TTLFor(c)
		if a != b || aok != bok {
			changed = append(changed, c)
		}
	}
	slices.Sort(changed)
	return changed
}
