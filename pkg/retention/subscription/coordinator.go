// Package subscription keeps the device's live-query subscriptions scoped
// to the documents that survive eviction.
//
// Each collection gets one subscription selecting the device location and
// documents created at or after now minus the collection TTL. The cutoff is
// computed at registration time, so re-registering slides the window
// forward. The executor cancels a collection's subscription right before
// evicting it and registers it again afterwards.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"tillpoint/evictor/pkg/retention"
)

// Registration describes an active subscription.
type Registration struct {
	Collection     string
	LocationID     string
	TTL            time.Duration
	Cutoff         time.Time
	SubscriptionID string
}

type entry struct {
	reg Registration
	sub retention.Subscription
}

// Options configures a Coordinator.
type Options struct {
	Store  retention.Store
	Device retention.Device
	Clock  retention.Clock

	// DefaultTTL applies to collections without a configured TTL.
	DefaultTTL time.Duration

	Logger *slog.Logger
}

// Coordinator owns one sliding-window subscription per collection.
type Coordinator struct {
	store      retention.Store
	device     retention.Device
	clock      retention.Clock
	defaultTTL time.Duration
	logger     *slog.Logger

	mu   sync.Mutex
	subs map[string]*entry
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = retention.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		store:      opts.Store,
		device:     opts.Device,
		clock:      opts.Clock,
		defaultTTL: opts.DefaultTTL,
		logger:     opts.Logger.With("component", "retention.subscription"),
		subs:       make(map[string]*entry),
	}
}

// Query returns the subscription query for collection.
func Query(collection string) string {
	return fmt.Sprintf("SELECT * FROM %s WHERE locationId = :locationId AND createdOn >= :cutoff", collection)
}

// Register replaces the subscription on collection with one covering
// documents of locationID created within ttl of now.
func (c *Coordinator) Register(ctx context.Context, collection, locationID string, ttl time.Duration) error {
	if !retention.ValidCollectionName(collection) {
		return fmt.Errorf("invalid collection name %q", collection)
	}

	cutoff := c.clock.Now().Add(-ttl)
	query := Query(collection)
	args := map[string]any{
		"locationId": locationID,
		"cutoff":     cutoff,
	}

	c.Cancel(collection)

	sub, err := c.store.Subscribe(ctx, collection, query, args)
	if err != nil {
		return retention.NewQueryError(collection, query, err)
	}

	c.mu.Lock()
	c.subs[collection] = &entry{
		reg: Registration{
			Collection:     collection,
			LocationID:     locationID,
			TTL:            ttl,
			Cutoff:         cutoff,
			SubscriptionID: sub.ID(),
		},
		sub: sub,
	}
	c.mu.Unlock()

	c.logger.Debug("subscription registered",
		"collection", collection,
		"location_id", locationID,
		"ttl", ttl,
		"cutoff", cutoff,
	)
	return nil
}

// Cancel stops the subscription on collection. It reports whether one was
// active.
func (c *Coordinator) Cancel(collection string) bool {
	c.mu.Lock()
	e, ok := c.subs[collection]
	delete(c.subs, collection)
	c.mu.Unlock()

	if !ok {
		return false
	}
	e.sub.Cancel()
	c.logger.Debug("subscription cancelled", "collection", collection)
	return true
}

// CancelAll stops every subscription.
func (c *Coordinator) CancelAll() {
	for _, reg := range c.Active() {
		c.Cancel(reg.Collection)
	}
}

// Active returns the active registrations sorted by collection.
func (c *Coordinator) Active() []Registration {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Registration, 0, len(c.subs))
	for _, e := range c.subs {
		out = append(out, e.reg)
	}
	slices.SortFunc(out, func(a, b Registration) int {
		return strings.Compare(a.Collection, b.Collection)
	})
	return out
}

// TTLFor resolves the subscription TTL of collection under cfg.
func (c *Coordinator) TTLFor(cfg *retention.RetentionConfig, collection string) time.Duration {
	if ttl, ok := cfg.TTLFor(collection); ok {
		return ttl
	}
	return c.defaultTTL
}

// RegisterAll registers every collection named by cfg for the device
// location. Errors are collected; one failing collection does not stop
// the others.
func (c *Coordinator) RegisterAll(ctx context.Context, cfg *retention.RetentionConfig) error {
	loc, ok := c.device.CurrentLocation()
	if !ok {
		return retention.ErrNoLocation
	}

	var errs []error
	for _, collection := range cfg.Collections() {
		if err := c.Register(ctx, collection, loc, c.TTLFor(cfg, collection)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleConfigChanged re-registers the collections whose TTL changed, or
// every collection when the location changed. Collections the new config
// no longer names are cancelled.
func (c *Coordinator) HandleConfigChanged(ctx context.Context, ev retention.ConfigChanged) error {
	loc, ok := c.device.CurrentLocation()
	if !ok {
		c.logger.Warn("config changed without a device location, cancelling subscriptions")
		c.CancelAll()
		return retention.ErrNoLocation
	}

	current := ev.Current.Collections()
	targets := ev.TTLChanged
	if ev.LocationChanged {
		targets = current
	}

	var errs []error
	for _, collection := range targets {
		if !slices.Contains(current, collection) {
			c.Cancel(collection)
			continue
		}
		if err := c.Register(ctx, collection, loc, c.TTLFor(ev.Current, collection)); err != nil {
			errs = append(errs, err)
		}
	}

	if len(targets) > 0 {
		c.logger.Info("subscriptions re-registered after config change",
			"collections", targets,
			"location_changed", ev.LocationChanged,
		)
	}
	return errors.Join(errs...)
}
