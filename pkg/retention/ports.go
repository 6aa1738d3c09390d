package retention

import (
	"context"
	"encoding/json"
	"time"
)

// Document is a record of a synchronized collection. Every collection
// carries the location and creation time used to scope eviction and
// subscriptions; everything else lives in Body.
type Document struct {
	ID         string          `json:"_id"`
	LocationID string          `json:"locationId"`
	CreatedOn  time.Time       `json:"createdOn"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// ExecuteResult is returned by Store.Execute.
type ExecuteResult struct {
	AffectedDocumentIDs []string
}

// Subscription is a live query registration.
type Subscription interface {
	// ID uniquely identifies the registration within its store.
	ID() string

	// Cancel stops the subscription. Calling it more than once is a no-op.
	Cancel()
}

// Store is the synchronized document store eviction runs against.
// Implementations must be safe for concurrent use.
type Store interface {
	// Execute runs a query and reports the documents it mutated.
	// Named arguments are referenced as :name in the query text.
	Execute(ctx context.Context, query string, args map[string]any) (*ExecuteResult, error)

	// Subscribe registers a live query on collection. Only documents matched
	// by at least one active subscription are accepted from peers.
	Subscribe(ctx context.Context, collection, query string, args map[string]any) (Subscription, error)

	// OnCollectionChanged invokes fn with the full contents of collection
	// after every change to it. The returned function removes the observer.
	OnCollectionChanged(collection string, fn func(docs []Document)) (cancel func())

	// Upsert writes a document authored on this device.
	Upsert(ctx context.Context, collection string, doc Document) error

	// EngineVersion describes the underlying engine for audit details.
	EngineVersion() string
}

// PendingRequest describes a job waiting in the host scheduler.
type PendingRequest struct {
	JobID         string
	EarliestBegin time.Time
}

// BackgroundTask is handed to a registered job handler when the host runs it.
type BackgroundTask interface {
	// JobID returns the id the task was submitted under.
	JobID() string

	// MarkComplete reports completion to the host. Only the first call counts.
	MarkComplete(success bool)

	// OnExpire registers fn to be called when the host is about to reclaim
	// the task's time budget.
	OnExpire(fn func())
}

// BackgroundScheduler is the host facility that runs jobs no earlier than
// a requested time, possibly while the application is suspended.
type BackgroundScheduler interface {
	// Register installs the handler for jobID. It must be called before Submit.
	Register(jobID string, handler func(task BackgroundTask)) error

	// Submit requests a run of jobID no earlier than earliestBegin.
	Submit(jobID string, earliestBegin time.Time) error

	// CancelAll drops every pending request for jobID.
	CancelAll(jobID string)

	// PendingRequests lists the requests still waiting for jobID.
	PendingRequests(jobID string) []PendingRequest
}

// KeyValueStore persists small device-local settings.
type KeyValueStore interface {
	// Get returns the value for key and whether it exists.
	Get(key string) ([]byte, bool, error)

	// Set stores value under key.
	Set(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// Device exposes the identity of the device running eviction.
type Device interface {
	// DeviceID returns a stable identifier used in audit details.
	DeviceID() string

	// CurrentLocation returns the location the device is assigned to.
	CurrentLocation() (string, bool)
}

// StaticDevice is a Device with fixed values, typically loaded from config.
type StaticDevice struct {
	ID         string
	LocationID string
}

// DeviceID implements Device.
func (d StaticDevice) DeviceID() string { return d.ID }

// CurrentLocation implements Device.
func (d StaticDevice) CurrentLocation() (string, bool) {
	return d.LocationID, d.LocationID != ""
}
