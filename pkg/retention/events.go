package retention

import "time"

// ConfigChanged is emitted by the config resolver whenever the active
// RetentionConfig changes value.
type ConfigChanged struct {
	Previous *RetentionConfig
	Current  *RetentionConfig

	// TTLChanged lists the collections whose effective TTL differs between
	// Previous and Current, including collections added or removed.
	TTLChanged []string

	// LocationChanged is set when the config's location differs.
	LocationChanged bool

	// OriginChanged is set when the config switched between local and published.
	OriginChanged bool
}

// Outcome is the overall result of an eviction run.
type Outcome string

const (
	OutcomeCompleted           Outcome = "completed"
	OutcomeCompletedWithErrors Outcome = "completed_with_errors"
	OutcomeAborted             Outcome = "aborted"
)

// Observer receives eviction events, typically to update metrics.
type Observer interface {
	RunFinished(mode Mode, outcome Outcome, duration time.Duration)
	CollectionEvicted(collection string, evicted int, err error)
	NextEpochScheduled(epoch time.Time)
	ConfigActivated(cfg *RetentionConfig)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) RunFinished(Mode, Outcome, time.Duration) {}
func (NopObserver) CollectionEvicted(string, int, error)     {}
func (NopObserver) NextEpochScheduled(time.Time)             {}
func (NopObserver) ConfigActivated(*RetentionConfig)         {}
