package retention

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"time"
)

const (
	// LocalConfigID is the device-local identity used by SaveLocalOnly.
	LocalConfigID = "evictionConfig-local"

	// PublishedConfigID is the well-known identity of the config published
	// for a location.
	PublishedConfigID = "evictionConfig-published"

	// ConfigCollection is the store collection holding published configs.
	ConfigCollection = "evictionConfig"

	// SecondsPerDay bounds the policy window values.
	SecondsPerDay = 24 * 60 * 60
)

var collectionNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidCollectionName reports whether name can be used as a collection
// (and therefore table) name.
func ValidCollectionName(name string) bool {
	return collectionNamePattern.MatchString(name)
}

// Origin tells where a RetentionConfig came from.
type Origin string

const (
	// OriginLocal is a config saved on this device only.
	OriginLocal Origin = "local"
	// OriginPublished is a config shared with every device of a location.
	OriginPublished Origin = "published"
)

// Mode identifies what triggered an eviction run.
type Mode string

const (
	ModeBackground Mode = "background"
	ModeForeground Mode = "foreground"
	ModeForced     Mode = "forced"
	ModeTest       Mode = "test"
)

// ParseMode converts a string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeBackground, ModeForeground, ModeForced, ModeTest:
		return m, nil
	default:
		return "", fmt.Errorf("unknown eviction mode %q", s)
	}
}

// ConfigID identifies a RetentionConfig and the location it applies to.
type ConfigID struct {
	ID         string `json:"id" yaml:"id"`
	LocationID string `json:"locationId" yaml:"locationId"`
}

// Key returns the document id used to store the config.
func (c ConfigID) Key() string {
	if c.LocationID == "" {
		return c.ID
	}
	return c.ID + "|" + c.LocationID
}

// Policy is the daily no-evict window, in seconds since local midnight.
type Policy struct {
	NoEvictStartSeconds int `json:"noEvictStartSeconds" yaml:"noEvictStartSeconds"`
	NoEvictEndSeconds   int `json:"noEvictEndSeconds" yaml:"noEvictEndSeconds"`
}

// Disabled reports whether the window is empty.
func (p Policy) Disabled() bool {
	return p.NoEvictStartSeconds == p.NoEvictEndSeconds
}

// RetentionConfig is the versioned eviction configuration for a location.
type RetentionConfig struct {
	ID                        ConfigID
	Version                   float64
	EvictionInterval          time.Duration
	TTLByCollection           map[string]time.Duration
	QueryTemplateByCollection map[string]string
	Policy                    *Policy
	LastUpdated               time.Time
	Origin                    Origin
}

// DefaultConfig returns the generic local-only default: no location, no
// queries and eviction disabled.
func DefaultConfig() *RetentionConfig {
	return &RetentionConfig{
		ID:                        ConfigID{ID: LocalConfigID},
		TTLByCollection:           map[string]time.Duration{},
		QueryTemplateByCollection: map[string]string{},
		Origin:                    OriginLocal,
	}
}

// IsGenericDefault reports whether c is the location-less local default.
func (c *RetentionConfig) IsGenericDefault() bool {
	return c.ID.ID == LocalConfigID && c.ID.LocationID == ""
}

// EvictionEnabled reports whether eviction cycles should be scheduled.
func (c *RetentionConfig) EvictionEnabled() bool {
	return c != nil && c.EvictionInterval > 0
}

// TTLFor returns the configured TTL for a collection.
func (c *RetentionConfig) TTLFor(collection string) (time.Duration, bool) {
	if c == nil {
		return 0, false
	}
	ttl, ok := c.TTLByCollection[collection]
	if !ok || ttl <= 0 {
		return 0, false
	}
	return ttl, true
}

// ActivePolicy returns the no-evict window if one is configured and enabled.
func (c *RetentionConfig) ActivePolicy() (Policy, bool) {
	if c == nil || c.Policy == nil || c.Policy.Disabled() {
		return Policy{}, false
	}
	return *c.Policy, true
}

// Collections returns the sorted union of collections named in the TTL and
// query maps.
func (c *RetentionConfig) Collections() []string {
	if c == nil {
		return nil
	}
	set := make(map[string]struct{}, len(c.TTLByCollection)+len(c.QueryTemplateByCollection))
	for name := range c.TTLByCollection {
		set[name] = struct{}{}
	}
	for name := range c.QueryTemplateByCollection {
		set[name] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}

// Clone returns a deep copy.
func (c *RetentionConfig) Clone() *RetentionConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.TTLByCollection = maps.Clone(c.TTLByCollection)
	out.QueryTemplateByCollection = maps.Clone(c.QueryTemplateByCollection)
	if out.TTLByCollection == nil {
		out.TTLByCollection = map[string]time.Duration{}
	}
	if out.QueryTemplateByCollection == nil {
		out.QueryTemplateByCollection = map[string]string{}
	}
	if c.Policy != nil {
		p := *c.Policy
		out.Policy = &p
	}
	return &out
}

// Equal compares two configs by value. LastUpdated is compared at second
// precision since that is what survives a JSON round trip.
func (c *RetentionConfig) Equal(other *RetentionConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.ID != other.ID || c.Version != other.Version || c.Origin != other.Origin {
		return false
	}
	if c.EvictionInterval != other.EvictionInterval {
		return false
	}
	if !c.LastUpdated.Truncate(time.Second).Equal(other.LastUpdated.Truncate(time.Second)) {
		return false
	}
	if !maps.Equal(c.TTLByCollection, other.TTLByCollection) {
		return false
	}
	if !maps.Equal(c.QueryTemplateByCollection, other.QueryTemplateByCollection) {
		return false
	}
	switch {
	case c.Policy == nil && other.Policy == nil:
		return true
	case c.Policy == nil || other.Policy == nil:
		return false
	default:
		return *c.Policy == *other.Policy
	}
}

// Validate checks identity and value ranges. It is called whenever a config
// is loaded so malformed configs never reach query construction.
func (c *RetentionConfig) Validate() error {
	if c == nil {
		return NewConfigError("", "config is nil", nil)
	}
	if c.ID.ID == "" {
		return NewConfigError("id.id", "config identity is required", nil)
	}
	if c.ID.ID == PublishedConfigID && c.ID.LocationID == "" {
		return NewConfigError("id.locationId", "published config requires a location", nil)
	}
	if c.EvictionInterval < 0 {
		return NewConfigError("evictionInterval", "must be non-negative", nil)
	}
	for name, ttl := range c.TTLByCollection {
		if !ValidCollectionName(name) {
			return NewConfigError("ttlByCollection", fmt.Sprintf("invalid collection name %q", name), nil)
		}
		if ttl < 0 {
			return NewConfigError("ttlByCollection."+name, "must be non-negative", nil)
		}
	}
	for name := range c.QueryTemplateByCollection {
		if !ValidCollectionName(name) {
			return NewConfigError("queryTemplateByCollection", fmt.Sprintf("invalid collection name %q", name), nil)
		}
	}
	if c.Policy != nil {
		if c.Policy.NoEvictStartSeconds < 0 || c.Policy.NoEvictStartSeconds >= SecondsPerDay {
			return NewConfigError("policy.noEvictStartSeconds", "must be within [0, 86400)", nil)
		}
		if c.Policy.NoEvictEndSeconds < 0 || c.Policy.NoEvictEndSeconds >= SecondsPerDay {
			return NewConfigError("policy.noEvictEndSeconds", "must be within [0, 86400)", nil)
		}
	}
	switch c.Origin {
	case OriginLocal, OriginPublished, "":
	default:
		return NewConfigError("origin", fmt.Sprintf("unknown origin %q", c.Origin), nil)
	}
	return nil
}

// configDocument is the persisted JSON shape. Durations travel as seconds.
type configDocument struct {
	ID                        ConfigID           `json:"id"`
	Version                   float64            `json:"version"`
	EvictionInterval          float64            `json:"evictionInterval"`
	TTLByCollection           map[string]float64 `json:"ttlByCollection"`
	QueryTemplateByCollection map[string]string  `json:"queryTemplateByCollection"`
	Policy                    *Policy            `json:"policy,omitempty"`
	LastUpdated               *time.Time         `json:"lastUpdated,omitempty"`
	Origin                    Origin             `json:"origin,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c RetentionConfig) MarshalJSON() ([]byte, error) {
	doc := configDocument{
		ID:                        c.ID,
		Version:                   c.Version,
		EvictionInterval:          c.EvictionInterval.Seconds(),
		TTLByCollection:           make(map[string]float64, len(c.TTLByCollection)),
		QueryTemplateByCollection: c.QueryTemplateByCollection,
		Policy:                    c.Policy,
		Origin:                    c.Origin,
	}
	for name, ttl := range c.TTLByCollection {
		doc.TTLByCollection[name] = ttl.Seconds()
	}
	if doc.QueryTemplateByCollection == nil {
		doc.QueryTemplateByCollection = map[string]string{}
	}
	if !c.LastUpdated.IsZero() {
		t := c.LastUpdated.UTC()
		doc.LastUpdated = &t
	}
	return json.Marshal(doc)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *RetentionConfig) UnmarshalJSON(data []byte) error {
	var doc configDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*c = RetentionConfig{
		ID:                        doc.ID,
		Version:                   doc.Version,
		EvictionInterval:          secondsToDuration(doc.EvictionInterval),
		TTLByCollection:           make(map[string]time.Duration, len(doc.TTLByCollection)),
		QueryTemplateByCollection: doc.QueryTemplateByCollection,
		Policy:                    doc.Policy,
		Origin:                    doc.Origin,
	}
	for name, secs := range doc.TTLByCollection {
		c.TTLByCollection[name] = secondsToDuration(secs)
	}
	if c.QueryTemplateByCollection == nil {
		c.QueryTemplateByCollection = map[string]string{}
	}
	if doc.LastUpdated != nil {
		c.LastUpdated = *doc.LastUpdated
	}
	return nil
}

// ParseConfig decodes and validates a persisted config document.
func ParseConfig(data []byte) (*RetentionConfig, error) {
	var cfg RetentionConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, NewConfigError("", "malformed config document", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// AuditEntry records one attempted eviction for one collection, or one
// aborted run. Entries are immutable once appended.
type AuditEntry struct {
	ID                  string            `json:"id"`
	Title               string            `json:"title"`
	Mode                Mode              `json:"mode"`
	Query               string            `json:"query"`
	ResultMessage       string            `json:"resultMessage"`
	AffectedDocumentIDs []string          `json:"affectedDocumentIds"`
	QueryTimestamp      time.Time         `json:"queryTimestamp"`
	EpochTimestamp      time.Time         `json:"epochTimestamp"`
	Details             map[string]string `json:"details"`
}

// Detail keys written by the executor.
const (
	DetailDeviceID      = "deviceId"
	DetailEngineVersion = "engineVersion"
	DetailCollection    = "collection"
	DetailLocationID    = "locationId"
	DetailTTL           = "ttl"
	DetailCutoff        = "cutoff"
	DetailError         = "error"
	DetailAbortReason   = "abortReason"
	DetailRunID         = "runId"
)

// IsError reports whether the entry records a failed query.
func (e *AuditEntry) IsError() bool {
	return e.Details[DetailError] != ""
}

// IsAbort reports whether the entry records an aborted run.
func (e *AuditEntry) IsAbort() bool {
	return e.Details[DetailAbortReason] != ""
}
