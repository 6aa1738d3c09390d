package retention

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Keys used in the device-local KeyValueStore.
const (
	KeyLastRunEpoch    = "eviction.lastRunEpoch"
	KeyUsePublished    = "eviction.usePublishedConfig"
	KeyLocalConfig     = "eviction.localConfig"
	KeyPublishedConfig = "eviction.publishedConfig"
)

// Settings gives typed access to the persisted eviction state.
type Settings struct {
	kv KeyValueStore
}

// NewSettings wraps a KeyValueStore.
func NewSettings(kv KeyValueStore) *Settings {
	return &Settings{kv: kv}
}

// LastRunEpoch returns the time of the last completed non-test run.
func (s *Settings) LastRunEpoch() (time.Time, bool, error) {
	raw, ok, err := s.kv.Get(KeyLastRunEpoch)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode %s: %w", KeyLastRunEpoch, err)
	}
	return time.UnixMilli(ms), true, nil
}

// SetLastRunEpoch persists the time of the last run.
func (s *Settings) SetLastRunEpoch(t time.Time) error {
	return s.kv.Set(KeyLastRunEpoch, []byte(strconv.FormatInt(t.UnixMilli(), 10)))
}

// UsePublished returns the device's "use published config" preference.
func (s *Settings) UsePublished() (bool, error) {
	raw, ok, err := s.kv.Get(KeyUsePublished)
	if err != nil || !ok {
		return false, err
	}
	return strconv.ParseBool(string(raw))
}

// SetUsePublished persists the preference.
func (s *Settings) SetUsePublished(v bool) error {
	return s.kv.Set(KeyUsePublished, []byte(strconv.FormatBool(v)))
}

// LocalConfig returns the persisted local-only config, if any.
func (s *Settings) LocalConfig() (*RetentionConfig, error) {
	return s.loadConfig(KeyLocalConfig)
}

// SaveLocalConfig persists the local-only config.
func (s *Settings) SaveLocalConfig(cfg *RetentionConfig) error {
	return s.saveConfig(KeyLocalConfig, cfg)
}

// PublishedConfig returns the last published config this device adopted.
func (s *Settings) PublishedConfig() (*RetentionConfig, error) {
	return s.loadConfig(KeyPublishedConfig)
}

// SavePublishedConfig persists an adopted published config so the device
// keeps using it while offline.
func (s *Settings) SavePublishedConfig(cfg *RetentionConfig) error {
	return s.saveConfig(KeyPublishedConfig, cfg)
}

func (s *Settings) loadConfig(key string) (*RetentionConfig, error) {
	raw, ok, err := s.kv.Get(key)
	if err != nil || !ok {
		return nil, err
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return cfg, nil
}

func (s *Settings) saveConfig(key string, cfg *RetentionConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.kv.Set(key, data)
}
