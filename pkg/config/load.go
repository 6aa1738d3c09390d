package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file, applies defaults and
// validates the result. Environment variables are not consulted; use
// LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration and applies defaults without
// validating.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and
// applies environment variable overrides. An empty path starts from the
// defaults.
//
// The loading sequence is:
//  1. Load YAML from file
//  2. Apply default values
//  3. Apply environment variable overrides
//  4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		var err error
		cfg, err = LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	// Overrides may enable sections whose defaults were skipped.
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies EVICTOR_SECTION_FIELD variables. Malformed
// values are reported rather than ignored.
func applyEnvOverrides(cfg *Config) error {
	e := envReader{}

	e.str("EVICTOR_DEVICE_ID", &cfg.Device.ID)
	e.str("EVICTOR_DEVICE_LOCATION_ID", &cfg.Device.LocationID)

	e.str("EVICTOR_STORE_PATH", &cfg.Store.Path)
	e.duration("EVICTOR_STORE_BUSY_TIMEOUT", &cfg.Store.BusyTimeout)

	e.str("EVICTOR_AUDIT_BACKEND", &cfg.Audit.Backend)
	e.str("EVICTOR_AUDIT_SQLITE_PATH", &cfg.Audit.SQLite.Path)
	e.boolPtr("EVICTOR_AUDIT_SQLITE_WAL_MODE", &cfg.Audit.SQLite.WALMode)
	e.str("EVICTOR_AUDIT_EXPORT_FORMAT", &cfg.Audit.Export.Format)

	e.str("EVICTOR_SETTINGS_BACKEND", &cfg.Settings.Backend)
	e.str("EVICTOR_SETTINGS_DIR", &cfg.Settings.Dir)

	e.str("EVICTOR_SCHEDULER_JOB_ID", &cfg.Scheduler.JobID)
	e.duration("EVICTOR_SCHEDULER_TASK_BUDGET", &cfg.Scheduler.TaskBudget)

	e.duration("EVICTOR_EVICTION_DEFAULT_TTL", &cfg.Eviction.DefaultTTL)
	if val := os.Getenv("EVICTOR_EVICTION_QUERY_TIMEOUT"); val != "" {
		var d time.Duration
		e.duration("EVICTOR_EVICTION_QUERY_TIMEOUT", &d)
		cfg.Eviction.QueryTimeout = &d
	}
	e.str("EVICTOR_EVICTION_BOOTSTRAP_FILE", &cfg.Eviction.BootstrapFile)

	e.boolean("EVICTOR_SOURCE_ENABLED", &cfg.Source.Enabled)
	e.str("EVICTOR_SOURCE_DIR", &cfg.Source.Dir)
	e.duration("EVICTOR_SOURCE_DEBOUNCE", &cfg.Source.Debounce)
	e.str("EVICTOR_SOURCE_GIT_REPOSITORY", &cfg.Source.Git.Repository)
	e.str("EVICTOR_SOURCE_GIT_BRANCH", &cfg.Source.Git.Branch)
	e.duration("EVICTOR_SOURCE_GIT_POLL_INTERVAL", &cfg.Source.Git.PollInterval)
	e.str("EVICTOR_SOURCE_GIT_TOKEN", &cfg.Source.Git.Token)

	e.str("EVICTOR_TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	e.str("EVICTOR_TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	e.boolean("EVICTOR_TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	e.str("EVICTOR_TELEMETRY_METRICS_LISTEN_ADDRESS", &cfg.Telemetry.Metrics.ListenAddress)
	e.str("EVICTOR_TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
	e.boolean("EVICTOR_TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	e.str("EVICTOR_TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	e.boolean("EVICTOR_TELEMETRY_TRACING_INSECURE", &cfg.Telemetry.Tracing.Insecure)

	if len(e.errs) > 0 {
		return ValidationError{Errors: e.errs}
	}
	return nil
}

type envReader struct {
	errs []FieldError
}

func (e *envReader) str(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	val := os.Getenv(name)
	if val == "" {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		e.errs = append(e.errs, FieldError{Field: name, Message: fmt.Sprintf("invalid duration %q", val)})
		return
	}
	*dst = d
}

func (e *envReader) boolean(name string, dst *bool) {
	val := os.Getenv(name)
	if val == "" {
		return
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		e.errs = append(e.errs, FieldError{Field: name, Message: fmt.Sprintf("invalid boolean %q", val)})
		return
	}
	*dst = b
}

func (e *envReader) boolPtr(name string, dst **bool) {
	if os.Getenv(name) == "" {
		return
	}
	var b bool
	e.boolean(name, &b)
	*dst = &b
}
