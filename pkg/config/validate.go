package config

import (
	"fmt"
	"strings"
	"time"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the field (e.g., "store.path").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
type ValidationError struct {
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:\n", len(e.Errors))
	for _, err := range e.Errors {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

// Validate validates the configuration. All problems are collected and
// returned together as a ValidationError.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateAudit(&cfg.Audit)...)
	errs = append(errs, validateSettings(&cfg.Settings)...)
	errs = append(errs, validateScheduler(&cfg.Scheduler)...)
	errs = append(errs, validateEviction(&cfg.Eviction)...)
	errs = append(errs, validateSource(&cfg.Source)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateStore(cfg *StoreConfig) []FieldError {
	var errs []FieldError
	if cfg.Path == "" {
		errs = append(errs, FieldError{Field: "store.path", Message: "path is required"})
	}
	if cfg.BusyTimeout < 0 {
		errs = append(errs, FieldError{Field: "store.busy_timeout", Message: "must be non-negative"})
	}
	return errs
}

func validateAudit(cfg *AuditConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{Field: "audit.sqlite.path", Message: "path is required for sqlite backend"})
		}
	case "memory":
	default:
		errs = append(errs, FieldError{
			Field:   "audit.backend",
			Message: fmt.Sprintf("unknown backend %q (must be sqlite or memory)", cfg.Backend),
		})
	}

	if cfg.SQLite.BusyTimeout < 0 {
		errs = append(errs, FieldError{Field: "audit.sqlite.busy_timeout", Message: "must be non-negative"})
	}

	switch cfg.Export.Format {
	case "json", "csv":
	default:
		errs = append(errs, FieldError{
			Field:   "audit.export.format",
			Message: fmt.Sprintf("unknown format %q (must be json or csv)", cfg.Export.Format),
		})
	}
	return errs
}

func validateSettings(cfg *SettingsConfig) []FieldError {
	var errs []FieldError
	switch cfg.Backend {
	case "badger":
		if cfg.Dir == "" {
			errs = append(errs, FieldError{Field: "settings.dir", Message: "dir is required for badger backend"})
		}
	case "memory":
	default:
		errs = append(errs, FieldError{
			Field:   "settings.backend",
			Message: fmt.Sprintf("unknown backend %q (must be badger or memory)", cfg.Backend),
		})
	}
	return errs
}

func validateScheduler(cfg *SchedulerConfig) []FieldError {
	var errs []FieldError
	if cfg.JobID == "" {
		errs = append(errs, FieldError{Field: "scheduler.job_id", Message: "job id is required"})
	}
	if cfg.TaskBudget <= 0 {
		errs = append(errs, FieldError{Field: "scheduler.task_budget", Message: "must be positive"})
	}
	return errs
}

func validateEviction(cfg *EvictionConfig) []FieldError {
	var errs []FieldError
	if cfg.DefaultTTL <= 0 {
		errs = append(errs, FieldError{Field: "eviction.default_ttl", Message: "must be positive"})
	}
	if cfg.QueryTimeout != nil && *cfg.QueryTimeout < 0 {
		errs = append(errs, FieldError{Field: "eviction.query_timeout", Message: "must be non-negative"})
	}
	return errs
}

func validateSource(cfg *SourceConfig) []FieldError {
	var errs []FieldError
	if cfg.Enabled && cfg.Dir == "" {
		errs = append(errs, FieldError{Field: "source.dir", Message: "dir is required when the source is enabled"})
	}
	if cfg.Debounce < 0 {
		errs = append(errs, FieldError{Field: "source.debounce", Message: "must be non-negative"})
	}
	if cfg.Git.Repository != "" {
		if cfg.Git.Branch == "" {
			errs = append(errs, FieldError{Field: "source.git.branch", Message: "branch is required"})
		}
		if cfg.Git.PollInterval < time.Second {
			errs = append(errs, FieldError{Field: "source.git.poll_interval", Message: "must be at least 1s"})
		}
		if cfg.Git.Timeout <= 0 {
			errs = append(errs, FieldError{Field: "source.git.timeout", Message: "must be positive"})
		}
	}
	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("unknown level %q", cfg.Logging.Level),
		})
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("unknown format %q (must be json or text)", cfg.Logging.Format),
		})
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.ListenAddress == "" {
			errs = append(errs, FieldError{Field: "telemetry.metrics.listen_address", Message: "required when metrics are enabled"})
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "must start with /"})
		}
	}

	switch cfg.Tracing.Sampler {
	case "always", "never":
	case "ratio":
		if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
			errs = append(errs, FieldError{Field: "telemetry.tracing.sample_ratio", Message: "must be between 0.0 and 1.0"})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sampler",
			Message: fmt.Sprintf("unknown sampler %q (must be always, never or ratio)", cfg.Tracing.Sampler),
		})
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, FieldError{Field: "telemetry.tracing.endpoint", Message: "required when tracing is enabled"})
	}
	return errs
}
