package config

import (
	"path/filepath"
	"time"
)

// Config is the root configuration of evictd.
type Config struct {
	// Device identifies the device and the location it serves.
	Device DeviceConfig `yaml:"device"`

	// Store configures the synchronized document store.
	Store StoreConfig `yaml:"store"`

	// Audit configures the eviction audit log.
	Audit AuditConfig `yaml:"audit"`

	// Settings configures the device-local settings store.
	Settings SettingsConfig `yaml:"settings"`

	// Scheduler configures the background job host.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Eviction contains eviction defaults.
	Eviction EvictionConfig `yaml:"eviction"`

	// Source configures the published config drop folder.
	Source SourceConfig `yaml:"source"`

	// Telemetry configures logging and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DeviceConfig identifies the device.
type DeviceConfig struct {
	// ID is the device identifier recorded in audit entries.
	// Default: the host name
	ID string `yaml:"id"`

	// LocationID is the location the device is assigned to. Eviction aborts
	// while it is empty.
	LocationID string `yaml:"location_id"`
}

// StoreConfig configures the SQLite document store.
type StoreConfig struct {
	// Path is the database file.
	// Default: "data/store.db"
	Path string `yaml:"path"`

	// BusyTimeout is how long a statement waits on a locked database.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	// Backend selects the storage: "sqlite" or "memory".
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// SQLite configures the sqlite backend.
	SQLite AuditSQLiteConfig `yaml:"sqlite"`

	// Export configures audit exports.
	Export ExportConfig `yaml:"export"`
}

// AuditSQLiteConfig configures the sqlite audit backend.
type AuditSQLiteConfig struct {
	// Path is the database file.
	// Default: "data/audit.db"
	Path string `yaml:"path"`

	// WALMode enables write-ahead logging.
	// Default: true
	WALMode *bool `yaml:"wal_mode"`

	// BusyTimeout is how long a statement waits on a locked database.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// ExportConfig configures audit exports.
type ExportConfig struct {
	// Format is the default export format: "json" or "csv".
	// Default: "json"
	Format string `yaml:"format"`

	// JSONPretty indents JSON output.
	// Default: true
	JSONPretty *bool `yaml:"json_pretty"`

	// CSVHeader writes a header row in CSV output.
	// Default: true
	CSVHeader *bool `yaml:"csv_header"`
}

// SettingsConfig configures the settings store.
type SettingsConfig struct {
	// Backend selects the storage: "badger" or "memory".
	// Default: "badger"
	Backend string `yaml:"backend"`

	// Dir is the badger directory.
	// Default: "data/settings"
	Dir string `yaml:"dir"`
}

// SchedulerConfig configures the background job host.
type SchedulerConfig struct {
	// JobID identifies the eviction job.
	// Default: "evictor.eviction"
	JobID string `yaml:"job_id"`

	// TaskBudget is how long a background run may take before the host
	// expires it.
	// Default: 30s
	TaskBudget time.Duration `yaml:"task_budget"`
}

// EvictionConfig contains eviction defaults.
type EvictionConfig struct {
	// DefaultTTL applies to collections without a configured TTL.
	// Default: 168h
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// QueryTimeout bounds each eviction query. Zero disables the bound.
	// Default: 60s
	QueryTimeout *time.Duration `yaml:"query_timeout"`

	// BootstrapFile is a retention config (JSON or YAML) saved as the
	// local config on start when none is saved yet.
	BootstrapFile string `yaml:"bootstrap_file"`
}

// SourceConfig configures the drop folder watched for published configs.
type SourceConfig struct {
	// Enabled turns the watcher on.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Dir is the watched directory.
	// Default: "data/published"
	Dir string `yaml:"dir"`

	// Debounce delays imports until writes settle.
	// Default: 250ms
	Debounce time.Duration `yaml:"debounce"`

	// Git syncs the folder from a repository. When Repository is empty the
	// folder is watched for local writes instead.
	Git GitSourceConfig `yaml:"git"`
}

// GitSourceConfig configures a git repository of published configs.
type GitSourceConfig struct {
	// Repository is the clone URL or a local path.
	Repository string `yaml:"repository"`

	// Branch is the tracked branch.
	// Default: "main"
	Branch string `yaml:"branch"`

	// Path is the config folder inside the repository.
	// Default: the repository root
	Path string `yaml:"path"`

	// LocalPath is where the repository is cloned.
	// Default: "data/published-repo"
	LocalPath string `yaml:"local_path"`

	// PollInterval is how often the branch is pulled.
	// Default: 5m
	PollInterval time.Duration `yaml:"poll_interval"`

	// Timeout bounds one clone or pull.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	// Token authenticates HTTPS remotes. Prefer EVICTOR_SOURCE_GIT_TOKEN.
	Token string `yaml:"token"`
}

// Dir returns the folder the importer reads.
func (c GitSourceConfig) Dir() string {
	return filepath.Join(c.LocalPath, c.Path)
}

// TelemetryConfig configures observability.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	// Default: "info"
	Level string `yaml:"level"`

	// Format is "json" or "text".
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line in entries.
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled serves metrics.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// ListenAddress is where the metrics endpoint listens.
	// Default: "127.0.0.1:9464"
	ListenAddress string `yaml:"listen_address"`

	// Path is the HTTP path of the endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace prefixes metric names.
	// Default: "evictor"
	Namespace string `yaml:"namespace"`
}

// TracingConfig configures OpenTelemetry tracing of eviction runs.
type TracingConfig struct {
	// Enabled exports spans.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector address.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure"`

	// Timeout bounds each export.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// Sampler is "always", "never" or "ratio".
	// Default: "always"
	Sampler string `yaml:"sampler"`

	// SampleRatio is the fraction sampled by the "ratio" sampler.
	SampleRatio float64 `yaml:"sample_ratio"`

	// ServiceName is the service.name resource attribute.
	// Default: "evictd"
	ServiceName string `yaml:"service_name"`
}

// WAL reports whether WAL mode is on.
func (c AuditSQLiteConfig) WAL() bool {
	return c.WALMode == nil || *c.WALMode
}

// Pretty reports whether JSON exports are indented.
func (c ExportConfig) Pretty() bool {
	return c.JSONPretty == nil || *c.JSONPretty
}

// Header reports whether CSV exports carry a header row.
func (c ExportConfig) Header() bool {
	return c.CSVHeader == nil || *c.CSVHeader
}

// Timeout returns the per-query timeout, zero when disabled.
func (c EvictionConfig) Timeout() time.Duration {
	if c.QueryTimeout == nil {
		return DefaultQueryTimeout
	}
	return *c.QueryTimeout
}
