package config

import "time"

// Default values for configuration fields.
const (
	DefaultStorePath        = "data/store.db"
	DefaultStoreBusyTimeout = 5 * time.Second

	DefaultAuditBackend     = "sqlite"
	DefaultAuditSQLitePath  = "data/audit.db"
	DefaultAuditBusyTimeout = 5 * time.Second
	DefaultExportFormat     = "json"

	DefaultSettingsBackend = "badger"
	DefaultSettingsDir     = "data/settings"

	DefaultJobID      = "evictor.eviction"
	DefaultTaskBudget = 30 * time.Second

	DefaultTTL          = 7 * 24 * time.Hour
	DefaultQueryTimeout = 60 * time.Second

	DefaultSourceDir      = "data/published"
	DefaultSourceDebounce = 250 * time.Millisecond

	DefaultGitBranch       = "main"
	DefaultGitLocalPath    = "data/published-repo"
	DefaultGitPollInterval = 5 * time.Minute
	DefaultGitTimeout      = 30 * time.Second

	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultMetricsAddress   = "127.0.0.1:9464"
	DefaultMetricsPath      = "/metrics"
	DefaultMetricsNamespace = "evictor"

	DefaultTracingEndpoint = "localhost:4317"
	DefaultTracingTimeout  = 10 * time.Second
	DefaultTracingSampler  = "always"
	DefaultServiceName     = "evictd"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	applyStoreDefaults(&cfg.Store)
	applyAuditDefaults(&cfg.Audit)
	applySettingsDefaults(&cfg.Settings)
	applySchedulerDefaults(&cfg.Scheduler)
	applyEvictionDefaults(&cfg.Eviction)
	applySourceDefaults(&cfg.Source)
	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Path == "" {
		cfg.Path = DefaultStorePath
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = DefaultStoreBusyTimeout
	}
}

func applyAuditDefaults(cfg *AuditConfig) {
	if cfg.Backend == "" {
		cfg.Backend = DefaultAuditBackend
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = DefaultAuditSQLitePath
	}
	if cfg.SQLite.WALMode == nil {
		cfg.SQLite.WALMode = boolPtr(true)
	}
	if cfg.SQLite.BusyTimeout == 0 {
		cfg.SQLite.BusyTimeout = DefaultAuditBusyTimeout
	}
	if cfg.Export.Format == "" {
		cfg.Export.Format = DefaultExportFormat
	}
	if cfg.Export.JSONPretty == nil {
		cfg.Export.JSONPretty = boolPtr(true)
	}
	if cfg.Export.CSVHeader == nil {
		cfg.Export.CSVHeader = boolPtr(true)
	}
}

func applySettingsDefaults(cfg *SettingsConfig) {
	if cfg.Backend == "" {
		cfg.Backend = DefaultSettingsBackend
	}
	if cfg.Dir == "" {
		cfg.Dir = DefaultSettingsDir
	}
}

func applySchedulerDefaults(cfg *SchedulerConfig) {
	if cfg.JobID == "" {
		cfg.JobID = DefaultJobID
	}
	if cfg.TaskBudget == 0 {
		cfg.TaskBudget = DefaultTaskBudget
	}
}

func applyEvictionDefaults(cfg *EvictionConfig) {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.QueryTimeout == nil {
		d := DefaultQueryTimeout
		cfg.QueryTimeout = &d
	}
}

func applySourceDefaults(cfg *SourceConfig) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultSourceDir
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultSourceDebounce
	}

	if cfg.Git.Repository == "" {
		return
	}
	if cfg.Git.Branch == "" {
		cfg.Git.Branch = DefaultGitBranch
	}
	if cfg.Git.LocalPath == "" {
		cfg.Git.LocalPath = DefaultGitLocalPath
	}
	if cfg.Git.PollInterval == 0 {
		cfg.Git.PollInterval = DefaultGitPollInterval
	}
	if cfg.Git.Timeout == 0 {
		cfg.Git.Timeout = DefaultGitTimeout
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
	if cfg.Metrics.ListenAddress == "" {
		cfg.Metrics.ListenAddress = DefaultMetricsAddress
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if cfg.Tracing.Timeout == 0 {
		cfg.Tracing.Timeout = DefaultTracingTimeout
	}
	if cfg.Tracing.Sampler == "" {
		cfg.Tracing.Sampler = DefaultTracingSampler
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = DefaultServiceName
	}
}

func boolPtr(b bool) *bool { return &b }
