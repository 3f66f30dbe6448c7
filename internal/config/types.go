package config

import (
	"time"
)

// Config holds the full monitor configuration. A loaded Config is an
// immutable snapshot: reloads build a new value and publish it atomically.
type Config struct {
	Storage       StorageConfig       `mapstructure:"storage"`
	Server        ServerConfig        `mapstructure:"server"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Collection    CollectionConfig    `mapstructure:"collection"`
	Analysis      AnalysisConfig      `mapstructure:"analysis"`
	Baseline      BaselineConfig      `mapstructure:"baseline"`
	Hotspots      HotspotsConfig      `mapstructure:"hotspots"`
	Security      SecurityConfig      `mapstructure:"security"`
	Instances     []InstanceConfig    `mapstructure:"instances"`
}

// PoolConfig holds connection pool parameters.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// StorageConfig points at the monitor's own metric-store database.
type StorageConfig struct {
	// ConnectionString is a complete go-sql-driver/mysql DSN. When set it
	// overrides the discrete fields below.
	ConnectionString string `mapstructure:"dsn"`
	// ConnectionStringFile is a path to a file containing the DSN (supports
	// "@-" to read from stdin).
	ConnectionStringFile string `mapstructure:"dsn_file"`

	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PasswordFile   string `mapstructure:"password_file"`
	PasswordPrompt bool   `mapstructure:"password_prompt"`
	Database       string `mapstructure:"database"`

	Pool PoolConfig `mapstructure:"pool"`

	// ConnectionTimeout is the max time to wait for the store on startup;
	// ConnectionRetryInterval is the initial retry backoff.
	ConnectionTimeout       time.Duration `mapstructure:"connection_timeout"`
	ConnectionRetryInterval time.Duration `mapstructure:"connection_retry_interval"`
}

// ServerConfig holds the HTTP surface (health, metrics, operator API).
type ServerConfig struct {
	Port               int           `mapstructure:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	HealthCheckTimeout time.Duration `mapstructure:"health_check_timeout"`

	// AdminToken guards the operator endpoints. Empty disables them.
	AdminToken     string `mapstructure:"admin_token"`
	AdminTokenFile string `mapstructure:"admin_token_file"`

	// TLS configuration: "off", "auto" (self-signed), or "file".
	TLSMode        string `mapstructure:"tls_mode"`
	TLSCertFile    string `mapstructure:"tls_cert_file"`
	TLSKeyFile     string `mapstructure:"tls_key_file"`
	TLSAutoCertDir string `mapstructure:"tls_auto_cert_dir"`
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`  // debug, info, warn, error
	Format         string `mapstructure:"format"` // json, text
	ExportsEnabled bool   `mapstructure:"exports_enabled"`
}

// OTLPConfig configures an OTLP exporter endpoint.
type OTLPConfig struct {
	Endpoint          string            `mapstructure:"endpoint"`
	Protocol          string            `mapstructure:"protocol"` // grpc, http
	Insecure          bool              `mapstructure:"insecure"`
	TLSCertFile       string            `mapstructure:"tls_cert_file"`
	TLSClientCertFile string            `mapstructure:"tls_client_cert_file"`
	TLSClientKeyFile  string            `mapstructure:"tls_client_key_file"`
	Headers           map[string]string `mapstructure:"headers"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	Compression       string            `mapstructure:"compression"`
	RetryEnabled      bool              `mapstructure:"retry_enabled"`
	RetryMaxAttempts  int               `mapstructure:"retry_max_attempts"`
}

// ObservabilityConfig holds telemetry parameters.
type ObservabilityConfig struct {
	ServiceName      string        `mapstructure:"service_name"`
	ServiceVersion   string        `mapstructure:"service_version"`
	Environment      string        `mapstructure:"environment"`
	MetricsEnabled   bool          `mapstructure:"metrics_enabled"`
	TracingEnabled   bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio float64       `mapstructure:"trace_sample_ratio"`
	Logging          LoggingConfig `mapstructure:"logging"`
	Traces           OTLPConfig    `mapstructure:"traces"`
	Logs             OTLPConfig    `mapstructure:"logs"`
}

// CollectionConfig drives the sampling pipeline. Per-instance and
// per-database overrides cascade over these globals.
type CollectionConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
	TopN         int           `mapstructure:"top_n"`
	Lookback     time.Duration `mapstructure:"lookback"`
	MinExecCount int64         `mapstructure:"min_exec_count"`
	MinElapsedMs int64         `mapstructure:"min_elapsed_ms"`
	Timeout      time.Duration `mapstructure:"timeout"`

	MaxInstanceParallelism  int  `mapstructure:"max_instance_parallelism"`
	MaxDBParallelism        int  `mapstructure:"max_db_parallelism"`
	ContinueOnInstanceError bool `mapstructure:"continue_on_instance_error"`
	ContinueOnDatabaseError bool `mapstructure:"continue_on_database_error"`
}

// AnalysisConfig drives regression detection.
type AnalysisConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
	RecentWindow time.Duration `mapstructure:"recent_window"`
	RMin         float64       `mapstructure:"r_min"`
	ZMin         float64       `mapstructure:"z_min"`
	Hysteresis   float64       `mapstructure:"hysteresis"`
	NMinBaseline int64         `mapstructure:"n_min_baseline"`
	WMinBaseline time.Duration `mapstructure:"w_min_baseline"`
}

// BaselineConfig drives the nightly rebuild.
type BaselineConfig struct {
	RebuildTime string        `mapstructure:"rebuild_time"` // HH:MM, UTC
	Window      time.Duration `mapstructure:"window"`
}

// HotspotsConfig drives top-N ranking.
type HotspotsConfig struct {
	TopN               int    `mapstructure:"top_n"`
	RankBy             string `mapstructure:"rank_by"`
	IncludeRegressions bool   `mapstructure:"include_regressions"`
	MinTotalCPUMs      int64  `mapstructure:"min_total_cpu_ms"`
	MinTotalDurationMs int64  `mapstructure:"min_total_duration_ms"`
	MinExecCount       int64  `mapstructure:"min_exec_count"`
	MinAvgDurationMs   int64  `mapstructure:"min_avg_duration_ms"`

	SummaryTime string `mapstructure:"summary_time"` // HH:MM, UTC daily summary
}

// SecurityConfig is the remediation policy.
type SecurityConfig struct {
	Mode                     string   `mapstructure:"mode"` // ReadOnly, SuggestRemediation, AutoApplyLowRisk
	EnableRemediation        bool     `mapstructure:"enable_remediation"`
	DryRun                   bool     `mapstructure:"dry_run"`
	ApprovalThreshold        string   `mapstructure:"approval_threshold"` // Low, Medium, High
	ExcludedDatabases        []string `mapstructure:"excluded_databases"`
	MaxRemediationsPerHour   int      `mapstructure:"max_remediations_per_hour"`
	RequireMaintenanceWindow bool     `mapstructure:"require_maintenance_window"`
	MaintenanceWindowStart   int      `mapstructure:"maintenance_window_start_hour"`
	MaintenanceWindowEnd     int      `mapstructure:"maintenance_window_end_hour"`
}

// DatabaseOverride narrows collection parameters for one database. Zero
// values inherit from the instance, then the globals.
type DatabaseOverride struct {
	Name         string        `mapstructure:"name"`
	TopN         int           `mapstructure:"top_n"`
	Lookback     time.Duration `mapstructure:"lookback"`
	MinExecCount int64         `mapstructure:"min_exec_count"`
	MinElapsedMs int64         `mapstructure:"min_elapsed_ms"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// InstanceConfig describes one monitored instance. Zero-valued collection
// fields inherit the globals.
type InstanceConfig struct {
	Name             string `mapstructure:"name"`
	ConnectionString string `mapstructure:"connection_string"`
	Enabled          bool   `mapstructure:"enabled"`

	TopN         int           `mapstructure:"top_n"`
	Lookback     time.Duration `mapstructure:"lookback"`
	MinExecCount int64         `mapstructure:"min_exec_count"`
	MinElapsedMs int64         `mapstructure:"min_elapsed_ms"`
	Timeout      time.Duration `mapstructure:"timeout"`

	// Databases restricts collection to an explicit list. Empty means
	// auto-discovery via the provider.
	Databases []DatabaseOverride `mapstructure:"databases"`
}

// EnabledInstances returns the instances eligible for collection.
func (c *Config) EnabledInstances() []InstanceConfig {
	var out []InstanceConfig
	for _, inst := range c.Instances {
		if inst.Enabled {
			out = append(out, inst)
		}
	}
	return out
}

// EffectiveParams is the resolved collection parameter set for one
// (instance, database) pair.
type EffectiveParams struct {
	TopN         int
	Lookback     time.Duration
	MinExecCount int64
	MinElapsedMs int64
	Timeout      time.Duration
}

// Resolve applies the database → instance → global cascade: for each
// parameter the first defined (non-zero) value wins.
func (c *CollectionConfig) Resolve(inst InstanceConfig, db *DatabaseOverride) EffectiveParams {
	p := EffectiveParams{
		TopN:         c.TopN,
		Lookback:     c.Lookback,
		MinExecCount: c.MinExecCount,
		MinElapsedMs: c.MinElapsedMs,
		Timeout:      c.Timeout,
	}
	if inst.TopN > 0 {
		p.TopN = inst.TopN
	}
	if inst.Lookback > 0 {
		p.Lookback = inst.Lookback
	}
	if inst.MinExecCount > 0 {
		p.MinExecCount = inst.MinExecCount
	}
	if inst.MinElapsedMs > 0 {
		p.MinElapsedMs = inst.MinElapsedMs
	}
	if inst.Timeout > 0 {
		p.Timeout = inst.Timeout
	}
	if db != nil {
		if db.TopN > 0 {
			p.TopN = db.TopN
		}
		if db.Lookback > 0 {
			p.Lookback = db.Lookback
		}
		if db.MinExecCount > 0 {
			p.MinExecCount = db.MinExecCount
		}
		if db.MinElapsedMs > 0 {
			p.MinElapsedMs = db.MinElapsedMs
		}
		if db.Timeout > 0 {
			p.Timeout = db.Timeout
		}
	}
	return p
}
