package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

var defineFlagsOnce sync.Once

// Load loads configuration from multiple sources with the following
// precedence:
// 1. Explicit overrides (v.Set) – secrets files and interactive prompt
// 2. Command line flags
// 3. Environment variables (QMON_ prefix)
// 4. Config file
// 5. Default values
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	defineFlags()
	if !pflag.Parsed() {
		pflag.Parse()
	}

	cfgPath, _ := pflag.CommandLine.GetString("config")
	if err := readConfigFile(v, cfgPath); err != nil {
		return nil, err
	}

	// Canonical keys: dot + snake_case. Env vars: QMON_STORAGE_HOST etc.
	v.SetEnvPrefix("QMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	bindChangedFlagsToViper(v)

	if err := resolveSecrets(v); err != nil {
		return nil, err
	}

	return decode(v)
}

// LoadFile loads one specific config file with defaults but without flags or
// secrets prompting. Used by the reload path, where interactive input is not
// available.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}
	v.SetEnvPrefix("QMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := resolveSecretFiles(v); err != nil {
		return nil, err
	}
	return decode(v)
}

func readConfigFile(v *viper.Viper, cfgPath string) error {
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("querymon")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/querymon/")
		v.AddConfigPath("$HOME/.querymon")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgPath != "" {
			return fmt.Errorf("failed to read config file %q: %w", cfgPath, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// resolveSecrets pulls the store DSN/password from files or an interactive
// prompt, in that order of preference.
func resolveSecrets(v *viper.Viper) error {
	if err := resolveSecretFiles(v); err != nil {
		return err
	}

	if v.GetString("storage.password") == "" && v.GetBool("storage.password_prompt") {
		pwd, err := promptPassword("Metric store password: ")
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		v.Set("storage.password", pwd)
	}
	return nil
}

func resolveSecretFiles(v *viper.Viper) error {
	if v.GetString("storage.dsn") == "" && v.GetString("storage.dsn_file") != "" {
		dsn, err := readSecretFile(v.GetString("storage.dsn_file"))
		if err != nil {
			return fmt.Errorf("failed to read storage DSN file: %w", err)
		}
		v.Set("storage.dsn", dsn)
	}

	if v.GetString("storage.password") == "" && v.GetString("storage.password_file") != "" {
		pwd, err := readSecretFile(v.GetString("storage.password_file"))
		if err != nil {
			return fmt.Errorf("failed to read storage password file: %w", err)
		}
		v.Set("storage.password", pwd)
	}

	if v.GetString("server.admin_token") == "" && v.GetString("server.admin_token_file") != "" {
		token, err := readSecretFile(v.GetString("server.admin_token_file"))
		if err != nil {
			return fmt.Errorf("failed to read admin token file: %w", err)
		}
		v.Set("server.admin_token", token)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	decoderConfig := &mapstructure.DecoderConfig{
		Result: &cfg,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	}
	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create config decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

func defineFlags() {
	defineFlagsOnce.Do(func() {
		pflag.String("config", "", "Path to config file")
		pflag.String("storage-host", "", "Metric store host")
		pflag.Int("storage-port", 0, "Metric store port")
		pflag.String("storage-database", "", "Metric store database name")
		pflag.Int("server-port", 0, "HTTP server port")
		pflag.String("log-level", "", "Log level (debug, info, warn, error)")
		pflag.String("log-format", "", "Log format (json, text)")
	})
}

// bindChangedFlagsToViper binds only flags the user actually set, so that
// unset flags do not shadow file or env values.
func bindChangedFlagsToViper(v *viper.Viper) {
	bindings := map[string]string{
		"storage-host":     "storage.host",
		"storage-port":     "storage.port",
		"storage-database": "storage.database",
		"server-port":      "server.port",
		"log-level":        "observability.logging.level",
		"log-format":       "observability.logging.format",
	}
	pflag.CommandLine.Visit(func(f *pflag.Flag) {
		if key, ok := bindings[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})
}

// readSecretFile reads a secret from a file path, with "@-" reading stdin.
func readSecretFile(path string) (string, error) {
	if path == "@-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pwd, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pwd), nil
}

// setDefaults sets default values (lowest precedence).
func setDefaults(v *viper.Viper) {
	// Metric store connection
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.dsn_file", "")
	v.SetDefault("storage.host", "localhost")
	v.SetDefault("storage.port", 4000)
	v.SetDefault("storage.user", "querymon")
	v.SetDefault("storage.password", "")
	v.SetDefault("storage.password_file", "")
	v.SetDefault("storage.password_prompt", false)
	v.SetDefault("storage.database", "querymon")
	v.SetDefault("storage.pool.max_open", 10)
	v.SetDefault("storage.pool.max_idle", 5)
	v.SetDefault("storage.pool.max_lifetime", 5*time.Minute)
	v.SetDefault("storage.connection_timeout", 60*time.Second)
	v.SetDefault("storage.connection_retry_interval", 2*time.Second)

	// HTTP surface
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.health_check_timeout", 10*time.Second)
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.admin_token_file", "")
	v.SetDefault("server.tls_mode", "off")
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")
	v.SetDefault("server.tls_auto_cert_dir", ".tls")

	// Observability
	v.SetDefault("observability.service_name", "querymon")
	v.SetDefault("observability.service_version", "")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.trace_sample_ratio", 1.0)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.exports_enabled", false)

	// Collection pipeline
	v.SetDefault("collection.interval", 5*time.Minute)
	v.SetDefault("collection.startup_delay", 10*time.Second)
	v.SetDefault("collection.top_n", 50)
	v.SetDefault("collection.lookback", 15*time.Minute)
	v.SetDefault("collection.min_exec_count", 5)
	v.SetDefault("collection.min_elapsed_ms", 10)
	v.SetDefault("collection.timeout", 60*time.Second)
	v.SetDefault("collection.max_instance_parallelism", 4)
	v.SetDefault("collection.max_db_parallelism", 2)
	v.SetDefault("collection.continue_on_instance_error", true)
	v.SetDefault("collection.continue_on_database_error", true)

	// Analysis
	v.SetDefault("analysis.interval", 5*time.Minute)
	v.SetDefault("analysis.startup_delay", 30*time.Second)
	v.SetDefault("analysis.recent_window", 30*time.Minute)
	v.SetDefault("analysis.r_min", 2.0)
	v.SetDefault("analysis.z_min", 3.0)
	v.SetDefault("analysis.hysteresis", 0.8)
	v.SetDefault("analysis.n_min_baseline", 30)
	v.SetDefault("analysis.w_min_baseline", 24*time.Hour)

	// Baseline rebuild
	v.SetDefault("baseline.rebuild_time", "02:00")
	v.SetDefault("baseline.window", 14*24*time.Hour)

	// Hotspots
	v.SetDefault("hotspots.top_n", 20)
	v.SetDefault("hotspots.rank_by", "total_cpu_time")
	v.SetDefault("hotspots.include_regressions", true)
	v.SetDefault("hotspots.min_total_cpu_ms", 0)
	v.SetDefault("hotspots.min_total_duration_ms", 0)
	v.SetDefault("hotspots.min_exec_count", 0)
	v.SetDefault("hotspots.min_avg_duration_ms", 0)
	v.SetDefault("hotspots.summary_time", "08:00")

	// Remediation policy: locked down by default.
	v.SetDefault("security.mode", "ReadOnly")
	v.SetDefault("security.enable_remediation", false)
	v.SetDefault("security.dry_run", true)
	v.SetDefault("security.approval_threshold", "Medium")
	v.SetDefault("security.excluded_databases", []string{})
	v.SetDefault("security.max_remediations_per_hour", 3)
	v.SetDefault("security.require_maintenance_window", true)
	v.SetDefault("security.maintenance_window_start_hour", 22)
	v.SetDefault("security.maintenance_window_end_hour", 4)
}
