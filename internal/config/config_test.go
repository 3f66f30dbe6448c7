package config

import (
	"strings"
	"testing"
	"time"
)

// validConfig returns a configuration that passes validation; tests mutate
// single fields from here.
func validConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Host: "localhost", Port: 4000, User: "querymon", Database: "querymon",
			Pool: PoolConfig{MaxOpen: 10, MaxIdle: 5},
		},
		Server: ServerConfig{Port: 8080, AdminToken: "secret"},
		Collection: CollectionConfig{
			Interval: 5 * time.Minute, Lookback: 15 * time.Minute,
			Timeout: 60 * time.Second, TopN: 50,
			MaxInstanceParallelism: 4, MaxDBParallelism: 2,
		},
		Analysis: AnalysisConfig{
			Interval: 5 * time.Minute, RecentWindow: 30 * time.Minute,
			RMin: 2.0, ZMin: 3.0, Hysteresis: 0.8, NMinBaseline: 30,
		},
		Baseline: BaselineConfig{RebuildTime: "02:00", Window: 14 * 24 * time.Hour},
		Hotspots: HotspotsConfig{TopN: 20, RankBy: "total_cpu_time", SummaryTime: "08:00"},
		Security: SecurityConfig{
			Mode: "ReadOnly", ApprovalThreshold: "Medium",
			MaxRemediationsPerHour: 3,
			MaintenanceWindowStart: 22, MaintenanceWindowEnd: 4,
		},
		Instances: []InstanceConfig{
			{Name: "prod-1", ConnectionString: "user:pw@tcp(db1:4000)/", Enabled: true},
		},
	}
}

func TestValidate_OK(t *testing.T) {
	result := validConfig().Validate()
	if result.HasErrors() {
		t.Fatalf("unexpected errors: %s", result.Error())
	}
}

func TestValidate_Bounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"interval too small", func(c *Config) { c.Collection.Interval = 5 * time.Second }, "collection.interval"},
		{"interval too large", func(c *Config) { c.Collection.Interval = 25 * time.Hour }, "collection.interval"},
		{"top_n zero", func(c *Config) { c.Collection.TopN = 0 }, "collection.top_n"},
		{"top_n too large", func(c *Config) { c.Collection.TopN = 2000 }, "collection.top_n"},
		{"instance parallelism", func(c *Config) { c.Collection.MaxInstanceParallelism = 17 }, "collection.max_instance_parallelism"},
		{"db parallelism", func(c *Config) { c.Collection.MaxDBParallelism = 0 }, "collection.max_db_parallelism"},
		{"r_min below one", func(c *Config) { c.Analysis.RMin = 0.5 }, "analysis.r_min"},
		{"hysteresis at one", func(c *Config) { c.Analysis.Hysteresis = 1.0 }, "analysis.hysteresis"},
		{"bad rebuild time", func(c *Config) { c.Baseline.RebuildTime = "25:00" }, "baseline.rebuild_time"},
		{"bad rank metric", func(c *Config) { c.Hotspots.RankBy = "magic" }, "hotspots.rank_by"},
		{"bad mode", func(c *Config) { c.Security.Mode = "YOLO" }, "security.mode"},
		{"bad risk", func(c *Config) { c.Security.ApprovalThreshold = "Extreme" }, "security.approval_threshold"},
		{"window hour", func(c *Config) { c.Security.MaintenanceWindowStart = 24 }, "security.maintenance_window_start_hour"},
		{"missing instance name", func(c *Config) { c.Instances[0].Name = " " }, "instances[0].name"},
		{"missing connection string", func(c *Config) { c.Instances[0].ConnectionString = "" }, "instances[0].connection_string"},
		{"server port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			result := cfg.Validate()
			if !result.HasErrors() {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(result.Error(), tt.field) {
				t.Errorf("error %q does not mention %s", result.Error(), tt.field)
			}
		})
	}
}

func TestValidate_DuplicateInstanceNames(t *testing.T) {
	cfg := validConfig()
	cfg.Instances = append(cfg.Instances, cfg.Instances[0])
	result := cfg.Validate()
	if !result.HasErrors() {
		t.Fatal("duplicate instance names must be rejected")
	}
}

func TestValidate_NoEnabledInstancesWarns(t *testing.T) {
	cfg := validConfig()
	cfg.Instances[0].Enabled = false
	result := cfg.Validate()
	if result.HasErrors() {
		t.Fatalf("unexpected errors: %s", result.Error())
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a warning about idle collection")
	}
}

func TestResolve_Cascade(t *testing.T) {
	global := CollectionConfig{
		TopN: 50, Lookback: 15 * time.Minute, MinExecCount: 5,
		MinElapsedMs: 10, Timeout: 60 * time.Second,
	}
	inst := InstanceConfig{TopN: 100, Timeout: 30 * time.Second}
	db := &DatabaseOverride{TopN: 10, Lookback: 5 * time.Minute}

	p := global.Resolve(inst, db)

	if p.TopN != 10 {
		t.Errorf("TopN = %d, want 10 (database wins)", p.TopN)
	}
	if p.Lookback != 5*time.Minute {
		t.Errorf("Lookback = %s, want 5m (database wins)", p.Lookback)
	}
	if p.Timeout != 30*time.Second {
		t.Errorf("Timeout = %s, want 30s (instance wins)", p.Timeout)
	}
	if p.MinExecCount != 5 {
		t.Errorf("MinExecCount = %d, want 5 (global)", p.MinExecCount)
	}
	if p.MinElapsedMs != 10 {
		t.Errorf("MinElapsedMs = %d, want 10 (global)", p.MinElapsedMs)
	}
}

func TestResolve_NoOverrides(t *testing.T) {
	global := CollectionConfig{TopN: 50, Lookback: 15 * time.Minute, Timeout: time.Minute}
	p := global.Resolve(InstanceConfig{}, nil)
	if p.TopN != 50 || p.Lookback != 15*time.Minute || p.Timeout != time.Minute {
		t.Errorf("globals must pass through unchanged: %+v", p)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		input   string
		hour    int
		minute  int
		wantErr bool
	}{
		{"02:00", 2, 0, false},
		{"08:30", 8, 30, false},
		{"23:59", 23, 59, false},
		{"02:00Z", 2, 0, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"noon", 0, 0, true},
		{"", 0, 0, true},
	}
	for _, tt := range tests {
		h, m, err := ParseTimeOfDay(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTimeOfDay(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeOfDay(%q): %v", tt.input, err)
			continue
		}
		if h != tt.hour || m != tt.minute {
			t.Errorf("ParseTimeOfDay(%q) = %d:%d, want %d:%d", tt.input, h, m, tt.hour, tt.minute)
		}
	}
}

func TestDSN(t *testing.T) {
	s := StorageConfig{User: "mon", Password: "pw", Host: "db", Port: 4000, Database: "querymon"}
	dsn := s.DSN()
	if !strings.Contains(dsn, "mon:pw@tcp(db:4000)/querymon") {
		t.Errorf("unexpected DSN %q", dsn)
	}
	if !strings.Contains(dsn, "parseTime=true") || !strings.Contains(dsn, "loc=UTC") {
		t.Errorf("DSN must force parseTime and UTC: %q", dsn)
	}

	s.ConnectionString = "u:p@tcp(h:4000)/d?tls=true"
	dsn = s.DSN()
	if !strings.HasPrefix(dsn, "u:p@tcp(h:4000)/d?tls=true") {
		t.Errorf("explicit DSN must be preserved: %q", dsn)
	}
	if !strings.Contains(dsn, "parseTime=true") {
		t.Errorf("explicit DSN still needs parseTime: %q", dsn)
	}

	s.ConnectionString = "u:p@tcp(h:4000)/d?parseTime=true&loc=UTC"
	if got := s.DSN(); got != s.ConnectionString {
		t.Errorf("fully-specified DSN must pass through unchanged: %q", got)
	}
}

func TestEnabledInstances(t *testing.T) {
	cfg := &Config{Instances: []InstanceConfig{
		{Name: "a", Enabled: true},
		{Name: "b", Enabled: false},
		{Name: "c", Enabled: true},
	}}
	enabled := cfg.EnabledInstances()
	if len(enabled) != 2 || enabled[0].Name != "a" || enabled[1].Name != "c" {
		t.Errorf("EnabledInstances = %+v", enabled)
	}
}
