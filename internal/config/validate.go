package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) addError(field, message, hint string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Hint: hint})
}

func (r *ValidationResult) addWarning(field, message, hint string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: message, Hint: hint})
}

// Validate checks the configuration for errors and returns validation
// results. Both errors (fatal) and warnings (non-fatal) are reported.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	c.Storage.validate(result)
	c.Server.validate(result)
	c.Collection.validate(result)
	c.Analysis.validate(result)
	c.Baseline.validate(result)
	c.Hotspots.validate(result)
	c.Security.validate(result)
	validateInstances(result, c.Instances)

	return result
}

func (s *StorageConfig) validate(result *ValidationResult) {
	if s.ConnectionString == "" && s.Host == "" {
		result.addError("storage.host", "metric store host or DSN is required", "set storage.host or storage.dsn")
	}
	if s.ConnectionString == "" && (s.Port < 1 || s.Port > 65535) {
		result.addError("storage.port", fmt.Sprintf("port %d out of range", s.Port), "use a port in [1, 65535]")
	}
	if s.Pool.MaxOpen < 1 {
		result.addError("storage.pool.max_open", "must be at least 1", "")
	}
	if s.Pool.MaxIdle > s.Pool.MaxOpen {
		result.addWarning("storage.pool.max_idle", "exceeds max_open and will be capped by the driver", "")
	}
}

func (s *ServerConfig) validate(result *ValidationResult) {
	if s.Port < 1 || s.Port > 65535 {
		result.addError("server.port", fmt.Sprintf("port %d out of range", s.Port), "use a port in [1, 65535]")
	}
	if s.AdminToken == "" {
		result.addWarning("server.admin_token", "operator endpoints are disabled without a token", "set server.admin_token to enable event acknowledgement and reload")
	}
	switch s.TLSMode {
	case "", "off", "auto", "file":
	default:
		result.addError("server.tls_mode", fmt.Sprintf("unknown TLS mode %q", s.TLSMode), "use off, auto, or file")
	}
	if s.TLSMode == "file" && (s.TLSCertFile == "" || s.TLSKeyFile == "") {
		result.addError("server.tls_cert_file", "file mode requires both cert and key paths", "")
	}
}

func inRangeDuration(result *ValidationResult, field string, d, min, max time.Duration) {
	if d < min || d > max {
		result.addError(field, fmt.Sprintf("%s out of range", d),
			fmt.Sprintf("use a value in [%s, %s]", min, max))
	}
}

func (c *CollectionConfig) validate(result *ValidationResult) {
	inRangeDuration(result, "collection.interval", c.Interval, 10*time.Second, 24*time.Hour)
	inRangeDuration(result, "collection.lookback", c.Lookback, time.Minute, 24*time.Hour)
	inRangeDuration(result, "collection.timeout", c.Timeout, time.Second, 10*time.Minute)
	if c.TopN < 1 || c.TopN > 1000 {
		result.addError("collection.top_n", fmt.Sprintf("%d out of range", c.TopN), "use a value in [1, 1000]")
	}
	if c.MaxInstanceParallelism < 1 || c.MaxInstanceParallelism > 16 {
		result.addError("collection.max_instance_parallelism", fmt.Sprintf("%d out of range", c.MaxInstanceParallelism), "use a value in [1, 16]")
	}
	if c.MaxDBParallelism < 1 || c.MaxDBParallelism > 8 {
		result.addError("collection.max_db_parallelism", fmt.Sprintf("%d out of range", c.MaxDBParallelism), "use a value in [1, 8]")
	}
	if c.MinExecCount < 0 {
		result.addError("collection.min_exec_count", "must be non-negative", "")
	}
	if c.MinElapsedMs < 0 {
		result.addError("collection.min_elapsed_ms", "must be non-negative", "")
	}
}

func (a *AnalysisConfig) validate(result *ValidationResult) {
	inRangeDuration(result, "analysis.interval", a.Interval, 10*time.Second, 24*time.Hour)
	inRangeDuration(result, "analysis.recent_window", a.RecentWindow, time.Minute, 24*time.Hour)
	if a.RMin < 1 {
		result.addError("analysis.r_min", fmt.Sprintf("%g must be at least 1", a.RMin), "")
	}
	if a.ZMin < 0 {
		result.addError("analysis.z_min", fmt.Sprintf("%g must be non-negative", a.ZMin), "")
	}
	if a.Hysteresis <= 0 || a.Hysteresis >= 1 {
		result.addError("analysis.hysteresis", fmt.Sprintf("%g out of range", a.Hysteresis), "use a value in (0, 1)")
	}
	if a.NMinBaseline < 1 {
		result.addError("analysis.n_min_baseline", "must be at least 1", "")
	}
}

func (b *BaselineConfig) validate(result *ValidationResult) {
	if _, _, err := ParseTimeOfDay(b.RebuildTime); err != nil {
		result.addError("baseline.rebuild_time", err.Error(), "use HH:MM, e.g. 02:00")
	}
	inRangeDuration(result, "baseline.window", b.Window, 24*time.Hour, 90*24*time.Hour)
}

var validRankMetrics = map[string]bool{
	"total_cpu_time": true,
	"total_duration": true,
	"avg_duration":   true,
	"exec_count":     true,
}

func (h *HotspotsConfig) validate(result *ValidationResult) {
	if h.TopN < 1 || h.TopN > 1000 {
		result.addError("hotspots.top_n", fmt.Sprintf("%d out of range", h.TopN), "use a value in [1, 1000]")
	}
	if !validRankMetrics[h.RankBy] {
		result.addError("hotspots.rank_by", fmt.Sprintf("unknown ranking metric %q", h.RankBy),
			"use one of total_cpu_time, total_duration, avg_duration, exec_count")
	}
	if _, _, err := ParseTimeOfDay(h.SummaryTime); err != nil {
		result.addError("hotspots.summary_time", err.Error(), "use HH:MM, e.g. 08:00")
	}
}

var validModes = map[string]bool{
	"ReadOnly":           true,
	"SuggestRemediation": true,
	"AutoApplyLowRisk":   true,
}

var validRisks = map[string]bool{
	"Low":    true,
	"Medium": true,
	"High":   true,
}

func (s *SecurityConfig) validate(result *ValidationResult) {
	if !validModes[s.Mode] {
		result.addError("security.mode", fmt.Sprintf("unknown mode %q", s.Mode),
			"use ReadOnly, SuggestRemediation, or AutoApplyLowRisk")
	}
	if !validRisks[s.ApprovalThreshold] {
		result.addError("security.approval_threshold", fmt.Sprintf("unknown risk level %q", s.ApprovalThreshold),
			"use Low, Medium, or High")
	}
	if s.MaxRemediationsPerHour < 1 {
		result.addError("security.max_remediations_per_hour", "must be at least 1", "")
	}
	if s.MaintenanceWindowStart < 0 || s.MaintenanceWindowStart > 23 {
		result.addError("security.maintenance_window_start_hour", "must be in [0, 23]", "")
	}
	if s.MaintenanceWindowEnd < 0 || s.MaintenanceWindowEnd > 23 {
		result.addError("security.maintenance_window_end_hour", "must be in [0, 23]", "")
	}
	if s.EnableRemediation && s.Mode == "ReadOnly" {
		result.addWarning("security.enable_remediation", "remediation enabled but mode is ReadOnly", "no remediation will ever run")
	}
}

func validateInstances(result *ValidationResult, instances []InstanceConfig) {
	seen := map[string]bool{}
	enabled := 0
	for i, inst := range instances {
		field := fmt.Sprintf("instances[%d]", i)
		if strings.TrimSpace(inst.Name) == "" {
			result.addError(field+".name", "instance name is required", "")
		}
		if seen[inst.Name] {
			result.addError(field+".name", fmt.Sprintf("duplicate instance name %q", inst.Name), "")
		}
		seen[inst.Name] = true
		if inst.ConnectionString == "" {
			result.addError(field+".connection_string", "connection string is required", "")
		}
		if inst.Enabled {
			enabled++
		}
		if inst.TopN < 0 || inst.TopN > 1000 {
			result.addError(field+".top_n", fmt.Sprintf("%d out of range", inst.TopN), "use a value in [1, 1000] or omit")
		}
		dbSeen := map[string]bool{}
		for j, db := range inst.Databases {
			dbField := fmt.Sprintf("%s.databases[%d]", field, j)
			if strings.TrimSpace(db.Name) == "" {
				result.addError(dbField+".name", "database name is required", "")
			}
			if dbSeen[db.Name] {
				result.addError(dbField+".name", fmt.Sprintf("duplicate database %q", db.Name), "")
			}
			dbSeen[db.Name] = true
		}
	}
	if enabled == 0 {
		result.addWarning("instances", "no enabled instances; collection will be idle", "enable at least one instance")
	}
}

// ParseTimeOfDay parses "HH:MM" (an optional trailing "Z" is tolerated) into
// hour and minute.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(s), "Z")
	if _, err := fmt.Sscanf(trimmed, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time of day %q out of range", s)
	}
	return hour, minute, nil
}
