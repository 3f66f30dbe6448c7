package store

import (
	"context"
	"fmt"

	"querymon/internal/dbexec"
	"querymon/internal/errkind"
)

// schemaStatements create the monitor's tables. Idempotent; executed on
// startup and consulted by the readiness probe.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS query_fingerprints (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		instance VARCHAR(128) NOT NULL,
		db_name VARCHAR(128) NOT NULL,
		hash BINARY(16) NOT NULL,
		normalized_text MEDIUMTEXT NOT NULL,
		sample_text MEDIUMTEXT NOT NULL,
		first_seen DATETIME(6) NOT NULL,
		last_seen DATETIME(6) NOT NULL,
		UNIQUE KEY uq_fingerprint (instance, db_name, hash)
	)`,
	`CREATE TABLE IF NOT EXISTS metric_samples (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		fingerprint_id BIGINT NOT NULL,
		instance VARCHAR(128) NOT NULL,
		db_name VARCHAR(128) NOT NULL,
		sampled_at DATETIME(6) NOT NULL,
		exec_count BIGINT NOT NULL,
		total_cpu_us BIGINT NOT NULL,
		avg_cpu_us BIGINT NOT NULL,
		total_duration_us BIGINT NOT NULL,
		avg_duration_us BIGINT NOT NULL,
		total_logical_reads BIGINT NOT NULL,
		avg_logical_reads BIGINT NOT NULL,
		total_logical_writes BIGINT NOT NULL,
		total_physical_reads BIGINT NOT NULL,
		plan_id VARCHAR(64) NOT NULL DEFAULT '',
		counter_reset TINYINT(1) NOT NULL DEFAULT 0,
		KEY idx_samples_fp_time (fingerprint_id, sampled_at),
		KEY idx_samples_time (sampled_at)
	)`,
	`CREATE TABLE IF NOT EXISTS query_baselines (
		fingerprint_id BIGINT NOT NULL,
		window_end_day CHAR(10) NOT NULL,
		window_from DATETIME(6) NOT NULL,
		window_to DATETIME(6) NOT NULL,
		sample_count BIGINT NOT NULL,
		cpu_mean DOUBLE NOT NULL, cpu_stddev DOUBLE NOT NULL,
		cpu_p50 DOUBLE NOT NULL, cpu_p95 DOUBLE NOT NULL, cpu_p99 DOUBLE NOT NULL,
		duration_mean DOUBLE NOT NULL, duration_stddev DOUBLE NOT NULL,
		duration_p50 DOUBLE NOT NULL, duration_p95 DOUBLE NOT NULL, duration_p99 DOUBLE NOT NULL,
		reads_mean DOUBLE NOT NULL, reads_stddev DOUBLE NOT NULL,
		reads_p50 DOUBLE NOT NULL, reads_p95 DOUBLE NOT NULL, reads_p99 DOUBLE NOT NULL,
		valid TINYINT(1) NOT NULL,
		PRIMARY KEY (fingerprint_id, window_end_day)
	)`,
	`CREATE TABLE IF NOT EXISTS regression_events (
		id CHAR(36) NOT NULL PRIMARY KEY,
		fingerprint_id BIGINT NOT NULL,
		instance VARCHAR(128) NOT NULL,
		db_name VARCHAR(128) NOT NULL,
		metric VARCHAR(32) NOT NULL,
		first_seen DATETIME(6) NOT NULL,
		last_seen DATETIME(6) NOT NULL,
		baseline_mean DOUBLE NOT NULL,
		baseline_stddev DOUBLE NOT NULL,
		current_value DOUBLE NOT NULL,
		magnitude DOUBLE NOT NULL,
		severity VARCHAR(16) NOT NULL,
		status VARCHAR(16) NOT NULL,
		below_threshold_count INT NOT NULL DEFAULT 0,
		KEY idx_events_open (fingerprint_id, metric, status),
		KEY idx_events_status (status, last_seen)
	)`,
	`CREATE TABLE IF NOT EXISTS remediation_audit (
		id CHAR(36) NOT NULL PRIMARY KEY,
		instance VARCHAR(128) NOT NULL,
		db_name VARCHAR(128) NOT NULL,
		fingerprint_id BIGINT NOT NULL,
		remediation_type VARCHAR(64) NOT NULL,
		sql_text MEDIUMTEXT NOT NULL,
		dry_run TINYINT(1) NOT NULL,
		success TINYINT(1) NOT NULL,
		error TEXT NOT NULL,
		duration_us BIGINT NOT NULL,
		actor VARCHAR(128) NOT NULL,
		host VARCHAR(128) NOT NULL,
		service_version VARCHAR(64) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		KEY idx_audit_created (created_at)
	)`,
}

// schemaTables lists the tables the readiness probe expects.
var schemaTables = []string{
	"query_fingerprints",
	"metric_samples",
	"query_baselines",
	"regression_events",
	"remediation_audit",
}

// EnsureSchema creates any missing tables.
func EnsureSchema(ctx context.Context, executor dbexec.QueryExecutor) error {
	for _, stmt := range schemaStatements {
		if _, err := executor.ExecContext(ctx, stmt); err != nil {
			return errkind.Wrap(errkind.StorageUnavailable, "create schema", err)
		}
	}
	return nil
}

// SchemaComplete verifies every expected table exists.
func SchemaComplete(ctx context.Context, executor dbexec.QueryExecutor) error {
	for _, table := range schemaTables {
		rows, err := executor.QueryContext(ctx,
			"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?",
			table,
		)
		if err != nil {
			return errkind.Wrap(errkind.StorageUnavailable, "check schema", err)
		}
		var count int
		if rows.Next() {
			if err := rows.Scan(&count); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan schema check: %w", err)
			}
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close schema check: %w", err)
		}
		if count == 0 {
			return errkind.Newf(errkind.StorageUnavailable, "table %s missing", table)
		}
	}
	return nil
}
