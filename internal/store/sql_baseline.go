package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"querymon/internal/dbexec"
	"querymon/internal/errkind"
)

// SQLBaselineStore persists per-fingerprint baselines keyed by
// (fingerprint_id, window_end_day).
type SQLBaselineStore struct {
	executor dbexec.QueryExecutor
}

func NewSQLBaselineStore(executor dbexec.QueryExecutor) *SQLBaselineStore {
	return &SQLBaselineStore{executor: executor}
}

var baselineColumns = []string{
	"fingerprint_id", "window_end_day", "window_from", "window_to", "sample_count",
	"cpu_mean", "cpu_stddev", "cpu_p50", "cpu_p95", "cpu_p99",
	"duration_mean", "duration_stddev", "duration_p50", "duration_p95", "duration_p99",
	"reads_mean", "reads_stddev", "reads_p50", "reads_p95", "reads_p99",
	"valid",
}

// Replace writes the baseline row, atomically superseding any previous value
// for the same key. REPLACE keeps recomputation for the same day idempotent
// without a transaction.
func (s *SQLBaselineStore) Replace(ctx context.Context, b Baseline) error {
	query, args, err := sq.Replace("query_baselines").
		Columns(baselineColumns...).
		Values(
			b.FingerprintID, b.WindowEndDay, b.WindowFrom.UTC(), b.WindowTo.UTC(), b.SampleCount,
			b.CPU.Mean, b.CPU.StdDev, b.CPU.P50, b.CPU.P95, b.CPU.P99,
			b.Duration.Mean, b.Duration.StdDev, b.Duration.P50, b.Duration.P95, b.Duration.P99,
			b.LogicalReads.Mean, b.LogicalReads.StdDev, b.LogicalReads.P50, b.LogicalReads.P95, b.LogicalReads.P99,
			b.Valid,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build baseline replace: %w", err)
	}
	if _, err := s.executor.ExecContext(ctx, query, args...); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "replace baseline", err)
	}
	return nil
}

// Load returns the newest valid baseline for the fingerprint.
func (s *SQLBaselineStore) Load(ctx context.Context, fingerprintID int64) (Baseline, bool, error) {
	query, args, err := sq.Select(baselineColumns...).
		From("query_baselines").
		Where(sq.Eq{"fingerprint_id": fingerprintID, "valid": true}).
		OrderBy("window_end_day DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return Baseline{}, false, fmt.Errorf("build baseline select: %w", err)
	}

	rows, err := s.executor.QueryContext(ctx, query, args...)
	if err != nil {
		return Baseline{}, false, errkind.Wrap(errkind.StorageUnavailable, "load baseline", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Baseline{}, false, errkind.Wrap(errkind.StorageUnavailable, "load baseline", err)
		}
		return Baseline{}, false, nil
	}

	var b Baseline
	var from, to time.Time
	if err := rows.Scan(
		&b.FingerprintID, &b.WindowEndDay, &from, &to, &b.SampleCount,
		&b.CPU.Mean, &b.CPU.StdDev, &b.CPU.P50, &b.CPU.P95, &b.CPU.P99,
		&b.Duration.Mean, &b.Duration.StdDev, &b.Duration.P50, &b.Duration.P95, &b.Duration.P99,
		&b.LogicalReads.Mean, &b.LogicalReads.StdDev, &b.LogicalReads.P50, &b.LogicalReads.P95, &b.LogicalReads.P99,
		&b.Valid,
	); err != nil {
		return Baseline{}, false, fmt.Errorf("scan baseline: %w", err)
	}
	b.WindowFrom = from.UTC()
	b.WindowTo = to.UTC()
	return b, true, nil
}
