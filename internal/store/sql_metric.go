package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"querymon/internal/dbexec"
	"querymon/internal/errkind"
)

// SQLMetricStore is the append-only sample store.
type SQLMetricStore struct {
	executor dbexec.QueryExecutor
	pinger   interface {
		PingContext(ctx context.Context) error
	}
}

func NewSQLMetricStore(executor dbexec.QueryExecutor, pinger interface {
	PingContext(ctx context.Context) error
}) *SQLMetricStore {
	return &SQLMetricStore{executor: executor, pinger: pinger}
}

var sampleColumns = []string{
	"fingerprint_id", "instance", "db_name", "sampled_at",
	"exec_count",
	"total_cpu_us", "avg_cpu_us",
	"total_duration_us", "avg_duration_us",
	"total_logical_reads", "avg_logical_reads",
	"total_logical_writes", "total_physical_reads",
	"plan_id", "counter_reset",
}

func (s *SQLMetricStore) AppendSample(ctx context.Context, smp Sample) error {
	query, args, err := sq.Insert("metric_samples").
		Columns(sampleColumns...).
		Values(
			smp.FingerprintID, smp.Instance, smp.Database, smp.SampledAt.UTC(),
			smp.ExecCount,
			smp.TotalCPUUs, smp.AvgCPUUs,
			smp.TotalDurationUs, smp.AvgDurationUs,
			smp.TotalLogicalReads, smp.AvgLogicalReads,
			smp.TotalLogicalWrites, smp.TotalPhysicalReads,
			smp.PlanID, smp.CounterReset,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build sample insert: %w", err)
	}
	if _, err := s.executor.ExecContext(ctx, query, args...); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "append sample", err)
	}
	return nil
}

func (s *SQLMetricStore) WindowSamples(ctx context.Context, from, to time.Time) ([]Sample, error) {
	builder := sq.Select(sampleColumns...).
		From("metric_samples").
		Where(sq.GtOrEq{"sampled_at": from.UTC()}).
		Where(sq.LtOrEq{"sampled_at": to.UTC()}).
		OrderBy("fingerprint_id", "sampled_at", "id")
	return s.querySamples(ctx, builder)
}

func (s *SQLMetricStore) FingerprintSamples(ctx context.Context, fingerprintID int64, from, to time.Time) ([]Sample, error) {
	builder := sq.Select(sampleColumns...).
		From("metric_samples").
		Where(sq.Eq{"fingerprint_id": fingerprintID}).
		Where(sq.GtOrEq{"sampled_at": from.UTC()}).
		Where(sq.LtOrEq{"sampled_at": to.UTC()}).
		OrderBy("sampled_at", "id")
	return s.querySamples(ctx, builder)
}

func (s *SQLMetricStore) LastSample(ctx context.Context, fingerprintID int64) (Sample, bool, error) {
	builder := sq.Select(sampleColumns...).
		From("metric_samples").
		Where(sq.Eq{"fingerprint_id": fingerprintID}).
		OrderBy("sampled_at DESC", "id DESC").
		Limit(1)
	samples, err := s.querySamples(ctx, builder)
	if err != nil {
		return Sample{}, false, err
	}
	if len(samples) == 0 {
		return Sample{}, false, nil
	}
	return samples[0], true, nil
}

func (s *SQLMetricStore) Ping(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	if err := s.pinger.PingContext(ctx); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "ping metric store", err)
	}
	return nil
}

func (s *SQLMetricStore) querySamples(ctx context.Context, builder sq.SelectBuilder) ([]Sample, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sample select: %w", err)
	}
	rows, err := s.executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "query samples", err)
	}
	defer func() { _ = rows.Close() }()

	var samples []Sample
	for rows.Next() {
		var smp Sample
		var sampledAt time.Time
		if err := rows.Scan(
			&smp.FingerprintID, &smp.Instance, &smp.Database, &sampledAt,
			&smp.ExecCount,
			&smp.TotalCPUUs, &smp.AvgCPUUs,
			&smp.TotalDurationUs, &smp.AvgDurationUs,
			&smp.TotalLogicalReads, &smp.AvgLogicalReads,
			&smp.TotalLogicalWrites, &smp.TotalPhysicalReads,
			&smp.PlanID, &smp.CounterReset,
		); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		smp.SampledAt = sampledAt.UTC()
		samples = append(samples, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "iterate samples", err)
	}
	return samples, nil
}
