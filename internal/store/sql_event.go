package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"querymon/internal/dbexec"
	"querymon/internal/errkind"
)

// SQLEventStore persists regression events.
type SQLEventStore struct {
	executor dbexec.QueryExecutor
}

func NewSQLEventStore(executor dbexec.QueryExecutor) *SQLEventStore {
	return &SQLEventStore{executor: executor}
}

var eventColumns = []string{
	"id", "fingerprint_id", "instance", "db_name", "metric",
	"first_seen", "last_seen",
	"baseline_mean", "baseline_stddev", "current_value", "magnitude",
	"severity", "status", "below_threshold_count",
}

var openStatuses = []string{string(StatusNew), string(StatusAcknowledged)}

func (s *SQLEventStore) Insert(ctx context.Context, e RegressionEvent) error {
	query, args, err := sq.Insert("regression_events").
		Columns(eventColumns...).
		Values(
			e.ID, e.FingerprintID, e.Instance, e.Database, string(e.Metric),
			e.FirstSeen.UTC(), e.LastSeen.UTC(),
			e.BaselineMean, e.BaselineStdDev, e.CurrentValue, e.Magnitude,
			string(e.Severity), string(e.Status), e.BelowThresholdCount,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build event insert: %w", err)
	}
	if _, err := s.executor.ExecContext(ctx, query, args...); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "insert event", err)
	}
	return nil
}

func (s *SQLEventStore) Update(ctx context.Context, e RegressionEvent) error {
	query, args, err := sq.Update("regression_events").
		Set("last_seen", e.LastSeen.UTC()).
		Set("current_value", e.CurrentValue).
		Set("magnitude", e.Magnitude).
		Set("severity", string(e.Severity)).
		Set("status", string(e.Status)).
		Set("below_threshold_count", e.BelowThresholdCount).
		Where(sq.Eq{"id": e.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build event update: %w", err)
	}
	result, err := s.executor.ExecContext(ctx, query, args...)
	if err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "update event", err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return errkind.Newf(errkind.StorageConflict, "event %s vanished during update", e.ID)
	}
	return nil
}

func (s *SQLEventStore) FindOpen(ctx context.Context, fingerprintID int64, metric Metric) (RegressionEvent, bool, error) {
	builder := sq.Select(eventColumns...).
		From("regression_events").
		Where(sq.Eq{"fingerprint_id": fingerprintID, "metric": string(metric), "status": openStatuses}).
		OrderBy("first_seen DESC").
		Limit(1)
	events, err := s.queryEvents(ctx, builder)
	if err != nil {
		return RegressionEvent{}, false, err
	}
	if len(events) == 0 {
		return RegressionEvent{}, false, nil
	}
	return events[0], true, nil
}

func (s *SQLEventStore) Get(ctx context.Context, id string) (RegressionEvent, bool, error) {
	builder := sq.Select(eventColumns...).
		From("regression_events").
		Where(sq.Eq{"id": id}).
		Limit(1)
	events, err := s.queryEvents(ctx, builder)
	if err != nil {
		return RegressionEvent{}, false, err
	}
	if len(events) == 0 {
		return RegressionEvent{}, false, nil
	}
	return events[0], true, nil
}

func (s *SQLEventStore) ListOpen(ctx context.Context) ([]RegressionEvent, error) {
	builder := sq.Select(eventColumns...).
		From("regression_events").
		Where(sq.Eq{"status": openStatuses}).
		OrderBy("FIELD(severity, 'Critical', 'High', 'Medium', 'Low')", "last_seen DESC")
	return s.queryEvents(ctx, builder)
}

func (s *SQLEventStore) queryEvents(ctx context.Context, builder sq.SelectBuilder) ([]RegressionEvent, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build event select: %w", err)
	}
	rows, err := s.executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "query events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []RegressionEvent
	for rows.Next() {
		var e RegressionEvent
		var metric, severity, status string
		var firstSeen, lastSeen time.Time
		if err := rows.Scan(
			&e.ID, &e.FingerprintID, &e.Instance, &e.Database, &metric,
			&firstSeen, &lastSeen,
			&e.BaselineMean, &e.BaselineStdDev, &e.CurrentValue, &e.Magnitude,
			&severity, &status, &e.BelowThresholdCount,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Metric = Metric(metric)
		e.Severity = Severity(severity)
		e.Status = EventStatus(status)
		e.FirstSeen = firstSeen.UTC()
		e.LastSeen = lastSeen.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "iterate events", err)
	}
	return events, nil
}
