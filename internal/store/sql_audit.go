package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"querymon/internal/dbexec"
	"querymon/internal/errkind"
)

// SQLAuditStore is the append-only remediation log. Rows are never updated or
// deleted.
type SQLAuditStore struct {
	executor dbexec.QueryExecutor
}

func NewSQLAuditStore(executor dbexec.QueryExecutor) *SQLAuditStore {
	return &SQLAuditStore{executor: executor}
}

var auditColumns = []string{
	"id", "instance", "db_name", "fingerprint_id",
	"remediation_type", "sql_text", "dry_run", "success", "error",
	"duration_us", "actor", "host", "service_version", "created_at",
}

func (s *SQLAuditStore) Append(ctx context.Context, rec AuditRecord) error {
	query, args, err := sq.Insert("remediation_audit").
		Columns(auditColumns...).
		Values(
			rec.ID, rec.Instance, rec.Database, rec.FingerprintID,
			rec.RemediationType, rec.SQLText, rec.DryRun, rec.Success, rec.Error,
			rec.Duration.Microseconds(), rec.Actor, rec.Host, rec.ServiceVersion, rec.CreatedAt.UTC(),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert: %w", err)
	}
	if _, err := s.executor.ExecContext(ctx, query, args...); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "append audit record", err)
	}
	return nil
}

func (s *SQLAuditStore) RecentAttempts(ctx context.Context, since time.Time) ([]AuditRecord, error) {
	query, args, err := sq.Select(auditColumns...).
		From("remediation_audit").
		Where(sq.GtOrEq{"created_at": since.UTC()}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit select: %w", err)
	}

	rows, err := s.executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "query audit records", err)
	}
	defer func() { _ = rows.Close() }()

	var records []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var durationUs int64
		var createdAt time.Time
		if err := rows.Scan(
			&rec.ID, &rec.Instance, &rec.Database, &rec.FingerprintID,
			&rec.RemediationType, &rec.SQLText, &rec.DryRun, &rec.Success, &rec.Error,
			&durationUs, &rec.Actor, &rec.Host, &rec.ServiceVersion, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Duration = time.Duration(durationUs) * time.Microsecond
		rec.CreatedAt = createdAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "iterate audit records", err)
	}
	return records, nil
}
