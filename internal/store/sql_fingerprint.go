package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"querymon/internal/dbexec"
	"querymon/internal/errkind"
)

// SQLFingerprintStore persists fingerprints in the monitor's database.
type SQLFingerprintStore struct {
	executor dbexec.QueryExecutor
}

func NewSQLFingerprintStore(executor dbexec.QueryExecutor) *SQLFingerprintStore {
	return &SQLFingerprintStore{executor: executor}
}

// Upsert inserts the fingerprint or refreshes its sample text and last-seen
// instant. The LAST_INSERT_ID(id) trick makes the id available on both paths,
// and RowsAffected distinguishes insert (1) from update (2), which keeps the
// "newly created" outcome atomic per hash.
func (s *SQLFingerprintStore) Upsert(ctx context.Context, rec FingerprintRecord) (UpsertResult, error) {
	query, args, err := sq.Insert("query_fingerprints").
		Columns("instance", "db_name", "hash", "normalized_text", "sample_text", "first_seen", "last_seen").
		Values(rec.Instance, rec.Database, rec.Hash, rec.NormalizedText, rec.SampleText, rec.FirstSeen.UTC(), rec.LastSeen.UTC()).
		Suffix("ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id), sample_text = VALUES(sample_text), last_seen = VALUES(last_seen)").
		ToSql()
	if err != nil {
		return UpsertResult{}, fmt.Errorf("build fingerprint upsert: %w", err)
	}

	result, err := s.executor.ExecContext(ctx, query, args...)
	if err != nil {
		return UpsertResult{}, errkind.Wrap(errkind.StorageUnavailable, "upsert fingerprint", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return UpsertResult{}, fmt.Errorf("fingerprint upsert id: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return UpsertResult{}, fmt.Errorf("fingerprint upsert rows: %w", err)
	}

	return UpsertResult{ID: id, Created: affected == 1}, nil
}

func (s *SQLFingerprintStore) Get(ctx context.Context, id int64) (FingerprintRecord, error) {
	query, args, err := sq.Select("id", "instance", "db_name", "hash", "normalized_text", "sample_text", "first_seen", "last_seen").
		From("query_fingerprints").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return FingerprintRecord{}, fmt.Errorf("build fingerprint select: %w", err)
	}

	rows, err := s.executor.QueryContext(ctx, query, args...)
	if err != nil {
		return FingerprintRecord{}, errkind.Wrap(errkind.StorageUnavailable, "load fingerprint", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return FingerprintRecord{}, errkind.Wrap(errkind.StorageUnavailable, "load fingerprint", err)
		}
		return FingerprintRecord{}, errkind.Newf(errkind.BadInput, "fingerprint %d not found", id)
	}

	var rec FingerprintRecord
	var firstSeen, lastSeen time.Time
	if err := rows.Scan(&rec.ID, &rec.Instance, &rec.Database, &rec.Hash, &rec.NormalizedText, &rec.SampleText, &firstSeen, &lastSeen); err != nil {
		return FingerprintRecord{}, fmt.Errorf("scan fingerprint: %w", err)
	}
	rec.FirstSeen = firstSeen.UTC()
	rec.LastSeen = lastSeen.UTC()
	return rec, nil
}
