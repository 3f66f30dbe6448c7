package provider

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"querymon/internal/dbexec"
	"querymon/internal/errkind"
)

// System schemas excluded from auto-discovery. Offline or unreadable
// databases are not filtered here; they surface as per-database errors during
// collection.
var systemSchemas = map[string]struct{}{
	"mysql":              {},
	"information_schema": {},
	"performance_schema": {},
	"sys":                {},
	"metrics_schema":     {},
}

// MySQLProvider reads per-statement statistics from the statements summary
// tables of a MySQL-compatible engine (TiDB's
// information_schema.statements_summary, or performance_schema on stock
// MySQL when mapped by the deployment).
type MySQLProvider struct {
	name     string
	db       *sql.DB
	executor dbexec.QueryExecutor
}

// MySQLFactory opens MySQLProvider instances with the pool settings shared by
// all monitored connections.
type MySQLFactory struct {
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// Open dials the instance and verifies the connection once.
func (f *MySQLFactory) Open(ctx context.Context, name, connectionString string) (Provider, error) {
	db, err := sql.Open("mysql", connectionString)
	if err != nil {
		return nil, errkind.Wrap(errkind.ProviderUnavailable, fmt.Sprintf("open instance %s", name), err)
	}
	maxOpen := f.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(f.MaxIdleConns)
	db.SetConnMaxLifetime(f.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errkind.Wrap(errkind.ProviderUnavailable, fmt.Sprintf("ping instance %s", name), err)
	}

	return &MySQLProvider{
		name:     name,
		db:       db,
		executor: dbexec.NewStandardExecutor(db),
	}, nil
}

// NewMySQLProvider wraps an existing handle; used by tests.
func NewMySQLProvider(name string, db *sql.DB) *MySQLProvider {
	return &MySQLProvider{name: name, db: db, executor: dbexec.NewStandardExecutor(db)}
}

// topQueriesSQL reads TiDB's statement summary. Latencies are reported in
// nanoseconds and converted to milliseconds here so the Provider contract
// stays engine-neutral.
const topQueriesSQL = `
SELECT
    LOWER(DIGEST) AS digest,
    DIGEST_TEXT,
    EXEC_COUNT,
    SUM_LATENCY / 1e6 AS total_elapsed_ms,
    AVG_LATENCY / 1e6 AS avg_elapsed_ms,
    AVG_PROCESS_TIME * EXEC_COUNT / 1e6 AS total_cpu_ms,
    AVG_PROCESS_TIME / 1e6 AS avg_cpu_ms,
    AVG_TOTAL_KEYS * EXEC_COUNT AS total_logical_reads,
    AVG_TOTAL_KEYS AS avg_logical_reads,
    AVG_AFFECTED_ROWS * EXEC_COUNT AS total_logical_writes,
    AVG_PROCESSED_KEYS * EXEC_COUNT AS total_physical_reads,
    PLAN_DIGEST
FROM information_schema.statements_summary
WHERE SCHEMA_NAME = ?
  AND SUMMARY_END_TIME >= ?
  AND SUMMARY_BEGIN_TIME <= ?
ORDER BY SUM_LATENCY DESC
LIMIT ?`

func (p *MySQLProvider) TopQueriesByElapsed(ctx context.Context, database string, n int, window Window) ([]QueryStat, error) {
	rows, err := p.executor.QueryContext(ctx, topQueriesSQL, database, window.From, window.To, n)
	if err != nil {
		return nil, classifyProviderErr(fmt.Sprintf("top queries on %s/%s", p.name, database), err)
	}
	defer func() { _ = rows.Close() }()

	var stats []QueryStat
	for rows.Next() {
		var (
			digest     sql.NullString
			digestText sql.NullString
			planDigest sql.NullString
			s          QueryStat
		)
		if err := rows.Scan(
			&digest,
			&digestText,
			&s.ExecCount,
			&s.TotalElapsedMs,
			&s.AvgElapsedMs,
			&s.TotalCPUMs,
			&s.AvgCPUMs,
			&s.TotalLogicalReads,
			&s.AvgLogicalReads,
			&s.TotalLogicalWrites,
			&s.TotalPhysicalReads,
			&planDigest,
		); err != nil {
			return nil, fmt.Errorf("scan statement summary row: %w", err)
		}
		if digest.Valid && digest.String != "" {
			s.QueryHash = decodeDigest(digest.String)
		}
		s.SQLText = digestText.String
		s.PlanID = planDigest.String
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyProviderErr(fmt.Sprintf("iterate statement summary on %s/%s", p.name, database), err)
	}
	return stats, nil
}

func (p *MySQLProvider) ListDatabases(ctx context.Context) ([]string, error) {
	rows, err := p.executor.QueryContext(ctx, "SHOW DATABASES")
	if err != nil {
		return nil, classifyProviderErr(fmt.Sprintf("list databases on %s", p.name), err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan database name: %w", err)
		}
		if _, system := systemSchemas[strings.ToLower(name)]; system {
			continue
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyProviderErr(fmt.Sprintf("iterate databases on %s", p.name), err)
	}
	return names, nil
}

func (p *MySQLProvider) TestConnection(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return errkind.Wrap(errkind.ProviderUnavailable, fmt.Sprintf("ping %s", p.name), err)
	}
	return nil
}

func (p *MySQLProvider) Close() error {
	return p.db.Close()
}

// classifyProviderErr maps driver errors onto the monitor's error kinds,
// keeping timeout distinct from unreachable.
func classifyProviderErr(op string, err error) error {
	switch errkind.KindOf(err) {
	case errkind.Cancelled:
		return err
	case errkind.ProviderTimeout:
		return errkind.Wrap(errkind.ProviderTimeout, op, err)
	}
	return errkind.Wrap(errkind.ProviderUnavailable, op, err)
}

// decodeDigest turns a hex digest string into raw bytes, tolerating digests
// longer or shorter than the fingerprint width. Non-hex digests are hashed as
// opaque text by the fingerprint service instead.
func decodeDigest(digest string) []byte {
	out := make([]byte, 0, len(digest)/2)
	for i := 0; i+1 < len(digest); i += 2 {
		hi, ok1 := hexVal(digest[i])
		lo, ok2 := hexVal(digest[i+1])
		if !ok1 || !ok2 {
			return nil
		}
		out = append(out, hi<<4|lo)
	}
	return out
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
