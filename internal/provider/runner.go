package provider

import (
	"context"
	"database/sql"
	"fmt"

	"querymon/internal/errkind"
	"querymon/internal/sqlutil"
)

// InstanceDSN resolves a configured instance name to its connection string.
type InstanceDSN func(name string) (string, bool)

// MySQLRunner executes remediation SQL against a monitored instance. Each
// call opens a short-lived connection: remediations are rare and must not
// hold pool capacity.
type MySQLRunner struct {
	resolve InstanceDSN
}

func NewMySQLRunner(resolve InstanceDSN) *MySQLRunner {
	return &MySQLRunner{resolve: resolve}
}

func (r *MySQLRunner) Exec(ctx context.Context, instance, database, sqlText string) error {
	dsn, ok := r.resolve(instance)
	if !ok {
		return errkind.Newf(errkind.BadInput, "unknown instance %s", instance)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return errkind.Wrap(errkind.ProviderUnavailable, fmt.Sprintf("open instance %s", instance), err)
	}
	defer func() { _ = db.Close() }()

	conn, err := db.Conn(ctx)
	if err != nil {
		return errkind.Wrap(errkind.ProviderUnavailable, fmt.Sprintf("connect to %s", instance), err)
	}
	defer func() { _ = conn.Close() }()

	useSQL := fmt.Sprintf("USE %s", sqlutil.QuoteIdentifier(database))
	if _, err := conn.ExecContext(ctx, useSQL); err != nil {
		return errkind.Wrap(errkind.ProviderUnavailable, fmt.Sprintf("select database %s on %s", database, instance), err)
	}

	if _, err := conn.ExecContext(ctx, sqlText); err != nil {
		return fmt.Errorf("execute remediation on %s/%s: %w", instance, database, err)
	}
	return nil
}
