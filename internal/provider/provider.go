// Package provider abstracts the engine-specific statistics source. The
// monitor only ever sees the Provider interface; the SQL dialect used to read
// execution statistics lives entirely in the concrete implementation.
package provider

import (
	"context"
	"time"
)

// Window bounds a statistics query in wall-clock time.
type Window struct {
	From time.Time
	To   time.Time
}

// QueryStat is one row of per-statement execution statistics as reported by
// the engine. Durations are milliseconds; the orchestrator converts to
// microseconds before persisting.
type QueryStat struct {
	// QueryHash is the engine's statement digest when it supplies one.
	QueryHash []byte
	SQLText   string

	ExecCount int64

	TotalCPUMs     float64
	AvgCPUMs       float64
	TotalElapsedMs float64
	AvgElapsedMs   float64

	TotalLogicalReads  int64
	AvgLogicalReads    float64
	TotalLogicalWrites int64
	TotalPhysicalReads int64

	// PlanID identifies the execution plan when the engine exposes one.
	PlanID string
}

// Provider reads statistics from one monitored instance.
type Provider interface {
	// TopQueriesByElapsed returns up to n statements ordered by total
	// elapsed time within the window for one database.
	TopQueriesByElapsed(ctx context.Context, database string, n int, window Window) ([]QueryStat, error)
	// ListDatabases enumerates user databases for auto-discovery.
	ListDatabases(ctx context.Context) ([]string, error)
	// TestConnection probes instance reachability.
	TestConnection(ctx context.Context) error
	// Close releases the underlying connection pool.
	Close() error
}

// Factory opens a Provider for a named instance. The collection orchestrator
// uses it so connection management stays out of the hot path.
type Factory interface {
	Open(ctx context.Context, name, connectionString string) (Provider, error)
}
