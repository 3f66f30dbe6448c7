// Package collector owns the sampling pipeline: each run fans out over the
// enabled fleet, reads top queries per database, assigns fingerprints, and
// appends metric samples. The orchestrator keeps no persistent state of its
// own; only per-run summaries leave this package.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"querymon/internal/config"
	"querymon/internal/errkind"
	"querymon/internal/fingerprint"
	"querymon/internal/logging"
	"querymon/internal/provider"
	"querymon/internal/store"
)

const (
	maxInstanceParallelism = 16
	maxDBParallelism       = 8
)

// DatabaseResult summarises one (instance, database) stream.
type DatabaseResult struct {
	Database        string
	QueriesSeen     int
	NewFingerprints int
	SamplesSaved    int
	CounterResets   int
	Err             error
}

// InstanceResult summarises one instance within a run.
type InstanceResult struct {
	Instance  string
	Started   time.Time
	Completed time.Time
	Databases []DatabaseResult
	Err       error
}

// Succeeded reports whether at least one database stream completed cleanly.
func (r InstanceResult) Succeeded() bool {
	if r.Err != nil && len(r.Databases) == 0 {
		return false
	}
	for _, db := range r.Databases {
		if db.Err == nil {
			return true
		}
	}
	return false
}

// RunSummary is the structured outcome of one collection run.
type RunSummary struct {
	RunID     string
	Started   time.Time
	Completed time.Time
	Duration  time.Duration

	Instances       int
	Databases       int
	QueriesSeen     int
	NewFingerprints int
	SamplesSaved    int
	CounterResets   int

	InstanceResults []InstanceResult
}

// AnySucceeded reports whether any database in the run completed cleanly.
func (s RunSummary) AnySucceeded() bool {
	for _, inst := range s.InstanceResults {
		if inst.Succeeded() {
			return true
		}
	}
	return false
}

// FirstError returns the first captured error across all streams, if any.
func (s RunSummary) FirstError() error {
	for _, inst := range s.InstanceResults {
		if inst.Err != nil {
			return inst.Err
		}
		for _, db := range inst.Databases {
			if db.Err != nil {
				return db.Err
			}
		}
	}
	return nil
}

// Orchestrator drives collection runs.
type Orchestrator struct {
	snapshots    *config.Snapshots
	factory      provider.Factory
	fingerprints store.FingerprintStore
	metrics      store.MetricStore
	logger       *logging.Logger

	// breakers holds one circuit breaker per instance name. An instance
	// that keeps failing trips open and is skipped until half-open.
	breakers sync.Map
}

func NewOrchestrator(snapshots *config.Snapshots, factory provider.Factory, fingerprints store.FingerprintStore, metrics store.MetricStore, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		snapshots:    snapshots,
		factory:      factory,
		fingerprints: fingerprints,
		metrics:      metrics,
		logger:       logger.WithFields(slog.String("component", "collector")),
	}
}

func (o *Orchestrator) breaker(instance string) *gobreaker.CircuitBreaker {
	if cb, ok := o.breakers.Load(instance); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        instance,
		MaxRequests: 1,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	actual, _ := o.breakers.LoadOrStore(instance, cb)
	return actual.(*gobreaker.CircuitBreaker)
}

// Run performs one collection pass over the fleet. The configuration is
// snapshotted once at entry; mid-run reloads apply to the next run.
func (o *Orchestrator) Run(ctx context.Context) (RunSummary, error) {
	cfg := o.snapshots.Current()
	instances := cfg.EnabledInstances()

	summary := RunSummary{
		RunID:           uuid.NewString(),
		Started:         time.Now().UTC(),
		Instances:       len(instances),
		InstanceResults: make([]InstanceResult, len(instances)),
	}
	runLogger := o.logger.WithFields(slog.String("run_id", summary.RunID))

	parallelism := capped(cfg.Collection.MaxInstanceParallelism, maxInstanceParallelism)

	runCtx := ctx
	var cancelRun context.CancelFunc
	if !cfg.Collection.ContinueOnInstanceError {
		runCtx, cancelRun = context.WithCancel(ctx)
		defer cancelRun()
	}

	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup
	for i, inst := range instances {
		wg.Add(1)
		go func(idx int, inst config.InstanceConfig) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-runCtx.Done():
				summary.InstanceResults[idx] = InstanceResult{Instance: inst.Name, Err: runCtx.Err()}
				return
			}

			result := o.collectInstance(runCtx, cfg, inst, runLogger)
			summary.InstanceResults[idx] = result
			if result.Err != nil && cancelRun != nil {
				cancelRun()
			}
		}(i, inst)
	}
	wg.Wait()

	summary.Completed = time.Now().UTC()
	summary.Duration = summary.Completed.Sub(summary.Started)
	for _, inst := range summary.InstanceResults {
		for _, db := range inst.Databases {
			summary.Databases++
			summary.QueriesSeen += db.QueriesSeen
			summary.NewFingerprints += db.NewFingerprints
			summary.SamplesSaved += db.SamplesSaved
			summary.CounterResets += db.CounterResets
		}
	}

	o.logSummary(runLogger, summary)

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	// The run fails only when nothing succeeded anywhere; partial failure
	// is captured in the summary.
	if len(instances) > 0 && !summary.AnySucceeded() {
		first := summary.FirstError()
		if first == nil {
			first = errkind.New(errkind.Internal, "no database produced samples")
		}
		return summary, fmt.Errorf("collection run produced no samples: %w", first)
	}
	return summary, nil
}

func (o *Orchestrator) logSummary(logger *logging.Logger, s RunSummary) {
	attrs := []any{
		slog.Int("instances", s.Instances),
		slog.Int("databases", s.Databases),
		slog.Int("queries", s.QueriesSeen),
		slog.Int("new_fingerprints", s.NewFingerprints),
		slog.Int("samples", s.SamplesSaved),
		slog.Duration("duration", s.Duration),
	}
	if s.CounterResets > 0 {
		attrs = append(attrs, slog.Int("counter_resets", s.CounterResets))
	}
	if err := s.FirstError(); err != nil && !errkind.IsCancelled(err) {
		attrs = append(attrs, slog.String("first_error", err.Error()))
	}
	logger.Info("collection run complete", attrs...)
}

// collectInstance opens the provider through the instance breaker and fans
// out over its databases.
func (o *Orchestrator) collectInstance(ctx context.Context, cfg *config.Config, inst config.InstanceConfig, logger *logging.Logger) InstanceResult {
	result := InstanceResult{Instance: inst.Name, Started: time.Now().UTC()}
	defer func() { result.Completed = time.Now().UTC() }()

	instLogger := logger.WithFields(slog.String("instance", inst.Name))

	// Checked before the breaker so cancellation does not count against the
	// instance.
	if err := ctx.Err(); err != nil {
		result.Err = err
		return result
	}

	outcome, err := o.breaker(inst.Name).Execute(func() (any, error) {
		return o.collectInstanceDatabases(ctx, cfg, inst, instLogger)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			err = errkind.Wrap(errkind.ProviderUnavailable, fmt.Sprintf("instance %s circuit open", inst.Name), err)
		}
		result.Err = err
		if !errkind.IsCancelled(err) {
			instLogger.Warn("instance collection failed", slog.String("error", err.Error()))
		}
		return result
	}

	result.Databases = outcome.([]DatabaseResult)
	return result
}

// collectInstanceDatabases resolves the database list and collects each one.
// The returned error reflects connection-level failure only; per-database
// errors stay inside the results.
func (o *Orchestrator) collectInstanceDatabases(ctx context.Context, cfg *config.Config, inst config.InstanceConfig, logger *logging.Logger) ([]DatabaseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prov, err := o.factory.Open(ctx, inst.Name, inst.ConnectionString)
	if err != nil {
		return nil, err
	}
	defer func() { _ = prov.Close() }()

	type target struct {
		name     string
		override *config.DatabaseOverride
	}
	var targets []target
	if len(inst.Databases) > 0 {
		for i := range inst.Databases {
			targets = append(targets, target{name: inst.Databases[i].Name, override: &inst.Databases[i]})
		}
	} else {
		names, err := prov.ListDatabases(ctx)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			targets = append(targets, target{name: name})
		}
	}

	// Mirrors the instance-level gate: with continue_on_database_error off,
	// the first failed database cancels this instance's remaining streams.
	dbCtx := ctx
	var cancelDBs context.CancelFunc
	if !cfg.Collection.ContinueOnDatabaseError {
		dbCtx, cancelDBs = context.WithCancel(ctx)
		defer cancelDBs()
	}

	results := make([]DatabaseResult, len(targets))
	parallelism := capped(cfg.Collection.MaxDBParallelism, maxDBParallelism)
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup
	for i, tgt := range targets {
		wg.Add(1)
		go func(idx int, tgt target) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-dbCtx.Done():
				results[idx] = DatabaseResult{Database: tgt.name, Err: dbCtx.Err()}
				return
			}
			params := cfg.Collection.Resolve(inst, tgt.override)
			results[idx] = o.collectDatabase(dbCtx, prov, inst.Name, tgt.name, params, logger)
			if results[idx].Err != nil && cancelDBs != nil {
				cancelDBs()
			}
		}(i, tgt)
	}
	wg.Wait()

	return results, nil
}

// collectDatabase reads top queries for one database and persists a sample
// per returned row, all under the per-database timeout.
func (o *Orchestrator) collectDatabase(ctx context.Context, prov provider.Provider, instance, database string, params config.EffectiveParams, logger *logging.Logger) DatabaseResult {
	result := DatabaseResult{Database: database}

	if err := ctx.Err(); err != nil {
		result.Err = err
		return result
	}

	dbCtx := ctx
	if params.Timeout > 0 {
		var cancel context.CancelFunc
		dbCtx, cancel = context.WithTimeout(ctx, params.Timeout)
		defer cancel()
	}

	now := time.Now().UTC()
	window := provider.Window{From: now.Add(-params.Lookback), To: now}
	stats, err := prov.TopQueriesByElapsed(dbCtx, database, params.TopN, window)
	if err != nil {
		result.Err = err
		if !errkind.IsCancelled(err) {
			logger.Warn("database collection failed",
				slog.String("db", database),
				slog.String("error", err.Error()),
			)
		}
		return result
	}

	for _, stat := range stats {
		if err := dbCtx.Err(); err != nil {
			result.Err = err
			return result
		}
		result.QueriesSeen++

		created, reset, err := o.persistStat(dbCtx, instance, database, stat, now)
		if err != nil {
			if result.Err == nil {
				result.Err = err
			}
			if errkind.KindOf(err) == errkind.StorageUnavailable || errkind.IsCancelled(err) {
				return result
			}
			// Bad rows (e.g. invalid UTF-8 text) are skipped, not fatal.
			logger.Warn("sample skipped",
				slog.String("db", database),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.SamplesSaved++
		if created {
			result.NewFingerprints++
		}
		if reset {
			result.CounterResets++
		}
	}
	return result
}

// persistStat assigns the fingerprint and appends one sample, converting the
// provider's milliseconds to stored microseconds (truncating).
func (o *Orchestrator) persistStat(ctx context.Context, instance, database string, stat provider.QueryStat, sampledAt time.Time) (created, reset bool, err error) {
	fp, err := fingerprint.Compute(stat.SQLText, stat.QueryHash)
	if err != nil {
		return false, false, err
	}

	upsert, err := o.fingerprints.Upsert(ctx, store.FingerprintRecord{
		Instance:       instance,
		Database:       database,
		Hash:           fp.Hash[:],
		NormalizedText: fp.NormalizedText,
		SampleText:     fp.SampleText,
		FirstSeen:      sampledAt,
		LastSeen:       sampledAt,
	})
	if err != nil {
		return false, false, err
	}

	sample := store.Sample{
		FingerprintID:      upsert.ID,
		Instance:           instance,
		Database:           database,
		SampledAt:          sampledAt,
		ExecCount:          stat.ExecCount,
		TotalCPUUs:         msToUs(stat.TotalCPUMs),
		AvgCPUUs:           msToUs(stat.AvgCPUMs),
		TotalDurationUs:    msToUs(stat.TotalElapsedMs),
		AvgDurationUs:      msToUs(stat.AvgElapsedMs),
		TotalLogicalReads:  stat.TotalLogicalReads,
		AvgLogicalReads:    int64(stat.AvgLogicalReads),
		TotalLogicalWrites: stat.TotalLogicalWrites,
		TotalPhysicalReads: stat.TotalPhysicalReads,
		PlanID:             stat.PlanID,
	}

	// Counter reset: the server-side totals decreased since the previous
	// sample. The sample is still accepted, but marked so analysis skips it.
	if last, ok, err := o.metrics.LastSample(ctx, upsert.ID); err == nil && ok {
		if sample.ExecCount < last.ExecCount {
			sample.CounterReset = true
		}
	}

	if err := o.metrics.AppendSample(ctx, sample); err != nil {
		return false, false, err
	}
	return upsert.Created, sample.CounterReset, nil
}

// msToUs converts provider milliseconds to stored microseconds, truncating
// any sub-microsecond fraction.
func msToUs(ms float64) int64 {
	return int64(ms * 1000)
}

func capped(n, limit int) int {
	if n < 1 {
		return 1
	}
	if n > limit {
		return limit
	}
	return n
}
