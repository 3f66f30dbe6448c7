package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CollectionMetrics holds custom metrics for the sampling pipeline.
type CollectionMetrics struct {
	runDuration     metric.Float64Histogram
	runCounter      metric.Int64Counter
	samplesSaved    metric.Int64Counter
	newFingerprints metric.Int64Counter
	counterResets   metric.Int64Counter
	databaseErrors  metric.Int64Counter
}

// InitCollectionMetrics initializes collection pipeline metrics.
func InitCollectionMetrics() (*CollectionMetrics, error) {
	meter := otel.Meter("querymon")

	runDuration, err := meter.Float64Histogram(
		"collection.run.duration",
		metric.WithDescription("Duration of collection runs in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run duration histogram: %w", err)
	}

	runCounter, err := meter.Int64Counter(
		"collection.runs.total",
		metric.WithDescription("Total number of collection runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run counter: %w", err)
	}

	samplesSaved, err := meter.Int64Counter(
		"collection.samples.total",
		metric.WithDescription("Total number of metric samples persisted"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create samples counter: %w", err)
	}

	newFingerprints, err := meter.Int64Counter(
		"collection.fingerprints.created",
		metric.WithDescription("Total number of newly created fingerprints"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fingerprint counter: %w", err)
	}

	counterResets, err := meter.Int64Counter(
		"collection.counter_resets.total",
		metric.WithDescription("Total number of server-side counter resets observed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter reset counter: %w", err)
	}

	databaseErrors, err := meter.Int64Counter(
		"collection.database_errors.total",
		metric.WithDescription("Total number of failed per-database collection streams"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create database error counter: %w", err)
	}

	return &CollectionMetrics{
		runDuration:     runDuration,
		runCounter:      runCounter,
		samplesSaved:    samplesSaved,
		newFingerprints: newFingerprints,
		counterResets:   counterResets,
		databaseErrors:  databaseErrors,
	}, nil
}

// RecordRun records the outcome of one collection run.
func (m *CollectionMetrics) RecordRun(ctx context.Context, duration time.Duration, samples, newFingerprints, counterResets, dbErrors int, succeeded bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", succeeded))
	m.runDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.runCounter.Add(ctx, 1, attrs)
	m.samplesSaved.Add(ctx, int64(samples))
	m.newFingerprints.Add(ctx, int64(newFingerprints))
	m.counterResets.Add(ctx, int64(counterResets))
	m.databaseErrors.Add(ctx, int64(dbErrors))
}

// AnalysisMetrics holds custom metrics for the analysis engine.
type AnalysisMetrics struct {
	evalDuration  metric.Float64Histogram
	regressions   metric.Int64Counter
	autoResolved  metric.Int64Counter
	openEvents    metric.Int64Gauge
	hotspotsFound metric.Int64Histogram
}

// InitAnalysisMetrics initializes analysis metrics.
func InitAnalysisMetrics() (*AnalysisMetrics, error) {
	meter := otel.Meter("querymon")

	evalDuration, err := meter.Float64Histogram(
		"analysis.evaluation.duration",
		metric.WithDescription("Duration of analysis passes in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluation duration histogram: %w", err)
	}

	regressions, err := meter.Int64Counter(
		"analysis.regressions.detected",
		metric.WithDescription("Total number of regression events opened"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create regression counter: %w", err)
	}

	autoResolved, err := meter.Int64Counter(
		"analysis.regressions.auto_resolved",
		metric.WithDescription("Total number of regression events auto-resolved"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auto-resolve counter: %w", err)
	}

	openEvents, err := meter.Int64Gauge(
		"analysis.events.open",
		metric.WithDescription("Open regression events after the last pass"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create open events gauge: %w", err)
	}

	hotspotsFound, err := meter.Int64Histogram(
		"analysis.hotspots.count",
		metric.WithDescription("Hotspots returned per analysis pass"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create hotspot histogram: %w", err)
	}

	return &AnalysisMetrics{
		evalDuration:  evalDuration,
		regressions:   regressions,
		autoResolved:  autoResolved,
		openEvents:    openEvents,
		hotspotsFound: hotspotsFound,
	}, nil
}

// RecordPass records the outcome of one analysis pass.
func (m *AnalysisMetrics) RecordPass(ctx context.Context, duration time.Duration, newEvents, autoResolved, openEvents, hotspots int) {
	if m == nil {
		return
	}
	m.evalDuration.Record(ctx, float64(duration.Milliseconds()))
	m.regressions.Add(ctx, int64(newEvents))
	m.autoResolved.Add(ctx, int64(autoResolved))
	m.openEvents.Record(ctx, int64(openEvents))
	m.hotspotsFound.Record(ctx, int64(hotspots))
}

// RemediationMetrics holds custom metrics for the remediation guard and
// applier.
type RemediationMetrics struct {
	decisions metric.Int64Counter
	attempts  metric.Int64Counter
}

// InitRemediationMetrics initializes remediation metrics.
func InitRemediationMetrics() (*RemediationMetrics, error) {
	meter := otel.Meter("querymon")

	decisions, err := meter.Int64Counter(
		"remediation.decisions.total",
		metric.WithDescription("Guard decisions by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision counter: %w", err)
	}

	attempts, err := meter.Int64Counter(
		"remediation.attempts.total",
		metric.WithDescription("Remediation attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt counter: %w", err)
	}

	return &RemediationMetrics{decisions: decisions, attempts: attempts}, nil
}

// RecordDecision counts one guard verdict.
func (m *RemediationMetrics) RecordDecision(ctx context.Context, permitted bool) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("permitted", permitted)))
}

// RecordAttempt counts one executed (or dry-run) remediation.
func (m *RemediationMetrics) RecordAttempt(ctx context.Context, success, dryRun bool) {
	if m == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
		attribute.Bool("dry_run", dryRun),
	))
}

// SchedulerMetrics holds custom metrics for the job host.
type SchedulerMetrics struct {
	jobRuns     metric.Int64Counter
	jobFailures metric.Int64Counter
	suspended   metric.Int64Gauge
}

// InitSchedulerMetrics initializes job host metrics.
func InitSchedulerMetrics() (*SchedulerMetrics, error) {
	meter := otel.Meter("querymon")

	jobRuns, err := meter.Int64Counter(
		"scheduler.job_runs.total",
		metric.WithDescription("Job runs by job name and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job run counter: %w", err)
	}

	jobFailures, err := meter.Int64Counter(
		"scheduler.job_failures.total",
		metric.WithDescription("Failed job runs by job name"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job failure counter: %w", err)
	}

	suspended, err := meter.Int64Gauge(
		"scheduler.jobs.suspended",
		metric.WithDescription("Number of currently suspended jobs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create suspended gauge: %w", err)
	}

	return &SchedulerMetrics{jobRuns: jobRuns, jobFailures: jobFailures, suspended: suspended}, nil
}

// RecordJobRun counts one job run.
func (m *SchedulerMetrics) RecordJobRun(ctx context.Context, job string, success bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("job", job), attribute.Bool("success", success))
	m.jobRuns.Add(ctx, 1, attrs)
	if !success {
		m.jobFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("job", job)))
	}
}

// RecordSuspended records the current number of suspended jobs.
func (m *SchedulerMetrics) RecordSuspended(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.suspended.Record(ctx, int64(count))
}
