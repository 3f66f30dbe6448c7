// Package analysis compares recent samples against baselines. It owns
// regression events: they are created and transitioned only through the
// Detector's API, which maintains the one-open-event-per-(fingerprint,
// metric) invariant.
package analysis

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"querymon/internal/baseline"
	"querymon/internal/errkind"
	"querymon/internal/logging"
	"querymon/internal/store"
)

// trackedMetrics are evaluated for regressions, in tie-break (lexicographic)
// order.
var trackedMetrics = []store.Metric{
	store.MetricAvgCPU,
	store.MetricAvgDuration,
	store.MetricAvgLogicalReads,
}

// metricEpsilon guards the ratio against near-zero baselines, per metric
// (microseconds for durations, rows for reads).
var metricEpsilon = map[store.Metric]float64{
	store.MetricAvgCPU:          100,
	store.MetricAvgDuration:     100,
	store.MetricAvgLogicalReads: 1,
}

// sigmaMin guards the z-score against degenerate low-variance baselines.
const sigmaMin = 1.0

// autoResolveWindows is how many consecutive below-hysteresis evaluations
// auto-resolve an open event.
const autoResolveWindows = 2

// DetectorConfig carries the §4.4 decision thresholds.
type DetectorConfig struct {
	RecentWindow time.Duration // default 30m
	RMin         float64       // default 2.0
	ZMin         float64       // default 3.0
	Hysteresis   float64       // default 0.8
	MinExecCount int64         // eligibility floor
	MinElapsedUs int64         // eligibility floor, microseconds
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.RecentWindow <= 0 {
		c.RecentWindow = 30 * time.Minute
	}
	if c.RMin <= 0 {
		c.RMin = 2.0
	}
	if c.ZMin <= 0 {
		c.ZMin = 3.0
	}
	if c.Hysteresis <= 0 {
		c.Hysteresis = 0.8
	}
	return c
}

// Regression is one detected departure, returned for logging and alerting.
type Regression struct {
	Event    store.RegressionEvent
	IsNew    bool
	Ratio    float64
	ZScore   float64
	Baseline store.MetricStats
}

// EvaluationSummary reports one detector pass.
type EvaluationSummary struct {
	Fingerprints int
	Evaluated    int
	Regressed    int
	NewEvents    int
	AutoResolved int
}

// Detector evaluates fingerprints against their baselines.
type Detector struct {
	metrics   store.MetricStore
	baselines store.BaselineStore
	events    store.EventStore
	cfg       DetectorConfig
	logger    *logging.Logger
}

func NewDetector(metrics store.MetricStore, baselines store.BaselineStore, events store.EventStore, cfg DetectorConfig, logger *logging.Logger) *Detector {
	return &Detector{
		metrics:   metrics,
		baselines: baselines,
		events:    events,
		cfg:       cfg.withDefaults(),
		logger:    logger.WithFields(slog.String("component", "regression")),
	}
}

// Evaluate runs one detection pass over the recent window ending at now and
// returns the regressions found. Auto-resolution of open events happens in
// the same pass.
func (d *Detector) Evaluate(ctx context.Context, now time.Time) ([]Regression, EvaluationSummary, error) {
	now = now.UTC()
	from := now.Add(-d.cfg.RecentWindow)
	var summary EvaluationSummary

	samples, err := d.metrics.WindowSamples(ctx, from, now)
	if err != nil {
		return nil, summary, errkind.Wrap(errkind.StorageUnavailable, "load recent samples", err)
	}

	var regressions []Regression
	for _, group := range groupByFingerprint(samples) {
		if err := ctx.Err(); err != nil {
			return regressions, summary, err
		}
		summary.Fingerprints++

		eligible := d.eligibleSamples(group)
		if len(eligible) == 0 {
			continue
		}

		base, ok, err := d.baselines.Load(ctx, group[0].FingerprintID)
		if err != nil {
			d.logger.Warn("baseline load failed",
				slog.Int64("fingerprint_id", group[0].FingerprintID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok || !base.Valid {
			continue
		}
		summary.Evaluated++

		found, err := d.evaluateFingerprint(ctx, eligible, base, now, &summary)
		if err != nil {
			if errkind.IsCancelled(err) {
				return regressions, summary, err
			}
			d.logger.Warn("fingerprint evaluation failed",
				slog.Int64("fingerprint_id", group[0].FingerprintID),
				slog.String("error", err.Error()),
			)
			continue
		}
		regressions = append(regressions, found...)
	}

	return regressions, summary, nil
}

// eligibleSamples filters the recent group by the execution-count and
// elapsed-time floors and drops counter-reset samples.
func (d *Detector) eligibleSamples(group []store.Sample) []store.Sample {
	var out []store.Sample
	for _, s := range group {
		if s.CounterReset {
			continue
		}
		if s.ExecCount < d.cfg.MinExecCount {
			continue
		}
		if s.AvgDurationUs < d.cfg.MinElapsedUs {
			continue
		}
		out = append(out, s)
	}
	return out
}

type metricVerdict struct {
	metric store.Metric
	recent float64
	ratio  float64
	zscore float64
	stats  store.MetricStats
}

// evaluateFingerprint applies the conjunctive r+z rule to each tracked
// metric, opens or refreshes the event for the worst regression, and walks
// every open event for this fingerprint through the hysteresis rule.
func (d *Detector) evaluateFingerprint(ctx context.Context, eligible []store.Sample, base store.Baseline, now time.Time, summary *EvaluationSummary) ([]Regression, error) {
	verdicts := make(map[store.Metric]metricVerdict, len(trackedMetrics))
	var worst *metricVerdict

	for _, metric := range trackedMetrics {
		stats, ok := base.Stats(metric)
		if !ok {
			continue
		}
		values := make([]float64, 0, len(eligible))
		for _, s := range eligible {
			values = append(values, s.Value(metric))
		}
		recent := baseline.Median(values)

		ratio := recent / maxf(stats.Mean, metricEpsilon[metric])
		zscore := (recent - stats.Mean) / maxf(stats.StdDev, sigmaMin)
		v := metricVerdict{metric: metric, recent: recent, ratio: ratio, zscore: zscore, stats: stats}
		verdicts[metric] = v

		if ratio >= d.cfg.RMin && zscore >= d.cfg.ZMin {
			if worst == nil || betterVerdict(v, *worst) {
				worstCopy := v
				worst = &worstCopy
			}
		}
	}

	var regressions []Regression
	fp := eligible[0]

	if worst != nil {
		summary.Regressed++
		reg, err := d.recordRegression(ctx, fp, *worst, now)
		if err != nil {
			return nil, err
		}
		if reg.IsNew {
			summary.NewEvents++
		}
		regressions = append(regressions, reg)
	}

	// Hysteresis pass over open events for the other metrics (and the
	// regressed one when it just fell quiet).
	for _, metric := range trackedMetrics {
		if worst != nil && metric == worst.metric {
			continue
		}
		v, ok := verdicts[metric]
		if !ok {
			continue
		}
		resolved, err := d.applyHysteresis(ctx, fp.FingerprintID, v, now)
		if err != nil {
			return regressions, err
		}
		if resolved {
			summary.AutoResolved++
		}
	}

	return regressions, nil
}

// betterVerdict orders regressed verdicts: highest ratio wins, ties broken by
// z-score, then lexicographic metric name.
func betterVerdict(a, b metricVerdict) bool {
	if a.ratio != b.ratio {
		return a.ratio > b.ratio
	}
	if a.zscore != b.zscore {
		return a.zscore > b.zscore
	}
	return a.metric < b.metric
}

// recordRegression opens a new event or refreshes the open one for the
// metric.
func (d *Detector) recordRegression(ctx context.Context, fp store.Sample, v metricVerdict, now time.Time) (Regression, error) {
	open, ok, err := d.events.FindOpen(ctx, fp.FingerprintID, v.metric)
	if err != nil {
		return Regression{}, err
	}

	if ok {
		open.LastSeen = now
		open.CurrentValue = v.recent
		open.Magnitude = v.ratio
		open.Severity = SeverityForRatio(v.ratio)
		open.BelowThresholdCount = 0
		if err := d.events.Update(ctx, open); err != nil {
			return Regression{}, err
		}
		return Regression{Event: open, Ratio: v.ratio, ZScore: v.zscore, Baseline: v.stats}, nil
	}

	event := store.RegressionEvent{
		ID:             uuid.NewString(),
		FingerprintID:  fp.FingerprintID,
		Instance:       fp.Instance,
		Database:       fp.Database,
		Metric:         v.metric,
		FirstSeen:      now,
		LastSeen:       now,
		BaselineMean:   v.stats.Mean,
		BaselineStdDev: v.stats.StdDev,
		CurrentValue:   v.recent,
		Magnitude:      v.ratio,
		Severity:       SeverityForRatio(v.ratio),
		Status:         store.StatusNew,
	}
	if err := d.events.Insert(ctx, event); err != nil {
		return Regression{}, err
	}
	d.logger.Info("regression detected",
		slog.Int64("fingerprint_id", event.FingerprintID),
		slog.String("instance", event.Instance),
		slog.String("db", event.Database),
		slog.String("metric", string(event.Metric)),
		slog.Float64("ratio", v.ratio),
		slog.Float64("zscore", v.zscore),
		slog.String("severity", string(event.Severity)),
	)
	return Regression{Event: event, IsNew: true, Ratio: v.ratio, ZScore: v.zscore, Baseline: v.stats}, nil
}

// applyHysteresis advances or resets the below-threshold counter on the open
// event for (fingerprint, metric). The event auto-resolves after
// autoResolveWindows consecutive quiet evaluations below RMin·hysteresis.
func (d *Detector) applyHysteresis(ctx context.Context, fingerprintID int64, v metricVerdict, now time.Time) (bool, error) {
	open, ok, err := d.events.FindOpen(ctx, fingerprintID, v.metric)
	if err != nil || !ok {
		return false, err
	}

	bound := d.cfg.RMin * d.cfg.Hysteresis
	if v.ratio < bound {
		open.BelowThresholdCount++
	} else {
		open.BelowThresholdCount = 0
	}
	open.LastSeen = now
	open.CurrentValue = v.recent
	open.Magnitude = v.ratio

	if open.BelowThresholdCount >= autoResolveWindows {
		if err := checkTransition(open.Status, store.StatusAutoResolved); err != nil {
			return false, err
		}
		open.Status = store.StatusAutoResolved
		if err := d.events.Update(ctx, open); err != nil {
			return false, err
		}
		d.logger.Info("regression auto-resolved",
			slog.String("event_id", open.ID),
			slog.Int64("fingerprint_id", open.FingerprintID),
			slog.String("metric", string(open.Metric)),
			slog.Float64("ratio", v.ratio),
		)
		return true, nil
	}

	return false, d.events.Update(ctx, open)
}

// Acknowledge marks an open event as seen by an operator.
func (d *Detector) Acknowledge(ctx context.Context, id string) error {
	return d.transition(ctx, id, store.StatusAcknowledged)
}

// Resolve closes an event by operator action.
func (d *Detector) Resolve(ctx context.Context, id string) error {
	return d.transition(ctx, id, store.StatusResolved)
}

// Dismiss closes an event as a false positive.
func (d *Detector) Dismiss(ctx context.Context, id string) error {
	return d.transition(ctx, id, store.StatusDismissed)
}

func (d *Detector) transition(ctx context.Context, id string, to store.EventStatus) error {
	event, ok, err := d.events.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return errkind.Newf(errkind.BadInput, "event %s not found", id)
	}
	if err := checkTransition(event.Status, to); err != nil {
		return err
	}
	event.Status = to
	return d.events.Update(ctx, event)
}

// OpenEvents lists all open events for the operator surface.
func (d *Detector) OpenEvents(ctx context.Context) ([]store.RegressionEvent, error) {
	return d.events.ListOpen(ctx)
}

// SeverityForRatio maps a regression magnitude onto a severity grade.
func SeverityForRatio(r float64) store.Severity {
	switch {
	case r >= 10:
		return store.SeverityCritical
	case r >= 6:
		return store.SeverityHigh
	case r >= 3:
		return store.SeverityMedium
	default:
		return store.SeverityLow
	}
}

// groupByFingerprint splits window samples into per-fingerprint runs,
// relying on the store's (fingerprint_id, sampled_at) ordering.
func groupByFingerprint(samples []store.Sample) [][]store.Sample {
	var groups [][]store.Sample
	start := 0
	for i := 1; i <= len(samples); i++ {
		if i == len(samples) || samples[i].FingerprintID != samples[start].FingerprintID {
			groups = append(groups, samples[start:i])
			start = i
		}
	}
	return groups
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
