// Package jobs binds the monitor's components to the scheduler: the
// collection run, the analysis pass, the nightly baseline rebuild, and the
// daily summary.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"querymon/internal/alert"
	"querymon/internal/analysis"
	"querymon/internal/baseline"
	"querymon/internal/collector"
	"querymon/internal/config"
	"querymon/internal/logging"
	"querymon/internal/observability"
	"querymon/internal/store"
)

// Collection runs one sampling pass per tick.
type Collection struct {
	Orchestrator *collector.Orchestrator
	Metrics      *observability.CollectionMetrics
}

func (j *Collection) Name() string { return "collection" }

func (j *Collection) Run(ctx context.Context) error {
	summary, err := j.Orchestrator.Run(ctx)

	dbErrors := 0
	for _, inst := range summary.InstanceResults {
		for _, db := range inst.Databases {
			if db.Err != nil {
				dbErrors++
			}
		}
	}
	j.Metrics.RecordRun(ctx, summary.Duration,
		summary.SamplesSaved, summary.NewFingerprints, summary.CounterResets, dbErrors,
		err == nil)
	return err
}

// Analysis runs regression detection and hotspot ranking per tick. The
// detector is rebuilt from the current snapshot at run start so threshold
// reloads apply to the next pass, never mid-pass.
type Analysis struct {
	Snapshots    *config.Snapshots
	Samples      store.MetricStore
	Baselines    store.BaselineStore
	Events       store.EventStore
	Fingerprints store.FingerprintStore
	Sink         alert.Sink
	Metrics      *observability.AnalysisMetrics
	Logger       *logging.Logger

	mu       sync.Mutex
	hotspots []analysis.Hotspot
}

func (j *Analysis) Name() string { return "analysis" }

func (j *Analysis) detector(cfg *config.Config) *analysis.Detector {
	return analysis.NewDetector(j.Samples, j.Baselines, j.Events, analysis.DetectorConfig{
		RecentWindow: cfg.Analysis.RecentWindow,
		RMin:         cfg.Analysis.RMin,
		ZMin:         cfg.Analysis.ZMin,
		Hysteresis:   cfg.Analysis.Hysteresis,
		MinExecCount: cfg.Collection.MinExecCount,
		MinElapsedUs: cfg.Collection.MinElapsedMs * 1000,
	}, j.Logger)
}

func (j *Analysis) Run(ctx context.Context) error {
	cfg := j.Snapshots.Current()
	now := time.Now().UTC()
	started := time.Now()

	regressions, summary, err := j.detector(cfg).Evaluate(ctx, now)
	if err != nil {
		return err
	}

	for _, reg := range regressions {
		if !reg.IsNew {
			continue
		}
		_ = j.Sink.Notify(ctx, alert.Notification{
			Kind:     alert.KindRegression,
			Severity: reg.Event.Severity,
			Title:    fmt.Sprintf("query regression on %s/%s", reg.Event.Instance, reg.Event.Database),
			Fields: map[string]any{
				"fingerprint_id": reg.Event.FingerprintID,
				"metric":         string(reg.Event.Metric),
				"ratio":          reg.Ratio,
				"zscore":         reg.ZScore,
			},
		})
	}

	hotspots, openCount, err := j.rankHotspots(ctx, cfg, now)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.hotspots = hotspots
	j.mu.Unlock()

	j.Metrics.RecordPass(ctx, time.Since(started),
		summary.NewEvents, summary.AutoResolved, openCount, len(hotspots))

	j.Logger.Info("analysis pass complete",
		slog.Int("fingerprints", summary.Fingerprints),
		slog.Int("evaluated", summary.Evaluated),
		slog.Int("new_events", summary.NewEvents),
		slog.Int("auto_resolved", summary.AutoResolved),
		slog.Int("hotspots", len(hotspots)),
	)
	return nil
}

// rankHotspots aggregates the recent window and applies the configured rules.
func (j *Analysis) rankHotspots(ctx context.Context, cfg *config.Config, now time.Time) ([]analysis.Hotspot, int, error) {
	samples, err := j.Samples.WindowSamples(ctx, now.Add(-cfg.Analysis.RecentWindow), now)
	if err != nil {
		return nil, 0, err
	}

	open, err := j.Events.ListOpen(ctx)
	if err != nil {
		return nil, 0, err
	}
	openByFingerprint := make(map[int64]bool, len(open))
	for _, e := range open {
		openByFingerprint[e.FingerprintID] = true
	}

	candidates := analysis.AggregateCandidates(samples, openByFingerprint)

	// Join identity metadata back in: ranking ties break on the fingerprint
	// hash, and the summary wants the normalised text. A missing record only
	// degrades that one candidate's tie-break.
	for i := range candidates {
		rec, err := j.Fingerprints.Get(ctx, candidates[i].FingerprintID)
		if err != nil {
			j.Logger.Warn("fingerprint lookup failed for hotspot candidate",
				slog.Int64("fingerprint_id", candidates[i].FingerprintID),
				slog.String("error", err.Error()),
			)
			continue
		}
		candidates[i].Hash = rec.Hash
		candidates[i].NormalizedText = rec.NormalizedText
	}

	rules := analysis.HotspotRules{
		MinTotalCPUUs:      cfg.Hotspots.MinTotalCPUMs * 1000,
		MinTotalDurationUs: cfg.Hotspots.MinTotalDurationMs * 1000,
		MinExecCount:       cfg.Hotspots.MinExecCount,
		MinAvgDurationUs:   cfg.Hotspots.MinAvgDurationMs * 1000,
		RankBy:             store.Metric(cfg.Hotspots.RankBy),
		TopN:               cfg.Hotspots.TopN,
		IncludeRegressions: cfg.Hotspots.IncludeRegressions,
	}
	return analysis.TopHotspots(candidates, rules), len(open), nil
}

// LastHotspots returns the ranking from the most recent pass.
func (j *Analysis) LastHotspots() []analysis.Hotspot {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]analysis.Hotspot, len(j.hotspots))
	copy(out, j.hotspots)
	return out
}

// BaselineRebuild recomputes baselines nightly, reading its window and
// validity thresholds from the current snapshot.
type BaselineRebuild struct {
	Snapshots *config.Snapshots
	Samples   store.MetricStore
	Baselines store.BaselineStore
	Logger    *logging.Logger
}

func (j *BaselineRebuild) Name() string { return "baseline-rebuild" }

func (j *BaselineRebuild) Run(ctx context.Context) error {
	cfg := j.Snapshots.Current()
	svc := baseline.NewService(j.Samples, j.Baselines, baseline.Config{
		Window:      cfg.Baseline.Window,
		MinSamples:  cfg.Analysis.NMinBaseline,
		MinCoverage: cfg.Analysis.WMinBaseline,
	}, j.Logger)
	_, err := svc.Rebuild(ctx, time.Now().UTC())
	return err
}

// DailySummary emits a structured digest of the last 24 hours.
type DailySummary struct {
	Samples  store.MetricStore
	Events   store.EventStore
	Audit    store.AuditStore
	Analysis *Analysis
	Sink     alert.Sink
}

func (j *DailySummary) Name() string { return "daily-summary" }

func (j *DailySummary) Run(ctx context.Context) error {
	now := time.Now().UTC()
	since := now.Add(-24 * time.Hour)

	samples, err := j.Samples.WindowSamples(ctx, since, now)
	if err != nil {
		return err
	}

	open, err := j.Events.ListOpen(ctx)
	if err != nil {
		return err
	}
	bySeverity := map[store.Severity]int{}
	for _, e := range open {
		bySeverity[e.Severity]++
	}

	attempts, err := j.Audit.RecentAttempts(ctx, since)
	if err != nil {
		return err
	}

	fields := map[string]any{
		"samples_24h":      len(samples),
		"open_events":      len(open),
		"open_critical":    bySeverity[store.SeverityCritical],
		"open_high":        bySeverity[store.SeverityHigh],
		"open_medium":      bySeverity[store.SeverityMedium],
		"open_low":         bySeverity[store.SeverityLow],
		"remediations_24h": len(attempts),
	}
	if j.Analysis != nil {
		hotspots := j.Analysis.LastHotspots()
		top := make([]string, 0, min(5, len(hotspots)))
		for i := 0; i < len(hotspots) && i < 5; i++ {
			top = append(top, fmt.Sprintf("#%d fp=%d %.1f%%",
				hotspots[i].Rank, hotspots[i].Candidate.FingerprintID, hotspots[i].PercentOfTotal))
		}
		fields["top_hotspots"] = top
	}

	return j.Sink.Notify(ctx, alert.Notification{
		Kind:   alert.KindDailySummary,
		Title:  fmt.Sprintf("querymon daily summary %s", now.Format("2006-01-02")),
		Fields: fields,
	})
}
