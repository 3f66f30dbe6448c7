// Package baseline derives per-fingerprint statistical summaries from sample
// history. Baselines are keyed by (fingerprint, window-end day); rebuilding
// for the same day replaces the prior value.
package baseline

import (
	"context"
	"log/slog"
	"time"

	"querymon/internal/errkind"
	"querymon/internal/logging"
	"querymon/internal/store"
)

// Config controls baseline derivation.
type Config struct {
	// Window is the trailing history span (default 14 days).
	Window time.Duration
	// MinSamples is the validity floor for n (default 30).
	MinSamples int64
	// MinCoverage is the minimum observed span between the first and last
	// sample for a baseline to be valid (default 24h).
	MinCoverage time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 14 * 24 * time.Hour
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 30
	}
	if c.MinCoverage <= 0 {
		c.MinCoverage = 24 * time.Hour
	}
	return c
}

// RebuildSummary reports one rebuild pass.
type RebuildSummary struct {
	WindowFrom   time.Time
	WindowTo     time.Time
	Fingerprints int
	Succeeded    int
	Failed       int
	Valid        int
}

// Service computes and persists baselines.
type Service struct {
	metrics   store.MetricStore
	baselines store.BaselineStore
	cfg       Config
	logger    *logging.Logger
}

func NewService(metrics store.MetricStore, baselines store.BaselineStore, cfg Config, logger *logging.Logger) *Service {
	return &Service{
		metrics:   metrics,
		baselines: baselines,
		cfg:       cfg.withDefaults(),
		logger:    logger.WithFields(slog.String("component", "baseline")),
	}
}

// Rebuild recomputes baselines for every fingerprint observed in the trailing
// window ending at now. Per-fingerprint failures are isolated and counted;
// the pass itself only fails when history cannot be read at all.
func (s *Service) Rebuild(ctx context.Context, now time.Time) (RebuildSummary, error) {
	now = now.UTC()
	from := now.Add(-s.cfg.Window)
	summary := RebuildSummary{WindowFrom: from, WindowTo: now}

	samples, err := s.metrics.WindowSamples(ctx, from, now)
	if err != nil {
		return summary, errkind.Wrap(errkind.StorageUnavailable, "load baseline window", err)
	}

	grouped := groupByFingerprint(samples)
	summary.Fingerprints = len(grouped)
	endDay := now.Format("2006-01-02")

	for _, group := range grouped {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		b := s.compute(group, from, now, endDay)
		if err := s.baselines.Replace(ctx, b); err != nil {
			summary.Failed++
			s.logger.Warn("baseline replace failed",
				slog.Int64("fingerprint_id", b.FingerprintID),
				slog.String("error", err.Error()),
			)
			continue
		}
		summary.Succeeded++
		if b.Valid {
			summary.Valid++
		}
	}

	s.logger.Info("baseline rebuild complete",
		slog.Int("fingerprints", summary.Fingerprints),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
		slog.Int("valid", summary.Valid),
	)
	return summary, nil
}

// compute derives one fingerprint's baseline from its window samples. The
// samples arrive in sampled-at order from the store, which keeps recomputation
// deterministic.
func (s *Service) compute(samples []store.Sample, from, to time.Time, endDay string) store.Baseline {
	first := samples[0]
	b := store.Baseline{
		FingerprintID: first.FingerprintID,
		WindowFrom:    from,
		WindowTo:      to,
		WindowEndDay:  endDay,
		SampleCount:   int64(len(samples)),
	}

	cpu := make([]float64, 0, len(samples))
	duration := make([]float64, 0, len(samples))
	reads := make([]float64, 0, len(samples))
	for _, smp := range samples {
		cpu = append(cpu, float64(smp.AvgCPUUs))
		duration = append(duration, float64(smp.AvgDurationUs))
		reads = append(reads, float64(smp.AvgLogicalReads))
	}

	b.CPU.Mean, b.CPU.StdDev, b.CPU.P50, b.CPU.P95, b.CPU.P99 = summarize(cpu)
	b.Duration.Mean, b.Duration.StdDev, b.Duration.P50, b.Duration.P95, b.Duration.P99 = summarize(duration)
	b.LogicalReads.Mean, b.LogicalReads.StdDev, b.LogicalReads.P50, b.LogicalReads.P95, b.LogicalReads.P99 = summarize(reads)

	coverage := samples[len(samples)-1].SampledAt.Sub(first.SampledAt)
	b.Valid = b.SampleCount >= s.cfg.MinSamples && coverage >= s.cfg.MinCoverage
	return b
}

// groupByFingerprint splits window samples into per-fingerprint runs,
// preserving the store's (fingerprint_id, sampled_at) ordering.
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

// Median exposes the package's median helper to the analysis engine so both
// sides agree on how "recent value" is condensed.
func Median(values []float64) float64 {
	return median(values)
}
