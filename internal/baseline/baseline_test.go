package baseline

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"querymon/internal/logging"
	"querymon/internal/store"
)

func TestSummarize(t *testing.T) {
	values := []float64{10, 20, 30, 40, 50}
	mean, stddev, p50, p95, p99 := summarize(values)

	if mean != 30 {
		t.Errorf("mean = %v, want 30", mean)
	}
	// Population stddev of 10..50 step 10.
	if math.Abs(stddev-math.Sqrt(200)) > 1e-9 {
		t.Errorf("stddev = %v, want %v", stddev, math.Sqrt(200))
	}
	if p50 != 30 {
		t.Errorf("p50 = %v, want 30", p50)
	}
	if p95 != 50 {
		t.Errorf("p95 = %v, want 50", p95)
	}
	if p99 != 50 {
		t.Errorf("p99 = %v, want 50", p99)
	}
}

func TestSummarize_Empty(t *testing.T) {
	mean, stddev, p50, p95, p99 := summarize(nil)
	if mean != 0 || stddev != 0 || p50 != 0 || p95 != 0 || p99 != 0 {
		t.Error("empty series should summarize to zeros")
	}
}

func TestSummarize_DoesNotMutateInput(t *testing.T) {
	values := []float64{3, 1, 2}
	summarize(values)
	if values[0] != 3 || values[1] != 1 || values[2] != 2 {
		t.Error("summarize must not reorder its input")
	}
}

func TestMedian(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"odd count", []float64{3, 1, 2}, 2},
		{"even count", []float64{1, 2, 3, 4}, 2.5},
		{"single", []float64{7}, 7},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := median(tt.values); got != tt.want {
				t.Errorf("median(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

// memMetricStore serves canned samples for rebuild tests.
type memMetricStore struct {
	samples []store.Sample
}

func (m *memMetricStore) AppendSample(context.Context, store.Sample) error { return nil }
func (m *memMetricStore) WindowSamples(_ context.Context, from, to time.Time) ([]store.Sample, error) {
	var out []store.Sample
	for _, s := range m.samples {
		if !s.SampledAt.Before(from) && !s.SampledAt.After(to) {
			out = append(out, s)
		}
	}
	return out, nil
}
func (m *memMetricStore) FingerprintSamples(_ context.Context, id int64, from, to time.Time) ([]store.Sample, error) {
	var out []store.Sample
	for _, s := range m.samples {
		if s.FingerprintID == id && !s.SampledAt.Before(from) && !s.SampledAt.After(to) {
			out = append(out, s)
		}
	}
	return out, nil
}
func (m *memMetricStore) LastSample(context.Context, int64) (store.Sample, bool, error) {
	return store.Sample{}, false, nil
}
func (m *memMetricStore) Ping(context.Context) error { return nil }

type memBaselineStore struct {
	replaced []store.Baseline
}

func (m *memBaselineStore) Replace(_ context.Context, b store.Baseline) error {
	m.replaced = append(m.replaced, b)
	return nil
}
func (m *memBaselineStore) Load(context.Context, int64) (store.Baseline, bool, error) {
	return store.Baseline{}, false, nil
}

func testLogger() *logging.Logger {
	return &logging.Logger{Logger: slog.Default()}
}

func TestRebuild_ValidityThresholds(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

	var samples []store.Sample
	// Fingerprint 1: 40 samples spread over 40 hours — valid.
	for i := 0; i < 40; i++ {
		samples = append(samples, store.Sample{
			FingerprintID: 1,
			SampledAt:     now.Add(-time.Duration(40-i) * time.Hour),
			AvgCPUUs:      100,
			AvgDurationUs: 200,
		})
	}
	// Fingerprint 2: plenty of samples but only 2 hours of coverage — invalid.
	for i := 0; i < 40; i++ {
		samples = append(samples, store.Sample{
			FingerprintID: 2,
			SampledAt:     now.Add(-2*time.Hour + time.Duration(i)*time.Minute),
			AvgCPUUs:      50,
		})
	}
	// Fingerprint 3: long coverage, too few samples — invalid.
	for i := 0; i < 5; i++ {
		samples = append(samples, store.Sample{
			FingerprintID: 3,
			SampledAt:     now.Add(-time.Duration(5-i) * 24 * time.Hour),
			AvgCPUUs:      10,
		})
	}

	metrics := &memMetricStore{samples: samples}
	baselines := &memBaselineStore{}
	svc := NewService(metrics, baselines, Config{}, testLogger())

	summary, err := svc.Rebuild(context.Background(), now)
	if err != nil {
		t.Fatalf("Rebuild error: %v", err)
	}
	if summary.Fingerprints != 3 {
		t.Errorf("fingerprints = %d, want 3", summary.Fingerprints)
	}
	if summary.Succeeded != 3 {
		t.Errorf("succeeded = %d, want 3", summary.Succeeded)
	}
	if summary.Valid != 1 {
		t.Errorf("valid = %d, want 1", summary.Valid)
	}

	byID := map[int64]store.Baseline{}
	for _, b := range baselines.replaced {
		byID[b.FingerprintID] = b
	}
	if !byID[1].Valid {
		t.Error("fingerprint 1 baseline should be valid")
	}
	if byID[2].Valid {
		t.Error("fingerprint 2 baseline should be invalid (coverage)")
	}
	if byID[3].Valid {
		t.Error("fingerprint 3 baseline should be invalid (sample count)")
	}
	if byID[1].CPU.Mean != 100 {
		t.Errorf("fingerprint 1 cpu mean = %v, want 100", byID[1].CPU.Mean)
	}
	if byID[1].WindowEndDay != "2026-03-01" {
		t.Errorf("window end day = %q", byID[1].WindowEndDay)
	}
}

func TestRebuild_Idempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	var samples []store.Sample
	for i := 0; i < 35; i++ {
		samples = append(samples, store.Sample{
			FingerprintID: 1,
			SampledAt:     now.Add(-time.Duration(35-i) * time.Hour),
			AvgCPUUs:      int64(90 + i%7),
			AvgDurationUs: int64(150 + i%11),
		})
	}
	metrics := &memMetricStore{samples: samples}

	first := &memBaselineStore{}
	svc := NewService(metrics, first, Config{}, testLogger())
	if _, err := svc.Rebuild(context.Background(), now); err != nil {
		t.Fatalf("first rebuild: %v", err)
	}

	second := &memBaselineStore{}
	svc2 := NewService(metrics, second, Config{}, testLogger())
	if _, err := svc2.Rebuild(context.Background(), now); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}

	if len(first.replaced) != 1 || len(second.replaced) != 1 {
		t.Fatalf("expected one baseline per rebuild, got %d and %d", len(first.replaced), len(second.replaced))
	}
	if first.replaced[0] != second.replaced[0] {
		t.Error("rebuild for the same window end day must be bitwise identical")
	}
}
