package jobs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"querymon/internal/alert"
	"querymon/internal/config"
	"querymon/internal/logging"
	"querymon/internal/store"
)

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
func (m *memMetricStore) FingerprintSamples(context.Context, int64, time.Time, time.Time) ([]store.Sample, error) {
	return nil, nil
}
func (m *memMetricStore) LastSample(context.Context, int64) (store.Sample, bool, error) {
	return store.Sample{}, false, nil
}
func (m *memMetricStore) Ping(context.Context) error { return nil }

type memFingerprintStore struct {
	records map[int64]store.FingerprintRecord
}

func (m *memFingerprintStore) Upsert(context.Context, store.FingerprintRecord) (store.UpsertResult, error) {
	return store.UpsertResult{}, nil
}
func (m *memFingerprintStore) Get(_ context.Context, id int64) (store.FingerprintRecord, error) {
	if rec, ok := m.records[id]; ok {
		return rec, nil
	}
	return store.FingerprintRecord{}, errors.New("fingerprint not found")
}

type memBaselineStore struct {
	baselines map[int64]store.Baseline
}

func (m *memBaselineStore) Replace(context.Context, store.Baseline) error { return nil }
func (m *memBaselineStore) Load(_ context.Context, id int64) (store.Baseline, bool, error) {
	b, ok := m.baselines[id]
	return b, ok, nil
}

type memEventStore struct {
	mu     sync.Mutex
	events map[string]store.RegressionEvent
}

func newMemEventStore() *memEventStore {
	return &memEventStore{events: map[string]store.RegressionEvent{}}
}

func (m *memEventStore) Insert(_ context.Context, e store.RegressionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = e
	return nil
}
func (m *memEventStore) Update(_ context.Context, e store.RegressionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = e
	return nil
}
func (m *memEventStore) FindOpen(_ context.Context, id int64, metric store.Metric) (store.RegressionEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.FingerprintID == id && e.Metric == metric && !e.Status.Terminal() {
			return e, true, nil
		}
	}
	return store.RegressionEvent{}, false, nil
}
func (m *memEventStore) Get(_ context.Context, id string) (store.RegressionEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	return e, ok, nil
}
func (m *memEventStore) ListOpen(context.Context) ([]store.RegressionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.RegressionEvent
	for _, e := range m.events {
		if !e.Status.Terminal() {
			out = append(out, e)
		}
	}
	return out, nil
}

type memAuditStore struct {
	records []store.AuditRecord
}

func (m *memAuditStore) Append(_ context.Context, rec store.AuditRecord) error {
	m.records = append(m.records, rec)
	return nil
}
func (m *memAuditStore) RecentAttempts(_ context.Context, since time.Time) ([]store.AuditRecord, error) {
	var out []store.AuditRecord
	for _, r := range m.records {
		if !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

type recordingSink struct {
	mu            sync.Mutex
	notifications []alert.Notification
}

func (s *recordingSink) Notify(_ context.Context, n alert.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *recordingSink) byKind(kind alert.Kind) []alert.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alert.Notification
	for _, n := range s.notifications {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func testLogger() *logging.Logger {
	return &logging.Logger{Logger: slog.Default()}
}

func analysisConfig() *config.Config {
	return &config.Config{
		Collection: config.CollectionConfig{MinExecCount: 5, MinElapsedMs: 0},
		Analysis: config.AnalysisConfig{
			RecentWindow: 30 * time.Minute,
			RMin:         2.0, ZMin: 3.0, Hysteresis: 0.8,
		},
		Hotspots: config.HotspotsConfig{
			TopN:               5,
			RankBy:             "total_cpu_time",
			IncludeRegressions: true,
		},
	}
}

func recentSamples(now time.Time) []store.Sample {
	var out []store.Sample
	for i := 0; i < 5; i++ {
		out = append(out, store.Sample{
			FingerprintID: 1, Instance: "prod-1", Database: "orders",
			SampledAt: now.Add(-time.Duration(5-i) * time.Minute),
			ExecCount: 100,
			AvgCPUUs:  350_000, AvgDurationUs: 1000,
			TotalCPUUs: 35_000_000, TotalDurationUs: 100_000,
		})
	}
	return out
}

func TestAnalysisJob_AlertsAndHotspots(t *testing.T) {
	now := time.Now().UTC()
	sink := &recordingSink{}
	events := newMemEventStore()

	job := &Analysis{
		Snapshots: config.NewSnapshots(analysisConfig(), "", testLogger()),
		Samples:   &memMetricStore{samples: recentSamples(now)},
		Baselines: &memBaselineStore{baselines: map[int64]store.Baseline{
			1: {
				FingerprintID: 1, SampleCount: 100, Valid: true,
				CPU:          store.MetricStats{Mean: 100_000, StdDev: 10_000},
				Duration:     store.MetricStats{Mean: 1e9, StdDev: 1e6},
				LogicalReads: store.MetricStats{Mean: 1e9, StdDev: 1e6},
			},
		}},
		Events: events,
		Fingerprints: &memFingerprintStore{records: map[int64]store.FingerprintRecord{
			1: {ID: 1, Hash: []byte{0x01, 0x02}, NormalizedText: "SELECT * FROM orders WHERE id = ?"},
		}},
		Sink:   sink,
		Logger: testLogger(),
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	regressionAlerts := sink.byKind(alert.KindRegression)
	if len(regressionAlerts) != 1 {
		t.Fatalf("regression alerts = %d, want 1", len(regressionAlerts))
	}
	if regressionAlerts[0].Severity != store.SeverityMedium {
		t.Errorf("alert severity = %s, want Medium", regressionAlerts[0].Severity)
	}

	hotspots := job.LastHotspots()
	if len(hotspots) != 1 {
		t.Fatalf("hotspots = %d, want 1", len(hotspots))
	}
	if !hotspots[0].AlsoRegressed {
		t.Error("hotspot should carry the also-regressed flag")
	}
	if !bytes.Equal(hotspots[0].Candidate.Hash, []byte{0x01, 0x02}) {
		t.Errorf("candidate hash not joined in: %x", hotspots[0].Candidate.Hash)
	}
	if hotspots[0].Candidate.NormalizedText == "" {
		t.Error("candidate normalized text not joined in")
	}

	// A second run refreshes the open event without alerting again.
	if err := job.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.byKind(alert.KindRegression)) != 1 {
		t.Error("refreshing an open event must not re-alert")
	}
}

func TestAnalysisJob_HotspotTiesBreakOnFingerprintHash(t *testing.T) {
	now := time.Now().UTC()

	// Two fingerprints with identical totals on every tie-break metric
	// before the hash. Fingerprint 2 carries the smaller hash, so it must
	// rank first even though fingerprint 1 has the lower id and appears
	// first in the window ordering.
	var samples []store.Sample
	for _, id := range []int64{1, 2} {
		samples = append(samples, store.Sample{
			FingerprintID: id, Instance: "prod-1", Database: "orders",
			SampledAt: now.Add(-time.Minute),
			ExecCount: 100,
			TotalCPUUs: 5_000_000, TotalDurationUs: 9_000_000,
		})
	}

	job := &Analysis{
		Snapshots: config.NewSnapshots(analysisConfig(), "", testLogger()),
		Samples:   &memMetricStore{samples: samples},
		Baselines: &memBaselineStore{},
		Events:    newMemEventStore(),
		Fingerprints: &memFingerprintStore{records: map[int64]store.FingerprintRecord{
			1: {ID: 1, Hash: []byte{0xBB}},
			2: {ID: 2, Hash: []byte{0xAA}},
		}},
		Sink:   &recordingSink{},
		Logger: testLogger(),
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	hotspots := job.LastHotspots()
	if len(hotspots) != 2 {
		t.Fatalf("hotspots = %d, want 2", len(hotspots))
	}
	if hotspots[0].Candidate.FingerprintID != 2 || hotspots[1].Candidate.FingerprintID != 1 {
		t.Errorf("order = %d, %d; want 2, 1 (smaller hash first)",
			hotspots[0].Candidate.FingerprintID, hotspots[1].Candidate.FingerprintID)
	}
}

func TestDailySummaryJob(t *testing.T) {
	now := time.Now().UTC()
	sink := &recordingSink{}
	events := newMemEventStore()
	_ = events.Insert(context.Background(), store.RegressionEvent{
		ID: "e1", FingerprintID: 1, Metric: store.MetricAvgCPU,
		Severity: store.SeverityHigh, Status: store.StatusNew,
	})

	audit := &memAuditStore{}
	_ = audit.Append(context.Background(), store.AuditRecord{ID: "a1", CreatedAt: now.Add(-time.Hour)})

	job := &DailySummary{
		Samples: &memMetricStore{samples: recentSamples(now)},
		Events:  events,
		Audit:   audit,
		Sink:    sink,
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	summaries := sink.byKind(alert.KindDailySummary)
	if len(summaries) != 1 {
		t.Fatalf("summaries = %d, want 1", len(summaries))
	}
	fields := summaries[0].Fields
	if fields["samples_24h"] != 5 {
		t.Errorf("samples_24h = %v, want 5", fields["samples_24h"])
	}
	if fields["open_events"] != 1 || fields["open_high"] != 1 {
		t.Errorf("open event counts wrong: %v", fields)
	}
	if fields["remediations_24h"] != 1 {
		t.Errorf("remediations_24h = %v, want 1", fields["remediations_24h"])
	}
}
