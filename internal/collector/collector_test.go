package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"querymon/internal/config"
	"querymon/internal/errkind"
	"querymon/internal/logging"
	"querymon/internal/provider"
	"querymon/internal/store"
)

// memFingerprintStore implements the linearizable-per-hash upsert contract.
type memFingerprintStore struct {
	mu     sync.Mutex
	nextID int64
	byKey  map[string]int64
}

func newMemFingerprintStore() *memFingerprintStore {
	return &memFingerprintStore{byKey: map[string]int64{}}
}

func (m *memFingerprintStore) Upsert(_ context.Context, rec store.FingerprintRecord) (store.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.Instance + "|" + rec.Database + "|" + string(rec.Hash)
	if id, ok := m.byKey[key]; ok {
		return store.UpsertResult{ID: id, Created: false}, nil
	}
	m.nextID++
	m.byKey[key] = m.nextID
	return store.UpsertResult{ID: m.nextID, Created: true}, nil
}

func (m *memFingerprintStore) Get(_ context.Context, id int64) (store.FingerprintRecord, error) {
	return store.FingerprintRecord{ID: id}, nil
}

type memMetricStore struct {
	mu      sync.Mutex
	samples []store.Sample
}

func (m *memMetricStore) AppendSample(_ context.Context, s store.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	return nil
}
func (m *memMetricStore) WindowSamples(context.Context, time.Time, time.Time) ([]store.Sample, error) {
	return nil, nil
}
func (m *memMetricStore) FingerprintSamples(context.Context, int64, time.Time, time.Time) ([]store.Sample, error) {
	return nil, nil
}
func (m *memMetricStore) LastSample(_ context.Context, id int64) (store.Sample, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.samples) - 1; i >= 0; i-- {
		if m.samples[i].FingerprintID == id {
			return m.samples[i], true, nil
		}
	}
	return store.Sample{}, false, nil
}
func (m *memMetricStore) Ping(context.Context) error { return nil }

// fakeProvider returns canned stats per database.
type fakeProvider struct {
	databases []string
	stats     map[string][]provider.QueryStat
	err       error
	// dbErrs fails specific databases; blockOn parks a database's query
	// until cancellation.
	dbErrs  map[string]error
	blockOn map[string]bool
}

func (p *fakeProvider) TopQueriesByElapsed(ctx context.Context, database string, n int, _ provider.Window) ([]provider.QueryStat, error) {
	if p.err != nil {
		return nil, p.err
	}
	if err := p.dbErrs[database]; err != nil {
		return nil, err
	}
	if p.blockOn[database] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	stats := p.stats[database]
	if len(stats) > n {
		stats = stats[:n]
	}
	return stats, nil
}
func (p *fakeProvider) ListDatabases(context.Context) ([]string, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.databases, nil
}
func (p *fakeProvider) TestConnection(context.Context) error { return p.err }
func (p *fakeProvider) Close() error                         { return nil }

type fakeFactory struct {
	providers map[string]*fakeProvider
	openErr   map[string]error
}

func (f *fakeFactory) Open(_ context.Context, name, _ string) (provider.Provider, error) {
	if err := f.openErr[name]; err != nil {
		return nil, err
	}
	p, ok := f.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown instance %s", name)
	}
	return p, nil
}

func testSnapshots(cfg *config.Config) *config.Snapshots {
	logger := &logging.Logger{Logger: slog.Default()}
	return config.NewSnapshots(cfg, "", logger)
}

func collectionConfig(instances ...config.InstanceConfig) *config.Config {
	return &config.Config{
		Collection: config.CollectionConfig{
			TopN: 3, Lookback: 5 * time.Minute, Timeout: 10 * time.Second,
			MaxInstanceParallelism: 4, MaxDBParallelism: 2,
			ContinueOnInstanceError: true, ContinueOnDatabaseError: true,
		},
		Instances: instances,
	}
}

func stat(text string, execs int64) provider.QueryStat {
	return provider.QueryStat{
		SQLText:        text,
		ExecCount:      execs,
		TotalCPUMs:     100,
		AvgCPUMs:       10,
		TotalElapsedMs: 200,
		AvgElapsedMs:   20,
	}
}

func TestRun_ColdStartSingleInstanceSingleDatabase(t *testing.T) {
	prov := &fakeProvider{
		databases: []string{"orders"},
		stats: map[string][]provider.QueryStat{
			"orders": {
				stat("select * from a where id = 1", 10),
				stat("select * from b where id = 2", 20),
				stat("select * from c where id = 3", 30),
			},
		},
	}
	factory := &fakeFactory{providers: map[string]*fakeProvider{"prod-1": prov}}
	fps := newMemFingerprintStore()
	metrics := &memMetricStore{}

	cfg := collectionConfig(config.InstanceConfig{
		Name: "prod-1", ConnectionString: "dsn", Enabled: true,
	})
	o := NewOrchestrator(testSnapshots(cfg), factory, fps, metrics, testLogger())

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if summary.Instances != 1 || summary.Databases != 1 {
		t.Errorf("instances=%d databases=%d, want 1/1", summary.Instances, summary.Databases)
	}
	if summary.QueriesSeen != 3 || summary.NewFingerprints != 3 || summary.SamplesSaved != 3 {
		t.Errorf("queries=%d new_fp=%d samples=%d, want 3/3/3",
			summary.QueriesSeen, summary.NewFingerprints, summary.SamplesSaved)
	}
	if len(metrics.samples) != 3 {
		t.Errorf("stored samples = %d, want 3", len(metrics.samples))
	}
	// Unit conversion: 20ms avg elapsed -> 20000us.
	if metrics.samples[0].AvgDurationUs != 20000 {
		t.Errorf("avg duration = %d us, want 20000", metrics.samples[0].AvgDurationUs)
	}
}

func TestRun_ReprocessingIsIdempotentOnFingerprints(t *testing.T) {
	prov := &fakeProvider{
		databases: []string{"orders"},
		stats: map[string][]provider.QueryStat{
			"orders": {stat("select * from a where id = 1", 10)},
		},
	}
	factory := &fakeFactory{providers: map[string]*fakeProvider{"prod-1": prov}}
	fps := newMemFingerprintStore()
	metrics := &memMetricStore{}

	cfg := collectionConfig(config.InstanceConfig{Name: "prod-1", ConnectionString: "dsn", Enabled: true})
	o := NewOrchestrator(testSnapshots(cfg), factory, fps, metrics, testLogger())

	first, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if first.NewFingerprints != 1 {
		t.Errorf("first run new fingerprints = %d, want 1", first.NewFingerprints)
	}
	if second.NewFingerprints != 0 {
		t.Errorf("second run new fingerprints = %d, want 0", second.NewFingerprints)
	}
	if second.SamplesSaved != 1 {
		t.Errorf("second run samples = %d, want 1", second.SamplesSaved)
	}
}

func TestRun_PartialInstanceFailure(t *testing.T) {
	good := &fakeProvider{
		databases: []string{"orders"},
		stats: map[string][]provider.QueryStat{
			"orders": {stat("select 1", 10)},
		},
	}
	factory := &fakeFactory{
		providers: map[string]*fakeProvider{"prod-a": good},
		openErr: map[string]error{
			"prod-b": errkind.New(errkind.ProviderTimeout, "statistics query timed out"),
		},
	}
	fps := newMemFingerprintStore()
	metrics := &memMetricStore{}

	cfg := collectionConfig(
		config.InstanceConfig{Name: "prod-a", ConnectionString: "dsn", Enabled: true},
		config.InstanceConfig{Name: "prod-b", ConnectionString: "dsn", Enabled: true},
	)
	o := NewOrchestrator(testSnapshots(cfg), factory, fps, metrics, testLogger())

	summary, err := o.Run(context.Background())
	// At least one database succeeded, so the run as a whole succeeds.
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !summary.AnySucceeded() {
		t.Error("run should report success for instance A")
	}

	var aOK, bErr bool
	for _, inst := range summary.InstanceResults {
		switch inst.Instance {
		case "prod-a":
			aOK = inst.Succeeded()
		case "prod-b":
			bErr = inst.Err != nil
		}
	}
	if !aOK {
		t.Error("instance A should have succeeded")
	}
	if !bErr {
		t.Error("instance B error should be captured in its result")
	}
}

func TestRun_AllInstancesFailingFailsTheRun(t *testing.T) {
	factory := &fakeFactory{
		providers: map[string]*fakeProvider{},
		openErr: map[string]error{
			"prod-a": errkind.New(errkind.ProviderUnavailable, "refused"),
		},
	}
	cfg := collectionConfig(config.InstanceConfig{Name: "prod-a", ConnectionString: "dsn", Enabled: true})
	o := NewOrchestrator(testSnapshots(cfg), factory, newMemFingerprintStore(), &memMetricStore{}, testLogger())

	_, err := o.Run(context.Background())
	if err == nil {
		t.Fatal("a run where nothing succeeded must fail")
	}
}

func TestRun_CounterResetDetected(t *testing.T) {
	prov := &fakeProvider{
		databases: []string{"orders"},
		stats: map[string][]provider.QueryStat{
			"orders": {stat("select 1", 100)},
		},
	}
	factory := &fakeFactory{providers: map[string]*fakeProvider{"prod-1": prov}}
	fps := newMemFingerprintStore()
	metrics := &memMetricStore{}

	cfg := collectionConfig(config.InstanceConfig{Name: "prod-1", ConnectionString: "dsn", Enabled: true})
	o := NewOrchestrator(testSnapshots(cfg), factory, fps, metrics, testLogger())

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Server restart: counters drop from 100 to 5.
	prov.stats["orders"] = []provider.QueryStat{stat("select 1", 5)}
	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.CounterResets != 1 {
		t.Errorf("counter resets = %d, want 1", summary.CounterResets)
	}

	last := metrics.samples[len(metrics.samples)-1]
	if !last.CounterReset {
		t.Error("the decreased sample must carry the reset marker")
	}
	if last.ExecCount != 5 {
		t.Error("the decreased sample must still be accepted")
	}
}

func TestRun_DatabaseErrorIsolation(t *testing.T) {
	// Per-database failures never abort sibling databases by default.
	prov := &fakeProvider{
		stats: map[string][]provider.QueryStat{
			"good": {stat("select 1", 10)},
		},
		dbErrs: map[string]error{
			"bad": errkind.New(errkind.ProviderTimeout, "summary query timed out"),
		},
	}
	factory := &fakeFactory{providers: map[string]*fakeProvider{"prod-1": prov}}
	cfg := collectionConfig(config.InstanceConfig{
		Name: "prod-1", ConnectionString: "dsn", Enabled: true,
		Databases: []config.DatabaseOverride{{Name: "bad"}, {Name: "good"}},
	})
	o := NewOrchestrator(testSnapshots(cfg), factory, newMemFingerprintStore(), &memMetricStore{}, testLogger())

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if summary.SamplesSaved != 1 {
		t.Errorf("samples = %d, want 1 (good db unaffected)", summary.SamplesSaved)
	}
	var badErr bool
	for _, db := range summary.InstanceResults[0].Databases {
		if db.Database == "bad" && db.Err != nil {
			badErr = true
		}
	}
	if !badErr {
		t.Error("bad database error should be captured in its result")
	}
}

func TestRun_ContinueOnDatabaseErrorDisabled(t *testing.T) {
	// With the gate off, the first failed database cancels the instance's
	// remaining streams. The good database blocks until cancellation so the
	// ordering is deterministic.
	prov := &fakeProvider{
		dbErrs: map[string]error{
			"bad": errkind.New(errkind.ProviderTimeout, "summary query timed out"),
		},
		blockOn: map[string]bool{"good": true},
	}
	factory := &fakeFactory{providers: map[string]*fakeProvider{"prod-1": prov}}
	cfg := collectionConfig(config.InstanceConfig{
		Name: "prod-1", ConnectionString: "dsn", Enabled: true,
		Databases: []config.DatabaseOverride{{Name: "bad"}, {Name: "good"}},
	})
	cfg.Collection.ContinueOnDatabaseError = false
	o := NewOrchestrator(testSnapshots(cfg), factory, newMemFingerprintStore(), &memMetricStore{}, testLogger())

	summary, err := o.Run(context.Background())
	if err == nil {
		t.Fatal("run with no successful database must fail")
	}
	if summary.SamplesSaved != 0 {
		t.Errorf("samples = %d, want 0", summary.SamplesSaved)
	}
	for _, db := range summary.InstanceResults[0].Databases {
		if db.Err == nil {
			t.Errorf("database %s should carry an error after the gate fired", db.Database)
		}
	}
}

func TestRun_ExplicitDatabaseListSkipsDiscovery(t *testing.T) {
	prov := &fakeProvider{
		// Discovery would return nothing; the explicit list must be used.
		databases: nil,
		stats: map[string][]provider.QueryStat{
			"orders": {stat("select 1", 10)},
		},
	}
	factory := &fakeFactory{providers: map[string]*fakeProvider{"prod-1": prov}}
	cfg := collectionConfig(config.InstanceConfig{
		Name: "prod-1", ConnectionString: "dsn", Enabled: true,
		Databases: []config.DatabaseOverride{{Name: "orders", TopN: 1}},
	})
	o := NewOrchestrator(testSnapshots(cfg), factory, newMemFingerprintStore(), &memMetricStore{}, testLogger())

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Databases != 1 || summary.SamplesSaved != 1 {
		t.Errorf("databases=%d samples=%d, want 1/1", summary.Databases, summary.SamplesSaved)
	}
}

func TestRun_Cancellation(t *testing.T) {
	prov := &fakeProvider{
		databases: []string{"orders"},
		stats:     map[string][]provider.QueryStat{"orders": {stat("select 1", 10)}},
	}
	factory := &fakeFactory{providers: map[string]*fakeProvider{"prod-1": prov}}
	cfg := collectionConfig(config.InstanceConfig{Name: "prod-1", ConnectionString: "dsn", Enabled: true})
	o := NewOrchestrator(testSnapshots(cfg), factory, newMemFingerprintStore(), &memMetricStore{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Run(ctx)
	if !errkind.IsCancelled(err) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func testLogger() *logging.Logger {
	return &logging.Logger{Logger: slog.Default()}
}

func TestFingerprintUpsert_ConcurrentCreatesExactlyOne(t *testing.T) {
	fps := newMemFingerprintStore()
	rec := store.FingerprintRecord{
		Instance: "prod-1", Database: "orders", Hash: []byte("0123456789abcdef"),
	}

	const workers = 32
	created := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := fps.Upsert(context.Background(), rec)
			if err != nil {
				t.Error(err)
				return
			}
			created <- result.Created
		}()
	}
	wg.Wait()
	close(created)

	createdCount := 0
	for c := range created {
		if c {
			createdCount++
		}
	}
	if createdCount != 1 {
		t.Errorf("created count = %d, want exactly 1", createdCount)
	}
}
