package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querymon/internal/config"
	"querymon/internal/dbexec"
	"querymon/internal/logging"
	"querymon/internal/provider"
	"querymon/internal/store"
)

type memMetricStore struct {
	pingErr error
}

func (m *memMetricStore) AppendSample(context.Context, store.Sample) error { return nil }
func (m *memMetricStore) WindowSamples(context.Context, time.Time, time.Time) ([]store.Sample, error) {
	return nil, nil
}
func (m *memMetricStore) FingerprintSamples(context.Context, int64, time.Time, time.Time) ([]store.Sample, error) {
	return nil, nil
}
func (m *memMetricStore) LastSample(context.Context, int64) (store.Sample, bool, error) {
	return store.Sample{}, false, nil
}
func (m *memMetricStore) Ping(context.Context) error { return m.pingErr }

type fakeInstanceProvider struct {
	err error
}

func (p *fakeInstanceProvider) TopQueriesByElapsed(context.Context, string, int, provider.Window) ([]provider.QueryStat, error) {
	return nil, nil
}
func (p *fakeInstanceProvider) ListDatabases(context.Context) ([]string, error) { return nil, nil }
func (p *fakeInstanceProvider) TestConnection(context.Context) error            { return p.err }
func (p *fakeInstanceProvider) Close() error                                    { return nil }

type fakeFactory struct {
	errs map[string]error
}

func (f *fakeFactory) Open(_ context.Context, name, _ string) (provider.Provider, error) {
	return &fakeInstanceProvider{err: f.errs[name]}, nil
}

func testLogger() *logging.Logger {
	return &logging.Logger{Logger: slog.Default()}
}

func snapshotsWith(instances ...config.InstanceConfig) *config.Snapshots {
	return config.NewSnapshots(&config.Config{Instances: instances}, "", testLogger())
}

// schemaExecutor returns an executor whose schema checks all succeed.
func schemaExecutor(t *testing.T) dbexec.QueryExecutor {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	for i := 0; i < 5; i++ {
		mock.ExpectQuery("SELECT COUNT").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	}
	return dbexec.NewStandardExecutor(db)
}

func TestReadiness_AllHealthy(t *testing.T) {
	snapshots := snapshotsWith(
		config.InstanceConfig{Name: "a", Enabled: true},
		config.InstanceConfig{Name: "b", Enabled: true},
	)
	checker := NewChecker(snapshots, &memMetricStore{}, schemaExecutor(t), &fakeFactory{}, time.Second, testLogger())

	rec := httptest.NewRecorder()
	checker.ReadinessHandler()(rec, httptest.NewRequest("GET", "/healthz/ready", nil))

	assert.Equal(t, 200, rec.Code)
	var report struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusHealthy, report.Status)
}

func TestReadiness_DegradedWhenSomeInstancesFail(t *testing.T) {
	snapshots := snapshotsWith(
		config.InstanceConfig{Name: "a", Enabled: true},
		config.InstanceConfig{Name: "b", Enabled: true},
	)
	factory := &fakeFactory{errs: map[string]error{"b": errors.New("refused")}}
	checker := NewChecker(snapshots, &memMetricStore{}, schemaExecutor(t), factory, time.Second, testLogger())

	rec := httptest.NewRecorder()
	checker.ReadinessHandler()(rec, httptest.NewRequest("GET", "/healthz/ready", nil))

	assert.Equal(t, 200, rec.Code)
	var report struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestReadiness_UnhealthyWhenAllInstancesFail(t *testing.T) {
	snapshots := snapshotsWith(config.InstanceConfig{Name: "a", Enabled: true})
	factory := &fakeFactory{errs: map[string]error{"a": errors.New("refused")}}
	checker := NewChecker(snapshots, &memMetricStore{}, schemaExecutor(t), factory, time.Second, testLogger())

	rec := httptest.NewRecorder()
	checker.ReadinessHandler()(rec, httptest.NewRequest("GET", "/healthz/ready", nil))

	assert.Equal(t, 503, rec.Code)
}

func TestReadiness_UnhealthyWhenStorageDown(t *testing.T) {
	snapshots := snapshotsWith(config.InstanceConfig{Name: "a", Enabled: true})
	metrics := &memMetricStore{pingErr: errors.New("connection refused")}
	checker := NewChecker(snapshots, metrics, schemaExecutor(t), &fakeFactory{}, time.Second, testLogger())

	rec := httptest.NewRecorder()
	checker.ReadinessHandler()(rec, httptest.NewRequest("GET", "/healthz/ready", nil))

	assert.Equal(t, 503, rec.Code)
}

func TestLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest("GET", "/healthz/live", nil))
	assert.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}
