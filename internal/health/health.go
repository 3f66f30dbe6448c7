// Package health exposes the monitor's liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"querymon/internal/config"
	"querymon/internal/dbexec"
	"querymon/internal/logging"
	"querymon/internal/provider"
	"querymon/internal/store"
)

// Status values reported by the readiness probe.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Checker runs the readiness probes.
type Checker struct {
	snapshots *config.Snapshots
	metrics   store.MetricStore
	executor  dbexec.QueryExecutor
	factory   provider.Factory
	timeout   time.Duration
	logger    *logging.Logger

	// onHealthy fires after a fully-healthy readiness check; the job host
	// uses it to resume suspended jobs.
	onHealthy func()
}

// OnHealthy registers a callback invoked after each fully-healthy readiness
// check.
func (c *Checker) OnHealthy(fn func()) {
	c.onHealthy = fn
}

func NewChecker(snapshots *config.Snapshots, metrics store.MetricStore, executor dbexec.QueryExecutor, factory provider.Factory, timeout time.Duration, logger *logging.Logger) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Checker{
		snapshots: snapshots,
		metrics:   metrics,
		executor:  executor,
		factory:   factory,
		timeout:   timeout,
		logger:    logger.WithFields(slog.String("component", "health")),
	}
}

// storageReport is the readiness verdict for the metric store.
type storageReport struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// instanceReport is the readiness verdict for one monitored instance.
type instanceReport struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessReport struct {
	Status    string           `json:"status"`
	Storage   storageReport    `json:"storage"`
	Instances []instanceReport `json:"instances"`
}

// CheckStorage verifies the metric store is reachable and its schema is
// complete.
func (c *Checker) CheckStorage(ctx context.Context) storageReport {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.metrics.Ping(ctx); err != nil {
		return storageReport{Status: StatusUnhealthy, Error: err.Error()}
	}
	if err := store.SchemaComplete(ctx, c.executor); err != nil {
		return storageReport{Status: StatusUnhealthy, Error: err.Error()}
	}
	return storageReport{Status: StatusHealthy}
}

// CheckInstances probes every enabled instance concurrently. The aggregate
// is degraded when some fail and unhealthy when all fail.
func (c *Checker) CheckInstances(ctx context.Context) (string, []instanceReport) {
	instances := c.snapshots.Current().EnabledInstances()
	if len(instances) == 0 {
		return StatusHealthy, nil
	}

	reports := make([]instanceReport, len(instances))
	var wg sync.WaitGroup
	for i, inst := range instances {
		wg.Add(1)
		go func(idx int, inst config.InstanceConfig) {
			defer wg.Done()
			reports[idx] = c.probeInstance(ctx, inst)
		}(i, inst)
	}
	wg.Wait()

	failed := 0
	for _, r := range reports {
		if r.Status != StatusHealthy {
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusHealthy, reports
	case failed == len(reports):
		return StatusUnhealthy, reports
	default:
		return StatusDegraded, reports
	}
}

func (c *Checker) probeInstance(ctx context.Context, inst config.InstanceConfig) instanceReport {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prov, err := c.factory.Open(ctx, inst.Name, inst.ConnectionString)
	if err != nil {
		return instanceReport{Name: inst.Name, Status: StatusUnhealthy, Error: err.Error()}
	}
	defer func() { _ = prov.Close() }()

	if err := prov.TestConnection(ctx); err != nil {
		return instanceReport{Name: inst.Name, Status: StatusUnhealthy, Error: err.Error()}
	}
	return instanceReport{Name: inst.Name, Status: StatusHealthy}
}

// LivenessHandler answers while the process is responsive.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}
}

// ReadinessHandler aggregates the storage and instance probes. Storage
// failure or a fully-unreachable fleet yields 503; partial instance failure
// reports degraded with 200.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())

		report := readinessReport{Storage: c.CheckStorage(r.Context())}
		instStatus, instances := c.CheckInstances(r.Context())
		report.Instances = instances

		switch {
		case report.Storage.Status != StatusHealthy || instStatus == StatusUnhealthy:
			report.Status = StatusUnhealthy
		case instStatus == StatusDegraded:
			report.Status = StatusDegraded
		default:
			report.Status = StatusHealthy
		}

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			reqLogger.Warn("readiness check failed",
				slog.String("storage", report.Storage.Status),
				slog.String("instances", instStatus),
			)
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			if report.Status == StatusHealthy && c.onHealthy != nil {
				c.onHealthy()
			}
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}
