// Package scheduler hosts the monitor's periodic jobs. Each job owns its own
// failure counter and backoff; all jobs share the context passed to Start.
// A panic or error in one job never disturbs another.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"querymon/internal/alert"
	"querymon/internal/errkind"
	"querymon/internal/logging"
	"querymon/internal/observability"
)

// Job is one schedulable unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function to the Job interface.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Name() string                  { return j.JobName }
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

// Schedule decides when a job runs next.
type Schedule interface {
	// First returns the delay before the first run.
	First(now time.Time) time.Duration
	// Next returns the delay before the following run, given when the last
	// run started and how long it took.
	Next(now time.Time, elapsed time.Duration) time.Duration
}

// IntervalSchedule runs a job every Interval, measured start-to-start. An
// overrunning job triggers the next run immediately; runs never queue.
type IntervalSchedule struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

func (s IntervalSchedule) First(time.Time) time.Duration {
	return s.StartupDelay
}

func (s IntervalSchedule) Next(_ time.Time, elapsed time.Duration) time.Duration {
	wait := s.Interval - elapsed
	if wait < 0 {
		wait = 0
	}
	return wait
}

// TimeOfDaySchedule runs a job at a fixed UTC time daily. Fires missed while
// the process was down are not backfilled.
type TimeOfDaySchedule struct {
	Hour   int
	Minute int
}

func (s TimeOfDaySchedule) First(now time.Time) time.Duration {
	return time.Until(s.nextAfter(now))
}

func (s TimeOfDaySchedule) Next(now time.Time, _ time.Duration) time.Duration {
	return time.Until(s.nextAfter(now))
}

// nextAfter computes the next UTC instant matching the configured time,
// rolling to tomorrow when today's slot has passed.
func (s TimeOfDaySchedule) nextAfter(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Backoff policy applied after failed runs.
type Backoff struct {
	Base        time.Duration // default 30s
	Cap         time.Duration // default 10m
	MaxFailures int           // consecutive failures before suspension, default 5
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = 30 * time.Second
	}
	if b.Cap <= 0 {
		b.Cap = 10 * time.Minute
	}
	if b.MaxFailures <= 0 {
		b.MaxFailures = 5
	}
	return b
}

// wait returns the backoff delay for the nth consecutive failure (1-based).
func (b Backoff) wait(failures int) time.Duration {
	wait := b.Base
	for i := 1; i < failures; i++ {
		wait *= 2
		if wait >= b.Cap {
			return b.Cap
		}
	}
	if wait > b.Cap {
		return b.Cap
	}
	return wait
}

// JobStatus is a point-in-time view of one hosted job.
type JobStatus struct {
	Name                string
	LastStarted         time.Time
	LastCompleted       time.Time
	LastError           string
	ConsecutiveFailures int
	Suspended           bool
	Runs                int64
}

type hostedJob struct {
	job      Job
	schedule Schedule
	backoff  Backoff

	mu     sync.Mutex
	status JobStatus
	resume chan struct{}
}

// Scheduler runs hosted jobs until its context is cancelled.
type Scheduler struct {
	logger  *logging.Logger
	metrics *observability.SchedulerMetrics
	sink    alert.Sink
	jobs    []*hostedJob
	wg      sync.WaitGroup
}

func New(logger *logging.Logger, metrics *observability.SchedulerMetrics) *Scheduler {
	return &Scheduler{
		logger:  logger.WithFields(slog.String("component", "scheduler")),
		metrics: metrics,
	}
}

// SetSink routes job-suspension notifications to an alert sink. Must be
// called before Start.
func (s *Scheduler) SetSink(sink alert.Sink) {
	s.sink = sink
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(job Job, schedule Schedule, backoff Backoff) {
	s.jobs = append(s.jobs, &hostedJob{
		job:      job,
		schedule: schedule,
		backoff:  backoff.withDefaults(),
		status:   JobStatus{Name: job.Name()},
		resume:   make(chan struct{}, 1),
	})
}

// Start launches every job loop in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	for _, hj := range s.jobs {
		s.wg.Add(1)
		go func(hj *hostedJob) {
			defer s.wg.Done()
			s.runLoop(ctx, hj)
		}(hj)
	}
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
}

// Wait blocks until all job loops exit or ctx is cancelled, in the manner of
// a graceful drain window.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Statuses reports every job's current state.
func (s *Scheduler) Statuses() []JobStatus {
	out := make([]JobStatus, 0, len(s.jobs))
	for _, hj := range s.jobs {
		hj.mu.Lock()
		out = append(out, hj.status)
		hj.mu.Unlock()
	}
	return out
}

// Resume clears a suspended job so its loop continues. Also used after a
// successful health check.
func (s *Scheduler) Resume(name string) bool {
	for _, hj := range s.jobs {
		if hj.job.Name() != name {
			continue
		}
		hj.mu.Lock()
		wasSuspended := hj.status.Suspended
		hj.status.Suspended = false
		hj.status.ConsecutiveFailures = 0
		hj.mu.Unlock()
		if wasSuspended {
			select {
			case hj.resume <- struct{}{}:
			default:
			}
		}
		return wasSuspended
	}
	return false
}

func (s *Scheduler) runLoop(ctx context.Context, hj *hostedJob) {
	jobLogger := s.logger.WithFields(slog.String("job", hj.job.Name()))

	if !sleep(ctx, hj.schedule.First(time.Now().UTC())) {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now().UTC()
		err := s.runOnce(ctx, hj, jobLogger)
		elapsed := time.Since(started)

		if errkind.IsCancelled(err) {
			return
		}
		s.metrics.RecordJobRun(ctx, hj.job.Name(), err == nil)

		var wait time.Duration
		if err != nil {
			failures := s.recordFailure(hj, err)
			if failures >= hj.backoff.MaxFailures {
				s.suspend(ctx, hj, jobLogger, err)
				s.metrics.RecordSuspended(ctx, s.suspendedCount())
				if !s.awaitResume(ctx, hj) {
					return
				}
				s.metrics.RecordSuspended(ctx, s.suspendedCount())
				wait = 0
			} else {
				wait = hj.backoff.wait(failures)
				jobLogger.Warn("job run failed",
					slog.String("error", err.Error()),
					slog.Int("consecutive_failures", failures),
					slog.Duration("retry_in", wait),
				)
			}
		} else {
			s.recordSuccess(hj)
			wait = hj.schedule.Next(time.Now().UTC(), elapsed)
		}

		if !sleep(ctx, wait) {
			return
		}
	}
}

// runOnce executes the job with panic isolation.
func (s *Scheduler) runOnce(ctx context.Context, hj *hostedJob, logger *logging.Logger) (err error) {
	hj.mu.Lock()
	hj.status.LastStarted = time.Now().UTC()
	hj.status.Runs++
	hj.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = errkind.Newf(errkind.Internal, "job panicked: %v", r)
			logger.Error("job panicked", slog.Any("panic", r))
		}
		hj.mu.Lock()
		hj.status.LastCompleted = time.Now().UTC()
		hj.mu.Unlock()
	}()

	return hj.job.Run(ctx)
}

func (s *Scheduler) recordFailure(hj *hostedJob, err error) int {
	hj.mu.Lock()
	defer hj.mu.Unlock()
	hj.status.ConsecutiveFailures++
	hj.status.LastError = err.Error()
	return hj.status.ConsecutiveFailures
}

func (s *Scheduler) recordSuccess(hj *hostedJob) {
	hj.mu.Lock()
	defer hj.mu.Unlock()
	hj.status.ConsecutiveFailures = 0
	hj.status.LastError = ""
}

func (s *Scheduler) suspend(ctx context.Context, hj *hostedJob, logger *logging.Logger, err error) {
	hj.mu.Lock()
	hj.status.Suspended = true
	failures := hj.status.ConsecutiveFailures
	hj.mu.Unlock()
	logger.Error("job suspended after repeated failures",
		slog.Int("consecutive_failures", failures),
		slog.String("error", err.Error()),
	)
	if s.sink != nil {
		_ = s.sink.Notify(ctx, alert.Notification{
			Kind:  alert.KindJobSuspended,
			Title: fmt.Sprintf("job %s suspended", hj.job.Name()),
			Fields: map[string]any{
				"consecutive_failures": failures,
				"error":                err.Error(),
			},
		})
	}
}

func (s *Scheduler) suspendedCount() int {
	count := 0
	for _, hj := range s.jobs {
		hj.mu.Lock()
		if hj.status.Suspended {
			count++
		}
		hj.mu.Unlock()
	}
	return count
}

// awaitResume parks a suspended job until Resume is called or the scheduler
// stops.
func (s *Scheduler) awaitResume(ctx context.Context, hj *hostedJob) bool {
	select {
	case <-ctx.Done():
		return false
	case <-hj.resume:
		return true
	}
}

// sleep waits d, honouring cancellation. Returns false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// String renders a status line for logs and the operator surface.
func (js JobStatus) String() string {
	state := "idle"
	if js.Suspended {
		state = "suspended"
	}
	return fmt.Sprintf("%s: %s (runs=%d, failures=%d)", js.Name, state, js.Runs, js.ConsecutiveFailures)
}
