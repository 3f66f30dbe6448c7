// Package alert defines the boundary to alert-channel transports. The
// concrete channels (mail, chat, webhooks) live outside the monitor; the
// core only emits structured notifications through the Sink interface.
package alert

import (
	"context"
	"log/slog"

	"querymon/internal/logging"
	"querymon/internal/store"
)

// Kind classifies a notification.
type Kind string

const (
	KindRegression   Kind = "regression"
	KindAutoResolved Kind = "auto_resolved"
	KindDailySummary Kind = "daily_summary"
	KindJobSuspended Kind = "job_suspended"
)

// Notification is one outbound alert.
type Notification struct {
	Kind     Kind
	Severity store.Severity
	Title    string
	Body     string
	// Fields carries structured details for transports that support them.
	Fields map[string]any
}

// Sink delivers notifications. Implementations must honour ctx cancellation.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the structured log. It is the default sink
// and the fallback when no transport is configured.
type LogSink struct {
	logger *logging.Logger
}

func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger.WithFields(slog.String("component", "alerts"))}
}

func (s *LogSink) Notify(_ context.Context, n Notification) error {
	attrs := []any{
		slog.String("kind", string(n.Kind)),
		slog.String("title", n.Title),
	}
	if n.Severity != "" {
		attrs = append(attrs, slog.String("severity", string(n.Severity)))
	}
	for k, v := range n.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	if n.Body != "" {
		attrs = append(attrs, slog.String("body", n.Body))
	}
	s.logger.Info("alert", attrs...)
	return nil
}

// Fanout delivers to every sink, returning the first error after attempting
// all.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, sink := range f {
		if err := sink.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
