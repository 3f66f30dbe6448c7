package remediation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"querymon/internal/errkind"
	"querymon/internal/logging"
	"querymon/internal/observability"
	"querymon/internal/store"
)

// Runner executes remediation SQL against a monitored instance. Kept as an
// interface so the guard and audit plumbing stay testable without a live
// fleet.
type Runner interface {
	Exec(ctx context.Context, instance, database, sqlText string) error
}

// Applier consults the guard and, when permitted, performs the attempt and
// writes the audit record. Denials are logged, never audited.
type Applier struct {
	audit   store.AuditStore
	runner  Runner
	logger  *logging.Logger
	metrics *observability.RemediationMetrics

	actor          string
	host           string
	serviceVersion string
}

func NewApplier(audit store.AuditStore, runner Runner, actor, host, serviceVersion string, metrics *observability.RemediationMetrics, logger *logging.Logger) *Applier {
	return &Applier{
		audit:          audit,
		runner:         runner,
		logger:         logger.WithFields(slog.String("component", "remediation")),
		metrics:        metrics,
		actor:          actor,
		host:           host,
		serviceVersion: serviceVersion,
	}
}

// Apply evaluates the request against policy and recent audit history, then
// runs it if permitted. The returned decision reflects the guard verdict;
// the error reflects the attempt itself (nil on denial).
func (a *Applier) Apply(ctx context.Context, req Request, policy Policy, now time.Time) (Decision, error) {
	history, err := a.audit.RecentAttempts(ctx, now.Add(-time.Hour))
	if err != nil {
		return Decision{}, errkind.Wrap(errkind.StorageUnavailable, "load audit history", err)
	}

	decision := Evaluate(req, policy, history, now)
	a.metrics.RecordDecision(ctx, decision.Permitted)
	if !decision.Permitted {
		a.logger.Info("remediation denied",
			slog.String("instance", req.Instance),
			slog.String("db", req.Database),
			slog.String("type", req.RemediationType),
			slog.String("risk", string(req.Risk)),
			slog.String("reason", decision.Reason),
		)
		return decision, nil
	}

	rec := store.AuditRecord{
		ID:              uuid.NewString(),
		Instance:        req.Instance,
		Database:        req.Database,
		FingerprintID:   req.FingerprintID,
		RemediationType: req.RemediationType,
		SQLText:         req.SQLText,
		DryRun:          decision.IsDryRun,
		Actor:           a.actor,
		Host:            a.host,
		ServiceVersion:  a.serviceVersion,
		CreatedAt:       now,
	}

	start := time.Now()
	var execErr error
	if decision.IsDryRun {
		a.logger.Info("remediation dry-run",
			slog.String("instance", req.Instance),
			slog.String("db", req.Database),
			slog.String("type", req.RemediationType),
		)
	} else {
		execErr = a.runner.Exec(ctx, req.Instance, req.Database, req.SQLText)
	}
	rec.Duration = time.Since(start)
	rec.Success = execErr == nil
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	a.metrics.RecordAttempt(ctx, rec.Success, rec.DryRun)

	if auditErr := a.audit.Append(ctx, rec); auditErr != nil {
		// The attempt outcome still matters more than the bookkeeping
		// failure, but losing audit is loud.
		a.logger.Error("audit append failed",
			slog.String("record_id", rec.ID),
			slog.String("error", auditErr.Error()),
		)
		if execErr == nil {
			return decision, auditErr
		}
	}

	if execErr != nil {
		a.logger.Warn("remediation failed",
			slog.String("instance", req.Instance),
			slog.String("db", req.Database),
			slog.String("type", req.RemediationType),
			slog.String("error", execErr.Error()),
		)
		return decision, execErr
	}

	a.logger.Info("remediation applied",
		slog.String("instance", req.Instance),
		slog.String("db", req.Database),
		slog.String("type", req.RemediationType),
		slog.Bool("dry_run", rec.DryRun),
		slog.Duration("duration", rec.Duration),
	)
	return decision, nil
}
