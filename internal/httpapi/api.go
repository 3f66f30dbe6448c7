// Package httpapi is the monitor's operator surface: regression event
// triage, audit inspection, remediation proposals, and runtime controls.
// All endpoints sit behind the admin-token middleware.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"querymon/internal/analysis"
	"querymon/internal/config"
	"querymon/internal/errkind"
	"querymon/internal/logging"
	"querymon/internal/remediation"
	"querymon/internal/scheduler"
	"querymon/internal/store"
)

// API aggregates the operator endpoints.
type API struct {
	snapshots *config.Snapshots
	detector  *analysis.Detector
	audit     store.AuditStore
	applier   *remediation.Applier
	sched     *scheduler.Scheduler
	rebuild   func(r *http.Request) error
	logger    *logging.Logger
}

func New(snapshots *config.Snapshots, detector *analysis.Detector, audit store.AuditStore, applier *remediation.Applier, sched *scheduler.Scheduler, rebuild func(r *http.Request) error, logger *logging.Logger) *API {
	return &API{
		snapshots: snapshots,
		detector:  detector,
		audit:     audit,
		applier:   applier,
		sched:     sched,
		rebuild:   rebuild,
		logger:    logger.WithFields(slog.String("component", "api")),
	}
}

// Register mounts all operator routes on the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/events", a.listEvents)
	mux.HandleFunc("POST /api/events/{id}/acknowledge", a.transitionEvent(a.detector.Acknowledge))
	mux.HandleFunc("POST /api/events/{id}/resolve", a.transitionEvent(a.detector.Resolve))
	mux.HandleFunc("POST /api/events/{id}/dismiss", a.transitionEvent(a.detector.Dismiss))
	mux.HandleFunc("GET /api/audit", a.listAudit)
	mux.HandleFunc("POST /api/remediations", a.proposeRemediation)
	mux.HandleFunc("POST /api/jobs/{name}/resume", a.resumeJob)
	mux.HandleFunc("GET /api/jobs", a.listJobs)
	mux.HandleFunc("POST /api/config/reload", a.reloadConfig)
	mux.HandleFunc("POST /api/baseline/rebuild", a.rebuildBaselines)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errkind.KindOf(err) {
	case errkind.BadInput:
		status = http.StatusBadRequest
	case errkind.StorageUnavailable:
		status = http.StatusServiceUnavailable
	case errkind.PolicyDenied:
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.detector.OpenEvents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []store.RegressionEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) transitionEvent(fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := fn(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		logging.FromContext(r.Context()).Info("event transitioned", slog.String("event_id", id))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (a *API) listAudit(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, errkind.Newf(errkind.BadInput, "invalid since %q", raw))
			return
		}
		since = parsed
	}
	records, err := a.audit.RecentAttempts(r.Context(), since)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []store.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

type remediationRequest struct {
	Instance        string `json:"instance"`
	Database        string `json:"database"`
	FingerprintID   int64  `json:"fingerprint_id"`
	RemediationType string `json:"remediation_type"`
	SQLText         string `json:"sql_text"`
	Risk            string `json:"risk"`
}

func (a *API) proposeRemediation(w http.ResponseWriter, r *http.Request) {
	var body remediationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errkind.Wrap(errkind.BadInput, "decode remediation request", err))
		return
	}
	if body.Instance == "" || body.Database == "" || body.SQLText == "" {
		writeError(w, errkind.New(errkind.BadInput, "instance, database and sql_text are required"))
		return
	}

	cfg := a.snapshots.Current()
	policy := remediation.Policy{
		Enabled:                  cfg.Security.EnableRemediation,
		Mode:                     remediation.Mode(cfg.Security.Mode),
		DryRun:                   cfg.Security.DryRun,
		ApprovalThreshold:        remediation.RiskLevel(cfg.Security.ApprovalThreshold),
		ExcludedDatabases:        cfg.Security.ExcludedDatabases,
		MaxPerHour:               cfg.Security.MaxRemediationsPerHour,
		RequireMaintenanceWindow: cfg.Security.RequireMaintenanceWindow,
		WindowStartHour:          cfg.Security.MaintenanceWindowStart,
		WindowEndHour:            cfg.Security.MaintenanceWindowEnd,
	}

	req := remediation.Request{
		Instance:        body.Instance,
		Database:        body.Database,
		FingerprintID:   body.FingerprintID,
		RemediationType: body.RemediationType,
		SQLText:         body.SQLText,
		Risk:            remediation.RiskLevel(body.Risk),
	}

	decision, err := a.applier.Apply(r.Context(), req, policy, time.Now().UTC())
	if err != nil && !decision.Permitted {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if !decision.Permitted {
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]any{
		"permitted": decision.Permitted,
		"reason":    decision.Reason,
		"dry_run":   decision.IsDryRun,
		"error":     errString(err),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (a *API) resumeJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	resumed := a.sched.Resume(name)
	logging.FromContext(r.Context()).Info("job resume requested",
		slog.String("job", name),
		slog.Bool("was_suspended", resumed),
	)
	writeJSON(w, http.StatusOK, map[string]any{"job": name, "resumed": resumed})
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": a.sched.Statuses()})
}

func (a *API) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := a.snapshots.Reload(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) rebuildBaselines(w http.ResponseWriter, r *http.Request) {
	if a.rebuild == nil {
		writeError(w, errkind.New(errkind.Internal, "rebuild not wired"))
		return
	}
	if err := a.rebuild(r); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
