package remediation

import (
	"strings"
	"testing"
	"time"

	"querymon/internal/store"
)

func basePolicy() Policy {
	return Policy{
		Enabled:           true,
		Mode:              ModeAutoApplyLow,
		ApprovalThreshold: RiskMedium,
		MaxPerHour:        3,
	}
}

func lowRiskRequest() Request {
	return Request{
		Instance:        "prod-1",
		Database:        "orders",
		RemediationType: "recompile",
		SQLText:         "ALTER TABLE orders COMPACT",
		Risk:            RiskLow,
	}
}

var evalNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEvaluate_GateOrder(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request, *Policy)
		reason string
	}{
		{
			name:   "kill switch first",
			mutate: func(r *Request, p *Policy) { p.Enabled = false; p.Mode = ModeReadOnly },
			reason: "globally disabled",
		},
		{
			name:   "read only mode",
			mutate: func(r *Request, p *Policy) { p.Mode = ModeReadOnly },
			reason: "read-only",
		},
		{
			name:   "suggest mode never executes",
			mutate: func(r *Request, p *Policy) { p.Mode = ModeSuggest },
			reason: "execution not permitted",
		},
		{
			name:   "auto apply rejects medium risk",
			mutate: func(r *Request, p *Policy) { r.Risk = RiskMedium },
			reason: "exceeds Low threshold",
		},
		{
			name:   "excluded database",
			mutate: func(r *Request, p *Policy) { p.ExcludedDatabases = []string{"ORDERS"} },
			reason: "excluded by policy",
		},
		{
			name:   "approval threshold of Low blocks everything",
			mutate: func(r *Request, p *Policy) { p.ApprovalThreshold = RiskLow },
			reason: "requires approval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := lowRiskRequest()
			policy := basePolicy()
			tt.mutate(&req, &policy)
			d := Evaluate(req, policy, nil, evalNow)
			if d.Permitted {
				t.Fatal("expected denial")
			}
			if !strings.Contains(d.Reason, tt.reason) {
				t.Errorf("reason %q does not contain %q", d.Reason, tt.reason)
			}
		})
	}
}

func TestEvaluate_SystemDatabaseProtected(t *testing.T) {
	// Case-insensitive, and independent of every other setting.
	for _, db := range []string{"TempDB", "master", "MSDB", "Model", "RESOURCE"} {
		req := lowRiskRequest()
		req.Database = db
		d := Evaluate(req, basePolicy(), nil, evalNow)
		if d.Permitted {
			t.Errorf("system database %s must be protected", db)
		}
		if !strings.Contains(d.Reason, "system database") {
			t.Errorf("reason = %q, want system database denial", d.Reason)
		}
	}
}

func auditRecords(n int, success, dryRun bool, at time.Time) []store.AuditRecord {
	var out []store.AuditRecord
	for i := 0; i < n; i++ {
		out = append(out, store.AuditRecord{Success: success, DryRun: dryRun, CreatedAt: at})
	}
	return out
}

func TestEvaluate_RateLimit(t *testing.T) {
	recent := evalNow.Add(-30 * time.Minute)

	// Three executed remediations in the last hour exhaust the budget.
	d := Evaluate(lowRiskRequest(), basePolicy(), auditRecords(3, true, false, recent), evalNow)
	if d.Permitted {
		t.Fatal("expected rate-limit denial")
	}
	if !strings.Contains(strings.ToLower(d.Reason), "rate limit") {
		t.Errorf("reason = %q", d.Reason)
	}

	// The same records as dry-runs do not count.
	d = Evaluate(lowRiskRequest(), basePolicy(), auditRecords(3, true, true, recent), evalNow)
	if !d.Permitted {
		t.Errorf("dry-runs must not count toward the rate limit: %s", d.Reason)
	}

	// Failed attempts do not count either.
	d = Evaluate(lowRiskRequest(), basePolicy(), auditRecords(3, false, false, recent), evalNow)
	if !d.Permitted {
		t.Errorf("failures must not count toward the rate limit: %s", d.Reason)
	}

	// Records older than an hour fall out of the budget.
	stale := evalNow.Add(-2 * time.Hour)
	d = Evaluate(lowRiskRequest(), basePolicy(), auditRecords(3, true, false, stale), evalNow)
	if !d.Permitted {
		t.Errorf("stale records must not count: %s", d.Reason)
	}
}

func TestEvaluate_MaintenanceWindowWrapAround(t *testing.T) {
	policy := basePolicy()
	policy.RequireMaintenanceWindow = true
	policy.WindowStartHour = 22
	policy.WindowEndHour = 4

	tests := []struct {
		hour   int
		inside bool
	}{
		{21, false},
		{22, true},
		{23, true},
		{0, true},
		{3, true}, // 03:59 is still hour 3
		{4, false},
		{12, false},
	}
	for _, tt := range tests {
		now := time.Date(2026, 3, 1, tt.hour, 59, 0, 0, time.UTC)
		d := Evaluate(lowRiskRequest(), policy, nil, now)
		if d.Permitted != tt.inside {
			t.Errorf("hour %02d: permitted = %v, want %v (%s)", tt.hour, d.Permitted, tt.inside, d.Reason)
		}
	}
}

func TestEvaluate_PermitCarriesDryRunFlag(t *testing.T) {
	policy := basePolicy()
	policy.DryRun = true
	d := Evaluate(lowRiskRequest(), policy, nil, evalNow)
	if !d.Permitted {
		t.Fatalf("expected permit, got %s", d.Reason)
	}
	if !d.IsDryRun {
		t.Error("permit must carry the configured dry-run flag")
	}
}

func TestEvaluate_Pure(t *testing.T) {
	req := lowRiskRequest()
	policy := basePolicy()
	history := auditRecords(2, true, false, evalNow.Add(-10*time.Minute))

	first := Evaluate(req, policy, history, evalNow)
	for i := 0; i < 5; i++ {
		if got := Evaluate(req, policy, history, evalNow); got != first {
			t.Fatal("identical inputs must yield identical decisions")
		}
	}
}
