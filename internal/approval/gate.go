// Package approval exposes the human-in-the-loop surface: listing open
// review tasks, recording decisions, and sweeping expired deadlines. It sits
// between callers (API, CLI) and the coordinator, enforcing the role matrix
// before any decision reaches a run.
package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/weftwork/weft/internal/engine"
	"github.com/weftwork/weft/internal/rbac"
	"github.com/weftwork/weft/internal/store"
	"github.com/weftwork/weft/pkg/schema"
)

// Resumer continues a waiting run once its gate has been decided.
type Resumer interface {
	ResumeRun(ctx context.Context, tenantID, runID string, outcome *engine.ApprovalOutcome) (*engine.RunResult, error)
}

// Gate is the approval task service.
type Gate struct {
	store   store.Store
	resumer Resumer
	logger  *slog.Logger
}

func NewGate(s store.Store, resumer Resumer, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: s, resumer: resumer, logger: logger.With("component", "approval")}
}

// ListOpen returns pending tasks for a tenant, optionally scoped to one run.
func (g *Gate) ListOpen(ctx context.Context, role, tenantID, runID string, limit int) ([]*store.ApprovalTask, error) {
	if err := rbac.Require(role, rbac.EntityReviewTask, rbac.ActionRead); err != nil {
		return nil, err
	}
	pending := schema.DecisionPending
	return g.store.ListApprovals(ctx, store.ApprovalFilter{
		TenantID: tenantID,
		RunID:    runID,
		Decision: &pending,
		Limit:    limit,
	})
}

// Decision is one reviewer verdict on an open task.
type Decision struct {
	TenantID  string          `json:"tenant_id"`
	TaskID    string          `json:"task_id"`
	Approve   bool            `json:"approve"`
	DecidedBy string          `json:"decided_by"`
	Role      string          `json:"role"`
	Reason    string          `json:"reason,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decide persists the verdict and resumes the owning run. The returned
// result reflects the run after resumption, which may itself be waiting on a
// later gate.
func (g *Gate) Decide(ctx context.Context, d Decision) (*engine.RunResult, error) {
	action := rbac.ActionApprove
	verdict := schema.DecisionApproved
	if !d.Approve {
		action = rbac.ActionReject
		verdict = schema.DecisionRejected
	}
	if err := rbac.Require(d.Role, rbac.EntityReviewTask, action); err != nil {
		return nil, err
	}

	task, err := g.store.GetApproval(ctx, d.TenantID, d.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Decision != schema.DecisionPending {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "approval task %q already decided", d.TaskID)
	}
	if err := g.store.DecideApproval(ctx, d.TenantID, d.TaskID, verdict, d.DecidedBy, d.Reason, d.Payload); err != nil {
		return nil, err
	}
	task, err = g.store.GetApproval(ctx, d.TenantID, d.TaskID)
	if err != nil {
		return nil, err
	}

	g.logger.Info("approval decided",
		"tenant_id", d.TenantID, "task_id", d.TaskID,
		"run_id", task.RunID, "decision", string(verdict), "decided_by", d.DecidedBy)

	return g.resumer.ResumeRun(ctx, d.TenantID, task.RunID, &engine.ApprovalOutcome{
		Task:     task,
		Approved: d.Approve,
		Payload:  d.Payload,
	})
}

// SweepExpired rejects tasks past their deadline and resumes their runs with
// a timeout outcome. It returns the number of tasks swept; individual resume
// failures are logged and skipped so one stuck run cannot stall the sweep.
func (g *Gate) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := g.store.ExpireApprovals(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, task := range expired {
		_, err := g.resumer.ResumeRun(ctx, task.TenantID, task.RunID, &engine.ApprovalOutcome{
			Task:    task,
			Expired: true,
		})
		if err != nil {
			g.logger.Warn("resume after approval expiry failed",
				"tenant_id", task.TenantID, "run_id", task.RunID, "task_id", task.ID, "error", err)
		}
	}
	return len(expired), nil
}

// RunSweeper expires approvals on a fixed cadence until ctx is done.
func (g *Gate) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n, err := g.SweepExpired(ctx, now); err != nil {
				g.logger.Error("approval sweep failed", "error", err)
			} else if n > 0 {
				g.logger.Info("approvals expired", "count", n)
			}
		}
	}
}
