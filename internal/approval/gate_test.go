package approval

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftwork/weft/internal/engine"
	"github.com/weftwork/weft/internal/rbac"
	"github.com/weftwork/weft/internal/store"
	"github.com/weftwork/weft/pkg/schema"
)

type fakeResumer struct {
	outcomes []*engine.ApprovalOutcome
	err      error
}

func (f *fakeResumer) ResumeRun(_ context.Context, tenantID, runID string, outcome *engine.ApprovalOutcome) (*engine.RunResult, error) {
	f.outcomes = append(f.outcomes, outcome)
	if f.err != nil {
		return nil, f.err
	}
	return &engine.RunResult{RunID: runID, Status: schema.RunStatusSucceeded}, nil
}

func newGateHarness(t *testing.T) (*Gate, store.Store, *fakeResumer) {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "gate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	resumer := &fakeResumer{}
	return NewGate(s, resumer, nil), s, resumer
}

func seedTask(t *testing.T, s store.Store, tenantID, id string, expires *time.Time) *store.ApprovalTask {
	t.Helper()
	task := &store.ApprovalTask{
		ID:           id,
		TenantID:     tenantID,
		RunID:        "run-1",
		NodeID:       "gate",
		ApproverRole: rbac.RoleOperator,
		Context:      json.RawMessage(`[{"order":9}]`),
		Decision:     schema.DecisionPending,
		ExpiresAt:    expires,
	}
	require.NoError(t, s.CreateApproval(context.Background(), task))
	return task
}

func TestGate_ListOpen(t *testing.T) {
	gate, s, _ := newGateHarness(t)
	seedTask(t, s, "acme", "task-1", nil)
	seedTask(t, s, "acme", "task-2", nil)
	seedTask(t, s, "globex", "task-3", nil)

	tasks, err := gate.ListOpen(context.Background(), rbac.RoleOperator, "acme", "", 0)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	_, err = gate.ListOpen(context.Background(), rbac.RoleBuilder, "acme", "", 0)
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodePermissionDenied, werr.Code)
}

func TestGate_DecideApproves(t *testing.T) {
	gate, s, resumer := newGateHarness(t)
	seedTask(t, s, "acme", "task-1", nil)

	result, err := gate.Decide(context.Background(), Decision{
		TenantID:  "acme",
		TaskID:    "task-1",
		Approve:   true,
		DecidedBy: "ops@acme",
		Role:      rbac.RoleOperator,
		Payload:   json.RawMessage(`{"note":"ship it"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, result.Status)

	require.Len(t, resumer.outcomes, 1)
	outcome := resumer.outcomes[0]
	assert.True(t, outcome.Approved)
	assert.False(t, outcome.Expired)
	assert.JSONEq(t, `{"note":"ship it"}`, string(outcome.Payload))
	assert.Equal(t, schema.DecisionApproved, outcome.Task.Decision)
	assert.Equal(t, "ops@acme", outcome.Task.DecidedBy)

	stored, err := s.GetApproval(context.Background(), "acme", "task-1")
	require.NoError(t, err)
	assert.Equal(t, schema.DecisionApproved, stored.Decision)
}

func TestGate_DecideRejects(t *testing.T) {
	gate, s, resumer := newGateHarness(t)
	seedTask(t, s, "acme", "task-1", nil)

	_, err := gate.Decide(context.Background(), Decision{
		TenantID:  "acme",
		TaskID:    "task-1",
		Approve:   false,
		DecidedBy: "ops@acme",
		Role:      rbac.RoleAdmin,
		Reason:    "amount over limit",
	})
	require.NoError(t, err)

	require.Len(t, resumer.outcomes, 1)
	assert.False(t, resumer.outcomes[0].Approved)
	assert.Equal(t, "amount over limit", resumer.outcomes[0].Task.Reason)
}

func TestGate_DecideEnforcesRole(t *testing.T) {
	gate, s, resumer := newGateHarness(t)
	seedTask(t, s, "acme", "task-1", nil)

	_, err := gate.Decide(context.Background(), Decision{
		TenantID: "acme", TaskID: "task-1", Approve: true,
		DecidedBy: "viewer@acme", Role: rbac.RoleViewer,
	})
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodePermissionDenied, werr.Code)
	assert.Empty(t, resumer.outcomes)

	stored, err := s.GetApproval(context.Background(), "acme", "task-1")
	require.NoError(t, err)
	assert.Equal(t, schema.DecisionPending, stored.Decision)
}

func TestGate_DecideTwiceConflicts(t *testing.T) {
	gate, s, _ := newGateHarness(t)
	seedTask(t, s, "acme", "task-1", nil)

	_, err := gate.Decide(context.Background(), Decision{
		TenantID: "acme", TaskID: "task-1", Approve: true,
		DecidedBy: "ops@acme", Role: rbac.RoleOperator,
	})
	require.NoError(t, err)

	_, err = gate.Decide(context.Background(), Decision{
		TenantID: "acme", TaskID: "task-1", Approve: false,
		DecidedBy: "ops@acme", Role: rbac.RoleOperator,
	})
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeConflict, werr.Code)
}

func TestGate_DecideUnknownTask(t *testing.T) {
	gate, _, _ := newGateHarness(t)
	_, err := gate.Decide(context.Background(), Decision{
		TenantID: "acme", TaskID: "ghost", Approve: true,
		DecidedBy: "ops@acme", Role: rbac.RoleOperator,
	})
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeNotFound, werr.Code)
}

func TestGate_SweepExpired(t *testing.T) {
	gate, s, resumer := newGateHarness(t)
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	seedTask(t, s, "acme", "stale", &past)
	seedTask(t, s, "acme", "fresh", &future)
	seedTask(t, s, "acme", "open-ended", nil)

	n, err := gate.SweepExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, resumer.outcomes, 1)
	assert.True(t, resumer.outcomes[0].Expired)
	assert.Equal(t, "stale", resumer.outcomes[0].Task.ID)

	// Sweeping again finds nothing new.
	n, err = gate.SweepExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGate_SweepSurvivesResumeFailure(t *testing.T) {
	gate, s, resumer := newGateHarness(t)
	resumer.err = schema.NewError(schema.ErrCodeConflict, "run not waiting")
	past := time.Now().Add(-time.Minute)
	seedTask(t, s, "acme", "stale-1", &past)
	seedTask(t, s, "globex", "stale-2", &past)

	n, err := gate.SweepExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, resumer.outcomes, 2)
}
