package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftwork/weft/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedVersion(t *testing.T, s *LibSQLStore, tenantID string) *VersionRecord {
	t.Helper()
	rec := &VersionRecord{
		ID:         uuid.New().String(),
		WorkflowID: uuid.New().String(),
		TenantID:   tenantID,
		Name:       "order-followup",
		Definition: schema.WorkflowVersion{
			Nodes: []schema.Node{
				{ID: "start", Type: schema.NodeTypeManualTrigger},
				{ID: "fetch", Type: schema.NodeTypeHTTPRequest},
			},
			Edges: []schema.Edge{{Source: "start", Target: "fetch"}},
		},
	}
	rec.Definition.ID = rec.ID
	rec.Definition.WorkflowID = rec.WorkflowID
	rec.Definition.TenantID = tenantID
	require.NoError(t, s.PutVersion(context.Background(), rec))
	return rec
}

func seedRun(t *testing.T, s *LibSQLStore, tenantID string) *Run {
	t.Helper()
	v := seedVersion(t, s, tenantID)
	run := &Run{
		ID:         uuid.New().String(),
		WorkflowID: v.WorkflowID,
		VersionID:  v.ID,
		TenantID:   tenantID,
		Status:     schema.RunStatusQueued,
		Input:      json.RawMessage(`[{"order_id": 42}]`),
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// --- Version tests ---

func TestPutAndGetVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := seedVersion(t, s, "acme")

	got, err := s.GetVersion(ctx, "acme", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "order-followup", got.Name)
	assert.Len(t, got.Definition.Nodes, 2)
	assert.Len(t, got.Definition.Edges, 1)
}

func TestGetVersion_TenantIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := seedVersion(t, s, "acme")

	_, err := s.GetVersion(ctx, "globex", rec.ID)
	require.Error(t, err)
	weftErr, ok := err.(*schema.WeftError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, weftErr.Code)
}

func TestPutVersion_DuplicateIsConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := seedVersion(t, s, "acme")
	err := s.PutVersion(ctx, rec)
	require.Error(t, err)
	weftErr, ok := err.(*schema.WeftError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, weftErr.Code)
}

func TestListVersions_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	workflowID := uuid.New().String()
	older := &VersionRecord{
		ID: "v1", WorkflowID: workflowID, TenantID: "acme",
		PublishedAt: time.Now().UTC().Add(-time.Hour),
	}
	newer := &VersionRecord{
		ID: "v2", WorkflowID: workflowID, TenantID: "acme",
		PublishedAt: time.Now().UTC(),
	}
	require.NoError(t, s.PutVersion(ctx, older))
	require.NoError(t, s.PutVersion(ctx, newer))

	got, err := s.ListVersions(ctx, "acme", workflowID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "v2", got[0].ID)
	assert.Equal(t, "v1", got[1].ID)
}

func TestListAllVersions_SpansTenants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedVersion(t, s, "acme")
	seedVersion(t, s, "globex")

	got, err := s.ListAllVersions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	tenants := map[string]bool{got[0].TenantID: true, got[1].TenantID: true}
	assert.True(t, tenants["acme"])
	assert.True(t, tenants["globex"])
}

// --- Run tests ---

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s, "acme")

	got, err := s.GetRun(ctx, "acme", run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, schema.RunStatusQueued, got.Status)
	assert.JSONEq(t, `[{"order_id": 42}]`, string(got.Input))
}

func TestGetRun_TenantIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s, "acme")

	_, err := s.GetRun(ctx, "globex", run.ID)
	require.Error(t, err)
	weftErr, ok := err.(*schema.WeftError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, weftErr.Code)
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "acme")

	status := schema.RunStatusSucceeded
	now := time.Now().UTC()
	err := s.UpdateRun(ctx, "acme", run.ID, RunUpdate{
		Status:      &status,
		Output:      json.RawMessage(`[{"done": true}]`),
		CompletedAt: &now,
	})
	require.NoError(t, err)

	got, err := s.GetRun(ctx, "acme", run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, got.Status)
	assert.JSONEq(t, `[{"done": true}]`, string(got.Output))
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	status := schema.RunStatusRunning
	err := s.UpdateRun(context.Background(), "acme", "nonexistent", RunUpdate{Status: &status})
	require.Error(t, err)
	weftErr, ok := err.(*schema.WeftError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, weftErr.Code)
}

func TestListRuns_Filtering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1 := seedRun(t, s, "acme")
	seedRun(t, s, "acme")
	seedRun(t, s, "globex")

	status := schema.RunStatusRunning
	require.NoError(t, s.UpdateRun(ctx, "acme", r1.ID, RunUpdate{Status: &status}))

	got, err := s.ListRuns(ctx, RunFilter{TenantID: "acme"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListRuns(ctx, RunFilter{TenantID: "acme", Status: &status})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, r1.ID, got[0].ID)
}

func TestFindRunByDedupKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s, "acme")

	run := &Run{
		ID:         uuid.New().String(),
		WorkflowID: v.WorkflowID,
		VersionID:  v.ID,
		TenantID:   "acme",
		Status:     schema.RunStatusQueued,
		DedupKey:   "acme|v1|start|tick-100",
	}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.FindRunByDedupKey(ctx, "acme", "acme|v1|start|tick-100")
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	_, err = s.FindRunByDedupKey(ctx, "acme", "no-such-key")
	require.Error(t, err)
}

func TestCreateRun_DuplicateDedupKeyIsConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVersion(t, s, "acme")

	mk := func() *Run {
		return &Run{
			ID:         uuid.New().String(),
			WorkflowID: v.WorkflowID,
			VersionID:  v.ID,
			TenantID:   "acme",
			Status:     schema.RunStatusQueued,
			DedupKey:   "acme|v1|start|tick-7",
		}
	}
	require.NoError(t, s.CreateRun(ctx, mk()))

	err := s.CreateRun(ctx, mk())
	require.Error(t, err)
	weftErr, ok := err.(*schema.WeftError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, weftErr.Code)
}

// --- Step execution tests ---

func TestUpsertAndGetStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "acme")

	step := &StepExecution{
		RunID:    run.ID,
		NodeID:   "fetch",
		TenantID: "acme",
		Status:   schema.StepStatusRunning,
		Attempt:  1,
		Input:    json.RawMessage(`[{"order_id": 42}]`),
	}
	require.NoError(t, s.UpsertStep(ctx, step))

	// A lifecycle update within the attempt lands on the same row.
	step.Status = schema.StepStatusFailed
	step.Error = json.RawMessage(`{"code":"EXECUTION_ERROR","message":"boom"}`)
	require.NoError(t, s.UpsertStep(ctx, step))

	// A retry is a new attempt and appends a second row.
	retry := &StepExecution{
		RunID:    run.ID,
		NodeID:   "fetch",
		TenantID: "acme",
		Status:   schema.StepStatusSucceeded,
		Attempt:  2,
		Input:    json.RawMessage(`[{"order_id": 42}]`),
		Output:   json.RawMessage(`[{"ok": true}]`),
		Port:     schema.PortMain,
	}
	require.NoError(t, s.UpsertStep(ctx, retry))

	got, err := s.GetStep(ctx, run.ID, "fetch")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusSucceeded, got.Status)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, schema.PortMain, got.Port)
	assert.JSONEq(t, `[{"ok": true}]`, string(got.Output))

	steps, err := s.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].Attempt)
	assert.Equal(t, schema.StepStatusFailed, steps[0].Status)
	assert.Equal(t, 2, steps[1].Attempt)
}

// --- Approval task tests ---

func TestApprovalLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "acme")

	task := &ApprovalTask{
		ID:           uuid.New().String(),
		TenantID:     "acme",
		RunID:        run.ID,
		NodeID:       "gate",
		ApproverRole: "operator",
		Context:      json.RawMessage(`{"amount": 1200}`),
	}
	require.NoError(t, s.CreateApproval(ctx, task))

	got, err := s.GetApproval(ctx, "acme", task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DecisionPending, got.Decision)

	err = s.DecideApproval(ctx, "acme", task.ID, schema.DecisionApproved, "alice", "looks good", []byte(`{"note": "ok"}`))
	require.NoError(t, err)

	got, err = s.GetApproval(ctx, "acme", task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DecisionApproved, got.Decision)
	assert.Equal(t, "alice", got.DecidedBy)
	require.NotNil(t, got.DecidedAt)

	// Double decision is a conflict.
	err = s.DecideApproval(ctx, "acme", task.ID, schema.DecisionRejected, "bob", "", nil)
	require.Error(t, err)
	weftErr, ok := err.(*schema.WeftError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, weftErr.Code)
}

func TestExpireApprovals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "acme")

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	expired := &ApprovalTask{
		ID: uuid.New().String(), TenantID: "acme", RunID: run.ID,
		NodeID: "gate-1", ApproverRole: "operator", ExpiresAt: &past,
	}
	alive := &ApprovalTask{
		ID: uuid.New().String(), TenantID: "acme", RunID: run.ID,
		NodeID: "gate-2", ApproverRole: "operator", ExpiresAt: &future,
	}
	require.NoError(t, s.CreateApproval(ctx, expired))
	require.NoError(t, s.CreateApproval(ctx, alive))

	swept, err := s.ExpireApprovals(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, expired.ID, swept[0].ID)
	assert.Equal(t, schema.DecisionRejected, swept[0].Decision)

	got, err := s.GetApproval(ctx, "acme", alive.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DecisionPending, got.Decision)
}

func TestListApprovals_ByDecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "acme")

	t1 := &ApprovalTask{ID: uuid.New().String(), TenantID: "acme", RunID: run.ID, NodeID: "g1", ApproverRole: "operator"}
	t2 := &ApprovalTask{ID: uuid.New().String(), TenantID: "acme", RunID: run.ID, NodeID: "g2", ApproverRole: "admin"}
	require.NoError(t, s.CreateApproval(ctx, t1))
	require.NoError(t, s.CreateApproval(ctx, t2))
	require.NoError(t, s.DecideApproval(ctx, "acme", t2.ID, schema.DecisionApproved, "root", "", nil))

	pending := schema.DecisionPending
	got, err := s.ListApprovals(ctx, ApprovalFilter{TenantID: "acme", Decision: &pending})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, t1.ID, got[0].ID)
}
