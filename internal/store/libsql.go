package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/weftwork/weft/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflow versions ---

func (s *LibSQLStore) PutVersion(ctx context.Context, rec *VersionRecord) error {
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_versions (id, tenant_id, workflow_id, name, definition, published_by, published_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TenantID, rec.WorkflowID, nullStr(rec.Name), string(def),
		nullStr(rec.PublishedBy), timeOrNow(rec.PublishedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return schema.NewErrorf(schema.ErrCodeConflict, "version %q already published", rec.ID)
	}
	return err
}

func (s *LibSQLStore) GetVersion(ctx context.Context, tenantID, id string) (*VersionRecord, error) {
	rec := &VersionRecord{}
	var name, publishedBy sql.NullString
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, workflow_id, name, definition, published_by, published_at
		 FROM workflow_versions WHERE tenant_id = ? AND id = ?`, tenantID, id,
	).Scan(&rec.ID, &rec.TenantID, &rec.WorkflowID, &name, &defJSON, &publishedBy, &rec.PublishedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow_version", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Name = name.String
	rec.PublishedBy = publishedBy.String
	if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return rec, nil
}

func (s *LibSQLStore) ListVersions(ctx context.Context, tenantID, workflowID string) ([]*VersionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, workflow_id, name, definition, published_by, published_at
		 FROM workflow_versions WHERE tenant_id = ? AND workflow_id = ?
		 ORDER BY published_at DESC`, tenantID, workflowID,
	)
	if err != nil {
		return nil, err
	}
	return scanVersionRows(rows)
}

// ListAllVersions returns every published version across tenants, oldest
// first. Used to rebuild schedule-trigger registrations at daemon start.
func (s *LibSQLStore) ListAllVersions(ctx context.Context) ([]*VersionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, workflow_id, name, definition, published_by, published_at
		 FROM workflow_versions ORDER BY published_at`,
	)
	if err != nil {
		return nil, err
	}
	return scanVersionRows(rows)
}

func scanVersionRows(rows *sql.Rows) ([]*VersionRecord, error) {
	defer rows.Close()

	var records []*VersionRecord
	for rows.Next() {
		rec := &VersionRecord{}
		var name, publishedBy sql.NullString
		var defJSON string
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.WorkflowID, &name, &defJSON, &publishedBy, &rec.PublishedAt); err != nil {
			return nil, err
		}
		rec.Name = name.String
		rec.PublishedBy = publishedBy.String
		if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Runs ---

const runColumns = `id, tenant_id, workflow_id, version_id, status, trigger_node_id, dedup_key, input_hash, input, output, error, requested_by, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, run.WorkflowID, run.VersionID, string(run.Status),
		nullStr(run.TriggerNodeID), nullStr(run.DedupKey), nullStr(run.InputHash),
		nullRaw(run.Input), nullRaw(run.Output), nullRaw(run.Error), nullStr(run.RequestedBy),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q conflicts with an existing run", run.ID)
	}
	return err
}

func scanRun(scan func(...any) error) (*Run, error) {
	run := &Run{}
	var (
		triggerNode, dedupKey, inputHash, requestedBy sql.NullString
		input, output, errJSON                        sql.NullString
		startedAt, completedAt                        sql.NullTime
		status                                        string
	)
	err := scan(&run.ID, &run.TenantID, &run.WorkflowID, &run.VersionID, &status,
		&triggerNode, &dedupKey, &inputHash, &input, &output, &errJSON, &requestedBy,
		&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.TriggerNodeID = triggerNode.String
	run.DedupKey = dedupKey.String
	run.InputHash = inputHash.String
	run.RequestedBy = requestedBy.String
	run.Input = rawOrNil(input)
	run.Output = rawOrNil(output)
	run.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, tenantID, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE tenant_id = ? AND id = ?`, tenantID, id,
	)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) FindRunByDedupKey(ctx context.Context, tenantID, dedupKey string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE tenant_id = ? AND dedup_key = ?`, tenantID, dedupKey,
	)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", dedupKey)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, tenantID, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, tenantID, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE tenant_id = ? AND id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.VersionID != "" {
		where = append(where, "version_id = ?")
		args = append(args, filter.VersionID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Step executions ---

// UpsertStep writes one attempt record. Rows are keyed by (run, node,
// attempt): a retry appends a new row, while lifecycle updates within the
// same attempt (dispatched to succeeded, waiting to cancelled) land on the
// existing one. Concluded attempt rows are never rewritten by later attempts.
func (s *LibSQLStore) UpsertStep(ctx context.Context, step *StepExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_executions (run_id, node_id, tenant_id, status, attempt, port, input, output, error, input_hash, artifact_ref, tokens_used, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, node_id, attempt) DO UPDATE SET
		   status=excluded.status, port=excluded.port,
		   input=excluded.input, output=excluded.output, error=excluded.error,
		   input_hash=excluded.input_hash, artifact_ref=excluded.artifact_ref,
		   tokens_used=excluded.tokens_used, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		step.RunID, step.NodeID, step.TenantID, string(step.Status), step.Attempt,
		nullStr(step.Port), nullRaw(step.Input), nullRaw(step.Output), nullRaw(step.Error),
		nullStr(step.InputHash), nullStr(step.ArtifactRef), step.TokensUsed,
		nullTime(step.StartedAt), nullTime(step.CompletedAt), step.DurationMs,
	)
	return err
}

func scanStep(scan func(...any) error) (*StepExecution, error) {
	st := &StepExecution{}
	var (
		port, inputHash, artifactRef sql.NullString
		input, output, errJSON       sql.NullString
		startedAt, completedAt       sql.NullTime
		status                       string
	)
	err := scan(&st.RunID, &st.NodeID, &st.TenantID, &status, &st.Attempt, &port,
		&input, &output, &errJSON, &inputHash, &artifactRef, &st.TokensUsed,
		&startedAt, &completedAt, &st.DurationMs)
	if err != nil {
		return nil, err
	}
	st.Status = schema.StepStatus(status)
	st.Port = port.String
	st.InputHash = inputHash.String
	st.ArtifactRef = artifactRef.String
	st.Input = rawOrNil(input)
	st.Output = rawOrNil(output)
	st.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return st, nil
}

const stepColumns = `run_id, node_id, tenant_id, status, attempt, port, input, output, error, input_hash, artifact_ref, tokens_used, started_at, completed_at, duration_ms`

// GetStep returns the node's current attempt record, the one with the
// highest attempt index.
func (s *LibSQLStore) GetStep(ctx context.Context, runID, nodeID string) (*StepExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM step_executions WHERE run_id = ? AND node_id = ?
		 ORDER BY attempt DESC LIMIT 1`, runID, nodeID,
	)
	st, err := scanStep(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step_execution", runID+"/"+nodeID)
	}
	return st, err
}

// ListSteps returns every attempt record of the run, ordered by node and
// attempt index so the last row per node is its current state.
func (s *LibSQLStore) ListSteps(ctx context.Context, runID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM step_executions WHERE run_id = ?
		 ORDER BY node_id, attempt`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*StepExecution
	for rows.Next() {
		st, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Approval tasks ---

const approvalColumns = `id, tenant_id, run_id, node_id, approver_role, context, decision, decided_by, reason, payload, expires_at, created_at, decided_at`

func (s *LibSQLStore) CreateApproval(ctx context.Context, task *ApprovalTask) error {
	decision := task.Decision
	if decision == "" {
		decision = schema.DecisionPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_tasks (`+approvalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.TenantID, task.RunID, task.NodeID, task.ApproverRole,
		nullRaw(task.Context), string(decision), nullStr(task.DecidedBy), nullStr(task.Reason),
		nullRaw(task.Payload), nullTime(task.ExpiresAt), timeOrNow(task.CreatedAt), nullTime(task.DecidedAt),
	)
	return err
}

func scanApproval(scan func(...any) error) (*ApprovalTask, error) {
	t := &ApprovalTask{}
	var (
		ctxJSON, payload     sql.NullString
		decidedBy, reason    sql.NullString
		expiresAt, decidedAt sql.NullTime
		decision             string
	)
	err := scan(&t.ID, &t.TenantID, &t.RunID, &t.NodeID, &t.ApproverRole,
		&ctxJSON, &decision, &decidedBy, &reason, &payload, &expiresAt, &t.CreatedAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	t.Decision = schema.ApprovalDecision(decision)
	t.DecidedBy = decidedBy.String
	t.Reason = reason.String
	t.Context = rawOrNil(ctxJSON)
	t.Payload = rawOrNil(payload)
	if expiresAt.Valid {
		t.ExpiresAt = &expiresAt.Time
	}
	if decidedAt.Valid {
		t.DecidedAt = &decidedAt.Time
	}
	return t, nil
}

func (s *LibSQLStore) GetApproval(ctx context.Context, tenantID, id string) (*ApprovalTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_tasks WHERE tenant_id = ? AND id = ?`, tenantID, id,
	)
	t, err := scanApproval(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval_task", id)
	}
	return t, err
}

// DecideApproval records a decision on a pending task. Deciding an already
// decided task is a CONFLICT, not a silent overwrite.
func (s *LibSQLStore) DecideApproval(ctx context.Context, tenantID, id string, decision schema.ApprovalDecision, decidedBy, reason string, payload []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_tasks SET decision = ?, decided_by = ?, reason = ?, payload = ?, decided_at = CURRENT_TIMESTAMP
		 WHERE tenant_id = ? AND id = ? AND decision = 'pending'`,
		string(decision), nullStr(decidedBy), nullStr(reason), nullRaw(payload), tenantID, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing from already decided.
		if _, getErr := s.GetApproval(ctx, tenantID, id); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "approval task %q already decided", id)
	}
	return nil
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalTask, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Decision != nil {
		where = append(where, "decision = ?")
		args = append(args, string(*filter.Decision))
	}

	query := `SELECT ` + approvalColumns + ` FROM approval_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*ApprovalTask
	for rows.Next() {
		t, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ExpireApprovals marks pending tasks past their deadline as rejected and
// returns them so the coordinator can resume the owning runs.
func (s *LibSQLStore) ExpireApprovals(ctx context.Context, now time.Time) ([]*ApprovalTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_tasks
		 WHERE decision = 'pending' AND expires_at IS NOT NULL AND expires_at <= ?`, now,
	)
	if err != nil {
		return nil, err
	}
	var expired []*ApprovalTask
	for rows.Next() {
		t, err := scanApproval(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, t := range expired {
		_, err := s.db.ExecContext(ctx,
			`UPDATE approval_tasks SET decision = 'rejected', reason = 'expired', decided_at = CURRENT_TIMESTAMP
			 WHERE tenant_id = ? AND id = ? AND decision = 'pending'`,
			t.TenantID, t.ID,
		)
		if err != nil {
			return nil, err
		}
		t.Decision = schema.DecisionRejected
		t.Reason = "expired"
	}
	return expired, nil
}

// --- Run events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *RunEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this run
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (tenant_id, run_id, node_id, event_type, payload, actor, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.TenantID, event.RunID, nullStr(event.NodeID), event.Type, payload, nullStr(event.Actor), ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, run_id, node_id, event_type, payload, actor, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*RunEvent, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, tenant_id, run_id, node_id, event_type, payload, actor, timestamp, sequence FROM run_events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*RunEvent, error) {
	var events []*RunEvent
	for rows.Next() {
		e := &RunEvent{}
		var nodeID, actor sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &e.RunID, &nodeID, &e.Type, &payload, &actor, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Actor = actor.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.WeftError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
