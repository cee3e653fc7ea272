package store

import (
	"context"
	"time"

	"github.com/weftwork/weft/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow versions (immutable once published)
	PutVersion(ctx context.Context, rec *VersionRecord) error
	GetVersion(ctx context.Context, tenantID, id string) (*VersionRecord, error)
	ListVersions(ctx context.Context, tenantID, workflowID string) ([]*VersionRecord, error)
	ListAllVersions(ctx context.Context) ([]*VersionRecord, error)

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, tenantID, id string) (*Run, error)
	UpdateRun(ctx context.Context, tenantID, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	FindRunByDedupKey(ctx context.Context, tenantID, dedupKey string) (*Run, error)

	// Step executions (materialized view, one row per run/node)
	UpsertStep(ctx context.Context, step *StepExecution) error
	GetStep(ctx context.Context, runID, nodeID string) (*StepExecution, error)
	ListSteps(ctx context.Context, runID string) ([]*StepExecution, error)

	// Approval tasks
	CreateApproval(ctx context.Context, task *ApprovalTask) error
	GetApproval(ctx context.Context, tenantID, id string) (*ApprovalTask, error)
	DecideApproval(ctx context.Context, tenantID, id string, decision schema.ApprovalDecision, decidedBy, reason string, payload []byte) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalTask, error)
	ExpireApprovals(ctx context.Context, now time.Time) ([]*ApprovalTask, error)

	// Run events (append-only)
	AppendEvent(ctx context.Context, event *RunEvent) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*RunEvent, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
