package store

import (
	"encoding/json"
	"time"

	"github.com/weftwork/weft/pkg/schema"
)

// VersionRecord is the persisted form of a published workflow version.
// Versions are immutable once published; there is no update path.
type VersionRecord struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	TenantID    string                 `json:"tenant_id"`
	Name        string                 `json:"name,omitempty"`
	Definition  schema.WorkflowVersion `json:"definition"`
	PublishedBy string                 `json:"published_by,omitempty"`
	PublishedAt time.Time              `json:"published_at"`
}

// Run is the persisted representation of a workflow run.
type Run struct {
	ID            string           `json:"id"`
	WorkflowID    string           `json:"workflow_id"`
	VersionID     string           `json:"version_id"`
	TenantID      string           `json:"tenant_id"`
	Status        schema.RunStatus `json:"status"`
	TriggerNodeID string           `json:"trigger_node_id,omitempty"`
	DedupKey      string           `json:"dedup_key,omitempty"`
	InputHash     string           `json:"input_hash,omitempty"`
	Input         json.RawMessage  `json:"input,omitempty"`
	Output        json.RawMessage  `json:"output,omitempty"`
	Error         json.RawMessage  `json:"error,omitempty"`
	RequestedBy   string           `json:"requested_by,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// StepExecution is one attempt record of a node within a run. Rows are
// appended as attempts occur, one per (run, node, attempt); a retried node
// keeps the failed rows of its earlier attempts. The row with the highest
// attempt index is the node's current state.
type StepExecution struct {
	RunID       string            `json:"run_id"`
	NodeID      string            `json:"node_id"`
	TenantID    string            `json:"tenant_id"`
	Status      schema.StepStatus `json:"status"`
	Attempt     int               `json:"attempt"`
	Port        string            `json:"port,omitempty"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	InputHash   string            `json:"input_hash,omitempty"`
	ArtifactRef string            `json:"artifact_ref,omitempty"`
	TokensUsed  int               `json:"tokens_used,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// ApprovalTask is a human approval gate awaiting a decision.
type ApprovalTask struct {
	ID           string                  `json:"id"`
	TenantID     string                  `json:"tenant_id"`
	RunID        string                  `json:"run_id"`
	NodeID       string                  `json:"node_id"`
	ApproverRole string                  `json:"approver_role"`
	Context      json.RawMessage         `json:"context,omitempty"`
	Decision     schema.ApprovalDecision `json:"decision"`
	DecidedBy    string                  `json:"decided_by,omitempty"`
	Reason       string                  `json:"reason,omitempty"`
	Payload      json.RawMessage         `json:"payload,omitempty"`
	ExpiresAt    *time.Time              `json:"expires_at,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	DecidedAt    *time.Time              `json:"decided_at,omitempty"`
}

// RunEvent is an immutable entry in the per-run event log.
type RunEvent struct {
	ID        int64           `json:"id"`
	TenantID  string          `json:"tenant_id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs. TenantID is mandatory for
// callers acting on behalf of a tenant; an empty TenantID lists across
// tenants and is reserved for system maintenance.
type RunFilter struct {
	TenantID   string            `json:"tenant_id,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	VersionID  string            `json:"version_id,omitempty"`
	Status     *schema.RunStatus `json:"status,omitempty"`
	Since      *time.Time        `json:"since,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing run events.
type EventFilter struct {
	TenantID string     `json:"tenant_id,omitempty"`
	RunID    string     `json:"run_id,omitempty"`
	NodeID   string     `json:"node_id,omitempty"`
	Since    *time.Time `json:"since,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

// ApprovalFilter specifies criteria for listing approval tasks.
type ApprovalFilter struct {
	TenantID string                   `json:"tenant_id,omitempty"`
	RunID    string                   `json:"run_id,omitempty"`
	Decision *schema.ApprovalDecision `json:"decision,omitempty"`
	Limit    int                      `json:"limit,omitempty"`
}
