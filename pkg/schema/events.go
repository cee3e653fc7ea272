package schema

// Event type constants for the run observability feed.
const (
	EventRunQueued       = "run_queued"
	EventRunStarted      = "run_started"
	EventRunSucceeded    = "run_succeeded"
	EventRunFailed       = "run_failed"
	EventRunWaiting      = "run_waiting"
	EventRunResumed      = "run_resumed"
	EventRunCancelled    = "run_cancelled"
	EventRunDeduplicated = "run_deduplicated"

	EventStepDispatched = "step_dispatched"
	EventStepStarted    = "step_started"
	EventStepSucceeded  = "step_succeeded"
	EventStepFailed     = "step_failed"
	EventStepRetrying   = "step_retrying"
	EventStepSkipped    = "step_skipped"
	EventStepPruned     = "step_pruned"
	EventStepCancelled  = "step_cancelled"
	EventStepReplayed   = "step_replayed" // idempotent step served from cache

	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"

	EventCircuitOpen   = "circuit_open"
	EventCircuitClosed = "circuit_closed"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of one step execution.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusDispatched StepStatus = "dispatched"
	StepStatusRunning    StepStatus = "running"
	StepStatusSucceeded  StepStatus = "succeeded"
	StepStatusFailed     StepStatus = "failed"
	StepStatusRetrying   StepStatus = "retrying"
	StepStatusWaiting    StepStatus = "waiting"
	StepStatusSkipped    StepStatus = "skipped"
	StepStatusPruned     StepStatus = "pruned"
	StepStatusCancelled  StepStatus = "cancelled"
)

// Terminal reports whether the step status admits no further transitions.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped,
		StepStatusPruned, StepStatusCancelled:
		return true
	}
	return false
}

// ApprovalDecision is the outcome of a human approval task.
type ApprovalDecision string

const (
	DecisionPending  ApprovalDecision = "pending"
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
)
