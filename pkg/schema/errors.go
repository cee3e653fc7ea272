package schema

import "fmt"

// Error codes for structured error reporting.
//
// GRAPH_* codes are fatal at publish time and never surface during a run.
// EXECUTION/TIMEOUT codes are step-level and recoverable per node policy.
// STORE/CACHE codes are infrastructure failures handled by the coordinator.
const (
	ErrCodeGraphCycle        = "GRAPH_CYCLE"
	ErrCodeGraphDanglingEdge = "GRAPH_DANGLING_EDGE"
	ErrCodeGraphBadPort      = "GRAPH_BAD_PORT"
	ErrCodeGraphBadParams    = "GRAPH_BAD_PARAMETERS"
	ErrCodeUnknownNodeType   = "UNKNOWN_NODE_TYPE"
	ErrCodeValidation        = "VALIDATION_ERROR"

	ErrCodeExecution        = "EXECUTION_ERROR"
	ErrCodeTimeout          = "TIMEOUT_ERROR"
	ErrCodeRetryExhausted   = "RETRY_EXHAUSTED"
	ErrCodeCircuitOpen      = "CIRCUIT_OPEN"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeApprovalTimeout  = "APPROVAL_TIMEOUT"
	ErrCodeApprovalRejected = "APPROVAL_REJECTED"

	ErrCodeStore = "STORE_ERROR"
	ErrCodeCache = "CACHE_ERROR"

	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
)

// WeftError is the structured error type for all engine operations.
type WeftError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *WeftError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *WeftError) Unwrap() error {
	return e.Cause
}

// NewError creates a new WeftError.
func NewError(code, message string) *WeftError {
	return &WeftError{Code: code, Message: message}
}

// NewErrorf creates a new WeftError with a formatted message.
func NewErrorf(code, format string, args ...any) *WeftError {
	return &WeftError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *WeftError) WithNode(nodeID string) *WeftError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *WeftError) WithCause(err error) *WeftError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *WeftError) WithDetails(details map[string]any) *WeftError {
	e.Details = details
	return e
}

// IsGraphError reports whether the code denotes a publish-time structural defect.
func (e *WeftError) IsGraphError() bool {
	switch e.Code {
	case ErrCodeGraphCycle, ErrCodeGraphDanglingEdge, ErrCodeGraphBadPort,
		ErrCodeGraphBadParams, ErrCodeUnknownNodeType:
		return true
	}
	return false
}

// IsSystemError reports whether the code denotes an infrastructure failure,
// as opposed to a node-level one.
func (e *WeftError) IsSystemError() bool {
	return e.Code == ErrCodeStore || e.Code == ErrCodeCache
}
