package schema

import (
	"encoding/json"
	"time"
)

// WorkflowVersion is the immutable, published form of a workflow graph.
// Edits never mutate a version; publishing produces a new one.
type WorkflowVersion struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	TenantID    string    `json:"tenant_id"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	PublishedAt time.Time `json:"published_at"`
}

// Node describes a single typed step in the graph.
type Node struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Name       string          `json:"name,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Settings   NodeSettings    `json:"settings"`
}

// Edge connects an output port of one node to an input port of another.
type Edge struct {
	Source     string `json:"source"`
	SourcePort string `json:"source_port"`
	Target     string `json:"target"`
	TargetPort string `json:"target_port"`
}

// FanIn is the readiness discipline for a multi-input node.
type FanIn string

const (
	FanInAll FanIn = "all" // wait for every incoming edge (default)
	FanInAny FanIn = "any" // first arriving input triggers; later ones are ignored
)

// OnErrorPolicy selects continuation behavior once retries are exhausted.
type OnErrorPolicy string

const (
	OnErrorStopWorkflow     OnErrorPolicy = "stop_workflow"
	OnErrorContinueRegular  OnErrorPolicy = "continue_regular_output"
	OnErrorContinueErrorOut OnErrorPolicy = "continue_error_output"
)

// Retry bounds. MaxTries is a total attempt budget including the first try.
const (
	MinTries            = 1
	MaxTriesLimit       = 5
	MaxWaitBetweenTries = 5000 * time.Millisecond
)

// NodeSettings carries the per-node execution policy knobs.
type NodeSettings struct {
	RetryOnFail      bool          `json:"retry_on_fail,omitempty"`
	MaxTries         int           `json:"max_tries,omitempty"`          // 1..5, total attempts
	WaitBetweenTries int           `json:"wait_between_tries,omitempty"` // milliseconds, 0..5000, fixed delay
	OnError          OnErrorPolicy `json:"on_error,omitempty"`
	ContinueOnFail   bool          `json:"continue_on_fail,omitempty"` // legacy alias for on_error=continue_regular_output
	ExecuteOnce      bool          `json:"execute_once,omitempty"`     // invoke once with the whole item sequence
	AlwaysOutputData bool          `json:"always_output_data,omitempty"`
	Idempotent       bool          `json:"idempotent,omitempty"`
	Disabled         bool          `json:"disabled,omitempty"`
	FanIn            FanIn         `json:"fan_in,omitempty"`
	Timeout          string        `json:"timeout,omitempty"`       // per-node execution timeout, e.g. "30s"
	ApproverRole     string        `json:"approver_role,omitempty"` // approval nodes only
}

// EffectiveOnError resolves the error policy, honoring the legacy
// continue_on_fail alias. Default is stop_workflow.
func (s NodeSettings) EffectiveOnError() OnErrorPolicy {
	if s.OnError != "" {
		return s.OnError
	}
	if s.ContinueOnFail {
		return OnErrorContinueRegular
	}
	return OnErrorStopWorkflow
}

// EffectiveMaxTries clamps the attempt budget into [1, 5]. A node without
// retry_on_fail always has a budget of one.
func (s NodeSettings) EffectiveMaxTries() int {
	if !s.RetryOnFail {
		return MinTries
	}
	if s.MaxTries < MinTries {
		return MinTries
	}
	if s.MaxTries > MaxTriesLimit {
		return MaxTriesLimit
	}
	return s.MaxTries
}

// RetryDelay returns the fixed wait between attempts, clamped to [0, 5s].
func (s NodeSettings) RetryDelay() time.Duration {
	d := time.Duration(s.WaitBetweenTries) * time.Millisecond
	if d < 0 {
		return 0
	}
	if d > MaxWaitBetweenTries {
		return MaxWaitBetweenTries
	}
	return d
}

// EffectiveFanIn defaults to FanInAll.
func (s NodeSettings) EffectiveFanIn() FanIn {
	if s.FanIn == FanInAny {
		return FanInAny
	}
	return FanInAll
}

// ExecutionTimeout parses the node timeout setting, or 0 when unset/invalid.
func (s NodeSettings) ExecutionTimeout() time.Duration {
	if s.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Node type names recognized by the engine. The catalog mirrors the studio's
// node palette; concrete integrations are stubbed behind the same contract.
const (
	NodeTypeManualTrigger   = "manual_trigger"
	NodeTypeWebhookTrigger  = "webhook_trigger"
	NodeTypeScheduleTrigger = "schedule_trigger"
	NodeTypeHTTPRequest     = "http_request"
	NodeTypeTransformJS     = "transform_js"
	NodeTypeJQTransform     = "jq_transform"
	NodeTypeSetFields       = "set_fields"
	NodeTypeIf              = "if"
	NodeTypeSwitch          = "switch"
	NodeTypeMerge           = "merge"
	NodeTypeWait            = "wait"
	NodeTypeNoop            = "noop"
	NodeTypeHumanApproval   = "human_approval"
	NodeTypeLLMCall         = "llm_call"
	NodeTypeSendMessage     = "send_message"
)

// Well-known port names.
const (
	PortMain    = "main"
	PortTrue    = "true"
	PortFalse   = "false"
	PortDefault = "default"
	PortError   = "error"
)

// IsTriggerType reports whether the node type starts runs rather than
// consuming upstream input.
func IsTriggerType(nodeType string) bool {
	switch nodeType {
	case NodeTypeManualTrigger, NodeTypeWebhookTrigger, NodeTypeScheduleTrigger:
		return true
	}
	return false
}
