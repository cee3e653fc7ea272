package executor

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/weftwork/weft/pkg/schema"
)

// Executor is the uniform invocation contract every node type implements.
// Executors have no knowledge of the graph; the coordinator applies retry,
// timeout, and error policy around this call.
type Executor interface {
	Type() string
	Ports() schema.PortSpec
	Execute(ctx context.Context, in ExecutionInput) (*schema.Envelope, error)
}

// ExecutionInput is the data handed to an executor for one invocation.
// Items are the materialized upstream outputs in edge declaration order;
// in per-item mode the coordinator passes a single item per invocation.
type ExecutionInput struct {
	TenantID   string
	RunID      string
	NodeID     string
	Attempt    int
	Parameters json.RawMessage
	Items      []schema.Item
	Timeout    time.Duration
}

// Registry is the static node-type registry. All types are registered at
// startup and resolved exhaustively at publish time, never at dispatch time.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor. Duplicate types are a conflict.
func (r *Registry) Register(e Executor) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	t := e.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor %q already registered", t)
	}
	r.executors[t] = e
	return nil
}

// Resolve returns the executor for a node type.
func (r *Registry) Resolve(nodeType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[nodeType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType, "no executor registered for node type %q", nodeType)
	}
	return e, nil
}

// PortSpec returns the port declaration for a node type. Satisfies
// plan.TypeCatalog.
func (r *Registry) PortSpec(nodeType string) (schema.PortSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[nodeType]
	if !ok {
		return schema.PortSpec{}, false
	}
	return e.Ports(), true
}

// Has checks whether a node type is registered.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[nodeType]
	return ok
}

// List returns the registered node types, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// NewBuiltinRegistry returns a Registry with every built-in node type.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	builtins := []Executor{
		&TriggerExecutor{NodeType: schema.NodeTypeManualTrigger},
		&TriggerExecutor{NodeType: schema.NodeTypeWebhookTrigger},
		&TriggerExecutor{NodeType: schema.NodeTypeScheduleTrigger},
		NewHTTPRequestExecutor(nil),
		NewTransformJSExecutor(),
		NewJQTransformExecutor(),
		NewSetFieldsExecutor(),
		NewIfExecutor(),
		NewSwitchExecutor(),
		&MergeExecutor{},
		&WaitExecutor{},
		&NoopExecutor{},
		&ApprovalExecutor{},
		&LLMCallExecutor{},
		&SendMessageExecutor{},
	}
	for _, e := range builtins {
		// Types are distinct constants; Register cannot conflict here.
		_ = r.Register(e)
	}
	return r
}

// decodeParams unmarshals node parameters into dst, tolerating empty input.
func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode node parameters: %s", err.Error()).WithCause(err)
	}
	return nil
}

// itemsToAny decodes the input items into generic Go values for use in
// expression scopes. Undecodable items are passed through as raw strings.
func itemsToAny(items []schema.Item) []any {
	out := make([]any, 0, len(items))
	for _, it := range items {
		var v any
		if err := json.Unmarshal(it, &v); err != nil {
			v = string(it)
		}
		out = append(out, v)
	}
	return out
}

// scope builds the expression environment shared by the if, switch, and
// transform executors: the materialized items plus run metadata.
func scope(in ExecutionInput) map[string]any {
	vals := itemsToAny(in.Items)
	var first any
	if len(vals) > 0 {
		first = vals[0]
	}
	return map[string]any{
		"items": vals,
		"item":  first,
		"run": map[string]any{
			"id":      in.RunID,
			"tenant":  in.TenantID,
			"node":    in.NodeID,
			"attempt": in.Attempt,
		},
	}
}

// successEnvelope assembles a success envelope from generic values.
func successEnvelope(nodeID string, values []any) (*schema.Envelope, error) {
	env := &schema.Envelope{NodeID: nodeID, Status: schema.EnvelopeSuccess}
	for _, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "encode output item: %s", err.Error()).WithNode(nodeID).WithCause(err)
		}
		env.Data = append(env.Data, raw)
	}
	return env, nil
}
