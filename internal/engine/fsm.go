package engine

import (
	"context"
	"sync"

	"github.com/weftwork/weft/internal/store"
	"github.com/weftwork/weft/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit
// events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.RunEvent) error
}

// --- Run FSM ---

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a new RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run state transition. It emits the
// corresponding event via the appender. The caller is responsible for
// persisting the new state to the store.
func (f *RunFSM) Transition(ctx context.Context, tenantID, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := runEventType(from, to)
	if eventType != "" {
		event := &store.RunEvent{
			TenantID: tenantID,
			RunID:    runID,
			Type:     eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		if from == schema.RunStatusWaiting {
			return schema.EventRunResumed
		}
		return schema.EventRunStarted
	case schema.RunStatusSucceeded:
		return schema.EventRunSucceeded
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusWaiting:
		return schema.EventRunWaiting
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM manages step lifecycle state transitions.
type StepFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[stepHookKey][]TransitionHook
	after    map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a new StepFSM that emits events via the given appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{
		appender: appender,
		before:   make(map[stepHookKey][]TransitionHook),
		after:    make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a step state transition. It emits the
// corresponding event via the appender.
func (f *StepFSM) Transition(ctx context.Context, tenantID, runID, nodeID string, from, to schema.StepStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := stepHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := stepEventType(to)
	if eventType != "" {
		event := &store.RunEvent{
			TenantID: tenantID,
			RunID:    runID,
			NodeID:   nodeID,
			Type:     eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
				WithNode(nodeID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	allowed, ok := ValidStepTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusDispatched:
		return schema.EventStepDispatched
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusSucceeded:
		return schema.EventStepSucceeded
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusRetrying:
		return schema.EventStepRetrying
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusPruned:
		return schema.EventStepPruned
	case schema.StepStatusCancelled:
		return schema.EventStepCancelled
	case schema.StepStatusWaiting:
		return schema.EventApprovalRequested
	default:
		return ""
	}
}

// --- Cancel cascade ---

// CancelRunSteps transitions a run to cancelled and cancels all non-terminal
// steps. stepStates maps node_id to current StepStatus for all known steps.
func CancelRunSteps(ctx context.Context, runFSM *RunFSM, stepFSM *StepFSM, tenantID, runID string, currentStatus schema.RunStatus, stepStates map[string]schema.StepStatus) error {
	if err := runFSM.Transition(ctx, tenantID, runID, currentStatus, schema.RunStatusCancelled); err != nil {
		return err
	}

	for nodeID, status := range stepStates {
		if status.Terminal() {
			continue
		}
		if canCancel(status) {
			if err := stepFSM.Transition(ctx, tenantID, runID, nodeID, status, schema.StepStatusCancelled); err != nil {
				return err
			}
		}
	}
	return nil
}

func canCancel(s schema.StepStatus) bool {
	return isValidStepTransition(s, schema.StepStatusCancelled)
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusQueued:    {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:   {schema.RunStatusWaiting, schema.RunStatusSucceeded, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusWaiting:   {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusSucceeded: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:    {schema.StepStatusDispatched, schema.StepStatusSkipped, schema.StepStatusPruned, schema.StepStatusCancelled},
	schema.StepStatusDispatched: {schema.StepStatusRunning, schema.StepStatusWaiting, schema.StepStatusSkipped, schema.StepStatusCancelled},
	schema.StepStatusRunning:    {schema.StepStatusSucceeded, schema.StepStatusFailed, schema.StepStatusRetrying, schema.StepStatusCancelled},
	schema.StepStatusRetrying:   {schema.StepStatusRunning, schema.StepStatusFailed, schema.StepStatusCancelled},
	schema.StepStatusWaiting:    {schema.StepStatusSucceeded, schema.StepStatusFailed, schema.StepStatusCancelled},
	schema.StepStatusSucceeded:  {},
	schema.StepStatusFailed:     {},
	schema.StepStatusSkipped:    {},
	schema.StepStatusPruned:     {},
	schema.StepStatusCancelled:  {},
}
