package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftwork/weft/internal/dedup"
	"github.com/weftwork/weft/internal/executor"
	"github.com/weftwork/weft/internal/plan"
	"github.com/weftwork/weft/internal/store"
	"github.com/weftwork/weft/pkg/schema"
)

// EventLogger abstracts the event log operations needed by the coordinator.
// Satisfied by *store.EventLog and test mocks.
type EventLogger interface {
	EventAppender
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.RunEvent, error)
	ReplayStepStates(ctx context.Context, runID string) (map[string]*store.StepExecution, error)
}

// Publisher delivers run events to live subscribers. Satisfied by the
// streaming hub; nil disables live fan-out.
type Publisher interface {
	Publish(event *store.RunEvent)
}

// ArtifactStore offloads oversized step payloads out of the relational store.
type ArtifactStore interface {
	Put(ctx context.Context, tenantID, key string, data []byte) (string, error)
}

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// DefaultInlineLimit is the payload size above which step outputs are
// offloaded to the artifact store instead of stored inline.
const DefaultInlineLimit = 64 * 1024

// Config holds coordinator configuration.
type Config struct {
	PoolSize          int                   // max concurrent step goroutines across all runs
	TenantConcurrency int                   // max concurrent steps per tenant (0 = unlimited)
	CircuitBreaker    *CircuitBreakerConfig // nil = defaults
	InlineLimit       int                   // bytes; 0 = DefaultInlineLimit
}

// Coordinator owns run execution: it materializes plans from published
// versions, walks the ready frontier, and applies per-node retry, timeout,
// and error policy around the executors.
type Coordinator struct {
	store     store.Store
	eventLog  EventLogger
	registry  *executor.Registry
	runFSM    *RunFSM
	stepFSM   *StepFSM
	pool      *WorkerPool
	tenants   *TenantLimiter
	breakers  *CircuitBreakerRegistry
	cache     *dedup.Cache
	artifacts ArtifactStore
	logger    *slog.Logger
	cfg       Config

	// mu guards active.
	mu     sync.Mutex
	active map[string]*runState
}

// teeAppender appends to the event log and mirrors the event to the live
// publisher. Ordering is append-then-publish so subscribers never see an
// event the log has not accepted.
type teeAppender struct {
	log EventLogger
	pub Publisher
}

func (t *teeAppender) AppendEvent(ctx context.Context, event *store.RunEvent) error {
	if err := t.log.AppendEvent(ctx, event); err != nil {
		return err
	}
	if t.pub != nil {
		t.pub.Publish(event)
	}
	return nil
}

// NewCoordinator creates a Coordinator. publisher and artifacts are optional.
func NewCoordinator(s store.Store, el EventLogger, registry *executor.Registry, cfg Config, publisher Publisher, artifacts ArtifactStore, cache *dedup.Cache, logger *slog.Logger) *Coordinator {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.InlineLimit <= 0 {
		cfg.InlineLimit = DefaultInlineLimit
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	if cache == nil {
		cache = dedup.New(0)
	}
	if logger == nil {
		logger = slog.Default()
	}

	tee := &teeAppender{log: el, pub: publisher}

	return &Coordinator{
		store:     s,
		eventLog:  el,
		registry:  registry,
		runFSM:    NewRunFSM(tee),
		stepFSM:   NewStepFSM(tee),
		pool:      NewWorkerPool(cfg.PoolSize),
		tenants:   NewTenantLimiter(cfg.TenantConcurrency),
		breakers:  NewCircuitBreakerRegistry(cbConfig),
		cache:     cache,
		artifacts: artifacts,
		logger:    logger,
		cfg:       cfg,
		active:    make(map[string]*runState),
	}
}

// Shutdown stops accepting new step work and waits for in-flight steps.
func (c *Coordinator) Shutdown() {
	c.pool.Shutdown()
}

// RunResult is returned by StartRun and ResumeRun with the run outcome.
type RunResult struct {
	RunID       string                 `json:"run_id"`
	Status      schema.RunStatus       `json:"status"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       *schema.WeftError      `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Steps       map[string]*StepResult `json:"steps,omitempty"`
	Approval    *store.ApprovalTask    `json:"approval,omitempty"` // set when Status is waiting
}

// StepResult summarizes the outcome of a single step.
type StepResult struct {
	NodeID     string            `json:"node_id"`
	Status     schema.StepStatus `json:"status"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      *schema.WeftError `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
}

// RunSnapshot is a point-in-time view of a run for querying.
type RunSnapshot struct {
	Run       *store.Run             `json:"run"`
	Steps     []*store.StepExecution `json:"steps,omitempty"`
	Approvals []*store.ApprovalTask  `json:"approvals,omitempty"`
	Events    []*store.RunEvent      `json:"events,omitempty"`
}

// runState tracks a single in-flight run. It is owned by the run loop
// goroutine; workers only execute steps and report completions.
type runState struct {
	run     *store.Run
	plan    *plan.Plan
	trigger string

	satisfied []bool          // per edge index
	pruned    []bool          // per edge index
	edgeItems [][]schema.Item // payload delivered on each satisfied edge

	status   map[string]schema.StepStatus
	results  map[string]*StepResult
	failure  *schema.WeftError
	inflight int

	// waiting holds the open approval task per gate node. Independent
	// branches keep executing; the run suspends once the frontier drains
	// with any task still open.
	waiting     map[string]*store.ApprovalTask
	completions chan *stepCompletion
	cancel      context.CancelFunc
}

type stepCompletion struct {
	nodeID  string
	env     *schema.Envelope
	attempt int
	state   schema.StepStatus      // FSM state the worker left the step in
	spent   []*store.StepExecution // failed attempts that preceded the outcome
	input   json.RawMessage
	err     error
	started time.Time
}

func runKey(tenantID, runID string) string { return tenantID + "|" + runID }

// StartRun executes a queued run to completion, suspension, or failure.
// run.Input carries the trigger payload as a JSON array of items.
func (c *Coordinator) StartRun(ctx context.Context, run *store.Run) (*RunResult, error) {
	if run == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "run is nil")
	}

	rec, err := c.store.GetVersion(ctx, run.TenantID, run.VersionID)
	if err != nil {
		return nil, err
	}
	p, err := plan.Build(&rec.Definition, c.registry, nil)
	if err != nil {
		return nil, err
	}

	trigger := run.TriggerNodeID
	if trigger == "" {
		trigger = p.Triggers[0]
	}
	if _, ok := p.Nodes[trigger]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "trigger node %q not in version %s", trigger, run.VersionID)
	}

	if err := c.runFSM.Transition(ctx, run.TenantID, run.ID, run.Status, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	running := schema.RunStatusRunning
	if err := c.store.UpdateRun(ctx, run.TenantID, run.ID, store.RunUpdate{Status: &running, StartedAt: &now}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "update run status: %s", err.Error()).WithCause(err)
	}
	run.Status = running
	run.StartedAt = &now

	rs := c.newRunState(run, p, trigger)

	var items []schema.Item
	if len(run.Input) > 0 {
		if err := json.Unmarshal(run.Input, &items); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "run input is not a JSON array: %s", err.Error())
		}
	}

	execCtx, execCancel := context.WithCancel(ctx)
	rs.cancel = execCancel
	c.register(rs)
	defer c.unregister(rs)
	defer execCancel()

	// Prune non-firing triggers up front; their downstream nodes fall out of
	// the frontier unless another path reaches them.
	for _, t := range p.Triggers {
		if t != trigger {
			c.pruneNode(execCtx, rs, t)
		}
	}

	// The trigger is not a step: its output seeds the frontier directly and
	// leaves no attempt record.
	if err := c.seedTrigger(execCtx, rs, items); err != nil {
		rs.failure = asWeftError(trigger, err)
	}

	return c.loop(execCtx, rs), nil
}

// seedTrigger runs the firing trigger's executor inline and satisfies its
// output edges with the result. Trigger executors only shape the run input
// (test payload fallback included), so no retry policy applies.
func (c *Coordinator) seedTrigger(ctx context.Context, rs *runState, items []schema.Item) error {
	node := rs.plan.Nodes[rs.trigger]
	exec, err := c.registry.Resolve(node.Type)
	if err != nil {
		return err
	}
	env, err := exec.Execute(ctx, executor.ExecutionInput{
		TenantID:   rs.run.TenantID,
		RunID:      rs.run.ID,
		NodeID:     node.ID,
		Attempt:    1,
		Parameters: node.Parameters,
		Items:      items,
	})
	env, err = normalizeEnvelope(ctx, node.ID, env, err)
	if err != nil {
		return err
	}
	rs.status[rs.trigger] = schema.StepStatusSucceeded
	c.deliver(rs, rs.trigger, env, false)
	return nil
}

func (c *Coordinator) newRunState(run *store.Run, p *plan.Plan, trigger string) *runState {
	rs := &runState{
		run:         run,
		plan:        p,
		trigger:     trigger,
		satisfied:   make([]bool, len(p.Edges)),
		pruned:      make([]bool, len(p.Edges)),
		edgeItems:   make([][]schema.Item, len(p.Edges)),
		status:      make(map[string]schema.StepStatus, len(p.Nodes)),
		results:     make(map[string]*StepResult, len(p.Nodes)),
		waiting:     make(map[string]*store.ApprovalTask),
		completions: make(chan *stepCompletion, len(p.Nodes)+1),
	}
	for id := range p.Nodes {
		rs.status[id] = schema.StepStatusPending
	}
	return rs
}

func (c *Coordinator) register(rs *runState) {
	c.mu.Lock()
	c.active[runKey(rs.run.TenantID, rs.run.ID)] = rs
	c.mu.Unlock()
}

func (c *Coordinator) unregister(rs *runState) {
	c.mu.Lock()
	delete(c.active, runKey(rs.run.TenantID, rs.run.ID))
	c.mu.Unlock()
}

// loop is the run's single-writer dispatch loop. All frontier state mutation
// happens here; workers communicate through the completions channel.
func (c *Coordinator) loop(ctx context.Context, rs *runState) *RunResult {
	for {
		c.advanceFrontier(ctx, rs)

		if rs.inflight == 0 {
			// A branch failure outranks open approvals; the sweeper will
			// expire their tasks.
			if rs.failure == nil && len(rs.waiting) > 0 {
				return c.suspendRun(ctx, rs)
			}
			return c.finishRun(ctx, rs)
		}

		select {
		case comp := <-rs.completions:
			rs.inflight--
			c.handleCompletion(ctx, rs, comp)
		case <-ctx.Done():
			c.drainInflight(rs)
			return c.finishRun(ctx, rs)
		}
	}
}

// advanceFrontier dispatches every ready node and prunes dead branches until
// a fixpoint. No new work starts once the run has failed or been cancelled.
func (c *Coordinator) advanceFrontier(ctx context.Context, rs *runState) {
	for {
		changed := false
		for _, nodeID := range rs.plan.Sorted {
			if rs.status[nodeID] != schema.StepStatusPending {
				continue
			}
			incoming := rs.plan.Incoming[nodeID]
			if len(incoming) == 0 {
				// Only triggers have zero inputs; they are seeded or pruned
				// at run start.
				continue
			}

			node := rs.plan.Nodes[nodeID]
			satisfied, open := 0, 0
			for _, ei := range incoming {
				switch {
				case rs.satisfied[ei]:
					satisfied++
				case !rs.pruned[ei]:
					open++
				}
			}

			if satisfied == 0 && open == 0 {
				c.pruneNode(ctx, rs, nodeID)
				changed = true
				continue
			}

			ready := false
			switch node.Settings.EffectiveFanIn() {
			case schema.FanInAny:
				ready = satisfied > 0
			default:
				ready = open == 0 && satisfied > 0
			}
			if !ready {
				continue
			}
			// Open approvals do not stop independent branches; only failure
			// and cancellation freeze the frontier.
			if rs.failure != nil || ctx.Err() != nil {
				continue
			}

			items := c.collectInputs(rs, nodeID)
			c.dispatchNode(ctx, rs, nodeID, items)
			changed = true
		}
		if !changed {
			return
		}
	}
}

// collectInputs gathers the satisfied incoming payloads in edge declaration
// order.
func (c *Coordinator) collectInputs(rs *runState, nodeID string) []schema.Item {
	var items []schema.Item
	for _, ei := range rs.plan.Incoming[nodeID] {
		if rs.satisfied[ei] {
			items = append(items, rs.edgeItems[ei]...)
		}
	}
	return items
}

// pruneNode marks a node pruned and poisons its outgoing edges so the
// cascade reaches everything only it could feed.
func (c *Coordinator) pruneNode(ctx context.Context, rs *runState, nodeID string) {
	if err := c.stepFSM.Transition(ctx, rs.run.TenantID, rs.run.ID, nodeID, schema.StepStatusPending, schema.StepStatusPruned); err != nil {
		c.logger.WarnContext(ctx, "prune transition failed", "run_id", rs.run.ID, "node_id", nodeID, "error", err)
	}
	rs.status[nodeID] = schema.StepStatusPruned
	rs.results[nodeID] = &StepResult{NodeID: nodeID, Status: schema.StepStatusPruned}
	for _, edges := range rs.plan.Outgoing[nodeID] {
		for _, ei := range edges {
			rs.pruned[ei] = true
		}
	}
	c.persistStep(ctx, rs, nodeID, &store.StepExecution{
		RunID: rs.run.ID, NodeID: nodeID, TenantID: rs.run.TenantID,
		Status: schema.StepStatusPruned,
	})
}

// dispatchNode routes one ready node: disabled nodes pass input through,
// approval nodes open a task and suspend, everything else goes to a worker.
func (c *Coordinator) dispatchNode(ctx context.Context, rs *runState, nodeID string, items []schema.Item) {
	node := rs.plan.Nodes[nodeID]

	if node.Settings.Disabled {
		if err := c.stepFSM.Transition(ctx, rs.run.TenantID, rs.run.ID, nodeID, schema.StepStatusPending, schema.StepStatusSkipped); err != nil {
			c.logger.WarnContext(ctx, "skip transition failed", "run_id", rs.run.ID, "node_id", nodeID, "error", err)
		}
		rs.status[nodeID] = schema.StepStatusSkipped
		rs.results[nodeID] = &StepResult{NodeID: nodeID, Status: schema.StepStatusSkipped}
		env := &schema.Envelope{NodeID: nodeID, Status: schema.EnvelopeSuccess, Data: items}
		c.persistStep(ctx, rs, nodeID, &store.StepExecution{
			RunID: rs.run.ID, NodeID: nodeID, TenantID: rs.run.TenantID,
			Status: schema.StepStatusSkipped, Output: marshalItems(items),
		})
		c.deliver(rs, nodeID, env, false)
		return
	}

	if err := c.stepFSM.Transition(ctx, rs.run.TenantID, rs.run.ID, nodeID, schema.StepStatusPending, schema.StepStatusDispatched); err != nil {
		c.logger.WarnContext(ctx, "dispatch transition failed", "run_id", rs.run.ID, "node_id", nodeID, "error", err)
	}
	rs.status[nodeID] = schema.StepStatusDispatched

	if node.Type == schema.NodeTypeHumanApproval {
		c.openApproval(ctx, rs, nodeID, items)
		return
	}

	started := time.Now().UTC()

	rs.inflight++
	submitErr := c.pool.Submit(ctx, func(wctx context.Context) error {
		comp := &stepCompletion{
			nodeID:  nodeID,
			state:   schema.StepStatusDispatched,
			input:   marshalItems(items),
			started: started,
		}
		// The completion must reach the loop even if an executor panics,
		// or the run wedges on an inflight count that never drains.
		defer func() {
			if r := recover(); r != nil {
				comp.err = schema.NewErrorf(schema.ErrCodeExecution, "node %s panicked: %v", nodeID, r).WithNode(nodeID)
				comp.env = nil
			}
			rs.completions <- comp
		}()
		if err := c.tenants.Acquire(wctx, rs.run.TenantID); err != nil {
			comp.err = schema.NewErrorf(schema.ErrCodeCancelled, "tenant admission: %s", err.Error()).WithCause(err)
		} else {
			defer c.tenants.Release(rs.run.TenantID)
			comp.env, comp.attempt, comp.state, comp.spent, comp.err = c.executeNode(wctx, rs, node, items)
		}
		return comp.err
	})
	if submitErr != nil {
		rs.completions <- &stepCompletion{
			nodeID:  nodeID,
			state:   schema.StepStatusDispatched,
			input:   marshalItems(items),
			started: started,
			err:     schema.NewErrorf(schema.ErrCodeCancelled, "dispatch rejected: %s", submitErr.Error()).WithCause(submitErr),
		}
	}
}

// openApproval persists an approval task and marks the step (and, once the
// frontier drains, the run) as waiting.
func (c *Coordinator) openApproval(ctx context.Context, rs *runState, nodeID string, items []schema.Item) {
	node := rs.plan.Nodes[nodeID]
	role := node.Settings.ApproverRole
	if role == "" {
		role = "operator"
	}
	task := &store.ApprovalTask{
		ID:           uuid.New().String(),
		TenantID:     rs.run.TenantID,
		RunID:        rs.run.ID,
		NodeID:       nodeID,
		ApproverRole: role,
		Context:      marshalItems(items),
		Decision:     schema.DecisionPending,
	}
	if d := node.Settings.ExecutionTimeout(); d > 0 {
		exp := time.Now().UTC().Add(d)
		task.ExpiresAt = &exp
	}
	if err := c.store.CreateApproval(ctx, task); err != nil {
		werr := schema.NewErrorf(schema.ErrCodeStore, "create approval task: %s", err.Error()).WithCause(err)
		c.failStep(ctx, rs, nodeID, schema.StepStatusDispatched, werr, 0, marshalItems(items))
		if rs.failure == nil {
			rs.failure = werr
		}
		return
	}

	if err := c.stepFSM.Transition(ctx, rs.run.TenantID, rs.run.ID, nodeID, schema.StepStatusDispatched, schema.StepStatusWaiting); err != nil {
		c.logger.WarnContext(ctx, "approval transition failed", "run_id", rs.run.ID, "node_id", nodeID, "error", err)
	}
	rs.status[nodeID] = schema.StepStatusWaiting
	rs.waiting[nodeID] = task
	c.persistStep(ctx, rs, nodeID, &store.StepExecution{
		RunID: rs.run.ID, NodeID: nodeID, TenantID: rs.run.TenantID,
		Status: schema.StepStatusWaiting, Input: marshalItems(items),
	})
}

// executeNode runs a node in a worker with the retry budget, per-attempt
// timeout, circuit breaker, and idempotent replay applied. The returned
// StepStatus is the FSM state the step was left in, so the run loop can
// complete the transition without re-emitting lifecycle events. Every spent
// attempt comes back as its own failed record; the run loop appends them so
// the audit trail keeps one row per attempt.
func (c *Coordinator) executeNode(ctx context.Context, rs *runState, node *schema.Node, items []schema.Item) (*schema.Envelope, int, schema.StepStatus, []*store.StepExecution, error) {
	state := schema.StepStatusDispatched
	var spent []*store.StepExecution

	exec, err := c.registry.Resolve(node.Type)
	if err != nil {
		return nil, 1, state, spent, err
	}

	inputHash := ""
	if node.Settings.Idempotent {
		inputHash = dedup.HashItems(items)
		if env, ok := c.cache.GetStep(rs.run.ID, node.ID, inputHash); ok {
			_ = c.eventLog.AppendEvent(ctx, &store.RunEvent{
				TenantID: rs.run.TenantID, RunID: rs.run.ID, NodeID: node.ID,
				Type: schema.EventStepReplayed,
			})
			return env, 0, state, spent, nil
		}
	}

	maxTries := node.Settings.EffectiveMaxTries()
	lastAttempt := maxTries
	var lastErr error

	for attempt := 1; attempt <= maxTries; attempt++ {
		if cbErr := c.breakers.AllowRequest(rs.run.TenantID, node.Type); cbErr != nil {
			return nil, attempt, state, spent, cbErr
		}

		if err := c.stepFSM.Transition(ctx, rs.run.TenantID, rs.run.ID, node.ID, state, schema.StepStatusRunning); err != nil {
			return nil, attempt, state, spent, err
		}
		state = schema.StepStatusRunning

		attemptStart := time.Now().UTC()
		env, execErr := c.invoke(ctx, rs, node, exec, items, attempt)
		if execErr == nil {
			c.breakers.RecordSuccess(rs.run.TenantID, node.Type)
			if node.Settings.Idempotent && inputHash != "" {
				c.cache.PutStep(rs.run.ID, node.ID, inputHash, env)
			}
			return env, attempt, state, spent, nil
		}

		c.breakers.RecordFailure(rs.run.TenantID, node.Type)
		lastErr = execErr
		lastAttempt = attempt

		if attempt == maxTries || !IsRetryableError(execErr) {
			break
		}

		// The spent attempt gets its own record; the final attempt's row
		// is written by the run loop's failure path.
		errJSON, _ := json.Marshal(asWeftError(node.ID, execErr))
		attemptEnd := time.Now().UTC()
		spent = append(spent, &store.StepExecution{
			RunID: rs.run.ID, NodeID: node.ID, TenantID: rs.run.TenantID,
			Status: schema.StepStatusFailed, Attempt: attempt,
			Input: marshalItems(items), Error: errJSON,
			StartedAt: &attemptStart, CompletedAt: &attemptEnd,
			DurationMs: attemptEnd.Sub(attemptStart).Milliseconds(),
		})

		if err := c.stepFSM.Transition(ctx, rs.run.TenantID, rs.run.ID, node.ID, state, schema.StepStatusRetrying); err != nil {
			return nil, attempt, state, spent, err
		}
		state = schema.StepStatusRetrying
		if err := WaitForRetry(ctx, node.Settings.RetryDelay()); err != nil {
			return nil, attempt, state, spent, schema.NewError(schema.ErrCodeCancelled, "run cancelled during retry wait")
		}
	}

	return nil, lastAttempt, state, spent, lastErr
}

// invoke performs one attempt, honoring the per-attempt timeout and the
// node's iteration mode: flow-control and execute-once nodes get the whole
// sequence, everything else runs once per item.
func (c *Coordinator) invoke(ctx context.Context, rs *runState, node *schema.Node, exec executor.Executor, items []schema.Item, attempt int) (*schema.Envelope, error) {
	attemptCtx := ctx
	timeout := node.Settings.ExecutionTimeout()
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	in := executor.ExecutionInput{
		TenantID:   rs.run.TenantID,
		RunID:      rs.run.ID,
		NodeID:     node.ID,
		Attempt:    attempt,
		Parameters: node.Parameters,
		Timeout:    timeout,
	}

	if node.Settings.ExecuteOnce || isFlowControl(node.Type) || schema.IsTriggerType(node.Type) || len(items) <= 1 {
		in.Items = items
		env, err := exec.Execute(attemptCtx, in)
		return normalizeEnvelope(attemptCtx, node.ID, env, err)
	}

	// Per-item mode: one invocation per item, outputs concatenated. Any item
	// failing fails the whole attempt.
	out := &schema.Envelope{NodeID: node.ID, Status: schema.EnvelopeSuccess}
	for _, item := range items {
		in.Items = []schema.Item{item}
		env, err := exec.Execute(attemptCtx, in)
		env, err = normalizeEnvelope(attemptCtx, node.ID, env, err)
		if err != nil {
			return nil, err
		}
		out.Data = append(out.Data, env.Data...)
		out.TokensUsed += env.TokensUsed
	}
	return out, nil
}

// normalizeEnvelope folds an attempt timeout into a typed error and fills in
// envelope defaults.
func normalizeEnvelope(ctx context.Context, nodeID string, env *schema.Envelope, err error) (*schema.Envelope, error) {
	if err == nil && ctx.Err() == context.DeadlineExceeded {
		err = schema.NewErrorf(schema.ErrCodeTimeout, "node %s attempt timed out", nodeID).WithNode(nodeID)
	}
	if err != nil {
		return nil, err
	}
	if env == nil {
		env = schema.EmptyEnvelope(nodeID)
	}
	if env.NodeID == "" {
		env.NodeID = nodeID
	}
	return env, nil
}

// handleCompletion applies a worker result: success delivers outputs, failure
// runs the node's on-error policy.
func (c *Coordinator) handleCompletion(ctx context.Context, rs *runState, comp *stepCompletion) {
	nodeID := comp.nodeID

	if comp.err != nil {
		c.handleStepFailure(ctx, rs, comp)
		return
	}

	env := comp.env
	completed := time.Now().UTC()
	durationMs := completed.Sub(comp.started).Milliseconds()

	from := comp.state
	if from == schema.StepStatusDispatched {
		// Idempotent replay never entered running.
		if err := c.stepFSM.Transition(ctx, rs.run.TenantID, rs.run.ID, nodeID, from, schema.StepStatusRunning); err == nil {
			from = schema.StepStatusRunning
		}
	}
	if err := c.stepFSM.Transition(ctx, rs.run.TenantID, rs.run.ID, nodeID, from, schema.StepStatusSucceeded); err != nil {
		c.logger.WarnContext(ctx, "success transition failed", "run_id", rs.run.ID, "node_id", nodeID, "error", err)
	}
	rs.status[nodeID] = schema.StepStatusSucceeded

	c.persistSpentAttempts(ctx, rs, comp)
	step := &store.StepExecution{
		RunID: rs.run.ID, NodeID: nodeID, TenantID: rs.run.TenantID,
		Status: schema.StepStatusSucceeded, Attempt: comp.attempt,
		Port: env.Port, Input: comp.input, TokensUsed: env.TokensUsed,
		StartedAt: &comp.started, CompletedAt: &completed, DurationMs: durationMs,
	}
	c.persistOutput(ctx, rs, step, env)
	c.persistStep(ctx, rs, nodeID, step)

	rs.results[nodeID] = &StepResult{
		NodeID: nodeID, Status: schema.StepStatusSucceeded,
		Output: marshalItems(env.Data), DurationMs: durationMs,
	}

	c.deliver(rs, nodeID, env, false)
}

// handleStepFailure applies the node's on-error policy once the retry budget
// is spent. The error is recorded on the attempt row regardless of policy;
// policy only decides continuation.
func (c *Coordinator) handleStepFailure(ctx context.Context, rs *runState, comp *stepCompletion) {
	nodeID := comp.nodeID
	node := rs.plan.Nodes[nodeID]
	werr := asWeftError(nodeID, comp.err)

	c.persistSpentAttempts(ctx, rs, comp)
	c.failStep(ctx, rs, nodeID, comp.state, werr, comp.attempt, comp.input)

	switch node.Settings.EffectiveOnError() {
	case schema.OnErrorContinueRegular:
		env := schema.EmptyEnvelope(nodeID)
		if node.Settings.AlwaysOutputData {
			env.Data = c.collectInputs(rs, nodeID)
		}
		c.deliver(rs, nodeID, env, false)

	case schema.OnErrorContinueErrorOut:
		// With no error edge wired the policy degrades to stop_workflow.
		if len(rs.plan.ErrorEdges(nodeID)) == 0 {
			if rs.failure == nil {
				rs.failure = werr
			}
			return
		}
		item, _ := json.Marshal(schema.ErrorDetail{Kind: werr.Code, Message: werr.Message})
		env := &schema.Envelope{
			NodeID: nodeID,
			Status: schema.EnvelopeError,
			Data:   []schema.Item{item},
			Error:  &schema.ErrorDetail{Kind: werr.Code, Message: werr.Message},
		}
		c.deliver(rs, nodeID, env, true)

	default: // stop_workflow
		if rs.failure == nil {
			rs.failure = werr
		}
	}
}

// persistSpentAttempts appends the failed-attempt rows a worker brought back
// with its completion. Runs on the loop goroutine to keep a single writer
// per run.
func (c *Coordinator) persistSpentAttempts(ctx context.Context, rs *runState, comp *stepCompletion) {
	for _, row := range comp.spent {
		c.persistStep(ctx, rs, comp.nodeID, row)
	}
}

// failStep transitions the step to failed from the given FSM state and
// records the final attempt with its error.
func (c *Coordinator) failStep(ctx context.Context, rs *runState, nodeID string, from schema.StepStatus, werr *schema.WeftError, attempt int, input json.RawMessage) {
	if from == schema.StepStatusDispatched {
		// Failed before any attempt started (breaker open, unknown type).
		if err := c.stepFSM.Transition(ctx, rs.run.TenantID, rs.run.ID, nodeID, from, schema.StepStatusRunning); err == nil {
			from = schema.StepStatusRunning
		}
	}
	if err := c.stepFSM.Transition(ctx, rs.run.TenantID, rs.run.ID, nodeID, from, schema.StepStatusFailed); err != nil {
		c.logger.WarnContext(ctx, "failure transition failed", "run_id", rs.run.ID, "node_id", nodeID, "error", err)
	}
	rs.status[nodeID] = schema.StepStatusFailed

	errJSON, _ := json.Marshal(werr)
	c.persistStep(ctx, rs, nodeID, &store.StepExecution{
		RunID: rs.run.ID, NodeID: nodeID, TenantID: rs.run.TenantID,
		Status: schema.StepStatusFailed, Attempt: attempt, Input: input, Error: errJSON,
	})
	rs.results[nodeID] = &StepResult{NodeID: nodeID, Status: schema.StepStatusFailed, Error: werr}
}

// deliver satisfies the edges of the activated output ports and prunes the
// rest. errorPath routes through the error port only.
func (c *Coordinator) deliver(rs *runState, nodeID string, env *schema.Envelope, errorPath bool) {
	outgoing := rs.plan.Outgoing[nodeID]

	for port, edges := range outgoing {
		var activate bool
		switch {
		case errorPath:
			activate = port == schema.PortError
		case env.Port != "":
			activate = port == env.Port
		default:
			activate = port != schema.PortError
		}
		for _, ei := range edges {
			if activate {
				rs.satisfied[ei] = true
				rs.edgeItems[ei] = env.Data
				c.noteLateArrival(rs, ei)
			} else {
				rs.pruned[ei] = true
			}
		}
	}
}

// noteLateArrival audits an input that landed on a node which already fired
// under fan_in=any. The late payload is dropped.
func (c *Coordinator) noteLateArrival(rs *runState, ei int) {
	target := rs.plan.Edges[ei].Target
	st := rs.status[target]
	if st == schema.StepStatusPending {
		return
	}
	c.logger.Debug("input arrived after node fired",
		"run_id", rs.run.ID, "node_id", target, "edge", ei, "status", string(st))
}

// drainInflight collects outstanding completions after cancellation so
// worker goroutines are not left blocked on the channel.
func (c *Coordinator) drainInflight(rs *runState) {
	for rs.inflight > 0 {
		comp := <-rs.completions
		rs.inflight--
		if comp.err == nil && comp.env != nil {
			// Result arrived after cancellation; record but do not advance.
			rs.results[comp.nodeID] = &StepResult{NodeID: comp.nodeID, Status: schema.StepStatusCancelled}
			rs.status[comp.nodeID] = schema.StepStatusCancelled
		}
	}
}

// suspendRun persists the waiting state and returns a waiting result.
func (c *Coordinator) suspendRun(ctx context.Context, rs *runState) *RunResult {
	if err := c.runFSM.Transition(ctx, rs.run.TenantID, rs.run.ID, schema.RunStatusRunning, schema.RunStatusWaiting); err != nil {
		c.logger.WarnContext(ctx, "suspend transition failed", "run_id", rs.run.ID, "error", err)
	}
	waiting := schema.RunStatusWaiting
	err := c.storeRetry(ctx, "update run", func(dctx context.Context) error {
		return c.store.UpdateRun(dctx, rs.run.TenantID, rs.run.ID, store.RunUpdate{Status: &waiting})
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "persist waiting run", "run_id", rs.run.ID, "error", err)
	}

	result := &RunResult{
		RunID:  rs.run.ID,
		Status: schema.RunStatusWaiting,
		Steps:  rs.results,
	}
	// Surface the earliest open gate in plan order.
	for _, node := range rs.plan.Sorted {
		if task, ok := rs.waiting[node]; ok {
			result.Approval = task
			break
		}
	}
	if rs.run.StartedAt != nil {
		result.StartedAt = *rs.run.StartedAt
	}
	return result
}

// finishRun computes the terminal status, cancels leftovers, and persists
// the outcome.
func (c *Coordinator) finishRun(ctx context.Context, rs *runState) *RunResult {
	now := time.Now().UTC()

	var final schema.RunStatus
	switch {
	case ctx.Err() != nil:
		// Cancellation wins over step failures induced by the teardown.
		final = schema.RunStatusCancelled
		if rs.failure == nil {
			rs.failure = schema.NewError(schema.ErrCodeCancelled, "run cancelled")
		}
	case rs.failure != nil:
		final = schema.RunStatusFailed
	default:
		final = schema.RunStatusSucceeded
	}

	// Steps that never got a chance are cancelled on failure paths.
	if final != schema.RunStatusSucceeded {
		for nodeID, st := range rs.status {
			if st.Terminal() {
				continue
			}
			if canCancel(st) {
				// Detached context: the run context may already be done.
				if err := c.stepFSM.Transition(context.WithoutCancel(ctx), rs.run.TenantID, rs.run.ID, nodeID, st, schema.StepStatusCancelled); err != nil {
					c.logger.Warn("cancel transition failed", "run_id", rs.run.ID, "node_id", nodeID, "error", err)
				}
			}
			rs.status[nodeID] = schema.StepStatusCancelled
			rs.results[nodeID] = &StepResult{NodeID: nodeID, Status: schema.StepStatusCancelled}
		}
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := c.runFSM.Transition(persistCtx, rs.run.TenantID, rs.run.ID, schema.RunStatusRunning, final); err != nil {
		c.logger.Warn("final transition failed", "run_id", rs.run.ID, "error", err)
	}

	result := &RunResult{
		RunID:       rs.run.ID,
		Status:      final,
		Steps:       rs.results,
		CompletedAt: &now,
	}
	if rs.run.StartedAt != nil {
		result.StartedAt = *rs.run.StartedAt
	}
	if final == schema.RunStatusFailed || final == schema.RunStatusCancelled {
		result.Error = rs.failure
	}
	if final == schema.RunStatusSucceeded {
		result.Output = c.collectRunOutput(rs)
	}

	update := store.RunUpdate{Status: &final, CompletedAt: &now}
	if result.Output != nil {
		update.Output = result.Output
	}
	if result.Error != nil {
		errJSON, _ := json.Marshal(result.Error)
		update.Error = errJSON
	}
	err := c.storeRetry(persistCtx, "update run", func(dctx context.Context) error {
		return c.store.UpdateRun(dctx, rs.run.TenantID, rs.run.ID, update)
	})
	if err != nil {
		c.logger.Error("persist run outcome", "run_id", rs.run.ID, "error", err)
	}

	return result
}

// collectRunOutput aggregates the outputs of succeeded leaf nodes (no
// outgoing regular edges) into one object keyed by node id.
func (c *Coordinator) collectRunOutput(rs *runState) json.RawMessage {
	leaves := make(map[string]json.RawMessage)
	for nodeID, st := range rs.status {
		if st != schema.StepStatusSucceeded {
			continue
		}
		if len(rs.plan.RegularEdges(nodeID)) > 0 {
			continue
		}
		if res := rs.results[nodeID]; res != nil && res.Output != nil {
			leaves[nodeID] = res.Output
		}
	}
	if len(leaves) == 0 {
		return nil
	}
	out, err := json.Marshal(leaves)
	if err != nil {
		return nil
	}
	return out
}

// persistOutput stores the envelope data on the step row, offloading to the
// artifact store past the inline limit.
func (c *Coordinator) persistOutput(ctx context.Context, rs *runState, step *store.StepExecution, env *schema.Envelope) {
	data := marshalItems(env.Data)
	if len(data) <= c.cfg.InlineLimit || c.artifacts == nil {
		step.Output = data
		return
	}
	key := fmt.Sprintf("runs/%s/steps/%s/%d.json", rs.run.ID, step.NodeID, step.Attempt)
	ref, err := c.artifacts.Put(ctx, rs.run.TenantID, key, data)
	if err != nil {
		c.logger.WarnContext(ctx, "artifact offload failed, storing inline",
			"run_id", rs.run.ID, "node_id", step.NodeID, "error", err)
		step.Output = data
		return
	}
	step.ArtifactRef = ref
	env.ArtifactRef = ref
}

// storeAttempts bounds retries of writes to the run store itself.
const storeAttempts = 3

// storeRetry runs a store write up to storeAttempts times with backoff,
// detached from run cancellation so state still lands during teardown.
func (c *Coordinator) storeRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	dctx := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= storeAttempts; attempt++ {
		if err = fn(dctx); err == nil {
			return nil
		}
		c.logger.Warn("store write failed", "op", op, "attempt", attempt, "error", err)
		if attempt < storeAttempts {
			time.Sleep(SystemBackoff(attempt))
		}
	}
	return err
}

// persistStep runs on the loop goroutine; exhausting the write retries
// fails the run rather than dropping the record.
func (c *Coordinator) persistStep(ctx context.Context, rs *runState, nodeID string, step *store.StepExecution) {
	err := c.storeRetry(ctx, "upsert step", func(dctx context.Context) error {
		return c.store.UpsertStep(dctx, step)
	})
	if err != nil {
		c.logger.Error("persist step state", "run_id", rs.run.ID, "node_id", nodeID, "error", err)
		if rs.failure == nil {
			rs.failure = schema.NewErrorf(schema.ErrCodeStore, "persist step %s: %s", nodeID, err.Error()).WithNode(nodeID).WithCause(err)
		}
	}
}

// --- Resume and approvals ---

// ApprovalOutcome is the decision handed back to a waiting run.
type ApprovalOutcome struct {
	Task     *store.ApprovalTask
	Approved bool
	Payload  json.RawMessage
	Expired  bool
}

// ResumeRun continues a waiting run after an approval decision. The decision
// must already be persisted on the task.
func (c *Coordinator) ResumeRun(ctx context.Context, tenantID, runID string, outcome *ApprovalOutcome) (*RunResult, error) {
	run, err := c.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusWaiting {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "cannot resume run in status %s", run.Status)
	}

	rec, err := c.store.GetVersion(ctx, tenantID, run.VersionID)
	if err != nil {
		return nil, err
	}
	p, err := plan.Build(&rec.Definition, c.registry, nil)
	if err != nil {
		return nil, err
	}

	trigger := run.TriggerNodeID
	if trigger == "" {
		trigger = p.Triggers[0]
	}
	rs := c.newRunState(run, p, trigger)

	if err := c.rebuildState(ctx, rs); err != nil {
		return nil, err
	}

	if err := c.runFSM.Transition(ctx, tenantID, runID, schema.RunStatusWaiting, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	running := schema.RunStatusRunning
	if err := c.store.UpdateRun(ctx, tenantID, runID, store.RunUpdate{Status: &running}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "update run status: %s", err.Error()).WithCause(err)
	}
	run.Status = running

	execCtx, execCancel := context.WithCancel(ctx)
	rs.cancel = execCancel
	c.register(rs)
	defer c.unregister(rs)
	defer execCancel()

	if outcome != nil {
		c.applyApprovalOutcome(execCtx, rs, outcome)
	}

	return c.loop(execCtx, rs), nil
}

// rebuildState reconstructs frontier state from the event log and the
// materialized step rows: the log decides what happened, the rows carry the
// payloads replay needs.
func (c *Coordinator) rebuildState(ctx context.Context, rs *runState) error {
	replayed, err := c.eventLog.ReplayStepStates(ctx, rs.run.ID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "replay events: %s", err.Error()).WithCause(err)
	}
	rows, err := c.store.ListSteps(ctx, rs.run.ID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list steps: %s", err.Error()).WithCause(err)
	}
	byNode := make(map[string]*store.StepExecution, len(rows))
	for _, row := range rows {
		byNode[row.NodeID] = row
	}

	// Prune non-firing triggers exactly as the original start did.
	for _, t := range rs.plan.Triggers {
		if t == rs.trigger {
			continue
		}
		rs.status[t] = schema.StepStatusPruned
		rs.results[t] = &StepResult{NodeID: t, Status: schema.StepStatusPruned}
		for _, edges := range rs.plan.Outgoing[t] {
			for _, ei := range edges {
				rs.pruned[ei] = true
			}
		}
	}

	// The trigger left no events or rows; re-derive its output from the
	// stored run input so downstream deliveries line up.
	var items []schema.Item
	if len(rs.run.Input) > 0 {
		if err := json.Unmarshal(rs.run.Input, &items); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "run input is not a JSON array: %s", err.Error())
		}
	}
	if err := c.seedTrigger(ctx, rs, items); err != nil {
		return asWeftError(rs.trigger, err)
	}

	// Walk in topological order so upstream deliveries land before any
	// downstream readiness question is asked.
	for _, nodeID := range rs.plan.Sorted {
		st, ok := replayed[nodeID]
		if !ok {
			continue
		}
		row := byNode[nodeID]

		switch st.Status {
		case schema.StepStatusSucceeded:
			rs.status[nodeID] = schema.StepStatusSucceeded
			env := &schema.Envelope{NodeID: nodeID, Status: schema.EnvelopeSuccess}
			if row != nil {
				env.Port = row.Port
				env.Data = unmarshalItems(row.Output)
			} else {
				env.Data = unmarshalItems(st.Output)
			}
			rs.results[nodeID] = &StepResult{NodeID: nodeID, Status: schema.StepStatusSucceeded, Output: marshalItems(env.Data)}
			c.deliver(rs, nodeID, env, false)

		case schema.StepStatusFailed:
			rs.status[nodeID] = schema.StepStatusFailed
			werr := schema.NewError(schema.ErrCodeExecution, "step failed before suspension")
			if row != nil && len(row.Error) > 0 {
				var stored schema.WeftError
				if json.Unmarshal(row.Error, &stored) == nil && stored.Code != "" {
					werr = &stored
				}
			}
			rs.results[nodeID] = &StepResult{NodeID: nodeID, Status: schema.StepStatusFailed, Error: werr}
			node := rs.plan.Nodes[nodeID]
			switch node.Settings.EffectiveOnError() {
			case schema.OnErrorContinueRegular:
				env := schema.EmptyEnvelope(nodeID)
				if row != nil {
					env.Data = unmarshalItems(row.Output)
				}
				c.deliver(rs, nodeID, env, false)
			case schema.OnErrorContinueErrorOut:
				if len(rs.plan.ErrorEdges(nodeID)) == 0 {
					// No error edge wired: the policy degrades to stop_workflow.
					if rs.failure == nil {
						rs.failure = werr
					}
					continue
				}
				item, _ := json.Marshal(schema.ErrorDetail{Kind: werr.Code, Message: werr.Message})
				c.deliver(rs, nodeID, &schema.Envelope{
					NodeID: nodeID, Status: schema.EnvelopeError, Data: []schema.Item{item},
				}, true)
			default:
				if rs.failure == nil {
					rs.failure = werr
				}
			}

		case schema.StepStatusSkipped:
			rs.status[nodeID] = schema.StepStatusSkipped
			env := &schema.Envelope{NodeID: nodeID, Status: schema.EnvelopeSuccess}
			if row != nil {
				env.Data = unmarshalItems(row.Output)
			}
			rs.results[nodeID] = &StepResult{NodeID: nodeID, Status: schema.StepStatusSkipped}
			c.deliver(rs, nodeID, env, false)

		case schema.StepStatusPruned:
			rs.status[nodeID] = schema.StepStatusPruned
			rs.results[nodeID] = &StepResult{NodeID: nodeID, Status: schema.StepStatusPruned}
			for _, edges := range rs.plan.Outgoing[nodeID] {
				for _, ei := range edges {
					rs.pruned[ei] = true
				}
			}

		case schema.StepStatusWaiting:
			// The approval node; resolved by applyApprovalOutcome.
			rs.status[nodeID] = schema.StepStatusWaiting
		}
	}

	// Re-open gates still awaiting a decision so the run suspends again if
	// the frontier drains before they resolve.
	pending := schema.DecisionPending
	tasks, err := c.store.ListApprovals(ctx, store.ApprovalFilter{TenantID: rs.run.TenantID, RunID: rs.run.ID, Decision: &pending})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list approvals: %s", err.Error()).WithCause(err)
	}
	for _, task := range tasks {
		if rs.status[task.NodeID] == schema.StepStatusWaiting {
			rs.waiting[task.NodeID] = task
		}
	}
	return nil
}

// applyApprovalOutcome turns a decided approval into the gate node's
// envelope: approval passes the buffered input through the main port,
// rejection routes the error port or fails the run.
func (c *Coordinator) applyApprovalOutcome(ctx context.Context, rs *runState, outcome *ApprovalOutcome) {
	nodeID := outcome.Task.NodeID
	if rs.status[nodeID] != schema.StepStatusWaiting {
		c.logger.WarnContext(ctx, "approval outcome for non-waiting node",
			"run_id", rs.run.ID, "node_id", nodeID, "status", string(rs.status[nodeID]))
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"task_id":    outcome.Task.ID,
		"decision":   string(outcome.Task.Decision),
		"decided_by": outcome.Task.DecidedBy,
	})
	_ = c.eventLog.AppendEvent(ctx, &store.RunEvent{
		TenantID: rs.run.TenantID, RunID: rs.run.ID, NodeID: nodeID,
		Type: schema.EventApprovalResolved, Payload: payload, Actor: outcome.Task.DecidedBy,
	})

	delete(rs.waiting, nodeID)

	if outcome.Approved {
		if err := c.stepFSM.Transition(ctx, rs.run.TenantID, rs.run.ID, nodeID, schema.StepStatusWaiting, schema.StepStatusSucceeded); err != nil {
			c.logger.WarnContext(ctx, "approval success transition failed", "run_id", rs.run.ID, "node_id", nodeID, "error", err)
		}
		rs.status[nodeID] = schema.StepStatusSucceeded
		env := &schema.Envelope{NodeID: nodeID, Status: schema.EnvelopeSuccess, Data: unmarshalItems(outcome.Task.Context)}
		if len(outcome.Payload) > 0 {
			env.Data = append(env.Data, schema.Item(outcome.Payload))
		}
		c.persistStep(ctx, rs, nodeID, &store.StepExecution{
			RunID: rs.run.ID, NodeID: nodeID, TenantID: rs.run.TenantID,
			Status: schema.StepStatusSucceeded, Output: marshalItems(env.Data),
		})
		rs.results[nodeID] = &StepResult{NodeID: nodeID, Status: schema.StepStatusSucceeded, Output: marshalItems(env.Data)}
		c.deliver(rs, nodeID, env, false)
		return
	}

	code := schema.ErrCodeApprovalRejected
	msg := "approval rejected"
	if outcome.Expired {
		code = schema.ErrCodeApprovalTimeout
		msg = "approval expired before a decision"
	}
	werr := schema.NewError(code, msg).WithNode(nodeID)
	if outcome.Task.Reason != "" {
		werr = werr.WithDetails(map[string]any{"reason": outcome.Task.Reason})
	}
	c.failStep(ctx, rs, nodeID, schema.StepStatusWaiting, werr, 0, outcome.Task.Context)

	if len(rs.plan.ErrorEdges(nodeID)) > 0 {
		item, _ := json.Marshal(schema.ErrorDetail{Kind: code, Message: msg})
		c.deliver(rs, nodeID, &schema.Envelope{
			NodeID: nodeID, Status: schema.EnvelopeError, Data: []schema.Item{item},
		}, true)
		return
	}
	if rs.failure == nil {
		rs.failure = werr
	}
}

// CancelRun terminates a run with a reason, cascading to its steps.
func (c *Coordinator) CancelRun(ctx context.Context, tenantID, runID, reason string) error {
	run, err := c.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run already %s", run.Status)
	}

	// A live run cancels through its context; the loop persists the outcome.
	c.mu.Lock()
	rs, live := c.active[runKey(tenantID, runID)]
	c.mu.Unlock()
	if live {
		rs.cancel()
		return nil
	}

	steps, err := c.store.ListSteps(ctx, runID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list steps: %s", err.Error()).WithCause(err)
	}
	stateMap := make(map[string]schema.StepStatus, len(steps))
	for _, st := range steps {
		stateMap[st.NodeID] = st.Status
	}

	if err := CancelRunSteps(ctx, c.runFSM, c.stepFSM, tenantID, runID, run.Status, stateMap); err != nil {
		return err
	}

	cancelled := schema.RunStatusCancelled
	now := time.Now().UTC()
	errPayload, _ := json.Marshal(map[string]string{"reason": reason})
	if err := c.store.UpdateRun(ctx, tenantID, runID, store.RunUpdate{
		Status:      &cancelled,
		CompletedAt: &now,
		Error:       errPayload,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update run status: %s", err.Error()).WithCause(err)
	}

	for _, st := range steps {
		if canCancel(st.Status) {
			st.Status = schema.StepStatusCancelled
			if err := c.store.UpsertStep(ctx, st); err != nil {
				return schema.NewErrorf(schema.ErrCodeStore, "update step %s: %s", st.NodeID, err.Error()).WithCause(err)
			}
		}
	}
	return nil
}

// Status returns the current run snapshot.
func (c *Coordinator) Status(ctx context.Context, tenantID, runID string) (*RunSnapshot, error) {
	run, err := c.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	steps, err := c.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list steps: %s", err.Error()).WithCause(err)
	}
	approvals, err := c.store.ListApprovals(ctx, store.ApprovalFilter{TenantID: tenantID, RunID: runID})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list approvals: %s", err.Error()).WithCause(err)
	}
	events, err := c.eventLog.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get events: %s", err.Error()).WithCause(err)
	}
	return &RunSnapshot{Run: run, Steps: steps, Approvals: approvals, Events: events}, nil
}

// --- helpers ---

func isFlowControl(nodeType string) bool {
	switch nodeType {
	case schema.NodeTypeIf, schema.NodeTypeSwitch, schema.NodeTypeMerge,
		schema.NodeTypeWait, schema.NodeTypeHumanApproval:
		return true
	}
	return false
}

func asWeftError(nodeID string, err error) *schema.WeftError {
	var werr *schema.WeftError
	if errors.As(err, &werr) {
		if werr.NodeID == "" {
			werr.NodeID = nodeID
		}
		return werr
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "step %s: %s", nodeID, err.Error()).WithNode(nodeID).WithCause(err)
}

func marshalItems(items []schema.Item) json.RawMessage {
	if items == nil {
		return nil
	}
	out, err := json.Marshal(items)
	if err != nil {
		return nil
	}
	return out
}

func unmarshalItems(raw json.RawMessage) []schema.Item {
	if len(raw) == 0 {
		return nil
	}
	var items []schema.Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}
