// Package dispatch turns trigger firings into queued runs. It owns run
// deduplication (in-memory claim plus the store's unique dedup index) and the
// cron source that fires schedule triggers of published versions.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/weftwork/weft/internal/dedup"
	"github.com/weftwork/weft/internal/engine"
	"github.com/weftwork/weft/internal/rbac"
	"github.com/weftwork/weft/internal/store"
	"github.com/weftwork/weft/pkg/schema"
)

// Runner executes a queued run to completion. Satisfied by the coordinator.
type Runner interface {
	StartRun(ctx context.Context, run *store.Run) (*engine.RunResult, error)
}

// Dispatcher creates runs from trigger firings and hands them to the runner.
type Dispatcher struct {
	store  store.Store
	cache  *dedup.Cache
	runner Runner
	events engine.EventAppender
	logger *slog.Logger
	async  bool

	wg sync.WaitGroup
}

// NewDispatcher wires a Dispatcher. With async true, EnqueueRun returns as
// soon as the run is queued and execution proceeds in the background;
// otherwise the run is driven to completion before EnqueueRun returns.
func NewDispatcher(s store.Store, cache *dedup.Cache, runner Runner, events engine.EventAppender, logger *slog.Logger, async bool) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  s,
		cache:  cache,
		runner: runner,
		events: events,
		logger: logger.With("component", "dispatch"),
		async:  async,
	}
}

// EnqueueRequest describes one trigger firing.
type EnqueueRequest struct {
	TenantID      string          `json:"tenant_id"`
	VersionID     string          `json:"version_id"`
	TriggerNodeID string          `json:"trigger_node_id,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"` // JSON array of items
	DedupKey      string          `json:"dedup_key,omitempty"`
	RequestedBy   string          `json:"requested_by,omitempty"`
	Role          string          `json:"role,omitempty"` // empty = system caller, no rbac check
}

// EnqueueRun creates a queued run for the request and dispatches it. When the
// dedup key has already been claimed, the existing run is returned with
// deduped true and no new run is created.
func (d *Dispatcher) EnqueueRun(ctx context.Context, req EnqueueRequest) (*store.Run, bool, error) {
	if req.Role != "" {
		if err := rbac.Require(req.Role, rbac.EntityRun, rbac.ActionRun); err != nil {
			return nil, false, err
		}
	}
	rec, err := d.store.GetVersion(ctx, req.TenantID, req.VersionID)
	if err != nil {
		return nil, false, err
	}

	var items []schema.Item
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &items); err != nil {
			return nil, false, schema.NewError(schema.ErrCodeValidation, "run input must be a JSON array of items").WithCause(err)
		}
	}

	runID := uuid.New().String()

	if req.DedupKey != "" {
		if existing, found, err := d.findDuplicate(ctx, req); err != nil {
			return nil, false, err
		} else if found {
			return existing, true, nil
		}
		if winner, won := d.cache.ClaimRun(req.TenantID, req.DedupKey, runID); !won {
			existing, err := d.store.GetRun(ctx, req.TenantID, winner)
			if err != nil {
				return nil, false, err
			}
			d.recordDedup(ctx, existing, req)
			return existing, true, nil
		}
	}

	run := &store.Run{
		ID:            runID,
		WorkflowID:    rec.WorkflowID,
		VersionID:     req.VersionID,
		TenantID:      req.TenantID,
		Status:        schema.RunStatusQueued,
		TriggerNodeID: req.TriggerNodeID,
		DedupKey:      req.DedupKey,
		InputHash:     dedup.HashInput(req.TriggerNodeID, items),
		Input:         req.Input,
		RequestedBy:   req.RequestedBy,
	}
	if err := d.store.CreateRun(ctx, run); err != nil {
		if req.DedupKey != "" {
			d.cache.ReleaseRun(req.TenantID, req.DedupKey)
			// The unique dedup index may have raced us; surface the winner.
			if existing, found, ferr := d.findDuplicate(ctx, req); ferr == nil && found {
				return existing, true, nil
			}
		}
		return nil, false, schema.NewError(schema.ErrCodeStore, "create run").WithCause(err)
	}

	d.logger.Info("run queued",
		"tenant_id", req.TenantID, "run_id", run.ID,
		"version_id", req.VersionID, "trigger", req.TriggerNodeID)

	if d.async {
		d.wg.Add(1)
		bg := context.WithoutCancel(ctx)
		go func() {
			defer d.wg.Done()
			if _, err := d.runner.StartRun(bg, run); err != nil {
				d.logger.Error("run failed to start",
					"tenant_id", run.TenantID, "run_id", run.ID, "error", err)
			}
		}()
		return run, false, nil
	}

	if _, err := d.runner.StartRun(ctx, run); err != nil {
		return run, false, err
	}
	refreshed, err := d.store.GetRun(ctx, req.TenantID, run.ID)
	if err != nil {
		return run, false, nil
	}
	return refreshed, false, nil
}

// findDuplicate consults the durable dedup index.
func (d *Dispatcher) findDuplicate(ctx context.Context, req EnqueueRequest) (*store.Run, bool, error) {
	existing, err := d.store.FindRunByDedupKey(ctx, req.TenantID, req.DedupKey)
	if err != nil {
		var werr *schema.WeftError
		if errors.As(err, &werr) && werr.Code == schema.ErrCodeNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	d.recordDedup(ctx, existing, req)
	return existing, true, nil
}

func (d *Dispatcher) recordDedup(ctx context.Context, run *store.Run, req EnqueueRequest) {
	payload, _ := json.Marshal(map[string]string{
		"dedup_key":    req.DedupKey,
		"requested_by": req.RequestedBy,
	})
	event := &store.RunEvent{
		TenantID: run.TenantID,
		RunID:    run.ID,
		Type:     schema.EventRunDeduplicated,
		Payload:  payload,
		Actor:    req.RequestedBy,
	}
	if err := d.events.AppendEvent(ctx, event); err != nil {
		d.logger.Warn("record dedup event failed",
			"tenant_id", run.TenantID, "run_id", run.ID, "error", err)
	}
}

// Wait blocks until all background runs launched by this dispatcher finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
