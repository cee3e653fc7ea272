package store

import (
	"context"
	"fmt"
	"time"

	"github.com/weftwork/weft/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
// Uses an immediate write-lock acquisition to ensure sequence correctness
// under concurrency.
func (el *EventLog) AppendEvent(ctx context.Context, event *RunEvent) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction. Execute a
	// write-intent statement first so the sequence read and the insert happen
	// under one write lock.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (tenant_id, run_id, node_id, event_type, payload, actor, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.TenantID, event.RunID, nullStr(event.NodeID), event.Type,
		nullRaw(event.Payload), nullStr(event.Actor), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*RunEvent, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayStepStates replays all events for a run and returns the reconstructed
// step execution states. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayStepStates(ctx context.Context, runID string) (map[string]*StepExecution, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*StepExecution), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	states := make(map[string]*StepExecution)

	for _, e := range events {
		if e.NodeID == "" {
			continue
		}

		st, ok := states[e.NodeID]
		if !ok {
			st = &StepExecution{
				RunID:    runID,
				NodeID:   e.NodeID,
				TenantID: e.TenantID,
				Status:   schema.StepStatusPending,
			}
			states[e.NodeID] = st
		}

		switch e.Type {
		case schema.EventStepDispatched:
			st.Status = schema.StepStatusDispatched

		case schema.EventStepStarted:
			st.Status = schema.StepStatusRunning
			st.Attempt++
			ts := e.Timestamp
			st.StartedAt = &ts

		case schema.EventStepSucceeded, schema.EventStepReplayed:
			st.Status = schema.StepStatusSucceeded
			ts := e.Timestamp
			st.CompletedAt = &ts
			st.Output = e.Payload
			if st.StartedAt != nil {
				st.DurationMs = ts.Sub(*st.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			st.Status = schema.StepStatusFailed
			st.Error = e.Payload

		case schema.EventStepRetrying:
			st.Status = schema.StepStatusRetrying

		case schema.EventStepSkipped:
			st.Status = schema.StepStatusSkipped

		case schema.EventStepPruned:
			st.Status = schema.StepStatusPruned

		case schema.EventStepCancelled:
			st.Status = schema.StepStatusCancelled

		case schema.EventApprovalRequested:
			st.Status = schema.StepStatusWaiting

		case schema.EventApprovalResolved:
			// The resolution payload carries the decision; the coordinator
			// transitions the step when it resumes the run.
		}
	}

	return states, nil
}
