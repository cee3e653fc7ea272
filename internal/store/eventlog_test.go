package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftwork/weft/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func TestEventLog_AppendEvent_MonotonicSequence(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s, "acme")

	for i := 0; i < 5; i++ {
		e := &RunEvent{
			TenantID: "acme",
			RunID:    run.ID,
			NodeID:   "fetch",
			Type:     schema.EventStepStarted,
		}
		require.NoError(t, el.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
	}
}

func TestEventLog_PerRunSequences(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	r1 := seedRun(t, s, "acme")
	r2 := seedRun(t, s, "acme")

	for i := 0; i < 3; i++ {
		require.NoError(t, el.AppendEvent(ctx, &RunEvent{TenantID: "acme", RunID: r1.ID, Type: schema.EventRunStarted}))
	}
	e := &RunEvent{TenantID: "acme", RunID: r2.ID, Type: schema.EventRunStarted}
	require.NoError(t, el.AppendEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence, "each run has its own sequence")
}

func TestEventLog_AppendEvent_Concurrent(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s, "acme")

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := &RunEvent{TenantID: "acme", RunID: run.ID, Type: schema.EventStepStarted}
			assert.NoError(t, el.AppendEvent(ctx, e))
		}()
	}
	wg.Wait()

	events, err := el.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, writers)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence, "no gaps or duplicates")
	}
}

func TestEventLog_GetEvents_Since(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s, "acme")

	for _, et := range []string{schema.EventRunStarted, schema.EventStepStarted, schema.EventStepSucceeded} {
		require.NoError(t, el.AppendEvent(ctx, &RunEvent{TenantID: "acme", RunID: run.ID, NodeID: "fetch", Type: et}))
	}

	events, err := el.GetEvents(ctx, run.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventStepStarted, events[0].Type)
	assert.Equal(t, schema.EventStepSucceeded, events[1].Type)
}

func TestEventLog_ReplayStepStates(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s, "acme")

	emit := func(nodeID, eventType string, payload json.RawMessage) {
		require.NoError(t, el.AppendEvent(ctx, &RunEvent{
			TenantID: "acme", RunID: run.ID, NodeID: nodeID, Type: eventType, Payload: payload,
		}))
	}

	emit("fetch", schema.EventStepStarted, nil)
	emit("fetch", schema.EventStepSucceeded, json.RawMessage(`[{"ok": true}]`))
	emit("notify", schema.EventStepStarted, nil)
	emit("notify", schema.EventStepRetrying, nil)
	emit("notify", schema.EventStepStarted, nil)
	emit("notify", schema.EventStepFailed, json.RawMessage(`{"code": "EXECUTION_ERROR"}`))
	emit("cleanup", schema.EventStepPruned, nil)

	states, err := el.ReplayStepStates(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, states, 3)

	assert.Equal(t, schema.StepStatusSucceeded, states["fetch"].Status)
	assert.JSONEq(t, `[{"ok": true}]`, string(states["fetch"].Output))

	assert.Equal(t, schema.StepStatusFailed, states["notify"].Status)
	assert.Equal(t, 2, states["notify"].Attempt)

	assert.Equal(t, schema.StepStatusPruned, states["cleanup"].Status)
}

func TestEventLog_ReplayStepStates_ApprovalSuspends(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s, "acme")

	require.NoError(t, el.AppendEvent(ctx, &RunEvent{
		TenantID: "acme", RunID: run.ID, NodeID: "gate", Type: schema.EventApprovalRequested,
	}))

	states, err := el.ReplayStepStates(ctx, run.ID)
	require.NoError(t, err)
	require.Contains(t, states, "gate")
	assert.Equal(t, schema.StepStatusWaiting, states["gate"].Status)
}

func TestEventLog_ReplayStepStates_Empty(t *testing.T) {
	el, s := newTestEventLog(t)
	run := seedRun(t, s, "acme")

	states, err := el.ReplayStepStates(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, states)
}
