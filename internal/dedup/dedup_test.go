package dedup

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftwork/weft/pkg/schema"
)

func TestClaimRun_FirstWriterWins(t *testing.T) {
	c := New(time.Minute)

	owner, won := c.ClaimRun("acme", "v1|start|tick-1", "run-a")
	assert.True(t, won)
	assert.Equal(t, "run-a", owner)

	owner, won = c.ClaimRun("acme", "v1|start|tick-1", "run-b")
	assert.False(t, won)
	assert.Equal(t, "run-a", owner, "loser learns the winning run")
}

func TestClaimRun_TenantScoped(t *testing.T) {
	c := New(time.Minute)

	_, won := c.ClaimRun("acme", "v1|start|tick-1", "run-a")
	require.True(t, won)

	_, won = c.ClaimRun("globex", "v1|start|tick-1", "run-b")
	assert.True(t, won, "same key in another tenant is independent")
}

func TestClaimRun_ReleaseReadmits(t *testing.T) {
	c := New(time.Minute)

	_, won := c.ClaimRun("acme", "k", "run-a")
	require.True(t, won)

	c.ReleaseRun("acme", "k")

	owner, won := c.ClaimRun("acme", "k", "run-b")
	assert.True(t, won)
	assert.Equal(t, "run-b", owner)
}

func TestClaimRun_Concurrent(t *testing.T) {
	c := New(time.Minute)

	const claimers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, won := c.ClaimRun("acme", "contested", string(rune('a'+id)))
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners, "exactly one claim succeeds")
}

func TestStepCache_RoundTrip(t *testing.T) {
	c := New(time.Minute)

	env := &schema.Envelope{
		NodeID: "fetch",
		Status: schema.EnvelopeSuccess,
		Data:   []schema.Item{json.RawMessage(`{"ok": true}`)},
	}
	c.PutStep("run-1", "fetch", "hash-1", env)

	got, ok := c.GetStep("run-1", "fetch", "hash-1")
	require.True(t, ok)
	assert.Equal(t, env, got)

	_, ok = c.GetStep("run-1", "fetch", "hash-2")
	assert.False(t, ok, "different input hash misses")
}

func TestHashItems_FormattingInsensitive(t *testing.T) {
	a := []schema.Item{json.RawMessage(`{"b": 1, "a": 2}`)}
	b := []schema.Item{json.RawMessage(`{"a":2,"b":1}`)}
	assert.Equal(t, HashItems(a), HashItems(b), "key order and whitespace do not matter")
}

func TestHashItems_OrderSensitive(t *testing.T) {
	a := []schema.Item{json.RawMessage(`1`), json.RawMessage(`2`)}
	b := []schema.Item{json.RawMessage(`2`), json.RawMessage(`1`)}
	assert.NotEqual(t, HashItems(a), HashItems(b))
}

func TestHashInput_TriggerScoped(t *testing.T) {
	items := []schema.Item{json.RawMessage(`{"x": 1}`)}
	assert.NotEqual(t, HashInput("start", items), HashInput("hook", items))
}
