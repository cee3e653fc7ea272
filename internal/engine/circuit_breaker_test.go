package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftwork/weft/pkg/schema"
)

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         50 * time.Millisecond,
		HalfOpenMax:      1,
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	reg := NewCircuitBreakerRegistry(testBreakerConfig())

	require.NoError(t, reg.AllowRequest("acme", "http_request"))
	reg.RecordFailure("acme", "http_request")
	reg.RecordFailure("acme", "http_request")
	assert.Equal(t, CircuitClosed, reg.GetState("acme", "http_request"))

	state := reg.RecordFailure("acme", "http_request")
	assert.Equal(t, CircuitOpen, state)

	err := reg.AllowRequest("acme", "http_request")
	require.Error(t, err)

	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, schema.ErrCodeCircuitOpen, werr.Code)
}

func TestCircuitBreaker_ScopedPerTenantAndType(t *testing.T) {
	reg := NewCircuitBreakerRegistry(testBreakerConfig())

	for i := 0; i < 3; i++ {
		reg.RecordFailure("acme", "http_request")
	}
	require.Error(t, reg.AllowRequest("acme", "http_request"))

	// Same type, other tenant: unaffected.
	assert.NoError(t, reg.AllowRequest("globex", "http_request"))
	// Same tenant, other type: unaffected.
	assert.NoError(t, reg.AllowRequest("acme", "llm_call"))
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	reg := NewCircuitBreakerRegistry(testBreakerConfig())

	for i := 0; i < 3; i++ {
		reg.RecordFailure("acme", "llm_call")
	}
	require.Error(t, reg.AllowRequest("acme", "llm_call"))

	time.Sleep(60 * time.Millisecond)

	// First request after cooldown is the half-open probe.
	require.NoError(t, reg.AllowRequest("acme", "llm_call"))
	// Second probe exceeds HalfOpenMax.
	require.Error(t, reg.AllowRequest("acme", "llm_call"))
}

func TestCircuitBreaker_RecoversOnProbeSuccess(t *testing.T) {
	reg := NewCircuitBreakerRegistry(testBreakerConfig())

	for i := 0; i < 3; i++ {
		reg.RecordFailure("acme", "send_message")
	}
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, reg.AllowRequest("acme", "send_message"))
	reg.RecordSuccess("acme", "send_message")

	assert.Equal(t, CircuitClosed, reg.GetState("acme", "send_message"))
	assert.NoError(t, reg.AllowRequest("acme", "send_message"))
}

func TestCircuitBreaker_ReopensOnProbeFailure(t *testing.T) {
	reg := NewCircuitBreakerRegistry(testBreakerConfig())

	for i := 0; i < 3; i++ {
		reg.RecordFailure("acme", "http_request")
	}
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, reg.AllowRequest("acme", "http_request"))
	state := reg.RecordFailure("acme", "http_request")
	assert.Equal(t, CircuitOpen, state)
	require.Error(t, reg.AllowRequest("acme", "http_request"))
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	reg := NewCircuitBreakerRegistry(testBreakerConfig())

	reg.RecordFailure("acme", "http_request")
	reg.RecordFailure("acme", "http_request")
	reg.RecordSuccess("acme", "http_request")
	reg.RecordFailure("acme", "http_request")
	reg.RecordFailure("acme", "http_request")

	assert.Equal(t, CircuitClosed, reg.GetState("acme", "http_request"))
	assert.NoError(t, reg.AllowRequest("acme", "http_request"))
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	reg := NewCircuitBreakerRegistry(testBreakerConfig())
	reg.RecordFailure("acme", "http_request")

	stats := reg.GetStats("acme", "http_request")
	assert.Equal(t, "acme", stats["tenant_id"])
	assert.Equal(t, "http_request", stats["node_type"])
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, 1, stats["consecutive_failures"])
}
