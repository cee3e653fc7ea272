package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNodeSettings_EffectiveMaxTries(t *testing.T) {
	cases := []struct {
		name     string
		settings NodeSettings
		want     int
	}{
		{"default is single attempt", NodeSettings{}, 1},
		{"max_tries ignored without retry_on_fail", NodeSettings{MaxTries: 4}, 1},
		{"retry with budget", NodeSettings{RetryOnFail: true, MaxTries: 3}, 3},
		{"retry without explicit budget", NodeSettings{RetryOnFail: true}, 1},
		{"clamped to upper bound", NodeSettings{RetryOnFail: true, MaxTries: 99}, 5},
		{"clamped to lower bound", NodeSettings{RetryOnFail: true, MaxTries: -2}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.settings.EffectiveMaxTries())
		})
	}
}

func TestNodeSettings_RetryDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), NodeSettings{}.RetryDelay())
	assert.Equal(t, 250*time.Millisecond, NodeSettings{WaitBetweenTries: 250}.RetryDelay())
	assert.Equal(t, 5*time.Second, NodeSettings{WaitBetweenTries: 60000}.RetryDelay())
	assert.Equal(t, time.Duration(0), NodeSettings{WaitBetweenTries: -10}.RetryDelay())
}

func TestNodeSettings_EffectiveOnError(t *testing.T) {
	assert.Equal(t, OnErrorStopWorkflow, NodeSettings{}.EffectiveOnError())
	assert.Equal(t, OnErrorContinueRegular, NodeSettings{ContinueOnFail: true}.EffectiveOnError())
	assert.Equal(t, OnErrorContinueErrorOut,
		NodeSettings{OnError: OnErrorContinueErrorOut, ContinueOnFail: true}.EffectiveOnError())
}

func TestNodeSettings_EffectiveFanIn(t *testing.T) {
	assert.Equal(t, FanInAll, NodeSettings{}.EffectiveFanIn())
	assert.Equal(t, FanInAll, NodeSettings{FanIn: FanIn("sometimes")}.EffectiveFanIn())
	assert.Equal(t, FanInAny, NodeSettings{FanIn: FanInAny}.EffectiveFanIn())
}

func TestNodeSettings_ExecutionTimeout(t *testing.T) {
	assert.Equal(t, time.Duration(0), NodeSettings{}.ExecutionTimeout())
	assert.Equal(t, 30*time.Second, NodeSettings{Timeout: "30s"}.ExecutionTimeout())
	assert.Equal(t, time.Duration(0), NodeSettings{Timeout: "whenever"}.ExecutionTimeout())
	assert.Equal(t, time.Duration(0), NodeSettings{Timeout: "-5s"}.ExecutionTimeout())
}

func TestIsTriggerType(t *testing.T) {
	assert.True(t, IsTriggerType(NodeTypeManualTrigger))
	assert.True(t, IsTriggerType(NodeTypeWebhookTrigger))
	assert.True(t, IsTriggerType(NodeTypeScheduleTrigger))
	assert.False(t, IsTriggerType(NodeTypeNoop))
	assert.False(t, IsTriggerType("quantum_sort"))
}

func TestPortSpec(t *testing.T) {
	spec := PortSpec{Inputs: []string{PortMain}, Outputs: []string{PortMain, PortError}}
	assert.True(t, spec.HasInput(PortMain))
	assert.False(t, spec.HasInput(PortError))
	assert.True(t, spec.HasOutput(PortError))
	assert.True(t, spec.HasErrorOutput())

	dynamic := PortSpec{Outputs: []string{PortDefault}, DynamicOutputs: true}
	assert.True(t, dynamic.HasOutput("region_eu"))
	assert.False(t, dynamic.HasOutput(""))
	// Dynamic specs admit any named port, the error port included.
	assert.True(t, dynamic.HasErrorOutput())
}
