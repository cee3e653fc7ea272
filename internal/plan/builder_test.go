package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftwork/weft/internal/executor"
	"github.com/weftwork/weft/pkg/schema"
)

func node(id, typ string) schema.Node {
	return schema.Node{ID: id, Type: typ}
}

func edge(source, sourcePort, target string) schema.Edge {
	return schema.Edge{Source: source, SourcePort: sourcePort, Target: target, TargetPort: schema.PortMain}
}

func build(t *testing.T, nodes []schema.Node, edges []schema.Edge) (*Plan, error) {
	t.Helper()
	return Build(&schema.WorkflowVersion{Nodes: nodes, Edges: edges}, executor.NewBuiltinRegistry(), nil)
}

func buildErrCode(t *testing.T, nodes []schema.Node, edges []schema.Edge) string {
	t.Helper()
	_, err := build(t, nodes, edges)
	var werr *schema.WeftError
	require.ErrorAs(t, err, &werr)
	return werr.Code
}

func TestBuild_LinearGraph(t *testing.T) {
	p, err := build(t,
		[]schema.Node{
			node("start", schema.NodeTypeManualTrigger),
			node("work", schema.NodeTypeNoop),
			node("done", schema.NodeTypeNoop),
		},
		[]schema.Edge{
			edge("start", schema.PortMain, "work"),
			edge("work", schema.PortMain, "done"),
		},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"start"}, p.Triggers)
	assert.Equal(t, []string{"start", "work", "done"}, p.Sorted)
	assert.Equal(t, []int{0}, p.Incoming["work"])
	assert.Equal(t, []int{1}, p.Outgoing["work"][schema.PortMain])
	assert.Empty(t, p.Incoming["start"])
}

func TestBuild_DefaultsEmptyPortsToMain(t *testing.T) {
	p, err := build(t,
		[]schema.Node{
			node("start", schema.NodeTypeManualTrigger),
			node("work", schema.NodeTypeNoop),
		},
		[]schema.Edge{{Source: "start", Target: "work"}},
	)
	require.NoError(t, err)
	assert.Equal(t, schema.PortMain, p.Edges[0].SourcePort)
	assert.Equal(t, schema.PortMain, p.Edges[0].TargetPort)
}

func TestBuild_CycleDetected(t *testing.T) {
	code := buildErrCode(t,
		[]schema.Node{
			node("start", schema.NodeTypeManualTrigger),
			node("a", schema.NodeTypeNoop),
			node("b", schema.NodeTypeNoop),
		},
		[]schema.Edge{
			edge("start", schema.PortMain, "a"),
			edge("a", schema.PortMain, "b"),
			edge("b", schema.PortMain, "a"),
		},
	)
	assert.Equal(t, schema.ErrCodeGraphCycle, code)
}

func TestBuild_DanglingEdge(t *testing.T) {
	code := buildErrCode(t,
		[]schema.Node{node("start", schema.NodeTypeManualTrigger)},
		[]schema.Edge{edge("start", schema.PortMain, "ghost")},
	)
	assert.Equal(t, schema.ErrCodeGraphDanglingEdge, code)
}

func TestBuild_UnknownNodeType(t *testing.T) {
	code := buildErrCode(t,
		[]schema.Node{
			node("start", schema.NodeTypeManualTrigger),
			node("mystery", "quantum_sort"),
		},
		nil,
	)
	assert.Equal(t, schema.ErrCodeUnknownNodeType, code)
}

func TestBuild_BadSourcePort(t *testing.T) {
	code := buildErrCode(t,
		[]schema.Node{
			node("start", schema.NodeTypeManualTrigger),
			node("work", schema.NodeTypeNoop),
		},
		[]schema.Edge{edge("start", "sideways", "work")},
	)
	assert.Equal(t, schema.ErrCodeGraphBadPort, code)
}

func TestBuild_IfBranchPorts(t *testing.T) {
	p, err := build(t,
		[]schema.Node{
			node("start", schema.NodeTypeManualTrigger),
			node("check", schema.NodeTypeIf),
			node("yes", schema.NodeTypeNoop),
			node("no", schema.NodeTypeNoop),
		},
		[]schema.Edge{
			edge("start", schema.PortMain, "check"),
			edge("check", schema.PortTrue, "yes"),
			edge("check", schema.PortFalse, "no"),
		},
	)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, p.Outgoing["check"][schema.PortTrue])
	assert.Equal(t, []int{2}, p.Outgoing["check"][schema.PortFalse])
}

func TestBuild_SwitchAcceptsDynamicPorts(t *testing.T) {
	_, err := build(t,
		[]schema.Node{
			node("start", schema.NodeTypeManualTrigger),
			node("route", schema.NodeTypeSwitch),
			node("eu", schema.NodeTypeNoop),
		},
		[]schema.Edge{
			edge("start", schema.PortMain, "route"),
			edge("route", "region_eu", "eu"),
		},
	)
	require.NoError(t, err)
}

func TestBuild_TriggerCannotReceiveInput(t *testing.T) {
	code := buildErrCode(t,
		[]schema.Node{
			node("start", schema.NodeTypeManualTrigger),
			node("other", schema.NodeTypeWebhookTrigger),
			node("work", schema.NodeTypeNoop),
		},
		[]schema.Edge{
			edge("start", schema.PortMain, "work"),
			edge("work", schema.PortMain, "other"),
		},
	)
	assert.Equal(t, schema.ErrCodeGraphBadPort, code)
}

func TestBuild_RequiresTrigger(t *testing.T) {
	code := buildErrCode(t, []schema.Node{node("work", schema.NodeTypeNoop)}, nil)
	assert.Equal(t, schema.ErrCodeValidation, code)
}

func TestBuild_DuplicateNodeID(t *testing.T) {
	code := buildErrCode(t,
		[]schema.Node{
			node("start", schema.NodeTypeManualTrigger),
			node("start", schema.NodeTypeNoop),
		},
		nil,
	)
	assert.Equal(t, schema.ErrCodeValidation, code)
}

func TestBuild_EmptyWorkflow(t *testing.T) {
	_, err := Build(nil, executor.NewBuiltinRegistry(), nil)
	require.Error(t, err)
	code := buildErrCode(t, nil, nil)
	assert.Equal(t, schema.ErrCodeValidation, code)
}

func TestPlan_EdgeSelectors(t *testing.T) {
	p, err := build(t,
		[]schema.Node{
			node("start", schema.NodeTypeManualTrigger),
			node("fetch", schema.NodeTypeHTTPRequest),
			node("ok", schema.NodeTypeNoop),
			node("fallback", schema.NodeTypeNoop),
		},
		[]schema.Edge{
			edge("start", schema.PortMain, "fetch"),
			edge("fetch", schema.PortMain, "ok"),
			edge("fetch", schema.PortError, "fallback"),
		},
	)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, p.ErrorEdges("fetch"))
	assert.Equal(t, []int{1}, p.RegularEdges("fetch"))
	assert.Nil(t, p.ErrorEdges("ok"))
}
