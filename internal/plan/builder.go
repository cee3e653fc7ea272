package plan

import (
	"github.com/weftwork/weft/pkg/schema"
)

// TypeCatalog resolves node types to their declared port specs. Satisfied by
// the executor registry; kept as an interface so plan construction needs no
// knowledge of executor internals.
type TypeCatalog interface {
	PortSpec(nodeType string) (schema.PortSpec, bool)
}

// ParamValidator checks a node's parameters against its type's schema.
// Optional; nil disables parameter validation.
type ParamValidator interface {
	ValidateParameters(node *schema.Node) error
}

// Plan is the executable form of a WorkflowVersion: node lookup, the edge
// arena, per-node incoming edges in declaration order, and per-port outgoing
// edge indices. Built once at publish time; execution state (satisfaction
// bitsets) lives per run, never on the Plan.
type Plan struct {
	Version  *schema.WorkflowVersion
	Nodes    map[string]*schema.Node
	Edges    []schema.Edge               // arena; an edge's index is its id for the run bitsets
	Incoming map[string][]int            // node id → incoming edge indices, in edge declaration order
	Outgoing map[string]map[string][]int // node id → output port → edge indices
	Sorted   []string                    // topological order, used only to prove acyclicity
	Triggers []string                    // trigger nodes, sorted
}

// Build validates a WorkflowVersion and produces its Plan. It fails fast with
// a graph error (cycle, dangling edge, unknown node type, bad port, bad
// parameters) before any run can start; a version that fails Build cannot be
// published.
func Build(version *schema.WorkflowVersion, catalog TypeCatalog, params ParamValidator) (*Plan, error) {
	if version == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow version is nil")
	}
	if len(version.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	p := &Plan{
		Version:  version,
		Nodes:    make(map[string]*schema.Node, len(version.Nodes)),
		Edges:    version.Edges,
		Incoming: make(map[string][]int, len(version.Nodes)),
		Outgoing: make(map[string]map[string][]int, len(version.Nodes)),
	}

	// First pass: register nodes, resolve every type against the catalog.
	specs := make(map[string]schema.PortSpec, len(version.Nodes))
	for i := range version.Nodes {
		node := &version.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty id", i)
		}
		if _, exists := p.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id: %s", node.ID)
		}
		spec, ok := catalog.PortSpec(node.Type)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType, "node %s has unknown type %q", node.ID, node.Type).WithNode(node.ID)
		}
		if schema.IsTriggerType(node.Type) {
			p.Triggers = append(p.Triggers, node.ID)
		}
		p.Nodes[node.ID] = node
		specs[node.ID] = spec
	}
	sortStrings(p.Triggers)

	if len(p.Triggers) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no trigger node")
	}

	// Second pass: parameter schemas.
	if params != nil {
		for _, node := range p.Nodes {
			if err := params.ValidateParameters(node); err != nil {
				return nil, err
			}
		}
	}

	// Third pass: edges against existing nodes and declared ports.
	for i := range p.Edges {
		e := &p.Edges[i]
		src, ok := p.Nodes[e.Source]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeGraphDanglingEdge, "edge %d references missing source node %q", i, e.Source)
		}
		tgt, ok := p.Nodes[e.Target]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeGraphDanglingEdge, "edge %d references missing target node %q", i, e.Target)
		}
		if e.SourcePort == "" {
			e.SourcePort = schema.PortMain
		}
		if e.TargetPort == "" {
			e.TargetPort = schema.PortMain
		}
		if !specs[src.ID].HasOutput(e.SourcePort) {
			return nil, schema.NewErrorf(schema.ErrCodeGraphBadPort,
				"edge %d: node %s (%s) has no output port %q", i, src.ID, src.Type, e.SourcePort).WithNode(src.ID)
		}
		if !specs[tgt.ID].HasInput(e.TargetPort) {
			return nil, schema.NewErrorf(schema.ErrCodeGraphBadPort,
				"edge %d: node %s (%s) has no input port %q", i, tgt.ID, tgt.Type, e.TargetPort).WithNode(tgt.ID)
		}
		if schema.IsTriggerType(tgt.Type) {
			return nil, schema.NewErrorf(schema.ErrCodeGraphBadPort,
				"edge %d: trigger node %s cannot receive input", i, tgt.ID).WithNode(tgt.ID)
		}

		p.Incoming[e.Target] = append(p.Incoming[e.Target], i)
		byPort := p.Outgoing[e.Source]
		if byPort == nil {
			byPort = make(map[string][]int)
			p.Outgoing[e.Source] = byPort
		}
		byPort[e.SourcePort] = append(byPort[e.SourcePort], i)
	}

	// Kahn's algorithm: topological sort proves acyclicity. Execution itself
	// is event-driven; Sorted is retained only for deterministic diagnostics.
	inDegree := make(map[string]int, len(p.Nodes))
	for id := range p.Nodes {
		inDegree[id] = len(p.Incoming[id])
	}

	queue := make([]string, 0, len(p.Nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sortStrings(queue)

	sorted := make([]string, 0, len(p.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		next := dependents(p, id)
		for _, dep := range next {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(p.Nodes) {
		return nil, schema.NewError(schema.ErrCodeGraphCycle, "workflow graph contains a cycle")
	}
	p.Sorted = sorted

	return p, nil
}

// ErrorEdges returns the edge indices leaving the node's error port, if any.
func (p *Plan) ErrorEdges(nodeID string) []int {
	return p.Outgoing[nodeID][schema.PortError]
}

// RegularEdges returns the edge indices leaving every non-error output port.
func (p *Plan) RegularEdges(nodeID string) []int {
	var out []int
	for port, edges := range p.Outgoing[nodeID] {
		if port == schema.PortError {
			continue
		}
		out = append(out, edges...)
	}
	return out
}

// dependents lists the distinct downstream node ids of a node, sorted for
// deterministic traversal.
func dependents(p *Plan, nodeID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, edges := range p.Outgoing[nodeID] {
		for _, ei := range edges {
			tgt := p.Edges[ei].Target
			if !seen[tgt] {
				seen[tgt] = true
				out = append(out, tgt)
			}
		}
	}
	sortStrings(out)
	return out
}

// sortStrings sorts a small slice in-place using insertion sort.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
