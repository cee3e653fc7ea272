package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/cel-go/cel"

	"github.com/weftwork/weft/pkg/schema"
)

// IfExecutor evaluates a boolean expression for if nodes and emits the input
// items on exactly one of the true/false ports. Compiled programs are cached
// across runs. Conditions are always evaluated once per node instance, over
// the whole item sequence.
type IfExecutor struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

type ifParams struct {
	Condition string `json:"condition"`
}

func NewIfExecutor() *IfExecutor {
	return &IfExecutor{cache: make(map[string]*vm.Program)}
}

func (e *IfExecutor) Type() string { return schema.NodeTypeIf }

func (e *IfExecutor) Ports() schema.PortSpec {
	return schema.PortSpec{
		Inputs:  []string{schema.PortMain},
		Outputs: []string{schema.PortTrue, schema.PortFalse},
	}
}

func (e *IfExecutor) Execute(_ context.Context, in ExecutionInput) (*schema.Envelope, error) {
	var p ifParams
	if err := decodeParams(in.Parameters, &p); err != nil {
		return nil, err
	}
	if p.Condition == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "if node has no condition").WithNode(in.NodeID)
	}

	prg, err := e.getOrCompile(p.Condition)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile condition %q: %s", p.Condition, err.Error()).WithNode(in.NodeID).WithCause(err)
	}

	out, err := vm.Run(prg, scope(in))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "condition evaluation failed: %s", err.Error()).WithNode(in.NodeID).WithCause(err)
	}

	port := schema.PortFalse
	if truthy(out) {
		port = schema.PortTrue
	}

	return &schema.Envelope{
		NodeID: in.NodeID,
		Status: schema.EnvelopeSuccess,
		Port:   port,
		Data:   in.Items,
	}, nil
}

func (e *IfExecutor) getOrCompile(condition string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[condition]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[condition]; ok {
		return prg, nil
	}
	prg, err := expr.Compile(condition, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.cache[condition] = prg
	return prg, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}

// SwitchExecutor routes items to one of several named branch ports using CEL
// expressions. Branches are evaluated in declaration order; the first truthy
// one wins, otherwise the default port is activated.
type SwitchExecutor struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

type switchParams struct {
	Branches []switchBranch `json:"branches"`
}

type switchBranch struct {
	Port       string `json:"port"`
	Expression string `json:"expression"`
}

// NewSwitchExecutor builds the CEL environment exposing items, item, and run.
func NewSwitchExecutor() *SwitchExecutor {
	env, err := cel.NewEnv(
		cel.Variable("items", cel.ListType(cel.DynType)),
		cel.Variable("item", cel.DynType),
		cel.Variable("run", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		// The environment is static; a failure here is a programming error.
		panic(fmt.Sprintf("switch executor: build CEL environment: %v", err))
	}
	return &SwitchExecutor{env: env, cache: make(map[string]cel.Program)}
}

func (e *SwitchExecutor) Type() string { return schema.NodeTypeSwitch }

func (e *SwitchExecutor) Ports() schema.PortSpec {
	return schema.PortSpec{
		Inputs:         []string{schema.PortMain},
		Outputs:        []string{schema.PortDefault},
		DynamicOutputs: true,
	}
}

func (e *SwitchExecutor) Execute(_ context.Context, in ExecutionInput) (*schema.Envelope, error) {
	var p switchParams
	if err := decodeParams(in.Parameters, &p); err != nil {
		return nil, err
	}
	if len(p.Branches) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "switch node has no branches").WithNode(in.NodeID)
	}

	env := scope(in)
	port := schema.PortDefault
	for _, branch := range p.Branches {
		if branch.Port == "" || branch.Expression == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "switch branch needs port and expression").WithNode(in.NodeID)
		}
		prg, err := e.getOrCompile(branch.Expression)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile branch %q: %s", branch.Port, err.Error()).WithNode(in.NodeID).WithCause(err)
		}
		out, _, err := prg.Eval(env)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "branch %q evaluation failed: %s", branch.Port, err.Error()).WithNode(in.NodeID).WithCause(err)
		}
		if b, ok := out.Value().(bool); ok && b {
			port = branch.Port
			break
		}
	}

	return &schema.Envelope{
		NodeID: in.NodeID,
		Status: schema.EnvelopeSuccess,
		Port:   port,
		Data:   in.Items,
	}, nil
}

func (e *SwitchExecutor) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = prg
	return prg, nil
}
