package executor

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/weftwork/weft/pkg/schema"
)

// JQTransformExecutor evaluates a jq expression for jq_transform nodes.
// The expression runs once per invocation with the item sequence as input;
// each jq output becomes one output item. Compiled programs are cached and
// shared across runs.
type JQTransformExecutor struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

type jqParams struct {
	Expression string `json:"expression"`
}

func NewJQTransformExecutor() *JQTransformExecutor {
	return &JQTransformExecutor{cache: make(map[string]*gojq.Code)}
}

func (j *JQTransformExecutor) Type() string { return schema.NodeTypeJQTransform }

func (j *JQTransformExecutor) Ports() schema.PortSpec {
	return schema.PortSpec{
		Inputs:  []string{schema.PortMain},
		Outputs: []string{schema.PortMain, schema.PortError},
	}
}

func (j *JQTransformExecutor) Execute(ctx context.Context, in ExecutionInput) (*schema.Envelope, error) {
	var p jqParams
	if err := decodeParams(in.Parameters, &p); err != nil {
		return nil, err
	}
	if p.Expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq_transform node has no expression").WithNode(in.NodeID)
	}

	code, err := j.getOrCompile(p.Expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile jq %q: %s", p.Expression, err.Error()).WithNode(in.NodeID).WithCause(err)
	}

	input := any(itemsToAny(in.Items))
	if vals := input.([]any); len(vals) == 1 {
		input = vals[0]
	}

	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if evalErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq evaluation failed: %s", evalErr.Error()).WithNode(in.NodeID).WithCause(evalErr)
		}
		results = append(results, val)
	}

	return successEnvelope(in.NodeID, results)
}

func (j *JQTransformExecutor) getOrCompile(expression string) (*gojq.Code, error) {
	j.mu.RLock()
	if code, ok := j.cache[expression]; ok {
		j.mu.RUnlock()
		return code, nil
	}
	j.mu.RUnlock()

	j.mu.Lock()
	defer j.mu.Unlock()

	if code, ok := j.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, err
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, err
	}
	j.cache[expression] = code
	return code, nil
}
