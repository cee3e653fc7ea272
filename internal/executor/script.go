package executor

import (
	"context"
	"time"

	"github.com/dop251/goja"

	"github.com/weftwork/weft/pkg/schema"
)

// TransformJSExecutor runs user-supplied JavaScript for transform_js nodes.
// Each invocation gets a fresh sandboxed VM with the input items bound to
// `items` (and the first one to `item`); the value of the final expression
// becomes the node output. The VM is interrupted when the step's context is
// cancelled or times out.
type TransformJSExecutor struct{}

type transformJSParams struct {
	Code string `json:"code"`
}

func NewTransformJSExecutor() *TransformJSExecutor {
	return &TransformJSExecutor{}
}

func (t *TransformJSExecutor) Type() string { return schema.NodeTypeTransformJS }

func (t *TransformJSExecutor) Ports() schema.PortSpec {
	return schema.PortSpec{
		Inputs:  []string{schema.PortMain},
		Outputs: []string{schema.PortMain, schema.PortError},
	}
}

func (t *TransformJSExecutor) Execute(ctx context.Context, in ExecutionInput) (*schema.Envelope, error) {
	start := time.Now()

	var p transformJSParams
	if err := decodeParams(in.Parameters, &p); err != nil {
		return nil, err
	}
	if p.Code == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform_js node has no code").WithNode(in.NodeID)
	}

	vm := goja.New()
	env := scope(in)
	for k, v := range env {
		if err := vm.Set(k, v); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "bind script scope: %s", err.Error()).WithNode(in.NodeID).WithCause(err)
		}
	}

	// Interrupt the VM if the step context ends mid-script.
	watchdog := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-watchdog:
		}
	}()
	defer close(watchdog)

	value, err := vm.RunString(p.Code)
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "script interrupted: %s", ctx.Err().Error()).WithNode(in.NodeID).WithCause(ctx.Err())
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "script failed: %s", err.Error()).WithNode(in.NodeID).WithCause(err)
	}

	var values []any
	if value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		exported := value.Export()
		if seq, ok := exported.([]any); ok {
			values = seq
		} else {
			values = []any{exported}
		}
	}

	env2, err := successEnvelope(in.NodeID, values)
	if err != nil {
		return nil, err
	}
	env2.DurationMs = time.Since(start).Milliseconds()
	return env2, nil
}
