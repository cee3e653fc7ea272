package executor

import (
	"context"
	"time"

	"github.com/weftwork/weft/pkg/schema"
)

// MergeExecutor concatenates the item sequences arriving on its inputs, in
// edge declaration order, onto the main port. With fan_in=any it simply
// forwards whichever input arrived first.
type MergeExecutor struct{}

func (m *MergeExecutor) Type() string { return schema.NodeTypeMerge }

func (m *MergeExecutor) Ports() schema.PortSpec {
	return schema.PortSpec{
		Inputs:  []string{schema.PortMain},
		Outputs: []string{schema.PortMain},
	}
}

func (m *MergeExecutor) Execute(_ context.Context, in ExecutionInput) (*schema.Envelope, error) {
	return &schema.Envelope{
		NodeID: in.NodeID,
		Status: schema.EnvelopeSuccess,
		Data:   in.Items,
	}, nil
}

// WaitExecutor pauses the branch for a configured duration. The sleep honors
// context cancellation; the per-node timeout bounds it like any other step.
type WaitExecutor struct{}

type waitParams struct {
	Duration string `json:"duration"`
}

func (w *WaitExecutor) Type() string { return schema.NodeTypeWait }

func (w *WaitExecutor) Ports() schema.PortSpec {
	return schema.PortSpec{
		Inputs:  []string{schema.PortMain},
		Outputs: []string{schema.PortMain},
	}
}

func (w *WaitExecutor) Execute(ctx context.Context, in ExecutionInput) (*schema.Envelope, error) {
	var p waitParams
	if err := decodeParams(in.Parameters, &p); err != nil {
		return nil, err
	}
	if p.Duration == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "wait node has no duration").WithNode(in.NodeID)
	}
	d, err := time.ParseDuration(p.Duration)
	if err != nil || d < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "wait node has invalid duration %q", p.Duration).WithNode(in.NodeID)
	}

	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "wait interrupted: %s", ctx.Err().Error()).WithNode(in.NodeID).WithCause(ctx.Err())
	}

	return &schema.Envelope{
		NodeID: in.NodeID,
		Status: schema.EnvelopeSuccess,
		Data:   in.Items,
	}, nil
}

// NoopExecutor passes its input through unchanged.
type NoopExecutor struct{}

func (n *NoopExecutor) Type() string { return schema.NodeTypeNoop }

func (n *NoopExecutor) Ports() schema.PortSpec {
	return schema.PortSpec{
		Inputs:  []string{schema.PortMain},
		Outputs: []string{schema.PortMain},
	}
}

func (n *NoopExecutor) Execute(_ context.Context, in ExecutionInput) (*schema.Envelope, error) {
	return &schema.Envelope{
		NodeID: in.NodeID,
		Status: schema.EnvelopeSuccess,
		Data:   in.Items,
	}, nil
}

// ApprovalExecutor registers the human_approval type so plans can resolve its
// ports. The coordinator intercepts approval nodes and suspends the run
// instead of invoking Execute; reaching this method is a wiring defect.
type ApprovalExecutor struct{}

func (a *ApprovalExecutor) Type() string { return schema.NodeTypeHumanApproval }

func (a *ApprovalExecutor) Ports() schema.PortSpec {
	return schema.PortSpec{
		Inputs:  []string{schema.PortMain},
		Outputs: []string{schema.PortMain, schema.PortError},
	}
}

func (a *ApprovalExecutor) Execute(_ context.Context, in ExecutionInput) (*schema.Envelope, error) {
	return nil, schema.NewError(schema.ErrCodeExecution, "approval nodes are resolved by the coordinator, not executed").WithNode(in.NodeID)
}
