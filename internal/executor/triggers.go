package executor

import (
	"context"
	"encoding/json"

	"github.com/weftwork/weft/pkg/schema"
)

// TriggerExecutor handles the trigger node family. Triggers never consume
// upstream input: the coordinator invokes them with the run's trigger payload
// as the sole item, and they pass it through to the main port. A manual
// trigger with a testPayload parameter substitutes that payload when the run
// was started without one.
type TriggerExecutor struct {
	NodeType string
}

type triggerParams struct {
	TestPayload json.RawMessage `json:"testPayload,omitempty"`
}

func (t *TriggerExecutor) Type() string { return t.NodeType }

func (t *TriggerExecutor) Ports() schema.PortSpec {
	return schema.PortSpec{Outputs: []string{schema.PortMain}}
}

func (t *TriggerExecutor) Execute(_ context.Context, in ExecutionInput) (*schema.Envelope, error) {
	items := in.Items
	if len(items) == 0 {
		var p triggerParams
		if err := decodeParams(in.Parameters, &p); err != nil {
			return nil, err
		}
		if len(p.TestPayload) > 0 {
			items = schema.SingleItem(p.TestPayload)
		}
	}
	return &schema.Envelope{
		NodeID: in.NodeID,
		Status: schema.EnvelopeSuccess,
		Data:   items,
	}, nil
}
