package executor

import (
	"context"
	"encoding/json"

	"github.com/weftwork/weft/pkg/schema"
)

// SetFieldsExecutor applies field mutations to each input item for set_fields
// nodes. Supported operations: set (add/overwrite) and remove. Items that are
// not JSON objects pass through unchanged.
type SetFieldsExecutor struct{}

type setFieldsParams struct {
	Fields []fieldOp `json:"fields"`
}

type fieldOp struct {
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value,omitempty"`
	Operation string          `json:"operation,omitempty"` // set | remove (default: set)
}

func NewSetFieldsExecutor() *SetFieldsExecutor {
	return &SetFieldsExecutor{}
}

func (s *SetFieldsExecutor) Type() string { return schema.NodeTypeSetFields }

func (s *SetFieldsExecutor) Ports() schema.PortSpec {
	return schema.PortSpec{
		Inputs:  []string{schema.PortMain},
		Outputs: []string{schema.PortMain},
	}
}

func (s *SetFieldsExecutor) Execute(_ context.Context, in ExecutionInput) (*schema.Envelope, error) {
	var p setFieldsParams
	if err := decodeParams(in.Parameters, &p); err != nil {
		return nil, err
	}
	for _, f := range p.Fields {
		if f.Name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "set_fields entry has no name").WithNode(in.NodeID)
		}
	}

	env := &schema.Envelope{NodeID: in.NodeID, Status: schema.EnvelopeSuccess}
	for _, item := range in.Items {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(item, &obj); err != nil {
			env.Data = append(env.Data, item)
			continue
		}
		for _, f := range p.Fields {
			switch f.Operation {
			case "remove":
				delete(obj, f.Name)
			default:
				obj[f.Name] = f.Value
			}
		}
		out, err := json.Marshal(obj)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "encode item: %s", err.Error()).WithNode(in.NodeID).WithCause(err)
		}
		env.Data = append(env.Data, out)
	}
	return env, nil
}
