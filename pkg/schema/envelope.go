package schema

import "encoding/json"

// EnvelopeStatus marks an envelope as a success or error emission.
type EnvelopeStatus string

const (
	EnvelopeSuccess EnvelopeStatus = "success"
	EnvelopeError   EnvelopeStatus = "error"
)

// Item is one element of the sequence flowing across a node boundary.
type Item = json.RawMessage

// ErrorDetail is the wire form of a step failure inside an envelope.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Envelope is the standard output wrapper every step produces. Data is always
// a sequence of items: scalar outputs are carried as a one-item sequence, so
// per-item and batch execution modes are interchangeable for consumers.
type Envelope struct {
	NodeID      string         `json:"node_id"`
	Status      EnvelopeStatus `json:"status"`
	Port        string         `json:"port,omitempty"` // activated output port; empty means every regular port
	Data        []Item         `json:"data,omitempty"`
	Error       *ErrorDetail   `json:"error,omitempty"`
	TokensUsed  int            `json:"tokens_used,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
	ArtifactRef string         `json:"artifact_ref,omitempty"` // set when Data was offloaded
}

// EmptyEnvelope returns a success envelope with no items, used for disabled
// nodes and the continue_regular_output policy with always_output_data unset.
func EmptyEnvelope(nodeID string) *Envelope {
	return &Envelope{NodeID: nodeID, Status: EnvelopeSuccess}
}

// SingleItem wraps one JSON value as a one-item envelope payload.
func SingleItem(v json.RawMessage) []Item {
	if v == nil {
		return nil
	}
	return []Item{v}
}

// ErrorEnvelope builds an error-status envelope for a node failure.
func ErrorEnvelope(nodeID string, kind, message string) *Envelope {
	return &Envelope{
		NodeID: nodeID,
		Status: EnvelopeError,
		Error:  &ErrorDetail{Kind: kind, Message: message},
	}
}
