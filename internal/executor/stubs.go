package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/weftwork/weft/pkg/schema"
)

// Deterministic stand-ins for the integration node types. Concrete provider
// calls are out of scope for the engine; these mirror the studio's simulated
// executors so end-to-end runs exercise the full policy surface.

// LLMCallExecutor simulates llm_call nodes and reports token usage.
type LLMCallExecutor struct{}

type llmParams struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

func (l *LLMCallExecutor) Type() string { return schema.NodeTypeLLMCall }

func (l *LLMCallExecutor) Ports() schema.PortSpec {
	return schema.PortSpec{
		Inputs:  []string{schema.PortMain},
		Outputs: []string{schema.PortMain, schema.PortError},
	}
}

func (l *LLMCallExecutor) Execute(_ context.Context, in ExecutionInput) (*schema.Envelope, error) {
	var p llmParams
	if err := decodeParams(in.Parameters, &p); err != nil {
		return nil, err
	}
	if p.Provider == "" {
		p.Provider = "openai"
	}
	if p.Model == "" {
		p.Model = "gpt-4"
	}

	promptTokens := len(strings.Fields(p.Prompt))
	out, _ := json.Marshal(map[string]any{
		"provider": p.Provider,
		"model":    p.Model,
		"response": fmt.Sprintf("simulated response from %s/%s", p.Provider, p.Model),
	})

	return &schema.Envelope{
		NodeID:     in.NodeID,
		Status:     schema.EnvelopeSuccess,
		Data:       schema.SingleItem(out),
		TokensUsed: promptTokens + 20,
	}, nil
}

// SendMessageExecutor simulates send_message nodes (mail/chat channels).
type SendMessageExecutor struct{}

type sendMessageParams struct {
	Channel string `json:"channel,omitempty"` // gmail, outlook, whatsapp, telegram
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

func (s *SendMessageExecutor) Type() string { return schema.NodeTypeSendMessage }

func (s *SendMessageExecutor) Ports() schema.PortSpec {
	return schema.PortSpec{
		Inputs:  []string{schema.PortMain},
		Outputs: []string{schema.PortMain, schema.PortError},
	}
}

func (s *SendMessageExecutor) Execute(_ context.Context, in ExecutionInput) (*schema.Envelope, error) {
	var p sendMessageParams
	if err := decodeParams(in.Parameters, &p); err != nil {
		return nil, err
	}
	if p.To == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "send_message node has no recipient").WithNode(in.NodeID)
	}
	if p.Channel == "" {
		p.Channel = "gmail"
	}

	out, _ := json.Marshal(map[string]any{
		"sent":       true,
		"channel":    p.Channel,
		"to":         p.To,
		"subject":    p.Subject,
		"message_id": fmt.Sprintf("simulated-%d", time.Now().UnixNano()),
	})

	return &schema.Envelope{
		NodeID: in.NodeID,
		Status: schema.EnvelopeSuccess,
		Data:   schema.SingleItem(out),
	}, nil
}
