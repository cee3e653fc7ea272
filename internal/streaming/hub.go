package streaming

import (
	"context"

	"github.com/weftwork/weft/internal/store"
)

// Filter specifies which run events a subscriber wants to receive. Zero
// fields match everything; TenantID should always be set by API surfaces so
// one tenant never observes another's runs.
type Filter struct {
	TenantID string   `json:"tenant_id,omitempty"`
	RunID    string   `json:"run_id,omitempty"`
	Types    []string `json:"types,omitempty"`
}

// Hub provides pub/sub fan-out of run events to live observers. Publishing
// happens after the event log has accepted the event, so the feed never runs
// ahead of durable history.
type Hub interface {
	Publish(event *store.RunEvent)
	Subscribe(ctx context.Context, filter Filter) (<-chan *store.RunEvent, func(), error)
}
