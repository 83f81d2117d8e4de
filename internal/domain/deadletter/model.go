package deadletter

import (
	"context"
	"encoding/json"
	"time"
)

// Letter preserves the full lineage of an event that exhausted its flush
// retries. It is published for manual inspection, never silently dropped.
type Letter struct {
	MessageID  string          `json:"message_id"`
	EventType  string          `json:"event_type"`
	EntityKey  string          `json:"entity_key"`
	Sequence   uint64          `json:"sequence"`
	Payload    json.RawMessage `json:"payload"`
	RequestID  string          `json:"request_id"`
	ReceivedAt time.Time       `json:"received_at"`
	Reason     string          `json:"reason"`
	FailedAt   time.Time       `json:"failed_at"`
	Attempts   int             `json:"attempts"`
}

type Publisher interface {
	Publish(ctx context.Context, letter *Letter) error
}
