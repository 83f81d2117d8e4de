package ledger

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is the durable effect of one processed event. Rows are only ever
// written through a batch commit; message_id is the upsert key, so a
// retried batch is safe.
type Entry struct {
	MessageID  string          `json:"message_id"`
	EventType  string          `json:"event_type"`
	EntityKey  string          `json:"entity_key"`
	Sequence   uint64          `json:"sequence"`
	Payload    json.RawMessage `json:"payload"`
	RequestID  string          `json:"request_id"`
	OutOfOrder bool            `json:"out_of_order"`
	ReceivedAt time.Time       `json:"received_at"`
}

type Repository interface {
	// UpsertBatch commits every entry in a single transaction. Entries whose
	// message_id already exists are skipped, so replaying a batch after a
	// partial failure cannot double-apply.
	UpsertBatch(ctx context.Context, entries []*Entry) error
}
