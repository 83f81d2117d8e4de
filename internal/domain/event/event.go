package event

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Envelope is the wire format accepted on the ingress endpoint.
// Payload is kept as raw JSON produced by the originating service.
type Envelope struct {
	MessageID string          `json:"message_id"`
	EventType string          `json:"event_type"`
	EntityKey string          `json:"entity_key"`
	Sequence  *uint64         `json:"sequence,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

var (
	ErrMissingMessageID = errors.New("missing message_id")
	ErrMissingEventType = errors.New("missing event_type")
	ErrMissingEntityKey = errors.New("missing entity_key")
)

func (e *Envelope) Validate() error {
	if strings.TrimSpace(e.MessageID) == "" {
		return ErrMissingMessageID
	}
	if strings.TrimSpace(e.EventType) == "" {
		return ErrMissingEventType
	}
	if strings.TrimSpace(e.EntityKey) == "" {
		return ErrMissingEntityKey
	}
	return nil
}

// Record is an envelope enriched with per-call metadata. It lives only for
// the duration of the ingest pipeline; the durable form is ledger.Entry.
type Record struct {
	Envelope
	RequestID  string
	ReceivedAt time.Time
}

// TypePolicy decides which event types require per-entity ordering.
type TypePolicy struct {
	ordered map[string]struct{}
}

func NewTypePolicy(orderedTypes []string) *TypePolicy {
	m := make(map[string]struct{}, len(orderedTypes))
	for _, t := range orderedTypes {
		t = strings.TrimSpace(t)
		if t != "" {
			m[t] = struct{}{}
		}
	}
	return &TypePolicy{ordered: m}
}

// Ordered reports whether events of the given type must pass through the
// sequencer. Unordered types bypass it entirely.
func (p *TypePolicy) Ordered(eventType string) bool {
	_, ok := p.ordered[eventType]
	return ok
}
