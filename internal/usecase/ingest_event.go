package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"eventgate/internal/domain/event"
	"eventgate/internal/domain/ledger"
	"eventgate/internal/idempotency"
	"eventgate/internal/metrics"
	"eventgate/internal/sequencer"
	"eventgate/internal/writer"
)

// IngestEvent runs the core pipeline for one validated event: idempotency
// store wrapping the sequencer and the batched writer as the response
// builder.
type IngestEvent struct {
	store   idempotency.Store
	seq     *sequencer.Sequencer
	batcher *writer.Batcher
	policy  *event.TypePolicy
	ttl     time.Duration
}

func NewIngestEvent(
	store idempotency.Store,
	seq *sequencer.Sequencer,
	batcher *writer.Batcher,
	policy *event.TypePolicy,
	ttl time.Duration,
) *IngestEvent {
	return &IngestEvent{
		store:   store,
		seq:     seq,
		batcher: batcher,
		policy:  policy,
		ttl:     ttl,
	}
}

type IngestParams struct {
	Record event.Record
	// RawBody is the exact request body; its hash detects an idempotency
	// key reused with a different payload.
	RawBody []byte
	// KeyOverride is the explicit Idempotency-Key header value, when sent.
	KeyOverride string
}

// Response is the success body returned to callers. Duplicates receive the
// cached bytes of the first response, including its request_id.
type Response struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
	RequestID string `json:"request_id"`
}

// Execute returns the response snapshot and whether this call produced it.
func (uc *IngestEvent) Execute(ctx context.Context, params IngestParams) (idempotency.Result, bool, error) {
	key := params.KeyOverride
	if key == "" {
		key = idempotency.Key(params.Record.EventType, params.Record.EntityKey, params.Record.MessageID)
	}
	payloadHash := idempotency.PayloadHash(params.RawBody)

	start := time.Now()
	res, wasNew, err := uc.store.PutIfAbsent(ctx, key, uc.ttl, func(buildCtx context.Context) (idempotency.Result, error) {
		return uc.apply(buildCtx, params.Record, payloadHash)
	})
	metrics.ObserveStage(metrics.StageIdempotency, start)
	return res, wasNew, err
}

func (uc *IngestEvent) apply(ctx context.Context, rec event.Record, payloadHash string) (idempotency.Result, error) {
	entry := &ledger.Entry{
		MessageID:  rec.MessageID,
		EventType:  rec.EventType,
		EntityKey:  rec.EntityKey,
		Payload:    rec.Payload,
		RequestID:  rec.RequestID,
		ReceivedAt: rec.ReceivedAt,
	}
	if rec.Sequence != nil {
		entry.Sequence = *rec.Sequence
	}

	status := "accepted"
	if uc.policy.Ordered(rec.EventType) && rec.Sequence != nil {
		start := time.Now()
		outcome, err := uc.seq.Admit(ctx, rec.EntityKey, *rec.Sequence, func(applyCtx context.Context, outOfOrder bool) error {
			entry.OutOfOrder = outOfOrder
			return uc.enqueue(applyCtx, entry)
		})
		metrics.ObserveStage(metrics.StageSequencer, start)
		if err != nil {
			return idempotency.Result{}, err
		}
		switch outcome {
		case sequencer.OutcomeDuplicate:
			status = "already_applied"
		case sequencer.OutcomeAppliedOutOfOrder:
			status = "accepted_out_of_order"
		}
	} else {
		if err := uc.enqueue(ctx, entry); err != nil {
			return idempotency.Result{}, err
		}
	}

	body, err := json.Marshal(Response{
		Status:    status,
		MessageID: rec.MessageID,
		RequestID: rec.RequestID,
	})
	if err != nil {
		return idempotency.Result{}, fmt.Errorf("marshal response: %w", err)
	}

	return idempotency.Result{
		StatusCode:  202,
		Body:        body,
		PayloadHash: payloadHash,
	}, nil
}

func (uc *IngestEvent) enqueue(ctx context.Context, entry *ledger.Entry) error {
	start := time.Now()
	err := uc.batcher.Enqueue(ctx, entry)
	metrics.ObserveStage(metrics.StageEnqueue, start)
	return err
}
