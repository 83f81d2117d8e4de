package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"eventgate/internal/api/middleware"
	"eventgate/internal/auth"
	"eventgate/internal/breaker"
	"eventgate/internal/domain/deadletter"
	"eventgate/internal/domain/event"
	"eventgate/internal/domain/ledger"
	"eventgate/internal/idempotency"
	"eventgate/internal/replay"
	"eventgate/internal/sequencer"
	"eventgate/internal/usecase"
	"eventgate/internal/writer"

	"github.com/stretchr/testify/require"
)

const testSecret = "test-signing-secret"

type memSink struct {
	mu      sync.Mutex
	entries []*ledger.Entry
	seen    map[string]struct{}
}

func newMemSink() *memSink {
	return &memSink{seen: map[string]struct{}{}}
}

func (s *memSink) UpsertBatch(_ context.Context, entries []*ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if _, ok := s.seen[e.MessageID]; ok {
			continue
		}
		s.seen[e.MessageID] = struct{}{}
		s.entries = append(s.entries, e)
	}
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *memSink) sequences(entityKey string) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seqs []uint64
	for _, e := range s.entries {
		if e.EntityKey == entityKey {
			seqs = append(seqs, e.Sequence)
		}
	}
	return seqs
}

type noopDLQ struct{}

func (noopDLQ) Publish(context.Context, *deadletter.Letter) error { return nil }

type pipeline struct {
	handler http.Handler
	sink    *memSink
	brk     *breaker.Breaker
	batcher *writer.Batcher
}

func newPipeline(t *testing.T, writerCfg writer.Config, runWriter bool) *pipeline {
	t.Helper()

	sink := newMemSink()
	brk := breaker.New(breaker.Config{FailureThreshold: 3, OpenInterval: time.Minute})
	batcher := writer.New(writerCfg, sink, noopDLQ{}, brk, nil)

	if runWriter {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = batcher.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	store := idempotency.NewMemoryStore(time.Second, time.Hour)
	t.Cleanup(store.Close)
	guard := replay.NewMemoryGuard(time.Hour)
	t.Cleanup(guard.Close)

	seq := sequencer.New(sequencer.Config{GapWait: 50 * time.Millisecond, Policy: sequencer.PolicyStrict})
	policy := event.NewTypePolicy([]string{"balance.adjusted"})
	ingestUC := usecase.NewIngestEvent(store, seq, batcher, policy, time.Hour)

	authCfg := middleware.AuthConfig{
		HMAC:         auth.NewHMACVerifier(auth.StaticSecret(testSecret), 30*time.Minute, 10*time.Second),
		Guard:        guard,
		ReplayWindow: 5 * time.Minute,
	}

	handlers := NewHandlers(ingestUC, brk)
	return &pipeline{
		handler: NewRouter(handlers, authCfg),
		sink:    sink,
		brk:     brk,
		batcher: batcher,
	}
}

var tsCounter atomic.Int64

// signedRequest builds a valid signed POST /events. Each call gets a
// distinct timestamp inside the drift window so only deliberate resends
// collide on the replay guard.
func signedRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	timestamp := strconv.FormatInt(time.Now().Unix()-tsCounter.Add(1), 10)
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Signature", auth.Sign(testSecret, body, timestamp))
	return req
}

func eventBody(t *testing.T, messageID, eventType, entityKey string, seq *uint64) []byte {
	t.Helper()
	env := map[string]any{
		"message_id": messageID,
		"event_type": eventType,
		"entity_key": entityKey,
		"payload":    map[string]string{"amount": "100"},
	}
	if seq != nil {
		env["sequence"] = *seq
	}
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestIngest_AcceptsSignedEvent(t *testing.T) {
	p := newPipeline(t, writer.Config{BatchSize: 1, FlushInterval: 10 * time.Millisecond}, true)

	rr := httptest.NewRecorder()
	p.handler.ServeHTTP(rr, signedRequest(t, eventBody(t, "m1", "payment.received", "partner-1", nil)))

	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp usecase.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "accepted", resp.Status)
	require.Equal(t, "m1", resp.MessageID)
	require.NotEmpty(t, resp.RequestID)

	waitFor(t, func() bool { return p.sink.count() == 1 })
}

func TestIngest_RejectsBadSignature(t *testing.T) {
	p := newPipeline(t, writer.Config{}, false)

	body := eventBody(t, "m1", "payment.received", "partner-1", nil)
	req := signedRequest(t, body)
	req.Header.Set("X-Signature", "deadbeef")

	rr := httptest.NewRecorder()
	p.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestIngest_RejectsReplayedEnvelope(t *testing.T) {
	p := newPipeline(t, writer.Config{BatchSize: 1, FlushInterval: 10 * time.Millisecond}, true)

	body := eventBody(t, "m1", "payment.received", "partner-1", nil)
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := auth.Sign(testSecret, body, timestamp)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
		req.Header.Set("X-Timestamp", timestamp)
		req.Header.Set("X-Signature", signature)
		rr := httptest.NewRecorder()
		p.handler.ServeHTTP(rr, req)
		return rr
	}

	require.Equal(t, http.StatusAccepted, send().Code)
	// The identical signed envelope again: transport-level replay.
	require.Equal(t, http.StatusConflict, send().Code)
}

func TestIngest_DuplicateMessageIDReturnsCachedResponse(t *testing.T) {
	p := newPipeline(t, writer.Config{BatchSize: 1, FlushInterval: 10 * time.Millisecond}, true)

	body := eventBody(t, "m1", "payment.received", "partner-1", nil)

	rr1 := httptest.NewRecorder()
	p.handler.ServeHTTP(rr1, signedRequest(t, body))
	require.Equal(t, http.StatusAccepted, rr1.Code)

	rr2 := httptest.NewRecorder()
	p.handler.ServeHTTP(rr2, signedRequest(t, body))
	require.Equal(t, http.StatusOK, rr2.Code)
	require.Equal(t, "true", rr2.Header().Get("X-Idempotency-Hit"))
	// Byte-identical snapshot, including the first call's request_id.
	require.Equal(t, rr1.Body.Bytes(), rr2.Body.Bytes())

	waitFor(t, func() bool { return p.sink.count() == 1 })
}

func TestIngest_IdempotencyKeyConflictOnDifferentPayload(t *testing.T) {
	p := newPipeline(t, writer.Config{BatchSize: 1, FlushInterval: 10 * time.Millisecond}, true)

	req1 := signedRequest(t, eventBody(t, "m1", "payment.received", "partner-1", nil))
	req1.Header.Set("Idempotency-Key", "op-1")
	rr1 := httptest.NewRecorder()
	p.handler.ServeHTTP(rr1, req1)
	require.Equal(t, http.StatusAccepted, rr1.Code)

	req2 := signedRequest(t, eventBody(t, "m2", "payment.received", "partner-1", nil))
	req2.Header.Set("Idempotency-Key", "op-1")
	rr2 := httptest.NewRecorder()
	p.handler.ServeHTTP(rr2, req2)
	require.Equal(t, http.StatusConflict, rr2.Code)
}

func TestIngest_RejectsInvalidEnvelope(t *testing.T) {
	p := newPipeline(t, writer.Config{}, false)

	body := []byte(`{"event_type":"payment.received","entity_key":"p1"}`)
	rr := httptest.NewRecorder()
	p.handler.ServeHTTP(rr, signedRequest(t, body))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIngest_OrderedTypeAppliesInSequence(t *testing.T) {
	p := newPipeline(t, writer.Config{BatchSize: 1, FlushInterval: 10 * time.Millisecond}, true)

	seqNum := func(n uint64) *uint64 { return &n }

	for i := uint64(1); i <= 3; i++ {
		rr := httptest.NewRecorder()
		p.handler.ServeHTTP(rr, signedRequest(t, eventBody(t, fmt.Sprintf("m%d", i), "balance.adjusted", "acct-1", seqNum(i))))
		require.Equal(t, http.StatusAccepted, rr.Code)
	}

	waitFor(t, func() bool { return p.sink.count() == 3 })
	require.Equal(t, []uint64{1, 2, 3}, p.sink.sequences("acct-1"))
}

func TestIngest_GapTimeoutRejectedUnderStrictPolicy(t *testing.T) {
	p := newPipeline(t, writer.Config{BatchSize: 1, FlushInterval: 10 * time.Millisecond}, true)

	seq := uint64(5)
	rr := httptest.NewRecorder()
	p.handler.ServeHTTP(rr, signedRequest(t, eventBody(t, "m5", "balance.adjusted", "acct-1", &seq)))
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestIngest_StaleSequenceAcknowledged(t *testing.T) {
	p := newPipeline(t, writer.Config{BatchSize: 1, FlushInterval: 10 * time.Millisecond}, true)

	one := uint64(1)
	rr := httptest.NewRecorder()
	p.handler.ServeHTTP(rr, signedRequest(t, eventBody(t, "m1", "balance.adjusted", "acct-1", &one)))
	require.Equal(t, http.StatusAccepted, rr.Code)

	// A different message claiming an already-applied sequence.
	rr = httptest.NewRecorder()
	p.handler.ServeHTTP(rr, signedRequest(t, eventBody(t, "m1b", "balance.adjusted", "acct-1", &one)))
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp usecase.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "already_applied", resp.Status)

	waitFor(t, func() bool { return p.sink.count() == 1 })
}

func TestIngest_CircuitOpenFailsFast(t *testing.T) {
	p := newPipeline(t, writer.Config{}, false)

	for i := 0; i < 3; i++ {
		p.brk.RecordFailure()
	}
	require.Equal(t, breaker.StateOpen, p.brk.State())

	start := time.Now()
	rr := httptest.NewRecorder()
	p.handler.ServeHTTP(rr, signedRequest(t, eventBody(t, "m1", "payment.received", "partner-1", nil)))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestIngest_QueueSaturationIsBackpressure(t *testing.T) {
	p := newPipeline(t, writer.Config{BatchSize: 100, FlushInterval: time.Hour, QueueCapacity: 1}, false)

	rr := httptest.NewRecorder()
	p.handler.ServeHTTP(rr, signedRequest(t, eventBody(t, "m1", "payment.received", "partner-1", nil)))
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = httptest.NewRecorder()
	p.handler.ServeHTTP(rr, signedRequest(t, eventBody(t, "m2", "payment.received", "partner-1", nil)))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestIngest_ConcurrentDuplicatesProduceOneEffect(t *testing.T) {
	p := newPipeline(t, writer.Config{BatchSize: 10, FlushInterval: 10 * time.Millisecond}, true)

	const (
		requests    = 200
		distinctIDs = 25
	)

	bodies := make([][]byte, distinctIDs)
	for i := range bodies {
		bodies[i] = eventBody(t, fmt.Sprintf("msg-%d", i), "payment.received", "partner-1", nil)
	}

	reqs := make([]*http.Request, requests)
	for i := range reqs {
		reqs[i] = signedRequest(t, bodies[i%distinctIDs])
	}

	var wg sync.WaitGroup
	codes := make([]int, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr := httptest.NewRecorder()
			p.handler.ServeHTTP(rr, reqs[i])
			codes[i] = rr.Code
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		require.Contains(t, []int{http.StatusOK, http.StatusAccepted}, code, "request %d", i)
	}
	waitFor(t, func() bool { return p.sink.count() == distinctIDs })
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, distinctIDs, p.sink.count())
}

func TestHealthEndpoint(t *testing.T) {
	p := newPipeline(t, writer.Config{}, false)

	rr := httptest.NewRecorder()
	p.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}
