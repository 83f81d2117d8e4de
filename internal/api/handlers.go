package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"eventgate/internal/breaker"
	"eventgate/internal/domain/event"
	"eventgate/internal/idempotency"
	"eventgate/internal/metrics"
	"eventgate/internal/sequencer"
	"eventgate/internal/usecase"
	"eventgate/internal/writer"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type Handlers struct {
	ingestUC *usecase.IngestEvent
	brk      *breaker.Breaker
}

func NewHandlers(ingestUC *usecase.IngestEvent, brk *breaker.Breaker) *Handlers {
	return &Handlers{
		ingestUC: ingestUC,
		brk:      brk,
	}
}

// IngestEvent is POST /events. Auth and replay protection already ran in
// the middleware; this handler validates the envelope, checks admission,
// and executes the idempotent pipeline.
func (h *Handlers) IngestEvent(w http.ResponseWriter, r *http.Request) {
	// Fail fast while the sink is known to be down instead of queueing.
	if h.brk.State() == breaker.StateOpen {
		metrics.RequestsTotal.WithLabelValues("circuit_open").Inc()
		writeError(w, http.StatusServiceUnavailable, "service unavailable, try later")
		return
	}

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var env event.Envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		metrics.RequestsTotal.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := env.Validate(); err != nil {
		metrics.RequestsTotal.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec := event.Record{
		Envelope:   env,
		RequestID:  requestID(r),
		ReceivedAt: time.Now().UTC(),
	}

	res, wasNew, err := h.ingestUC.Execute(r.Context(), usecase.IngestParams{
		Record:      rec,
		RawBody:     rawBody,
		KeyOverride: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.writeIngestError(w, err)
		return
	}

	if !wasNew {
		if res.PayloadHash != idempotency.PayloadHash(rawBody) {
			metrics.RequestsTotal.WithLabelValues("conflict").Inc()
			writeError(w, http.StatusConflict, "idempotency key reused with a different payload")
			return
		}
		metrics.IdempotencyHits.Inc()
		metrics.RequestsTotal.WithLabelValues("replayed").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotency-Hit", "true")
		w.WriteHeader(http.StatusOK)
		w.Write(res.Body)
		return
	}

	metrics.RequestsTotal.WithLabelValues("accepted").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	w.Write(res.Body)
}

func (h *Handlers) writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, breaker.ErrOpen):
		metrics.RequestsTotal.WithLabelValues("circuit_open").Inc()
		writeError(w, http.StatusServiceUnavailable, "service unavailable, try later")
	case errors.Is(err, writer.ErrQueueFull), errors.Is(err, sequencer.ErrBufferFull):
		metrics.RequestsTotal.WithLabelValues("backpressure").Inc()
		writeError(w, http.StatusTooManyRequests, "backpressure, retry with backoff")
	case errors.Is(err, sequencer.ErrGapTimeout):
		metrics.RequestsTotal.WithLabelValues("gap_timeout").Inc()
		writeError(w, http.StatusUnprocessableEntity, "sequence gap not resolved, retry after predecessor")
	case errors.Is(err, writer.ErrStopped):
		metrics.RequestsTotal.WithLabelValues("shutting_down").Inc()
		writeError(w, http.StatusServiceUnavailable, "shutting down, retry against another instance")
	case errors.Is(err, idempotency.ErrWaitTimeout), errors.Is(err, idempotency.ErrUnavailable):
		metrics.RequestsTotal.WithLabelValues("store_unavailable").Inc()
		writeError(w, http.StatusServiceUnavailable, "try again later")
	default:
		metrics.RequestsTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	if id := chimiddleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.New().String()
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
