package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Result is the snapshot cached for a processed operation. Duplicates with
// the same key are answered with this exact snapshot, byte for byte.
type Result struct {
	StatusCode  int    `json:"status_code"`
	Body        []byte `json:"body"`
	PayloadHash string `json:"payload_hash"`
}

var (
	// ErrWaitTimeout means another caller holds the key but its result did
	// not land within the bounded wait. The caller may safely retry.
	ErrWaitTimeout = errors.New("timed out waiting for in-flight operation")
	// ErrUnavailable means the backing store is down. Idempotency-critical
	// paths fail closed on it rather than risk double-processing.
	ErrUnavailable = errors.New("idempotency store unavailable")
)

// Store collapses concurrent and repeated submissions of the same logical
// operation to a single effect.
type Store interface {
	// PutIfAbsent returns the cached result when key is present and
	// unexpired. Otherwise it reserves the key, runs build exactly once
	// across all racing callers, caches the result for ttl and returns it
	// with wasNew=true. Losing racers block (bounded) for the winner's
	// snapshot.
	PutIfAbsent(ctx context.Context, key string, ttl time.Duration, build func(context.Context) (Result, error)) (Result, bool, error)
}

// Key derives the idempotency key for a logical operation.
func Key(operationType, entityKey, messageID string) string {
	h := sha256.New()
	h.Write([]byte(operationType))
	h.Write([]byte{0})
	h.Write([]byte(entityKey))
	h.Write([]byte{0})
	h.Write([]byte(messageID))
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadHash fingerprints the request body so a duplicate key carrying a
// different payload can be surfaced as a caller error.
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
