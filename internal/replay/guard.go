package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrReplayDetected means the exact signed envelope was already seen inside
// the replay window. This is a transport-level rejection, distinct from a
// business-level idempotent duplicate.
var ErrReplayDetected = errors.New("replay detected")

// ErrUnavailable mirrors the idempotency store semantics: when the backing
// store is down the guard fails closed.
var ErrUnavailable = errors.New("replay store unavailable")

// Guard marks request identities as seen for the duration of the window.
type Guard interface {
	CheckAndMark(ctx context.Context, identity string, window time.Duration) error
}

// Identity derives the replay token from signature material. It covers the
// signature and timestamp of the signed request, never the business payload.
func Identity(signature, timestamp string) string {
	h := sha256.New()
	h.Write([]byte(signature))
	h.Write([]byte{0})
	h.Write([]byte(timestamp))
	return hex.EncodeToString(h.Sum(nil))
}
