package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrUnauthorized covers every transport-authentication failure. The exact
// cause is logged server-side, never returned to the caller.
var ErrUnauthorized = errors.New("unauthorized")

// SecretProvider supplies the current HMAC signing secret.
type SecretProvider interface {
	Secret(ctx context.Context) (string, error)
}

// StaticSecret is a SecretProvider backed by a fixed value from config.
type StaticSecret string

func (s StaticSecret) Secret(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("hmac secret not configured")
	}
	return string(s), nil
}

// HMACVerifier validates X-Signature headers: hex(HMAC-SHA256(secret,
// timestamp + "." + body)). The timestamp must fall inside the drift
// window, widened by the configured clock skew.
type HMACVerifier struct {
	provider SecretProvider
	drift    time.Duration
	skew     time.Duration
	now      func() time.Time
}

func NewHMACVerifier(provider SecretProvider, drift, skew time.Duration) *HMACVerifier {
	if drift <= 0 {
		drift = 5 * time.Minute
	}
	if skew < 0 {
		skew = 0
	}
	return &HMACVerifier{provider: provider, drift: drift, skew: skew, now: time.Now}
}

func (v *HMACVerifier) Verify(ctx context.Context, body []byte, signature, timestamp string) error {
	if signature == "" || timestamp == "" {
		return ErrUnauthorized
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrUnauthorized
	}
	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.drift+v.skew || age < -v.skew {
		return ErrUnauthorized
	}

	secret, err := v.provider.Secret(ctx)
	if err != nil {
		return fmt.Errorf("resolve signing secret: %w", err)
	}

	expected := Sign(secret, body, timestamp)
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return ErrUnauthorized
	}
	expectedRaw, _ := hex.DecodeString(expected)
	if !hmac.Equal(provided, expectedRaw) {
		return ErrUnauthorized
	}
	return nil
}

// Sign computes the signature a caller must send. Exported for tests and
// for outbound callback signing.
func Sign(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
