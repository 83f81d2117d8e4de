package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"eventgate/internal/auth"
	"eventgate/internal/metrics"
	"eventgate/internal/replay"
)

// HMACVerifier checks a webhook-style signature over the raw body.
type HMACVerifier interface {
	Verify(ctx context.Context, body []byte, signature, timestamp string) error
}

// BearerVerifier checks an Authorization bearer token and returns the
// authenticated subject.
type BearerVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

type AuthConfig struct {
	HMAC         HMACVerifier
	Bearer       BearerVerifier
	Guard        replay.Guard
	ReplayWindow time.Duration
	MaxBodyBytes int64
}

var errBodyTooLarge = errors.New("payload too large")

// Auth authenticates the transport envelope and rejects replays before any
// business logic runs. The body is read once, size-capped, and restored
// for the handler.
func Auth(cfg AuthConfig, log *slog.Logger) func(http.Handler) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1024 * 1024
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			body, err := readAndRestoreBody(r, cfg.MaxBodyBytes)
			if err != nil {
				status := http.StatusBadRequest
				if errors.Is(err, errBodyTooLarge) {
					status = http.StatusRequestEntityTooLarge
				}
				writeJSONError(w, status, "invalid payload")
				return
			}

			identity, err := authenticate(r, cfg, body)
			metrics.ObserveStage(metrics.StageAuth, start)
			if err != nil {
				log.Warn("request rejected by auth", "path", r.URL.Path, "error", err)
				writeJSONError(w, http.StatusUnauthorized, "invalid signature")
				return
			}

			guardStart := time.Now()
			err = cfg.Guard.CheckAndMark(r.Context(), identity, cfg.ReplayWindow)
			metrics.ObserveStage(metrics.StageReplayGuard, guardStart)
			switch {
			case errors.Is(err, replay.ErrReplayDetected):
				metrics.ReplayRejected.Inc()
				log.Warn("replay detected", "path", r.URL.Path)
				writeJSONError(w, http.StatusConflict, "replay detected")
				return
			case err != nil:
				// Fail closed: without the guard we cannot rule out a replay.
				log.Error("replay guard unavailable", "error", err)
				writeJSONError(w, http.StatusServiceUnavailable, "try again later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// authenticate verifies the envelope and derives the replay identity from
// the signature material, never from the business payload.
func authenticate(r *http.Request, cfg AuthConfig, body []byte) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" && cfg.Bearer != nil {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return "", auth.ErrUnauthorized
		}
		if _, err := cfg.Bearer.Verify(r.Context(), token); err != nil {
			return "", err
		}
		// A bearer token is reused across calls, so the identity must also
		// cover what this call carries.
		sum := sha256.Sum256(body)
		return replay.Identity(token, hex.EncodeToString(sum[:])), nil
	}

	if cfg.HMAC == nil {
		return "", auth.ErrUnauthorized
	}
	signature := r.Header.Get("X-Signature")
	timestamp := r.Header.Get("X-Timestamp")
	if err := cfg.HMAC.Verify(r.Context(), body, signature, timestamp); err != nil {
		return "", err
	}
	return replay.Identity(signature, timestamp), nil
}

func readAndRestoreBody(r *http.Request, maxBytes int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}

	limited := io.LimitReader(r.Body, maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, errBodyTooLarge
	}

	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
