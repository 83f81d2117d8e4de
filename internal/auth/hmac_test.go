package auth

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ts(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func TestHMACVerifier_AcceptsValidSignature(t *testing.T) {
	v := NewHMACVerifier(StaticSecret("topsecret"), 5*time.Minute, 10*time.Second)
	body := []byte(`{"message_id":"m1"}`)
	timestamp := ts(time.Now())

	sig := Sign("topsecret", body, timestamp)
	require.NoError(t, v.Verify(context.Background(), body, sig, timestamp))
}

func TestHMACVerifier_RejectsTamperedBody(t *testing.T) {
	v := NewHMACVerifier(StaticSecret("topsecret"), 5*time.Minute, 10*time.Second)
	timestamp := ts(time.Now())

	sig := Sign("topsecret", []byte("original"), timestamp)
	require.ErrorIs(t, v.Verify(context.Background(), []byte("tampered"), sig, timestamp), ErrUnauthorized)
}

func TestHMACVerifier_RejectsWrongSecret(t *testing.T) {
	v := NewHMACVerifier(StaticSecret("topsecret"), 5*time.Minute, 10*time.Second)
	body := []byte("payload")
	timestamp := ts(time.Now())

	sig := Sign("othersecret", body, timestamp)
	require.ErrorIs(t, v.Verify(context.Background(), body, sig, timestamp), ErrUnauthorized)
}

func TestHMACVerifier_RejectsStaleTimestamp(t *testing.T) {
	v := NewHMACVerifier(StaticSecret("topsecret"), 5*time.Minute, 10*time.Second)
	body := []byte("payload")
	timestamp := ts(time.Now().Add(-10 * time.Minute))

	sig := Sign("topsecret", body, timestamp)
	require.ErrorIs(t, v.Verify(context.Background(), body, sig, timestamp), ErrUnauthorized)
}

func TestHMACVerifier_ToleratesSkewOnFutureTimestamp(t *testing.T) {
	v := NewHMACVerifier(StaticSecret("topsecret"), 5*time.Minute, 10*time.Second)
	body := []byte("payload")

	within := ts(time.Now().Add(5 * time.Second))
	sig := Sign("topsecret", body, within)
	require.NoError(t, v.Verify(context.Background(), body, sig, within))

	beyond := ts(time.Now().Add(time.Minute))
	sig = Sign("topsecret", body, beyond)
	require.ErrorIs(t, v.Verify(context.Background(), body, sig, beyond), ErrUnauthorized)
}

func TestHMACVerifier_RejectsMissingHeaders(t *testing.T) {
	v := NewHMACVerifier(StaticSecret("topsecret"), 5*time.Minute, 10*time.Second)

	require.ErrorIs(t, v.Verify(context.Background(), []byte("x"), "", ts(time.Now())), ErrUnauthorized)
	require.ErrorIs(t, v.Verify(context.Background(), []byte("x"), "abc", ""), ErrUnauthorized)
	require.ErrorIs(t, v.Verify(context.Background(), []byte("x"), "not-hex!", ts(time.Now())), ErrUnauthorized)
}

func TestCachingSecretProvider_CachesWithinTTL(t *testing.T) {
	fetches := 0
	p := NewCachingSecretProvider(func(context.Context) (string, error) {
		fetches++
		return "s1", nil
	}, time.Minute)

	for i := 0; i < 5; i++ {
		secret, err := p.Secret(context.Background())
		require.NoError(t, err)
		require.Equal(t, "s1", secret)
	}
	require.Equal(t, 1, fetches)
}

func TestCachingSecretProvider_ServesStaleDuringOutage(t *testing.T) {
	fetches := 0
	fail := false
	p := NewCachingSecretProvider(func(context.Context) (string, error) {
		fetches++
		if fail {
			return "", fmt.Errorf("provider down")
		}
		return "s1", nil
	}, time.Minute)
	now := time.Now()
	p.now = func() time.Time { return now }

	_, err := p.Secret(context.Background())
	require.NoError(t, err)

	// TTL expires and the provider starts failing; the stale secret keeps
	// the signing path alive.
	fail = true
	p.now = func() time.Time { return now.Add(2 * time.Minute) }
	secret, err := p.Secret(context.Background())
	require.NoError(t, err)
	require.Equal(t, "s1", secret)
	require.Equal(t, 2, fetches)
}

func TestCachingSecretProvider_BacksOffAfterFailures(t *testing.T) {
	fetches := 0
	p := NewCachingSecretProvider(func(context.Context) (string, error) {
		fetches++
		return "", fmt.Errorf("provider down")
	}, time.Minute)
	now := time.Now()
	p.now = func() time.Time { return now }

	_, err := p.Secret(context.Background())
	require.Error(t, err)

	// Inside the backoff window no new fetch is attempted.
	_, err = p.Secret(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, fetches)

	p.now = func() time.Time { return now.Add(2 * time.Second) }
	_, err = p.Secret(context.Background())
	require.Error(t, err)
	require.Equal(t, 2, fetches)
}
