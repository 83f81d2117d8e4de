package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FetchFunc retrieves the signing secret from an external provider.
type FetchFunc func(ctx context.Context) (string, error)

// CachingSecretProvider caches a fetched secret for a TTL and applies
// exponential backoff after fetch failures so a flapping provider is not
// hammered on the hot path. A stale cached secret is served while the
// provider is unreachable.
type CachingSecretProvider struct {
	fetch FetchFunc
	ttl   time.Duration

	mu        sync.Mutex
	secret    string
	fetchedAt time.Time
	backoff   time.Duration
	nextTry   time.Time
	now       func() time.Time
}

const (
	initialBackoff = time.Second
	maxBackoff     = time.Minute
)

func NewCachingSecretProvider(fetch FetchFunc, ttl time.Duration) *CachingSecretProvider {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachingSecretProvider{fetch: fetch, ttl: ttl, now: time.Now}
}

func (p *CachingSecretProvider) Secret(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	fresh := p.secret != "" && now.Sub(p.fetchedAt) < p.ttl
	if fresh {
		return p.secret, nil
	}
	if now.Before(p.nextTry) {
		if p.secret != "" {
			return p.secret, nil
		}
		return "", fmt.Errorf("secret fetch backing off until %s", p.nextTry.Format(time.RFC3339))
	}

	secret, err := p.fetch(ctx)
	if err != nil {
		if p.backoff == 0 {
			p.backoff = initialBackoff
		} else {
			p.backoff *= 2
			if p.backoff > maxBackoff {
				p.backoff = maxBackoff
			}
		}
		p.nextTry = now.Add(p.backoff)
		if p.secret != "" {
			return p.secret, nil
		}
		return "", fmt.Errorf("fetch signing secret: %w", err)
	}

	p.secret = secret
	p.fetchedAt = now
	p.backoff = 0
	p.nextTry = time.Time{}
	return secret, nil
}
