package replay

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard is the in-process variant for single-node deployments and
// tests. Expired tokens are evicted on access and by a background sweep.
type MemoryGuard struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

func NewMemoryGuard(sweepInterval time.Duration) *MemoryGuard {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	g := &MemoryGuard{
		seen: make(map[string]time.Time),
		stop: make(chan struct{}),
		now:  time.Now,
	}
	go g.sweep(sweepInterval)
	return g
}

func (g *MemoryGuard) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
}

func (g *MemoryGuard) CheckAndMark(_ context.Context, identity string, window time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expires, ok := g.seen[identity]; ok {
		if now.Before(expires) {
			return ErrReplayDetected
		}
		delete(g.seen, identity)
	}
	g.seen[identity] = now.Add(window)
	return nil
}

func (g *MemoryGuard) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			now := g.now()
			g.mu.Lock()
			for id, expires := range g.seen {
				if now.After(expires) {
					delete(g.seen, id)
				}
			}
			g.mu.Unlock()
		}
	}
}
