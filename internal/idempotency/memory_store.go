package idempotency

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type entryState int

const (
	statePending entryState = iota
	stateDone
)

type entry struct {
	state     entryState
	result    Result
	expiresAt time.Time
	done      chan struct{}
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// MemoryStore is a sharded in-process store for single-node deployments and
// tests. Sharding keeps unrelated keys off the same mutex; expired entries
// are evicted lazily on access and swept on a fixed interval.
type MemoryStore struct {
	shards      [shardCount]*shard
	waitTimeout time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

func NewMemoryStore(waitTimeout, sweepInterval time.Duration) *MemoryStore {
	if waitTimeout <= 0 {
		waitTimeout = 5 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	s := &MemoryStore{
		waitTimeout: waitTimeout,
		stop:        make(chan struct{}),
		now:         time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	go s.sweep(sweepInterval)
	return s
}

func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *MemoryStore) PutIfAbsent(ctx context.Context, key string, ttl time.Duration, build func(context.Context) (Result, error)) (Result, bool, error) {
	sh := s.shardFor(key)

	for {
		sh.mu.Lock()
		e, ok := sh.entries[key]
		if ok && e.state == stateDone && s.now().After(e.expiresAt) {
			delete(sh.entries, key)
			ok = false
		}

		if !ok {
			e = &entry{state: statePending, done: make(chan struct{})}
			sh.entries[key] = e
			sh.mu.Unlock()
			return s.runBuilder(ctx, sh, key, e, ttl, build)
		}

		if e.state == stateDone {
			res := e.result
			sh.mu.Unlock()
			return res, false, nil
		}
		sh.mu.Unlock()

		// Another caller holds the key; wait for its snapshot.
		select {
		case <-e.done:
			// Re-check: the winner either cached a result or released the
			// key on failure.
			sh.mu.Lock()
			cur, ok := sh.entries[key]
			if ok && cur == e && e.state == stateDone {
				res := e.result
				sh.mu.Unlock()
				return res, false, nil
			}
			sh.mu.Unlock()
			if !ok {
				return Result{}, false, ErrWaitTimeout
			}
			// A different caller re-reserved the key; loop and wait again.
		case <-time.After(s.waitTimeout):
			return Result{}, false, ErrWaitTimeout
		case <-ctx.Done():
			return Result{}, false, ctx.Err()
		}
	}
}

func (s *MemoryStore) runBuilder(ctx context.Context, sh *shard, key string, e *entry, ttl time.Duration, build func(context.Context) (Result, error)) (Result, bool, error) {
	// Once the builder starts it runs to completion even if the caller
	// disconnects, so a retried request observes the same outcome.
	res, err := build(context.WithoutCancel(ctx))

	sh.mu.Lock()
	if err != nil {
		delete(sh.entries, key)
	} else {
		e.state = stateDone
		e.result = res
		e.expiresAt = s.now().Add(ttl)
	}
	sh.mu.Unlock()
	close(e.done)

	if err != nil {
		return Result{}, true, err
	}
	return res, true, nil
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := s.now()
			for _, sh := range s.shards {
				sh.mu.Lock()
				for k, e := range sh.entries {
					if e.state == stateDone && now.After(e.expiresAt) {
						delete(sh.entries, k)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}
