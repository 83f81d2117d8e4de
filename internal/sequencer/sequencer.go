package sequencer

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

type Outcome int

const (
	// OutcomeApplied means the event was applied in sequence order.
	OutcomeApplied Outcome = iota
	// OutcomeAppliedOutOfOrder means a gap timed out under the flag policy
	// and the event was applied anyway, marked out-of-order.
	OutcomeAppliedOutOfOrder
	// OutcomeDuplicate means the sequence number was at or behind the
	// cursor; the event is acknowledged without re-applying.
	OutcomeDuplicate
)

// Policy decides what happens when a sequence gap does not resolve within
// the bounded wait.
type Policy string

const (
	// PolicyStrict rejects the event; the caller retries once the
	// predecessor has arrived.
	PolicyStrict Policy = "strict"
	// PolicyFlag applies the event out of order and flags it. The cursor
	// jumps forward, so a predecessor arriving later is acknowledged as
	// stale rather than applied.
	PolicyFlag Policy = "flag"
)

var (
	// ErrGapTimeout is returned under the strict policy when an event's
	// predecessor did not arrive within the gap wait.
	ErrGapTimeout = errors.New("sequence gap not resolved in time")
	// ErrBufferFull is returned when too many events for one entity are
	// already waiting on a gap.
	ErrBufferFull = errors.New("sequencer buffer full for entity")
)

type Config struct {
	GapWait        time.Duration
	Policy         Policy
	BufferCapacity int
}

const shardCount = 32

type entityState struct {
	mu      sync.Mutex
	cursor  uint64
	waiting int
	// advance is closed and replaced whenever the cursor moves; waiters
	// blocked on a gap listen on it and re-check.
	advance chan struct{}
}

type shard struct {
	mu       sync.RWMutex
	entities map[string]*entityState
}

// Sequencer guarantees per-entity application order. Events for the same
// entity key are applied in strictly increasing sequence order; events for
// unrelated entities never contend on the same lock.
type Sequencer struct {
	cfg    Config
	shards [shardCount]*shard
}

func New(cfg Config) *Sequencer {
	if cfg.GapWait <= 0 {
		cfg.GapWait = 2 * time.Second
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 64
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyStrict
	}
	s := &Sequencer{cfg: cfg}
	for i := range s.shards {
		s.shards[i] = &shard{entities: make(map[string]*entityState)}
	}
	return s
}

// Admit applies the event when its sequence number is next for the entity,
// buffers it while a predecessor is missing, and acknowledges stale
// sequence numbers as duplicates without re-invoking apply. The outOfOrder
// argument to apply is true only for flag-policy applications after a gap
// timeout.
func (s *Sequencer) Admit(ctx context.Context, entityKey string, seq uint64, apply func(ctx context.Context, outOfOrder bool) error) (Outcome, error) {
	st := s.entity(entityKey)

	deadline := time.NewTimer(s.cfg.GapWait)
	defer deadline.Stop()

	for {
		st.mu.Lock()
		switch {
		case seq <= st.cursor:
			st.mu.Unlock()
			return OutcomeDuplicate, nil

		case seq == st.cursor+1:
			if err := apply(ctx, false); err != nil {
				st.mu.Unlock()
				return 0, err
			}
			st.advanceTo(seq)
			st.mu.Unlock()
			return OutcomeApplied, nil
		}

		// Gap: a predecessor has not been applied yet.
		if st.waiting >= s.cfg.BufferCapacity {
			st.mu.Unlock()
			return 0, ErrBufferFull
		}
		st.waiting++
		advance := st.advance
		st.mu.Unlock()

		select {
		case <-advance:
			st.mu.Lock()
			st.waiting--
			st.mu.Unlock()
			continue

		case <-deadline.C:
			st.mu.Lock()
			st.waiting--
			// The predecessor may have landed between the deadline firing
			// and this lock acquisition; re-check before calling it a gap.
			switch {
			case seq <= st.cursor:
				st.mu.Unlock()
				return OutcomeDuplicate, nil
			case seq == st.cursor+1:
				if err := apply(ctx, false); err != nil {
					st.mu.Unlock()
					return 0, err
				}
				st.advanceTo(seq)
				st.mu.Unlock()
				return OutcomeApplied, nil
			}
			if s.cfg.Policy == PolicyStrict {
				st.mu.Unlock()
				return 0, ErrGapTimeout
			}
			// Flag policy: apply out of order and jump the cursor.
			if err := apply(ctx, true); err != nil {
				st.mu.Unlock()
				return 0, err
			}
			st.advanceTo(seq)
			st.mu.Unlock()
			return OutcomeAppliedOutOfOrder, nil

		case <-ctx.Done():
			st.mu.Lock()
			st.waiting--
			st.mu.Unlock()
			return 0, ctx.Err()
		}
	}
}

// Cursor returns the last applied sequence for an entity. Zero means no
// event has been applied yet.
func (s *Sequencer) Cursor(entityKey string) uint64 {
	st := s.entity(entityKey)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cursor
}

// advanceTo must be called with st.mu held.
func (st *entityState) advanceTo(seq uint64) {
	st.cursor = seq
	close(st.advance)
	st.advance = make(chan struct{})
}

func (s *Sequencer) entity(entityKey string) *entityState {
	h := fnv.New32a()
	h.Write([]byte(entityKey))
	sh := s.shards[h.Sum32()%shardCount]

	sh.mu.RLock()
	st, ok := sh.entities[entityKey]
	sh.mu.RUnlock()
	if ok {
		return st
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if st, ok = sh.entities[entityKey]; ok {
		return st
	}
	st = &entityState{advance: make(chan struct{})}
	sh.entities[entityKey] = st
	return st
}
