package breaker

import (
	"errors"
	"sync"
	"time"

	"eventgate/internal/metrics"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow while the breaker rejects admissions.
var ErrOpen = errors.New("circuit breaker open")

type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open.
	FailureThreshold int
	// OpenInterval is how long the breaker stays open before allowing
	// half-open probes.
	OpenInterval time.Duration
	// ProbeCount is how many in-flight probes half-open admits.
	ProbeCount int
}

// Breaker protects the durable sink from sustained failure. Admission is a
// pure in-memory check so rejections while open stay fast.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probesInUse int
	now         func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenInterval <= 0 {
		cfg.OpenInterval = 5 * time.Second
	}
	if cfg.ProbeCount <= 0 {
		cfg.ProbeCount = 1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a new downstream attempt may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenInterval {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		b.probesInUse = 1
		return nil
	case StateHalfOpen:
		if b.probesInUse >= b.cfg.ProbeCount {
			return ErrOpen
		}
		b.probesInUse++
		return nil
	}
	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.probesInUse = 0
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		// Probe failed, reopen.
		b.transition(StateOpen)
		b.openedAt = b.now()
		b.probesInUse = 0
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
			b.openedAt = b.now()
		}
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(next State) {
	b.state = next
	metrics.BreakerState.Set(float64(next))
}
