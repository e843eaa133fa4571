package transport

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Dial while the breaker rejects attempts.
var ErrCircuitOpen = errors.New("dial circuit breaker is open")

// State represents the breaker state.
type State int32

const (
	// StateClosed lets every dial through.
	StateClosed State = iota
	// StateOpen rejects dials until the open timeout elapses.
	StateOpen
	// StateHalfOpen lets a single probe dial through.
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

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed dials that
	// open the breaker.
	FailureThreshold int

	// OpenTimeout is how long the breaker stays open before a probe.
	OpenTimeout time.Duration

	// OnStateChange is called synchronously on every transition.
	OnStateChange func(from, to State)
}

// Breaker stops reconnect loops from hammering a server that keeps
// refusing connections.
type Breaker struct {
	config BreakerConfig
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Minute
	}
	return &Breaker{config: cfg, now: time.Now}
}

// Allow reports whether a dial may proceed. Every allowed attempt must be
// followed by Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.OpenTimeout {
			return ErrCircuitOpen
		}
		b.transitionTo(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Record reports the outcome of an allowed dial.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		if err != nil {
			b.open()
		} else {
			b.transitionTo(StateClosed)
		}
		return
	}

	if err == nil {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.config.FailureThreshold {
		b.open()
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	b.transitionTo(StateClosed)
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transitionTo(StateOpen)
}

// transitionTo is called with b.mu held.
func (b *Breaker) transitionTo(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(from, to)
	}
}
