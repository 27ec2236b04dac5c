package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling the guarded function while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker opens after maxFailures failures inside the sliding window and
// lets a single trial call through once the timeout has elapsed.
type CircuitBreaker struct {
	maxFailures int
	window      time.Duration
	timeout     time.Duration
	now         func() time.Time

	mu       sync.Mutex
	failures []time.Time
	openedAt time.Time
	state    State
	trial    bool
}

type Option func(*CircuitBreaker)

func WithWindow(window time.Duration) Option {
	return func(cb *CircuitBreaker) { cb.window = window }
}

func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

func NewCircuitBreaker(maxFailures int, timeout time.Duration, opts ...Option) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		maxFailures: maxFailures,
		window:      60 * time.Second,
		timeout:     timeout,
		now:         time.Now,
		state:       StateClosed,
		failures:    make([]time.Time, 0),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the breaker is open. fn runs without the lock held.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.acquire() {
		return ErrOpen
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) acquire() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.timeout {
			return false
		}
		cb.state = StateHalfOpen
		cb.failures = cb.failures[:0]
		cb.trial = true
		return true
	case StateHalfOpen:
		if cb.trial {
			return false
		}
		cb.trial = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if cb.state == StateHalfOpen {
		cb.trial = false
		if err != nil {
			cb.state = StateOpen
			cb.openedAt = now
			return
		}
		cb.state = StateClosed
		cb.failures = cb.failures[:0]
		return
	}

	cb.cleanOldFailures(now)
	if err == nil {
		return
	}
	cb.failures = append(cb.failures, now)
	if len(cb.failures) >= cb.maxFailures {
		cb.state = StateOpen
		cb.openedAt = now
	}
}

func (cb *CircuitBreaker) cleanOldFailures(now time.Time) {
	cutoff := now.Add(-cb.window)
	keep := 0
	for keep < len(cb.failures) && !cb.failures[keep].After(cutoff) {
		keep++
	}
	cb.failures = cb.failures[keep:]
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
