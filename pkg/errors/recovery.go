package errors

import (
	"sync"
	"time"
)

// BreakerState represents the state of a circuit breaker
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker is a circuit breaker for a single device. Consecutive
// transport failures open the circuit; while it is open, calls are
// refused without touching the network. After the cooldown one probe
// call is admitted, and its outcome closes or reopens the circuit.
type Breaker struct {
	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool

	maxFailures int
	cooldown    time.Duration
	onChange    func(from, to BreakerState)
}

func newBreaker(maxFailures int, cooldown time.Duration, onChange func(from, to BreakerState)) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		onChange:    onChange,
	}
}

// Allow reports whether a call may proceed. In the half-open state only
// one probe is admitted at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(BreakerHalfOpen)
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Success records a completed call and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	if b.state != BreakerClosed {
		b.transition(BreakerClosed)
	}
}

// Failure records a failed call. A failed half-open probe reopens the
// circuit immediately; failures while already open are ignored so late
// results cannot extend the cooldown.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	switch b.state {
	case BreakerHalfOpen:
		b.openedAt = time.Now()
		b.transition(BreakerOpen)
	case BreakerClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.openedAt = time.Now()
			b.transition(BreakerOpen)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with the lock held.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == BreakerClosed {
		b.failures = 0
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// BreakerSet keys circuit breakers by device host, creating them on
// first use. Safe for concurrent use.
type BreakerSet struct {
	mu          sync.Mutex
	breakers    map[string]*Breaker
	maxFailures int
	cooldown    time.Duration
	onChange    func(host string, from, to BreakerState)
}

// NewBreakerSet creates a breaker set. onChange may be nil.
func NewBreakerSet(maxFailures int, cooldown time.Duration, onChange func(host string, from, to BreakerState)) *BreakerSet {
	return &BreakerSet{
		breakers:    make(map[string]*Breaker),
		maxFailures: maxFailures,
		cooldown:    cooldown,
		onChange:    onChange,
	}
}

func (s *BreakerSet) breaker(host string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[host]
	if !ok {
		var hook func(from, to BreakerState)
		if s.onChange != nil {
			hook = func(from, to BreakerState) { s.onChange(host, from, to) }
		}
		b = newBreaker(s.maxFailures, s.cooldown, hook)
		s.breakers[host] = b
	}
	return b
}

// Allow reports whether a call to host may proceed.
func (s *BreakerSet) Allow(host string) bool {
	return s.breaker(host).Allow()
}

// Success records a completed call to host.
func (s *BreakerSet) Success(host string) {
	s.breaker(host).Success()
}

// Failure records a failed call to host.
func (s *BreakerSet) Failure(host string) {
	s.breaker(host).Failure()
}

// State returns the circuit state for host. Hosts never seen are
// closed.
func (s *BreakerSet) State(host string) BreakerState {
	s.mu.Lock()
	b, ok := s.breakers[host]
	s.mu.Unlock()
	if !ok {
		return BreakerClosed
	}
	return b.State()
}
