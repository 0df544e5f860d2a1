package client

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned without dialing while the breaker is open.
var ErrBreakerOpen = errors.New("client: dial breaker is open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

// String returns the string representation of the state
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

// BreakerSettings configures a Breaker.
type BreakerSettings struct {
	// FailureThreshold is how many consecutive failed dials open the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before one probe dial is
	// let through.
	Cooldown time.Duration
	// OnStateChange is called whenever the state changes, under the
	// breaker's lock.
	OnStateChange func(from, to BreakerState)
}

// Breaker stops a client from hammering a broker that keeps refusing
// connections. It is shared by every Dial that passes it in Options, so a
// fleet of controllers in one process backs off together.
type Breaker struct {
	settings BreakerSettings
	now      func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a breaker. Zero settings open after 5 consecutive
// failures and probe again after 30 seconds.
func NewBreaker(settings BreakerSettings) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	return &Breaker{settings: settings, now: time.Now}
}

// State returns the current state of the breaker.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

// Do runs fn unless the breaker is open. While half-open only one call runs
// at a time; its outcome closes or reopens the breaker.
func (b *Breaker) Do(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}

	succeeded := false
	defer func() {
		b.after(succeeded)
	}()

	err := fn()
	succeeded = err == nil
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current() {
	case BreakerOpen:
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.current()
	b.probing = false
	if success {
		b.failures = 0
		if state != BreakerClosed {
			b.setState(BreakerClosed)
		}
		return
	}

	b.failures++
	if state == BreakerHalfOpen || b.failures >= b.settings.FailureThreshold {
		b.openedAt = b.now()
		b.setState(BreakerOpen)
	}
}

// current moves an open breaker to half-open once the cooldown has passed.
// Caller holds b.mu.
func (b *Breaker) current() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.settings.Cooldown {
		b.setState(BreakerHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(state BreakerState) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	if state != BreakerOpen {
		b.failures = 0
	}
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(prev, state)
	}
}
