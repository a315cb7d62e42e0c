// Package resilience guards blocking backend calls with a circuit breaker
// and a bounded retry.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/core/observability"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	}
	return "unknown"
}

// ErrOpen is returned without calling the operation while the breaker is
// open. It is never retried.
var ErrOpen = errors.New("circuit breaker open")

// Breaker opens after Failures consecutive failures. Once Cooldown has
// passed a single probe goes through; its success closes the breaker and
// its failure opens it again.
type Breaker struct {
	name     string
	failures int
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	state    State
	fails    int
	openedAt time.Time
	probing  bool
}

type BreakerOption func(*Breaker)

func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

func NewBreaker(name string, failures int, cooldown time.Duration, opts ...BreakerOption) *Breaker {
	if failures <= 0 {
		failures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{name: name, failures: failures, cooldown: cooldown, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	observability.SetBreakerState(name, int(Closed))
	return b
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Do runs fn unless the breaker is open. Cancellation of ctx is not
// counted as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(ctx, err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return fmt.Errorf("%w: %w (%s)", model.ErrUnavailable, ErrOpen, b.name)
		}
		b.setState(HalfOpen)
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return fmt.Errorf("%w: %w (%s probing)", model.ErrUnavailable, ErrOpen, b.name)
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.probing = false
	}
	if err != nil && ctx.Err() != nil {
		return
	}
	if err == nil {
		b.fails = 0
		if b.state != Closed {
			b.setState(Closed)
		}
		return
	}
	b.fails++
	if b.state == HalfOpen || b.fails >= b.failures {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.fails = 0
	b.setState(Open)
}

func (b *Breaker) setState(s State) {
	b.state = s
	observability.SetBreakerState(b.name, int(s))
}
