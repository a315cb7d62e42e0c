package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/eapache/go-resiliency/retrier"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

type RetryPolicy struct {
	Attempts int // retries after the first call
	Backoff  time.Duration
}

// classifier retries connectivity failures only. An open breaker and a
// cancelled context fail immediately.
type classifier struct{}

func (classifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed
	case errors.Is(err, ErrOpen), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retrier.Fail
	case errors.Is(err, model.ErrUnavailable):
		return retrier.Retry
	}
	return retrier.Fail
}

// Guard runs an operation through the breaker, retrying connectivity
// failures with exponential backoff.
type Guard struct {
	breaker *Breaker
	retrier *retrier.Retrier
}

func NewGuard(b *Breaker, p RetryPolicy) *Guard {
	if p.Attempts < 0 {
		p.Attempts = 0
	}
	if p.Backoff <= 0 {
		p.Backoff = 100 * time.Millisecond
	}
	return &Guard{
		breaker: b,
		retrier: retrier.New(retrier.ExponentialBackoff(p.Attempts, p.Backoff), classifier{}),
	}
}

func (g *Guard) Breaker() *Breaker { return g.breaker }

func (g *Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	return g.retrier.RunCtx(ctx, func(ctx context.Context) error {
		return g.breaker.Do(ctx, fn)
	})
}
