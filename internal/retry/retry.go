// Package retry decides whether a classified failure is retried and how long
// to back off before the next try.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/example/stayrace/internal/domain/booking"
)

// Policy configures backoff. Attempt budgets apply to the transient class;
// race-lost and structural failures are never retried, and resource
// exhaustion is retried until the caller's deadline.
type Policy struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Jitter       float64 // fraction, 0.2 = ±20%
	MaxTransient int
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Jitter:       0.2,
		MaxTransient: 5,
	}
}

type Controller struct {
	policy Policy
	rand   func() float64
}

func New(p Policy) *Controller {
	d := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.MaxTransient < 0 {
		p.MaxTransient = 0
	}
	return &Controller{policy: p, rand: rand.Float64}
}

func (c *Controller) Policy() Policy { return c.policy }

// NextDelay is called after the attempt-th failure (1-based) of the given
// class. It returns the delay before retrying, or false to stop. The stop
// decision depends only on (attempt, class).
func (c *Controller) NextDelay(attempt int, class booking.ErrorClass) (time.Duration, bool) {
	switch class {
	case booking.ClassTransient:
		if attempt >= c.policy.MaxTransient {
			return 0, false
		}
	case booking.ClassExhausted:
	default:
		return 0, false
	}
	return c.Backoff(attempt), true
}

// Backoff is BaseDelay·2^(attempt-1), capped at MaxDelay, with jitter applied.
// The result is always positive.
func (c *Controller) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.policy.BaseDelay
	for i := 1; i < attempt && d < c.policy.MaxDelay; i++ {
		d *= 2
	}
	if d > c.policy.MaxDelay {
		d = c.policy.MaxDelay
	}
	if j := c.policy.Jitter; j > 0 {
		f := 1 + j*(2*c.rand()-1)
		d = time.Duration(float64(d) * f)
	}
	if d > c.policy.MaxDelay {
		d = c.policy.MaxDelay
	}
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
