// Package pacer spaces out upstream RPC calls.
package pacer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ErrDeadline is returned by Wait when the next slot lands after the context
// deadline. The context itself has not expired yet.
var ErrDeadline = errors.New("pacing would exceed context deadline")

// Pacer enforces a minimum interval between successive calls to Wait.
// It holds a single token, so no bursts are allowed.
type Pacer struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// New creates a pacer. A non-positive interval disables pacing.
func New(interval time.Duration) *Pacer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacer{
		limiter:  rate.NewLimiter(limit, 1),
		interval: interval,
	}
}

// Wait blocks until the next call is allowed or ctx is done. It returns
// ctx.Err() once ctx is done and ErrDeadline when waiting would outlast the
// deadline.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return ctx.Err()
	}
	if err := p.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", ErrDeadline, err)
	}
	return nil
}

// Interval returns the configured minimum spacing.
func (p *Pacer) Interval() time.Duration {
	if p == nil {
		return 0
	}
	return p.interval
}
