// Package ratelimit paces a producer to a fixed number of events per
// second, such as rx indications emitted by a simulated device.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits to a number of events per second on average, allowing
// bursts of up to one check interval.
// Not safe for concurrent use.
type Throttle struct {
	lim  *rate.Limiter
	sent uint64
}

// New creates a limiter for perSec events per second.
// If perSec == 0, throttling is disabled and New returns nil.
func New(perSec uint64) *Throttle {
	if perSec == 0 {
		return nil
	}
	// Allow ~10ms of events at once. At least 32, at most 1024.
	burst := int(min(max(perSec/100, 32), 1024))
	return &Throttle{lim: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// WaitN blocks until n more events are allowed or ctx is done.
// A nil Throttle never blocks.
func (l *Throttle) WaitN(ctx context.Context, n int) error {
	if l == nil {
		return ctx.Err()
	}
	for n > 0 {
		// rate.Limiter refuses requests larger than its burst.
		step := min(n, l.lim.Burst())
		if err := l.lim.WaitN(ctx, step); err != nil {
			return err
		}
		l.sent += uint64(step)
		n -= step
	}
	return nil
}

// Sent returns the number of events let through so far.
func (l *Throttle) Sent() uint64 {
	if l == nil {
		return 0
	}
	return l.sent
}

// Delay returns how long the next event would have to wait right now.
func (l *Throttle) Delay() time.Duration {
	if l == nil {
		return 0
	}
	r := l.lim.Reserve()
	defer r.Cancel()
	return r.Delay()
}
