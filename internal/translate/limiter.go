package translate

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// limiter enforces a minimum spacing between call starts and a cap on calls
// in flight. One instance is shared by every Gateway caller.
type limiter struct {
	pace  *rate.Limiter
	slots *semaphore.Weighted
}

func newLimiter(minInterval time.Duration, maxConcurrent int) *limiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	every := rate.Inf
	if minInterval > 0 {
		every = rate.Every(minInterval)
	}
	return &limiter{
		pace:  rate.NewLimiter(every, 1),
		slots: semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// acquire blocks until a concurrency slot is free. The returned func releases
// it.
func (l *limiter) acquire(ctx context.Context) (func(), error) {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { l.slots.Release(1) }, nil
}

// wait blocks until the minimum interval since the previous permitted start
// has elapsed.
func (l *limiter) wait(ctx context.Context) error {
	return l.pace.Wait(ctx)
}
