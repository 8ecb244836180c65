package notify

import (
	"context"
	"sync"
	"time"
)

// WindowLimiter allows at most limit sends in any rolling window.
// Wait blocks until the oldest send in the window expires.
type WindowLimiter struct {
	limit  int
	window time.Duration
	sends  []time.Time
	now    func() time.Time
	mu     sync.Mutex
}

// NewWindowLimiter creates a new rolling window limiter.
func NewWindowLimiter(limit int, window time.Duration) *WindowLimiter {
	if limit < 1 {
		limit = 1
	}
	return &WindowLimiter{
		limit:  limit,
		window: window,
		sends:  make([]time.Time, 0, limit),
		now:    time.Now,
	}
}

// Allow records a send if the window has room.
func (l *WindowLimiter) Allow() bool {
	_, ok := l.reserve()
	return ok
}

// Wait blocks until a send is allowed or ctx is done.
func (l *WindowLimiter) Wait(ctx context.Context) error {
	for {
		wait, ok := l.reserve()
		if ok {
			return nil
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (l *WindowLimiter) reserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.sends) && !l.sends[i].After(cutoff) {
		i++
	}
	l.sends = l.sends[i:]

	if len(l.sends) < l.limit {
		l.sends = append(l.sends, now)
		return 0, true
	}
	return l.sends[0].Sub(cutoff), false
}
