package rate

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// MemoryLimiter keeps request timestamps inside the current process. It is
// only correct for a single-instance deployment; with several instances each
// one enforces the limits on its own share of the traffic.
type MemoryLimiter struct {
	windows []Window

	// Request times per client, one slice per window, oldest first.
	requests map[string][][]time.Time
	mu       sync.Mutex

	clock clock.Clock
}

func NewMemoryLimiter(windows []Window) (*MemoryLimiter, func(), error) {
	return NewMemoryLimiterWithClock(windows, clock.New())
}

func NewMemoryLimiterWithClock(windows []Window, clk clock.Clock) (*MemoryLimiter, func(), error) {
	if err := validateWindows(windows); err != nil {
		return nil, nil, err
	}
	l := &MemoryLimiter{
		windows:  windows,
		requests: make(map[string][][]time.Time),
		clock:    clk,
	}
	stop := l.startCleanup(time.Minute)
	return l, stop, nil
}

func (l *MemoryLimiter) Allow(ctx context.Context, clientIdentity string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	perWindow, ok := l.requests[clientIdentity]
	if !ok {
		perWindow = make([][]time.Time, len(l.windows))
		l.requests[clientIdentity] = perWindow
	}

	for i, window := range l.windows {
		perWindow[i] = prune(perWindow[i], now.Add(-window.Period))
		if len(perWindow[i]) >= window.Limit {
			return Decision{
				Allowed:    false,
				RetryAfter: perWindow[i][0].Add(window.Period).Sub(now),
				Window:     window.Name,
			}, nil
		}
	}

	for i := range l.windows {
		perWindow[i] = append(perWindow[i], now)
	}
	return Decision{Allowed: true}, nil
}

// Drops times at or before cutoff.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	keep := 0
	for keep < len(times) && !times[keep].After(cutoff) {
		keep++
	}
	return times[keep:]
}

func (l *MemoryLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for clientIdentity, perWindow := range l.requests {
		empty := true
		for i, window := range l.windows {
			perWindow[i] = prune(perWindow[i], now.Add(-window.Period))
			if len(perWindow[i]) > 0 {
				empty = false
			}
		}
		if empty {
			delete(l.requests, clientIdentity)
		}
	}
}

func (l *MemoryLimiter) startCleanup(interval time.Duration) func() {
	ticker := l.clock.Ticker(interval)
	done := make(chan bool)

	go func() {
		for {
			select {
			case <-ticker.C:
				l.cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
