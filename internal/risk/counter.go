package risk

import (
	"context"
	"sync"
	"time"
)

// Counter increments fixed-window counters.
type Counter interface {
	// Incr adds one to key within its current window and returns the new count.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

type windowState struct {
	count int64
	end   time.Time
}

// sweepInterval is how often Incr drops windows that have already ended.
const sweepInterval = time.Minute

// MemoryCounter keeps fixed-window counters in process memory. A window is
// reset lazily by the first increment after its end has passed, and ended
// windows of keys that stop counting are swept every sweepInterval.
type MemoryCounter struct {
	mu        sync.Mutex
	windows   map[string]*windowState
	now       func() time.Time
	lastSweep time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		windows: make(map[string]*windowState),
		now:     time.Now,
	}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.lastSweep) >= sweepInterval {
		c.sweep(now)
	}
	state, ok := c.windows[key]
	if !ok || !now.Before(state.end) {
		state = &windowState{end: now.Add(window)}
		c.windows[key] = state
	}
	state.count++
	return state.count, nil
}

func (c *MemoryCounter) sweep(now time.Time) {
	for key, state := range c.windows {
		if !now.Before(state.end) {
			delete(c.windows, key)
		}
	}
	c.lastSweep = now
}

