package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/goonerstrike/belief-engine/internal/model"
)

// spend is one reservation remembered until it leaves the window
type spend struct {
	at time.Time
	n  int
}

// counter is a bucket of fixed capacity whose tokens come back exactly one
// window after they were spent
type counter struct {
	capacity int
	used     int
	spends   []spend
}

func (c *counter) prune(now time.Time, window time.Duration) {
	i := 0
	for ; i < len(c.spends); i++ {
		if c.spends[i].at.Add(window).After(now) {
			break
		}
		c.used -= c.spends[i].n
	}
	c.spends = c.spends[i:]
}

// earliest returns the first instant at which n tokens are available
func (c *counter) earliest(now time.Time, window time.Duration, n int) time.Time {
	if c.used+n <= c.capacity {
		return now
	}
	freed := 0
	for _, s := range c.spends {
		freed += s.n
		if c.used-freed+n <= c.capacity {
			return s.at.Add(window)
		}
	}
	return now.Add(window)
}

func (c *counter) take(now time.Time, n int) {
	if n <= 0 {
		return
	}
	c.used += n
	c.spends = append(c.spends, spend{at: now, n: n})
}

// Budget enforces two independent sliding-window limits: requests per window
// and estimated cost units per window. A reservation takes from both at once.
type Budget struct {
	mu            sync.Mutex
	window        time.Duration
	requests      counter
	cost          counter
	cooldownUntil time.Time
	pacer         *rate.Limiter

	now     func() time.Time
	sleep   func(ctx context.Context, until time.Time) error
	onSpend func(at time.Time, cost int)
}

// NewBudget creates a budget from the rate limit configuration
func NewBudget(cfg model.RateLimitConfig) *Budget {
	requests := cfg.RequestsPerWindow
	if requests <= 0 {
		requests = 1
	}
	cost := cfg.CostPerWindow
	if cost <= 0 {
		cost = 1
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}

	b := &Budget{
		window:   window,
		requests: counter{capacity: requests},
		cost:     counter{capacity: cost},
		now:      time.Now,
		sleep:    sleepUntil,
	}
	if cfg.Pace {
		b.pacer = rate.NewLimiter(rate.Every(window/time.Duration(requests)), 1)
	}
	return b
}

// Reserve blocks until one request and cost units fit in both windows, then
// records the spend. Costs above the window capacity are clamped to it.
func (b *Budget) Reserve(ctx context.Context, cost int) error {
	if b.pacer != nil {
		if err := b.pacer.Wait(ctx); err != nil {
			return err
		}
	}

	cost = min(max(cost, 0), b.cost.capacity)

	for {
		b.mu.Lock()
		now := b.now()
		b.requests.prune(now, b.window)
		b.cost.prune(now, b.window)

		at := b.requests.earliest(now, b.window, 1)
		if t := b.cost.earliest(now, b.window, cost); t.After(at) {
			at = t
		}
		if b.cooldownUntil.After(at) {
			at = b.cooldownUntil
		}

		if !at.After(now) {
			b.requests.take(now, 1)
			b.cost.take(now, cost)
			if b.onSpend != nil {
				b.onSpend(now, cost)
			}
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()

		if err := b.sleep(ctx, at); err != nil {
			return err
		}
	}
}

// Penalize pauses every reservation for d after an external rate-exceeded signal
func (b *Budget) Penalize(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	until := b.now().Add(d)
	if until.After(b.cooldownUntil) {
		b.cooldownUntil = until
	}
}

// Window returns the budget window length
func (b *Budget) Window() time.Duration {
	return b.window
}

// Available returns the requests and cost units free right now
func (b *Budget) Available() (requests, cost int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.requests.prune(now, b.window)
	b.cost.prune(now, b.window)
	return b.requests.capacity - b.requests.used, b.cost.capacity - b.cost.used
}

func sleepUntil(ctx context.Context, until time.Time) error {
	timer := time.NewTimer(time.Until(until))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
