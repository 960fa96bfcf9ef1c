package worker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/goonerstrike/belief-engine/internal/logging"
	"github.com/goonerstrike/belief-engine/internal/model"
)

// WorkItem is one independent unit of oracle work
type WorkItem struct {
	ID      string
	Payload any
	Cost    int // Estimated cost units (tokens)
}

// Status is the state of a work item
type Status int

const (
	StatusPending Status = iota
	StatusInFlight
	StatusRetrying
	StatusSucceeded
	StatusFatal
	StatusUnfinished
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusRetrying:
		return "retrying"
	case StatusSucceeded:
		return "succeeded"
	case StatusFatal:
		return "fatal"
	case StatusUnfinished:
		return "unfinished"
	default:
		return "unknown"
	}
}

// TaskResult is the terminal outcome of a work item
type TaskResult struct {
	Item     WorkItem
	Status   Status
	Value    any
	Err      error
	Attempts int
}

// WorkFunc performs one attempt of a work item against the oracle
type WorkFunc func(ctx context.Context, item WorkItem) (any, error)

// Options configures one dispatcher
type Options struct {
	Name         string
	Workers      int
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Jitter       float64
	FatalCeiling float64
	Cooldown     time.Duration
}

// OptionsFrom builds dispatcher options for one stage
func OptionsFrom(name string, workers int, cfg model.DispatchConfig) Options {
	return Options{
		Name:         name,
		Workers:      workers,
		MaxRetries:   cfg.MaxRetries,
		BackoffBase:  cfg.BackoffBase,
		BackoffMax:   cfg.BackoffMax,
		Jitter:       cfg.Jitter,
		FatalCeiling: cfg.FatalCeiling,
		Cooldown:     cfg.RateLimit.Cooldown,
	}
}

// Stats counts dispatcher activity
type Stats struct {
	calls        atomic.Int64
	retries      atomic.Int64
	failures     atomic.Int64
	cost         atomic.Int64
	rateExceeded atomic.Int64
	unfinished   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Calls        int64 `json:"calls"`
	Retries      int64 `json:"retries"`
	Failures     int64 `json:"failures"`
	Cost         int64 `json:"cost"`
	RateExceeded int64 `json:"rate_exceeded"`
	Unfinished   int64 `json:"unfinished"`
}

// Snapshot returns the current counter values
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Calls:        s.calls.Load(),
		Retries:      s.retries.Load(),
		Failures:     s.failures.Load(),
		Cost:         s.cost.Load(),
		RateExceeded: s.rateExceeded.Load(),
		Unfinished:   s.unfinished.Load(),
	}
}

// Batch holds every terminal result of one Submit call
type Batch struct {
	Results []TaskResult
	Stats   StatsSnapshot
}

// Count returns the number of results with the given status
func (b *Batch) Count(status Status) int {
	n := 0
	for _, r := range b.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Succeeded returns the successful results
func (b *Batch) Succeeded() []TaskResult {
	return b.filter(StatusSucceeded)
}

// Unfinished returns the results never completed because of an abort
func (b *Batch) Unfinished() []TaskResult {
	return b.filter(StatusUnfinished)
}

// FatalRatio is fatal / (succeeded + fatal); unfinished items are excluded
func (b *Batch) FatalRatio() float64 {
	fatal := b.Count(StatusFatal)
	finalized := fatal + b.Count(StatusSucceeded)
	if finalized == 0 {
		return 0
	}
	return float64(fatal) / float64(finalized)
}

func (b *Batch) filter(status Status) []TaskResult {
	var out []TaskResult
	for _, r := range b.Results {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// Dispatcher runs batches of work items on a bounded pool under a shared budget
type Dispatcher struct {
	opts     Options
	budget   *Budget
	total    Stats
	progress rate.Sometimes
}

// NewDispatcher creates a dispatcher; budget may be shared between dispatchers
func NewDispatcher(opts Options, budget *Budget) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = time.Minute
	}
	if opts.FatalCeiling <= 0 {
		opts.FatalCeiling = 1
	}
	return &Dispatcher{
		opts:     opts,
		budget:   budget,
		progress: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Stats returns the counters accumulated over every batch
func (d *Dispatcher) Stats() StatsSnapshot {
	return d.total.Snapshot()
}

// Submit runs items to completion and returns every result. The batch is
// returned even on error: ErrStageFatal when the fatal ratio exceeds the
// ceiling, ErrAborted when ctx was cancelled and some items never finished.
func (d *Dispatcher) Submit(ctx context.Context, items []WorkItem, fn WorkFunc) (*Batch, error) {
	var stats Stats
	batch := &Batch{Results: make([]TaskResult, 0, len(items))}

	d.run(ctx, items, fn, &stats, func(r TaskResult) {
		batch.Results = append(batch.Results, r)
	})
	batch.Stats = stats.Snapshot()

	if ratio := batch.FatalRatio(); ratio > d.opts.FatalCeiling {
		return batch, fmt.Errorf("%s: %w: %d of %d items failed (%.2f > %.2f)",
			d.opts.Name, ErrStageFatal, batch.Count(StatusFatal), len(items), ratio, d.opts.FatalCeiling)
	}
	if n := batch.Count(StatusUnfinished); n > 0 {
		return batch, fmt.Errorf("%s: %w: %d of %d items unfinished", d.opts.Name, ErrAborted, n, len(items))
	}
	return batch, nil
}

// Stream runs items and delivers results in completion order. The channel
// is closed after the last result.
func (d *Dispatcher) Stream(ctx context.Context, items []WorkItem, fn WorkFunc) <-chan TaskResult {
	out := make(chan TaskResult, len(items))
	go func() {
		defer close(out)
		var stats Stats
		d.run(ctx, items, fn, &stats, func(r TaskResult) {
			out <- r
		})
	}()
	return out
}

// outcome is what a worker reports after one attempt
type outcome struct {
	task    *task
	value   any
	err     error
	skipped bool // no oracle call was made
}

func (d *Dispatcher) run(ctx context.Context, items []WorkItem, fn WorkFunc, stats *Stats, emit func(TaskResult)) {
	if len(items) == 0 {
		return
	}

	pool := NewPool(d.opts.Workers)
	outcomes := make(chan outcome, d.opts.Workers)
	pool.Start(func(t *task) {
		outcomes <- d.attempt(ctx, t, fn, stats)
	})

	go func() {
		defer pool.CloseQueue()
		for i, item := range items {
			if err := pool.Submit(ctx, &task{item: item}); err != nil {
				for _, rest := range items[i:] {
					outcomes <- outcome{task: &task{item: rest}, err: err, skipped: true}
				}
				return
			}
		}
	}()

	remaining := len(items)
	for remaining > 0 {
		o := <-outcomes
		result, retry := d.settle(ctx, o, stats)
		if retry {
			delay := d.backoff(o.task.attempts - 1)
			logging.Logger.Debug("Retrying work item",
				"stage", d.opts.Name, "id", o.task.item.ID, "attempt", o.task.attempts, "delay", delay, "err", o.err)
			t := o.task
			time.AfterFunc(delay, func() { pool.Requeue(t) })
			continue
		}

		emit(result)
		remaining--
		done := len(items) - remaining
		d.progress.Do(func() {
			logging.Logger.Info("Dispatch progress", "stage", d.opts.Name, "done", done, "total", len(items))
		})
	}

	pool.Shutdown()
}

// attempt reserves budget and makes one oracle call
func (d *Dispatcher) attempt(ctx context.Context, t *task, fn WorkFunc, stats *Stats) outcome {
	if ctx.Err() != nil && t.attempts == 0 {
		return outcome{task: t, err: ctx.Err(), skipped: true}
	}

	if ctx.Err() != nil {
		t.abortRetry = true
	}
	reserveCtx := ctx
	if t.abortRetry {
		reserveCtx = context.WithoutCancel(ctx)
	}
	if err := d.budget.Reserve(reserveCtx, t.item.Cost); err != nil {
		return outcome{task: t, err: err, skipped: true}
	}

	t.attempts++
	d.record(stats, func(s *Stats) {
		s.calls.Add(1)
		s.cost.Add(int64(t.item.Cost))
	})

	// In-flight calls run to completion even when the batch is aborted
	value, err := fn(context.WithoutCancel(ctx), t.item)
	return outcome{task: t, value: value, err: err}
}

// settle advances the state machine for one outcome; it reports true when
// the task must be retried
func (d *Dispatcher) settle(ctx context.Context, o outcome, stats *Stats) (TaskResult, bool) {
	t := o.task
	result := TaskResult{Item: t.item, Attempts: t.attempts, Value: o.value, Err: o.err}

	if o.skipped {
		d.record(stats, func(s *Stats) { s.unfinished.Add(1) })
		result.Status = StatusUnfinished
		return result, false
	}
	if o.err == nil {
		result.Status = StatusSucceeded
		return result, false
	}

	if !IsRetryable(o.err) {
		d.record(stats, func(s *Stats) { s.failures.Add(1) })
		result.Status = StatusFatal
		return result, false
	}

	if IsRateExceeded(o.err) {
		d.record(stats, func(s *Stats) { s.rateExceeded.Add(1) })
		d.budget.Penalize(d.opts.Cooldown)
	}

	if t.attempts > d.opts.MaxRetries {
		d.record(stats, func(s *Stats) { s.failures.Add(1) })
		result.Status = StatusFatal
		result.Err = fmt.Errorf("giving up after %d attempts: %w", t.attempts, o.err)
		return result, false
	}

	if ctx.Err() != nil {
		if t.abortRetry {
			d.record(stats, func(s *Stats) { s.unfinished.Add(1) })
			result.Status = StatusUnfinished
			return result, false
		}
		t.abortRetry = true
	}

	d.record(stats, func(s *Stats) { s.retries.Add(1) })
	return result, true
}

// backoff returns base * 2^n with jitter, capped at BackoffMax
func (d *Dispatcher) backoff(n int) time.Duration {
	if d.opts.BackoffBase <= 0 {
		return 0
	}
	n = min(max(n, 0), 30)
	delay := d.opts.BackoffBase << n
	if delay <= 0 || delay > d.opts.BackoffMax {
		delay = d.opts.BackoffMax
	}
	if d.opts.Jitter > 0 {
		delta := (rand.Float64()*2 - 1) * d.opts.Jitter * float64(delay)
		delay += time.Duration(delta)
	}
	return min(max(delay, 0), d.opts.BackoffMax)
}

func (d *Dispatcher) record(batch *Stats, f func(s *Stats)) {
	f(batch)
	f(&d.total)
}
