package worker

import (
	"context"
	"sync"
)

// task is one work item moving through the retry state machine
type task struct {
	item       WorkItem
	attempts   int  // oracle calls issued so far
	abortRetry bool // the single retry allowed after an abort has been granted
}

// Pool runs a fixed number of workers over a bounded queue. Tasks scheduled
// for retry re-enter through a separate channel so they never wait behind
// the feeder.
type Pool struct {
	workers   int
	queue     chan *task
	retry     chan *task
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	stopOnce  sync.Once
}

// NewPool creates a new worker pool with the specified number of workers
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}

	return &Pool{
		workers: workers,
		queue:   make(chan *task, workers), // Bounded so the feeder feels backpressure
		retry:   make(chan *task),
		done:    make(chan struct{}),
	}
}

// Start starts the workers; handle runs one attempt of a task
func (p *Pool) Start(handle func(t *task)) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(handle)
	}
}

func (p *Pool) worker(handle func(t *task)) {
	defer p.wg.Done()

	queue := p.queue
	for {
		select {
		case <-p.done:
			return
		case t := <-p.retry:
			handle(t)
		case t, ok := <-queue:
			if !ok {
				queue = nil
				continue
			}
			handle(t)
		}
	}
}

// Submit enqueues a task, blocking while the queue is full
func (p *Pool) Submit(ctx context.Context, t *task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.queue <- t:
		return nil
	}
}

// Requeue hands a task back to the workers for another attempt
func (p *Pool) Requeue(t *task) {
	select {
	case p.retry <- t:
	case <-p.done:
	}
}

// CloseQueue signals that no new tasks will be submitted
func (p *Pool) CloseQueue() {
	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

// Shutdown stops the workers and waits for them to exit
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}
