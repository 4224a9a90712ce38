package hostcap

import (
	"context"
	"fmt"
)

// workerPool is a bounded set of goroutines dedicated to blocking
// hardware calls. A caller submits a job and waits with its context:
// if the hardware wedges, the caller's wait can be cancelled while the
// worker stays stuck, so one bad device never stalls the rest of the
// host's cooperative progress.
type workerPool struct {
	jobs chan func()
	done chan struct{}
}

func newWorkerPool(workers int) *workerPool {
	p := &workerPool{
		jobs: make(chan func()),
		done: make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

func (p *workerPool) worker() {
	for {
		select {
		case job := <-p.jobs:
			job()
		case <-p.done:
			return
		}
	}
}

// run executes fn on a pool worker and waits for it to finish or for
// the context to end, whichever comes first.
func (p *workerPool) run(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	job := func() {
		defer close(finished)
		fn()
	}

	select {
	case p.jobs <- job:
	case <-p.done:
		return fmt.Errorf("worker pool is closed")
	case <-ctx.Done():
		return fmt.Errorf("waiting for hardware worker: %w", ctx.Err())
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for hardware call: %w", ctx.Err())
	}
}

// close stops idle workers. Workers stuck in a hardware call exit when
// the call returns.
func (p *workerPool) close() {
	close(p.done)
}
