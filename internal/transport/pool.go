package transport

import (
	"errors"

	"github.com/ArtAndreev/highload-web-server/internal/static"
)

// Pool is a fixed set of started workers with round-robin dispatch.
type Pool struct {
	workers []*Worker
	next    int
}

// startWorker creates and starts the worker with the given index.
var startWorker = func(id int, e *env, resolver *static.Resolver) (*Worker, error) {
	w, err := newWorker(id, e, resolver)
	if err != nil {
		return nil, err
	}
	if err := w.start(); err != nil {
		return nil, err
	}
	return w, nil
}

// newPool creates and starts n workers. If any worker fails, the ones
// already started are stopped and the error is returned.
func newPool(n int, e *env, resolver *static.Resolver) (*Pool, error) {
	p := &Pool{workers: make([]*Worker, 0, n)}
	for i := 0; i < n; i++ {
		w, err := startWorker(i, e, resolver)
		if err != nil {
			_ = p.Stop()
			return nil, err
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// Next returns the worker that gets the next connection. It is not safe for
// concurrent use; only the accept loop calls it.
func (p *Pool) Next() *Worker {
	w := p.workers[p.next]
	p.next = (p.next + 1) % len(p.workers)
	return w
}

// Len returns the number of workers.
func (p *Pool) Len() int { return len(p.workers) }

// Stats returns a snapshot of every worker's counters, in pool order.
func (p *Pool) Stats() []WorkerStat {
	stats := make([]WorkerStat, len(p.workers))
	for i, w := range p.workers {
		stats[i] = w.Stat()
	}
	return stats
}

// Stop stops every worker loop, closing the connections they own.
func (p *Pool) Stop() error {
	var errs []error
	for i := len(p.workers) - 1; i >= 0; i-- {
		if err := p.workers[i].stop(); err != nil {
			errs = append(errs, err)
		}
	}
	p.workers = nil
	return errors.Join(errs...)
}
