// Package worker provides background loops with an explicit lifecycle: each
// Worker owns one cancel function and one done channel, starts at most once
// and stops at most once.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/rs/zerolog"
)

// Func is the body of a worker. It must return when ctx is cancelled.
type Func func(ctx context.Context)

// Worker runs one goroutine.
type Worker struct {
	name   string
	run    Func
	logger zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

// New creates a stopped worker.
func New(name string, run Func, logger zerolog.Logger) *Worker {
	return &Worker{
		name:   name,
		run:    run,
		logger: logger.With().Str("worker", name).Logger(),
		done:   make(chan struct{}),
	}
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

// Start launches the goroutine. A worker can be started only once; create a
// new Worker to run again.
func (w *Worker) Start(parent context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return domain.ErrAlreadyRunning
	}
	w.started = true

	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	go func() {
		defer close(w.done)
		w.logger.Debug().Msg("Worker started")
		w.run(ctx)
		w.logger.Debug().Msg("Worker exited")
	}()
	return nil
}

// Stop cancels the worker and waits up to timeout for it to exit. It is safe
// to call more than once and on a worker that never started. A timeout of
// zero waits indefinitely.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return nil
	}

	w.stopOnce.Do(func() {
		w.cancel()
	})

	if timeout <= 0 {
		<-w.done
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return nil
	case <-timer.C:
		w.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for worker to stop")
		return context.DeadlineExceeded
	}
}

// Running reports whether the goroutine is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Done is closed when the goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Ticker returns a Func that calls tick every interval until cancelled.
// interval is evaluated before every wait so it can change at runtime.
func Ticker(interval func() time.Duration, tick func(ctx context.Context)) Func {
	return func(ctx context.Context) {
		for {
			timer := time.NewTimer(interval())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			tick(ctx)
		}
	}
}

// Group stops a set of workers together.
type Group struct {
	mu      sync.Mutex
	workers []*Worker
}

// Add registers a worker with the group.
func (g *Group) Add(w *Worker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workers = append(g.workers, w)
}

// StopAll stops every worker, in reverse registration order, and empties the
// group. It returns the first error.
func (g *Group) StopAll(timeout time.Duration) error {
	g.mu.Lock()
	workers := g.workers
	g.workers = nil
	g.mu.Unlock()

	var firstErr error
	for i := len(workers) - 1; i >= 0; i-- {
		if err := workers[i].Stop(timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len returns the number of registered workers.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.workers)
}
