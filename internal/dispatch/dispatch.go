// Package dispatch runs grading tasks on a bounded worker pool.
//
// Every task submitted to a run is reported exactly once on the run's
// completion channel, in completion order, as succeeded, failed or
// cancelled. Stopping is cooperative: tasks that have not started are
// cancelled without running, tasks already running finish their call.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/proctor/internal/domain"
)

// Handler performs one grading task. Errors should be tagged with
// domain.ContentError or domain.ServiceError; untagged errors count as
// content errors.
type Handler[R any] func(ctx context.Context, task domain.GradingTask) (R, error)

// Config holds dispatcher configuration
type Config struct {
	// Workers bounds how many tasks run at once.
	Workers int
	// CallTimeout bounds each handler call. Zero means no timeout.
	CallTimeout time.Duration
	// TimeoutEscalation is the number of consecutive timeouts that abort
	// the run. Zero disables escalation.
	TimeoutEscalation int
	Logger            *slog.Logger
	Metrics           *Metrics
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:           3,
		CallTimeout:       2 * time.Minute,
		TimeoutEscalation: 3,
	}
}

// Completion is the terminal report of one task.
type Completion[R any] struct {
	Task     domain.GradingTask
	State    domain.TaskState
	Result   R
	Err      error
	Worker   int
	Started  time.Time
	Finished time.Time
}

// Dispatcher runs task batches with a fixed handler.
type Dispatcher[R any] struct {
	cfg     Config
	handler Handler[R]
	logger  *slog.Logger
}

// New creates a dispatcher
func New[R any](cfg Config, handler Handler[R]) *Dispatcher[R] {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher[R]{cfg: cfg, handler: handler, logger: logger}
}

// Workers returns the pool size.
func (d *Dispatcher[R]) Workers() int {
	return d.cfg.Workers
}

// Run is one execution of a task batch.
type Run[R any] struct {
	d           *Dispatcher[R]
	tasks       []domain.GradingTask
	completions chan Completion[R]
	queue       chan domain.GradingTask

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	fatal    error
	timeouts int

	running    atomic.Int32
	maxRunning atomic.Int32

	wg   sync.WaitGroup
	done chan struct{}
}

// Start launches the pool over tasks and returns immediately. Cancelling ctx
// is treated as a stop request; calls already in flight are not cut short
// by it, only by CallTimeout.
func (d *Dispatcher[R]) Start(ctx context.Context, tasks []domain.GradingTask) *Run[R] {
	r := &Run[R]{
		d:           d,
		tasks:       tasks,
		completions: make(chan Completion[R], len(tasks)),
		queue:       make(chan domain.GradingTask),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}

	callCtx := context.WithoutCancel(ctx)

	workers := d.cfg.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker(callCtx, i)
	}

	r.wg.Add(1)
	go r.feed(ctx)

	go func() {
		r.wg.Wait()
		close(r.completions)
		close(r.done)
	}()

	d.logger.Info("dispatch started", "tasks", len(tasks), "workers", workers)
	return r
}

// Completions delivers one Completion per task, then closes.
func (r *Run[R]) Completions() <-chan Completion[R] {
	return r.completions
}

// Stop raises the stop flag and blocks until in-flight tasks have drained.
// Safe to call more than once and after the run finished.
func (r *Run[R]) Stop() {
	r.raiseStop()
	<-r.done
}

// Wait blocks until every task is terminal and returns the fatal error that
// aborted the run, if any.
func (r *Run[R]) Wait() error {
	<-r.done
	return r.Fatal()
}

// Done is closed once every task has been reported.
func (r *Run[R]) Done() <-chan struct{} {
	return r.done
}

// Fatal returns the error that aborted the run, or nil.
func (r *Run[R]) Fatal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// Stopped reports whether a stop was requested or forced.
func (r *Run[R]) Stopped() bool {
	return r.stopped.Load()
}

// Running returns the number of tasks currently running.
func (r *Run[R]) Running() int {
	return int(r.running.Load())
}

// MaxRunning returns the highest number of tasks observed running at once.
func (r *Run[R]) MaxRunning() int {
	return int(r.maxRunning.Load())
}

func (r *Run[R]) raiseStop() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.stopCh)
	})
}

func (r *Run[R]) abort(err error) {
	r.mu.Lock()
	first := r.fatal == nil
	if first {
		r.fatal = err
	}
	r.mu.Unlock()

	if first {
		r.d.cfg.Metrics.aborted()
		r.d.logger.Error("dispatch aborted", "error", err)
	}
	r.raiseStop()
}

// feed hands tasks to idle workers in order until the list is exhausted or
// a stop is raised; whatever was never handed over is cancelled.
func (r *Run[R]) feed(ctx context.Context) {
	defer r.wg.Done()
	defer close(r.queue)

	for i, task := range r.tasks {
		if r.stopped.Load() {
			r.cancelFrom(i)
			return
		}
		select {
		case r.queue <- task:
		case <-r.stopCh:
			r.cancelFrom(i)
			return
		case <-ctx.Done():
			r.d.logger.Info("dispatch context cancelled, stopping", "error", ctx.Err())
			r.raiseStop()
			r.cancelFrom(i)
			return
		}
	}
}

func (r *Run[R]) cancelFrom(i int) {
	for _, task := range r.tasks[i:] {
		r.cancel(task, -1)
	}
}

func (r *Run[R]) cancel(task domain.GradingTask, worker int) {
	r.d.cfg.Metrics.cancelled()
	r.completions <- Completion[R]{
		Task:     task,
		State:    domain.TaskCancelled,
		Worker:   worker,
		Finished: time.Now(),
	}
}

func (r *Run[R]) worker(ctx context.Context, id int) {
	defer r.wg.Done()

	for task := range r.queue {
		// the stop flag may have been raised between hand-off and here
		if r.stopped.Load() {
			r.cancel(task, id)
			continue
		}
		r.completions <- r.execute(ctx, id, task)
	}
}

func (r *Run[R]) execute(ctx context.Context, id int, task domain.GradingTask) (c Completion[R]) {
	c = Completion[R]{Task: task, Worker: id, Started: time.Now()}

	n := r.running.Add(1)
	for {
		m := r.maxRunning.Load()
		if n <= m || r.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}
	r.d.cfg.Metrics.started()

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.d.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, r.d.cfg.CallTimeout)
	}

	defer func() {
		cancel()
		r.running.Add(-1)
		c.Finished = time.Now()
		r.d.cfg.Metrics.finished(c.State, c.Finished.Sub(c.Started).Seconds())
	}()

	result, err := r.call(callCtx, task)
	timedOut := err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded)

	switch {
	case err == nil:
		r.resetTimeouts()
		c.State = domain.TaskSucceeded
		c.Result = result
	case timedOut:
		c.State = domain.TaskFailed
		c.Err = domain.ContentError("grade", fmt.Errorf("call timed out after %s: %w", r.d.cfg.CallTimeout, err))
		if r.countTimeout() {
			r.abort(domain.ServiceError("grade", fmt.Errorf("%w (%d in a row)", domain.ErrConsecutiveTimeouts, r.d.cfg.TimeoutEscalation)))
		}
	default:
		r.resetTimeouts()
		c.State = domain.TaskFailed
		c.Err = err
		if domain.IsServiceError(err) {
			r.abort(err)
		}
	}

	r.d.logger.Debug("task finished",
		"worker_id", id,
		"task_id", task.ID,
		"state", c.State,
		"duration", time.Since(c.Started),
	)
	return c
}

func (r *Run[R]) call(ctx context.Context, task domain.GradingTask) (result R, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = domain.ContentError("grade", fmt.Errorf("handler panic: %v", p))
		}
	}()
	return r.d.handler(ctx, task)
}

// countTimeout records a timeout and reports whether escalation is due.
func (r *Run[R]) countTimeout() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts++
	return r.d.cfg.TimeoutEscalation > 0 && r.timeouts >= r.d.cfg.TimeoutEscalation
}

func (r *Run[R]) resetTimeouts() {
	r.mu.Lock()
	r.timeouts = 0
	r.mu.Unlock()
}
