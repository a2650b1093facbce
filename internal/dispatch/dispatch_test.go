package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/felixgeelhaar/proctor/internal/domain"
)

func makeTasks(n int) []domain.GradingTask {
	tasks := make([]domain.GradingTask, n)
	for i := range tasks {
		tasks[i] = domain.GradingTask{
			ID:         fmt.Sprintf("task-%d", i),
			Submission: domain.SubmissionDescriptor{ID: fmt.Sprintf("sub-%d", i)},
		}
	}
	return tasks
}

func testConfig(workers int) Config {
	return Config{
		Workers: workers,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func collect[R any](r *Run[R]) []Completion[R] {
	var out []Completion[R]
	for c := range r.Completions() {
		out = append(out, c)
	}
	return out
}

func countStates[R any](cs []Completion[R]) map[domain.TaskState]int {
	out := make(map[domain.TaskState]int)
	for _, c := range cs {
		out[c.State]++
	}
	return out
}

func TestRun_ExactlyOnce(t *testing.T) {
	const n = 12
	for w := 1; w <= n; w++ {
		t.Run(fmt.Sprintf("W=%d", w), func(t *testing.T) {
			d := New(testConfig(w), func(ctx context.Context, task domain.GradingTask) (string, error) {
				time.Sleep(time.Millisecond)
				return task.ID, nil
			})

			r := d.Start(context.Background(), makeTasks(n))
			cs := collect(r)
			if err := r.Wait(); err != nil {
				t.Fatalf("Wait() error = %v", err)
			}

			if len(cs) != n {
				t.Fatalf("completions = %d; want %d", len(cs), n)
			}
			seen := make(map[string]bool)
			for _, c := range cs {
				if seen[c.Task.ID] {
					t.Errorf("task %s delivered twice", c.Task.ID)
				}
				seen[c.Task.ID] = true
				if c.State != domain.TaskSucceeded || c.Result != c.Task.ID {
					t.Errorf("completion %s = %q, %q", c.Task.ID, c.State, c.Result)
				}
			}
		})
	}
}

func TestRun_BoundedConcurrency(t *testing.T) {
	const workers = 3
	var running, peak int32

	d := New(testConfig(workers), func(ctx context.Context, task domain.GradingTask) (struct{}, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return struct{}{}, nil
	})

	r := d.Start(context.Background(), makeTasks(30))
	if err := r.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if peak > workers {
		t.Errorf("peak running = %d; want <= %d", peak, workers)
	}
	if r.MaxRunning() > workers {
		t.Errorf("MaxRunning() = %d; want <= %d", r.MaxRunning(), workers)
	}
}

func TestRun_StopCancelsUnstarted(t *testing.T) {
	const n, workers = 10, 3
	gate := make(chan struct{})
	started := make(chan string, n)
	var calls int32

	d := New(testConfig(workers), func(ctx context.Context, task domain.GradingTask) (int, error) {
		atomic.AddInt32(&calls, 1)
		started <- task.ID
		<-gate
		return 1, nil
	})
	r := d.Start(context.Background(), makeTasks(n))

	for i := 0; i < workers; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d tasks started", i)
		}
	}

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	for !r.Stopped() {
		time.Sleep(time.Millisecond)
	}

	select {
	case <-stopped:
		t.Fatal("Stop() returned before in-flight tasks finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(gate)
	<-stopped

	if r.Running() != 0 {
		t.Errorf("Running() = %d after Stop; want 0", r.Running())
	}
	states := countStates(collect(r))
	if states[domain.TaskSucceeded] != workers {
		t.Errorf("succeeded = %d; want %d", states[domain.TaskSucceeded], workers)
	}
	if states[domain.TaskCancelled] != n-workers {
		t.Errorf("cancelled = %d; want %d", states[domain.TaskCancelled], n-workers)
	}
	if got := atomic.LoadInt32(&calls); got != workers {
		t.Errorf("handler calls = %d; want %d", got, workers)
	}
	if err := r.Wait(); err != nil {
		t.Errorf("Wait() error = %v; want nil for cooperative stop", err)
	}
}

func TestRun_FatalAbort(t *testing.T) {
	const n = 6
	var calls int32
	upstream := errors.New("401 unauthorized")

	d := New(testConfig(1), func(ctx context.Context, task domain.GradingTask) (int, error) {
		atomic.AddInt32(&calls, 1)
		if task.ID == "task-2" {
			return 0, domain.ServiceError("grade", upstream)
		}
		return 1, nil
	})

	r := d.Start(context.Background(), makeTasks(n))
	cs := collect(r)
	err := r.Wait()

	if !domain.IsServiceError(err) || !errors.Is(err, upstream) {
		t.Fatalf("Wait() error = %v; want service error wrapping upstream", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("handler calls = %d; want 3 (no dispatch after the fatal task)", got)
	}

	states := countStates(cs)
	if states[domain.TaskSucceeded] != 2 || states[domain.TaskFailed] != 1 || states[domain.TaskCancelled] != 3 {
		t.Errorf("states = %v; want 2 succeeded, 1 failed, 3 cancelled", states)
	}
	if len(cs) != n {
		t.Errorf("completions = %d; want %d", len(cs), n)
	}
}

func TestRun_ContentErrorsContinue(t *testing.T) {
	d := New(testConfig(2), func(ctx context.Context, task domain.GradingTask) (int, error) {
		if task.ID == "task-1" {
			return 0, domain.ContentError("extract", domain.ErrUnreadableContent)
		}
		if task.ID == "task-3" {
			return 0, errors.New("untagged failure")
		}
		return 1, nil
	})

	r := d.Start(context.Background(), makeTasks(5))
	states := countStates(collect(r))
	if err := r.Wait(); err != nil {
		t.Fatalf("Wait() error = %v; want nil", err)
	}
	if states[domain.TaskSucceeded] != 3 || states[domain.TaskFailed] != 2 {
		t.Errorf("states = %v; want 3 succeeded, 2 failed", states)
	}
}

func TestRun_TimeoutEscalation(t *testing.T) {
	cfg := testConfig(1)
	cfg.CallTimeout = 20 * time.Millisecond
	cfg.TimeoutEscalation = 2

	d := New(cfg, func(ctx context.Context, task domain.GradingTask) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	r := d.Start(context.Background(), makeTasks(5))
	cs := collect(r)
	err := r.Wait()

	if !errors.Is(err, domain.ErrConsecutiveTimeouts) || !domain.IsServiceError(err) {
		t.Fatalf("Wait() error = %v; want escalated timeout", err)
	}
	states := countStates(cs)
	if states[domain.TaskFailed] != 2 || states[domain.TaskCancelled] != 3 {
		t.Errorf("states = %v; want 2 failed, 3 cancelled", states)
	}
	for _, c := range cs {
		if c.State == domain.TaskFailed && domain.IsServiceError(c.Err) {
			t.Errorf("task %s: single timeout tagged as service error", c.Task.ID)
		}
	}
}

func TestRun_TimeoutRunResetBySuccess(t *testing.T) {
	cfg := testConfig(1)
	cfg.CallTimeout = 20 * time.Millisecond
	cfg.TimeoutEscalation = 2

	d := New(cfg, func(ctx context.Context, task domain.GradingTask) (int, error) {
		if task.ID == "task-0" || task.ID == "task-2" {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 1, nil
	})

	r := d.Start(context.Background(), makeTasks(4))
	states := countStates(collect(r))
	if err := r.Wait(); err != nil {
		t.Fatalf("Wait() error = %v; want nil", err)
	}
	if states[domain.TaskFailed] != 2 || states[domain.TaskSucceeded] != 2 {
		t.Errorf("states = %v; want 2 failed, 2 succeeded", states)
	}
}

func TestRun_ContextCancelDoesNotKillInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inFlight := make(chan struct{})
	release := make(chan struct{})
	var sawCancel atomic.Bool

	d := New(testConfig(1), func(callCtx context.Context, task domain.GradingTask) (int, error) {
		if task.ID == "task-0" {
			close(inFlight)
			<-release
			sawCancel.Store(callCtx.Err() != nil)
		}
		return 1, nil
	})

	r := d.Start(ctx, makeTasks(3))
	<-inFlight
	cancel()
	// give the feeder a moment to observe the cancellation
	time.Sleep(10 * time.Millisecond)
	close(release)

	states := countStates(collect(r))
	if sawCancel.Load() {
		t.Error("in-flight call saw cancellation")
	}
	if states[domain.TaskSucceeded] != 1 || states[domain.TaskCancelled] != 2 {
		t.Errorf("states = %v; want 1 succeeded, 2 cancelled", states)
	}
}

func TestRun_HandlerPanicFailsTask(t *testing.T) {
	d := New(testConfig(1), func(ctx context.Context, task domain.GradingTask) (int, error) {
		if task.ID == "task-0" {
			panic("boom")
		}
		return 1, nil
	})

	r := d.Start(context.Background(), makeTasks(2))
	states := countStates(collect(r))
	if states[domain.TaskFailed] != 1 || states[domain.TaskSucceeded] != 1 {
		t.Errorf("states = %v; want 1 failed, 1 succeeded", states)
	}
}

func TestRun_Empty(t *testing.T) {
	d := New(testConfig(3), func(ctx context.Context, task domain.GradingTask) (int, error) {
		return 0, nil
	})
	r := d.Start(context.Background(), nil)
	if cs := collect(r); len(cs) != 0 {
		t.Errorf("completions = %d; want 0", len(cs))
	}
	r.Stop()
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := testConfig(2)
	cfg.Metrics = NewMetrics(reg)

	var wg sync.WaitGroup
	wg.Add(1)
	d := New(cfg, func(ctx context.Context, task domain.GradingTask) (int, error) {
		if task.ID == "task-3" {
			return 0, domain.ServiceError("grade", errors.New("down"))
		}
		return 1, nil
	})
	go func() {
		defer wg.Done()
		r := d.Start(context.Background(), makeTasks(4))
		_ = r.Wait()
	}()
	wg.Wait()

	if got := testutil.ToFloat64(cfg.Metrics.aborts); got != 1 {
		t.Errorf("fatal_aborts_total = %v; want 1", got)
	}
	if got := testutil.ToFloat64(cfg.Metrics.inFlight); got != 0 {
		t.Errorf("tasks_in_flight = %v; want 0", got)
	}
	total := testutil.ToFloat64(cfg.Metrics.tasks.WithLabelValues("succeeded")) +
		testutil.ToFloat64(cfg.Metrics.tasks.WithLabelValues("failed")) +
		testutil.ToFloat64(cfg.Metrics.tasks.WithLabelValues("cancelled"))
	if total != 4 {
		t.Errorf("tasks_total = %v; want 4", total)
	}
}
