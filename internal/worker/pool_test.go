// ABOUTME: Integration tests for the pool's dispatch and retry state machine.
// ABOUTME: Drives RunOnce against a real store; timing-sensitive paths use tiny backoffs.
package worker_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scarson/queued/internal/task"
	"github.com/scarson/queued/internal/testutil"
	"github.com/scarson/queued/internal/worker"
)

func newTestPool(s *testutil.TestDB, maxRetries int) *worker.Pool {
	return worker.New(s.Store, worker.Config{
		WorkerCount:      1,
		PollInterval:     10 * time.Millisecond,
		ExecutionTimeout: 2 * time.Second,
		ClaimTimeout:     time.Minute,
		ReaperInterval:   time.Hour,
		Retry: worker.RetryPolicy{
			MaxRetries: maxRetries,
			Base:       time.Millisecond,
			MaxDelay:   4 * time.Millisecond,
		},
	})
}

// drain runs the pool until want tasks were processed or the deadline hits.
// Tiny backoffs mean retried tasks become eligible again within milliseconds.
func drain(t *testing.T, p *worker.Pool, want int) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(15 * time.Second)
	processed := 0
	for processed < want {
		if time.Now().After(deadline) {
			t.Fatalf("processed %d of %d tasks before deadline", processed, want)
		}
		ok, err := p.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if ok {
			processed++
			continue
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func getTask(t *testing.T, s *testutil.TestDB, id int64) *task.Task {
	t.Helper()
	got, err := s.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return got
}

func TestSyncSuccess(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	var calls atomic.Int32
	p := newTestPool(s, 5)
	p.Register("t1", func(_ context.Context, payload []byte) error {
		if string(payload) != "x" {
			t.Errorf("payload = %q, want x", payload)
		}
		calls.Add(1)
		return nil
	})

	id, err := s.Enqueue(ctx, "t1", []byte("x"), false)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	drain(t, p, 1)

	if n := calls.Load(); n != 1 {
		t.Fatalf("handler ran %d times, want 1", n)
	}
	got := getTask(t, s, id)
	if got.Status != task.StatusDone {
		t.Fatalf("status = %q, want done", got.Status)
	}
	if got.Retries != 0 {
		t.Fatalf("retries = %d, want 0", got.Retries)
	}
}

func TestFailuresThenSuccess(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	const maxRetries = 2
	var calls atomic.Int32
	p := newTestPool(s, maxRetries)
	p.Register("flaky", func(context.Context, []byte) error {
		if calls.Add(1) <= maxRetries {
			return errors.New("transient")
		}
		return nil
	})

	id, err := s.Enqueue(ctx, "flaky", nil, false)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Two failing attempts plus the succeeding one.
	drain(t, p, maxRetries+1)

	got := getTask(t, s, id)
	if got.Status != task.StatusDone {
		t.Fatalf("status = %q, want done", got.Status)
	}
	if got.Retries != maxRetries {
		t.Fatalf("retries = %d, want %d", got.Retries, maxRetries)
	}
	if got.LastRetry.Equal(task.Epoch) {
		t.Fatal("last_retry still at epoch after failures")
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	const maxRetries = 2
	var calls atomic.Int32
	p := newTestPool(s, maxRetries)
	p.Register("doomed", func(context.Context, []byte) error {
		calls.Add(1)
		return errors.New("permanent")
	})

	id, err := s.Enqueue(ctx, "doomed", nil, false)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// maxRetries retried attempts, then the exhausting one.
	drain(t, p, maxRetries+1)

	got := getTask(t, s, id)
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.Retries != maxRetries {
		t.Fatalf("retries = %d, want %d (exhaustion leaves the counter)", got.Retries, maxRetries)
	}
	if n := calls.Load(); n != maxRetries+1 {
		t.Fatalf("handler ran %d times, want %d", n, maxRetries+1)
	}
	if got.LastError == nil || !strings.Contains(*got.LastError, "permanent") {
		t.Fatalf("last_error = %v, want the handler error", got.LastError)
	}
}

func TestUnknownJobTypeFailsTerminally(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	p := newTestPool(s, 5)

	id, err := s.Enqueue(ctx, "ghost", nil, false)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	drain(t, p, 1)

	got := getTask(t, s, id)
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.Retries != 0 {
		t.Fatalf("retries = %d, want 0 (unroutable tasks are never retried)", got.Retries)
	}
	if !got.LastRetry.Equal(task.Epoch) {
		t.Fatal("last_retry moved for an unroutable task")
	}
}

func TestAsyncSuccess(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	var calls atomic.Int32
	p := newTestPool(s, 5)
	p.Register("bg", func(context.Context, []byte) error {
		calls.Add(1)
		return nil
	})

	id, err := s.Enqueue(ctx, "bg", []byte("later"), true)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// RunOnce waits for the async goroutine to settle before returning.
	drain(t, p, 1)

	if n := calls.Load(); n != 1 {
		t.Fatalf("handler ran %d times, want 1", n)
	}
	got := getTask(t, s, id)
	if got.Status != task.StatusDone {
		t.Fatalf("status = %q, want done", got.Status)
	}
}

func TestAsyncFailureIsRetried(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	var calls atomic.Int32
	p := newTestPool(s, 3)
	p.Register("bg", func(context.Context, []byte) error {
		if calls.Add(1) == 1 {
			return errors.New("first try fails")
		}
		return nil
	})

	id, err := s.Enqueue(ctx, "bg", nil, true)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	drain(t, p, 2)

	got := getTask(t, s, id)
	if got.Status != task.StatusDone {
		t.Fatalf("status = %q, want done", got.Status)
	}
	if got.Retries != 1 {
		t.Fatalf("retries = %d, want 1", got.Retries)
	}
}

func TestPanicIsConvertedToFailure(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	p := newTestPool(s, 3)
	p.Register("bomb", func(context.Context, []byte) error {
		panic("kaboom")
	})

	id, err := s.Enqueue(ctx, "bomb", nil, false)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	drain(t, p, 1)

	got := getTask(t, s, id)
	if got.Status != task.StatusPending {
		t.Fatalf("status = %q, want pending (panic is a retryable failure)", got.Status)
	}
	if got.Retries != 1 {
		t.Fatalf("retries = %d, want 1", got.Retries)
	}
	if got.LastError == nil || !strings.Contains(*got.LastError, "kaboom") {
		t.Fatalf("last_error = %v, want the panic text", got.LastError)
	}
}

func TestExecutionTimeout(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	p := worker.New(s.Store, worker.Config{
		WorkerCount:      1,
		PollInterval:     10 * time.Millisecond,
		ExecutionTimeout: 50 * time.Millisecond,
		ClaimTimeout:     time.Minute,
		ReaperInterval:   time.Hour,
		Retry: worker.RetryPolicy{
			MaxRetries: 3,
			Base:       time.Millisecond,
			MaxDelay:   4 * time.Millisecond,
		},
	})
	p.Register("slow", func(context.Context, []byte) error {
		// Ignores its context on purpose: the dispatcher must cut it loose.
		time.Sleep(500 * time.Millisecond)
		return nil
	})

	id, err := s.Enqueue(ctx, "slow", nil, false)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ok, err := p.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !ok {
		t.Fatal("RunOnce processed nothing")
	}

	got := getTask(t, s, id)
	if got.Status != task.StatusPending {
		t.Fatalf("status = %q, want pending (timeout is retryable)", got.Status)
	}
	if got.Retries != 1 {
		t.Fatalf("retries = %d, want 1", got.Retries)
	}
	if got.LastError == nil || !strings.Contains(*got.LastError, "execution timeout") {
		t.Fatalf("last_error = %v, want an execution timeout", got.LastError)
	}
}
