package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/queued/internal/task"
)

// Config holds pool tuning parameters, typically sourced from config.Config.
type Config struct {
	WorkerCount      int
	PollInterval     time.Duration
	ExecutionTimeout time.Duration
	ClaimTimeout     time.Duration
	ReaperInterval   time.Duration
	Retry            RetryPolicy
}

// TaskStore is the slice of the store the pool needs. *store.Store satisfies it.
type TaskStore interface {
	ClaimNext(ctx context.Context, workerID string) (*task.Task, error)
	CompleteTask(ctx context.Context, id int64, owner string) error
	RetryTask(ctx context.Context, id int64, owner string, delay time.Duration, errMsg string) error
	ExhaustTask(ctx context.Context, id int64, owner string, errMsg string) error
	ReapStale(ctx context.Context, claimTimeout time.Duration, maxRetries int, base, maxDelay time.Duration) ([]int64, error)
}

// Pool polls the task table with a set of claiming goroutines and runs a
// reaper goroutine that recovers claims left behind by crashed workers.
type Pool struct {
	store    TaskStore
	registry *Registry
	cfg      Config
	// processID prefixes each claiming goroutine's claim_owner identity,
	// distinguishing this process in the claim_owner column.
	processID string
	log       *slog.Logger
	// asyncWG tracks fire-and-forget executions so Start can drain them.
	asyncWG sync.WaitGroup
}

// New creates a Pool claiming from st. Handlers are registered on the
// returned pool's Registry before Start.
func New(st TaskStore, cfg Config) *Pool {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	return &Pool{
		store:     st,
		registry:  NewRegistry(),
		cfg:       cfg,
		processID: uuid.New().String(),
		log:       slog.Default(),
	}
}

// Register associates h with jobType on the pool's registry.
func (p *Pool) Register(jobType string, h Handler) {
	p.registry.Register(jobType, h)
}

// Start runs the claiming goroutines and the reaper until ctx is cancelled,
// then waits for in-flight executions (including async ones) to settle
// before returning.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup

	for i := range p.cfg.WorkerCount {
		owner := fmt.Sprintf("%s/%d", p.processID, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, owner)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runReaper(ctx)
	}()

	wg.Wait()
	p.asyncWG.Wait()
	p.log.Info("worker pool stopped", "process_id", p.processID)
}

// RunOnce claims and fully settles at most one task, waiting for async
// execution to finish. Returns whether a task was processed. Used in tests.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	processed, err := p.processOne(ctx, p.processID)
	p.asyncWG.Wait()
	return processed, err
}

// runWorker is one claiming goroutine. Empty polls sleep a jittered
// interval instead of busy-spinning.
func (p *Pool) runWorker(ctx context.Context, owner string) {
	p.log.Info("worker started", "owner", owner)
	for {
		processed, err := p.processOne(ctx, owner)
		if err != nil {
			p.log.Error("claim task", "owner", owner, "error", err)
		}
		if processed {
			// More work may be immediately eligible; poll again right away.
			select {
			case <-ctx.Done():
				p.log.Info("worker stopping", "owner", owner)
				return
			default:
				continue
			}
		}
		select {
		case <-ctx.Done():
			p.log.Info("worker stopping", "owner", owner)
			return
		case <-time.After(jitter(p.cfg.PollInterval)):
		}
	}
}

// processOne claims the next eligible task and dispatches it. Synchronous
// tasks settle before processOne returns; async tasks settle on their own
// goroutine. The claim error is returned so callers can rate their logging;
// handler errors never propagate past the dispatch path.
func (p *Pool) processOne(ctx context.Context, owner string) (bool, error) {
	t, err := p.store.ClaimNext(ctx, owner)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}

	h, err := p.registry.Resolve(t.JobType)
	if err != nil {
		p.log.Warn("task has no registered handler",
			"task_id", t.ID, "job_type", t.JobType)
		p.settle(ctx, t, owner, err)
		return true, nil
	}

	if t.IsAsync {
		p.asyncWG.Add(1)
		go func() {
			defer p.asyncWG.Done()
			p.settle(ctx, t, owner, invoke(ctx, h, t.Payload))
		}()
		return true, nil
	}

	p.settle(ctx, t, owner, p.invokeSync(ctx, h, t.Payload))
	return true, nil
}

// invokeSync runs h under the execution timeout. A handler that ignores its
// context and outlives the timeout keeps running detached; whatever it would
// have reported is superseded by the timeout failure recorded here.
func (p *Pool) invokeSync(ctx context.Context, h Handler, payload []byte) error {
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecutionTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- invoke(execCtx, h, payload)
	}()

	select {
	case err := <-done:
		return err
	case <-execCtx.Done():
		return fmt.Errorf("execution timeout after %s", p.cfg.ExecutionTimeout)
	}
}

// invoke calls h, converting a panic into an ordinary failure.
func invoke(ctx context.Context, h Handler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, payload)
}

// settle is the retry/backoff state machine: it converts an execution
// outcome into the task's next persisted state. Store conflicts mean the
// reaper (or another writer) took the row first; the outcome is dropped.
func (p *Pool) settle(ctx context.Context, t *task.Task, owner string, execErr error) {
	// Outcomes must reach the store even when the pool is draining.
	ctx = context.WithoutCancel(ctx)

	var err error
	switch {
	case execErr == nil:
		err = p.store.CompleteTask(ctx, t.ID, owner)
		if err == nil {
			p.log.Info("task done", "task_id", t.ID, "job_type", t.JobType)
		}

	case errors.Is(execErr, ErrUnknownJobType):
		err = p.store.ExhaustTask(ctx, t.ID, owner, execErr.Error())

	case int(t.Retries)+1 > p.cfg.Retry.MaxRetries:
		p.log.Error("task failed permanently",
			"task_id", t.ID, "job_type", t.JobType,
			"retries", t.Retries, "error", execErr)
		err = p.store.ExhaustTask(ctx, t.ID, owner, execErr.Error())

	default:
		attempt := t.Retries + 1
		delay := p.cfg.Retry.Delay(attempt)
		p.log.Warn("task failed, scheduling retry",
			"task_id", t.ID, "job_type", t.JobType,
			"attempt", attempt, "backoff", delay, "error", execErr)
		err = p.store.RetryTask(ctx, t.ID, owner, delay, execErr.Error())
	}

	switch {
	case err == nil:
	case errors.Is(err, task.ErrConflict):
		// Expected under concurrency: the reaper reclaimed the row while we
		// were still working. Not an error.
		p.log.Debug("lost claim while settling", "task_id", t.ID)
	default:
		p.log.Error("settle task", "task_id", t.ID, "error", err)
	}
}

// runReaper periodically returns stale claims to the queue, applying the
// same retry bookkeeping as an ordinary failure.
func (p *Pool) runReaper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReaperInterval)
	defer ticker.Stop()

	p.log.Info("reaper started",
		"claim_timeout", p.cfg.ClaimTimeout, "interval", p.cfg.ReaperInterval)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("reaper stopping")
			return
		case <-ticker.C:
			ids, err := p.store.ReapStale(ctx, p.cfg.ClaimTimeout,
				p.cfg.Retry.MaxRetries, p.cfg.Retry.Base, p.cfg.Retry.MaxDelay)
			if err != nil {
				p.log.Error("reap stale claims", "error", err)
				continue
			}
			if len(ids) > 0 {
				p.log.Warn("reclaimed stale tasks", "count", len(ids), "task_ids", ids)
			}
		}
	}
}

// jitter spreads d over [0.5d, 1.5d) so workers don't poll in lockstep.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}
