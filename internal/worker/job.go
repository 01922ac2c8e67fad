// Package worker claims tasks from the _background_tasks table and executes
// them through handlers registered per job type.
//
// A Pool runs a configurable number of claiming goroutines plus a reaper
// goroutine that recovers claims orphaned by crashed workers. Synchronous
// tasks block their claiming goroutine under an execution timeout; async
// tasks run on a pool-tracked goroutine that reports its outcome when done.
package worker

import (
	"context"
	"errors"
)

// Handler is the function executed for each claimed task. The payload is the
// opaque byte sequence stored at enqueue time. A non-nil return triggers
// retry logic (exponential backoff up to the configured retry budget, then
// terminal failure); nil marks the task done.
//
// Handlers should be idempotent: delivery is at-least-once, and a handler
// that outlives the claim timeout can run concurrently with its retry.
type Handler func(ctx context.Context, payload []byte) error

// ErrUnknownJobType is reported when a claimed task names a job type with no
// registered handler. It is not retryable: the task goes straight to the
// terminal failed status, retries untouched.
var ErrUnknownJobType = errors.New("unknown job type")
