// Package task defines the persisted task model and the error taxonomy
// shared by the store, the worker pool, and the HTTP API.
package task

import (
	"errors"
	"time"
)

// Status values for a task row. pending and claimed are live states;
// done and failed are terminal and never transition again.
const (
	StatusPending = "pending"
	StatusClaimed = "claimed"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Epoch is the sentinel value of LastRetry for a task that has never failed.
var Epoch = time.Unix(0, 0).UTC()

// Task is one row of _background_tasks.
type Task struct {
	ID           int64      `json:"id"`
	JobType      string     `json:"job_type"`
	IsAsync      bool       `json:"is_async"`
	Payload      []byte     `json:"payload"`
	Retries      int32      `json:"retries"`
	LastRetry    time.Time  `json:"last_retry"`
	CreatedAt    time.Time  `json:"created_at"`
	Status       string     `json:"status"`
	NextEligible time.Time  `json:"next_eligible"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	ClaimOwner   *string    `json:"claim_owner,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
}

// Terminal reports whether the task has reached a terminal status.
func (t *Task) Terminal() bool {
	return t.Status == StatusDone || t.Status == StatusFailed
}

var (
	// ErrNotFound is returned when an operation references a task id that
	// does not exist. Hitting it usually means an id was used after deletion.
	ErrNotFound = errors.New("task not found")

	// ErrConflict is returned when a conditional update's precondition no
	// longer holds: another worker (or the reaper) changed the row first.
	// Callers must abandon the attempt, not retry it.
	ErrConflict = errors.New("task claim conflict")
)
