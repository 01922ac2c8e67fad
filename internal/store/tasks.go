package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/scarson/queued/internal/task"
)

const taskColumns = `id, job_type, is_async, payload, retries, last_retry,
	created_at, status, next_eligible, claimed_at, claim_owner, last_error`

// Enqueue inserts a new pending task and returns its assigned id.
// The payload is stored as-is; the queue never interprets it.
func (s *Store) Enqueue(ctx context.Context, jobType string, payload []byte, isAsync bool) (int64, error) {
	if jobType == "" {
		return 0, errors.New("enqueue task: empty job type")
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO _background_tasks (job_type, payload, is_async)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		jobType, payload, isAsync,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue task: %w", err)
	}
	return id, nil
}

// ClaimNext atomically claims the oldest eligible pending task for workerID
// using FOR UPDATE SKIP LOCKED. Returns (nil, nil) when no task is currently
// eligible; callers should sleep a jittered interval before polling again.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE _background_tasks SET
			status      = 'claimed',
			claimed_at  = now(),
			claim_owner = $1
		 WHERE id = (
			SELECT id FROM _background_tasks
			WHERE status = 'pending'
			  AND next_eligible <= now()
			  AND created_at <= now()
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+taskColumns,
		workerID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

// CompleteTask transitions a claimed task to done. Returns task.ErrConflict
// if the row is no longer claimed by owner (e.g. the reaper got there first).
func (s *Store) CompleteTask(ctx context.Context, id int64, owner string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE _background_tasks SET
			status      = 'done',
			claimed_at  = NULL,
			claim_owner = NULL
		 WHERE id = $1 AND status = 'claimed' AND claim_owner = $2`,
		id, owner)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", id, err)
	}
	return s.checkGuard(ctx, id, tag.RowsAffected())
}

// RetryTask records a failed attempt and returns the task to pending:
// retries is incremented, last_retry stamped, and the row becomes eligible
// again after delay. Guarded by the same claim-ownership condition as
// CompleteTask.
func (s *Store) RetryTask(ctx context.Context, id int64, owner string, delay time.Duration, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE _background_tasks SET
			status        = 'pending',
			retries       = retries + 1,
			last_retry    = now(),
			next_eligible = now() + make_interval(secs => $3::float8),
			claimed_at    = NULL,
			claim_owner   = NULL,
			last_error    = NULLIF($4, '')
		 WHERE id = $1 AND status = 'claimed' AND claim_owner = $2`,
		id, owner, delay.Seconds(), errMsg)
	if err != nil {
		return fmt.Errorf("retry task %d: %w", id, err)
	}
	return s.checkGuard(ctx, id, tag.RowsAffected())
}

// ExhaustTask transitions a claimed task to the terminal failed status,
// leaving retries and last_retry as they were. Used when the retry budget is
// spent and when the job type has no registered handler. The row stays
// visible for operator inspection.
func (s *Store) ExhaustTask(ctx context.Context, id int64, owner string, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE _background_tasks SET
			status      = 'failed',
			claimed_at  = NULL,
			claim_owner = NULL,
			last_error  = NULLIF($3, '')
		 WHERE id = $1 AND status = 'claimed' AND claim_owner = $2`,
		id, owner, errMsg)
	if err != nil {
		return fmt.Errorf("exhaust task %d: %w", id, err)
	}
	return s.checkGuard(ctx, id, tag.RowsAffected())
}

// ReapStale applies crash recovery to every task stuck in claimed state for
// longer than claimTimeout. Each stale claim counts as a failed attempt:
// the task returns to pending with retry bookkeeping and backoff applied, or
// goes terminal when the retry budget is spent. The status condition in the
// WHERE clause keeps this safe against workers that are slow but alive —
// their own completion update simply loses and reports a conflict.
// Returns the ids of the reaped tasks.
func (s *Store) ReapStale(ctx context.Context, claimTimeout time.Duration, maxRetries int, base, maxDelay time.Duration) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE _background_tasks SET
			status        = CASE WHEN retries + 1 > $2::int THEN 'failed' ELSE 'pending' END,
			retries       = CASE WHEN retries + 1 > $2::int THEN retries ELSE retries + 1 END,
			last_retry    = now(),
			next_eligible = now() + make_interval(secs => LEAST($3::float8 * power(2, retries), $4::float8)),
			claimed_at    = NULL,
			claim_owner   = NULL,
			last_error    = 'claim expired: worker presumed dead'
		 WHERE status = 'claimed' AND claimed_at < now() - make_interval(secs => $1::float8)
		 RETURNING id`,
		claimTimeout.Seconds(), maxRetries, base.Seconds(), maxDelay.Seconds())
	if err != nil {
		return nil, fmt.Errorf("reap stale tasks: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("reap stale tasks: %w", err)
	}
	return ids, nil
}

// GetTask fetches one task by id. Returns task.ErrNotFound for missing ids.
func (s *Store) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM _background_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrNotFound
		}
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// ListTasksParams are the optional filters for ListTasks.
type ListTasksParams struct {
	Status  string
	JobType string
	Limit   uint64
}

// ListTasks returns tasks matching the given filters, newest first.
func (s *Store) ListTasks(ctx context.Context, p ListTasksParams) ([]task.Task, error) {
	q := psql.Select("id", "job_type", "is_async", "payload", "retries",
		"last_retry", "created_at", "status", "next_eligible", "claimed_at",
		"claim_owner", "last_error").
		From("_background_tasks").
		OrderBy("created_at DESC", "id DESC")
	if p.Status != "" {
		q = q.Where(squirrel.Eq{"status": p.Status})
	}
	if p.JobType != "" {
		q = q.Where(squirrel.Eq{"job_type": p.JobType})
	}
	limit := p.Limit
	if limit == 0 || limit > 500 {
		limit = 100
	}
	sql, args, err := q.Limit(limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// CountByStatus returns the number of tasks in each status. Statuses with no
// rows are absent from the map.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	sql, args, err := psql.Select("status", "COUNT(*)").
		From("_background_tasks").
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count tasks: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	return counts, nil
}

// checkGuard maps a zero-row conditional update to the error taxonomy:
// the id is either gone (ErrNotFound) or owned by someone else (ErrConflict).
func (s *Store) checkGuard(ctx context.Context, id int64, affected int64) error {
	if affected > 0 {
		return nil
	}
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM _background_tasks WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check task %d: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("task %d: %w", id, task.ErrNotFound)
	}
	return fmt.Errorf("task %d: %w", id, task.ErrConflict)
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	err := row.Scan(&t.ID, &t.JobType, &t.IsAsync, &t.Payload, &t.Retries,
		&t.LastRetry, &t.CreatedAt, &t.Status, &t.NextEligible, &t.ClaimedAt,
		&t.ClaimOwner, &t.LastError)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
