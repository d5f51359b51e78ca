package db

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	kerrors "github.com/fazt-sh/fazt/internal/errors"
)

const (
	// DefaultQueueDepth bounds how many writes may wait at once.
	DefaultQueueDepth = 256

	// MinWriteBudget is the least remaining request budget a write needs
	// to be admitted. Callers closer to their deadline than this are
	// turned away instead of queued.
	MinWriteBudget = 50 * time.Millisecond
)

// Job mutates the database inside the transaction the queue opens for it.
// Returning an error rolls the transaction back.
type Job func(tx *sql.Tx) error

type queuedJob struct {
	ctx  context.Context
	op   string
	job  Job
	done chan error
}

// WriteQueue serializes all database mutations through one goroutine.
// Admission is non-blocking: when the queue is full or the caller's budget
// cannot cover a write, Submit fails immediately with a retryable error
// rather than holding the connection hostage.
type WriteQueue struct {
	db   *sql.DB
	jobs chan queuedJob

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	processed atomic.Uint64
	rejected  atomic.Uint64
	failed    atomic.Uint64
}

// Stats is a point-in-time snapshot of queue activity.
type Stats struct {
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	Processed uint64 `json:"processed"`
	Rejected  uint64 `json:"rejected"`
	Failed    uint64 `json:"failed"`
}

func newWriteQueue(db *sql.DB, depth int) *WriteQueue {
	q := &WriteQueue{
		db:     db,
		jobs:   make(chan queuedJob, depth),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit enqueues job and waits for its result. op names the operation for
// error context.
func (q *WriteQueue) Submit(ctx context.Context, op string, job Job) error {
	if err := ctx.Err(); err != nil {
		q.rejected.Add(1)
		return kerrors.StorageRetryable(op, "request budget exhausted before write")
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < MinWriteBudget {
		q.rejected.Add(1)
		return kerrors.StorageRetryable(op, "insufficient budget for write")
	}

	item := queuedJob{ctx: ctx, op: op, job: job, done: make(chan error, 1)}
	select {
	case q.jobs <- item:
	default:
		q.rejected.Add(1)
		return kerrors.StorageRetryable(op, "write queue full")
	}

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		// The job may still run; the caller's budget is spent either way.
		return kerrors.StorageRetryable(op, "request budget exhausted while queued")
	}
}

// Stop drains outstanding jobs and shuts the worker down.
func (q *WriteQueue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		<-q.doneCh
	})
}

// Snapshot returns current queue statistics.
func (q *WriteQueue) Snapshot() Stats {
	return Stats{
		Depth:     len(q.jobs),
		Capacity:  cap(q.jobs),
		Processed: q.processed.Load(),
		Rejected:  q.rejected.Load(),
		Failed:    q.failed.Load(),
	}
}

func (q *WriteQueue) run() {
	defer close(q.doneCh)
	for {
		select {
		case item := <-q.jobs:
			q.execute(item)
		case <-q.stopCh:
			for {
				select {
				case item := <-q.jobs:
					q.execute(item)
				default:
					return
				}
			}
		}
	}
}

func (q *WriteQueue) execute(item queuedJob) {
	if err := item.ctx.Err(); err != nil {
		q.rejected.Add(1)
		item.done <- kerrors.StorageRetryable(item.op, "request budget exhausted before write started")
		return
	}

	tx, err := q.db.Begin()
	if err != nil {
		q.failed.Add(1)
		item.done <- kerrors.Internal(item.op, err)
		return
	}

	if err := item.job(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Str("op", item.op).Msg("Rollback failed")
		}
		q.failed.Add(1)
		item.done <- kerrors.Wrap(item.op, err)
		return
	}

	if err := tx.Commit(); err != nil {
		q.failed.Add(1)
		item.done <- kerrors.Internal(item.op, err)
		return
	}

	q.processed.Add(1)
	item.done <- nil
}
