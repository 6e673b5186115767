package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/deepchecks/monitoring-oss/internal/models"
	"github.com/deepchecks/monitoring-oss/internal/resources"
	"github.com/deepchecks/monitoring-oss/internal/storage"
	"github.com/deepchecks/monitoring-oss/internal/taskqueue"
)

const (
	// DefaultPopTimeout bounds one blocking pop so runners notice
	// shutdown within this window.
	DefaultPopTimeout = 120 * time.Second
)

// popper is the slice of the shared queue the runner needs.
type popper interface {
	BlockingPopMin(ctx context.Context, timeout time.Duration) (*taskqueue.Entry, error)
}

// leaser is the slice of the lease service the runner needs.
type leaser interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (taskqueue.Lease, error)
}

// sessionBeginner opens one database session per task iteration.
// *pgxpool.Pool satisfies it.
type sessionBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Runner consumes the shared queue and dispatches tasks to registered
// workers under a distributed lease. Many Run loops may share one Runner;
// each iteration owns its own database session.
type Runner struct {
	queue      popper
	leases     leaser
	db         sessionBeginner
	store      storage.Store
	registry   *Registry
	res        *resources.Provider
	popTimeout time.Duration
	leaseTTL   time.Duration
}

// NewRunner builds a runner over the shared queue, lease service, and
// task store.
func NewRunner(queue popper, leases leaser, db sessionBeginner, store storage.Store, registry *Registry, res *resources.Provider) *Runner {
	return &Runner{
		queue:      queue,
		leases:     leases,
		db:         db,
		store:      store,
		registry:   registry,
		res:        res,
		popTimeout: DefaultPopTimeout,
		leaseTTL:   taskqueue.DefaultLeaseTTL,
	}
}

// Run consumes tasks until ctx is cancelled. Transient queue failures
// cost one task (the queuer re-promotes it after backoff); database
// session failures propagate so the supervisor can restart the process.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entry, err := r.queue.BlockingPopMin(ctx, r.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				slog.Warn("Runner interrupted")
				return ctx.Err()
			}
			slog.Error("Failed popping from task queue", "error", err)
			continue
		}
		if entry == nil {
			slog.Debug("Task queue poll timed out")
			continue
		}
		if err := r.runSingleTask(ctx, entry); err != nil {
			return err
		}
	}
}

// runSingleTask gates one popped entry on the distributed lease, resolves
// the row, and dispatches it. A failed acquire means the task is already
// running elsewhere; the entry is not reinserted — the queuer will
// re-promote the row after backoff.
func (r *Runner) runSingleTask(ctx context.Context, entry *taskqueue.Entry) error {
	lease, err := r.leases.Acquire(ctx, taskqueue.TaskRunnerLockName(entry.TaskID), r.leaseTTL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Error("Failed acquiring lease", "task_id", entry.TaskID, "error", err)
		return nil
	}
	if lease == nil {
		slog.Info("Failed to acquire lock, task already running elsewhere", "task_id", entry.TaskID)
		return nil
	}
	defer r.releaseLease(ctx, lease, entry.TaskID)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("opening database session for task %d: %w", entry.TaskID, err)
	}

	task, err := r.store.GetTaskInTx(ctx, tx, entry.TaskID)
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, storage.ErrTaskNotFound) {
			slog.Info("Got already removed task", "task_id", entry.TaskID)
			return nil
		}
		return fmt.Errorf("loading task %d: %w", entry.TaskID, err)
	}

	return r.dispatch(ctx, task, tx, lease, entry.Score)
}

// dispatch resolves the worker and maps its outcome: ok commits the
// session, a retryable error rolls it back so the row survives, a fatal
// error deletes the row so a poisoned task cannot loop forever.
func (r *Runner) dispatch(ctx context.Context, task *models.Task, tx pgx.Tx, lease taskqueue.Lease, queuedTimestamp int64) error {
	w, ok := r.registry.Lookup(task.BgWorkerTask)
	if !ok {
		_ = tx.Rollback(ctx)
		slog.Error("Unknown task type", "task_id", task.ID, "bg_worker_task", task.BgWorkerTask)
		return nil
	}

	start := time.Now()
	slog.Info("Running task", "task_id", task.ID, "bg_worker_task", task.BgWorkerTask)

	err := w.Run(ctx, task, tx, r.res, lease)
	switch {
	case err == nil:
		if cerr := tx.Commit(ctx); cerr != nil {
			slog.Error("Failed committing task session",
				"task_id", task.ID, "bg_worker_task", task.BgWorkerTask, "error", cerr)
			return nil
		}
		slog.Info("Task finished",
			"task_id", task.ID,
			"bg_worker_task", task.BgWorkerTask,
			"duration", time.Since(start),
			"delay", start.Unix()-queuedTimestamp,
		)
	case ctx.Err() != nil:
		_ = tx.Rollback(ctx)
		slog.Warn("Task cancelled", "task_id", task.ID, "bg_worker_task", task.BgWorkerTask)
		return err
	case models.IsFatal(err):
		slog.Error("Dropping task after fatal error",
			"task_id", task.ID, "bg_worker_task", task.BgWorkerTask, "error", err)
		if derr := r.store.DeleteTaskInTx(ctx, tx, task.ID); derr != nil {
			_ = tx.Rollback(ctx)
			slog.Error("Failed deleting fatal task", "task_id", task.ID, "error", derr)
			return nil
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			slog.Error("Failed committing fatal task deletion", "task_id", task.ID, "error", cerr)
		}
	default:
		_ = tx.Rollback(ctx)
		slog.Error("Exception running task",
			"task_id", task.ID, "bg_worker_task", task.BgWorkerTask, "error", err)
	}
	return nil
}

// releaseLease is best-effort: it runs even during shutdown, and an
// already-expired lease is logged, not propagated.
func (r *Runner) releaseLease(ctx context.Context, lease taskqueue.Lease, taskID int64) {
	err := lease.Release(context.WithoutCancel(ctx))
	if err == nil {
		return
	}
	if errors.Is(err, taskqueue.ErrLeaseNotHeld) {
		slog.Error("Failed to release lease, task probably ran longer than the lease TTL", "task_id", taskID)
		return
	}
	slog.Error("Failed to release lease", "task_id", taskID, "error", err)
}
