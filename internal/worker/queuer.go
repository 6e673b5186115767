package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/deepchecks/monitoring-oss/internal/models"
	"github.com/deepchecks/monitoring-oss/internal/storage/postgres"
	"github.com/deepchecks/monitoring-oss/internal/taskqueue"
)

// errQueueUnavailable classifies push failures so a lost iteration does
// not take the whole queuer down.
var errQueueUnavailable = errors.New("task queue unavailable")

// promoter is the slice of the task store the queuer needs.
type promoter interface {
	PromoteEligible(ctx context.Context, promo postgres.Promotion, push func(ctx context.Context, promoted []models.PromotedTask) error) ([]models.PromotedTask, error)
}

// pusher is the slice of the shared queue the queuer needs.
type pusher interface {
	PushIfAbsent(ctx context.Context, entries []taskqueue.Entry) (int64, error)
}

// Queuer periodically promotes eligible tasks from the task table into the
// shared queue. Deployments run a single queuer; a brief overlap during
// failover is safe because promotion selects with SKIP LOCKED.
type Queuer struct {
	store    promoter
	queue    pusher
	promo    postgres.Promotion
	interval time.Duration
}

// NewQueuer builds a queuer. The promotion statement is generated from the
// registry once, here, and reused for every iteration.
func NewQueuer(store promoter, queue pusher, registry *Registry, runInterval time.Duration) *Queuer {
	return &Queuer{
		store:    store,
		queue:    queue,
		promo:    postgres.BuildPromotion(registry.TimingSpecs()),
		interval: runInterval,
	}
}

// Run executes promotion iterations until ctx is cancelled. Queue
// connectivity failures cost one iteration; database errors propagate so
// the supervisor can restart the process.
func (q *Queuer) Run(ctx context.Context) error {
	for {
		start := time.Now()
		pushed, err := q.MoveTasksToQueue(ctx)
		switch {
		case err == nil:
			slog.Info("Promotion iteration finished", "num_pushed", pushed, "duration", time.Since(start))
		case ctx.Err() != nil:
			slog.Warn("Queuer interrupted")
			return ctx.Err()
		case errors.Is(err, errQueueUnavailable):
			slog.Error("Failed pushing to task queue, transaction rolled back", "error", err)
		default:
			slog.Error("Queuer failure", "error", err)
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.interval):
		}
	}
}

// MoveTasksToQueue runs one promotion: select eligible rows under row
// locks, bump num_pushed, push the ids to the queue, commit. Returns the
// number of entries actually added to the queue.
func (q *Queuer) MoveTasksToQueue(ctx context.Context) (int64, error) {
	var pushed int64
	_, err := q.store.PromoteEligible(ctx, q.promo, func(ctx context.Context, promoted []models.PromotedTask) error {
		score := time.Now().Unix()
		entries := make([]taskqueue.Entry, len(promoted))
		for i, t := range promoted {
			entries[i] = taskqueue.Entry{TaskID: t.ID, Score: score}
		}
		n, err := q.queue.PushIfAbsent(ctx, entries)
		if err != nil {
			return errors.Join(errQueueUnavailable, err)
		}
		for _, t := range promoted {
			slog.Info("Pushing task",
				"task_id", t.ID,
				"bg_worker_task", t.BgWorkerTask,
				"num_pushed", t.NumPushed,
			)
		}
		pushed = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pushed, nil
}
