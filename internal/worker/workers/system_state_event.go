package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/deepchecks/monitoring-oss/internal/models"
	"github.com/deepchecks/monitoring-oss/internal/resources"
	"github.com/deepchecks/monitoring-oss/internal/taskqueue"
)

// SystemStateEvent snapshots deployment-wide counters into an analytics
// event and schedules its own next occurrence.
type SystemStateEvent struct {
	// Interval between snapshots; the worker re-inserts itself with
	// execute_after set this far ahead.
	Interval time.Duration
}

func NewSystemStateEvent() *SystemStateEvent {
	return &SystemStateEvent{Interval: 24 * time.Hour}
}

func (w *SystemStateEvent) QueueName() string { return "system_state_event" }

func (w *SystemStateEvent) DelaySeconds() int { return 0 }

func (w *SystemStateEvent) RetrySeconds() int { return 600 }

func (w *SystemStateEvent) Run(ctx context.Context, task *models.Task, tx pgx.Tx, res *resources.Provider, lease taskqueue.Lease) error {
	// Snapshot queries scan several tables and can exceed the default
	// lease TTL on large deployments.
	if err := lease.Extend(ctx); err != nil {
		return fmt.Errorf("extending lease before snapshot: %w", err)
	}

	var numModels, numVersions, numPendingTasks, numOpenAlerts int64
	err := tx.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM models),
			(SELECT COUNT(*) FROM model_versions),
			(SELECT COUNT(*) FROM tasks),
			(SELECT COUNT(*) FROM alerts WHERE NOT resolved)
	`).Scan(&numModels, &numVersions, &numPendingTasks, &numOpenAlerts)
	if err != nil {
		return fmt.Errorf("collecting system state: %w", err)
	}

	slog.Info("System state snapshot",
		"event_id", uuid.NewString(),
		"num_models", numModels,
		"num_model_versions", numVersions,
		"num_pending_tasks", numPendingTasks,
		"num_open_alerts", numOpenAlerts,
	)

	// Schedule the next snapshot in the same transaction, so exactly one
	// pending occurrence exists at any time.
	next := time.Now().Add(w.Interval)
	params, _ := json.Marshal(struct{}{})
	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (bg_worker_task, num_pushed, creation_time, execute_after, params)
		VALUES ($1, 0, NOW(), $2, $3)
	`, w.QueueName(), next, params)
	if err != nil {
		return fmt.Errorf("scheduling next snapshot: %w", err)
	}

	return completeTask(ctx, tx, task.ID)
}
