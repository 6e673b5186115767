package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/deepchecks/monitoring-oss/internal/resources"
	"github.com/deepchecks/monitoring-oss/internal/taskqueue"
)

// Task represents a pending unit of background work. A row exists for as
// long as the work is not acknowledged complete; the handler deletes it
// on success.
type Task struct {
	ID           int64           `json:"id" db:"id"`
	BgWorkerTask string          `json:"bg_worker_task" db:"bg_worker_task"`
	NumPushed    int             `json:"num_pushed" db:"num_pushed"`
	CreationTime time.Time       `json:"creation_time" db:"creation_time"`
	ExecuteAfter *time.Time      `json:"execute_after,omitempty" db:"execute_after"`
	Params       json.RawMessage `json:"params" db:"params"`
}

// PromotedTask is the projection returned by the queuer's promotion
// statement, after num_pushed has been incremented.
type PromotedTask struct {
	ID           int64
	BgWorkerTask string
	NumPushed    int
}

// CreateTaskRequest represents the producer request to schedule a task
type CreateTaskRequest struct {
	BgWorkerTask string          `json:"bg_worker_task" binding:"required"`
	Params       json.RawMessage `json:"params"`
	ExecuteAfter *time.Time      `json:"execute_after,omitempty"`
}

// CreateTaskResponse represents the producer response when creating a task
type CreateTaskResponse struct {
	ID int64 `json:"id"`
}

// BackgroundWorker defines the interface that all task workers must implement.
//
// Run must either delete the task row within the transaction and return nil
// (the runner commits), return a retryable error (the runner rolls back and
// the queuer re-promotes the row after backoff), or return a fatal error
// (the runner deletes the row so the task cannot loop forever).
type BackgroundWorker interface {
	// QueueName returns the unique type tag matched against Task.BgWorkerTask
	QueueName() string

	// DelaySeconds is the initial wait after creation before first promotion
	DelaySeconds() int

	// RetrySeconds is added per push; eligibility is linear in num_pushed
	RetrySeconds() int

	// Run executes one task inside the given transaction. Long-running
	// workers should periodically extend the lease.
	Run(ctx context.Context, task *Task, tx pgx.Tx, res *resources.Provider, lease taskqueue.Lease) error
}
