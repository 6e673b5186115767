package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/deepchecks/monitoring-oss/internal/models"
)

// Common errors
var (
	ErrTaskNotFound = errors.New("task not found")
)

// Timing fallbacks applied to tasks whose worker type is not registered.
// Such tasks still get promoted, on a slow retry schedule, so a runner can
// log the unknown type instead of the row silently rotting.
const (
	FallbackDelaySeconds = 0
	FallbackRetrySeconds = 200
)

// TimingSpec is the queuer's view of one registered worker: the numbers
// needed to compute next-eligible times inside the database.
type TimingSpec struct {
	QueueName    string
	DelaySeconds int
	RetrySeconds int
}

// Store defines the interface for task storage operations
type Store interface {
	// CreateTask inserts a new task row with num_pushed = 0
	CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error)

	// GetTask retrieves a task by its ID
	GetTask(ctx context.Context, id int64) (*models.Task, error)

	// GetTaskInTx retrieves a task by its ID within an open transaction
	GetTaskInTx(ctx context.Context, tx pgx.Tx, id int64) (*models.Task, error)

	// DeleteTaskInTx removes a task row within an open transaction.
	// Deleting the row is how work is acknowledged complete.
	DeleteTaskInTx(ctx context.Context, tx pgx.Tx, id int64) error
}
