package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/deepchecks/monitoring-oss/internal/models"
	"github.com/deepchecks/monitoring-oss/internal/storage"
)

const taskColumns = `id, bg_worker_task, num_pushed, creation_time, execute_after, params`

// GetTask retrieves a task by ID
func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// GetTaskInTx retrieves a task by ID within an open transaction
func (s *Store) GetTaskInTx(ctx context.Context, tx pgx.Tx, id int64) (*models.Task, error) {
	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var task models.Task
	err := row.Scan(
		&task.ID,
		&task.BgWorkerTask,
		&task.NumPushed,
		&task.CreationTime,
		&task.ExecuteAfter,
		&task.Params,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}
