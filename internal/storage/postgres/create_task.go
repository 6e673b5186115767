package postgres

import (
	"context"
	"encoding/json"

	"github.com/deepchecks/monitoring-oss/internal/models"
)

// CreateTask inserts a new task row. num_pushed starts at 0 and
// creation_time is the server's clock, so eligibility math stays on a
// single clock source.
func (s *Store) CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	payload := req.Params
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	query := `
		INSERT INTO tasks (bg_worker_task, num_pushed, creation_time, execute_after, params)
		VALUES ($1, 0, NOW(), $2, $3)
		RETURNING id, bg_worker_task, num_pushed, creation_time, execute_after, params
	`

	var task models.Task
	err := s.pool.QueryRow(ctx, query,
		req.BgWorkerTask,
		req.ExecuteAfter,
		payload,
	).Scan(
		&task.ID,
		&task.BgWorkerTask,
		&task.NumPushed,
		&task.CreationTime,
		&task.ExecuteAfter,
		&task.Params,
	)
	if err != nil {
		return nil, err
	}

	return &task, nil
}
