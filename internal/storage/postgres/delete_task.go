package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/deepchecks/monitoring-oss/internal/storage"
)

// DeleteTaskInTx removes a task row within an open transaction
func (s *Store) DeleteTaskInTx(ctx context.Context, tx pgx.Tx, id int64) error {
	result, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return storage.ErrTaskNotFound
	}
	return nil
}
