// Package workers contains the background workers of the monitoring
// platform. Each worker is registered under a stable queue name and owns
// the timing policy for its task type.
package workers

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// completeTask acknowledges the work by deleting the task row within the
// session. The runner commits afterwards.
func completeTask(ctx context.Context, tx pgx.Tx, taskID int64) error {
	_, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	return err
}
