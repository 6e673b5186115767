package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jackc/pgx/v5"

	"github.com/deepchecks/monitoring-oss/internal/models"
	"github.com/deepchecks/monitoring-oss/internal/resources"
	"github.com/deepchecks/monitoring-oss/internal/taskqueue"
)

// DeleteDbTableWorker drops the dynamic per-model-version data tables left
// behind when a version is removed. Dropping can contend with in-flight
// ingestion, so a failed attempt is retried on a slow schedule.
type DeleteDbTableWorker struct{}

func NewDeleteDbTableWorker() *DeleteDbTableWorker {
	return &DeleteDbTableWorker{}
}

func (w *DeleteDbTableWorker) QueueName() string { return "delete_db_table" }

func (w *DeleteDbTableWorker) DelaySeconds() int { return 0 }

func (w *DeleteDbTableWorker) RetrySeconds() int { return 300 }

type deleteDbTableParams struct {
	FullTableName string `json:"full_table_name"`
}

// Table names are produced internally, but they end up interpolated into
// DDL, so anything unexpected is rejected outright.
var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func (w *DeleteDbTableWorker) Run(ctx context.Context, task *models.Task, tx pgx.Tx, res *resources.Provider, lease taskqueue.Lease) error {
	var params deleteDbTableParams
	if err := json.Unmarshal(task.Params, &params); err != nil {
		return models.Fatal(fmt.Errorf("invalid delete table params: %w", err))
	}
	if params.FullTableName == "" {
		return models.Fatal(errors.New("missing required param: full_table_name"))
	}
	if !validTableName.MatchString(params.FullTableName) {
		return models.Fatal(fmt.Errorf("refusing to drop table with unexpected name %q", params.FullTableName))
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, params.FullTableName)); err != nil {
		return fmt.Errorf("dropping table %s: %w", params.FullTableName, err)
	}

	slog.Info("Dropped table", "table", params.FullTableName)
	return completeTask(ctx, tx, task.ID)
}
