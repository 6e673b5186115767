package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/deepchecks/monitoring-oss/internal/models"
	"github.com/deepchecks/monitoring-oss/internal/resources"
	"github.com/deepchecks/monitoring-oss/internal/taskqueue"
)

// ModelDataIngestionAlerter scans a model's ingestion errors over a window
// and raises a data-ingestion alert per affected version. The delay lets a
// whole ingestion batch land before the scan runs.
type ModelDataIngestionAlerter struct{}

func NewModelDataIngestionAlerter() *ModelDataIngestionAlerter {
	return &ModelDataIngestionAlerter{}
}

func (w *ModelDataIngestionAlerter) QueueName() string { return "model_data_ingestion_alerter" }

func (w *ModelDataIngestionAlerter) DelaySeconds() int { return 30 }

func (w *ModelDataIngestionAlerter) RetrySeconds() int { return 60 }

type ingestionAlerterParams struct {
	ModelID   int64     `json:"model_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

func (w *ModelDataIngestionAlerter) Run(ctx context.Context, task *models.Task, tx pgx.Tx, res *resources.Provider, lease taskqueue.Lease) error {
	var params ingestionAlerterParams
	if err := json.Unmarshal(task.Params, &params); err != nil {
		return models.Fatal(fmt.Errorf("invalid ingestion alerter params: %w", err))
	}
	if params.ModelID == 0 {
		return models.Fatal(errors.New("missing required param: model_id"))
	}

	rows, err := tx.Query(ctx, `
		SELECT ie.model_version_id, COUNT(*)
		FROM ingestion_errors ie
		JOIN model_versions mv ON mv.id = ie.model_version_id
		WHERE mv.model_id = $1 AND ie.created_at >= $2 AND ie.created_at < $3
		GROUP BY ie.model_version_id
	`, params.ModelID, params.StartTime, params.EndTime)
	if err != nil {
		return fmt.Errorf("scanning ingestion errors for model %d: %w", params.ModelID, err)
	}

	type versionErrors struct {
		versionID int64
		count     int64
	}
	var affected []versionErrors
	for rows.Next() {
		var ve versionErrors
		if err := rows.Scan(&ve.versionID, &ve.count); err != nil {
			rows.Close()
			return err
		}
		affected = append(affected, ve)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, ve := range affected {
		failed, _ := json.Marshal(map[string]int64{"model_version_id": ve.versionID, "error_count": ve.count})
		_, err := tx.Exec(ctx, `
			INSERT INTO alerts (model_id, kind, started_at, ended_at, failed_values)
			VALUES ($1, 'data_ingestion', $2, $3, $4)
		`, params.ModelID, params.StartTime, params.EndTime, failed)
		if err != nil {
			return fmt.Errorf("inserting ingestion alert for model %d: %w", params.ModelID, err)
		}
	}

	if len(affected) > 0 {
		slog.Info("Data ingestion alerts raised",
			"model_id", params.ModelID,
			"versions_affected", len(affected),
		)
	}
	return completeTask(ctx, tx, task.ID)
}
