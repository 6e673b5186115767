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

// AlertsWorker evaluates one monitor window and opens an alert when the
// monitored value crosses the monitor's threshold.
type AlertsWorker struct{}

func NewAlertsWorker() *AlertsWorker {
	return &AlertsWorker{}
}

func (w *AlertsWorker) QueueName() string { return "alerts" }

func (w *AlertsWorker) DelaySeconds() int { return 0 }

func (w *AlertsWorker) RetrySeconds() int { return 120 }

type alertsParams struct {
	MonitorID int64     `json:"monitor_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

func (w *AlertsWorker) Run(ctx context.Context, task *models.Task, tx pgx.Tx, res *resources.Provider, lease taskqueue.Lease) error {
	var params alertsParams
	if err := json.Unmarshal(task.Params, &params); err != nil {
		return models.Fatal(fmt.Errorf("invalid alerts params: %w", err))
	}
	if params.MonitorID == 0 {
		return models.Fatal(errors.New("missing required param: monitor_id"))
	}

	var modelID int64
	var threshold float64
	err := tx.QueryRow(ctx,
		`SELECT model_id, threshold FROM monitors WHERE id = $1`,
		params.MonitorID,
	).Scan(&modelID, &threshold)
	if errors.Is(err, pgx.ErrNoRows) {
		// Monitor was deleted after the task was scheduled
		return models.Fatal(fmt.Errorf("monitor %d no longer exists", params.MonitorID))
	}
	if err != nil {
		return fmt.Errorf("loading monitor %d: %w", params.MonitorID, err)
	}

	var value float64
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*)::double precision
		FROM ingestion_errors ie
		JOIN model_versions mv ON mv.id = ie.model_version_id
		WHERE mv.model_id = $1 AND ie.created_at >= $2 AND ie.created_at < $3
	`, modelID, params.StartTime, params.EndTime).Scan(&value)
	if err != nil {
		return fmt.Errorf("evaluating monitor %d window: %w", params.MonitorID, err)
	}

	if value > threshold {
		failed, _ := json.Marshal(map[string]float64{"value": value, "threshold": threshold})
		_, err = tx.Exec(ctx, `
			INSERT INTO alerts (monitor_id, model_id, kind, started_at, ended_at, failed_values)
			VALUES ($1, $2, 'monitor', $3, $4, $5)
		`, params.MonitorID, modelID, params.StartTime, params.EndTime, failed)
		if err != nil {
			return fmt.Errorf("inserting alert for monitor %d: %w", params.MonitorID, err)
		}
		slog.Info("Monitor alert opened",
			"monitor_id", params.MonitorID,
			"value", value,
			"threshold", threshold,
		)
	}

	return completeTask(ctx, tx, task.ID)
}
