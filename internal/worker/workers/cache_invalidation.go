package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/deepchecks/monitoring-oss/internal/models"
	"github.com/deepchecks/monitoring-oss/internal/resources"
	"github.com/deepchecks/monitoring-oss/internal/taskqueue"
)

// ModelVersionCacheInvalidation deletes the cached monitor windows of a
// model version after new data arrived. The initial delay batches several
// ingestion bursts into one invalidation pass.
type ModelVersionCacheInvalidation struct{}

func NewModelVersionCacheInvalidation() *ModelVersionCacheInvalidation {
	return &ModelVersionCacheInvalidation{}
}

func (w *ModelVersionCacheInvalidation) QueueName() string { return "model_version_cache_invalidation" }

func (w *ModelVersionCacheInvalidation) DelaySeconds() int { return 10 }

func (w *ModelVersionCacheInvalidation) RetrySeconds() int { return 60 }

type cacheInvalidationParams struct {
	ModelVersionID int64 `json:"model_version_id"`
}

// CacheKeyPattern returns the glob matching all cached windows of a model
// version.
func CacheKeyPattern(modelVersionID int64) string {
	return fmt.Sprintf("mon-cache:%d:*", modelVersionID)
}

func (w *ModelVersionCacheInvalidation) Run(ctx context.Context, task *models.Task, tx pgx.Tx, res *resources.Provider, lease taskqueue.Lease) error {
	var params cacheInvalidationParams
	if err := json.Unmarshal(task.Params, &params); err != nil {
		return models.Fatal(fmt.Errorf("invalid cache invalidation params: %w", err))
	}
	if params.ModelVersionID == 0 {
		return models.Fatal(errors.New("missing required param: model_version_id"))
	}

	var deleted int64
	iter := res.Redis.Scan(ctx, 0, CacheKeyPattern(params.ModelVersionID), 1000).Iterator()
	batch := make([]string, 0, 1000)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			n, err := res.Redis.Del(ctx, batch...).Result()
			if err != nil {
				return fmt.Errorf("deleting cache keys: %w", err)
			}
			deleted += n
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning cache keys: %w", err)
	}
	if len(batch) > 0 {
		n, err := res.Redis.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("deleting cache keys: %w", err)
		}
		deleted += n
	}

	slog.Info("Model version cache invalidated",
		"model_version_id", params.ModelVersionID,
		"keys_deleted", deleted,
	)
	return completeTask(ctx, tx, task.ID)
}
