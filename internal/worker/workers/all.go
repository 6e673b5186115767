package workers

import "github.com/deepchecks/monitoring-oss/internal/models"

// All returns the full worker set of the platform. This is the single
// registration point: both process roles build their registry from it.
func All() []models.BackgroundWorker {
	return []models.BackgroundWorker{
		NewModelVersionCacheInvalidation(),
		NewModelDataIngestionAlerter(),
		NewDeleteDbTableWorker(),
		NewAlertsWorker(),
		NewSystemStateEvent(),
	}
}
