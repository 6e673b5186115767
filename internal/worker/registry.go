package worker

import (
	"time"

	"github.com/deepchecks/monitoring-oss/internal/models"
	"github.com/deepchecks/monitoring-oss/internal/storage"
)

// Registry is the process-local mapping from queue name to background
// worker. The queuer only consumes the timing view; the runner resolves
// full workers for dispatch.
type Registry struct {
	workers map[string]models.BackgroundWorker
	order   []string
}

// NewRegistry builds a registry from the given workers. Registration is
// the single point where workers enter the process; a later worker with
// the same queue name replaces the earlier one.
func NewRegistry(workers ...models.BackgroundWorker) *Registry {
	r := &Registry{workers: make(map[string]models.BackgroundWorker)}
	for _, w := range workers {
		name := w.QueueName()
		if _, seen := r.workers[name]; !seen {
			r.order = append(r.order, name)
		}
		r.workers[name] = w
	}
	return r
}

// Lookup resolves a worker by queue name.
func (r *Registry) Lookup(name string) (models.BackgroundWorker, bool) {
	w, ok := r.workers[name]
	return w, ok
}

// TimingSpecs returns the queuer view of the registry in registration
// order: the numbers needed to build the promotion statement.
func (r *Registry) TimingSpecs() []storage.TimingSpec {
	specs := make([]storage.TimingSpec, 0, len(r.order))
	for _, name := range r.order {
		w := r.workers[name]
		specs = append(specs, storage.TimingSpec{
			QueueName:    name,
			DelaySeconds: w.DelaySeconds(),
			RetrySeconds: w.RetrySeconds(),
		})
	}
	return specs
}

// QueueNames returns all registered queue names in registration order.
func (r *Registry) QueueNames() []string {
	return append([]string(nil), r.order...)
}

// NextEligible mirrors the database-side eligibility computation for a
// task of the given type: anchor + delay + num_pushed * retry.
func NextEligible(anchor time.Time, numPushed int, spec storage.TimingSpec) time.Time {
	delay := time.Duration(spec.DelaySeconds) * time.Second
	retry := time.Duration(numPushed*spec.RetrySeconds) * time.Second
	return anchor.Add(delay + retry)
}
