package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepchecks/monitoring-oss/internal/models"
	"github.com/deepchecks/monitoring-oss/internal/storage"
)

// Promotion is the precomputed eligibility statement: a pure function of
// the worker registry, built once at queuer startup.
type Promotion struct {
	sql  string
	args []any
}

// SQL exposes the generated statement text.
func (p Promotion) SQL() string { return p.sql }

// Args exposes the bound parameters, in statement order.
func (p Promotion) Args() []any { return p.args }

// BuildPromotion generates the combined select-eligible-and-bump statement.
//
// Next-eligible time is computed inside the database:
//
//	COALESCE(execute_after, creation_time)
//	  + delay[bg_worker_task]
//	  + num_pushed * retry[bg_worker_task]
//
// where delay and retry are CASE expressions over the registered worker
// types. Rows locked by a concurrent transaction are skipped, so an
// overlapping second queuer instance finds no rows to promote.
func BuildPromotion(specs []storage.TimingSpec) Promotion {
	var args []any
	delayCase := secondsCase(specs, &args, func(s storage.TimingSpec) int { return s.DelaySeconds }, storage.FallbackDelaySeconds)
	retryCase := secondsCase(specs, &args, func(s storage.TimingSpec) int { return s.RetrySeconds }, storage.FallbackRetrySeconds)

	sql := fmt.Sprintf(`
		UPDATE tasks
		SET num_pushed = num_pushed + 1
		WHERE id IN (
			SELECT id
			FROM tasks
			WHERE COALESCE(execute_after, creation_time)
			      + make_interval(secs => %s)
			      + num_pushed * make_interval(secs => %s)
			      <= statement_timestamp()
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, bg_worker_task, num_pushed
	`, delayCase, retryCase)

	return Promotion{sql: sql, args: args}
}

// secondsCase renders a CASE expression mapping bg_worker_task to a
// per-type seconds value, appending the bound parameters to args.
func secondsCase(specs []storage.TimingSpec, args *[]any, seconds func(storage.TimingSpec) int, fallback int) string {
	if len(specs) == 0 {
		return fmt.Sprintf("%d::double precision", fallback)
	}

	var b strings.Builder
	b.WriteString("CASE bg_worker_task")
	for _, spec := range specs {
		*args = append(*args, spec.QueueName)
		name := len(*args)
		*args = append(*args, float64(seconds(spec)))
		value := len(*args)
		fmt.Fprintf(&b, " WHEN $%d THEN $%d::double precision", name, value)
	}
	fmt.Fprintf(&b, " ELSE %d::double precision END", fallback)
	return b.String()
}

// PromoteEligible runs the promotion statement in a transaction and hands
// the bumped rows to push before committing. If push fails the whole
// transaction rolls back, so num_pushed is not advanced and the rows stay
// eligible — promotion is all-or-nothing.
func (s *Store) PromoteEligible(ctx context.Context, promo Promotion, push func(ctx context.Context, promoted []models.PromotedTask) error) ([]models.PromotedTask, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning promotion transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, promo.sql, promo.args...)
	if err != nil {
		return nil, fmt.Errorf("selecting eligible tasks: %w", err)
	}

	var promoted []models.PromotedTask
	for rows.Next() {
		var p models.PromotedTask
		if err := rows.Scan(&p.ID, &p.BgWorkerTask, &p.NumPushed); err != nil {
			rows.Close()
			return nil, err
		}
		promoted = append(promoted, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(promoted) > 0 && push != nil {
		if err := push(ctx, promoted); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing promotion: %w", err)
	}
	return promoted, nil
}
