// Package supervisor runs the long-lived loops of one process role and
// propagates cancellation between them.
package supervisor

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Loop is a long-running worker loop. It returns only on cancellation or
// on a catastrophic error.
type Loop func(ctx context.Context) error

// Run starts every loop on a shared group. The first loop to fail cancels
// the others; the error is returned so the host can restart the process.
func Run(ctx context.Context, loops ...Loop) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, loop := range loops {
		g.Go(func() error { return loop(ctx) })
	}
	return g.Wait()
}
