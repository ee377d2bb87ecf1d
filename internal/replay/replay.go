// Package replay reconstructs past run state by folding events from the
// store through the same transition function the live machine uses. It is
// read-only: it never appends events and never issues commands, so it is safe
// to run concurrently with live execution of the same run.
package replay

import (
	"context"
	"fmt"
	"time"

	"runline/internal/domain"
	"runline/internal/eventstore"
	"runline/internal/machine"
)

type Engine struct {
	Store *eventstore.Store
}

func New(store *eventstore.Store) Engine {
	return Engine{Store: store}
}

// Reconstruct folds every event for runID with timestamp <= asOf. A cutoff
// before the run's first event yields the empty initial projection; a cutoff
// after the terminal event yields the full terminal projection, stable for
// any later cutoff.
func (e Engine) Reconstruct(ctx context.Context, runID string, asOf time.Time) (domain.RunProjection, error) {
	events, err := e.Store.ReadAsOf(ctx, runID, asOf.UTC().UnixMilli())
	if err != nil {
		return domain.RunProjection{}, fmt.Errorf("read events for %s: %w", runID, err)
	}
	return machine.Fold(runID, events)
}

// Head folds the run's complete history.
func (e Engine) Head(ctx context.Context, runID string) (domain.RunProjection, error) {
	events, err := e.Store.ReadRange(ctx, runID, 0, -1)
	if err != nil {
		return domain.RunProjection{}, fmt.Errorf("read events for %s: %w", runID, err)
	}
	return machine.Fold(runID, events)
}

// ReconstructSystem folds across all runs for a system-wide audit view.
func (e Engine) ReconstructSystem(ctx context.Context, asOf time.Time) (map[string]domain.RunProjection, error) {
	runIDs, err := e.Store.RunIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.RunProjection, len(runIDs))
	for _, id := range runIDs {
		proj, err := e.Reconstruct(ctx, id, asOf)
		if err != nil {
			return nil, err
		}
		if proj.LastSeq < 0 {
			continue // no events before the cutoff
		}
		out[id] = proj
	}
	return out, nil
}
