// Package workflow coordinates multi-phase transitions for a report's test
// cycle: dependency resolution over the phase graph, the transactional
// complete-and-start advance, and the aggregate status view.
package workflow

import (
	"context"
	"fmt"

	"github.com/oversight-labs/phasegate/pkg/errdefs"
	"github.com/oversight-labs/phasegate/pkg/phase"
	"github.com/oversight-labs/phasegate/pkg/store"
)

// Resolver answers whether a phase may start given the dependency graph and
// the stored statuses. Absence of a record counts as Not Started.
type Resolver struct {
	store store.PhaseStore
	graph *phase.Graph
}

// NewResolver builds a resolver over the default workflow graph.
func NewResolver(st store.PhaseStore) *Resolver {
	return &Resolver{store: st, graph: phase.DefaultGraph()}
}

// WithGraph overrides the dependency table.
func (r *Resolver) WithGraph(g *phase.Graph) *Resolver {
	r.graph = g
	return r
}

// CanAdvance reports whether target may start. Every prerequisite must show
// Completed; missing lists those that do not, in canonical order. Request
// for Information therefore waits for BOTH Sample Selection and Data Owner
// Identification.
func (r *Resolver) CanAdvance(ctx context.Context, cycleID, reportID int64, target phase.Name) (bool, []phase.Name, error) {
	return r.canAdvance(ctx, cycleID, reportID, target, "")
}

// canAdvance is CanAdvance with one phase assumed Completed. The coordinator
// completes the from phase in the same transaction that starts the target,
// so its dependency check passes the from phase here; everywhere else the
// assumption is empty.
func (r *Resolver) canAdvance(ctx context.Context, cycleID, reportID int64, target, assumeCompleted phase.Name) (bool, []phase.Name, error) {
	if !target.Valid() {
		return false, nil, fmt.Errorf("unknown phase %q: %w", target, errdefs.ErrValidationFailure)
	}
	statuses, err := r.statuses(ctx, cycleID, reportID)
	if err != nil {
		return false, nil, err
	}
	if assumeCompleted != "" {
		statuses[assumeCompleted] = phase.StatusCompleted
	}

	var missing []phase.Name
	for _, prereq := range r.graph.Prerequisites(target) {
		if statuses[prereq] != phase.StatusCompleted {
			missing = append(missing, prereq)
		}
	}
	return len(missing) == 0, missing, nil
}

// NextAvailable returns the phases that could start now: not yet started,
// with every prerequisite Completed. Canonical order.
func (r *Resolver) NextAvailable(ctx context.Context, cycleID, reportID int64) ([]phase.Name, error) {
	statuses, err := r.statuses(ctx, cycleID, reportID)
	if err != nil {
		return nil, err
	}

	var out []phase.Name
	for _, name := range phase.Names() {
		if status, started := statuses[name]; started && status != phase.StatusNotStarted {
			continue
		}
		ready := true
		for _, prereq := range r.graph.Prerequisites(name) {
			if statuses[prereq] != phase.StatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, name)
		}
	}
	return out, nil
}

func (r *Resolver) statuses(ctx context.Context, cycleID, reportID int64) (map[phase.Name]phase.Status, error) {
	records, err := r.store.All(ctx, cycleID, reportID)
	if err != nil {
		return nil, fmt.Errorf("workflow: load records for %d/%d: %w", cycleID, reportID, err)
	}
	statuses := make(map[phase.Name]phase.Status, len(records))
	for _, rec := range records {
		statuses[rec.Phase] = rec.Status
	}
	return statuses, nil
}
