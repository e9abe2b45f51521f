package coordinator

import (
	"context"
	"sync"

	"goa.design/pipeline-core/internal/workflow"
)

// runConditionalPhases dispatches every implementation-category phase
// whose predicate activates against dec, concurrently and independently of
// one another — they have no edges between them in the default manifest,
// so nothing orders them relative to each other, only relative to the
// architecture-cicd phase that precedes all of them. Phases sharing a
// non-empty mutex group are narrowed to at most one activation: the first
// (in declaration order) whose predicate is true runs; any other member of
// the same group is marked SKIPPED even if its own predicate also
// evaluates true, since the Workflow Model promises at most one winner per
// mutex group.
func (c *Coordinator) runConditionalPhases(ctx context.Context, phases []workflow.Phase, dec workflow.ArchitectureDecision) {
	var ready []workflow.Phase
	chosenInGroup := make(map[string]bool)

	for _, p := range phases {
		if p.Category != workflow.CategoryImplementation {
			continue
		}
		activates, err := c.model.Activates(p.ID, dec)
		if err != nil || !activates {
			c.tracker.UpdatePhaseState(p.ID, workflow.PhaseSkipped, "predicate did not activate")
			continue
		}
		if p.MutexGroup != "" {
			if chosenInGroup[p.MutexGroup] {
				c.tracker.UpdatePhaseState(p.ID, workflow.PhaseSkipped, "mutually exclusive with an earlier activated phase")
				continue
			}
			chosenInGroup[p.MutexGroup] = true
		}
		ready = append(ready, p)
	}

	var wg sync.WaitGroup
	for _, p := range ready {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.dispatchPhaseSync(ctx, p, dec); err != nil {
				c.tracker.UpdatePhaseState(p.ID, workflow.PhaseFailed, err.Error())
				return
			}
			c.tracker.UpdatePhaseState(p.ID, workflow.PhaseCompleted, "")
		}()
	}
	wg.Wait()
}
