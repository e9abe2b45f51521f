// Package workflow holds the declarative description of the pipeline: the
// fixed, ordered sequence of phases, their categories, and the activation
// predicates and transition edges that govern which conditional phases run.
// The model is pure data plus lookup functions — it performs no I/O and
// has no hidden state beyond what is loaded at construction.
package workflow

import (
	"errors"
	"fmt"
)

type (
	// PhaseID identifies a phase uniquely within a Model.
	PhaseID string

	// Category classifies a phase's role in the pipeline.
	Category string

	// PhaseStatus is the lifecycle state of a Phase within a single Run.
	PhaseStatus string

	// Priority is the Message Bus priority assigned to a phase's traffic
	// unless a caller overrides it explicitly.
	Priority string

	// ActivationPredicate is a pure function of an ArchitectureDecision that
	// decides whether a conditional phase activates. Predicates never
	// perform I/O, which is what makes branch selection unit-testable.
	ActivationPredicate func(ArchitectureDecision) bool

	// Edge describes one allowed transition out of a phase, with the
	// condition under which it may be taken.
	Edge struct {
		To        PhaseID
		Condition ActivationPredicate
	}

	// Phase is one static entry in the Workflow Model.
	Phase struct {
		ID               PhaseID
		Number           int
		AgentID          string
		Category         Category
		ParallelClass    string
		MutexGroup       string
		Blocking         bool
		RequiresApproval bool
		Next             []Edge

		predicate ActivationPredicate
	}

	// ArchitectureDecision is the record produced by phases 7-8 that
	// parametrizes every downstream conditional activation. It is read-only
	// once the architecture phases complete.
	ArchitectureDecision struct {
		Platform                  string
		Frontend                  string
		Backend                   string
		Database                  string
		CICD                      string
		IaCRequired               bool
		ContainerizationRequired  bool
		Tags                      map[string]string
	}

	// Model is the immutable, process-wide (within a run) workflow table.
	Model struct {
		phases    []Phase
		byID      map[PhaseID]*Phase
		byNumber  map[int]*Phase
	}
)

const (
	CategoryOrchestration Category = "orchestration"
	CategoryArchitecture  Category = "architecture"
	CategoryImplementation Category = "implementation"

	PhasePending   PhaseStatus = "pending"
	PhaseScheduled PhaseStatus = "scheduled"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"

	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// ErrUnknownPhase is returned when a phase id or number has no entry in the
// model.
var ErrUnknownPhase = errors.New("workflow: unknown phase")

// AlwaysTrue is the activation predicate for phases that always run (every
// orchestration-category phase uses it).
func AlwaysTrue(ArchitectureDecision) bool { return true }

// NewModel builds a Model from a fixed phase list. The caller is expected to
// have already bound every conditional phase's predicate (see
// manifestPhase.Predicate / RegisterPredicate in manifest.go); NewModel only
// validates structural invariants (unique ids, known edge targets).
func NewModel(phases []Phase) (*Model, error) {
	m := &Model{
		byID:     make(map[PhaseID]*Phase, len(phases)),
		byNumber: make(map[int]*Phase, len(phases)),
	}
	m.phases = make([]Phase, len(phases))
	copy(m.phases, phases)
	for i := range m.phases {
		p := &m.phases[i]
		if p.predicate == nil {
			p.predicate = AlwaysTrue
		}
		if _, dup := m.byID[p.ID]; dup {
			return nil, fmt.Errorf("workflow: duplicate phase id %q", p.ID)
		}
		m.byID[p.ID] = p
		m.byNumber[p.Number] = p
	}
	for i := range m.phases {
		for _, e := range m.phases[i].Next {
			if _, ok := m.byID[e.To]; !ok {
				return nil, fmt.Errorf("workflow: phase %q references unknown next phase %q", m.phases[i].ID, e.To)
			}
		}
	}
	return m, nil
}

// Phases returns every phase in the model, in declaration order.
func (m *Model) Phases() []Phase {
	out := make([]Phase, len(m.phases))
	copy(out, m.phases)
	return out
}

// Phase looks up a single phase by id.
func (m *Model) Phase(id PhaseID) (Phase, error) {
	p, ok := m.byID[id]
	if !ok {
		return Phase{}, fmt.Errorf("%w: %q", ErrUnknownPhase, id)
	}
	return *p, nil
}

// Activates reports whether phase id activates given the supplied decision.
func (m *Model) Activates(id PhaseID, decision ArchitectureDecision) (bool, error) {
	p, ok := m.byID[id]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownPhase, id)
	}
	return p.predicate(decision), nil
}

// NextPhases returns the set of phases reachable from current whose edge
// condition evaluates true against decision. Phase-ordering is never implied
// by message arrival order — this is the sole arbiter of predecessor/successor
// relationships.
func (m *Model) NextPhases(current PhaseID, decision ArchitectureDecision) ([]Phase, error) {
	p, ok := m.byID[current]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPhase, current)
	}
	var out []Phase
	for _, e := range p.Next {
		cond := e.Condition
		if cond == nil {
			cond = AlwaysTrue
		}
		if cond(decision) {
			next, ok := m.byID[e.To]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownPhase, e.To)
			}
			out = append(out, *next)
		}
	}
	return out, nil
}

// IsTransitionAllowed reports whether from->to appears in the model's edge
// list, independent of whether the edge's condition currently evaluates true.
// The Message Bus calls this to validate every HANDOFF's (from_phase, to_phase)
// pair before routing it.
func (m *Model) IsTransitionAllowed(from, to PhaseID) bool {
	p, ok := m.byID[from]
	if !ok {
		return false
	}
	for _, e := range p.Next {
		if e.To == to {
			return true
		}
	}
	return false
}

// PriorityFor returns the default Bus priority for a phase based on its
// category and number: orchestration phases 0-2 are CRITICAL, 3-5 HIGH,
// later orchestration phases and architecture phases NORMAL, and anything
// explicitly marked reporting-only is LOW.
func (m *Model) PriorityFor(id PhaseID) Priority {
	p, ok := m.byID[id]
	if !ok {
		return PriorityNormal
	}
	if p.Category == CategoryOrchestration {
		switch {
		case p.Number <= 2:
			return PriorityCritical
		case p.Number <= 5:
			return PriorityHigh
		}
	}
	if p.ParallelClass == "reporting" {
		return PriorityLow
	}
	return PriorityNormal
}

// RequiresApproval reports whether an APPROVAL_REQUEST must be emitted and
// satisfied before dispatching phase id's EXECUTION message.
func (m *Model) RequiresApproval(id PhaseID) bool {
	p, ok := m.byID[id]
	return ok && p.RequiresApproval
}

// MutuallyExclusiveWith reports whether a and b belong to the same
// non-empty mutex group, meaning at most one of them may activate.
func (m *Model) MutuallyExclusiveWith(a, b PhaseID) bool {
	pa, ok := m.byID[a]
	if !ok || pa.MutexGroup == "" {
		return false
	}
	pb, ok := m.byID[b]
	return ok && pb.MutexGroup == pa.MutexGroup
}

// LastOrchestrationNumber returns the highest phase Number among
// orchestration-category phases, used by the Coordinator to detect the
// boundary past which conditional activation begins.
func (m *Model) LastOrchestrationNumber() int {
	last := -1
	for i := range m.phases {
		if m.phases[i].Category == CategoryOrchestration && m.phases[i].Number > last {
			last = m.phases[i].Number
		}
	}
	return last
}
