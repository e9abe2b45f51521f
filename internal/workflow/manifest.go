package workflow

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

type (
	// manifestEdge is the YAML shape of an Edge. Condition is resolved by
	// name through the predicate registry rather than expressed in YAML,
	// since YAML cannot encode a Go closure.
	manifestEdge struct {
		To        string `yaml:"to"`
		Condition string `yaml:"condition"`
	}

	// manifestPhase is the YAML shape of a Phase.
	manifestPhase struct {
		ID               string         `yaml:"id"`
		Number           int            `yaml:"number"`
		AgentID          string         `yaml:"agent_id"`
		Category         string         `yaml:"category"`
		ParallelClass    string         `yaml:"parallel_class"`
		MutexGroup       string         `yaml:"mutex_group"`
		Blocking         bool           `yaml:"blocking"`
		RequiresApproval bool           `yaml:"requires_approval"`
		Predicate        string         `yaml:"predicate"`
		Next             []manifestEdge `yaml:"next"`
	}

	manifest struct {
		Phases []manifestPhase `yaml:"phases"`
	}

	// Manifest is a loaded, not-yet-bound workflow description. Predicates
	// must be registered with RegisterPredicate before calling Build.
	Manifest struct {
		raw        manifest
		predicates map[string]ActivationPredicate
	}
)

// LoadManifest parses a YAML workflow manifest. The returned Manifest has no
// behavioral predicates bound yet — conditional phases named in the YAML
// with a non-empty "predicate" field must have that name registered via
// RegisterPredicate before Build is called, or Build returns an error.
func LoadManifest(r io.Reader) (*Manifest, error) {
	var raw manifest
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("workflow: decode manifest: %w", err)
	}
	return &Manifest{raw: raw, predicates: make(map[string]ActivationPredicate)}, nil
}

// RegisterPredicate binds a named activation predicate referenced by the
// manifest's phases. Phases whose "predicate" field names an unregistered
// predicate fail Build with a descriptive error rather than silently
// defaulting to AlwaysTrue, so a missing binding is caught before a run
// starts rather than mid-pipeline.
func (m *Manifest) RegisterPredicate(name string, fn ActivationPredicate) {
	m.predicates[name] = fn
}

// Build resolves every phase's predicate and edge conditions and constructs
// the immutable Model.
func (m *Manifest) Build() (*Model, error) {
	phases := make([]Phase, 0, len(m.raw.Phases))
	for _, mp := range m.raw.Phases {
		pred, err := m.resolvePredicate(mp.Predicate)
		if err != nil {
			return nil, fmt.Errorf("workflow: phase %q: %w", mp.ID, err)
		}
		edges := make([]Edge, 0, len(mp.Next))
		for _, me := range mp.Next {
			cond, err := m.resolvePredicate(me.Condition)
			if err != nil {
				return nil, fmt.Errorf("workflow: phase %q edge to %q: %w", mp.ID, me.To, err)
			}
			edges = append(edges, Edge{To: PhaseID(me.To), Condition: cond})
		}
		p := Phase{
			ID:               PhaseID(mp.ID),
			Number:           mp.Number,
			AgentID:          mp.AgentID,
			Category:         Category(mp.Category),
			ParallelClass:    mp.ParallelClass,
			MutexGroup:       mp.MutexGroup,
			Blocking:         mp.Blocking,
			RequiresApproval: mp.RequiresApproval,
			Next:             edges,
		}
		p.predicate = pred
		phases = append(phases, p)
	}
	return NewModel(phases)
}

func (m *Manifest) resolvePredicate(name string) (ActivationPredicate, error) {
	if name == "" {
		return AlwaysTrue, nil
	}
	pred, ok := m.predicates[name]
	if !ok {
		return nil, fmt.Errorf("predicate %q is not registered", name)
	}
	return pred, nil
}
