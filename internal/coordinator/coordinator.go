// Package coordinator implements the Coordinator: the thin driver that
// owns one workflow.Model, one bus.Bus, one status.Tracker, and one
// artifact.Store for the lifetime of a single Run. It evaluates phase
// readiness, dispatches independent ready conditional phases
// concurrently, gates on approvals, and drives the run to a terminal
// status.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/pipeline-core/internal/artifact"
	"goa.design/pipeline-core/internal/bus"
	"goa.design/pipeline-core/internal/collector"
	"goa.design/pipeline-core/internal/decision"
	"goa.design/pipeline-core/internal/exectx"
	"goa.design/pipeline-core/internal/status"
	"goa.design/pipeline-core/internal/telemetry"
	"goa.design/pipeline-core/internal/transport"
	"goa.design/pipeline-core/internal/workflow"
)

// AgentRegistry resolves a phase's agent_id to the Invoker that runs it.
type AgentRegistry struct {
	mu      sync.RWMutex
	invokers map[string]transport.Invoker
}

// NewAgentRegistry returns an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{invokers: make(map[string]transport.Invoker)}
}

// Register binds agentID to invoker. A second Register for the same id
// replaces the binding, so tests can swap in a fake invoker.
func (r *AgentRegistry) Register(agentID string, invoker transport.Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[agentID] = invoker
}

// Lookup returns the invoker bound to agentID.
func (r *AgentRegistry) Lookup(agentID string) (transport.Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.invokers[agentID]
	return i, ok
}

// ErrAgentNotRegistered is returned when a phase names an agent_id with no
// bound Invoker.
var ErrAgentNotRegistered = fmt.Errorf("coordinator: agent not registered")

// Request parametrizes one Run.
type Request struct {
	PlanID string
	Inputs map[string]any

	// RunID, when set, is used as the run's identity instead of a
	// freshly generated uuid. Callers that need the run id before
	// Run starts — to join a Redis-backed Bus's per-run approvals map,
	// for instance — generate it themselves and pass it through here.
	RunID string
}

// Coordinator drives one Run's execution per spec.md §4.9.
type Coordinator struct {
	model   *workflow.Model
	bus     bus.Bus
	tracker *status.Tracker
	store   artifact.Store
	builder *exectx.Builder
	coll    *collector.Collector
	valid   decision.Validator
	agents  *AgentRegistry

	schemas map[workflow.PhaseID]string

	maxRetries      int
	approvalTimeout time.Duration

	log    telemetry.Logger
	tracer telemetry.Tracer
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

func WithMaxRetries(n int) Option         { return func(c *Coordinator) { c.maxRetries = n } }
func WithApprovalTimeout(d time.Duration) Option { return func(c *Coordinator) { c.approvalTimeout = d } }
func WithLogger(log telemetry.Logger) Option     { return func(c *Coordinator) { c.log = log } }
func WithTracer(tracer telemetry.Tracer) Option  { return func(c *Coordinator) { c.tracer = tracer } }
func WithValidator(v decision.Validator) Option  { return func(c *Coordinator) { c.valid = v } }

// WithSchema registers the schema id validated against phase's output
// artifact. A phase with no registered schema is never validated.
func WithSchema(phase workflow.PhaseID, schemaID string) Option {
	return func(c *Coordinator) { c.schemas[phase] = schemaID }
}

// New constructs a Coordinator bound to model, bus, a fresh Tracker backed
// by log/met, store, builder, coll, and agents.
func New(model *workflow.Model, b bus.Bus, tracker *status.Tracker, store artifact.Store,
	builder *exectx.Builder, coll *collector.Collector, agents *AgentRegistry, opts ...Option) *Coordinator {
	c := &Coordinator{
		model:           model,
		bus:             b,
		tracker:         tracker,
		store:           store,
		builder:         builder,
		coll:            coll,
		agents:          agents,
		schemas:         make(map[workflow.PhaseID]string),
		maxRetries:      3,
		approvalTimeout: 10 * time.Minute,
		log:             telemetry.NewNoopLogger(),
		tracer:          telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// phaseJob is the Payload carried by a MessageExecution, naming the phase
// to run and the channel the handler signals its terminal outcome on. The
// channel survives Bus-driven retries because the Bus re-enqueues the same
// Message value — Payload, and the channel reference inside it, is
// untouched by a retry.
type phaseJob struct {
	phase  workflow.PhaseID
	inputs map[string]any
	done   chan phaseOutcome
}

type phaseOutcome struct {
	verdict    decision.Verdict
	artifactID string
	err        error
}

// Run executes the full workflow for one Run: orchestration and
// architecture phases strictly in sequence, then every activated
// conditional implementation phase concurrently. It returns the run's
// frozen Snapshot once a terminal status is reached, and a non-nil error
// only when the run could not even start (e.g. a phase names an
// unregistered agent before any work happened).
func (c *Coordinator) Run(ctx context.Context, req Request) (status.Snapshot, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	phases := c.model.Phases()
	c.tracker.StartRun(ctx, runID, req.PlanID, phases)
	c.log.Info(ctx, "coordinator: run starting", "run_id", runID, "plan_id", req.PlanID, "phases", len(phases))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c.bus.Subscribe(bus.MessageExecution, c.handleExecution)
	c.bus.Subscribe(bus.MessageError, c.handleBusError)
	c.bus.Subscribe(bus.MessageHandoff, c.handleHandoff)

	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		_ = c.bus.Run(runCtx)
	}()
	defer func() {
		cancel(nil)
		<-busDone
	}()

	var archDecision workflow.ArchitectureDecision
	failed := false

	for _, p := range phases {
		if p.Category == workflow.CategoryImplementation {
			continue // dispatched below, once the architecture decision is known
		}
		if err := c.dispatchPhaseSync(runCtx, p, archDecision); err != nil {
			c.tracker.UpdatePhaseState(p.ID, workflow.PhaseFailed, err.Error())
			failed = true
			break
		}
		c.tracker.UpdatePhaseState(p.ID, workflow.PhaseCompleted, "")
		if p.ID == archDecisionPhase(phases) {
			dec, err := c.loadArchitectureDecision(p.ID)
			if err != nil {
				c.tracker.RecordError(string(p.ID), err, status.SeverityError, "")
				failed = true
				break
			}
			archDecision = dec
		}
		// Handed off using archDecision as of this point, so the
		// architecture-deciding phase's own handoff is evaluated against
		// the decision it just produced rather than a stale zero value.
		if err := c.handoffToNext(runCtx, p, archDecision); err != nil {
			c.tracker.RecordError(string(p.ID), err, status.SeverityFatal, string(decision.KindDisallowedTransition))
			failed = true
			break
		}
	}

	if !failed {
		c.runConditionalPhases(runCtx, phases, archDecision)
	}
	// Stop the bus and wait for its workers, so a dead letter raised by the
	// last failed attempt is counted before the snapshot is taken.
	cancel(nil)
	<-busDone
	c.skipRemainingPending(phases)

	final := status.RunSucceeded
	if failed {
		final = status.RunFailed
	} else if c.anyPhaseFailed() {
		final = status.RunPartial
	}
	c.tracker.FinishRun(final)
	c.log.Info(ctx, "coordinator: run finished", "run_id", runID, "status", string(final))
	return c.tracker.Snapshot(), nil
}

// archDecisionPhase returns the id of the last architecture-category phase
// in declaration order — the point past which conditional activation
// begins, per workflow.Model.LastOrchestrationNumber's sibling concept for
// the architecture category.
func archDecisionPhase(phases []workflow.Phase) workflow.PhaseID {
	var last workflow.PhaseID
	for _, p := range phases {
		if p.Category == workflow.CategoryArchitecture {
			last = p.ID
		}
	}
	return last
}

func (c *Coordinator) anyPhaseFailed() bool {
	snap := c.tracker.Snapshot()
	for _, ps := range snap.Phases {
		if ps.Status == workflow.PhaseFailed {
			return true
		}
	}
	return false
}

// loadArchitectureDecision reads back the artifact produced by phase and
// decodes it as an ArchitectureDecision. It relies on the task registered
// for that phase's last attempt to find the artifact id, via the tracker's
// event log rather than a side channel.
func (c *Coordinator) loadArchitectureDecision(phase workflow.PhaseID) (workflow.ArchitectureDecision, error) {
	id, ok := c.lastArtifactForPhase(phase)
	if !ok {
		return workflow.ArchitectureDecision{}, fmt.Errorf("coordinator: no artifact recorded for phase %q", phase)
	}
	data, err := c.store.Get(id)
	if err != nil {
		return workflow.ArchitectureDecision{}, fmt.Errorf("coordinator: load architecture decision: %w", err)
	}
	return decodeArchitectureDecision(data)
}

func (c *Coordinator) lastArtifactForPhase(phase workflow.PhaseID) (string, bool) {
	snap := c.tracker.Snapshot()
	var id string
	var found bool
	for i := range snap.Events {
		e := snap.Events[i]
		if e.Type != "artifact.registered" {
			continue
		}
		if e.Attrs["phase"] == string(phase) {
			if v, ok := e.Attrs["artifact_id"].(string); ok {
				id = v
				found = true
			}
		}
	}
	return id, found
}

// handoffToNext publishes a MessageHandoff to every phase the Workflow
// Model says follows p, given dec. The Bus rejects one whose (from, to)
// pair isn't a real edge with a *bus.DisallowedTransitionError, which
// handoffToNext returns unwrapped so the caller can treat it as fatal per
// spec.md §7's DisallowedTransition path.
func (c *Coordinator) handoffToNext(ctx context.Context, p workflow.Phase, dec workflow.ArchitectureDecision) error {
	next, err := c.model.NextPhases(p.ID, dec)
	if err != nil {
		return nil
	}
	for _, n := range next {
		msg := bus.NewHandoff(p.ID, n.ID, bus.Priority(c.model.PriorityFor(n.ID)), c.maxRetries)
		if err := c.bus.Enqueue(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// handleHandoff is the bus.Handler bound to MessageHandoff: it records the
// handoff.completed event spec.md §4.2 names, once the Bus has validated
// and routed the message.
func (c *Coordinator) handleHandoff(ctx context.Context, msg bus.Message) error {
	c.tracker.RecordEvent("handoff.completed", "coordinator", msg.MessageID, map[string]any{
		"from_phase": string(msg.FromPhase),
		"to_phase":   string(msg.ToPhase),
	})
	return nil
}

// skipRemainingPending marks every phase still PENDING or SCHEDULED when
// the run reaches its terminal point as SKIPPED, satisfying spec.md §4.9's
// termination condition that every phase end in {COMPLETED, SKIPPED,
// FAILED}.
func (c *Coordinator) skipRemainingPending(phases []workflow.Phase) {
	snap := c.tracker.Snapshot()
	for _, p := range phases {
		ps, ok := snap.Phases[p.ID]
		if !ok {
			continue
		}
		if ps.Status == workflow.PhasePending || ps.Status == workflow.PhaseScheduled {
			c.tracker.UpdatePhaseState(p.ID, workflow.PhaseSkipped, "run ended before phase started")
		}
	}
}
