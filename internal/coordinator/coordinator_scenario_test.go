package coordinator_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pipeline-core/internal/artifact"
	"goa.design/pipeline-core/internal/bus"
	"goa.design/pipeline-core/internal/bus/memory"
	"goa.design/pipeline-core/internal/collector"
	"goa.design/pipeline-core/internal/coordinator"
	"goa.design/pipeline-core/internal/decision"
	"goa.design/pipeline-core/internal/exectx"
	"goa.design/pipeline-core/internal/report"
	"goa.design/pipeline-core/internal/status"
	"goa.design/pipeline-core/internal/telemetry"
	"goa.design/pipeline-core/internal/transport"
	"goa.design/pipeline-core/internal/transport/inprocess"
	"goa.design/pipeline-core/internal/workflow"
)

// linearModel builds a small orchestration-only Model — phases 0..3 each
// depend only on the previous one — standing in for S-A's "phases 0..7
// each succeed on first attempt with empty conditional predicates" at a
// size a unit test can run quickly.
func linearModel(t *testing.T) *workflow.Model {
	t.Helper()
	phases := []workflow.Phase{
		{ID: "intake", Number: 0, AgentID: "agent.intake", Category: workflow.CategoryOrchestration,
			Next: []workflow.Edge{{To: "analysis", Condition: workflow.AlwaysTrue}}},
		{ID: "analysis", Number: 1, AgentID: "agent.analysis", Category: workflow.CategoryOrchestration,
			Next: []workflow.Edge{{To: "planning", Condition: workflow.AlwaysTrue}}},
		{ID: "planning", Number: 2, AgentID: "agent.planning", Category: workflow.CategoryOrchestration,
			Next: []workflow.Edge{{To: "scaffold", Condition: workflow.AlwaysTrue}}},
		{ID: "scaffold", Number: 3, AgentID: "agent.scaffold", Category: workflow.CategoryOrchestration},
	}
	m, err := workflow.NewModel(phases)
	require.NoError(t, err)
	return m
}

// echoInvoker returns an Invoker whose agent always succeeds, producing a
// trivial artifact payload — enough for the Coordinator to record an
// artifact and proceed, without exercising any real domain logic.
func echoInvoker() *inprocess.Invoker {
	return inprocess.New(func(_ context.Context, execCtx *exectx.ExecutionContext) (map[string]any, error) {
		return map[string]any{"phase": string(execCtx.Phase), "ok": true}, nil
	})
}

func newTestCoordinator(t *testing.T, model *workflow.Model) *coordinator.Coordinator {
	t.Helper()
	b := memory.New(memory.WithWorkers(4), memory.WithQueueSize(64), memory.WithWorkflowModel(model))
	tracker := status.NewTracker(telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	store := artifact.NewFSStore(t.TempDir())
	builder := exectx.NewBuilder(t.TempDir(), 5_000, 256)
	coll := collector.New(1 << 20)

	agents := coordinator.NewAgentRegistry()
	for _, p := range model.Phases() {
		agents.Register(p.AgentID, echoInvoker())
	}

	return coordinator.New(model, b, tracker, store, builder, coll, agents,
		coordinator.WithMaxRetries(2), coordinator.WithApprovalTimeout(time.Second))
}

// TestScenarioLinearHappyPath mirrors S-A: every phase succeeds on its
// first attempt and the run reaches SUCCEEDED with every phase COMPLETED.
func TestScenarioLinearHappyPath(t *testing.T) {
	model := linearModel(t)
	c := newTestCoordinator(t, model)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := c.Run(ctx, coordinator.Request{PlanID: "plan-s-a"})
	require.NoError(t, err)

	assert.Equal(t, status.RunSucceeded, snap.Status)
	for _, p := range model.Phases() {
		ps, ok := snap.Phases[p.ID]
		require.True(t, ok, "phase %s missing from snapshot", p.ID)
		assert.Equal(t, workflow.PhaseCompleted, ps.Status, "phase %s", p.ID)
	}

	var started, completed, handoffs int
	for _, e := range snap.Events {
		switch e.Type {
		case "phase.started":
			started++
		case "phase.completed":
			completed++
		case "handoff.completed":
			handoffs++
		}
	}
	assert.Equal(t, len(model.Phases()), started, "every phase should have entered RUNNING once")
	assert.Equal(t, len(model.Phases()), completed, "every phase should have emitted phase.completed")
	assert.Equal(t, len(model.Phases())-1, handoffs, "every edge but the last phase's should have handed off")
}

// failingInvoker always reports a transport error, exhausting the retry
// budget and dead-lettering.
func failingInvoker() *inprocess.Invoker {
	return inprocess.New(func(_ context.Context, _ *exectx.ExecutionContext) (map[string]any, error) {
		return nil, transport.ErrTimeout
	})
}

// TestScenarioOrchestrationPhaseNeverSucceeds is a regression check
// (distinct from the S-D branching scenario below): an orchestration phase
// whose agent never succeeds exhausts its retry budget and fails the run,
// with every phase past it left unreached.
func TestScenarioOrchestrationPhaseNeverSucceeds(t *testing.T) {
	model := linearModel(t)

	agents := coordinator.NewAgentRegistry()
	for _, p := range model.Phases() {
		if p.ID == "planning" {
			agents.Register(p.AgentID, failingInvoker())
			continue
		}
		agents.Register(p.AgentID, echoInvoker())
	}

	b := memory.New(memory.WithWorkers(2), memory.WithRetryPolicy(bus.RetryPolicy{
		Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond,
	}), memory.WithWorkflowModel(model))
	tracker := status.NewTracker(telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	store := artifact.NewFSStore(t.TempDir())
	builder := exectx.NewBuilder(t.TempDir(), 1_000, 64)
	coll := collector.New(1 << 20)

	c := coordinator.New(model, b, tracker, store, builder, coll, agents,
		coordinator.WithMaxRetries(1), coordinator.WithApprovalTimeout(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := c.Run(ctx, coordinator.Request{PlanID: "plan-orchestration-stall"})
	require.NoError(t, err)

	assert.Equal(t, status.RunFailed, snap.Status)
	assert.Equal(t, workflow.PhaseCompleted, snap.Phases["intake"].Status)
	assert.Equal(t, workflow.PhaseCompleted, snap.Phases["analysis"].Status)
	assert.Equal(t, workflow.PhaseFailed, snap.Phases["planning"].Status)
	assert.Equal(t, workflow.PhaseSkipped, snap.Phases["scaffold"].Status)
}

// flakyInvoker fails every attempt up to and including failUntilAttempt,
// then succeeds — standing in for S-B's "phase 3 fails once, retries, then
// succeeds" scenario.
func flakyInvoker(failUntilAttempt int) *inprocess.Invoker {
	var attempt int32
	return inprocess.New(func(_ context.Context, execCtx *exectx.ExecutionContext) (map[string]any, error) {
		n := atomic.AddInt32(&attempt, 1)
		if int(n) <= failUntilAttempt {
			return nil, transport.ErrTimeout
		}
		return map[string]any{"phase": string(execCtx.Phase), "ok": true}, nil
	})
}

// rateLimitedInvoker fails the first failUntilAttempt attempts with a
// RATE_LIMITED condition before succeeding, standing in for an agent
// fronted by a provider that returns 429 until its quota resets.
func rateLimitedInvoker(failUntilAttempt int) *inprocess.Invoker {
	var attempt int32
	return inprocess.New(func(_ context.Context, execCtx *exectx.ExecutionContext) (map[string]any, error) {
		n := atomic.AddInt32(&attempt, 1)
		if int(n) <= failUntilAttempt {
			return nil, decision.WrapRateLimited(errors.New("429 rate limited"))
		}
		return map[string]any{"phase": string(execCtx.Phase), "ok": true}, nil
	})
}

// TestScenarioRateLimitedRetryEscalatesBackoff mirrors spec.md §4.7's
// RATE_LIMITED case: a 429-equivalent failure still retries within budget,
// but the Coordinator tags the failure so the Bus applies its larger,
// rate-limited backoff schedule rather than the plain one a TIMEOUT or
// TRANSPORT failure gets.
func TestScenarioRateLimitedRetryEscalatesBackoff(t *testing.T) {
	model := linearModel(t)

	agents := coordinator.NewAgentRegistry()
	for _, p := range model.Phases() {
		if p.ID == "analysis" {
			agents.Register(p.AgentID, rateLimitedInvoker(1))
			continue
		}
		agents.Register(p.AgentID, echoInvoker())
	}

	policy := bus.RetryPolicy{Base: 20 * time.Millisecond, Cap: time.Second}
	b := memory.New(memory.WithWorkers(2), memory.WithRetryPolicy(policy), memory.WithWorkflowModel(model))
	tracker := status.NewTracker(telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	store := artifact.NewFSStore(t.TempDir())
	builder := exectx.NewBuilder(t.TempDir(), 1_000, 64)
	coll := collector.New(1 << 20)

	c := coordinator.New(model, b, tracker, store, builder, coll, agents,
		coordinator.WithMaxRetries(2), coordinator.WithApprovalTimeout(time.Second))

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := c.Run(ctx, coordinator.Request{PlanID: "plan-rate-limited"})
	require.NoError(t, err)

	assert.Equal(t, status.RunSucceeded, snap.Status)
	assert.GreaterOrEqual(t, time.Since(start), bus.RateLimitedBackoffFor(policy, 1))

	var sawRateLimited bool
	for _, e := range snap.Events {
		if e.Type == "error.recorded" && e.Attrs["kind"] == string(decision.KindRateLimited) {
			sawRateLimited = true
		}
	}
	assert.True(t, sawRateLimited, "expected a rate_limited error.recorded event")
}

// TestScenarioRetryThenSuccess mirrors S-B: an orchestration phase's agent
// fails its first attempt and succeeds on its second (within the configured
// retry budget), so the run still reaches SUCCEEDED with that phase's task
// attempts totaling 2.
func TestScenarioRetryThenSuccess(t *testing.T) {
	model := linearModel(t)

	agents := coordinator.NewAgentRegistry()
	for _, p := range model.Phases() {
		if p.ID == "analysis" {
			agents.Register(p.AgentID, flakyInvoker(1))
			continue
		}
		agents.Register(p.AgentID, echoInvoker())
	}

	b := memory.New(memory.WithWorkers(2), memory.WithRetryPolicy(bus.RetryPolicy{
		Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond,
	}), memory.WithWorkflowModel(model))
	tracker := status.NewTracker(telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	store := artifact.NewFSStore(t.TempDir())
	builder := exectx.NewBuilder(t.TempDir(), 1_000, 64)
	coll := collector.New(1 << 20)

	c := coordinator.New(model, b, tracker, store, builder, coll, agents,
		coordinator.WithMaxRetries(2), coordinator.WithApprovalTimeout(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := c.Run(ctx, coordinator.Request{PlanID: "plan-s-b"})
	require.NoError(t, err)

	assert.Equal(t, status.RunSucceeded, snap.Status)
	assert.Equal(t, workflow.PhaseCompleted, snap.Phases["analysis"].Status)

	attempts := 0
	for _, task := range snap.Tasks {
		if task.Phase == "analysis" {
			attempts++
		}
	}
	assert.Equal(t, 2, attempts, "phase should have been attempted exactly twice")
	assert.GreaterOrEqual(t, snap.Metrics.RetriesTotal, 1)
}

// schemaFailingInvoker produces an artifact that never satisfies the
// registered schema, standing in for S-C's "phase 2's output fails schema
// validation" scenario — a SCHEMA_INVALID verdict has zero retry budget
// regardless of max_retries, so the run fails after exactly one attempt.
func schemaFailingInvoker() *inprocess.Invoker {
	return inprocess.New(func(_ context.Context, _ *exectx.ExecutionContext) (map[string]any, error) {
		return map[string]any{"unexpected": "shape"}, nil
	})
}

const requiredFieldSchema = `{
	"type": "object",
	"required": ["ok"],
	"properties": {"ok": {"type": "boolean"}}
}`

// TestScenarioSchemaInvalidFatal mirrors S-C: phase 2's artifact fails its
// declared schema, which the Result Handler escalates immediately — no
// retry is attempted — and the error report names the phase with kind
// SchemaInvalid.
func TestScenarioSchemaInvalidFatal(t *testing.T) {
	model := linearModel(t)

	agents := coordinator.NewAgentRegistry()
	for _, p := range model.Phases() {
		if p.ID == "analysis" {
			agents.Register(p.AgentID, schemaFailingInvoker())
			continue
		}
		agents.Register(p.AgentID, echoInvoker())
	}

	validator := decision.NewJSONSchemaValidator()
	require.NoError(t, validator.Register("analysis-output", []byte(requiredFieldSchema)))

	b := memory.New(memory.WithWorkers(2), memory.WithWorkflowModel(model))
	tracker := status.NewTracker(telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	store := artifact.NewFSStore(t.TempDir())
	builder := exectx.NewBuilder(t.TempDir(), 1_000, 64)
	coll := collector.New(1 << 20)

	c := coordinator.New(model, b, tracker, store, builder, coll, agents,
		coordinator.WithMaxRetries(3), coordinator.WithApprovalTimeout(time.Second),
		coordinator.WithValidator(validator), coordinator.WithSchema("analysis", "analysis-output"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := c.Run(ctx, coordinator.Request{PlanID: "plan-s-c"})
	require.NoError(t, err)

	assert.Equal(t, status.RunFailed, snap.Status)
	assert.Equal(t, workflow.PhaseFailed, snap.Phases["analysis"].Status)

	attempts := 0
	for _, task := range snap.Tasks {
		if task.Phase == "analysis" {
			attempts++
		}
	}
	assert.Equal(t, 1, attempts, "schema-invalid gets zero retry budget")

	errs := report.Error(snap)
	var found bool
	for _, e := range errs.Errors {
		if e.Phase == "analysis" {
			assert.Equal(t, string(decision.KindSchemaInvalid), e.Kind)
			found = true
		}
	}
	assert.True(t, found, "expected an error.recorded entry for phase analysis")
}

// branchingModel routes through a real workflow.Manifest so per-phase
// activation predicates are actually bound (a raw workflow.Phase{} literal
// built outside the workflow package can't set the unexported predicate
// field), exercising the conditional branch/mutex/parallel fan-out S-D
// describes: architecture decides platform=azure, frontend=react, and two
// implementation phases (one mutex pair, one independent) activate.
func branchingModel(t *testing.T) *workflow.Model {
	t.Helper()
	const manifestYAML = `
phases:
  - id: intake
    number: 0
    agent_id: agent.intake
    category: orchestration
    next: [{to: architecture-platform}]
  - id: architecture-platform
    number: 1
    agent_id: agent.architect
    category: architecture
    next: [{to: frontend-react}, {to: frontend-none}, {to: reporting}]
  - id: frontend-react
    number: 2
    agent_id: agent.frontend
    category: implementation
    mutex_group: frontend
    predicate: frontend.react
  - id: frontend-none
    number: 2
    agent_id: agent.noop
    category: implementation
    mutex_group: frontend
    predicate: frontend.none
  - id: reporting
    number: 3
    agent_id: agent.report
    category: implementation
    parallel_class: reporting
`
	m, err := workflow.LoadManifest(strings.NewReader(manifestYAML))
	require.NoError(t, err)
	workflow.RegisterDefaultPredicates(m)
	model, err := m.Build()
	require.NoError(t, err)
	return model
}

// TestScenarioConditionalBranchFanOut mirrors S-D: the architecture
// decision selects the "react" branch of a mutex group and activates an
// independent parallel-class phase alongside it, while the mutex group's
// other member is SKIPPED.
func TestScenarioConditionalBranchFanOut(t *testing.T) {
	model := branchingModel(t)

	agents := coordinator.NewAgentRegistry()
	agents.Register("agent.intake", echoInvoker())
	agents.Register("agent.report", echoInvoker())
	agents.Register("agent.frontend", echoInvoker())
	agents.Register("agent.noop", echoInvoker())
	agents.Register("agent.architect", inprocess.New(func(_ context.Context, _ *exectx.ExecutionContext) (map[string]any, error) {
		return map[string]any{
			"platform": "azure", "frontend": "react", "backend": "none",
			"database": "postgres", "ci_cd": "github",
			"iac_required": false, "containerization_required": false,
		}, nil
	}))

	b := memory.New(memory.WithWorkers(4), memory.WithWorkflowModel(model))
	tracker := status.NewTracker(telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	store := artifact.NewFSStore(t.TempDir())
	builder := exectx.NewBuilder(t.TempDir(), 1_000, 64)
	coll := collector.New(1 << 20)

	c := coordinator.New(model, b, tracker, store, builder, coll, agents,
		coordinator.WithMaxRetries(1), coordinator.WithApprovalTimeout(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := c.Run(ctx, coordinator.Request{PlanID: "plan-s-d"})
	require.NoError(t, err)

	assert.Equal(t, status.RunSucceeded, snap.Status)
	assert.Equal(t, workflow.PhaseCompleted, snap.Phases["frontend-react"].Status)
	assert.Equal(t, workflow.PhaseSkipped, snap.Phases["frontend-none"].Status)
	assert.Equal(t, workflow.PhaseCompleted, snap.Phases["reporting"].Status)
}

// TestScenarioApprovalRejected mirrors S-E: an orchestration phase requires
// approval; the reviewer rejects it, which fails that phase and the run,
// leaving every downstream phase SKIPPED.
func TestScenarioApprovalRejected(t *testing.T) {
	phases := []workflow.Phase{
		{ID: "intake", Number: 0, AgentID: "agent.intake", Category: workflow.CategoryOrchestration,
			Next: []workflow.Edge{{To: "design", Condition: workflow.AlwaysTrue}}},
		{ID: "design", Number: 1, AgentID: "agent.design", Category: workflow.CategoryOrchestration,
			RequiresApproval: true,
			Next:             []workflow.Edge{{To: "build", Condition: workflow.AlwaysTrue}}},
		{ID: "build", Number: 2, AgentID: "agent.build", Category: workflow.CategoryOrchestration,
			Next: []workflow.Edge{{To: "ship", Condition: workflow.AlwaysTrue}}},
		{ID: "ship", Number: 3, AgentID: "agent.ship", Category: workflow.CategoryOrchestration},
	}
	model, err := workflow.NewModel(phases)
	require.NoError(t, err)

	b := memory.New(memory.WithWorkers(4), memory.WithWorkflowModel(model))
	tracker := status.NewTracker(telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	store := artifact.NewFSStore(t.TempDir())
	builder := exectx.NewBuilder(t.TempDir(), 1_000, 64)
	coll := collector.New(1 << 20)

	agents := coordinator.NewAgentRegistry()
	for _, p := range model.Phases() {
		agents.Register(p.AgentID, echoInvoker())
	}

	c := coordinator.New(model, b, tracker, store, builder, coll, agents,
		coordinator.WithMaxRetries(1), coordinator.WithApprovalTimeout(2*time.Second))

	go func() {
		for i := 0; i < 400; i++ {
			for _, e := range tracker.Snapshot().Events {
				if e.Type == "approval.requested" {
					if reqID, ok := e.Attrs["request_id"].(string); ok {
						_, _ = b.Approvals().Decide(context.Background(), reqID, bus.ApprovalDecision{
							Approved: false, Reason: "needs rework", By: "reviewer",
						})
						return
					}
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := c.Run(ctx, coordinator.Request{PlanID: "plan-s-e"})
	require.NoError(t, err)

	assert.Equal(t, status.RunFailed, snap.Status)
	assert.Equal(t, workflow.PhaseCompleted, snap.Phases["intake"].Status)
	assert.Equal(t, workflow.PhaseFailed, snap.Phases["design"].Status)
	assert.Contains(t, snap.Phases["design"].Reason, "approval_rejected")
	assert.Equal(t, workflow.PhaseSkipped, snap.Phases["build"].Status)
	assert.Equal(t, workflow.PhaseSkipped, snap.Phases["ship"].Status)
}

// TestScenarioDeadLetterEscalation mirrors S-F: an orchestration phase's
// transport repeatedly errors until the retry budget is exhausted, landing
// exactly one message in the DLQ with retry_count == max_retries+1 and
// incrementing the dead-letter metric exactly once.
func TestScenarioDeadLetterEscalation(t *testing.T) {
	model := linearModel(t)

	agents := coordinator.NewAgentRegistry()
	for _, p := range model.Phases() {
		if p.ID == "analysis" {
			agents.Register(p.AgentID, failingInvoker())
			continue
		}
		agents.Register(p.AgentID, echoInvoker())
	}

	b := memory.New(memory.WithWorkers(2), memory.WithRetryPolicy(bus.RetryPolicy{
		Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond,
	}), memory.WithWorkflowModel(model))
	tracker := status.NewTracker(telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	store := artifact.NewFSStore(t.TempDir())
	builder := exectx.NewBuilder(t.TempDir(), 1_000, 64)
	coll := collector.New(1 << 20)

	c := coordinator.New(model, b, tracker, store, builder, coll, agents,
		coordinator.WithMaxRetries(2), coordinator.WithApprovalTimeout(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := c.Run(ctx, coordinator.Request{PlanID: "plan-s-f"})
	require.NoError(t, err)

	assert.Equal(t, status.RunFailed, snap.Status)
	assert.Equal(t, workflow.PhaseFailed, snap.Phases["analysis"].Status)
	assert.Equal(t, 1, snap.Metrics.DeadLetterTotal)

	dead := b.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Message.RetryCount)
}
