package coordinator

import (
	"context"
	"fmt"
	"os"

	"goa.design/pipeline-core/internal/artifact"
	"goa.design/pipeline-core/internal/bus"
	"goa.design/pipeline-core/internal/collector"
	"goa.design/pipeline-core/internal/decision"
	"goa.design/pipeline-core/internal/status"
	"goa.design/pipeline-core/internal/transport"
	"goa.design/pipeline-core/internal/workflow"
)

// dispatchPhaseSync enqueues one MessageExecution for phase and blocks
// until the handler signals a terminal outcome (ActionProceed/ActionSkip,
// or a terminal failure after the Bus's own retry budget is exhausted), or
// ctx is cancelled. Retries are driven entirely by the Bus: the handler
// classifies each attempt and either returns a plain error (Bus retries
// with backoff) or a bus.Terminal error (Bus dead-letters immediately),
// never looping itself.
func (c *Coordinator) dispatchPhaseSync(ctx context.Context, p workflow.Phase, dec workflow.ArchitectureDecision) error {
	c.tracker.UpdatePhaseState(p.ID, workflow.PhaseScheduled, "")

	done := make(chan phaseOutcome, 1)
	msg := bus.NewMessage(p.ID, []string{p.AgentID}, bus.MessageExecution, bus.Priority(c.model.PriorityFor(p.ID)),
		phaseJob{phase: p.ID, inputs: inputsFor(p, dec), done: done}, c.maxRetries)

	if err := c.bus.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("coordinator: enqueue phase %q: %w", p.ID, err)
	}

	select {
	case outcome := <-done:
		return c.finishPhase(p, outcome)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// inputsFor assembles the invocation inputs for phase p. The sole
// behavioral input every phase's agent needs beyond its own prior
// artifacts is the architecture decision once it's known; phases before
// it receives the zero value, which is indistinguishable from "not yet
// decided" for an agent that doesn't consult it.
func inputsFor(p workflow.Phase, dec workflow.ArchitectureDecision) map[string]any {
	return map[string]any{
		"phase":               string(p.ID),
		"architectureDecision": dec,
	}
}

// finishPhase applies the approval gate (when the phase requires one) and
// turns a terminal phaseOutcome into the error dispatchPhaseSync returns,
// or nil on success.
func (c *Coordinator) finishPhase(p workflow.Phase, outcome phaseOutcome) error {
	if outcome.err != nil {
		return outcome.err
	}
	if outcome.verdict.Action == decision.ActionSkip {
		c.tracker.UpdatePhaseState(p.ID, workflow.PhaseSkipped, "")
		return nil
	}
	if c.model.RequiresApproval(p.ID) {
		return c.awaitApproval(p, outcome.artifactID)
	}
	return nil
}

// awaitApproval opens an APPROVAL_REQUEST for phase p's output, publishes
// it on the bus, and blocks on the ApprovalGater. A timeout is treated as
// a denial: the safer default when a reviewer never responds.
func (c *Coordinator) awaitApproval(p workflow.Phase, artifactID string) error {
	requestID := p.AgentID + ":" + artifactID
	if err := c.bus.Approvals().Register(context.Background(), requestID); err != nil {
		return fmt.Errorf("coordinator: register approval %q: %w", requestID, err)
	}

	req := bus.NewMessage(p.ID, nil, bus.MessageApprovalRequest, bus.PriorityHigh, map[string]any{
		"phase":       string(p.ID),
		"artifact_id": artifactID,
		"request_id":  requestID,
	}, 0)
	_ = c.bus.Enqueue(context.Background(), req)
	c.tracker.RecordEvent("approval.requested", p.AgentID, requestID, map[string]any{"phase": string(p.ID), "request_id": requestID})

	dec, err := c.bus.Approvals().Await(context.Background(), requestID, c.approvalTimeout)
	if err != nil {
		c.tracker.RecordEvent("approval.timeout", p.AgentID, requestID, map[string]any{"phase": string(p.ID)})
		return fmt.Errorf("coordinator: approval for phase %q: %w", p.ID, err)
	}
	if !dec.Approved {
		c.tracker.RecordEvent("approval.denied", p.AgentID, requestID, map[string]any{
			"phase": string(p.ID), "reason": dec.Reason, "by": dec.By,
		})
		return fmt.Errorf("coordinator: approval_rejected for phase %q by %s: %s", p.ID, dec.By, dec.Reason)
	}
	c.tracker.RecordEvent("approval.granted", p.AgentID, requestID, map[string]any{"phase": string(p.ID), "by": dec.By})
	return nil
}

// handleExecution is the single bus.Handler bound to MessageExecution: it
// performs the actual invocation, collection, and decision for one attempt
// of one phase. It never calls the phase's agent more than once per
// delivery — the Bus decides whether to call it again for a retry.
func (c *Coordinator) handleExecution(ctx context.Context, msg bus.Message) error {
	job, ok := msg.Payload.(phaseJob)
	if !ok {
		return &bus.Terminal{Err: fmt.Errorf("coordinator: malformed execution payload for phase %q", msg.FromPhase)}
	}

	p, err := c.model.Phase(job.phase)
	if err != nil {
		job.done <- phaseOutcome{err: err}
		return &bus.Terminal{Err: err}
	}

	attempt := msg.RetryCount + 1
	executionID := fmt.Sprintf("%s#%d", msg.MessageID, attempt)

	invoker, ok := c.agents.Lookup(p.AgentID)
	if !ok {
		missing := fmt.Errorf("%w: %q", ErrAgentNotRegistered, p.AgentID)
		c.tracker.RegisterTask(executionID, p.AgentID, p.ID, attempt)
		c.tracker.RecordError(executionID, missing, status.SeverityFatal, string(decision.KindAgentInternal))
		job.done <- phaseOutcome{err: missing}
		return &bus.Terminal{Err: missing}
	}

	c.tracker.RegisterTask(executionID, p.AgentID, p.ID, attempt)
	_ = c.tracker.UpdateTaskState(ctx, executionID, status.TaskScheduled)
	_ = c.tracker.UpdateTaskState(ctx, executionID, status.TaskRunning)
	c.tracker.UpdatePhaseState(p.ID, workflow.PhaseRunning, "")

	execCtx, release, err := c.builder.Build(p.AgentID, p.ID, attempt, job.inputs, nil)
	if err != nil {
		_ = c.tracker.UpdateTaskState(ctx, executionID, status.TaskFailed)
		job.done <- phaseOutcome{err: err}
		return &bus.Terminal{Err: err}
	}
	defer release()

	spanCtx, span := c.tracer.Start(ctx, "coordinator.invoke")
	result, invokeErr := invoker.Invoke(spanCtx, execCtx)
	if invokeErr != nil {
		span.RecordError(invokeErr)
	}
	span.End()

	out, collectErr := c.coll.Collect(result, execCtx)
	if collectErr != nil {
		_ = c.tracker.UpdateTaskState(ctx, executionID, status.TaskFailed)
		job.done <- phaseOutcome{err: collectErr}
		return &bus.Terminal{Err: collectErr}
	}

	effErr := invokeErr
	if effErr == nil && !result.Ok {
		effErr = result.TransportError
		if effErr != nil && decision.ClassifyError(effErr) == decision.KindUnknown {
			effErr = decision.WrapTransport(effErr)
		}
	}

	budget := decision.RetryBudget{Attempt: msg.RetryCount, MaxRetries: msg.MaxRetries}
	verdict := decision.Decide(out, effErr, c.schemas[p.ID], c.valid, budget)
	if effErr == nil && verdict.Kind == decision.KindSchemaInvalid {
		effErr = fmt.Errorf("schema validation failed: %v", verdict.ValidatorMsg)
	}

	_ = c.tracker.UpdateTaskState(ctx, executionID, taskStateFor(result, effErr))
	if effErr != nil {
		c.tracker.RecordError(executionID, effErr, severityFor(verdict.Action), string(verdict.Kind))
	}

	switch verdict.Action {
	case decision.ActionProceed, decision.ActionSkip:
		if out.Artifact != nil {
			id, putErr := c.store.Put(artifactBytesOf(out), artifactMetaFor(p))
			if putErr != nil {
				job.done <- phaseOutcome{err: putErr}
				return &bus.Terminal{Err: putErr}
			}
			c.tracker.RecordEvent("artifact.registered", p.AgentID, executionID, map[string]any{
				"phase": string(p.ID), "artifact_id": id,
			})
			verdict.ArtifactID = id
		}
		c.log.Info(ctx, "coordinator: phase attempt succeeded", "phase", string(p.ID), "execution_id", executionID, "attempt", attempt, "action", string(verdict.Action))
		job.done <- phaseOutcome{verdict: verdict, artifactID: verdict.ArtifactID}
		return nil
	case decision.ActionRetry:
		c.tracker.IncRetries()
		c.log.Warn(ctx, "coordinator: phase attempt failed, retrying", "phase", string(p.ID), "execution_id", executionID,
			"attempt", attempt, "kind", string(verdict.Kind), "error", orUnspecified(effErr).Error())
		err := fmt.Errorf("coordinator: phase %q attempt %d: %w", p.ID, attempt, orUnspecified(effErr))
		if verdict.Kind == decision.KindRateLimited {
			return &bus.RateLimited{Err: err}
		}
		return err
	default: // block, escalate
		c.log.Error(ctx, "coordinator: phase attempt terminal", "phase", string(p.ID), "execution_id", executionID,
			"attempt", attempt, "kind", string(verdict.Kind), "action", string(verdict.Action), "error", orUnspecified(effErr).Error())
		failure := fmt.Errorf("coordinator: phase %q %s: %w", p.ID, verdict.Action, orUnspecified(effErr))
		job.done <- phaseOutcome{verdict: verdict, err: failure}
		return &bus.Terminal{Err: failure}
	}
}

func orUnspecified(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("no artifact produced and no error reported")
}

func taskStateFor(result transport.Result, effErr error) status.TaskState {
	if result.Ok {
		return status.TaskCompleted
	}
	if effErr == transport.ErrTimeout {
		return status.TaskTimeout
	}
	return status.TaskFailed
}

func severityFor(action decision.NextAction) status.Severity {
	switch action {
	case decision.ActionBlock, decision.ActionEscalate:
		return status.SeverityFatal
	case decision.ActionRetry:
		return status.SeverityWarning
	default:
		return status.SeverityWarning
	}
}

// artifactBytesOf reads back the exact canonical bytes the Collector
// already wrote to out.ArtifactPath, so the Artifact Store's
// content-addressed id is computed over the identical bytes
// out.ArtifactHash names — the two never diverge.
func artifactBytesOf(out *collector.CollectedOutput) []byte {
	data, err := os.ReadFile(out.ArtifactPath)
	if err != nil {
		return nil
	}
	return data
}

func artifactMetaFor(p workflow.Phase) artifact.Metadata {
	return artifact.Metadata{
		Kind:      string(p.Category),
		Version:   "0.1.0",
		Name:      string(p.ID),
		CreatedBy: p.AgentID,
	}
}

// handleBusError records a dead-lettered message into the status event
// log and dead-letter counter.
func (c *Coordinator) handleBusError(ctx context.Context, msg bus.Message) error {
	c.tracker.IncDeadLetter()
	c.tracker.RecordEvent("bus.dead_letter", "bus", msg.MessageID, map[string]any{
		"from_phase": string(msg.FromPhase),
	})
	c.log.Error(ctx, "coordinator: message dead-lettered", "message_id", msg.MessageID, "from_phase", string(msg.FromPhase))
	return nil
}
