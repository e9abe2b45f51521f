package status

import (
	"context"
	"fmt"
	"time"

	"goa.design/pipeline-core/internal/workflow"
)

// RegisterTask creates a new PENDING task entry. Only one task may be
// RUNNING at a time for a given (run, phase, agent_id) triple; callers are
// responsible for not registering a second concurrent attempt while one is
// in flight (the Coordinator enforces this by construction — it never
// dispatches a phase twice concurrently).
func (t *Tracker) RegisterTask(executionID, agentID string, phase workflow.PhaseID, attempt int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[executionID] = &Task{
		ExecutionID: executionID,
		AgentID:     agentID,
		Phase:       phase,
		Attempt:     attempt,
		State:       TaskPending,
	}
	t.appendLocked("task.started", agentID, executionID, map[string]any{
		"phase": string(phase), "attempt": attempt,
	})
	t.log.Debug(context.Background(), "status: task registered", "execution_id", executionID, "agent_id", agentID, "phase", string(phase), "attempt", attempt)
}

// UpdateTaskState transitions a task's state, rejecting any transition not
// present in the fixed state graph (PENDING->SCHEDULED->RUNNING->{COMPLETED,
// FAILED, TIMEOUT, CANCELLED}; RUNNING->RUNNING disallowed; terminal states
// are sinks).
func (t *Tracker) UpdateTaskState(ctx context.Context, executionID string, next TaskState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[executionID]
	if !ok {
		return fmt.Errorf("status: unknown execution %q", executionID)
	}
	legal := legalTaskTransitions[task.State]
	if !legal[next] {
		return &ErrIllegalTransition{ExecutionID: executionID, From: task.State, To: next}
	}
	prev := task.State
	task.State = next
	switch next {
	case TaskRunning:
		task.Start = time.Now()
	case TaskCompleted, TaskFailed, TaskTimeout, TaskCancelled:
		task.End = time.Now()
	}
	t.appendLocked("task.state_changed", task.AgentID, executionID, map[string]any{
		"from": string(prev), "to": string(next),
	})
	t.log.Debug(ctx, "status: task state changed", "execution_id", executionID, "agent_id", task.AgentID, "from", string(prev), "to", string(next))
	t.met.IncCounter("task.state_changed", 1, "to", string(next))
	return nil
}

// Task returns a copy of the tracked task state.
func (t *Tracker) Task(executionID string) (Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[executionID]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// RecordError appends an error.recorded event, stores err on the task, and
// increments the telemetry counter "error.recorded"; it does not change the
// run's Metrics counters. kind
// names the Decision Engine's ErrorKind classification for this failure
// (empty when the error predates classification, e.g. a loader error).
func (t *Tracker) RecordError(executionID string, err error, severity Severity, kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task := t.tasks[executionID]
	agentID := "unknown"
	if task != nil {
		agentID = task.AgentID
		task.Err = err
	}
	t.appendLocked("error.recorded", agentID, executionID, map[string]any{
		"error": err.Error(), "severity": string(severity), "kind": kind,
	})
	t.log.Warn(context.Background(), "status: error recorded", "execution_id", executionID, "agent_id", agentID,
		"severity", string(severity), "kind", kind, "error", err.Error())
	t.met.IncCounter("error.recorded", 1, "severity", string(severity), "kind", kind)
}

// IncRetries increments the run-level retry counter surfaced in Metrics.
func (t *Tracker) IncRetries() {
	t.mu.Lock()
	t.retries++
	total := t.retries
	t.mu.Unlock()
	t.log.Info(context.Background(), "status: retry recorded", "retries_total", total)
	t.met.IncCounter("retries_total", 1)
}

// IncDeadLetter increments the run-level dead-letter counter surfaced in
// Metrics.
func (t *Tracker) IncDeadLetter() {
	t.mu.Lock()
	t.deadLett++
	total := t.deadLett
	t.mu.Unlock()
	t.log.Warn(context.Background(), "status: dead letter recorded", "dead_letter_total", total)
	t.met.IncCounter("dead_letter_total", 1)
}
