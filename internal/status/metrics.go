package status

import (
	"context"
	"sort"
	"time"

	"goa.design/pipeline-core/internal/workflow"
)

// Metrics computes a point-in-time aggregation over the run's tasks and
// phases: counts by state, duration percentiles over completed tasks, the
// overall success rate, and the retry/dead-letter totals accumulated via
// IncRetries/IncDeadLetter.
func (t *Tracker) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := Metrics{
		CountByTaskState: make(map[TaskState]int),
		CountByPhase:     make(map[workflow.PhaseStatus]int),
		RetriesTotal:     t.retries,
		DeadLetterTotal:  t.deadLett,
	}

	var durationsMs []float64
	var completed, terminal int
	for _, task := range t.tasks {
		m.CountByTaskState[task.State]++
		if task.State.IsTerminal() {
			terminal++
			if task.State == TaskCompleted {
				completed++
			}
			if !task.Start.IsZero() && !task.End.IsZero() {
				durationsMs = append(durationsMs, float64(task.End.Sub(task.Start))/float64(time.Millisecond))
			}
		}
	}
	for _, ps := range t.phases {
		m.CountByPhase[ps.Status]++
	}
	if terminal > 0 {
		m.SuccessRate = float64(completed) / float64(terminal)
	}

	sort.Float64s(durationsMs)
	m.P50Ms = percentile(durationsMs, 0.50)
	m.P90Ms = percentile(durationsMs, 0.90)
	m.P99Ms = percentile(durationsMs, 0.99)

	return m
}

// percentile returns the p-th percentile (0..1) of a sorted, non-empty-or-
// empty slice using linear interpolation between the two closest ranks.
// Returns 0 for an empty input.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	idx := p * float64(n-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Snapshot freezes the tracker's full state for use by the Report Generator
// once a run reaches a terminal status.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	phases := make(map[workflow.PhaseID]PhaseState, len(t.phases))
	for id, ps := range t.phases {
		phases[id] = *ps
	}
	tasks := make(map[string]Task, len(t.tasks))
	for id, task := range t.tasks {
		tasks[id] = *task
	}
	events := make([]Event, len(t.events))
	copy(events, t.events)
	snap := Snapshot{
		RunID:  t.runID,
		PlanID: t.planID,
		Status: t.status,
		Start:  t.start,
		End:    t.end,
		Phases: phases,
		Tasks:  tasks,
		Events: events,
	}
	t.mu.Unlock()
	snap.Metrics = t.Metrics()
	return snap
}

// UpdatePhaseState transitions a phase's tracked status, recording
// phase.started on entry to RUNNING and phase.completed on entry to
// COMPLETED — the two event names spec.md §4.2 names explicitly and S-A's
// scenario asserts counts for. Any other transition (SCHEDULED, FAILED,
// SKIPPED) records the generic phase.state_changed event. Unlike task
// transitions this is not validated against a fixed graph here — the
// Coordinator is the sole caller and only ever drives phases forward
// through the states the Workflow Model allows.
func (t *Tracker) UpdatePhaseState(id workflow.PhaseID, status workflow.PhaseStatus, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.phases[id]
	if !ok {
		return
	}
	prev := ps.Status
	ps.Status = status
	ps.Reason = reason
	switch status {
	case workflow.PhaseRunning:
		if ps.Start.IsZero() {
			ps.Start = time.Now()
		}
	case workflow.PhaseCompleted, workflow.PhaseFailed, workflow.PhaseSkipped:
		ps.End = time.Now()
	}
	attrs := map[string]any{"from": string(prev), "to": string(status), "reason": reason}
	switch status {
	case workflow.PhaseRunning:
		t.appendLocked("phase.started", "coordinator", string(id), attrs)
	case workflow.PhaseCompleted:
		t.appendLocked("phase.completed", "coordinator", string(id), attrs)
	default:
		t.appendLocked("phase.state_changed", "coordinator", string(id), attrs)
	}
	t.log.Info(context.Background(), "status: phase state changed", "phase", string(id), "from", string(prev), "to", string(status), "reason", reason)
	t.met.IncCounter("phase.state_changed", 1, "to", string(status))
}

// FinishRun marks the run terminal with the given final status.
func (t *Tracker) FinishRun(status RunStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.end = time.Now()
	t.appendLocked("run.finished", "coordinator", t.runID, map[string]any{"status": string(status)})
	t.log.Info(context.Background(), "status: run finished", "run_id", t.runID, "status", string(status))
	t.met.IncCounter("run.finished", 1, "status", string(status))
}

// RunStatus returns the tracker's current run status.
func (t *Tracker) RunStatus() RunStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}
