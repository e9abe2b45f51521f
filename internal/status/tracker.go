// Package status tracks per-run execution state: phase and task lifecycle,
// an append-only event log, and derived metrics. A Tracker owns exactly one
// Run's state for that Run's lifetime — it is constructed by the Coordinator,
// not shared as a process-wide singleton.
package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/pipeline-core/internal/telemetry"
	"goa.design/pipeline-core/internal/workflow"
)

type (
	// RunStatus is the coarse-grained lifecycle state of a Run.
	RunStatus string

	// TaskState is the lifecycle state of a single Task (one agent
	// invocation attempt).
	TaskState string

	// Severity classifies a recorded error for reporting purposes.
	Severity string

	// Task is one invocation of one agent for one phase attempt.
	Task struct {
		ExecutionID string
		AgentID     string
		Phase       workflow.PhaseID
		Attempt     int
		State       TaskState
		Start       time.Time
		End         time.Time
		Err         error
	}

	// PhaseState tracks the lifecycle of a single phase within a Run.
	PhaseState struct {
		Phase  workflow.Phase
		Status workflow.PhaseStatus
		Start  time.Time
		End    time.Time
		Reason string
	}

	// Event is one append-only record in a Run's event log.
	Event struct {
		Seq       int
		Type      string
		Source    string
		Subject   string
		Attrs     map[string]any
		Timestamp time.Time
	}

	// Metrics is a point-in-time aggregation over a Run's tasks.
	Metrics struct {
		CountByTaskState map[TaskState]int
		CountByPhase     map[workflow.PhaseStatus]int
		P50Ms            float64
		P90Ms            float64
		P99Ms            float64
		SuccessRate      float64
		RetriesTotal     int
		DeadLetterTotal  int
	}

	// Snapshot is a frozen, read-only view of a Run's state, used by the
	// Report Generator after the run reaches a terminal status.
	Snapshot struct {
		RunID   string
		PlanID  string
		Status  RunStatus
		Start   time.Time
		End     time.Time
		Phases  map[workflow.PhaseID]PhaseState
		Tasks   map[string]Task
		Events  []Event
		Metrics Metrics
	}

	// Tracker owns one Run's in-memory state for the duration of that Run.
	Tracker struct {
		mu       sync.Mutex
		runID    string
		planID   string
		status   RunStatus
		start    time.Time
		end      time.Time
		phases   map[workflow.PhaseID]*PhaseState
		tasks    map[string]*Task
		events   []Event
		seq      int
		retries  int
		deadLett int

		log telemetry.Logger
		met telemetry.Metrics
	}
)

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"

	TaskPending   TaskState = "pending"
	TaskScheduled TaskState = "scheduled"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskTimeout   TaskState = "timeout"
	TaskCancelled TaskState = "cancelled"

	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// legalTaskTransitions is the fixed state graph for Task.State. RUNNING->RUNNING
// is disallowed; terminal states are sinks. update_task_state rejects any
// transition not present here.
var legalTaskTransitions = map[TaskState]map[TaskState]bool{
	TaskPending:   {TaskScheduled: true},
	TaskScheduled: {TaskRunning: true, TaskCancelled: true},
	TaskRunning:   {TaskCompleted: true, TaskFailed: true, TaskTimeout: true, TaskCancelled: true},
	TaskCompleted: {},
	TaskFailed:    {},
	TaskTimeout:   {},
	TaskCancelled: {},
}

// IsTerminal reports whether a TaskState is a sink in the transition graph.
func (s TaskState) IsTerminal() bool {
	next, ok := legalTaskTransitions[s]
	return ok && len(next) == 0
}

// ErrIllegalTransition reports a rejected Task.State change.
type ErrIllegalTransition struct {
	ExecutionID string
	From, To    TaskState
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("status: task %s: illegal transition %s -> %s", e.ExecutionID, e.From, e.To)
}

// NewTracker constructs a Tracker bound to logger/metrics sinks. Pass
// telemetry.NewNoopLogger()/NewNoopMetrics() when observability isn't wired.
func NewTracker(log telemetry.Logger, met telemetry.Metrics) *Tracker {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if met == nil {
		met = telemetry.NewNoopMetrics()
	}
	return &Tracker{
		phases: make(map[workflow.PhaseID]*PhaseState),
		tasks:  make(map[string]*Task),
		log:    log,
		met:    met,
	}
}

// StartRun initializes tracker state for a new run. phases is the full,
// ordered phase list from the Workflow Model; every phase starts PENDING.
func (t *Tracker) StartRun(ctx context.Context, runID, planID string, phases []workflow.Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runID = runID
	t.planID = planID
	t.status = RunPending
	t.start = time.Now()
	for _, p := range phases {
		t.phases[p.ID] = &PhaseState{Phase: p, Status: workflow.PhasePending}
	}
	t.appendLocked("run.started", "coordinator", runID, map[string]any{"plan_id": planID})
	t.status = RunRunning
	t.log.Info(ctx, "status: run started", "run_id", runID, "plan_id", planID, "phases", len(phases))
	t.met.IncCounter("run.started", 1)
}
