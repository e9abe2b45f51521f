// Package report implements the Feedback / Report Generator: pure
// functions over a frozen status.Snapshot that produce one of four report
// shapes, plus renderers that serialize a report to json, markdown, or
// plain text. No function here touches a Tracker, Bus, or Store directly —
// everything is derived from the Snapshot value passed in, so a report can
// be regenerated offline from a persisted snapshot.
package report

import (
	"time"

	"goa.design/pipeline-core/internal/status"
	"goa.design/pipeline-core/internal/workflow"
)

type (
	// StatusReport summarizes a Run's current lifecycle position.
	StatusReport struct {
		RunID        string                              `json:"run_id"`
		PlanID       string                              `json:"plan_id"`
		Status       status.RunStatus                     `json:"status"`
		StartedAt    time.Time                            `json:"started_at"`
		ElapsedMs    int64                                `json:"elapsed_ms"`
		PhaseStatus  map[workflow.PhaseID]workflow.PhaseStatus `json:"phase_status"`
	}

	// CompletionReport summarizes how many phases reached each terminal
	// state.
	CompletionReport struct {
		RunID          string `json:"run_id"`
		TotalPhases    int    `json:"total_phases"`
		Completed      int    `json:"completed"`
		Failed         int    `json:"failed"`
		Skipped        int    `json:"skipped"`
		Pending        int    `json:"pending"`
		SuccessRate    float64 `json:"success_rate"`
	}

	// PerformanceReport surfaces the Status Tracker's duration percentiles
	// and bus-adjacent counters.
	PerformanceReport struct {
		RunID           string  `json:"run_id"`
		P50Ms           float64 `json:"p50_ms"`
		P90Ms           float64 `json:"p90_ms"`
		P99Ms           float64 `json:"p99_ms"`
		RetriesTotal    int     `json:"retries_total"`
		DeadLetterTotal int     `json:"dead_letter_total"`
	}

	// ErrorEntry is one recorded error, carried through from the event log.
	ErrorEntry struct {
		ExecutionID string         `json:"execution_id"`
		Phase       string         `json:"phase,omitempty"`
		Message     string         `json:"message"`
		Severity    string         `json:"severity"`
		Kind        string         `json:"kind,omitempty"`
		At          time.Time      `json:"at"`
	}

	// ErrorReport lists every error.recorded event in a Run, most recent
	// last (event log order).
	ErrorReport struct {
		RunID  string       `json:"run_id"`
		Errors []ErrorEntry `json:"errors"`
	}
)

// Status derives a StatusReport from snap.
func Status(snap status.Snapshot) StatusReport {
	phaseStatus := make(map[workflow.PhaseID]workflow.PhaseStatus, len(snap.Phases))
	for id, ps := range snap.Phases {
		phaseStatus[id] = ps.Status
	}
	elapsed := snap.End.Sub(snap.Start)
	if snap.End.IsZero() {
		elapsed = time.Since(snap.Start)
	}
	return StatusReport{
		RunID:       snap.RunID,
		PlanID:      snap.PlanID,
		Status:      snap.Status,
		StartedAt:   snap.Start,
		ElapsedMs:   elapsed.Milliseconds(),
		PhaseStatus: phaseStatus,
	}
}

// Completion derives a CompletionReport from snap.
func Completion(snap status.Snapshot) CompletionReport {
	r := CompletionReport{RunID: snap.RunID, TotalPhases: len(snap.Phases)}
	for _, ps := range snap.Phases {
		switch ps.Status {
		case workflow.PhaseCompleted:
			r.Completed++
		case workflow.PhaseFailed:
			r.Failed++
		case workflow.PhaseSkipped:
			r.Skipped++
		case workflow.PhasePending, workflow.PhaseScheduled, workflow.PhaseRunning:
			r.Pending++
		}
	}
	if terminal := r.Completed + r.Failed; terminal > 0 {
		r.SuccessRate = float64(r.Completed) / float64(terminal)
	}
	return r
}

// Performance derives a PerformanceReport from snap's Metrics.
func Performance(snap status.Snapshot) PerformanceReport {
	return PerformanceReport{
		RunID:           snap.RunID,
		P50Ms:           snap.Metrics.P50Ms,
		P90Ms:           snap.Metrics.P90Ms,
		P99Ms:           snap.Metrics.P99Ms,
		RetriesTotal:    snap.Metrics.RetriesTotal,
		DeadLetterTotal: snap.Metrics.DeadLetterTotal,
	}
}

// Error derives an ErrorReport by filtering snap's event log for
// error.recorded events.
func Error(snap status.Snapshot) ErrorReport {
	r := ErrorReport{RunID: snap.RunID}
	for _, e := range snap.Events {
		if e.Type != "error.recorded" {
			continue
		}
		entry := ErrorEntry{ExecutionID: e.Subject, At: e.Timestamp}
		if msg, ok := e.Attrs["error"].(string); ok {
			entry.Message = msg
		}
		if sev, ok := e.Attrs["severity"].(string); ok {
			entry.Severity = sev
		}
		if kind, ok := e.Attrs["kind"].(string); ok {
			entry.Kind = kind
		}
		if task, ok := snap.Tasks[e.Subject]; ok {
			entry.Phase = string(task.Phase)
		}
		r.Errors = append(r.Errors, entry)
	}
	return r
}
