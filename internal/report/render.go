package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"goa.design/pipeline-core/internal/workflow"
)

// RenderJSON marshals any of the four report types to indented JSON.
func RenderJSON(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// RenderText renders a report as short human-readable lines; "run start"
// prints the status report in this form.
func RenderText(v any) ([]byte, error) {
	var buf bytes.Buffer
	switch r := v.(type) {
	case StatusReport:
		fmt.Fprintf(&buf, "run %s (plan %s): %s, elapsed %dms\n", r.RunID, r.PlanID, r.Status, r.ElapsedMs)
		for _, id := range sortedPhaseIDs(r.PhaseStatus) {
			fmt.Fprintf(&buf, "  %-28s %s\n", id, r.PhaseStatus[id])
		}
	case CompletionReport:
		fmt.Fprintf(&buf, "run %s: %d/%d completed, %d failed, %d skipped, %d pending (success rate %.2f)\n",
			r.RunID, r.Completed, r.TotalPhases, r.Failed, r.Skipped, r.Pending, r.SuccessRate)
	case PerformanceReport:
		fmt.Fprintf(&buf, "run %s: p50=%.1fms p90=%.1fms p99=%.1fms retries=%d dead_letters=%d\n",
			r.RunID, r.P50Ms, r.P90Ms, r.P99Ms, r.RetriesTotal, r.DeadLetterTotal)
	case ErrorReport:
		fmt.Fprintf(&buf, "run %s: %d errors\n", r.RunID, len(r.Errors))
		for _, e := range r.Errors {
			fmt.Fprintf(&buf, "  [%s] %s (phase=%s): %s\n", e.At.Format("15:04:05"), e.Severity, e.Phase, e.Message)
		}
	default:
		return nil, fmt.Errorf("report: unsupported type %T for text rendering", v)
	}
	return buf.Bytes(), nil
}

// RenderMarkdown renders a report as a small markdown table, hand-rolled
// since no markdown library is otherwise needed (see DESIGN.md).
func RenderMarkdown(v any) ([]byte, error) {
	var buf bytes.Buffer
	switch r := v.(type) {
	case StatusReport:
		fmt.Fprintf(&buf, "# Run %s\n\n- Plan: %s\n- Status: %s\n- Elapsed: %dms\n\n", r.RunID, r.PlanID, r.Status, r.ElapsedMs)
		buf.WriteString("| Phase | Status |\n|---|---|\n")
		for _, id := range sortedPhaseIDs(r.PhaseStatus) {
			fmt.Fprintf(&buf, "| %s | %s |\n", id, r.PhaseStatus[id])
		}
	case CompletionReport:
		fmt.Fprintf(&buf, "# Run %s completion\n\n", r.RunID)
		buf.WriteString("| Metric | Value |\n|---|---|\n")
		fmt.Fprintf(&buf, "| Total phases | %d |\n", r.TotalPhases)
		fmt.Fprintf(&buf, "| Completed | %d |\n", r.Completed)
		fmt.Fprintf(&buf, "| Failed | %d |\n", r.Failed)
		fmt.Fprintf(&buf, "| Skipped | %d |\n", r.Skipped)
		fmt.Fprintf(&buf, "| Pending | %d |\n", r.Pending)
		fmt.Fprintf(&buf, "| Success rate | %.2f |\n", r.SuccessRate)
	case PerformanceReport:
		fmt.Fprintf(&buf, "# Run %s performance\n\n", r.RunID)
		buf.WriteString("| Metric | Value |\n|---|---|\n")
		fmt.Fprintf(&buf, "| p50 | %.1fms |\n", r.P50Ms)
		fmt.Fprintf(&buf, "| p90 | %.1fms |\n", r.P90Ms)
		fmt.Fprintf(&buf, "| p99 | %.1fms |\n", r.P99Ms)
		fmt.Fprintf(&buf, "| Retries | %d |\n", r.RetriesTotal)
		fmt.Fprintf(&buf, "| Dead letters | %d |\n", r.DeadLetterTotal)
	case ErrorReport:
		fmt.Fprintf(&buf, "# Run %s errors\n\n", r.RunID)
		buf.WriteString("| Time | Severity | Phase | Message |\n|---|---|---|---|\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&buf, "| %s | %s | %s | %s |\n", e.At.Format(time.RFC3339), e.Severity, e.Phase, e.Message)
		}
	default:
		return nil, fmt.Errorf("report: unsupported type %T for markdown rendering", v)
	}
	return buf.Bytes(), nil
}

func sortedPhaseIDs(m map[workflow.PhaseID]workflow.PhaseStatus) []workflow.PhaseID {
	ids := make([]workflow.PhaseID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
