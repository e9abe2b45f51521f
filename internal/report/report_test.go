package report_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pipeline-core/internal/report"
	"goa.design/pipeline-core/internal/status"
	"goa.design/pipeline-core/internal/workflow"
)

func sampleSnapshot() status.Snapshot {
	start := time.Now().Add(-time.Minute)
	end := time.Now()
	return status.Snapshot{
		RunID:  "run-1",
		PlanID: "plan-1",
		Status: status.RunPartial,
		Start:  start,
		End:    end,
		Phases: map[workflow.PhaseID]status.PhaseState{
			"intake":   {Status: workflow.PhaseCompleted},
			"scaffold": {Status: workflow.PhaseFailed},
			"review":   {Status: workflow.PhaseSkipped},
		},
		Tasks: map[string]status.Task{
			"exec-1": {Phase: "scaffold"},
		},
		Events: []status.Event{
			{Seq: 1, Type: "error.recorded", Subject: "exec-1", Timestamp: end,
				Attrs: map[string]any{"error": "boom", "severity": "fatal"}},
		},
		Metrics: status.Metrics{P50Ms: 10, P90Ms: 20, P99Ms: 30, RetriesTotal: 2, DeadLetterTotal: 1},
	}
}

func TestStatusReport(t *testing.T) {
	r := report.Status(sampleSnapshot())
	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, status.RunPartial, r.Status)
	assert.Len(t, r.PhaseStatus, 3)
}

func TestCompletionReport(t *testing.T) {
	r := report.Completion(sampleSnapshot())
	assert.Equal(t, 3, r.TotalPhases)
	assert.Equal(t, 1, r.Completed)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 1, r.Skipped)
	assert.InDelta(t, 0.5, r.SuccessRate, 0.001)
}

func TestPerformanceReport(t *testing.T) {
	r := report.Performance(sampleSnapshot())
	assert.Equal(t, 10.0, r.P50Ms)
	assert.Equal(t, 2, r.RetriesTotal)
	assert.Equal(t, 1, r.DeadLetterTotal)
}

func TestErrorReportFiltersAndJoinsPhase(t *testing.T) {
	r := report.Error(sampleSnapshot())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "boom", r.Errors[0].Message)
	assert.Equal(t, "scaffold", r.Errors[0].Phase)
	assert.Equal(t, "fatal", r.Errors[0].Severity)
}

func TestRenderJSONRoundTrips(t *testing.T) {
	data, err := report.RenderJSON(report.Completion(sampleSnapshot()))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id": "run-1"`)
}

func TestRenderTextAndMarkdownCoverAllReportTypes(t *testing.T) {
	snap := sampleSnapshot()
	for _, v := range []any{report.Status(snap), report.Completion(snap), report.Performance(snap), report.Error(snap)} {
		text, err := report.RenderText(v)
		require.NoError(t, err)
		assert.NotEmpty(t, text)

		md, err := report.RenderMarkdown(v)
		require.NoError(t, err)
		assert.NotEmpty(t, md)
	}
}
