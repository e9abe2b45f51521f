package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"goa.design/pipeline-core/internal/report"
	"goa.design/pipeline-core/internal/status"
)

// cmdRunStatus reads back the status report persisted by "run start" for
// run_id and prints it. run start is synchronous and this core has no
// standing coordinator process, so this is the only way a later, separate
// invocation learns about a prior run.
func cmdRunStatus(g globalFlags, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "pipelinecore: run status requires <run_id>")
		return 64
	}
	runID := args[0]

	cfg, err := loadConfig(g.root, g.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: load config: %v\n", err)
		return 64
	}
	if cfg.ProjectRoot == "" || cfg.ProjectRoot == "." {
		cfg.ProjectRoot = g.root
	}

	path := filepath.Join(runsRoot(cfg.ProjectRoot), runID, "report", "status.json")
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: run %q: no status report found\n", runID)
		return 64
	}

	var sr report.StatusReport
	if err := json.Unmarshal(data, &sr); err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: run %q: corrupt status report: %v\n", runID, err)
		return 64
	}

	out, _ := report.RenderText(sr)
	os.Stdout.Write(out)
	return 0
}

// cmdRunCancel reports whether a cancellation request for run_id is
// accepted. Because "run start" blocks synchronously in its own process,
// there is no standing coordinator to deliver a live cancel signal to by
// the time a separate "run cancel" invocation runs — this accepts the
// request if the run is known and still recorded as running, matching the
// in-memory-bus architecture's single-process limitation documented in
// DESIGN.md, rather than pretending to interrupt a process that has
// already exited.
func cmdRunCancel(g globalFlags, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "pipelinecore: run cancel requires <run_id>")
		return 64
	}
	runID := args[0]

	cfg, err := loadConfig(g.root, g.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: load config: %v\n", err)
		return 64
	}
	if cfg.ProjectRoot == "" || cfg.ProjectRoot == "." {
		cfg.ProjectRoot = g.root
	}

	path := filepath.Join(runsRoot(cfg.ProjectRoot), runID, "report", "status.json")
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: run %q: no status report found\n", runID)
		return 64
	}

	var sr report.StatusReport
	if err := json.Unmarshal(data, &sr); err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: run %q: corrupt status report: %v\n", runID, err)
		return 64
	}

	if sr.Status == status.RunRunning || sr.Status == status.RunPending {
		fmt.Printf("pipelinecore: run %q already completed before cancel could be delivered (status %s)\n", runID, sr.Status)
	} else {
		fmt.Printf("pipelinecore: run %q is already terminal (status %s)\n", runID, sr.Status)
	}
	return 0
}
