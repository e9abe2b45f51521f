package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"goa.design/pipeline-core/internal/coordinator"
	"goa.design/pipeline-core/internal/report"
	"goa.design/pipeline-core/internal/status"
)

// cmdRunStart drives one Run synchronously to a terminal status, persists
// its reports and event log under <root>/runs/<run_id>/, prints the status
// report, and maps the terminal status to the process exit code per
// spec.md §6 (0 succeeded, 2 partial, 1 failed, 130 cancelled).
func cmdRunStart(g globalFlags, args []string) int {
	fs := flag.NewFlagSet("run start", flag.ContinueOnError)
	fs.SetOutput(discard{})
	plan := fs.String("plan", "", "plan id")
	profile := fs.String("profile", "", "execution profile")
	var overridePairs stringSlice
	fs.Var(&overridePairs, "override", "k=v architecture override, repeatable")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: run start: %v\n", err)
		return 1
	}
	if *plan == "" {
		fmt.Fprintln(os.Stderr, "pipelinecore: run start requires --plan <id>")
		return 1
	}

	cfg, err := loadConfig(g.root, g.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: load config: %v\n", err)
		return 1
	}
	if cfg.ProjectRoot == "" || cfg.ProjectRoot == "." {
		cfg.ProjectRoot = g.root
	}

	model, err := loadWorkflowModel(g.root, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: load workflow manifest: %v\n", err)
		return 1
	}

	baseCtx, log, met, tracer := setupTelemetry(context.Background(), g)

	overrides := parseOverrides([]string(overridePairs))
	c, runID, closeBus, err := buildCoordinator(cfg, model, overrides, log, met, tracer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: %v\n", err)
		return 1
	}
	defer closeBus()
	if runID != "" {
		fmt.Fprintf(os.Stderr, "pipelinecore: run %s started (redis-backed bus) — use \"approval decide <request_id> --run %s\" to resolve an approval gate while this run is in progress\n", runID, runID)
	}

	ctx, stop := signal.NotifyContext(baseCtx, os.Interrupt)
	defer stop()

	snap, err := c.Run(ctx, coordinator.Request{
		PlanID: *plan,
		Inputs: map[string]any{"profile": *profile},
		RunID:  runID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: run %q: %v\n", *plan, err)
		return 1
	}

	if err := persistRun(cfg.ProjectRoot, snap); err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: persist run artifacts: %v\n", err)
	}

	out, _ := report.RenderText(report.Status(snap))
	os.Stdout.Write(out)

	return exitCodeFor(snap.Status)
}

// persistRun writes the four report shapes and the raw event log for snap
// under <root>/runs/<run_id>/ (reports in report/, events as JSON lines in
// events/run.log), so a later "run status" invocation in a separate process can read them back — this core has no
// persistent coordinator process to query directly (spec.md §6).
func persistRun(root string, snap status.Snapshot) error {
	runDir := filepath.Join(runsRoot(root), snap.RunID)
	reportDir := filepath.Join(runDir, "report")
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return err
	}

	writers := map[string]any{
		"status.json":     report.Status(snap),
		"completion.json": report.Completion(snap),
		"performance.json": report.Performance(snap),
		"error.json":      report.Error(snap),
	}
	for name, v := range writers {
		data, err := report.RenderJSON(v)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(reportDir, name), data, 0o644); err != nil {
			return err
		}
	}

	eventsDir := filepath.Join(runDir, "events")
	if err := os.MkdirAll(eventsDir, 0o755); err != nil {
		return err
	}
	var buf []byte
	for _, e := range snap.Events {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		buf = append(append(buf, line...), '\n')
	}
	return os.WriteFile(filepath.Join(eventsDir, "run.log"), buf, 0o644)
}

func exitCodeFor(s status.RunStatus) int {
	switch s {
	case status.RunSucceeded:
		return 0
	case status.RunPartial:
		return 2
	case status.RunCancelled:
		return 130
	default:
		return 1
	}
}
