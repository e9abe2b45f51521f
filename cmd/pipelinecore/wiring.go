package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"goa.design/pipeline-core/internal/agents/architect"
	"goa.design/pipeline-core/internal/artifact"
	"goa.design/pipeline-core/internal/bus"
	"goa.design/pipeline-core/internal/bus/memory"
	"goa.design/pipeline-core/internal/bus/pulsebus"
	"goa.design/pipeline-core/internal/collector"
	"goa.design/pipeline-core/internal/config"
	"goa.design/pipeline-core/internal/coordinator"
	"goa.design/pipeline-core/internal/exectx"
	"goa.design/pipeline-core/internal/status"
	"goa.design/pipeline-core/internal/telemetry"
	"goa.design/pipeline-core/internal/transport/inprocess"
	"goa.design/pipeline-core/internal/workflow"
)

// defaultConfigPath is tried when --config isn't given, relative to --root.
const defaultConfigPath = "config/pipeline.yaml"

// defaultManifestPath is the workflow manifest path used when no explicit
// path is passed to loadWorkflowModel, relative to --root.
const defaultManifestPath = "config/phases.yaml"

func loadConfig(root, path string) (config.Config, error) {
	if path == "" {
		path = filepath.Join(root, defaultConfigPath)
	}
	if _, err := os.Stat(path); err != nil {
		return config.Default(), nil
	}
	return config.Load(path)
}

func loadWorkflowModel(root, path string) (*workflow.Model, error) {
	if path == "" {
		path = filepath.Join(root, defaultManifestPath)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	manifest, err := workflow.LoadManifest(f)
	if err != nil {
		return nil, err
	}
	workflow.RegisterDefaultPredicates(manifest)
	return manifest.Build()
}

// artifactRoot is shared across every run in a project: artifacts are
// content-addressed and deduplicated by hash across Runs per spec.md §3, so
// one Store per project root is correct rather than one per run.
func artifactRoot(root string) string {
	return filepath.Join(root, "artifacts")
}

// workRoot is where exectx.Builder roots its per-execution artifact/log/temp
// directories; each execution gets its own uuid-named subdirectory so
// concurrent conditional phases never collide.
func workRoot(root string) string {
	return filepath.Join(root, "work")
}

// runsRoot is where a terminal run's event log and reports are persisted
// after the Coordinator returns, keyed by the run id the Coordinator
// generated — spec.md §6's "Per-run root" on-disk layout.
func runsRoot(root string) string {
	return filepath.Join(root, "runs")
}

// buildCoordinator assembles every component a Coordinator needs from cfg
// and model, wiring the demo architect agent for the two architecture
// phases and a generic stub agent for everything else. overrides carries
// --override k=v pairs from "run start", consulted by the architecture-cicd
// stub when no model provider credentials are configured. log/met are
// threaded into the Bus and Tracker so every phase/task transition, retry,
// and dead-letter they record goes through the same sink "run start"
// selected via --telemetry.
//
// When cfg.Bus.Redis.Enabled, the run id is generated here rather than left
// to Coordinator.Run, so the Redis-backed Bus can join this run's
// "approvals-<runID>" replicated map before the first phase dispatches —
// the same map a separate "approval decide" invocation joins by run id.
// runID is "" when the in-memory bus is used; Coordinator.Run generates its
// own in that case. closeBus must be called once the run is done.
func buildCoordinator(cfg config.Config, model *workflow.Model, overrides map[string]string,
	log telemetry.Logger, met telemetry.Metrics, tracer telemetry.Tracer) (c *coordinator.Coordinator, runID string, closeBus func(), err error) {
	var b bus.Bus
	closeBus = func() {}

	if cfg.Bus.Redis.Enabled {
		runID = uuid.NewString()
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Bus.Redis.Addr})
		pb, perr := pulsebus.New(context.Background(), rdb, runID,
			pulsebus.WithRetryPolicy(bus.RetryPolicy{Base: cfg.Bus.RetryBase, Cap: cfg.Bus.RetryCap, RateLimitMultiplier: cfg.Bus.RateLimitMultiplier}),
			pulsebus.WithLogger(log),
			pulsebus.WithMetrics(met),
			pulsebus.WithWorkflowModel(model),
		)
		if perr != nil {
			_ = rdb.Close()
			return nil, "", nil, fmt.Errorf("pipelinecore: connect redis-backed bus: %w", perr)
		}
		b = pb
		closeBus = func() {
			_ = pb.Close(context.Background())
			_ = rdb.Close()
		}
	} else {
		b = memory.New(
			memory.WithWorkers(cfg.Bus.Workers),
			memory.WithQueueSize(cfg.Bus.QueueSize),
			memory.WithRetryPolicy(bus.RetryPolicy{Base: cfg.Bus.RetryBase, Cap: cfg.Bus.RetryCap, RateLimitMultiplier: cfg.Bus.RateLimitMultiplier}),
			memory.WithLogger(log),
			memory.WithMetrics(met),
			memory.WithWorkflowModel(model),
		)
	}

	tracker := status.NewTracker(log, met)
	store := artifact.NewFSStore(artifactRoot(cfg.ProjectRoot))
	builder := exectx.NewBuilder(workRoot(cfg.ProjectRoot), cfg.Execution.TimeoutMs, cfg.Execution.MemoryMB)
	coll := collector.New(cfg.Execution.MaxOutputBytes)

	agents := coordinator.NewAgentRegistry()
	registerAgents(agents, model, overrides)

	c = coordinator.New(model, b, tracker, store, builder, coll, agents,
		coordinator.WithMaxRetries(cfg.Execution.MaxRetries),
		coordinator.WithApprovalTimeout(cfg.Bus.ApprovalTimeout),
		coordinator.WithLogger(log),
		coordinator.WithTracer(tracer),
	)
	return c, runID, closeBus, nil
}

// registerAgents binds every phase's agent_id to an Invoker. The two
// architecture phases get the architect agent (a real model provider when
// an API key is configured in the environment, otherwise a deterministic
// stub seeded from overrides); every other phase gets a stub agent that
// simply echoes its inputs back as an artifact, standing in for the
// real per-domain agents this core treats as black boxes (spec.md §1).
func registerAgents(agents *coordinator.AgentRegistry, model *workflow.Model, overrides map[string]string) {
	for _, p := range model.Phases() {
		switch p.AgentID {
		case "architect.platform":
			agents.Register(p.AgentID, architectInvoker(p.AgentID, overrides, false))
		case "architect.cicd":
			agents.Register(p.AgentID, architectInvoker(p.AgentID, overrides, true))
		default:
			agents.Register(p.AgentID, stubInvoker(p.AgentID))
		}
	}
}

// architectInvoker returns an in-process invoker for an architecture phase.
// When ANTHROPIC_API_KEY is set it delegates to the real architect.New model
// wiring; otherwise it falls back to a deterministic decision derived from
// overrides, so "run start" works end-to-end without live credentials.
// decisionPhase marks the phase whose output the Coordinator decodes as the
// ArchitectureDecision (architecture-cicd, the last architecture-category
// phase).
func architectInvoker(agentID string, overrides map[string]string, decisionPhase bool) *inprocess.Invoker {
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		model, err := architect.ModelFromAPIKey(architect.Config{
			Provider: architect.ProviderAnthropic,
			ModelID:  envOr("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		}, apiKey)
		if err == nil {
			return architect.New(architect.Config{Provider: architect.ProviderAnthropic}, model)
		}
	}
	if !decisionPhase {
		return stubInvoker(agentID)
	}
	return inprocess.New(func(_ context.Context, _ *exectx.ExecutionContext) (map[string]any, error) {
		return map[string]any{
			"platform":                  overrideOr(overrides, "platform", "aws"),
			"frontend":                  overrideOr(overrides, "frontend", "react"),
			"backend":                   overrideOr(overrides, "backend", "none"),
			"database":                  overrideOr(overrides, "database", "postgres"),
			"ci_cd":                     overrideOr(overrides, "ci_cd", "github"),
			"iac_required":              overrideBoolOr(overrides, "iac_required", true),
			"containerization_required": overrideBoolOr(overrides, "containerization_required", true),
		}, nil
	})
}

// stubInvoker returns a trivial in-process agent that echoes its phase and
// inputs back as its artifact, used for every phase not wired to a real
// provider-backed agent.
func stubInvoker(agentID string) *inprocess.Invoker {
	return inprocess.New(func(_ context.Context, execCtx *exectx.ExecutionContext) (map[string]any, error) {
		return map[string]any{
			"agent_id": agentID,
			"phase":    string(execCtx.Phase),
			"inputs":   execCtx.Inputs,
		}, nil
	})
}

func overrideOr(overrides map[string]string, key, def string) string {
	if v, ok := overrides[key]; ok && v != "" {
		return v
	}
	return def
}

func overrideBoolOr(overrides map[string]string, key string, def bool) bool {
	v, ok := overrides[key]
	if !ok {
		return def
	}
	return v == "true" || v == "1" || v == "yes"
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
