package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"goa.design/pipeline-core/internal/bus"
	"goa.design/pipeline-core/internal/bus/pulsebus"
)

// cmdApprovalDecide resolves a pending APPROVAL_REQUEST from a separate
// process. This only works when the run was started with the Redis-backed
// bus (config.Bus.Redis.Enabled): the in-memory bus's ApprovalGate lives
// only inside the "run start" process's heap and is gone the moment that
// process exits, so a same-process approval would have to come from a
// second goroutine in that same invocation, not this CLI. A Redis-backed
// "run start" joins the same "approvals-<run_id>" replicated map this
// command joins, so the decision recorded here is the one that process's
// awaitApproval is actually blocked on. --run identifies which run's
// replicated approvals map to join, since requests aren't namespaced by
// run id on their own.
func cmdApprovalDecide(g globalFlags, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "pipelinecore: approval decide requires <request_id>")
		return 64
	}
	requestID := args[0]

	fs := flag.NewFlagSet("approval decide", flag.ContinueOnError)
	fs.SetOutput(discard{})
	runID := fs.String("run", "", "run id owning the approvals map (required for the Redis-backed bus)")
	outcome := fs.String("outcome", "", "approved|rejected")
	notes := fs.String("notes", "", "reviewer notes")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: approval decide: %v\n", err)
		return 64
	}
	if *outcome != "approved" && *outcome != "rejected" {
		fmt.Fprintln(os.Stderr, "pipelinecore: approval decide requires --outcome approved|rejected")
		return 64
	}

	cfg, err := loadConfig(g.root, g.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: load config: %v\n", err)
		return 64
	}
	if !cfg.Bus.Redis.Enabled {
		fmt.Fprintln(os.Stderr, "pipelinecore: approval decide requires the Redis-backed bus "+
			"(config.bus.redis.enabled: true) — the in-memory bus's approval gate only exists "+
			"inside the \"run start\" process and cannot be reached from a separate invocation")
		return 64
	}
	if *runID == "" {
		fmt.Fprintln(os.Stderr, "pipelinecore: approval decide requires --run <run_id> when using the Redis-backed bus")
		return 64
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Bus.Redis.Addr})
	defer rdb.Close()

	ctx := context.Background()
	m, err := rmap.Join(ctx, "approvals-"+*runID, rdb)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: join approvals map for run %q: %v\n", *runID, err)
		return 64
	}
	defer m.Close()

	gate := pulsebus.NewRedisApprovalGate(m)
	ok, err := gate.Decide(ctx, requestID, bus.ApprovalDecision{
		Approved: *outcome == "approved",
		Reason:   *notes,
		By:       "cli",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: decide %q: %v\n", requestID, err)
		return 64
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "pipelinecore: approval request %q was never registered\n", requestID)
		return 64
	}

	fmt.Printf("pipelinecore: approval %q recorded as %s\n", requestID, *outcome)
	return 0
}
