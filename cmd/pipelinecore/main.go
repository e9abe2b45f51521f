// Command pipelinecore is the CLI surface for the Orchestration Core
// (spec.md §6): it drives a single Run to a terminal status, reports on a
// run already driven to completion, serves artifacts back out of the
// content-addressed store, and resolves approval gates.
//
// Commands:
//
//	run start --plan <id> [--profile <name>] [--override k=v]*
//	run status <run_id>
//	run cancel <run_id>
//	artifact get <artifact_id> [--version <v>]
//	approval decide <request_id> --outcome {approved|rejected} [--notes ...] [--run <run_id>]
package main

import (
	"fmt"
	"os"
)

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	g, args := parseGlobalFlags(args)
	if len(args) == 0 {
		usage()
		return 1
	}
	switch args[0] {
	case "run":
		return dispatchRun(g, args[1:])
	case "artifact":
		return dispatchArtifact(g, args[1:])
	case "approval":
		return dispatchApproval(g, args[1:])
	case "-h", "--help", "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "pipelinecore: unknown command %q\n", args[0])
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  pipelinecore run start --plan <id> [--profile <name>] [--override k=v]*
  pipelinecore run status <run_id>
  pipelinecore run cancel <run_id>
  pipelinecore artifact get <artifact_id> [--version <v>]
  pipelinecore approval decide <request_id> --outcome {approved|rejected} [--run <run_id>] [--notes ...]

global flags (precede the subcommand): --root <dir> --config <path> --telemetry {noop|clue} --debug`)
}

func dispatchRun(g globalFlags, args []string) int {
	if len(args) == 0 {
		usage()
		return 1
	}
	switch args[0] {
	case "start":
		return cmdRunStart(g, args[1:])
	case "status":
		return cmdRunStatus(g, args[1:])
	case "cancel":
		return cmdRunCancel(g, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "pipelinecore: unknown run subcommand %q\n", args[0])
		return 1
	}
}

func dispatchArtifact(g globalFlags, args []string) int {
	if len(args) == 0 || args[0] != "get" {
		usage()
		return 1
	}
	return cmdArtifactGet(g, args[1:])
}

func dispatchApproval(g globalFlags, args []string) int {
	if len(args) == 0 || args[0] != "decide" {
		usage()
		return 1
	}
	return cmdApprovalDecide(g, args[1:])
}
