package main

import (
	"flag"
	"strings"
)

// globalFlags carries the flags that may precede any subcommand.
type globalFlags struct {
	root   string
	config string

	// telemetry selects the Logger/Metrics/Tracer implementations every
	// component is constructed with: "noop" (default) discards everything,
	// "clue" delegates to goa.design/clue/log and OpenTelemetry.
	telemetry string
	debug     bool
}

// parseGlobalFlags parses leading --root/--config/--telemetry/--debug flags
// with the standard flag package and returns the remaining,
// subcommand-specific arguments — flag.Parse stops at the first non-flag
// token ("run", "artifact", "approval"), which is exactly the split point
// dispatchRun/Artifact/Approval need.
func parseGlobalFlags(args []string) (globalFlags, []string) {
	fs := flag.NewFlagSet("pipelinecore", flag.ContinueOnError)
	fs.SetOutput(discard{})
	root := fs.String("root", ".", "project root")
	config := fs.String("config", "", "path to pipeline.yaml")
	telemetry := fs.String("telemetry", "noop", "observability backend: noop|clue")
	debug := fs.Bool("debug", false, "enable debug-level logging (clue telemetry only)")
	if err := fs.Parse(args); err != nil {
		return globalFlags{root: ".", telemetry: "noop"}, args
	}
	return globalFlags{root: *root, config: *config, telemetry: *telemetry, debug: *debug}, fs.Args()
}

// stringSlice collects repeated occurrences of a flag, the idiomatic
// flag.Value shape for "--override k=v" appearing any number of times.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ",") }
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// parseOverrides turns a slice of "k=v" strings into a map, ignoring
// entries with no '='.
func parseOverrides(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// discard silences flag.FlagSet's default usage/error output to stderr;
// each subcommand prints its own error messages.
type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
