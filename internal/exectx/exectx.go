// Package exectx builds the per-invocation ExecutionContext: the immutable
// bundle of ids, resource limits, environment, and unique-per-execution
// directories an Invoker needs to run one agent attempt. A Builder follows
// a scoped-acquisition pattern: Build returns both the value and a release
// closure, and callers are expected to `defer release()` immediately so
// the temp directory is always cleaned up, on every exit path including a
// panic unwinding through the caller.
package exectx

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"goa.design/pipeline-core/internal/workflow"
)

type (
	// Limits bounds one invocation's resource usage.
	Limits struct {
		TimeoutMs int
		MemoryMB  int
	}

	// Paths are the unique-per-execution directories guaranteed to exist
	// once ExecutionContext is returned from Build.
	Paths struct {
		ArtifactDir string
		LogDir      string
		TempDir     string
	}

	// ExecutionContext is the immutable, per-invocation context passed to
	// an Invoker. It is never mutated after Build returns; a retried
	// attempt gets a fresh ExecutionContext with a new ExecutionID.
	ExecutionContext struct {
		ExecutionID string
		AgentID     string
		Phase       workflow.PhaseID
		Attempt     int
		Inputs      map[string]any
		Env         map[string]string
		Limits      Limits
		Paths       Paths
		CreatedAt   time.Time
	}

	// Builder constructs ExecutionContexts rooted under a run's working
	// directory.
	Builder struct {
		runRoot     string
		defaultTO   int
		defaultMem  int
	}
)

// NewBuilder constructs a Builder that roots every execution's directories
// under runRoot (typically a run-scoped subdirectory of the configured
// project root). defaultTimeoutMs/defaultMemoryMB seed Limits for
// invocations that don't specify their own.
func NewBuilder(runRoot string, defaultTimeoutMs, defaultMemoryMB int) *Builder {
	return &Builder{runRoot: runRoot, defaultTO: defaultTimeoutMs, defaultMem: defaultMemoryMB}
}

// Build assembles an ExecutionContext for one invocation of agentID at
// phase, with the given inputs and attempt number. It creates
// artifact/log/temp directories unique to this execution and returns a
// release closure that removes the temp directory; callers must
// `defer release()` immediately after a successful Build call.
//
// On error, Build has created no directories that the caller is
// responsible for, and the returned release closure is a no-op.
func (b *Builder) Build(agentID string, phase workflow.PhaseID, attempt int, inputs map[string]any, limits *Limits) (*ExecutionContext, func(), error) {
	executionID := uuid.NewString()
	base := filepath.Join(b.runRoot, "executions", executionID)

	paths := Paths{
		ArtifactDir: filepath.Join(base, "artifacts"),
		LogDir:      filepath.Join(base, "logs"),
		TempDir:     filepath.Join(base, "tmp"),
	}
	for _, dir := range []string{paths.ArtifactDir, paths.LogDir, paths.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, func() {}, fmt.Errorf("exectx: create %s: %w", dir, err)
		}
	}

	release := func() {
		_ = os.RemoveAll(paths.TempDir)
	}

	l := Limits{TimeoutMs: b.defaultTO, MemoryMB: b.defaultMem}
	if limits != nil {
		if limits.TimeoutMs > 0 {
			l.TimeoutMs = limits.TimeoutMs
		}
		if limits.MemoryMB > 0 {
			l.MemoryMB = limits.MemoryMB
		}
	}

	env := map[string]string{
		"AGENT_NAME":   agentID,
		"PHASE":        string(phase),
		"EXECUTION_ID": executionID,
	}

	return &ExecutionContext{
		ExecutionID: executionID,
		AgentID:     agentID,
		Phase:       phase,
		Attempt:     attempt,
		Inputs:      inputs,
		Env:         env,
		Limits:      l,
		Paths:       paths,
		CreatedAt:   time.Now(),
	}, release, nil
}
