// Package inprocess invokes an agent implemented as a Go function running
// in the same process — no serialization boundary, used for the example
// architect agents wired directly to a model provider SDK.
package inprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/pipeline-core/internal/exectx"
	"goa.design/pipeline-core/internal/transport"
)

// AgentFunc is an in-process agent implementation: given the execution's
// inputs, it returns the agent's structured output or an error.
type AgentFunc func(ctx context.Context, execCtx *exectx.ExecutionContext) (map[string]any, error)

// Invoker dispatches to a single registered AgentFunc.
type Invoker struct {
	fn AgentFunc
}

// New wraps fn as a transport.Invoker.
func New(fn AgentFunc) *Invoker { return &Invoker{fn: fn} }

var _ transport.Invoker = (*Invoker)(nil)

// Invoke calls fn, honoring execCtx.Limits.TimeoutMs as a context deadline.
// A panic inside fn is recovered and reported as a transport error, never
// propagated — the Invoker contract promises callers a Result, not a crash.
func (i *Invoker) Invoke(ctx context.Context, execCtx *exectx.ExecutionContext) (result transport.Result, err error) {
	timeout := time.Duration(execCtx.Limits.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output map[string]any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("inprocess: agent panicked: %v", r)}
			}
		}()
		out, err := i.fn(runCtx, execCtx)
		done <- outcome{output: out, err: err}
	}()

	start := time.Now()
	select {
	case o := <-done:
		elapsed := time.Since(start).Milliseconds()
		if o.err != nil {
			return transport.Result{DurationMs: elapsed, TransportError: o.err}, nil
		}
		stdout, _ := json.Marshal(o.output)
		return transport.Result{Ok: true, Stdout: stdout, DurationMs: elapsed}, nil
	case <-runCtx.Done():
		return transport.Result{
			DurationMs:     time.Since(start).Milliseconds(),
			TransportError: transport.ErrTimeout,
		}, nil
	}
}
