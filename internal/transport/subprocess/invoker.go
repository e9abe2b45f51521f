// Package subprocess invokes an agent as a child process, writing its JSON
// inputs to stdin and capturing stdout/stderr. On timeout the process is
// killed rather than left to run past its budget.
package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"time"

	"goa.design/pipeline-core/internal/exectx"
	"goa.design/pipeline-core/internal/transport"
)

// Invoker runs an agent as a subprocess of command with args.
type Invoker struct {
	Command string
	Args    []string
}

// New constructs a subprocess Invoker.
func New(command string, args []string) *Invoker {
	return &Invoker{Command: command, Args: args}
}

// Invoke runs the configured command, feeding execCtx.Inputs as JSON on
// stdin and the execCtx environment map merged onto the process env.
func (i *Invoker) Invoke(ctx context.Context, execCtx *exectx.ExecutionContext) (transport.Result, error) {
	timeout := time.Duration(execCtx.Limits.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, i.Command, i.Args...)
	cmd.Dir = execCtx.Paths.TempDir
	cmd.Env = os.Environ()
	for k, v := range execCtx.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	input, err := json.Marshal(execCtx.Inputs)
	if err != nil {
		return transport.Result{}, err
	}
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	if runCtx.Err() == context.DeadlineExceeded {
		return transport.Result{
			Ok:             false,
			Stdout:         stdout.Bytes(),
			Stderr:         stderr.Bytes(),
			DurationMs:     elapsed,
			TransportError: transport.ErrTimeout,
		}, nil
	}

	result := transport.Result{
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		DurationMs: elapsed,
	}
	if runErr != nil {
		code := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		result.ExitCode = &code
		result.TransportError = runErr
		result.Ok = false
		return result, nil
	}
	code := 0
	result.ExitCode = &code
	result.Ok = true
	return result, nil
}
