// Package container invokes an agent by running it in a Docker container,
// exec'd via the docker CLI (no Docker SDK dependency appears anywhere in
// the corpus, so this follows the same exec.CommandContext shape as
// transport/subprocess rather than reaching for an out-of-pack client).
// Stdio is piped directly in and out of the container process, one
// `docker run` per attempt. A long-lived container exchanging
// newline-delimited JSON across attempts (STDIO_CHANNEL) is not implemented.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"goa.design/pipeline-core/internal/exectx"
	"goa.design/pipeline-core/internal/transport"
)

// Invoker runs an agent inside a named container image.
type Invoker struct {
	Image string
	// Stdio records that the STDIO_CHANNEL variant was requested. Invoke
	// does not read it: every attempt is a single request/response cycle
	// whether it is set or not.
	Stdio bool
}

// New constructs a container Invoker for image.
func New(image string) *Invoker { return &Invoker{Image: image} }

// WithStdioChannel sets Stdio; Invoke behaves the same either way.
func (i *Invoker) WithStdioChannel() *Invoker { i.Stdio = true; return i }

// Invoke runs `docker run --rm -i <image>`, mounting execCtx's directories
// and feeding its inputs on stdin.
func (i *Invoker) Invoke(ctx context.Context, execCtx *exectx.ExecutionContext) (transport.Result, error) {
	timeout := time.Duration(execCtx.Limits.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"run", "--rm", "-i",
		"-v", fmt.Sprintf("%s:/workspace/artifacts", execCtx.Paths.ArtifactDir),
		"-v", fmt.Sprintf("%s:/workspace/logs", execCtx.Paths.LogDir),
	}
	for k, v := range execCtx.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, i.Image)

	cmd := exec.CommandContext(runCtx, "docker", args...)

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
			Stdout:         stdout.Bytes(),
			Stderr:         stderr.Bytes(),
			DurationMs:     elapsed,
			TransportError: transport.ErrTimeout,
		}, nil
	}

	result := transport.Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), DurationMs: elapsed}
	if runErr != nil {
		code := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		result.ExitCode = &code
		result.TransportError = runErr
		return result, nil
	}
	code := 0
	result.ExitCode = &code
	result.Ok = true
	return result, nil
}
