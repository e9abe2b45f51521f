// Package transport selects how an agent is invoked for a given execution
// and defines the common Invoker contract every concrete transport
// implements. Invokers never panic: every failure, including a timeout,
// comes back as a structured Result with a TransportError set, never an
// unwound goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"goa.design/pipeline-core/internal/exectx"
)

type (
	// Kind identifies a transport mechanism.
	Kind string

	// AgentConfig is the registered configuration for one agent, used by
	// SelectFor to infer a Kind when the caller doesn't pin one.
	AgentConfig struct {
		AgentID        string
		Transport      Kind // explicit override; empty means infer
		EndpointURL    string
		Command        string
		CommandArgs    []string
		ContainerImage string
	}

	// Result is the structured outcome of one invocation. Ok is false for
	// every failure mode (non-zero exit, non-2xx HTTP, transport error,
	// timeout); callers branch on Ok and TransportError, never on panics.
	Result struct {
		Ok             bool
		ExitCode       *int
		HTTPStatus     *int
		Stdout         []byte
		Stderr         []byte
		DurationMs     int64
		TransportError error
	}

	// Invoker executes one agent invocation over a specific transport.
	Invoker interface {
		Invoke(ctx context.Context, execCtx *exectx.ExecutionContext) (Result, error)
	}
)

const (
	InProcess    Kind = "in_process"
	Subprocess   Kind = "subprocess"
	Webhook      Kind = "webhook"
	Container    Kind = "container"
	StdioChannel Kind = "stdio_channel"
)

// ErrTimeout marks a Result.TransportError produced when execCtx.Limits.TimeoutMs
// elapsed before the invocation completed.
var ErrTimeout = errors.New("transport: invocation timed out")

// ErrNoTransportInferred is returned by SelectFor when cfg carries none of
// the signals (endpoint URL, command, container image) needed to infer a
// transport and no explicit override was set.
var ErrNoTransportInferred = errors.New("transport: cannot infer transport from agent config")

// SelectFor picks the transport for cfg: the explicit override if valid,
// otherwise inferred from which of EndpointURL/Command/ContainerImage is
// set. Validates the winning transport's config before returning (e.g. URL
// syntax for WEBHOOK).
func SelectFor(cfg AgentConfig) (Kind, error) {
	kind := cfg.Transport
	if kind == "" {
		switch {
		case cfg.EndpointURL != "":
			kind = Webhook
		case cfg.Command != "":
			kind = Subprocess
		case cfg.ContainerImage != "":
			kind = Container
		default:
			return "", ErrNoTransportInferred
		}
	}

	switch kind {
	case InProcess, StdioChannel:
		// no external config to validate
	case Webhook:
		if cfg.EndpointURL == "" {
			return "", fmt.Errorf("transport: webhook requires an endpoint url for agent %q", cfg.AgentID)
		}
		if _, err := url.ParseRequestURI(cfg.EndpointURL); err != nil {
			return "", fmt.Errorf("transport: invalid webhook endpoint for agent %q: %w", cfg.AgentID, err)
		}
	case Subprocess:
		if cfg.Command == "" {
			return "", fmt.Errorf("transport: subprocess requires a command for agent %q", cfg.AgentID)
		}
	case Container:
		if cfg.ContainerImage == "" {
			return "", fmt.Errorf("transport: container requires an image for agent %q", cfg.AgentID)
		}
	default:
		return "", fmt.Errorf("transport: unknown transport kind %q", kind)
	}
	return kind, nil
}
