// Package webhook invokes an agent over HTTP, POSTing the execution's JSON
// inputs to the agent's registered endpoint as a plain request/response
// envelope rather than an RPC method dispatch.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"goa.design/pipeline-core/internal/decision"
	"goa.design/pipeline-core/internal/exectx"
	"goa.design/pipeline-core/internal/transport"
)

type (
	// Option configures an Invoker.
	Option func(*Invoker)

	// Invoker posts the execution context's inputs to a fixed endpoint.
	Invoker struct {
		endpoint string
		http     *http.Client
		headers  http.Header
	}

	requestEnvelope struct {
		ExecutionID string         `json:"execution_id"`
		AgentID     string         `json:"agent_id"`
		Phase       string         `json:"phase"`
		Attempt     int            `json:"attempt"`
		Inputs      map[string]any `json:"inputs"`
	}

	responseEnvelope struct {
		Output map[string]any `json:"output"`
		Error  string         `json:"error,omitempty"`
	}
)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option { return func(i *Invoker) { i.http = c } }

// WithHeader adds a static header to every outgoing request.
func WithHeader(name, value string) Option {
	return func(i *Invoker) {
		if i.headers == nil {
			i.headers = make(http.Header)
		}
		i.headers.Add(name, value)
	}
}

// New constructs a webhook Invoker targeting endpoint.
func New(endpoint string, opts ...Option) *Invoker {
	i := &Invoker{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
		headers:  make(http.Header),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

var _ transport.Invoker = (*Invoker)(nil)

// Invoke POSTs execCtx as JSON to the configured endpoint, respecting
// execCtx.Limits.TimeoutMs as the request deadline.
func (i *Invoker) Invoke(ctx context.Context, execCtx *exectx.ExecutionContext) (transport.Result, error) {
	timeout := time.Duration(execCtx.Limits.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(requestEnvelope{
		ExecutionID: execCtx.ExecutionID,
		AgentID:     execCtx.AgentID,
		Phase:       string(execCtx.Phase),
		Attempt:     execCtx.Attempt,
		Inputs:      execCtx.Inputs,
	})
	if err != nil {
		return transport.Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(runCtx, http.MethodPost, i.endpoint, bytes.NewReader(body))
	if err != nil {
		return transport.Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, vs := range i.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := i.http.Do(httpReq)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return transport.Result{DurationMs: elapsed, TransportError: transport.ErrTimeout}, nil
		}
		return transport.Result{DurationMs: elapsed, TransportError: err}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	status := resp.StatusCode
	var env responseEnvelope
	var stdout []byte
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil {
		stdout, _ = json.Marshal(env.Output)
	}

	result := transport.Result{
		HTTPStatus: &status,
		Stdout:     stdout,
		DurationMs: elapsed,
	}
	if status == http.StatusTooManyRequests {
		result.Ok = false
		result.TransportError = decision.WrapRateLimited(fmt.Errorf("webhook: rate limited (status %d)", status))
		return result, nil
	}
	if status < 200 || status >= 300 {
		result.Ok = false
		result.TransportError = fmt.Errorf("webhook: unexpected status %d", status)
		return result, nil
	}
	if env.Error != "" {
		result.Ok = false
		result.Stderr = []byte(env.Error)
		result.TransportError = fmt.Errorf("webhook: agent reported error: %s", env.Error)
		return result, nil
	}
	result.Ok = true
	return result, nil
}
