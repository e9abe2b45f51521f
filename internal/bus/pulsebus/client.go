// Package pulsebus implements bus.Bus over goa.design/pulse/streaming: one
// Redis stream per priority level, with a Pulse sink (consumer group) per
// worker pool. This is what makes a separate "approval decide" CLI
// invocation able to resolve an approval gate opened by a different "run
// start" process — both talk to the same Redis instance, where the
// approval gate is kept in a Pulse replicated map (RedisApprovalGate).
package pulsebus

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// streamClient is a thin wrapper around goa.design/pulse/streaming:
	// callers pass a Redis connection and get back a typed interface
	// exposing only the stream operations the bus needs.
	streamClient struct {
		redis *redis.Client
	}

	streamHandle struct {
		stream *streaming.Stream
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

// newStreamClient constructs a stream client backed by an existing Redis
// connection. Returns an error if redisClient is nil.
func newStreamClient(redisClient *redis.Client) (*streamClient, error) {
	if redisClient == nil {
		return nil, errors.New("pulsebus: redis client is required")
	}
	return &streamClient{redis: redisClient}, nil
}

// stream returns a handle to the named Pulse stream, creating it if needed.
func (c *streamClient) stream(name string) (*streamHandle, error) {
	str, err := streaming.NewStream(name, c.redis)
	if err != nil {
		return nil, fmt.Errorf("pulsebus: create stream %q: %w", name, err)
	}
	return &streamHandle{stream: str}, nil
}

func (h *streamHandle) add(ctx context.Context, event string, payload []byte) (string, error) {
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulsebus: add to stream: %w", err)
	}
	return id, nil
}

func (h *streamHandle) newSink(ctx context.Context, name string, opts ...streamopts.Sink) (*sinkAdapter, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulsebus: new sink %q: %w", name, err)
	}
	return &sinkAdapter{Sink: sink}, nil
}
