// Package memory implements bus.Bus over plain Go channels: one buffered
// channel per priority level, which already preserve FIFO enqueue order, so
// no separate heap or sequence counter is needed. This is the default
// transport for single-process runs and every unit test.
package memory

import (
	"context"
	"sync"
	"time"

	"goa.design/pipeline-core/internal/bus"
	"goa.design/pipeline-core/internal/telemetry"
)

// Bus is the in-memory bus.Bus implementation.
type Bus struct {
	queues map[bus.Priority]chan bus.Message
	policy bus.RetryPolicy
	model  bus.TransitionValidator

	mu       sync.Mutex
	handlers map[bus.MessageType]bus.Handler

	approvals *bus.ApprovalGate

	cmu      sync.Mutex
	counters bus.Counters

	dmu         sync.Mutex
	deadLetters []bus.DeadLetter

	queueSize int
	workers   int

	log telemetry.Logger
	met telemetry.Metrics
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithRetryPolicy overrides the default base/cap backoff.
func WithRetryPolicy(p bus.RetryPolicy) Option { return func(b *Bus) { b.policy = p } }

// WithQueueSize sets the buffer size of each priority channel.
func WithQueueSize(n int) Option { return func(b *Bus) { b.queueSize = n } }

// WithWorkers sets the total number of concurrent dispatch workers; each
// worker serves all priority levels.
func WithWorkers(n int) Option { return func(b *Bus) { b.workers = n } }

// WithLogger attaches a telemetry.Logger; defaults to a no-op logger.
func WithLogger(log telemetry.Logger) Option { return func(b *Bus) { b.log = log } }

// WithMetrics attaches a telemetry.Metrics recorder; defaults to a no-op
// recorder.
func WithMetrics(met telemetry.Metrics) Option { return func(b *Bus) { b.met = met } }

// WithWorkflowModel binds the Workflow Model Enqueue validates every
// MessageHandoff's (FromPhase, ToPhase) pair against. Without this option
// the Bus performs no transition validation at all.
func WithWorkflowModel(model bus.TransitionValidator) Option {
	return func(b *Bus) { b.model = model }
}

// New constructs a ready-to-run in-memory Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		queues:    make(map[bus.Priority]chan bus.Message),
		handlers:  make(map[bus.MessageType]bus.Handler),
		approvals: bus.NewApprovalGate(),
		queueSize: 256,
		workers:   4,
		policy:    bus.RetryPolicy{Base: time.Second, Cap: 30 * time.Second},
		log:       telemetry.NewNoopLogger(),
		met:       telemetry.NewNoopMetrics(),
		counters: bus.Counters{
			Enqueued:     map[bus.Priority]int{},
			Dequeued:     map[bus.Priority]int{},
			Delivered:    map[bus.Priority]int{},
			Retried:      map[bus.Priority]int{},
			DeadLettered: map[bus.Priority]int{},
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, p := range []bus.Priority{bus.PriorityCritical, bus.PriorityHigh, bus.PriorityNormal, bus.PriorityLow} {
		b.queues[p] = make(chan bus.Message, b.queueSize)
	}
	return b
}

// Enqueue validates msg (see bus.ValidateHandoff) and places it on its
// priority queue. Assigns a priority of NORMAL if unset.
func (b *Bus) Enqueue(ctx context.Context, msg bus.Message) error {
	if err := bus.ValidateHandoff(msg, b.model); err != nil {
		return err
	}
	if msg.Priority == "" {
		msg.Priority = bus.PriorityNormal
	}
	q, ok := b.queues[msg.Priority]
	if !ok {
		q = b.queues[bus.PriorityNormal]
	}
	b.cmu.Lock()
	b.counters.Enqueued[msg.Priority]++
	b.cmu.Unlock()
	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers h for messages of type typ.
func (b *Bus) Subscribe(typ bus.MessageType, h bus.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[typ] = h
}

// Approvals returns the bus's ApprovalGate.
func (b *Bus) Approvals() bus.ApprovalGater { return b.approvals }

// DeadLetters returns a snapshot of the dead-letter queue.
func (b *Bus) DeadLetters() []bus.DeadLetter {
	b.dmu.Lock()
	defer b.dmu.Unlock()
	out := make([]bus.DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// Counters returns a snapshot of the delivery counters.
func (b *Bus) Counters() bus.Counters {
	b.cmu.Lock()
	defer b.cmu.Unlock()
	clone := bus.Counters{
		Enqueued:     map[bus.Priority]int{},
		Dequeued:     map[bus.Priority]int{},
		Delivered:    map[bus.Priority]int{},
		Retried:      map[bus.Priority]int{},
		DeadLettered: map[bus.Priority]int{},
	}
	for k, v := range b.counters.Enqueued {
		clone.Enqueued[k] = v
	}
	for k, v := range b.counters.Dequeued {
		clone.Dequeued[k] = v
	}
	for k, v := range b.counters.Delivered {
		clone.Delivered[k] = v
	}
	for k, v := range b.counters.Retried {
		clone.Retried[k] = v
	}
	for k, v := range b.counters.DeadLettered {
		clone.DeadLettered[k] = v
	}
	return clone
}
