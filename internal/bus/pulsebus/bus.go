package pulsebus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
	"goa.design/pulse/streaming"

	"goa.design/pipeline-core/internal/bus"
	"goa.design/pipeline-core/internal/telemetry"
)

// Bus is the Redis-backed bus.Bus implementation: one Pulse stream per
// priority level, a consumer-group sink per stream for the dispatch
// workers. Selected by bus.redis.enabled in the config; required for "approval decide" to run
// as a separate CLI invocation from "run start".
type Bus struct {
	client *streamClient
	policy bus.RetryPolicy
	model  bus.TransitionValidator

	streams map[bus.Priority]*streamHandle
	sinks   map[bus.Priority]*sinkAdapter

	mu       sync.Mutex
	handlers map[bus.MessageType]bus.Handler

	approvals    bus.ApprovalGater
	approvalsMap *rmap.Map

	cmu      sync.Mutex
	counters bus.Counters

	dmu         sync.Mutex
	deadLetters []bus.DeadLetter

	groupName string
	log       telemetry.Logger
	met       telemetry.Metrics
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithRetryPolicy overrides the default base/cap backoff.
func WithRetryPolicy(p bus.RetryPolicy) Option { return func(b *Bus) { b.policy = p } }

// WithConsumerGroup names the Pulse sink (consumer group) workers join;
// defaults to "dispatch".
func WithConsumerGroup(name string) Option { return func(b *Bus) { b.groupName = name } }

// WithLogger attaches a telemetry.Logger; defaults to a no-op logger.
func WithLogger(log telemetry.Logger) Option { return func(b *Bus) { b.log = log } }

// WithMetrics attaches a telemetry.Metrics recorder; defaults to a no-op
// recorder.
func WithMetrics(met telemetry.Metrics) Option { return func(b *Bus) { b.met = met } }

// WithWorkflowModel binds the Workflow Model Enqueue validates every
// MessageHandoff's (FromPhase, ToPhase) pair against.
func WithWorkflowModel(model bus.TransitionValidator) Option {
	return func(b *Bus) { b.model = model }
}

// New constructs a Bus with one stream per priority named "<runID>.<priority>".
func New(ctx context.Context, redisClient *redis.Client, runID string, opts ...Option) (*Bus, error) {
	sc, err := newStreamClient(redisClient)
	if err != nil {
		return nil, err
	}
	approvalsMap, err := rmap.Join(ctx, "approvals-"+runID, redisClient)
	if err != nil {
		return nil, fmt.Errorf("pulsebus: join approvals map for run %q: %w", runID, err)
	}
	b := &Bus{
		client:       sc,
		policy:       bus.RetryPolicy{Base: time.Second, Cap: 30 * time.Second},
		streams:      make(map[bus.Priority]*streamHandle),
		sinks:        make(map[bus.Priority]*sinkAdapter),
		handlers:     make(map[bus.MessageType]bus.Handler),
		approvals:    NewRedisApprovalGate(approvalsMap),
		approvalsMap: approvalsMap,
		groupName:    "dispatch",
		log:          telemetry.NewNoopLogger(),
		met:          telemetry.NewNoopMetrics(),
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
		h, err := sc.stream(fmt.Sprintf("%s.%s", runID, p))
		if err != nil {
			return nil, err
		}
		b.streams[p] = h
		sink, err := h.newSink(ctx, b.groupName)
		if err != nil {
			return nil, err
		}
		b.sinks[p] = sink
	}
	return b, nil
}

// Enqueue validates msg (see bus.ValidateHandoff), JSON-encodes it, and
// publishes it to its priority's stream.
func (b *Bus) Enqueue(ctx context.Context, msg bus.Message) error {
	if err := bus.ValidateHandoff(msg, b.model); err != nil {
		return err
	}
	if msg.Priority == "" {
		msg.Priority = bus.PriorityNormal
	}
	h, ok := b.streams[msg.Priority]
	if !ok {
		h = b.streams[bus.PriorityNormal]
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pulsebus: encode message: %w", err)
	}
	if _, err := h.add(ctx, string(msg.Type), payload); err != nil {
		return err
	}
	b.cmu.Lock()
	b.counters.Enqueued[msg.Priority]++
	b.cmu.Unlock()
	return nil
}

// Subscribe registers h for messages of type typ.
func (b *Bus) Subscribe(typ bus.MessageType, h bus.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[typ] = h
}

// Approvals returns the RedisApprovalGate joined to this run's
// "approvals-<runID>" replicated map, reachable from a separate
// "approval decide" CLI invocation sharing the same Redis instance.
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
	return b.counters
}

// Run starts one goroutine per priority reading its sink. The goroutines
// run independently: a NORMAL/LOW event is not held back while
// CRITICAL/HIGH events are buffered.
func (b *Bus) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, p := range []bus.Priority{bus.PriorityCritical, bus.PriorityHigh, bus.PriorityNormal, bus.PriorityLow} {
		wg.Add(1)
		go func(priority bus.Priority) {
			defer wg.Done()
			b.consume(ctx, priority)
		}(p)
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (b *Bus) consume(ctx context.Context, priority bus.Priority) {
	sink := b.sinks[priority]
	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.handle(ctx, priority, sink, ev)
		}
	}
}

func (b *Bus) handle(ctx context.Context, priority bus.Priority, sink *sinkAdapter, ev *streaming.Event) {
	var msg bus.Message
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		_ = sink.Ack(ctx, ev)
		return
	}
	b.cmu.Lock()
	b.counters.Dequeued[priority]++
	b.cmu.Unlock()

	b.mu.Lock()
	h, ok := b.handlers[msg.Type]
	b.mu.Unlock()
	if !ok {
		b.deadLetter(msg, bus.ErrUnregisteredType)
		_ = sink.Ack(ctx, ev)
		return
	}

	err := h(ctx, msg)
	_ = sink.Ack(ctx, ev)
	if err == nil {
		b.cmu.Lock()
		b.counters.Delivered[priority]++
		b.cmu.Unlock()
		return
	}

	if bus.IsTerminal(err) || msg.RetryCount >= msg.MaxRetries {
		msg.RetryCount = msg.MaxRetries + 1
		b.deadLetter(msg, err)
		return
	}

	msg.RetryCount++
	var backoff time.Duration
	if bus.IsRateLimited(err) {
		backoff = bus.RateLimitedBackoffFor(b.policy, msg.RetryCount)
	} else {
		backoff = bus.BackoffFor(b.policy, msg.RetryCount)
	}
	b.cmu.Lock()
	b.counters.Retried[priority]++
	b.cmu.Unlock()
	b.log.Warn(ctx, "pulsebus: retrying message", "message_id", msg.MessageID, "type", string(msg.Type),
		"priority", string(priority), "retry_count", msg.RetryCount, "backoff", backoff.String(), "error", err.Error())
	b.met.IncCounter("bus.retried", 1, "priority", string(priority))
	time.AfterFunc(backoff, func() {
		_ = b.Enqueue(context.Background(), msg)
	})
}

func (b *Bus) deadLetter(msg bus.Message, err error) {
	b.cmu.Lock()
	b.counters.DeadLettered[msg.Priority]++
	b.cmu.Unlock()
	b.dmu.Lock()
	b.deadLetters = append(b.deadLetters, bus.DeadLetter{Message: msg, Err: err, At: time.Now()})
	b.dmu.Unlock()
	b.log.Error(context.Background(), "pulsebus: dead-lettered message", "message_id", msg.MessageID,
		"type", string(msg.Type), "priority", string(msg.Priority), "error", err.Error())
	b.met.IncCounter("bus.dead_lettered", 1, "priority", string(msg.Priority))

	errMsg := bus.NewMessage(msg.FromPhase, nil, bus.MessageError, bus.PriorityHigh, map[string]any{
		"original_message_id": msg.MessageID,
		"error":               err.Error(),
	}, 0)
	b.mu.Lock()
	h, ok := b.handlers[bus.MessageError]
	b.mu.Unlock()
	if ok {
		_ = h(context.Background(), errMsg)
	}
}

// Close releases the bus's Pulse streams and leaves its approvals map.
func (b *Bus) Close(ctx context.Context) error {
	for _, h := range b.streams {
		if err := h.stream.Destroy(ctx); err != nil {
			return err
		}
	}
	if b.approvalsMap != nil {
		b.approvalsMap.Close()
	}
	return nil
}
