package memory

import (
	"context"
	"sync"
	"time"

	"goa.design/pipeline-core/internal/bus"
)

// logFields renders the delivery attributes common to this bus's retry and
// dead-letter log lines.
func (b *Bus) logFields(msg bus.Message) []any {
	return []any{"message_id", msg.MessageID, "type", string(msg.Type), "priority", string(msg.Priority), "retry_count", msg.RetryCount}
}

// Run starts b.workers workers in total; on every 100 ms tick each worker
// pops at most one message, strictly in priority order (CRITICAL, HIGH,
// NORMAL, LOW), using non-blocking receives on the queues. Run blocks until
// ctx is cancelled, then waits for the workers to finish.
func (b *Bus) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.dispatchLoop(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, ok := b.popHighestPriority()
			if !ok {
				continue
			}
			b.deliver(ctx, msg)
		}
	}
}

// popHighestPriority drains the first available message across the
// priority queues in strict CRITICAL > HIGH > NORMAL > LOW order.
func (b *Bus) popHighestPriority() (bus.Message, bool) {
	for _, p := range []bus.Priority{bus.PriorityCritical, bus.PriorityHigh, bus.PriorityNormal, bus.PriorityLow} {
		select {
		case msg := <-b.queues[p]:
			b.cmu.Lock()
			b.counters.Dequeued[p]++
			b.cmu.Unlock()
			return msg, true
		default:
		}
	}
	return bus.Message{}, false
}

func (b *Bus) deliver(ctx context.Context, msg bus.Message) {
	b.mu.Lock()
	h, ok := b.handlers[msg.Type]
	b.mu.Unlock()
	if !ok {
		b.deadLetter(msg, bus.ErrUnregisteredType)
		return
	}

	err := h(ctx, msg)
	if err == nil {
		b.cmu.Lock()
		b.counters.Delivered[msg.Priority]++
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
	b.counters.Retried[msg.Priority]++
	b.cmu.Unlock()
	b.log.Warn(ctx, "bus: retrying message", append(b.logFields(msg), "backoff", backoff.String(), "error", err.Error())...)
	b.met.IncCounter("bus.retried", 1, "priority", string(msg.Priority))
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
	b.log.Error(context.Background(), "bus: dead-lettered message", append(b.logFields(msg), "error", err.Error())...)
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
