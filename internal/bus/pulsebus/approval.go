package pulsebus

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/pulse/rmap"

	"goa.design/pipeline-core/internal/bus"
)

// RedisApprovalGate backs the approval-gate contract with a
// goa.design/pulse/rmap.Map instead of an in-process map, so a CLI
// invocation running "approval decide" in a separate OS process can resolve
// the same request a "run start" process is blocked awaiting — the
// cross-node replicated-map pattern used elsewhere in this codebase for
// sharing health state across nodes.
type RedisApprovalGate struct {
	m *rmap.Map
}

// NewRedisApprovalGate wraps an already-joined rmap.Map. Callers obtain m
// via rmap.Join(ctx, "approvals-"+runID, redisClient).
func NewRedisApprovalGate(m *rmap.Map) *RedisApprovalGate {
	return &RedisApprovalGate{m: m}
}

// Register marks requestID pending so Decide knows it is awaited. A no-op
// if the key already exists (idempotent, matching bus.ApprovalGate.Register).
func (g *RedisApprovalGate) Register(ctx context.Context, requestID string) error {
	if _, ok := g.m.Get(requestID); ok {
		return nil
	}
	_, err := g.m.Set(ctx, requestID, "")
	return err
}

// Decide resolves requestID with decision, visible to any process sharing
// the same rmap.Map. Returns false if requestID was never registered.
func (g *RedisApprovalGate) Decide(ctx context.Context, requestID string, decision bus.ApprovalDecision) (bool, error) {
	if _, ok := g.m.Get(requestID); !ok {
		return false, nil
	}
	raw, err := json.Marshal(decision)
	if err != nil {
		return false, err
	}
	if _, err := g.m.Set(ctx, requestID, string(raw)); err != nil {
		return false, err
	}
	return true, nil
}

// Await blocks until requestID carries a non-empty decision, ctx is
// cancelled, or timeout elapses. It subscribes to the map's change feed so
// it wakes promptly instead of polling tightly.
func (g *RedisApprovalGate) Await(ctx context.Context, requestID string, timeout time.Duration) (bus.ApprovalDecision, error) {
	if v, ok := g.m.Get(requestID); ok && v != "" {
		return decodeApproval(v)
	}

	events := g.m.Subscribe()
	defer g.m.Unsubscribe(events)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-events:
			if v, ok := g.m.Get(requestID); ok && v != "" {
				return decodeApproval(v)
			}
		case <-timer.C:
			return bus.ApprovalDecision{}, bus.ErrApprovalTimeout
		case <-ctx.Done():
			return bus.ApprovalDecision{}, bus.ErrApprovalCancelled
		}
	}
}

func decodeApproval(raw string) (bus.ApprovalDecision, error) {
	var d bus.ApprovalDecision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return bus.ApprovalDecision{}, err
	}
	return d, nil
}
