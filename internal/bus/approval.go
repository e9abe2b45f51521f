package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ApprovalDecision is the outcome recorded against an APPROVAL_REQUEST.
type ApprovalDecision struct {
	Approved bool
	Reason   string
	By       string
}

// ErrApprovalTimeout is returned by Await when approval_timeout_ms elapses
// before a decision is recorded.
var ErrApprovalTimeout = errors.New("bus: approval timed out")

// ErrApprovalCancelled is returned by Await when ctx is cancelled before a
// decision is recorded.
var ErrApprovalCancelled = errors.New("bus: approval wait cancelled")

// ApprovalGate tracks pending APPROVAL_REQUEST messages, each keyed by
// request_id, as a single-shot channel with buffer 1. Decide sends on the
// channel; Await selects on the channel against a timeout and ctx
// cancellation. The in-memory map is the default; the Redis-backed bus
// wraps the same request/decide contract over a goa.design/pulse/rmap.Map
// so a separate OS process invoking "approval decide" can resolve the same
// request.
type ApprovalGate struct {
	mu      sync.Mutex
	pending map[string]chan ApprovalDecision
}

// NewApprovalGate constructs an empty, ready-to-use gate.
func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{pending: make(map[string]chan ApprovalDecision)}
}

// Register opens a single-shot slot for requestID. It is idempotent: a
// second Register for the same requestID keeps the existing slot. ctx
// is accepted only to satisfy ApprovalGater; the in-process map never
// blocks on it.
func (g *ApprovalGate) Register(ctx context.Context, requestID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[requestID]; !ok {
		g.pending[requestID] = make(chan ApprovalDecision, 1)
	}
	return nil
}

// Decide resolves a pending request. It returns false if no request with
// that id is currently registered (already resolved, or never requested).
func (g *ApprovalGate) Decide(ctx context.Context, requestID string, decision ApprovalDecision) (bool, error) {
	g.mu.Lock()
	ch, ok := g.pending[requestID]
	if ok {
		delete(g.pending, requestID)
	}
	g.mu.Unlock()
	if !ok {
		return false, nil
	}
	ch <- decision
	return true, nil
}

// Await blocks until requestID is decided, ctx is cancelled, or timeout
// elapses, whichever comes first.
func (g *ApprovalGate) Await(ctx context.Context, requestID string, timeout time.Duration) (ApprovalDecision, error) {
	g.mu.Lock()
	ch, ok := g.pending[requestID]
	if !ok {
		ch = make(chan ApprovalDecision, 1)
		g.pending[requestID] = ch
	}
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decision := <-ch:
		return decision, nil
	case <-timer.C:
		g.mu.Lock()
		delete(g.pending, requestID)
		g.mu.Unlock()
		return ApprovalDecision{}, ErrApprovalTimeout
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.pending, requestID)
		g.mu.Unlock()
		return ApprovalDecision{}, ErrApprovalCancelled
	}
}
