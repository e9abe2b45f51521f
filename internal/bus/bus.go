package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/pipeline-core/internal/workflow"
)

type (
	// Handler processes one delivered Message. A non-nil error marks the
	// delivery FAILED_RETRYABLE unless wrapped in Terminal, which marks it
	// FAILED_TERMINAL and sends it straight to the DLQ regardless of
	// remaining retry budget (the SCHEMA_INVALID case: zero retry budget).
	Handler func(ctx context.Context, msg Message) error

	// RetryPolicy controls the exponential backoff applied between a
	// FAILED_RETRYABLE delivery and its re-enqueue. RateLimitMultiplier
	// scales Base before the exponential backoff is computed for a
	// delivery wrapped in RateLimited, so a rate-limited agent backs off
	// further than a plain timeout or transport failure; it defaults to 4
	// when zero.
	RetryPolicy struct {
		Base                time.Duration
		Cap                 time.Duration
		RateLimitMultiplier float64
	}

	// DeadLetter is a message that exhausted its retry budget, paired with
	// the error from its final delivery attempt.
	DeadLetter struct {
		Message Message
		Err     error
		At      time.Time
	}

	// Counters is the observable delivery state exposed through the Status
	// Tracker: per priority and per type counts across the message
	// lifecycle.
	Counters struct {
		Enqueued  map[Priority]int
		Dequeued  map[Priority]int
		Delivered map[Priority]int
		Retried   map[Priority]int
		DeadLettered map[Priority]int
	}

	// TransitionValidator is the subset of workflow.Model a Bus needs to
	// validate a MessageHandoff's (from, to) phase pair. Satisfied by
	// *workflow.Model; a Bus constructed without one skips validation.
	TransitionValidator interface {
		IsTransitionAllowed(from, to workflow.PhaseID) bool
	}

	// ApprovalGater is the approval-gate contract a Bus exposes through
	// Approvals(): register a pending request, resolve it, and block
	// until it resolves or times out. *ApprovalGate satisfies it with an
	// in-process map; pulsebus.RedisApprovalGate satisfies it with a
	// goa.design/pulse/rmap.Map so a separate "approval decide" process
	// can resolve a request a "run start" process is awaiting.
	ApprovalGater interface {
		Register(ctx context.Context, requestID string) error
		Decide(ctx context.Context, requestID string, decision ApprovalDecision) (bool, error)
		Await(ctx context.Context, requestID string, timeout time.Duration) (ApprovalDecision, error)
	}

	// Bus routes Messages to registered agent Handlers, enforcing strict
	// priority ordering, retry with exponential backoff, and dead-lettering
	// once a message's retry budget is exhausted.
	Bus interface {
		// Enqueue validates a MessageHandoff's (FromPhase, ToPhase) pair
		// against the Workflow Model the Bus was constructed with,
		// rejecting with DisallowedTransitionError when no such edge
		// exists (a Bus with no model skips validation), and places the
		// message on its priority queue. CreatedAt/MessageID are set by
		// NewMessage, not by Enqueue.
		Enqueue(ctx context.Context, msg Message) error

		// Subscribe registers the Handler invoked for every message whose
		// Type matches typ, dispatched by a worker pool sized per the
		// configured parallelism cap. Subscribe must be called before Run.
		Subscribe(typ MessageType, h Handler)

		// Run starts the dispatch loop: workers pop messages in strict
		// priority order and invoke the registered Handler. Run blocks until ctx is cancelled, at which
		// point in-flight handlers are allowed to finish and Run returns.
		Run(ctx context.Context) error

		// DeadLetters returns a snapshot of the dead-letter queue.
		DeadLetters() []DeadLetter

		// Counters returns a snapshot of the bus's observable delivery
		// counters.
		Counters() Counters

		// Approvals returns the ApprovalGater shared by this bus instance.
		Approvals() ApprovalGater
	}
)

// Terminal wraps a Handler error to force immediate dead-lettering,
// bypassing remaining retry budget. Used for SCHEMA_INVALID, which spec
// gives zero retry budget regardless of max_retries.
type Terminal struct{ Err error }

func (t *Terminal) Error() string { return t.Err.Error() }
func (t *Terminal) Unwrap() error { return t.Err }

// IsTerminal reports whether err was wrapped with Terminal.
func IsTerminal(err error) bool {
	var t *Terminal
	return errors.As(err, &t)
}

// RateLimited wraps a Handler error to mark a FAILED_RETRYABLE delivery as
// rate-limited, so the Bus applies RateLimitedBackoffFor instead of
// BackoffFor on re-enqueue — a rate-limited agent needs to back off further
// than a transient timeout or transport error before the next attempt.
type RateLimited struct{ Err error }

func (r *RateLimited) Error() string { return r.Err.Error() }
func (r *RateLimited) Unwrap() error { return r.Err }

// IsRateLimited reports whether err was wrapped with RateLimited.
func IsRateLimited(err error) bool {
	var r *RateLimited
	return errors.As(err, &r)
}

// ErrUnregisteredType is the dead-letter error recorded when a message is
// delivered and no Handler has been registered for msg.Type via Subscribe.
var ErrUnregisteredType = errors.New("bus: no handler registered for message type")

// DisallowedTransitionError reports that a MessageHandoff's (From, To)
// phase pair is not permitted by the Workflow Model, per spec.md §4.3's
// is_transition_allowed check and §7's DisallowedTransition fatal path.
type DisallowedTransitionError struct {
	From, To string
}

func (e *DisallowedTransitionError) Error() string {
	return fmt.Sprintf("bus: transition %q -> %q is not allowed", e.From, e.To)
}

// ValidateHandoff rejects msg with a *DisallowedTransitionError when it is a
// MessageHandoff whose (FromPhase, ToPhase) pair model says is not allowed.
// A nil model, or any non-handoff message, passes without checking —
// transition validation only applies to the one message kind that carries
// an explicit phase-to-phase edge.
func ValidateHandoff(msg Message, model TransitionValidator) error {
	if model == nil || msg.Type != MessageHandoff {
		return nil
	}
	if !model.IsTransitionAllowed(msg.FromPhase, msg.ToPhase) {
		return &DisallowedTransitionError{From: string(msg.FromPhase), To: string(msg.ToPhase)}
	}
	return nil
}

// BackoffFor computes the retry backoff for the given 1-based retry_count
// using min(base*2^(retry_count-1), cap).
func BackoffFor(policy RetryPolicy, retryCount int) time.Duration {
	base := policy.Base
	if base <= 0 {
		base = time.Second
	}
	cap_ := policy.Cap
	if cap_ <= 0 {
		cap_ = 30 * time.Second
	}
	d := base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= cap_ {
			return cap_
		}
	}
	if d > cap_ {
		return cap_
	}
	return d
}

// RateLimitedBackoffFor computes the retry backoff for a rate-limited
// delivery: the same exponential-with-cap schedule as BackoffFor, but
// starting from policy.Base scaled by policy.RateLimitMultiplier (default
// 4) so a rate-limited agent gets materially more breathing room before the
// next attempt than a timeout or transport retry would.
func RateLimitedBackoffFor(policy RetryPolicy, retryCount int) time.Duration {
	mult := policy.RateLimitMultiplier
	if mult <= 0 {
		mult = 4
	}
	base := policy.Base
	if base <= 0 {
		base = time.Second
	}
	scaled := policy
	scaled.Base = time.Duration(float64(base) * mult)
	return BackoffFor(scaled, retryCount)
}
