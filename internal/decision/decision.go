// Package decision implements the Result Handler & Decision Engine: it
// validates a collected artifact against its declared output schema,
// classifies any error into one of a fixed set of kinds, and maps
// (kind, attempt, retry budget) to the next action the Coordinator should
// take.
package decision

import (
	"errors"
	"fmt"

	"goa.design/pipeline-core/internal/transport"
)

type (
	// ErrorKind classifies a failed invocation by its error
	// taxonomy (spec.md §7).
	ErrorKind string

	// NextAction is what the Coordinator does after a Result Handler
	// verdict.
	NextAction string

	// RetryBudget tracks how many attempts have already been made for a
	// task and the configured ceiling.
	RetryBudget struct {
		Attempt    int
		MaxRetries int
	}

	// Verdict is the Result Handler's output for one invocation attempt.
	Verdict struct {
		Kind         ErrorKind
		Action       NextAction
		Confidence   float64
		DecisionID   string
		ArtifactID   string
		ValidatorMsg []string
	}
)

const (
	KindTimeout              ErrorKind = "timeout"
	KindTransport            ErrorKind = "transport"
	KindSchemaInvalid        ErrorKind = "schema_invalid"
	KindAgentInternal        ErrorKind = "agent_internal"
	KindDependencyMissing    ErrorKind = "dependency_missing"
	KindRateLimited          ErrorKind = "rate_limited"
	KindDisallowedTransition ErrorKind = "disallowed_transition"
	KindUnknown              ErrorKind = "unknown"

	ActionProceed  NextAction = "proceed"
	ActionRetry    NextAction = "retry"
	ActionBlock    NextAction = "block"
	ActionEscalate NextAction = "escalate"
	ActionSkip     NextAction = "skip"
)

// confidence is seeded per error kind, informational only per spec.md §9's
// Open Questions resolution — it is never fed back into retry-budget
// adjustment at runtime.
var confidence = map[ErrorKind]float64{
	KindTimeout:              0.6,
	KindTransport:            0.5,
	KindSchemaInvalid:        0.95,
	KindAgentInternal:        0.4,
	KindDependencyMissing:    0.9,
	KindRateLimited:          0.7,
	KindDisallowedTransition: 0.99,
	KindUnknown:              0.2,
}

// ConfidenceFor returns the seeded, reporting-only confidence score for kind.
func ConfidenceFor(kind ErrorKind) float64 { return confidence[kind] }

// ErrDependencyMissing is returned by a caller (typically the Coordinator,
// before even dispatching) when a required predecessor artifact is absent.
var ErrDependencyMissing = errors.New("decision: required predecessor artifact is missing")

// Invokers and agents mark a generic error with one of these wrappers when
// they know its specific kind; ClassifyError falls back to TRANSPORT for an
// unwrapped transport.Result.TransportError and to UNKNOWN for anything
// else uncategorized, rather than guessing.
type (
	rateLimitedErr   struct{ err error }
	agentInternalErr struct{ err error }
	transportErr     struct{ err error }
)

func (e *rateLimitedErr) Error() string   { return e.err.Error() }
func (e *rateLimitedErr) Unwrap() error   { return e.err }
func (e *agentInternalErr) Error() string { return e.err.Error() }
func (e *agentInternalErr) Unwrap() error { return e.err }
func (e *transportErr) Error() string     { return e.err.Error() }
func (e *transportErr) Unwrap() error     { return e.err }

// WrapRateLimited marks err as a RATE_LIMITED condition (e.g. a
// 429-equivalent response from a webhook transport).
func WrapRateLimited(err error) error { return &rateLimitedErr{err: err} }

// WrapAgentInternal marks err as an AGENT_INTERNAL condition (the agent
// itself reported a typed error in its output, as opposed to a transport
// failure).
func WrapAgentInternal(err error) error { return &agentInternalErr{err: err} }

// WrapTransport marks err as a TRANSPORT condition explicitly. Every
// concrete Invoker in internal/transport already reports failures through
// transport.Result.TransportError, which ClassifyError treats as TRANSPORT
// by default; this wrapper exists for callers outside that path (e.g. the
// Bus's own delivery failures) that want the same classification.
func WrapTransport(err error) error { return &transportErr{err: err} }

func isRateLimited(err error) bool {
	var r *rateLimitedErr
	return errors.As(err, &r)
}

func isAgentInternal(err error) bool {
	var a *agentInternalErr
	return errors.As(err, &a)
}

func isTransport(err error) bool {
	var t *transportErr
	return errors.As(err, &t)
}

// ClassifyError maps err to an ErrorKind per spec.md §7. TIMEOUT and
// DEPENDENCY_MISSING are recognized by sentinel; RATE_LIMITED and
// AGENT_INTERNAL require an explicit wrap since nothing downstream of a
// bare error value can distinguish them from an ordinary failure; any
// transport.Result.TransportError not already one of those is TRANSPORT;
// everything else is UNKNOWN. SCHEMA_INVALID is never produced here — the
// Result Handler sets it directly from a failed Validate call, which
// doesn't go through ClassifyError at all (it has zero retry budget
// regardless of what Classify would have said).
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, transport.ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrDependencyMissing):
		return KindDependencyMissing
	case isRateLimited(err):
		return KindRateLimited
	case isAgentInternal(err):
		return KindAgentInternal
	case isTransport(err):
		return KindTransport
	default:
		return KindUnknown
	}
}

// actionFor implements the pattern-to-action table of spec.md §4.7 step 3.
// The switch is exhaustive over every ErrorKind constant and panics on an
// unhandled one rather than silently falling through, enforced by
// TestActionForIsExhaustive.
func actionFor(kind ErrorKind, budget RetryBudget) NextAction {
	switch kind {
	case KindTimeout, KindTransport:
		if budget.Attempt < budget.MaxRetries {
			return ActionRetry
		}
		return ActionEscalate
	case KindRateLimited:
		if budget.Attempt < budget.MaxRetries {
			return ActionRetry
		}
		return ActionEscalate
	case KindAgentInternal, KindUnknown:
		if budget.Attempt < 1 {
			return ActionRetry
		}
		return ActionEscalate
	case KindSchemaInvalid:
		return ActionEscalate
	case KindDependencyMissing:
		return ActionBlock
	case KindDisallowedTransition:
		return ActionBlock
	default:
		panic(fmt.Sprintf("decision: unhandled ErrorKind %q", kind))
	}
}

// Classify is the pure function spec.md §4.7 steps 2-3 describe:
// error -> (kind, next action), given the task's current retry budget.
func Classify(err error, budget RetryBudget) (ErrorKind, NextAction) {
	kind := ClassifyError(err)
	return kind, actionFor(kind, budget)
}
