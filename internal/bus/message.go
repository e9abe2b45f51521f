// Package bus implements the priority-queued, phase-aware Message Bus:
// routing, retry with exponential backoff, a dead-letter queue, and
// approval-gate flow. Two implementations satisfy the same Bus interface —
// memory (default, single-process) and pulsebus (Redis-backed, for a
// cross-process approval workflow). The conformance suite exercises the
// memory bus; pulsebus has its own integration test.
package bus

import (
	"time"

	"github.com/google/uuid"

	"goa.design/pipeline-core/internal/workflow"
)

type (
	// MessageType is the kind of work unit routed through the bus.
	MessageType string

	// Priority is the delivery priority of a Message. Queues are strict
	// priority: CRITICAL drains before HIGH, HIGH before NORMAL, NORMAL
	// before LOW. Starvation of LOW within a single run is acceptable.
	Priority string

	// Message is one unit of work routed through the bus. ToPhase is set
	// only on a MessageHandoff — the (FromPhase, ToPhase) pair is what
	// Enqueue validates against the Workflow Model.
	Message struct {
		MessageID  string
		FromPhase  workflow.PhaseID
		ToPhase    workflow.PhaseID
		ToAgents   []string
		Type       MessageType
		Priority   Priority
		Payload    any
		RetryCount int
		MaxRetries int
		CreatedAt  time.Time
	}
)

const (
	MessageExecution         MessageType = "execution"
	MessageHandoff           MessageType = "handoff"
	MessageApprovalRequest   MessageType = "approval_request"
	MessageApprovalDecision  MessageType = "approval_decision"
	MessageNotification      MessageType = "notification"
	MessageError             MessageType = "error"

	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// orderedPriorities is the strict dequeue order honored by every Bus
// implementation: CRITICAL, then HIGH, then NORMAL, then LOW.
var orderedPriorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// NewMessage constructs a Message with a fresh message_id and created_at,
// defaulting max_retries to defaultMaxRetries (3) when unset.
func NewMessage(fromPhase workflow.PhaseID, toAgents []string, typ MessageType, priority Priority, payload any, maxRetries int) Message {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return Message{
		MessageID:  uuid.NewString(),
		FromPhase:  fromPhase,
		ToAgents:   toAgents,
		Type:       typ,
		Priority:   priority,
		Payload:    payload,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
	}
}

const defaultMaxRetries = 3

// NewHandoff constructs a MessageHandoff from phase to phase, the one
// Message kind Enqueue validates against the Workflow Model: a bus wired
// with WithWorkflowModel rejects it with DisallowedTransitionError when the
// Workflow Model has no edge from -> to.
func NewHandoff(from, to workflow.PhaseID, priority Priority, maxRetries int) Message {
	msg := NewMessage(from, nil, MessageHandoff, priority, nil, maxRetries)
	msg.ToPhase = to
	return msg
}
