package decision

import (
	"github.com/google/uuid"

	"goa.design/pipeline-core/internal/collector"
)

// Decide is the Coordinator's single entry point into the Result Handler &
// Decision Engine for one completed invocation attempt (spec.md §4.7): it
// validates the collected artifact (when the invocation itself succeeded
// and a schema is registered for schemaID), classifies any failure, and
// returns exactly one Verdict naming the next action. A non-empty schemaID
// with a validation failure always yields SCHEMA_INVALID/ActionEscalate
// regardless of invokeErr or retry budget, per spec.md's "schema failures
// are never retried" edge case.
func Decide(out *collector.CollectedOutput, invokeErr error, schemaID string, validator Validator, budget RetryBudget) Verdict {
	decisionID := uuid.NewString()

	if out != nil && out.Ok && schemaID != "" && validator != nil {
		if msgs := validator.Validate(schemaID, out.Artifact); len(msgs) > 0 {
			return Verdict{
				Kind:         KindSchemaInvalid,
				Action:       ActionEscalate,
				Confidence:   ConfidenceFor(KindSchemaInvalid),
				DecisionID:   decisionID,
				ArtifactID:   collector.ArtifactID(out),
				ValidatorMsg: msgs,
			}
		}
	}

	if invokeErr == nil && (out == nil || out.Ok) {
		return Verdict{
			Kind:       "",
			Action:     ActionProceed,
			Confidence: 1,
			DecisionID: decisionID,
			ArtifactID: collector.ArtifactID(out),
		}
	}

	kind, action := Classify(invokeErr, budget)
	return Verdict{
		Kind:       kind,
		Action:     action,
		Confidence: ConfidenceFor(kind),
		DecisionID: decisionID,
		ArtifactID: collector.ArtifactID(out),
	}
}
