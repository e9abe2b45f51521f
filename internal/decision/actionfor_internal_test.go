package decision

import "testing"

// TestActionForIsExhaustive asserts every ErrorKind constant, including the
// two (SCHEMA_INVALID, DISALLOWED_TRANSITION) that ClassifyError never
// itself produces, has a case in actionFor — an addition to the ErrorKind
// set that forgets to extend actionFor panics here instead of silently
// falling through to the default case at runtime.
func TestActionForIsExhaustive(t *testing.T) {
	kinds := []ErrorKind{
		KindTimeout,
		KindTransport,
		KindSchemaInvalid,
		KindAgentInternal,
		KindDependencyMissing,
		KindRateLimited,
		KindDisallowedTransition,
		KindUnknown,
	}
	budget := RetryBudget{Attempt: 0, MaxRetries: 3}
	for _, k := range kinds {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("actionFor(%s) panicked: %v", k, r)
				}
			}()
			_ = actionFor(k, budget)
		}()
	}
}

func TestSchemaInvalidAlwaysEscalates(t *testing.T) {
	if got := actionFor(KindSchemaInvalid, RetryBudget{Attempt: 0, MaxRetries: 100}); got != ActionEscalate {
		t.Errorf("actionFor(SCHEMA_INVALID) = %s, want escalate", got)
	}
}

func TestDisallowedTransitionBlocks(t *testing.T) {
	if got := actionFor(KindDisallowedTransition, RetryBudget{}); got != ActionBlock {
		t.Errorf("actionFor(DISALLOWED_TRANSITION) = %s, want block", got)
	}
}
