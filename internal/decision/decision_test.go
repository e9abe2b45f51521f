package decision_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pipeline-core/internal/collector"
	"goa.design/pipeline-core/internal/decision"
	"goa.design/pipeline-core/internal/transport"
)

func TestClassifyErrorRecognizesEachKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want decision.ErrorKind
	}{
		{"nil", nil, ""},
		{"timeout", fmt.Errorf("invoke: %w", transport.ErrTimeout), decision.KindTimeout},
		{"dependency missing", fmt.Errorf("build context: %w", decision.ErrDependencyMissing), decision.KindDependencyMissing},
		{"rate limited", decision.WrapRateLimited(errors.New("429")), decision.KindRateLimited},
		{"agent internal", decision.WrapAgentInternal(errors.New("agent reported a typed failure")), decision.KindAgentInternal},
		{"transport", decision.WrapTransport(errors.New("connection reset")), decision.KindTransport},
		{"unknown", errors.New("something unexpected"), decision.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, decision.ClassifyError(tc.err))
		})
	}
}

// errWithKind returns an error that ClassifyError maps back to k. Only
// covers kinds ClassifyError can actually produce; SCHEMA_INVALID and
// DISALLOWED_TRANSITION are set directly by their producers (Decide's
// schema check, the Coordinator's transition guard) and are covered by
// the internal exhaustiveness test instead.
func errWithKind(k decision.ErrorKind) error {
	switch k {
	case decision.KindTimeout:
		return transport.ErrTimeout
	case decision.KindDependencyMissing:
		return decision.ErrDependencyMissing
	case decision.KindRateLimited:
		return decision.WrapRateLimited(errors.New("x"))
	case decision.KindAgentInternal:
		return decision.WrapAgentInternal(errors.New("x"))
	case decision.KindTransport:
		return decision.WrapTransport(errors.New("x"))
	default:
		return errors.New("x")
	}
}

func TestRetryBudgetTable(t *testing.T) {
	retryable := []decision.ErrorKind{decision.KindTimeout, decision.KindTransport, decision.KindRateLimited}
	for _, k := range retryable {
		err := errWithKind(k)
		kind, action := decision.Classify(err, decision.RetryBudget{Attempt: 0, MaxRetries: 2})
		require.Equal(t, k, kind)
		assert.Equal(t, decision.ActionRetry, action)

		_, action = decision.Classify(err, decision.RetryBudget{Attempt: 2, MaxRetries: 2})
		assert.Equal(t, decision.ActionEscalate, action)
	}
}

func TestAgentInternalAndUnknownRetryOnceThenEscalate(t *testing.T) {
	for _, err := range []error{decision.WrapAgentInternal(errors.New("x")), errors.New("totally uncategorized")} {
		_, action := decision.Classify(err, decision.RetryBudget{Attempt: 0, MaxRetries: 5})
		assert.Equal(t, decision.ActionRetry, action)

		_, action = decision.Classify(err, decision.RetryBudget{Attempt: 1, MaxRetries: 5})
		assert.Equal(t, decision.ActionEscalate, action)
	}
}

func TestDependencyMissingAlwaysBlocks(t *testing.T) {
	_, action := decision.Classify(decision.ErrDependencyMissing, decision.RetryBudget{Attempt: 0, MaxRetries: 5})
	assert.Equal(t, decision.ActionBlock, action)
}

const personSchema = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string"}
  }
}`

func TestDecideEscalatesOnSchemaInvalidRegardlessOfRetryBudget(t *testing.T) {
	v := decision.NewJSONSchemaValidator()
	require.NoError(t, v.Register("person", []byte(personSchema)))

	out := &collector.CollectedOutput{Ok: true, Artifact: map[string]any{"name": 42}, ArtifactHash: "deadbeef"}
	verdict := decision.Decide(out, nil, "person", v, decision.RetryBudget{Attempt: 0, MaxRetries: 5})

	assert.Equal(t, decision.KindSchemaInvalid, verdict.Kind)
	assert.Equal(t, decision.ActionEscalate, verdict.Action)
	assert.NotEmpty(t, verdict.ValidatorMsg)
	assert.Equal(t, "deadbeef", verdict.ArtifactID)
}

func TestDecideProceedsOnValidArtifact(t *testing.T) {
	v := decision.NewJSONSchemaValidator()
	require.NoError(t, v.Register("person", []byte(personSchema)))

	out := &collector.CollectedOutput{Ok: true, Artifact: map[string]any{"name": "ada"}, ArtifactHash: "cafebabe"}
	verdict := decision.Decide(out, nil, "person", v, decision.RetryBudget{})

	assert.Equal(t, decision.ActionProceed, verdict.Action)
	assert.NotEmpty(t, verdict.DecisionID)
}

func TestDecideClassifiesInvocationFailure(t *testing.T) {
	out := &collector.CollectedOutput{Ok: false}
	verdict := decision.Decide(out, transport.ErrTimeout, "", nil, decision.RetryBudget{Attempt: 0, MaxRetries: 2})

	assert.Equal(t, decision.KindTimeout, verdict.Kind)
	assert.Equal(t, decision.ActionRetry, verdict.Action)
}

func TestJSONSchemaValidatorRejectsConflictingReregistration(t *testing.T) {
	v := decision.NewJSONSchemaValidator()
	require.NoError(t, v.Register("person", []byte(personSchema)))
	require.NoError(t, v.Register("person", []byte(personSchema)))

	err := v.Register("person", []byte(`{"type":"object","required":["age"]}`))
	assert.Error(t, err)
}
