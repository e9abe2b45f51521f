package bus_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/pipeline-core/internal/bus"
)

// TestBackoffForProperty checks the two invariants spec.md §4.3 attaches to
// retry backoff: the result never exceeds the configured cap, and it is
// monotone non-decreasing in retry_count up to that cap.
func TestBackoffForProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	policy := bus.RetryPolicy{Base: 1 * time.Second, Cap: 30 * time.Second}

	properties.Property("backoff never exceeds cap", prop.ForAll(
		func(n int) bool {
			return bus.BackoffFor(policy, n) <= policy.Cap
		},
		gen.IntRange(1, 64),
	))

	properties.Property("backoff is monotone non-decreasing", prop.ForAll(
		func(n int) bool {
			return bus.BackoffFor(policy, n) <= bus.BackoffFor(policy, n+1)
		},
		gen.IntRange(1, 63),
	))

	properties.Property("first retry equals base", prop.ForAll(
		func(base time.Duration) bool {
			if base <= 0 {
				return true
			}
			p := bus.RetryPolicy{Base: base, Cap: base * 64}
			return bus.BackoffFor(p, 1) == base
		},
		gen.Int64Range(1, int64(time.Minute)).Map(func(n int64) time.Duration { return time.Duration(n) }),
	))

	properties.TestingRun(t)
}

// TestRateLimitedBackoffForExceedsPlainBackoff checks spec.md §4.7's
// "RATE_LIMITED -> RETRY with larger backoff" rule: at the same retry_count
// and policy, the rate-limited schedule is never smaller than the plain
// one, and is strictly larger until both saturate at the cap.
func TestRateLimitedBackoffForExceedsPlainBackoff(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	policy := bus.RetryPolicy{Base: time.Second, Cap: 30 * time.Second}

	properties.Property("rate-limited backoff is never smaller than plain backoff", prop.ForAll(
		func(n int) bool {
			return bus.RateLimitedBackoffFor(policy, n) >= bus.BackoffFor(policy, n)
		},
		gen.IntRange(1, 64),
	))

	properties.Property("rate-limited backoff never exceeds cap", prop.ForAll(
		func(n int) bool {
			return bus.RateLimitedBackoffFor(policy, n) <= policy.Cap
		},
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)

	if got := bus.RateLimitedBackoffFor(policy, 1); got != 4*time.Second {
		t.Fatalf("RateLimitedBackoffFor(policy, 1) = %v, want %v", got, 4*time.Second)
	}
}
