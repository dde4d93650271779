package resilience

import (
	"path"
	"time"
)

type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64
	// AttemptTimeout bounds each try separately from the caller's deadline; zero disables it.
	AttemptTimeout time.Duration

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32

	// Operations override attempts and attempt timeout per operation pattern.
	// The first matching entry wins.
	Operations []OperationPolicy
}

// OperationPolicy applies to operations whose name matches Pattern (path.Match syntax,
// e.g. "*.generate" or "qdrant.*"). Zero fields inherit the global value.
type OperationPolicy struct {
	Pattern        string
	MaxAttempts    int
	AttemptTimeout time.Duration
}

// retryPolicy is the resolved view used for one operation.
type retryPolicy struct {
	maxAttempts    int
	attemptTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     400 * time.Millisecond,
		RetryMultiplier:     2.0,

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

// StoreAndInference bounds each store and embedding attempt; answer generation runs once.
func StoreAndInference(storeAttemptTimeout time.Duration) []OperationPolicy {
	return []OperationPolicy{
		{Pattern: "*.generate", MaxAttempts: 1},
		{Pattern: "qdrant.*", AttemptTimeout: storeAttemptTimeout},
		{Pattern: "neo4j.*", AttemptTimeout: storeAttemptTimeout},
		{Pattern: "*.embed", AttemptTimeout: storeAttemptTimeout},
	}
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	if out.RetryMaxAttempts <= 0 {
		out.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if out.RetryInitialBackoff <= 0 {
		out.RetryInitialBackoff = def.RetryInitialBackoff
	}
	if out.RetryMaxBackoff < out.RetryInitialBackoff {
		out.RetryMaxBackoff = max(def.RetryMaxBackoff, out.RetryInitialBackoff)
	}
	if out.RetryMultiplier < 1.0 {
		out.RetryMultiplier = def.RetryMultiplier
	}
	out.AttemptTimeout = max(out.AttemptTimeout, 0)

	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = def.BreakerMinRequests
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerHalfOpenMaxCalls == 0 {
		out.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}

	ops := make([]OperationPolicy, 0, len(out.Operations))
	for _, op := range out.Operations {
		if _, err := path.Match(op.Pattern, ""); err != nil || op.Pattern == "" {
			continue
		}
		ops = append(ops, op)
	}
	out.Operations = ops
	return out
}

func (c Config) policyFor(operation string) retryPolicy {
	policy := retryPolicy{maxAttempts: c.RetryMaxAttempts, attemptTimeout: c.AttemptTimeout}
	for _, op := range c.Operations {
		if ok, _ := path.Match(op.Pattern, operation); !ok {
			continue
		}
		if op.MaxAttempts > 0 {
			policy.maxAttempts = op.MaxAttempts
		}
		if op.AttemptTimeout > 0 {
			policy.attemptTimeout = op.AttemptTimeout
		}
		break
	}
	return policy
}
