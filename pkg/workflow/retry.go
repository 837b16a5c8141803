package workflow

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/orderpilot/orderpilot/pkg/errkind"
)

// RetryPolicy controls activity re-attempts. Delays are exponential with
// deterministic jitter: the same case, activity, and attempt always produce
// the same delay, so a replayed schedule is reproducible.
type RetryPolicy struct {
	PolicyID    string
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
	// HonorRetryAfter makes the delay at least the upstream-demanded wait.
	HonorRetryAfter bool
}

// StandardRetry covers ordinary activities: 3 attempts, 5s base, cap 30s.
var StandardRetry = RetryPolicy{
	PolicyID:    "standard",
	BaseMs:      5000,
	MaxMs:       30000,
	MaxJitterMs: 1000,
	MaxAttempts: 3,
}

// AggressiveRetry covers the external catalog (draft creation and token
// refresh): 5 attempts, cap 60s, Retry-After honored as a floor.
var AggressiveRetry = RetryPolicy{
	PolicyID:        "aggressive",
	BaseMs:          5000,
	MaxMs:           60000,
	MaxJitterMs:     1000,
	MaxAttempts:     5,
	HonorRetryAfter: true,
}

// BackoffParams identifies one attempt for jitter derivation.
type BackoffParams struct {
	CaseID       string
	ActivityName string
	AttemptIndex int
}

// ComputeBackoff returns the delay before the given attempt index
// (0 = delay before the first retry).
func ComputeBackoff(params BackoffParams, policy RetryPolicy) time.Duration {
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}
	return time.Duration(delay+deterministicJitter(params, policy)) * time.Millisecond
}

// BackoffFor combines the computed backoff with the upstream Retry-After
// floor when the policy honors it.
func BackoffFor(params BackoffParams, policy RetryPolicy, err error) time.Duration {
	delay := ComputeBackoff(params, policy)
	if policy.HonorRetryAfter {
		if floor := time.Duration(errkind.RetryAfterOf(err)) * time.Second; floor > delay {
			delay = floor
		}
	}
	return delay
}

// deterministicJitter derives jitter from a PRF over the attempt identity
// instead of a shared random source.
func deterministicJitter(params BackoffParams, policy RetryPolicy) int64 {
	if policy.MaxJitterMs == 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%s:%d",
		policy.PolicyID, params.CaseID, params.ActivityName, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs))
}
