package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderpilot/orderpilot/pkg/errkind"
)

func TestComputeBackoffIsDeterministic(t *testing.T) {
	params := BackoffParams{CaseID: "C1", ActivityName: "create_draft", AttemptIndex: 2}

	a := ComputeBackoff(params, AggressiveRetry)
	b := ComputeBackoff(params, AggressiveRetry)
	assert.Equal(t, a, b)
}

func TestComputeBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	jitter := time.Duration(AggressiveRetry.MaxJitterMs) * time.Millisecond
	expected := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second, // 80s capped at MaxMs
	}
	for i, base := range expected {
		d := ComputeBackoff(BackoffParams{
			CaseID:       "C1",
			ActivityName: "create_draft",
			AttemptIndex: i,
		}, AggressiveRetry)
		assert.GreaterOrEqual(t, d, base, "attempt %d", i)
		assert.Less(t, d, base+jitter, "attempt %d", i)
	}
}

func TestBackoffForHonorsRetryAfterFloor(t *testing.T) {
	err := errkind.New(errkind.CodeCatalogRateLimited, "busy")
	err.RetryAfterSeconds = 120

	d := BackoffFor(BackoffParams{CaseID: "C1", ActivityName: "create_draft"}, AggressiveRetry, err)
	assert.Equal(t, 120*time.Second, d)
}

func TestStandardPolicyIgnoresRetryAfter(t *testing.T) {
	err := errkind.New(errkind.CodeCatalogRateLimited, "busy")
	err.RetryAfterSeconds = 120

	d := BackoffFor(BackoffParams{CaseID: "C1", ActivityName: "parse_file"}, StandardRetry, err)
	require.Less(t, d, 120*time.Second)
}
