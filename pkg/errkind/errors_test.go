package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindDerivedFromCode(t *testing.T) {
	assert.Equal(t, KindInput, New(CodeBlockedFile, "x").Kind)
	assert.Equal(t, KindTransient, New(CodeCatalogUnavailable, "x").Kind)
	assert.Equal(t, KindAuth, New(CodeCatalogAuthFailed, "x").Kind)
	assert.Equal(t, KindLogic, New(CodeCustomerAmbiguous, "x").Kind)
	assert.Equal(t, KindInternal, New(CodeEventLogGap, "x").Kind)
}

func TestCodeOfThroughWrapping(t *testing.T) {
	inner := New(CodeCatalogRateLimited, "429 from catalog")
	wrapped := fmt.Errorf("create draft: %w", inner)

	assert.Equal(t, CodeCatalogRateLimited, CodeOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
}

func TestUnclassifiedErrorIsInternal(t *testing.T) {
	err := errors.New("plain")
	assert.Equal(t, CodeInvariantViolated, CodeOf(err))
	assert.Equal(t, KindInternal, KindOf(err))
	assert.False(t, IsRetryable(err))
}

func TestRetryAfterPropagates(t *testing.T) {
	e := New(CodeCatalogRateLimited, "slow down")
	e.RetryAfterSeconds = 17
	wrapped := fmt.Errorf("attempt 2: %w", e)
	assert.Equal(t, 17, RetryAfterOf(wrapped))
}

func TestUserMessageNeverLeaksDetail(t *testing.T) {
	e := Wrap(CodeInvariantViolated, "sequence gap at 42", errors.New("stack trace here"))
	msg := UserMessage(e)
	require.NotContains(t, msg, "sequence")
	require.NotContains(t, msg, "stack")
}

func TestEveryCodeHasKindAndMessage(t *testing.T) {
	for code := range kindByCode {
		_, ok := userMessages[code]
		assert.True(t, ok, "code %s has no user message", code)
	}
}
