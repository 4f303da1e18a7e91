package apperrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient_ClassifiesRetryableFailures(t *testing.T) {
	assert.True(t, IsTransient(ErrNetwork))
	assert.True(t, IsTransient(ErrSystemOverload))
	assert.True(t, IsTransient(ErrRateLimitExceeded))
	assert.True(t, IsTransient(ErrExchangeMaintenance))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", ErrNetwork)))

	assert.False(t, IsTransient(ErrInvalidSymbol))
	assert.False(t, IsTransient(nil))
}

func TestIsValidation_ClassifiesMalformedInput(t *testing.T) {
	assert.True(t, IsValidation(ErrInvalidSymbol))
	assert.True(t, IsValidation(ErrInvalidOrderParameter))
	assert.True(t, IsValidation(ErrTimestampOutOfBounds))
	assert.True(t, IsValidation(ErrInvalidSignal))

	assert.False(t, IsValidation(ErrNetwork))
	assert.False(t, IsValidation(ErrLockNotAcquired))
}
