package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesCode(t *testing.T) {
	err := NotFound("agent", "abc123")
	assert.True(t, Is(err, CodeNotFound))
	assert.False(t, Is(err, CodeConflict))
}

func TestWrapPreservesInnerCode(t *testing.T) {
	inner := Conflict("revision mismatch")
	wrapped := Wrap(inner, "updating agent record")

	assert.Equal(t, CodeConflict, wrapped.Code)
	assert.Contains(t, wrapped.Message, "updating agent record")
	assert.Contains(t, wrapped.Message, "revision mismatch")
	assert.True(t, errors.Is(wrapped, wrapped))
}

func TestWrapPlainErrorBecomesInternal(t *testing.T) {
	wrapped := Wrap(errors.New("boom"), "writing audit event")
	assert.Equal(t, CodeInternal, wrapped.Code)
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "whatever"))
}

func TestCodeDefaultsToInternalForPlainErrors(t *testing.T) {
	assert.Equal(t, CodeInternal, Code(errors.New("plain")))
}

func TestNoWorkAvailableIsDistinctFromNotFound(t *testing.T) {
	err := NoWorkAvailable("code-review")
	assert.True(t, Is(err, CodeNoWorkAvailable))
	assert.False(t, Is(err, CodeNotFound))
}
