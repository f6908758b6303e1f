package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryCodeHasClass(t *testing.T) {
	for _, code := range Codes {
		assert.NotEmpty(t, code.Class(), "code %s has no blame class", code)
	}
}

func TestClasses(t *testing.T) {
	assert.Equal(t, ClassEnvironment, ChannelUnavailable.Class())
	assert.Equal(t, ClassSUT, Timeout.Class())
	assert.Equal(t, ClassSUT, InconsistentState.Class())
	assert.Equal(t, ClassAuthoring, CyclicPrecondition.Class())
	assert.Equal(t, Class(""), Code("BOGUS").Class())
}

func TestRetryable(t *testing.T) {
	assert.True(t, Timeout.Retryable())
	assert.True(t, ChannelUnavailable.Retryable())
	assert.False(t, Rejected.Retryable())
	assert.False(t, InconsistentState.Retryable())
}

func TestErrorMessage(t *testing.T) {
	err := &Error{
		Code:     Timeout,
		Message:  "no acknowledgement within 2s",
		Target:   "remoteUnlock",
		Channel:  "backend",
		Attempts: 2,
	}
	assert.Equal(t, "TIMEOUT: no acknowledgement within 2s (target=remoteUnlock, channel=backend, attempts=2)", err.Error())

	bare := New(UnknownPrecondition, "precondition %q not found", "Flying")
	assert.Equal(t, `UNKNOWN_PRECONDITION: precondition "Flying" not found`, bare.Error())
}

func TestWrapAndUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := Wrap(ChannelUnavailable, cause, "backend unreachable")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "socket closed")
}

func TestIsThroughWrapping(t *testing.T) {
	inner := New(Rejected, "value out of range")
	wrapped := fmt.Errorf("step 3: %w", inner)

	assert.True(t, Is(wrapped, Rejected))
	assert.False(t, Is(wrapped, Timeout))
	assert.False(t, Is(errors.New("plain"), Rejected))
	assert.False(t, Is(nil, Rejected))

	fe, ok := As(wrapped)
	require.True(t, ok)
	assert.Same(t, inner, fe)
	assert.Equal(t, Rejected, CodeOf(wrapped))
	assert.Equal(t, ClassSUT, ClassOf(wrapped))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}
