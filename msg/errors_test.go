package msg

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermanent(t *testing.T) {
	err := Permanent("bad payload %d", 7)
	require.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "bad payload 7")
}

func TestPermanentWrap_Unwraps(t *testing.T) {
	cause := errors.New("schema mismatch")
	err := PermanentWrap(cause, "decoding failed")

	require.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, cause)

	// Still permanent through further wrapping.
	wrapped := fmt.Errorf("handler: %w", err)
	assert.True(t, IsPermanent(wrapped))
}

func TestIsPermanent_TransientErrors(t *testing.T) {
	assert.False(t, IsPermanent(errors.New("connection refused")))
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(ErrJoinNotReady))
}

func TestInvalidf(t *testing.T) {
	err := Invalidf("topic too long: %d", 300)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Contains(t, err.Error(), "topic too long: 300")
}
