package msg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultBackoff_Bounds(t *testing.T) {
	d1 := DefaultBackoff(1)
	require.GreaterOrEqual(t, d1, 500*time.Millisecond)
	require.LessOrEqual(t, d1, 750*time.Millisecond)

	d5 := DefaultBackoff(5)
	require.GreaterOrEqual(t, d5, 8*time.Second)
	require.LessOrEqual(t, d5, 8*time.Second+250*time.Millisecond)

	// Exponent is clamped, so huge attempts cap at 60s plus jitter.
	d50 := DefaultBackoff(50)
	require.GreaterOrEqual(t, d50, 60*time.Second)
	require.LessOrEqual(t, d50, 60*time.Second+250*time.Millisecond)
}

func TestDefaultBackoff_NonNegativeAttempt(t *testing.T) {
	d := DefaultBackoff(0)
	require.GreaterOrEqual(t, d, 250*time.Millisecond)
	require.LessOrEqual(t, d, 500*time.Millisecond)

	require.GreaterOrEqual(t, DefaultBackoff(-3), 250*time.Millisecond)
}
