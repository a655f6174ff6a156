package msg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinWaitPayload_RoundTrip(t *testing.T) {
	in := JoinWaitPayload{
		JoinID:              NewJoinID(),
		FailIfAnyStepFailed: true,
		OnCompleteTopic:     "report.render",
		OnCompletePayload:   []byte(`{"report_id":"r1"}`),
		OnFailTopic:         "report.abort",
	}

	body, err := EncodeJoinWait(in)
	require.NoError(t, err)

	out, err := DecodeJoinWait(body)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeJoinWait_RequiresJoinID(t *testing.T) {
	_, err := EncodeJoinWait(JoinWaitPayload{OnCompleteTopic: "x"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDecodeJoinWait_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"not json":        []byte("nope"),
		"empty":           nil,
		"missing join_id": []byte(`{"fail_if_any_step_failed":true}`),
		"bad join_id":     []byte(`{"join_id":"not-a-uuid"}`),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeJoinWait(body)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}
