package msg

import "encoding/json"

// TopicJoinWait is the one topic the core interprets itself. Messages on
// it carry a JoinWaitPayload and are serviced by the joinwait handler.
const TopicJoinWait = "join.wait"

// Continuation is a message enqueued when a join reaches a terminal state.
type Continuation struct {
	Topic   string
	Payload []byte
}

// JoinWaitPayload is the wire format of join.wait messages. It is plain
// JSON so any platform in the fleet can produce or consume it.
type JoinWaitPayload struct {
	JoinID              JoinID `json:"join_id"`
	FailIfAnyStepFailed bool   `json:"fail_if_any_step_failed"`
	OnCompleteTopic     string `json:"on_complete_topic,omitempty"`
	OnCompletePayload   []byte `json:"on_complete_payload,omitempty"`
	OnFailTopic         string `json:"on_fail_topic,omitempty"`
	OnFailPayload       []byte `json:"on_fail_payload,omitempty"`
}

// EncodeJoinWait serializes the payload for enqueueing on TopicJoinWait.
func EncodeJoinWait(p JoinWaitPayload) ([]byte, error) {
	if p.JoinID.IsZero() {
		return nil, Invalidf("join.wait payload: missing join_id")
	}
	return json.Marshal(p)
}

// DecodeJoinWait parses a join.wait message body. Malformed payloads are
// ErrInvalidArgument so the dispatcher can fail them permanently.
func DecodeJoinWait(body []byte) (JoinWaitPayload, error) {
	var p JoinWaitPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return JoinWaitPayload{}, Invalidf("join.wait payload: %v", err)
	}
	if p.JoinID.IsZero() {
		return JoinWaitPayload{}, Invalidf("join.wait payload: missing join_id")
	}
	return p, nil
}
