package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionStatus(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusFailed, true},
		{StatusSent, StatusQueued, true},
		{StatusQueued, StatusDelivered, true},
		{StatusQueued, StatusSent, true},
		{StatusFailed, StatusSent, true},
		{StatusDelivered, StatusRead, true},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusSent, false},
		{StatusDelivered, StatusFailed, false},
		{StatusQueued, StatusRead, false},
	}

	for _, tc := range cases {
		got, err := TransitionStatus(tc.from, tc.to)
		if tc.ok {
			require.NoError(t, err, "%s -> %s", tc.from, tc.to)
			require.Equal(t, tc.to, got)
		} else {
			require.Error(t, err, "%s -> %s", tc.from, tc.to)
			require.Equal(t, tc.from, got, "failed transition must not move the status")
		}
	}
}

func TestTransitionStatusNoOp(t *testing.T) {
	got, err := TransitionStatus(StatusDelivered, StatusDelivered)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, got)
}

func TestNewMessageAssignsUniqueIDs(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		m := NewMessage("a", "b", "hi")
		_, dup := seen[m.MessageID]
		require.False(t, dup)
		seen[m.MessageID] = struct{}{}
	}
}

func TestFillDefaults(t *testing.T) {
	m := Message{SenderID: "a", RecipientID: "b", Content: "hi"}
	m.FillDefaults()

	require.NotEmpty(t, m.MessageID)
	require.NotZero(t, m.Timestamp)
	require.Equal(t, 1, m.Attempts)
	require.Equal(t, StatusSent, m.Status)

	// pre-assigned id and attempt counter survive
	again := Message{MessageID: "fixed", Attempts: 3}
	again.FillDefaults()
	require.Equal(t, "fixed", again.MessageID)
	require.Equal(t, 3, again.Attempts)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventSendMessage, 7, Message{MessageID: "m1", SenderID: "a", RecipientID: "b"})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, EventSendMessage, decoded.Event)
	require.Equal(t, uint64(7), decoded.Seq)

	var msg Message
	require.NoError(t, decoded.Bind(&msg))
	require.Equal(t, "m1", msg.MessageID)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	require.Error(t, Validate(RegisterPayload{UserID: "u1"}))
	require.NoError(t, Validate(RegisterPayload{UserID: "u1", Username: "alice"}))

	require.Error(t, Validate(Message{SenderID: "a", RecipientID: "b"}))
}
