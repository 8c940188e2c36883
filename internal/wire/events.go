package wire

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Wire event names. One persistent websocket per client carries all of them.
const (
	EventRegister        = "register"
	EventOnlineUsers     = "online_users"
	EventUserStatus      = "user_status"
	EventPendingMessages = "pending_messages"
	EventSendMessage     = "send_message"
	EventSendResult      = "send_result"
	EventReceiveMessage  = "receive_message"
	EventMessageAck      = "message_ack"
	EventMessageStatus   = "message_status"
	EventHeartbeat       = "heartbeat"
	EventVideoOffer      = "video_offer"
	EventVideoAnswer     = "video_answer"
	EventIceCandidate    = "ice_candidate"
)

// Outcome is the terminal result of one send attempt, reported on send_result.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeQueued    Outcome = "queued"
	OutcomeTimeout   Outcome = "timeout"
)

// Envelope frames every event on the wire. Requests that expect a reply carry
// a client-chosen Seq; the reply repeats it. This stands in for the
// callback-style acks of the original protocol.
type Envelope struct {
	Event string          `json:"event"`
	Seq   uint64          `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into a framed event.
func NewEnvelope(event string, seq uint64, payload any) (Envelope, error) {
	env := Envelope{Event: event, Seq: seq}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode %s: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// Bind unmarshals the envelope payload into out.
func (e Envelope) Bind(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("wire: %s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("wire: decode %s: %w", e.Event, err)
	}
	return nil
}

// RegisterPayload announces a client identity on connect.
type RegisterPayload struct {
	UserID   string `json:"userId" validate:"required"`
	Username string `json:"username" validate:"required"`
}

// UserStatus describes one user's presence on online_users and user_status.
type UserStatus struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

// SendResult answers a send_message request.
type SendResult struct {
	Status    Outcome `json:"status"`
	MessageID string  `json:"messageId"`
}

// AckPayload confirms receipt of a message at the application level.
type AckPayload struct {
	MessageID   string `json:"messageId" validate:"required"`
	RecipientID string `json:"recipientId"`
	Status      Status `json:"status" validate:"required"`
}

// StatusUpdate notifies the original sender that a message changed status.
type StatusUpdate struct {
	MessageID string `json:"messageId"`
	Status    Status `json:"status"`
}

// HeartbeatPayload refreshes session liveness.
type HeartbeatPayload struct {
	UserID string `json:"userId" validate:"required"`
}

// SignalPayload carries an opaque offer/answer/ICE blob. The relay forwards
// it verbatim, replacing RecipientID with SenderID on the way out.
type SignalPayload struct {
	Payload     json.RawMessage `json:"payload" validate:"required"`
	RecipientID string          `json:"recipientId,omitempty"`
	SenderID    string          `json:"senderId,omitempty"`
}

var validate = validator.New()

// Validate checks struct tags on any wire payload.
func Validate(payload any) error {
	if err := validate.Struct(payload); err != nil {
		return fmt.Errorf("wire: invalid payload: %w", err)
	}
	return nil
}
