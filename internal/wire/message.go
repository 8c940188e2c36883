package wire

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a message copy. Copies are mirrored on the
// sender, the recipient, and in the relay mailbox; all share one MessageID.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusQueued    Status = "queued"
)

// legalTransitions holds every allowed status move. Keeping this as one table
// stops the ack-arrival and timeout-firing paths from racing each other into
// an inconsistent state.
var legalTransitions = map[Status]map[Status]struct{}{
	StatusSent:      {StatusDelivered: {}, StatusFailed: {}, StatusQueued: {}},
	StatusQueued:    {StatusSent: {}, StatusDelivered: {}, StatusFailed: {}},
	StatusFailed:    {StatusSent: {}, StatusQueued: {}},
	StatusDelivered: {StatusRead: {}},
	StatusRead:      {},
}

// TransitionStatus validates a status move. Identical from/to is a no-op.
func TransitionStatus(from, to Status) (Status, error) {
	if from == to {
		return to, nil
	}
	allowed, ok := legalTransitions[from]
	if !ok {
		return from, fmt.Errorf("wire: unknown status %q", from)
	}
	if _, ok := allowed[to]; !ok {
		return from, fmt.Errorf("wire: illegal status transition %s -> %s", from, to)
	}
	return to, nil
}

// Message is the unit of delivery. MessageID is sender-assigned, globally
// unique and immutable; every dedup decision keys on it.
type Message struct {
	MessageID   string `json:"messageId" validate:"required"`
	SenderID    string `json:"senderId" validate:"required"`
	RecipientID string `json:"recipientId" validate:"required"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
	Status      Status `json:"status"`
	Attempts    int    `json:"attempts"`
}

// NewMessage builds a ready-to-send message with a fresh id.
func NewMessage(senderID, recipientID, content string) Message {
	return Message{
		MessageID:   uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Timestamp:   time.Now().UnixMilli(),
		Status:      StatusSent,
		Attempts:    1,
	}
}

// FillDefaults applies the server-side defaults for partially populated
// messages, mirroring what the relay fills in on send_message.
func (m *Message) FillDefaults() {
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	if m.Attempts < 1 {
		m.Attempts = 1
	}
	m.Status = StatusSent
}
