// Package delivery implements the send → relay-or-queue → ack protocol.
//
// Each send attempt resolves exactly once: either the recipient acknowledges
// inside the ack window, the ack timer fires, or the recipient was offline
// and the message is queued immediately. A timeout does not change the
// authoritative status of the message; the sending client owns that decision.
package delivery

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatlink/chatlink/internal/mailbox"
	"github.com/chatlink/chatlink/internal/presence"
	"github.com/chatlink/chatlink/internal/wire"
	"github.com/chatlink/chatlink/pkg/logger"
	"github.com/chatlink/chatlink/pkg/metrics"
)

// DefaultAckTimeout is the window a live recipient has to acknowledge.
const DefaultAckTimeout = 5 * time.Second

// Transport pushes an event to the live connection of a user. It reports
// false when the user has no connection to push to.
type Transport interface {
	Push(userID, event string, payload any) bool
}

// Config carries the delivery tunables.
type Config struct {
	AckTimeout time.Duration

	// Redelivery is a reliability-simulation knob: when enabled, a message
	// stuck in the pending-ack map is re-pushed up to MaxRedeliveries times
	// before the timeout outcome is reported. Off by default.
	RedeliverEnabled   bool
	MaxRedeliveries    int
	RedeliveryInterval time.Duration
}

type pendingAck struct {
	msg          wire.Message
	timer        *time.Timer
	once         sync.Once
	reply        func(wire.SendResult)
	redeliveries int
}

// Service orchestrates message delivery between live sessions and mailboxes.
type Service struct {
	mu      sync.Mutex
	pending map[string]*pendingAck

	registry  *presence.Registry
	boxes     *mailbox.Store
	transport Transport

	cfg       Config
	afterFunc func(time.Duration, func()) *time.Timer
	log       *zap.Logger
}

// Option customises the Service.
type Option func(*Service)

// WithAfterFunc overrides timer creation, primarily for testing.
func WithAfterFunc(after func(time.Duration, func()) *time.Timer) Option {
	return func(s *Service) {
		if after != nil {
			s.afterFunc = after
		}
	}
}

// NewService constructs a delivery service over the supplied registry and store.
func NewService(registry *presence.Registry, boxes *mailbox.Store, cfg Config, opts ...Option) *Service {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.RedeliverEnabled {
		if cfg.MaxRedeliveries <= 0 {
			cfg.MaxRedeliveries = 3
		}
		if cfg.RedeliveryInterval <= 0 {
			cfg.RedeliveryInterval = 5 * time.Second
		}
	}

	s := &Service{
		pending:   make(map[string]*pendingAck),
		registry:  registry,
		boxes:     boxes,
		cfg:       cfg,
		afterFunc: time.AfterFunc,
		log:       logger.WithModule("delivery"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SetTransport installs the connection push hook. Must be set before traffic.
func (s *Service) SetTransport(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

// Send runs one delivery attempt. reply is invoked exactly once with the
// outcome. The message must already have its defaults filled.
func (s *Service) Send(msg wire.Message, reply func(wire.SendResult)) {
	s.boxes.Ensure(msg.SenderID)
	s.boxes.Append(msg.SenderID, msg)

	if _, online := s.registry.Lookup(msg.RecipientID); !online {
		s.queue(msg, reply)
		return
	}

	pa := &pendingAck{msg: msg, reply: reply}

	s.mu.Lock()
	if _, exists := s.pending[msg.MessageID]; exists {
		s.mu.Unlock()
		// a send for this id is already in flight; the invariant is one
		// PendingAck per message id, so this attempt resolves as timeout
		reply(wire.SendResult{Status: wire.OutcomeTimeout, MessageID: msg.MessageID})
		return
	}
	s.pending[msg.MessageID] = pa
	// the timer is armed inside the same critical section that publishes the
	// entry, so a racing HandleAck always sees a fully-formed pendingAck
	pa.timer = s.afterFunc(s.cfg.AckTimeout, func() { s.onAckTimeout(msg.MessageID) })
	s.mu.Unlock()

	if !s.push(msg.RecipientID, wire.EventReceiveMessage, msg) {
		// connection vanished between lookup and push; take the queue path
		s.settle(pa, func() {
			s.queue(msg, reply)
		})
	}
}

func (s *Service) queue(msg wire.Message, reply func(wire.SendResult)) {
	queued := msg
	queued.Status = wire.StatusQueued
	s.boxes.Ensure(msg.RecipientID)
	s.boxes.Append(msg.RecipientID, queued)

	metrics.MessagesSent.WithLabelValues(string(wire.OutcomeQueued)).Inc()
	s.log.Debug("message queued for offline recipient",
		zap.String("message_id", msg.MessageID),
		zap.String("recipient_id", msg.RecipientID))

	reply(wire.SendResult{Status: wire.OutcomeQueued, MessageID: msg.MessageID})
}

func (s *Service) onAckTimeout(messageID string) {
	s.mu.Lock()
	pa, ok := s.pending[messageID]
	s.mu.Unlock()
	if !ok {
		return
	}

	if s.cfg.RedeliverEnabled && pa.redeliveries < s.cfg.MaxRedeliveries {
		pa.redeliveries++
		if s.push(pa.msg.RecipientID, wire.EventReceiveMessage, pa.msg) {
			s.mu.Lock()
			if _, live := s.pending[messageID]; live {
				pa.timer = s.afterFunc(s.cfg.RedeliveryInterval, func() { s.onAckTimeout(messageID) })
			}
			s.mu.Unlock()
			s.log.Debug("redelivering unacknowledged message",
				zap.String("message_id", messageID),
				zap.Int("redelivery", pa.redeliveries))
			return
		}
	}

	s.settle(pa, func() {
		metrics.MessagesSent.WithLabelValues(string(wire.OutcomeTimeout)).Inc()
		s.log.Debug("ack window elapsed", zap.String("message_id", messageID))
		// authoritative status is untouched; the sender decides what failed means
		pa.reply(wire.SendResult{Status: wire.OutcomeTimeout, MessageID: messageID})
	})
}

// HandleAck processes an application-level acknowledgment. A live pending ack
// is settled as delivered; a late or queued-path ack still updates the stored
// copies and, when the original sender is online, forwards a status update.
func (s *Service) HandleAck(ack wire.AckPayload) {
	s.mu.Lock()
	pa, live := s.pending[ack.MessageID]
	s.mu.Unlock()

	if live {
		s.settle(pa, func() {
			s.boxes.UpdateStatus(ack.MessageID, wire.StatusDelivered)
			metrics.MessagesSent.WithLabelValues(string(wire.OutcomeDelivered)).Inc()
			metrics.MessageAcks.WithLabelValues("live").Inc()
			pa.reply(wire.SendResult{Status: wire.OutcomeDelivered, MessageID: ack.MessageID})
		})
	} else {
		metrics.MessageAcks.WithLabelValues("late").Inc()
	}

	status := ack.Status
	if status == "" {
		status = wire.StatusDelivered
	}
	if !s.boxes.UpdateStatus(ack.MessageID, status) {
		return
	}

	msg, ok := s.boxes.Find(ack.MessageID)
	if !ok {
		return
	}
	s.push(msg.SenderID, wire.EventMessageStatus, wire.StatusUpdate{
		MessageID: ack.MessageID,
		Status:    status,
	})
}

// settle resolves a pending ack exactly once, cancelling its timer, removing
// it from the map, and then running outcome. The timer is read under s.mu,
// the same lock that guards every write to it.
func (s *Service) settle(pa *pendingAck, outcome func()) {
	pa.once.Do(func() {
		s.mu.Lock()
		if pa.timer != nil {
			pa.timer.Stop()
		}
		delete(s.pending, pa.msg.MessageID)
		s.mu.Unlock()
		outcome()
	})
}

func (s *Service) push(userID, event string, payload any) bool {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return false
	}
	return transport.Push(userID, event, payload)
}

// PendingCount reports how many acks are currently awaited.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
