// Package client is the chat endpoint: it keeps one websocket to the relay,
// re-registers after every reconnect, persists history locally and replays
// unconfirmed sends through the reconciler.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatlink/chatlink/internal/client/history"
	"github.com/chatlink/chatlink/internal/wire"
	apperrors "github.com/chatlink/chatlink/pkg/errors"
	"github.com/chatlink/chatlink/pkg/logger"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultResultWait        = 10 * time.Second
	maxReconnectDelay        = 5
)

// Config describes one client identity and its relay endpoint.
type Config struct {
	URL      string
	UserID   string
	Username string

	HeartbeatInterval time.Duration
	// ResultWait bounds how long a send waits for its send_result frame. It
	// must exceed the relay's ack window or live sends would be cut short.
	ResultWait time.Duration
}

// Handlers receive pushed events. All are optional and must be set before Run.
type Handlers struct {
	OnConnect      func()
	OnDisconnect   func(error)
	OnOnlineUsers  func([]wire.UserStatus)
	OnUserStatus   func(wire.UserStatus)
	OnMessage      func(wire.Message)
	OnStatusUpdate func(wire.StatusUpdate)
	OnSignal       func(event string, signal wire.SignalPayload)
}

// Client is a connected chat identity.
type Client struct {
	cfg        Config
	history    *history.Store
	reconciler *Reconciler
	handlers   Handlers
	dialer     *websocket.Dialer
	log        *zap.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	writeMu sync.Mutex

	seq       atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan wire.SendResult

	reconnectDelay func(time.Duration) <-chan time.Time
}

// New builds a client. The identity must be present up front; every operation
// is rejected locally without one.
func New(cfg Config, store *history.Store, handlers Handlers) (*Client, error) {
	if cfg.UserID == "" || cfg.Username == "" {
		return nil, apperrors.ErrIdentityMissing
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ResultWait <= 0 {
		cfg.ResultWait = defaultResultWait
	}

	log := logger.WithModule("client").With(zap.String("user_id", cfg.UserID))
	return &Client{
		cfg:            cfg,
		history:        store,
		reconciler:     NewReconciler(store, cfg.UserID, log),
		handlers:       handlers,
		dialer:         websocket.DefaultDialer,
		log:            log,
		pending:        make(map[uint64]chan wire.SendResult),
		reconnectDelay: time.After,
	}, nil
}

// Run connects and keeps the client connected until ctx is canceled,
// reconnecting with capped backoff after every transport loss.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		registered, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if registered {
			// a healthy session clears the backoff history; only consecutive
			// failures escalate the delay
			attempts = 0
		}

		attempts++
		delay := time.Duration(min(attempts, maxReconnectDelay)) * time.Second
		c.log.Warn("transport lost, reconnecting",
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(apperrors.ErrTransportLost.WithInternal(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.reconnectDelay(delay):
		}
	}
}

// session dials, registers and reads frames until the connection dies. The
// bool reports whether the session got far enough to register.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		c.failPending()
	}()

	if err := c.write(wire.EventRegister, 0, wire.RegisterPayload{
		UserID:   c.cfg.UserID,
		Username: c.cfg.Username,
	}); err != nil {
		return false, err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeatLoop(sessionCtx)
	go c.reconciler.Replay(c.transmit)

	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect()
	}

	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return true, err
		}
		c.handle(env)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(wire.EventHeartbeat, 0, wire.HeartbeatPayload{UserID: c.cfg.UserID}); err != nil {
				return
			}
		}
	}
}

// Send creates and transmits a message, persisting every status it moves
// through. Offline sends are queued locally for the reconciler.
func (c *Client) Send(recipientID, content string) (wire.Outcome, error) {
	msg := wire.NewMessage(c.cfg.UserID, recipientID, content)
	if _, err := c.history.Append(c.cfg.UserID, msg); err != nil {
		return "", err
	}

	if !c.isConnected() {
		c.reconciler.CaptureOffline(msg)
		return wire.OutcomeQueued, nil
	}

	return c.sendTracked(msg)
}

// Retry re-issues a failed message through the same send contract,
// user-initiated, with a fresh timestamp.
func (c *Client) Retry(msg wire.Message) (wire.Outcome, error) {
	msg.Attempts++
	msg.Timestamp = time.Now().UnixMilli()
	msg.Status = wire.StatusSent

	if err := c.history.Update(c.cfg.UserID, msg.MessageID, wire.StatusSent, msg.Attempts, msg.Timestamp); err != nil {
		return "", err
	}
	if err := c.history.MarkPending(c.cfg.UserID, msg.MessageID, false); err != nil {
		return "", err
	}

	if !c.isConnected() {
		c.reconciler.CaptureOffline(msg)
		return wire.OutcomeQueued, nil
	}

	return c.sendTracked(msg)
}

// sendTracked transmits and folds the outcome into local state.
func (c *Client) sendTracked(msg wire.Message) (wire.Outcome, error) {
	outcome, err := c.transmit(msg)
	if err != nil {
		c.reconciler.CaptureOffline(msg)
		return "", apperrors.ErrTransportLost.WithInternal(err)
	}

	switch outcome {
	case wire.OutcomeDelivered:
		c.reconciler.Settle(msg.MessageID, wire.StatusDelivered)
	case wire.OutcomeQueued:
		c.reconciler.Settle(msg.MessageID, wire.StatusQueued)
	case wire.OutcomeTimeout:
		c.reconciler.CaptureTimeout(msg)
	}
	return outcome, nil
}

// transmit performs one wire round-trip: send_message out, send_result back.
func (c *Client) transmit(msg wire.Message) (wire.Outcome, error) {
	seq := c.seq.Add(1)
	reply := make(chan wire.SendResult, 1)

	c.pendingMu.Lock()
	c.pending[seq] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
	}()

	if err := c.write(wire.EventSendMessage, seq, msg); err != nil {
		return "", err
	}

	select {
	case result, ok := <-reply:
		if !ok {
			return "", apperrors.ErrTransportLost
		}
		return result.Status, nil
	case <-time.After(c.cfg.ResultWait):
		return wire.OutcomeTimeout, nil
	}
}

// SendSignal forwards an opaque signaling blob to recipientID. Best-effort:
// a lost frame is the callee's reconnect logic's problem, not the sender's.
func (c *Client) SendSignal(event, recipientID string, payload json.RawMessage) error {
	if !c.isConnected() {
		return apperrors.ErrTransportLost
	}
	return c.write(event, 0, wire.SignalPayload{
		Payload:     payload,
		RecipientID: recipientID,
	})
}

// Conversation returns the stored history with peerID.
func (c *Client) Conversation(peerID string) ([]wire.Message, error) {
	return c.history.Conversation(c.cfg.UserID, peerID)
}

// Pending returns the messages awaiting reconciliation.
func (c *Client) Pending() ([]wire.Message, error) {
	return c.history.Pending(c.cfg.UserID)
}

func (c *Client) handle(env wire.Envelope) {
	switch env.Event {
	case wire.EventOnlineUsers:
		var users []wire.UserStatus
		if err := env.Bind(&users); err == nil && c.handlers.OnOnlineUsers != nil {
			c.handlers.OnOnlineUsers(users)
		}

	case wire.EventUserStatus:
		var status wire.UserStatus
		if err := env.Bind(&status); err == nil && c.handlers.OnUserStatus != nil {
			c.handlers.OnUserStatus(status)
		}

	case wire.EventPendingMessages:
		var msgs []wire.Message
		if err := env.Bind(&msgs); err != nil {
			c.log.Warn("pending_messages: bad payload", zap.Error(err))
			return
		}
		for _, msg := range msgs {
			c.acceptIncoming(msg)
		}

	case wire.EventReceiveMessage:
		var msg wire.Message
		if err := env.Bind(&msg); err != nil {
			c.log.Warn("receive_message: bad payload", zap.Error(err))
			return
		}
		c.acceptIncoming(msg)

	case wire.EventMessageStatus:
		var update wire.StatusUpdate
		if err := env.Bind(&update); err != nil {
			return
		}
		if err := c.history.SetStatus(c.cfg.UserID, update.MessageID, update.Status); err != nil {
			c.log.Warn("apply status update", zap.String("message_id", update.MessageID), zap.Error(err))
		}
		if c.handlers.OnStatusUpdate != nil {
			c.handlers.OnStatusUpdate(update)
		}

	case wire.EventSendResult:
		var result wire.SendResult
		if err := env.Bind(&result); err != nil {
			return
		}
		c.pendingMu.Lock()
		reply, ok := c.pending[env.Seq]
		c.pendingMu.Unlock()
		if ok {
			reply <- result
		}

	case wire.EventVideoOffer, wire.EventVideoAnswer, wire.EventIceCandidate:
		var signal wire.SignalPayload
		if err := env.Bind(&signal); err != nil {
			return
		}
		if c.handlers.OnSignal != nil {
			c.handlers.OnSignal(env.Event, signal)
		}

	default:
		c.log.Debug("unhandled event", zap.String("event", env.Event))
	}
}

// acceptIncoming merges a pushed message, deduplicating by id, then always
// acks. Acking twice for the same id is harmless; not acking strands the
// sender's copy.
func (c *Client) acceptIncoming(msg wire.Message) {
	inserted, err := c.history.Append(c.cfg.UserID, msg)
	if err != nil {
		c.log.Warn("store incoming", zap.String("message_id", msg.MessageID), zap.Error(err))
	}
	if inserted && c.handlers.OnMessage != nil {
		c.handlers.OnMessage(msg)
	}

	if err := c.write(wire.EventMessageAck, 0, wire.AckPayload{
		MessageID:   msg.MessageID,
		RecipientID: msg.SenderID,
		Status:      wire.StatusDelivered,
	}); err != nil {
		c.log.Warn("ack incoming", zap.String("message_id", msg.MessageID), zap.Error(err))
	}
}

func (c *Client) write(event string, seq uint64, payload any) error {
	env, err := wire.NewEnvelope(event, seq, payload)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return apperrors.ErrTransportLost
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

func (c *Client) isConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// failPending unblocks every in-flight send after a transport loss.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for seq, reply := range c.pending {
		close(reply)
		delete(c.pending, seq)
	}
}
