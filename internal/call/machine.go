// Package call drives 1:1 call sessions over the relay's signaling events.
// Coupling to the transport is via the Signaler interface only; coupling to
// WebRTC is via the Peer interface, so the state machine tests run without a
// real peer connection.
package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatlink/chatlink/internal/wire"
	apperrors "github.com/chatlink/chatlink/pkg/errors"
	"github.com/chatlink/chatlink/pkg/logger"
)

// State is the lifecycle of the local call session.
type State string

const (
	StateIdle         State = "idle"
	StateCalling      State = "calling"
	StateRinging      State = "ringing"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateEnded        State = "ended"
)

const (
	// maxReconnectAttempts bounds recovery; the 6th failure ends the call.
	maxReconnectAttempts = 5
	reconnectBackoffUnit = time.Second
	endedDisplayDelay    = 2 * time.Second
)

// Signaler forwards opaque signaling blobs to a recipient. The client
// satisfies this with its SendSignal method.
type Signaler interface {
	SendSignal(event, recipientID string, payload json.RawMessage) error
}

// Machine is the call session state machine for one local identity. At most
// one call is active at a time.
type Machine struct {
	signaler Signaler
	factory  PeerFactory
	log      *zap.Logger

	afterFunc func(time.Duration, func()) *time.Timer

	mu        sync.Mutex
	state     State
	attempts  int
	recipient string
	peer      Peer

	onState func(State)
}

// Option configures a Machine.
type Option func(*Machine)

// WithAfterFunc substitutes the timer constructor, for tests.
func WithAfterFunc(fn func(time.Duration, func()) *time.Timer) Option {
	return func(m *Machine) { m.afterFunc = fn }
}

// OnStateChange registers a callback fired after every state transition.
func OnStateChange(fn func(State)) Option {
	return func(m *Machine) { m.onState = fn }
}

// NewMachine builds an idle call machine.
func NewMachine(signaler Signaler, factory PeerFactory, opts ...Option) *Machine {
	m := &Machine{
		signaler:  signaler,
		factory:   factory,
		log:       logger.WithModule("call"),
		afterFunc: time.AfterFunc,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current session state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the current reconnection attempt counter.
func (m *Machine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Recipient returns the remote party of the active session, if any.
func (m *Machine) Recipient() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recipient
}

// Start places an outbound call: idle -> calling, offer sent to recipientID.
func (m *Machine) Start(recipientID string) error {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("call: cannot start while %s", state)
	}
	m.recipient = recipientID
	m.setStateLocked(StateCalling)
	m.mu.Unlock()

	if err := m.dial(recipientID); err != nil {
		m.mu.Lock()
		m.releaseLocked()
		m.setStateLocked(StateIdle)
		m.recipient = ""
		m.mu.Unlock()
		return apperrors.ErrSignalingFailure.WithInternal(err)
	}
	return nil
}

// dial creates a fresh peer and sends an offer to recipientID.
func (m *Machine) dial(recipientID string) error {
	peer, err := m.factory(PeerCallbacks{
		OnCandidate:      m.forwardCandidate,
		OnTransportState: m.handleTransportState,
	})
	if err != nil {
		return fmt.Errorf("create peer: %w", err)
	}

	offer, err := peer.CreateOffer()
	if err != nil {
		_ = peer.Close()
		return fmt.Errorf("create offer: %w", err)
	}

	m.mu.Lock()
	if m.peer != nil {
		_ = m.peer.Close()
	}
	m.peer = peer
	m.mu.Unlock()

	if err := m.signaler.SendSignal(wire.EventVideoOffer, recipientID, offer); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

// HandleSignal routes one inbound signaling frame from the relay.
func (m *Machine) HandleSignal(event string, signal wire.SignalPayload) {
	switch event {
	case wire.EventVideoOffer:
		m.handleOffer(signal.SenderID, signal.Payload)
	case wire.EventVideoAnswer:
		m.handleAnswer(signal.SenderID, signal.Payload)
	case wire.EventIceCandidate:
		m.handleCandidate(signal.SenderID, signal.Payload)
	}
}

func (m *Machine) handleOffer(senderID string, offer json.RawMessage) {
	m.mu.Lock()
	switch m.state {
	case StateIdle:
		// incoming call
		m.recipient = senderID
		m.setStateLocked(StateRinging)
		m.mu.Unlock()

		peer, err := m.factory(PeerCallbacks{
			OnCandidate:      m.forwardCandidate,
			OnTransportState: m.handleTransportState,
		})
		if err == nil {
			err = peer.AcceptOffer(offer)
		}
		if err != nil {
			m.log.Warn("accept offer", zap.String("sender_id", senderID), zap.Error(err))
			m.mu.Lock()
			m.releaseLocked()
			m.setStateLocked(StateIdle)
			m.recipient = ""
			m.mu.Unlock()
			return
		}
		m.mu.Lock()
		m.peer = peer
		m.mu.Unlock()

	case StateConnected, StateReconnecting:
		// re-offer from the current call partner during recovery: answer it
		// automatically so the session heals without user action
		if senderID != m.recipient {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.answerReoffer(senderID, offer)

	default:
		m.mu.Unlock()
	}
}

func (m *Machine) answerReoffer(senderID string, offer json.RawMessage) {
	peer, err := m.factory(PeerCallbacks{
		OnCandidate:      m.forwardCandidate,
		OnTransportState: m.handleTransportState,
	})
	if err == nil {
		err = peer.AcceptOffer(offer)
	}

	var answer json.RawMessage
	if err == nil {
		answer, err = peer.CreateAnswer()
	}
	if err == nil {
		err = m.signaler.SendSignal(wire.EventVideoAnswer, senderID, answer)
	}
	if err != nil {
		m.log.Warn("answer re-offer", zap.String("sender_id", senderID), zap.Error(err))
		if peer != nil {
			_ = peer.Close()
		}
		return
	}

	m.mu.Lock()
	if m.peer != nil {
		_ = m.peer.Close()
	}
	m.peer = peer
	m.mu.Unlock()
}

// Answer accepts a ringing call: ringing -> connected, answer sent back.
func (m *Machine) Answer() error {
	m.mu.Lock()
	if m.state != StateRinging || m.peer == nil {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("call: cannot answer while %s", state)
	}
	peer := m.peer
	recipient := m.recipient
	m.mu.Unlock()

	answer, err := peer.CreateAnswer()
	if err == nil {
		err = m.signaler.SendSignal(wire.EventVideoAnswer, recipient, answer)
	}
	if err != nil {
		m.Decline()
		return apperrors.ErrSignalingFailure.WithInternal(err)
	}

	m.mu.Lock()
	m.setStateLocked(StateConnected)
	m.mu.Unlock()
	return nil
}

// Decline rejects a ringing call and releases the peer: ringing -> idle.
func (m *Machine) Decline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRinging {
		return
	}
	m.releaseLocked()
	m.recipient = ""
	m.setStateLocked(StateIdle)
}

func (m *Machine) handleAnswer(senderID string, answer json.RawMessage) {
	m.mu.Lock()
	if senderID != m.recipient || m.peer == nil {
		m.mu.Unlock()
		return
	}
	state := m.state
	peer := m.peer
	m.mu.Unlock()

	switch state {
	case StateCalling:
		if err := peer.AcceptAnswer(answer); err != nil {
			m.log.Warn("accept answer", zap.Error(err))
			return
		}
		m.mu.Lock()
		m.setStateLocked(StateConnected)
		m.mu.Unlock()

	case StateReconnecting:
		// media is renegotiated; the state advances when the transport
		// reports connected again
		if err := peer.AcceptAnswer(answer); err != nil {
			m.log.Warn("accept answer during recovery", zap.Error(err))
		}
	}
}

// handleCandidate applies a remote ICE candidate while negotiation or an
// active call can use it.
func (m *Machine) handleCandidate(senderID string, candidate json.RawMessage) {
	m.mu.Lock()
	applicable := m.state == StateCalling || m.state == StateConnected || m.state == StateRinging
	peer := m.peer
	sameCall := senderID == m.recipient
	m.mu.Unlock()

	if !applicable || !sameCall || peer == nil {
		return
	}
	if err := peer.AddCandidate(candidate); err != nil {
		m.log.Warn("add candidate", zap.Error(err))
	}
}

// forwardCandidate ships a locally gathered candidate to the call partner for
// the lifetime of any non-idle state.
func (m *Machine) forwardCandidate(candidate json.RawMessage) {
	m.mu.Lock()
	recipient := m.recipient
	idle := m.state == StateIdle
	m.mu.Unlock()

	if idle || recipient == "" {
		return
	}
	if err := m.signaler.SendSignal(wire.EventIceCandidate, recipient, candidate); err != nil {
		m.log.Debug("forward candidate", zap.Error(err))
	}
}

// End hangs up: any active state -> ended, then idle after a display delay.
func (m *Machine) End() {
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateEnded {
		m.mu.Unlock()
		return
	}
	m.releaseLocked()
	m.recipient = ""
	m.attempts = 0
	m.setStateLocked(StateEnded)
	m.mu.Unlock()

	m.afterFunc(endedDisplayDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state == StateEnded {
			m.setStateLocked(StateIdle)
		}
	})
}

// handleTransportState reacts to peer transport reports: loss while connected
// enters bounded reconnection, recovery resets the counter.
func (m *Machine) handleTransportState(state TransportState) {
	switch state {
	case TransportConnected, TransportCompleted:
		m.mu.Lock()
		if m.state == StateReconnecting {
			m.attempts = 0
			m.setStateLocked(StateConnected)
		}
		m.mu.Unlock()

	case TransportDisconnected, TransportFailed:
		m.mu.Lock()
		if m.state == StateConnected {
			m.setStateLocked(StateReconnecting)
		}
		if m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		if m.attempts >= maxReconnectAttempts {
			m.mu.Unlock()
			m.log.Warn("reconnection attempts exhausted")
			m.End()
			return
		}
		m.attempts++
		attempt := m.attempts
		delay := time.Duration(min(attempt, maxReconnectAttempts)) * reconnectBackoffUnit
		m.mu.Unlock()

		m.log.Info("scheduling call recovery",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		m.afterFunc(delay, m.redial)
	}
}

// redial re-offers to the same recipient as part of recovery.
func (m *Machine) redial() {
	m.mu.Lock()
	if m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	recipient := m.recipient
	m.mu.Unlock()

	if err := m.dial(recipient); err != nil {
		m.log.Warn("recovery dial failed", zap.Error(err))
		m.handleTransportState(TransportFailed)
	}
}

// releaseLocked closes the peer connection and stops local media. Caller
// holds m.mu.
func (m *Machine) releaseLocked() {
	if m.peer != nil {
		_ = m.peer.Close()
		m.peer = nil
	}
}

// setStateLocked transitions state and notifies. Caller holds m.mu.
func (m *Machine) setStateLocked(next State) {
	if m.state == next {
		return
	}
	m.state = next
	if m.onState != nil {
		go m.onState(next)
	}
}
