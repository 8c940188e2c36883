package call

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatlink/chatlink/internal/wire"
)

type fakeSignaler struct {
	mu     sync.Mutex
	frames []sentFrame
}

type sentFrame struct {
	event     string
	recipient string
	payload   json.RawMessage
}

func (f *fakeSignaler) SendSignal(event, recipientID string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, sentFrame{event, recipientID, payload})
	return nil
}

func (f *fakeSignaler) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, frame := range f.frames {
		if frame.event == event {
			n++
		}
	}
	return n
}

type fakePeer struct {
	mu        sync.Mutex
	callbacks PeerCallbacks
	closed    bool
}

func (p *fakePeer) CreateOffer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer","sdp":"v=0"}`), nil
}
func (p *fakePeer) AcceptOffer(json.RawMessage) error { return nil }
func (p *fakePeer) CreateAnswer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer","sdp":"v=0"}`), nil
}
func (p *fakePeer) AcceptAnswer(json.RawMessage) error { return nil }
func (p *fakePeer) AddCandidate(json.RawMessage) error { return nil }
func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// harness captures timers so backoff fires under test control.
type harness struct {
	signaler *fakeSignaler
	machine  *Machine

	mu     sync.Mutex
	peers  []*fakePeer
	timers []scheduledTimer
}

type scheduledTimer struct {
	delay time.Duration
	fn    func()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{signaler: &fakeSignaler{}}

	factory := func(callbacks PeerCallbacks) (Peer, error) {
		peer := &fakePeer{callbacks: callbacks}
		h.mu.Lock()
		h.peers = append(h.peers, peer)
		h.mu.Unlock()
		return peer, nil
	}

	h.machine = NewMachine(h.signaler, factory, WithAfterFunc(func(d time.Duration, fn func()) *time.Timer {
		h.mu.Lock()
		h.timers = append(h.timers, scheduledTimer{d, fn})
		h.mu.Unlock()
		return nil
	}))
	return h
}

func (h *harness) currentPeer(t *testing.T) *fakePeer {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.peers, "no peer created yet")
	return h.peers[len(h.peers)-1]
}

func (h *harness) fireTimer(t *testing.T, i int) scheduledTimer {
	t.Helper()
	h.mu.Lock()
	require.Greater(t, len(h.timers), i, "timer %d never scheduled", i)
	timer := h.timers[i]
	h.mu.Unlock()
	timer.fn()
	return timer
}

func offerSignal(sender string) wire.SignalPayload {
	return wire.SignalPayload{
		Payload:  json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		SenderID: sender,
	}
}

func answerSignal(sender string) wire.SignalPayload {
	return wire.SignalPayload{
		Payload:  json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
		SenderID: sender,
	}
}

func TestStartSendsOfferAndEntersCalling(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.machine.Start("bob"))
	require.Equal(t, StateCalling, h.machine.State())
	require.Equal(t, "bob", h.machine.Recipient())
	require.Equal(t, 1, h.signaler.count(wire.EventVideoOffer))
}

func TestStartWhileBusyFails(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Start("bob"))
	require.Error(t, h.machine.Start("carol"))
}

func TestAnswerArrivingWhileCallingConnects(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Start("bob"))

	h.machine.HandleSignal(wire.EventVideoAnswer, answerSignal("bob"))
	require.Equal(t, StateConnected, h.machine.State())
}

func TestAnswerFromStrangerIsIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Start("bob"))

	h.machine.HandleSignal(wire.EventVideoAnswer, answerSignal("mallory"))
	require.Equal(t, StateCalling, h.machine.State())
}

func TestIncomingOfferRingsAndAnswerConnects(t *testing.T) {
	h := newHarness(t)

	h.machine.HandleSignal(wire.EventVideoOffer, offerSignal("alice"))
	require.Equal(t, StateRinging, h.machine.State())
	require.Equal(t, "alice", h.machine.Recipient())

	require.NoError(t, h.machine.Answer())
	require.Equal(t, StateConnected, h.machine.State())
	require.Equal(t, 1, h.signaler.count(wire.EventVideoAnswer))
}

func TestDeclineReturnsToIdleAndReleasesPeer(t *testing.T) {
	h := newHarness(t)

	h.machine.HandleSignal(wire.EventVideoOffer, offerSignal("alice"))
	peer := h.currentPeer(t)

	h.machine.Decline()
	require.Equal(t, StateIdle, h.machine.State())
	require.Empty(t, h.machine.Recipient())
	require.True(t, peer.isClosed())
}

func TestEndShowsEndedThenIdle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Start("bob"))
	peer := h.currentPeer(t)

	h.machine.End()
	require.Equal(t, StateEnded, h.machine.State())
	require.True(t, peer.isClosed())

	timer := h.fireTimer(t, 0)
	require.Equal(t, 2*time.Second, timer.delay)
	require.Equal(t, StateIdle, h.machine.State())
}

func TestTransportLossEntersReconnectingWithBackoff(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Start("bob"))
	h.machine.HandleSignal(wire.EventVideoAnswer, answerSignal("bob"))
	require.Equal(t, StateConnected, h.machine.State())

	peer := h.currentPeer(t)
	peer.callbacks.OnTransportState(TransportDisconnected)

	require.Equal(t, StateReconnecting, h.machine.State())
	require.Equal(t, 1, h.machine.Attempts())

	timer := h.fireTimer(t, 0)
	require.Equal(t, 1*time.Second, timer.delay)
	// the redial issued a fresh offer to the same recipient
	require.Equal(t, 2, h.signaler.count(wire.EventVideoOffer))
}

func TestRecoveryResetsAttempts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Start("bob"))
	h.machine.HandleSignal(wire.EventVideoAnswer, answerSignal("bob"))

	peer := h.currentPeer(t)
	peer.callbacks.OnTransportState(TransportDisconnected)
	h.fireTimer(t, 0)

	recovered := h.currentPeer(t)
	recovered.callbacks.OnTransportState(TransportConnected)

	require.Equal(t, StateConnected, h.machine.State())
	require.Zero(t, h.machine.Attempts())
}

func TestReconnectionBoundedAtFiveAttempts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Start("bob"))
	h.machine.HandleSignal(wire.EventVideoAnswer, answerSignal("bob"))

	wantDelays := []time.Duration{
		1 * time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second,
	}

	h.currentPeer(t).callbacks.OnTransportState(TransportDisconnected)
	for i, want := range wantDelays {
		timer := h.fireTimer(t, i)
		require.Equal(t, want, timer.delay, "attempt %d backoff", i+1)
		// each redial fails again
		h.currentPeer(t).callbacks.OnTransportState(TransportFailed)
	}

	// the 6th failure gives up instead of scheduling another redial
	require.Equal(t, StateEnded, h.machine.State())
	require.Equal(t, 6, h.signaler.count(wire.EventVideoOffer), "initial offer plus five redials")
}

func TestInboundCandidateAppliedOnlyInActiveStates(t *testing.T) {
	h := newHarness(t)

	candidate := wire.SignalPayload{
		Payload:  json.RawMessage(`{"candidate":"x"}`),
		SenderID: "bob",
	}

	// idle: nothing to apply, nothing crashes
	h.machine.HandleSignal(wire.EventIceCandidate, candidate)

	require.NoError(t, h.machine.Start("bob"))
	h.machine.HandleSignal(wire.EventIceCandidate, candidate)
	require.Equal(t, StateCalling, h.machine.State())
}

func TestLocalCandidatesForwardedWhileNotIdle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Start("bob"))

	peer := h.currentPeer(t)
	peer.callbacks.OnCandidate(json.RawMessage(`{"candidate":"local"}`))
	require.Equal(t, 1, h.signaler.count(wire.EventIceCandidate))

	h.machine.End()
	h.fireTimer(t, 0)
	peer.callbacks.OnCandidate(json.RawMessage(`{"candidate":"late"}`))
	require.Equal(t, 1, h.signaler.count(wire.EventIceCandidate), "idle machine must not forward")
}

func TestReofferDuringReconnectingIsAnsweredAutomatically(t *testing.T) {
	h := newHarness(t)

	// callee side: alice and bob are connected, then bob's re-offer arrives
	h.machine.HandleSignal(wire.EventVideoOffer, offerSignal("bob"))
	require.NoError(t, h.machine.Answer())
	require.Equal(t, StateConnected, h.machine.State())

	h.machine.HandleSignal(wire.EventVideoOffer, offerSignal("bob"))
	require.Equal(t, 2, h.signaler.count(wire.EventVideoAnswer))

	// a stranger's offer mid-call is dropped
	h.machine.HandleSignal(wire.EventVideoOffer, offerSignal("mallory"))
	require.Equal(t, 2, h.signaler.count(wire.EventVideoAnswer))
}
