package call

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// defaultICEServers are public STUN servers used when none are configured.
var defaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// NewPionFactory returns a PeerFactory backed by pion/webrtc. Generous ICE
// timeouts keep a brief network hiccup from tearing the call down before the
// machine's reconnection logic gets a chance.
func NewPionFactory(iceServers ...string) PeerFactory {
	if len(iceServers) == 0 {
		iceServers = defaultICEServers
	}

	return func(callbacks PeerCallbacks) (Peer, error) {
		se := webrtc.SettingEngine{}
		se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

		api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
		pc, err := api.NewPeerConnection(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
		})
		if err != nil {
			return nil, fmt.Errorf("call: new peer connection: %w", err)
		}

		pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
			if candidate == nil || callbacks.OnCandidate == nil {
				return
			}
			blob, err := json.Marshal(candidate.ToJSON())
			if err != nil {
				return
			}
			callbacks.OnCandidate(blob)
		})

		pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
			if callbacks.OnTransportState == nil {
				return
			}
			switch state {
			case webrtc.ICEConnectionStateConnected:
				callbacks.OnTransportState(TransportConnected)
			case webrtc.ICEConnectionStateCompleted:
				callbacks.OnTransportState(TransportCompleted)
			case webrtc.ICEConnectionStateDisconnected:
				callbacks.OnTransportState(TransportDisconnected)
			case webrtc.ICEConnectionStateFailed:
				callbacks.OnTransportState(TransportFailed)
			}
		})

		return &pionPeer{pc: pc}, nil
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer() (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("call: create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("call: set local offer: %w", err)
	}
	return json.Marshal(offer)
}

func (p *pionPeer) AcceptOffer(offer json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offer, &desc); err != nil {
		return fmt.Errorf("call: decode offer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("call: set remote offer: %w", err)
	}
	return nil
}

func (p *pionPeer) CreateAnswer() (json.RawMessage, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("call: create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("call: set local answer: %w", err)
	}
	return json.Marshal(answer)
}

func (p *pionPeer) AcceptAnswer(answer json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(answer, &desc); err != nil {
		return fmt.Errorf("call: decode answer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("call: set remote answer: %w", err)
	}
	return nil
}

func (p *pionPeer) AddCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("call: decode candidate: %w", err)
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("call: add candidate: %w", err)
	}
	return nil
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
