package call

import "encoding/json"

// TransportState is the peer transport's view of the media path.
type TransportState string

const (
	TransportConnected    TransportState = "connected"
	TransportCompleted    TransportState = "completed"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
)

// PeerCallbacks are wired into a peer at construction time.
type PeerCallbacks struct {
	// OnCandidate fires for every locally gathered ICE candidate.
	OnCandidate func(candidate json.RawMessage)
	// OnTransportState fires when the media transport changes state.
	OnTransportState func(state TransportState)
}

// Peer abstracts one WebRTC peer connection. All SDP and candidate blobs are
// opaque JSON; the machine never interprets them.
type Peer interface {
	// CreateOffer produces a local offer and applies it as the local
	// description.
	CreateOffer() (json.RawMessage, error)
	// AcceptOffer applies a remote offer.
	AcceptOffer(offer json.RawMessage) error
	// CreateAnswer produces an answer to a previously accepted offer and
	// applies it as the local description.
	CreateAnswer() (json.RawMessage, error)
	// AcceptAnswer applies a remote answer.
	AcceptAnswer(answer json.RawMessage) error
	// AddCandidate applies a remote ICE candidate.
	AddCandidate(candidate json.RawMessage) error
	// Close releases the connection and any captured local media.
	Close() error
}

// PeerFactory builds a fresh peer with the given callbacks installed.
type PeerFactory func(callbacks PeerCallbacks) (Peer, error)
