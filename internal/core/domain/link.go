package domain

// LinkState is the negotiation state of one broadcaster↔viewer peer link.
// Transitions are monotonic: a link never revisits an earlier state; the only
// way back is close-and-recreate.
type LinkState string

const (
	LinkIdle            LinkState = "idle"
	LinkOfferExchanged  LinkState = "offer_exchanged"
	LinkAnswerExchanged LinkState = "answer_exchanged"
	LinkConnected       LinkState = "connected"
	LinkClosed          LinkState = "closed"
	LinkFailed          LinkState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s LinkState) Terminal() bool {
	return s == LinkClosed || s == LinkFailed
}

var linkOrder = map[LinkState]int{
	LinkIdle:            0,
	LinkOfferExchanged:  1,
	LinkAnswerExchanged: 2,
	LinkConnected:       3,
}

// Before reports whether s precedes other in the forward negotiation order.
// Terminal states are reachable from anywhere and compare as never-before.
func (s LinkState) Before(other LinkState) bool {
	if s.Terminal() || other.Terminal() {
		return false
	}
	return linkOrder[s] < linkOrder[other]
}

// TransportState mirrors the underlying media transport's connection state.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// SessionDescription is the SDP payload exchanged over the relay. The field
// names match the browser's RTCSessionDescription JSON form.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a discovered network path proposal, in the JSON form
// produced by RTCIceCandidate.toJSON().
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}
