package ports

import (
	"livecast/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// MediaSource is the local capture handle. It is exclusively owned by the
// local process and shared read-only across every peer link on the
// broadcaster side: all transports attach the same track set.
type MediaSource interface {
	AudioTrack() webrtc.TrackLocal
	VideoTrack() webrtc.TrackLocal
	Close() error
}

// PeerTransport wraps one underlying media connection. Callbacks fire on the
// transport's own goroutines; registering them before negotiation starts is
// the caller's responsibility.
type PeerTransport interface {
	// CreateOffer generates an offer and sets it as local description.
	CreateOffer() (domain.SessionDescription, error)
	// CreateAnswer generates an answer to the current remote description and
	// sets it as local description.
	CreateAnswer() (domain.SessionDescription, error)
	SetRemoteDescription(desc domain.SessionDescription) error
	AddICECandidate(cand domain.ICECandidate) error

	OnICECandidate(fn func(domain.ICECandidate))
	OnStateChange(fn func(domain.TransportState))

	Close() error
}

// TransportFactory builds transports for the two roles.
type TransportFactory interface {
	// NewBroadcastTransport attaches the shared local track set. Failure to
	// attach aborts only the one link being set up.
	NewBroadcastTransport(source MediaSource) (PeerTransport, error)
	// NewViewerTransport configures receive-only audio and video.
	NewViewerTransport() (PeerTransport, error)
}
