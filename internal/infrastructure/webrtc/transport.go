// Package webrtc adapts pion peer connections to the transport ports.
package webrtc

import (
	"fmt"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PortRange bounds the local UDP ports transports may bind. Zero means no
// restriction.
type PortRange struct {
	Min uint16
	Max uint16
}

// FactoryConfig holds ICE and port settings shared by every transport.
type FactoryConfig struct {
	ICEServers []string
	PortRange  PortRange
}

// Factory builds peer transports from one shared pion API instance.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

var _ ports.TransportFactory = (*Factory)(nil)

// NewFactory creates a transport factory. With no ICE servers configured the
// connection is host-candidates only.
func NewFactory(cfg FactoryConfig, logger *zap.SugaredLogger) *Factory {
	config := webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}
	if len(cfg.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max)
	}

	return &Factory{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		config: config,
		logger: logger,
	}
}

// NewBroadcastTransport attaches the shared local tracks and starts RTCP
// readers on their senders.
func (f *Factory) NewBroadcastTransport(source ports.MediaSource) (ports.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	for _, track := range []webrtc.TrackLocal{source.AudioTrack(), source.VideoTrack()} {
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add track: %w", err)
		}
		go readSenderRTCP(sender, f.logger)
	}

	return newTransport(pc, f.logger), nil
}

// NewViewerTransport configures receive-only audio and video. Incoming tracks
// are drained so RTCP feedback keeps flowing.
func (f *Factory) NewViewerTransport() (ports.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}

	logger := f.logger
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		logger.Infow("remote track started",
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)
		go drainTrack(track, logger)
		go readReceiverRTCP(receiver, logger)
	})

	return newTransport(pc, f.logger), nil
}

// transport wraps one pion peer connection.
type transport struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger
}

var _ ports.PeerTransport = (*transport)(nil)

func newTransport(pc *webrtc.PeerConnection, logger *zap.SugaredLogger) *transport {
	return &transport{pc: pc, logger: logger}
}

func (t *transport) CreateOffer() (domain.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return fromPion(offer), nil
}

func (t *transport) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return fromPion(answer), nil
}

func (t *transport) SetRemoteDescription(desc domain.SessionDescription) error {
	return t.pc.SetRemoteDescription(toPion(desc))
}

func (t *transport) AddICECandidate(cand domain.ICECandidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (t *transport) OnICECandidate(fn func(domain.ICECandidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End of gathering.
			return
		}
		init := c.ToJSON()
		fn(domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (t *transport) OnStateChange(fn func(domain.TransportState)) {
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(mapState(state))
	})
}

func (t *transport) Close() error {
	return t.pc.Close()
}

func fromPion(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func toPion(desc domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}

func mapState(state webrtc.PeerConnectionState) domain.TransportState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return domain.TransportNew
	case webrtc.PeerConnectionStateConnecting:
		return domain.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.TransportFailed
	default:
		return domain.TransportClosed
	}
}

// drainTrack keeps reading a remote track so the receiver generates feedback.
func drainTrack(track *webrtc.TrackRemote, logger *zap.SugaredLogger) {
	buf := make([]byte, 1500) // MTU size
	for {
		if _, _, err := track.Read(buf); err != nil {
			logger.Debugw("remote track ended", "track_id", track.ID(), "error", err)
			return
		}
	}
}
