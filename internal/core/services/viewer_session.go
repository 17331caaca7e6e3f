package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"go.uber.org/zap"
)

// ViewerSession owns the viewer's single peer link to the broadcaster.
// Join is guarded against re-entrant setup for the lifetime of the session
// object; Leave releases local resources synchronously and issues remote
// cleanup best-effort.
type ViewerSession struct {
	sessionID  domain.SessionID
	viewer     domain.Identity
	channel    ports.SignalingChannel
	transports ports.TransportFactory
	presence   *PresenceRegistry
	metrics    ports.Metrics
	logger     *zap.SugaredLogger
	timeout    time.Duration

	mu      sync.Mutex
	started bool
	link    *PeerLink
	unsubs  []ports.Unsubscribe
}

// NewViewerSession wires a viewer session; Join starts negotiation.
func NewViewerSession(
	sessionID domain.SessionID,
	viewer domain.Identity,
	channel ports.SignalingChannel,
	transports ports.TransportFactory,
	presence *PresenceRegistry,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
	negotiationTimeout time.Duration,
) *ViewerSession {
	return &ViewerSession{
		sessionID:  sessionID,
		viewer:     viewer,
		channel:    channel,
		transports: transports,
		presence:   presence,
		metrics:    metrics,
		logger:     logger.With("session_id", sessionID, "viewer_id", viewer.ID),
		timeout:    negotiationTimeout,
	}
}

// Join creates the receive-only transport, publishes the offer keyed by the
// viewer's own identity and registers presence. A second Join on a session
// whose setup already started returns ErrSetupStarted without generating a
// second offer.
func (v *ViewerSession) Join(ctx context.Context) error {
	v.mu.Lock()
	if v.started {
		v.mu.Unlock()
		return domain.ErrSetupStarted
	}
	v.started = true
	v.mu.Unlock()

	transport, err := v.transports.NewViewerTransport()
	if err != nil {
		v.mu.Lock()
		v.started = false
		v.mu.Unlock()
		return fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}

	link := NewPeerLink(PeerLinkConfig{
		SessionID: v.sessionID,
		ViewerID:  v.viewer.ID,
		Transport: transport,
		Metrics:   v.metrics,
		Logger:    v.logger,
		Timeout:   v.timeout,
		OnLocalDescription: func(offer domain.SessionDescription) {
			err := v.channel.SetValue(context.Background(), offerPath(v.sessionID, v.viewer.ID), offerEnvelope{Offer: offer})
			if err != nil {
				v.logger.Errorw("publish offer failed", "error", err)
			}
		},
		OnLocalCandidate: func(cand domain.ICECandidate) {
			_, err := v.channel.Publish(context.Background(), viewerCandidatesPath(v.sessionID, v.viewer.ID), cand)
			if err != nil {
				v.logger.Warnw("publish candidate failed", "error", err)
			}
		},
	})

	answerUnsub, err := v.channel.Subscribe(ctx, answerPath(v.sessionID, v.viewer.ID), func(_ string, value json.RawMessage) {
		if value == nil {
			return
		}
		var env answerEnvelope
		if err := json.Unmarshal(value, &env); err != nil {
			v.logger.Warnw("malformed answer", "error", err)
			return
		}
		if env.Answer.SDP == "" {
			return
		}
		link.HandleRemoteAnswer(env.Answer)
	})
	if err != nil {
		link.Close()
		return fmt.Errorf("subscribe answer: %w", err)
	}

	candUnsub, err := v.channel.Subscribe(ctx, broadcasterCandidatesPath(v.sessionID, v.viewer.ID), func(_ string, value json.RawMessage) {
		if value == nil {
			return
		}
		var cand domain.ICECandidate
		if err := json.Unmarshal(value, &cand); err != nil {
			v.logger.Warnw("malformed broadcaster candidate", "error", err)
			return
		}
		link.HandleRemoteCandidate(cand)
	})
	if err != nil {
		answerUnsub()
		link.Close()
		return fmt.Errorf("subscribe candidates: %w", err)
	}

	if v.presence != nil {
		if err := v.presence.AttachViewer(ctx, v.viewer); err != nil {
			answerUnsub()
			candUnsub()
			link.Close()
			return fmt.Errorf("attach presence: %w", err)
		}
	}

	v.mu.Lock()
	v.link = link
	v.unsubs = []ports.Unsubscribe{answerUnsub, candUnsub}
	v.mu.Unlock()

	link.StartOffer()
	v.logger.Infow("viewer joined")
	return nil
}

// Leave closes the link synchronously, then removes the viewer's own
// signaling and presence entries without blocking on acknowledgment.
func (v *ViewerSession) Leave(ctx context.Context) {
	v.mu.Lock()
	link := v.link
	unsubs := v.unsubs
	v.link = nil
	v.unsubs = nil
	v.mu.Unlock()

	if link == nil {
		return
	}

	link.Close()
	for _, unsub := range unsubs {
		unsub()
	}

	for _, path := range []string{
		offerPath(v.sessionID, v.viewer.ID),
		answerPath(v.sessionID, v.viewer.ID),
		viewerCandidatesPath(v.sessionID, v.viewer.ID),
		broadcasterCandidatesPath(v.sessionID, v.viewer.ID),
	} {
		if err := v.channel.Remove(ctx, path); err != nil {
			v.logger.Debugw("signaling cleanup failed", "path", path, "error", err)
		}
	}
	if v.presence != nil {
		if err := v.presence.DetachViewer(ctx, v.viewer.ID); err != nil {
			v.logger.Debugw("presence cleanup failed", "error", err)
		}
	}
	v.logger.Infow("viewer left")
}

// State returns the link state, or LinkIdle before Join.
func (v *ViewerSession) State() domain.LinkState {
	v.mu.Lock()
	link := v.link
	v.mu.Unlock()
	if link == nil {
		return domain.LinkIdle
	}
	return link.State()
}
