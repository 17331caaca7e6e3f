package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SessionNegotiator is the broadcaster-side owner of every peer link in one
// session. The viewerID→link mapping is the single serialization point: a
// viewer arrival is processed under the registry lock, and attachOrIgnore is
// the only entry point, which makes offer idempotency an invariant rather
// than a side-channel bookkeeping set.
type SessionNegotiator struct {
	sessionID  domain.SessionID
	channel    ports.SignalingChannel
	transports ports.TransportFactory
	source     ports.MediaSource
	metrics    ports.Metrics
	logger     *zap.SugaredLogger
	timeout    time.Duration

	mu          sync.Mutex
	links       map[domain.UserID]*negotiatedLink
	offersUnsub ports.Unsubscribe
	closed      bool
}

type negotiatedLink struct {
	link      *PeerLink
	candUnsub ports.Unsubscribe
}

// NewSessionNegotiator wires a negotiator; call Start to begin observing
// offers.
func NewSessionNegotiator(
	sessionID domain.SessionID,
	channel ports.SignalingChannel,
	transports ports.TransportFactory,
	source ports.MediaSource,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
	negotiationTimeout time.Duration,
) *SessionNegotiator {
	return &SessionNegotiator{
		sessionID:  sessionID,
		channel:    channel,
		transports: transports,
		source:     source,
		metrics:    metrics,
		logger:     logger.With("session_id", sessionID),
		timeout:    negotiationTimeout,
		links:      make(map[domain.UserID]*negotiatedLink),
	}
}

// Start subscribes to the session's offers path. Existing offers are replayed
// by the relay, so a restarted broadcaster picks up waiting viewers.
func (n *SessionNegotiator) Start(ctx context.Context) error {
	unsub, err := n.channel.Subscribe(ctx, offersPath(n.sessionID), func(key string, value json.RawMessage) {
		if value == nil {
			return // offer removal needs no reaction; Detach handles departures
		}
		var env offerEnvelope
		if err := json.Unmarshal(value, &env); err != nil {
			n.logger.Warnw("malformed offer", "viewer_id", key, "error", err)
			if n.metrics != nil {
				n.metrics.SignalingError()
			}
			return
		}
		if env.Offer.SDP == "" {
			return
		}
		n.attachOrIgnore(ctx, domain.UserID(key), env.Offer)
	})
	if err != nil {
		return fmt.Errorf("subscribe offers: %w", err)
	}

	n.mu.Lock()
	n.offersUnsub = unsub
	n.mu.Unlock()
	return nil
}

// attachOrIgnore creates at most one link per viewer. A repeated offer for a
// viewer that already has a live link is a no-op.
func (n *SessionNegotiator) attachOrIgnore(ctx context.Context, viewerID domain.UserID, offer domain.SessionDescription) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	if _, exists := n.links[viewerID]; exists {
		n.logger.Debugw("offer for known viewer ignored", "viewer_id", viewerID)
		return
	}

	_, span := otel.Tracer("livecast/negotiator").Start(ctx, "negotiate",
		trace.WithAttributes(attribute.String("viewer_id", string(viewerID))))
	defer span.End()

	transport, err := n.transports.NewBroadcastTransport(n.source)
	if err != nil {
		// Media attach failure aborts this one link; other viewers are
		// unaffected.
		n.logger.Errorw("broadcast transport setup failed", "viewer_id", viewerID, "error", err)
		if n.metrics != nil {
			n.metrics.SignalingError()
		}
		return
	}

	link := NewPeerLink(PeerLinkConfig{
		SessionID: n.sessionID,
		ViewerID:  viewerID,
		Transport: transport,
		Metrics:   n.metrics,
		Logger:    n.logger,
		Timeout:   n.timeout,
		OnLocalDescription: func(answer domain.SessionDescription) {
			err := n.channel.SetValue(context.Background(), answerPath(n.sessionID, viewerID), answerEnvelope{Answer: answer})
			if err != nil {
				n.logger.Errorw("publish answer failed", "viewer_id", viewerID, "error", err)
			}
		},
		OnLocalCandidate: func(cand domain.ICECandidate) {
			_, err := n.channel.Publish(context.Background(), broadcasterCandidatesPath(n.sessionID, viewerID), cand)
			if err != nil {
				n.logger.Warnw("publish candidate failed", "viewer_id", viewerID, "error", err)
			}
		},
		OnStateChange: func(st domain.LinkState) {
			if st == domain.LinkFailed {
				// Leave the viewer's signaling keys alone: a fresh offer from
				// the viewer starts a clean negotiation.
				n.forget(viewerID)
			}
		},
	})

	candUnsub, err := n.channel.Subscribe(ctx, viewerCandidatesPath(n.sessionID, viewerID), func(_ string, value json.RawMessage) {
		if value == nil {
			return
		}
		var cand domain.ICECandidate
		if err := json.Unmarshal(value, &cand); err != nil {
			n.logger.Warnw("malformed viewer candidate", "viewer_id", viewerID, "error", err)
			return
		}
		link.HandleRemoteCandidate(cand)
	})
	if err != nil {
		n.logger.Errorw("subscribe viewer candidates failed", "viewer_id", viewerID, "error", err)
		link.Close()
		return
	}

	n.links[viewerID] = &negotiatedLink{link: link, candUnsub: candUnsub}
	link.StartAnswer(offer)
	n.logger.Infow("viewer attached", "viewer_id", viewerID, "links", len(n.links))
}

// Detach closes a viewer's link on explicit departure and removes the
// signaling keys for that viewer so stale redelivery cannot confuse a later
// attempt.
func (n *SessionNegotiator) Detach(ctx context.Context, viewerID domain.UserID) {
	n.mu.Lock()
	entry, ok := n.links[viewerID]
	if ok {
		delete(n.links, viewerID)
	}
	n.mu.Unlock()

	if !ok {
		return
	}
	entry.candUnsub()
	entry.link.Close()
	n.removeViewerKeys(ctx, viewerID)
	n.logger.Infow("viewer detached", "viewer_id", viewerID)
}

// forget drops the registry entry without touching signaling keys; used when
// a link fails on its own so the next offer can start over.
func (n *SessionNegotiator) forget(viewerID domain.UserID) {
	n.mu.Lock()
	entry, ok := n.links[viewerID]
	if ok {
		delete(n.links, viewerID)
	}
	n.mu.Unlock()

	if ok {
		entry.candUnsub()
	}
}

// Close closes every link and clears the mapping. Signaling cleanup is
// best-effort; local release is synchronous.
func (n *SessionNegotiator) Close(ctx context.Context) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	entries := n.links
	n.links = make(map[domain.UserID]*negotiatedLink)
	offersUnsub := n.offersUnsub
	n.offersUnsub = nil
	n.mu.Unlock()

	if offersUnsub != nil {
		offersUnsub()
	}
	for viewerID, entry := range entries {
		entry.candUnsub()
		entry.link.Close()
		n.removeViewerKeys(ctx, viewerID)
	}
	n.logger.Infow("negotiator closed", "links_closed", len(entries))
}

func (n *SessionNegotiator) removeViewerKeys(ctx context.Context, viewerID domain.UserID) {
	for _, path := range []string{
		offerPath(n.sessionID, viewerID),
		answerPath(n.sessionID, viewerID),
		viewerCandidatesPath(n.sessionID, viewerID),
		broadcasterCandidatesPath(n.sessionID, viewerID),
	} {
		if err := n.channel.Remove(ctx, path); err != nil {
			n.logger.Debugw("signaling cleanup failed", "path", path, "error", err)
		}
	}
}

// LinkCount returns the number of live links.
func (n *SessionNegotiator) LinkCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.links)
}

// LinkState reports the state of one viewer's link.
func (n *SessionNegotiator) LinkState(viewerID domain.UserID) (domain.LinkState, bool) {
	n.mu.Lock()
	entry, ok := n.links[viewerID]
	n.mu.Unlock()
	if !ok {
		return "", false
	}
	return entry.link.State(), true
}
