package services

import (
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"go.uber.org/zap"
)

// DefaultNegotiationTimeout bounds how long a link may sit between creation
// and Connected before it is failed and torn down.
const DefaultNegotiationTimeout = 30 * time.Second

// PeerLink drives the negotiation state machine for one (session, viewer)
// pair. It is a single-goroutine actor: every signaling event and transport
// state change is a message into one serialized handler, so no re-entrancy
// flags are needed. Callbacks (local description, local candidate, state
// change) are invoked from the actor goroutine and must not block on the
// link itself.
type PeerLink struct {
	sessionID domain.SessionID
	viewerID  domain.UserID
	transport ports.PeerTransport
	metrics   ports.Metrics
	logger    *zap.SugaredLogger
	timeout   time.Duration

	onLocalDescription func(domain.SessionDescription)
	onLocalCandidate   func(domain.ICECandidate)
	onStateChange      func(domain.LinkState)

	mailbox chan linkEvent
	stopped chan struct{}

	// Written only by the actor goroutine; mu guards cross-goroutine reads.
	mu           sync.Mutex
	state        domain.LinkState
	remoteSet    bool
	pending      []domain.ICECandidate
	sentLocal    int
	pendingPeak  int
	startedAt    time.Time
	timerStopped bool
}

type linkEvent interface{}

type evStartOffer struct{}
type evStartAnswer struct{ offer domain.SessionDescription }
type evRemoteAnswer struct{ answer domain.SessionDescription }
type evRemoteCandidate struct{ cand domain.ICECandidate }
type evLocalCandidate struct{ cand domain.ICECandidate }
type evTransportState struct{ state domain.TransportState }
type evClose struct{}

// PeerLinkConfig carries the wiring for one link.
type PeerLinkConfig struct {
	SessionID domain.SessionID
	ViewerID  domain.UserID
	Transport ports.PeerTransport
	Metrics   ports.Metrics
	Logger    *zap.SugaredLogger
	Timeout   time.Duration

	OnLocalDescription func(domain.SessionDescription)
	OnLocalCandidate   func(domain.ICECandidate)
	OnStateChange      func(domain.LinkState)
}

// NewPeerLink creates the actor and starts its loop in state Idle.
func NewPeerLink(cfg PeerLinkConfig) *PeerLink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultNegotiationTimeout
	}
	l := &PeerLink{
		sessionID:          cfg.SessionID,
		viewerID:           cfg.ViewerID,
		transport:          cfg.Transport,
		metrics:            cfg.Metrics,
		logger:             cfg.Logger.With("session_id", cfg.SessionID, "viewer_id", cfg.ViewerID),
		timeout:            cfg.Timeout,
		onLocalDescription: cfg.OnLocalDescription,
		onLocalCandidate:   cfg.OnLocalCandidate,
		onStateChange:      cfg.OnStateChange,
		mailbox:            make(chan linkEvent, 64),
		stopped:            make(chan struct{}),
		state:              domain.LinkIdle,
		startedAt:          time.Now(),
	}

	// Local candidates are published immediately regardless of state, so the
	// transport callbacks are wired before any negotiation starts.
	l.transport.OnICECandidate(func(c domain.ICECandidate) {
		l.post(evLocalCandidate{cand: c})
	})
	l.transport.OnStateChange(func(st domain.TransportState) {
		l.post(evTransportState{state: st})
	})

	go l.run()
	return l
}

// StartOffer begins the viewer-side flow: generate an offer, publish it via
// the local-description callback, transition to OfferExchanged.
func (l *PeerLink) StartOffer() {
	l.post(evStartOffer{})
}

// StartAnswer begins the broadcaster-side flow for a received offer.
// Delivered twice (relay redelivery), the second call is a no-op.
func (l *PeerLink) StartAnswer(offer domain.SessionDescription) {
	l.post(evStartAnswer{offer: offer})
}

// HandleRemoteAnswer applies the broadcaster's answer. It is discarded
// silently unless a local offer is still outstanding.
func (l *PeerLink) HandleRemoteAnswer(answer domain.SessionDescription) {
	l.post(evRemoteAnswer{answer: answer})
}

// HandleRemoteCandidate applies the candidate if the remote description is
// set, otherwise queues it for a FIFO flush when the description lands.
func (l *PeerLink) HandleRemoteCandidate(cand domain.ICECandidate) {
	l.post(evRemoteCandidate{cand: cand})
}

// Close tears the link down intentionally and waits for the actor to finish,
// so local resource release is synchronous for the caller.
func (l *PeerLink) Close() {
	l.post(evClose{})
	<-l.stopped
}

// State returns the current negotiation state.
func (l *PeerLink) State() domain.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SentLocalCandidates reports how many local candidates were published.
func (l *PeerLink) SentLocalCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sentLocal
}

func (l *PeerLink) post(ev linkEvent) {
	select {
	case <-l.stopped:
	case l.mailbox <- ev:
	}
}

func (l *PeerLink) run() {
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	for {
		select {
		case ev := <-l.mailbox:
			l.handle(ev)
		case <-timer.C:
			l.logger.Warnw("negotiation timed out", "state", l.state, "timeout", l.timeout)
			l.fail()
		}

		if l.state == domain.LinkConnected && !l.timerStopped {
			timer.Stop()
			l.timerStopped = true
		}
		if l.state.Terminal() {
			close(l.stopped)
			return
		}
	}
}

func (l *PeerLink) handle(ev linkEvent) {
	switch e := ev.(type) {
	case evStartOffer:
		if l.state != domain.LinkIdle {
			return
		}
		offer, err := l.transport.CreateOffer()
		if err != nil {
			l.logger.Errorw("create offer failed", "error", err)
			l.fail()
			return
		}
		l.emitLocalDescription(offer)
		l.transition(domain.LinkOfferExchanged)

	case evStartAnswer:
		// Idempotency guard: a link that already consumed an offer ignores
		// replays, so relay redelivery cannot produce duplicate connections.
		if l.state != domain.LinkIdle {
			l.logger.Debugw("duplicate offer ignored", "state", l.state)
			return
		}
		if err := l.transport.SetRemoteDescription(e.offer); err != nil {
			l.logger.Errorw("set remote offer failed", "error", err)
			l.fail()
			return
		}
		l.setRemoteReady()
		answer, err := l.transport.CreateAnswer()
		if err != nil {
			l.logger.Errorw("create answer failed", "error", err)
			l.fail()
			return
		}
		l.emitLocalDescription(answer)
		l.transition(domain.LinkAnswerExchanged)

	case evRemoteAnswer:
		if l.state != domain.LinkOfferExchanged {
			// Stale or duplicate answer; not an error.
			l.logger.Debugw("answer discarded", "state", l.state)
			return
		}
		if err := l.transport.SetRemoteDescription(e.answer); err != nil {
			l.logger.Errorw("set remote answer failed", "error", err)
			l.fail()
			return
		}
		l.setRemoteReady()
		l.transition(domain.LinkAnswerExchanged)

	case evRemoteCandidate:
		if !l.remoteSet {
			l.mu.Lock()
			l.pending = append(l.pending, e.cand)
			if len(l.pending) > l.pendingPeak {
				l.pendingPeak = len(l.pending)
			}
			l.mu.Unlock()
			return
		}
		if err := l.transport.AddICECandidate(e.cand); err != nil {
			l.logger.Warnw("add remote candidate failed", "error", err)
		}

	case evLocalCandidate:
		l.mu.Lock()
		l.sentLocal++
		l.mu.Unlock()
		if l.onLocalCandidate != nil {
			l.onLocalCandidate(e.cand)
		}

	case evTransportState:
		switch e.state {
		case domain.TransportConnected:
			if l.state == domain.LinkConnected {
				return
			}
			if l.metrics != nil {
				l.metrics.ObserveNegotiation(time.Since(l.startedAt))
			}
			l.transition(domain.LinkConnected)
		case domain.TransportFailed, domain.TransportDisconnected:
			l.logger.Infow("transport lost", "transport_state", e.state)
			l.fail()
		case domain.TransportClosed:
			// Unsolicited close; an intentional Close already left the loop.
			l.fail()
		}

	case evClose:
		if err := l.transport.Close(); err != nil {
			l.logger.Warnw("transport close failed", "error", err)
		}
		l.transition(domain.LinkClosed)
	}
}

// emitLocalDescription hands the freshly created offer or answer to the
// publisher callback.
func (l *PeerLink) emitLocalDescription(desc domain.SessionDescription) {
	if l.onLocalDescription != nil {
		l.onLocalDescription(desc)
	}
}

// setRemoteReady marks the remote description set and flushes queued
// candidates in arrival order.
func (l *PeerLink) setRemoteReady() {
	l.mu.Lock()
	l.remoteSet = true
	queued := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, cand := range queued {
		if err := l.transport.AddICECandidate(cand); err != nil {
			l.logger.Warnw("flush queued candidate failed", "error", err)
		}
	}
}

func (l *PeerLink) fail() {
	if l.state.Terminal() {
		return
	}
	if err := l.transport.Close(); err != nil {
		l.logger.Debugw("transport close on failure", "error", err)
	}
	l.transition(domain.LinkFailed)
}

func (l *PeerLink) transition(to domain.LinkState) {
	l.mu.Lock()
	from := l.state
	if from == to || from.Terminal() {
		l.mu.Unlock()
		return
	}
	l.state = to
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.LinkStateChanged(from, to)
	}
	l.logger.Debugw("link state changed", "from", from, "to", to)
	if l.onStateChange != nil {
		l.onStateChange(to)
	}
}
