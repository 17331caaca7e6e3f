package services

import (
	"sync"
	"testing"
	"time"

	"livecast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestLink(t *testing.T, tr *fakeTransport, cfg PeerLinkConfig) *PeerLink {
	t.Helper()
	cfg.SessionID = "s1"
	cfg.ViewerID = "v1"
	cfg.Transport = tr
	cfg.Logger = zaptest.NewLogger(t).Sugar()
	return NewPeerLink(cfg)
}

func TestPeerLink_OfferFlow(t *testing.T) {
	tr := &fakeTransport{}

	var mu sync.Mutex
	var published []domain.SessionDescription
	link := newTestLink(t, tr, PeerLinkConfig{
		OnLocalDescription: func(desc domain.SessionDescription) {
			mu.Lock()
			published = append(published, desc)
			mu.Unlock()
		},
	})
	defer link.Close()

	link.StartOffer()
	waitFor(t, "offer exchanged", func() bool { return link.State() == domain.LinkOfferExchanged })

	mu.Lock()
	require.Len(t, published, 1)
	assert.Equal(t, "offer", published[0].Type)
	mu.Unlock()

	link.HandleRemoteAnswer(domain.SessionDescription{Type: "answer", SDP: "v=0 answer"})
	waitFor(t, "answer exchanged", func() bool { return link.State() == domain.LinkAnswerExchanged })
	require.NotNil(t, tr.remoteDesc())
	assert.Equal(t, "answer", tr.remoteDesc().Type)

	tr.emitState(domain.TransportConnected)
	waitFor(t, "connected", func() bool { return link.State() == domain.LinkConnected })
}

func TestPeerLink_CandidatesQueuedUntilRemoteDescription(t *testing.T) {
	tr := &fakeTransport{}
	link := newTestLink(t, tr, PeerLinkConfig{})
	defer link.Close()

	link.StartOffer()
	waitFor(t, "offer exchanged", func() bool { return link.State() == domain.LinkOfferExchanged })

	link.HandleRemoteCandidate(candidate(1))
	link.HandleRemoteCandidate(candidate(2))
	link.HandleRemoteCandidate(candidate(3))

	// No remote description yet: nothing reaches the transport.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, tr.addedCandidates())

	link.HandleRemoteAnswer(domain.SessionDescription{Type: "answer", SDP: "v=0 answer"})
	waitFor(t, "candidates flushed", func() bool { return len(tr.addedCandidates()) == 3 })

	added := tr.addedCandidates()
	assert.Equal(t, candidate(1).Candidate, added[0].Candidate)
	assert.Equal(t, candidate(2).Candidate, added[1].Candidate)
	assert.Equal(t, candidate(3).Candidate, added[2].Candidate)

	// Post-flush candidates apply immediately.
	link.HandleRemoteCandidate(candidate(4))
	waitFor(t, "late candidate applied", func() bool { return len(tr.addedCandidates()) == 4 })
}

func TestPeerLink_DuplicateOfferIgnored(t *testing.T) {
	tr := &fakeTransport{}

	var mu sync.Mutex
	published := 0
	link := newTestLink(t, tr, PeerLinkConfig{
		OnLocalDescription: func(domain.SessionDescription) {
			mu.Lock()
			published++
			mu.Unlock()
		},
	})
	defer link.Close()

	offer := domain.SessionDescription{Type: "offer", SDP: "v=0 offer"}
	link.StartAnswer(offer)
	link.StartAnswer(offer)
	waitFor(t, "answer exchanged", func() bool { return link.State() == domain.LinkAnswerExchanged })

	// Give the second event time to be (not) handled.
	time.Sleep(50 * time.Millisecond)

	tr.mu.Lock()
	calls := tr.answerCalls
	tr.mu.Unlock()
	assert.Equal(t, 1, calls)

	mu.Lock()
	assert.Equal(t, 1, published)
	mu.Unlock()
}

func TestPeerLink_AnswerFlowPublishesAnswer(t *testing.T) {
	tr := &fakeTransport{}

	var mu sync.Mutex
	var published []domain.SessionDescription
	link := newTestLink(t, tr, PeerLinkConfig{
		OnLocalDescription: func(desc domain.SessionDescription) {
			mu.Lock()
			published = append(published, desc)
			mu.Unlock()
		},
	})
	defer link.Close()

	link.StartAnswer(domain.SessionDescription{Type: "offer", SDP: "v=0 offer"})
	waitFor(t, "answer exchanged", func() bool { return link.State() == domain.LinkAnswerExchanged })

	mu.Lock()
	require.Len(t, published, 1)
	assert.Equal(t, "answer", published[0].Type)
	mu.Unlock()
}

func TestPeerLink_NoDescriptionCallbackStillNegotiates(t *testing.T) {
	tr := &fakeTransport{}
	link := newTestLink(t, tr, PeerLinkConfig{})
	defer link.Close()

	link.StartOffer()
	waitFor(t, "offer exchanged", func() bool { return link.State() == domain.LinkOfferExchanged })

	link.HandleRemoteAnswer(domain.SessionDescription{Type: "answer", SDP: "v=0 answer"})
	waitFor(t, "answer exchanged", func() bool { return link.State() == domain.LinkAnswerExchanged })
}

func TestPeerLink_AnswerWithoutOfferDiscarded(t *testing.T) {
	tr := &fakeTransport{}
	link := newTestLink(t, tr, PeerLinkConfig{})
	defer link.Close()

	link.HandleRemoteAnswer(domain.SessionDescription{Type: "answer", SDP: "v=0 answer"})
	time.Sleep(50 * time.Millisecond)

	assert.Nil(t, tr.remoteDesc())
	assert.Equal(t, domain.LinkIdle, link.State())
}

func TestPeerLink_NegotiationTimeout(t *testing.T) {
	tr := &fakeTransport{}
	link := newTestLink(t, tr, PeerLinkConfig{Timeout: 50 * time.Millisecond})

	link.StartOffer()
	waitFor(t, "failed on timeout", func() bool { return link.State() == domain.LinkFailed })
	assert.True(t, tr.isClosed())
}

func TestPeerLink_ConnectedStopsTimeout(t *testing.T) {
	tr := &fakeTransport{}
	link := newTestLink(t, tr, PeerLinkConfig{Timeout: 80 * time.Millisecond})
	defer link.Close()

	link.StartOffer()
	link.HandleRemoteAnswer(domain.SessionDescription{Type: "answer", SDP: "v=0 answer"})
	tr.emitState(domain.TransportConnected)
	waitFor(t, "connected", func() bool { return link.State() == domain.LinkConnected })

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, domain.LinkConnected, link.State())
}

func TestPeerLink_TransportFailureFailsLink(t *testing.T) {
	tr := &fakeTransport{}

	var mu sync.Mutex
	var states []domain.LinkState
	link := newTestLink(t, tr, PeerLinkConfig{
		OnStateChange: func(st domain.LinkState) {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		},
	})

	link.StartOffer()
	tr.emitState(domain.TransportFailed)
	waitFor(t, "failed", func() bool { return link.State() == domain.LinkFailed })
	assert.True(t, tr.isClosed())

	mu.Lock()
	assert.Equal(t, domain.LinkFailed, states[len(states)-1])
	mu.Unlock()
}

func TestPeerLink_CloseIsSynchronous(t *testing.T) {
	tr := &fakeTransport{}
	link := newTestLink(t, tr, PeerLinkConfig{})

	link.StartOffer()
	link.Close()

	assert.Equal(t, domain.LinkClosed, link.State())
	assert.True(t, tr.isClosed())

	// Posting after close must not block or panic.
	link.HandleRemoteCandidate(candidate(1))
	link.HandleRemoteAnswer(domain.SessionDescription{Type: "answer", SDP: "x"})
	assert.Equal(t, domain.LinkClosed, link.State())
}

func TestPeerLink_LocalCandidatesForwarded(t *testing.T) {
	tr := &fakeTransport{}

	var mu sync.Mutex
	var got []domain.ICECandidate
	link := newTestLink(t, tr, PeerLinkConfig{
		OnLocalCandidate: func(c domain.ICECandidate) {
			mu.Lock()
			got = append(got, c)
			mu.Unlock()
		},
	})
	defer link.Close()

	tr.emitCandidate(candidate(1))
	tr.emitCandidate(candidate(2))
	waitFor(t, "local candidates forwarded", func() bool { return link.SentLocalCandidates() == 2 })

	mu.Lock()
	require.Len(t, got, 2)
	assert.Equal(t, candidate(1).Candidate, got[0].Candidate)
	mu.Unlock()
}
