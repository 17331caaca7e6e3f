package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/infrastructure/relay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestNegotiator(t *testing.T, factory *fakeFactory) (*SessionNegotiator, *relay.MemoryRelay) {
	t.Helper()
	backend := relay.NewMemoryRelay()
	n := NewSessionNegotiator("s1", backend.Connect(), factory, nil, nil, zaptest.NewLogger(t).Sugar(), time.Second)
	return n, backend
}

func publishOffer(t *testing.T, backend *relay.MemoryRelay, viewerID domain.UserID) {
	t.Helper()
	conn := backend.Connect()
	err := conn.SetValue(context.Background(), offerPath("s1", viewerID), offerEnvelope{
		Offer: domain.SessionDescription{Type: "offer", SDP: "v=0 offer"},
	})
	require.NoError(t, err)
}

func TestNegotiator_AttachesOneLinkPerViewer(t *testing.T) {
	factory := &fakeFactory{}
	n, backend := newTestNegotiator(t, factory)
	defer n.Close(context.Background())

	require.NoError(t, n.Start(context.Background()))

	publishOffer(t, backend, "v1")
	publishOffer(t, backend, "v2")
	waitFor(t, "two links", func() bool { return n.LinkCount() == 2 })

	// Redelivered offer for a known viewer is ignored.
	publishOffer(t, backend, "v1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, n.LinkCount())
	assert.Len(t, factory.transports(), 2)

	st, ok := n.LinkState("v1")
	require.True(t, ok)
	assert.Equal(t, domain.LinkAnswerExchanged, st)
}

func TestNegotiator_PublishesAnswerForViewer(t *testing.T) {
	factory := &fakeFactory{}
	n, backend := newTestNegotiator(t, factory)
	defer n.Close(context.Background())

	require.NoError(t, n.Start(context.Background()))
	publishOffer(t, backend, "v1")

	var mu sync.Mutex
	var answer domain.SessionDescription
	conn := backend.Connect()
	unsub, err := conn.Subscribe(context.Background(), answerPath("s1", "v1"), func(_ string, value json.RawMessage) {
		if value == nil {
			return
		}
		var env answerEnvelope
		if json.Unmarshal(value, &env) == nil {
			mu.Lock()
			answer = env.Answer
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	defer unsub()

	waitFor(t, "answer published", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return answer.SDP != ""
	})
	mu.Lock()
	assert.Equal(t, "answer", answer.Type)
	mu.Unlock()
}

func TestNegotiator_ReplaysWaitingOffers(t *testing.T) {
	factory := &fakeFactory{}
	n, backend := newTestNegotiator(t, factory)
	defer n.Close(context.Background())

	// Offer lands before the broadcaster subscribes.
	publishOffer(t, backend, "early")

	require.NoError(t, n.Start(context.Background()))
	waitFor(t, "replayed offer attached", func() bool { return n.LinkCount() == 1 })
}

func TestNegotiator_TransportFailureAbortsOnlyThatLink(t *testing.T) {
	factory := &fakeFactory{nextErr: errors.New("no media")}
	n, backend := newTestNegotiator(t, factory)
	defer n.Close(context.Background())

	require.NoError(t, n.Start(context.Background()))

	publishOffer(t, backend, "broken")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, n.LinkCount())

	publishOffer(t, backend, "ok")
	waitFor(t, "healthy viewer attached", func() bool { return n.LinkCount() == 1 })
}

func TestNegotiator_ViewerCandidatesReachLink(t *testing.T) {
	factory := &fakeFactory{}
	n, backend := newTestNegotiator(t, factory)
	defer n.Close(context.Background())

	require.NoError(t, n.Start(context.Background()))
	publishOffer(t, backend, "v1")
	waitFor(t, "link", func() bool { return n.LinkCount() == 1 })

	conn := backend.Connect()
	_, err := conn.Publish(context.Background(), viewerCandidatesPath("s1", "v1"), candidate(7))
	require.NoError(t, err)

	waitFor(t, "candidate applied", func() bool {
		trs := factory.transports()
		return len(trs) == 1 && len(trs[0].addedCandidates()) == 1
	})
}

func TestNegotiator_DetachClosesLinkAndClearsKeys(t *testing.T) {
	factory := &fakeFactory{}
	n, backend := newTestNegotiator(t, factory)
	defer n.Close(context.Background())

	require.NoError(t, n.Start(context.Background()))
	publishOffer(t, backend, "v1")
	waitFor(t, "link", func() bool { return n.LinkCount() == 1 })

	n.Detach(context.Background(), "v1")
	assert.Equal(t, 0, n.LinkCount())
	assert.True(t, factory.transports()[0].isClosed())

	// A fresh offer from the same viewer negotiates again.
	publishOffer(t, backend, "v1")
	waitFor(t, "reattached", func() bool { return n.LinkCount() == 1 })
}

func TestNegotiator_CloseTearsDownEverything(t *testing.T) {
	factory := &fakeFactory{}
	n, backend := newTestNegotiator(t, factory)

	require.NoError(t, n.Start(context.Background()))
	publishOffer(t, backend, "v1")
	publishOffer(t, backend, "v2")
	waitFor(t, "two links", func() bool { return n.LinkCount() == 2 })

	n.Close(context.Background())
	assert.Equal(t, 0, n.LinkCount())
	for _, tr := range factory.transports() {
		assert.True(t, tr.isClosed())
	}

	// Offers after close are ignored.
	publishOffer(t, backend, "v3")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, n.LinkCount())
}
