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

func newTestViewerSession(t *testing.T, factory *fakeFactory) (*ViewerSession, *relay.MemoryRelay, *PresenceRegistry) {
	t.Helper()
	backend := relay.NewMemoryRelay()
	logger := zaptest.NewLogger(t).Sugar()
	conn := backend.Connect()
	presence := NewPresenceRegistry("s1", conn, nil, logger)
	viewer := domain.Identity{ID: "v1", DisplayName: "Viewer One"}
	vs := NewViewerSession("s1", viewer, conn, factory, presence, nil, logger, time.Second)
	return vs, backend, presence
}

func TestViewerSession_JoinPublishesOfferAndPresence(t *testing.T) {
	factory := &fakeFactory{}
	vs, backend, _ := newTestViewerSession(t, factory)

	require.NoError(t, vs.Join(context.Background()))
	defer vs.Leave(context.Background())

	waitFor(t, "offer exchanged", func() bool { return vs.State() == domain.LinkOfferExchanged })

	var mu sync.Mutex
	var env offerEnvelope
	var entry domain.PresenceEntry
	conn := backend.Connect()

	unsub, err := conn.Subscribe(context.Background(), offerPath("s1", "v1"), func(_ string, value json.RawMessage) {
		if value == nil {
			return
		}
		mu.Lock()
		json.Unmarshal(value, &env)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	punsub, err := conn.Subscribe(context.Background(), viewerPresencePath("s1", "v1"), func(_ string, value json.RawMessage) {
		if value == nil {
			return
		}
		mu.Lock()
		json.Unmarshal(value, &entry)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer punsub()

	waitFor(t, "offer and presence visible", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return env.Offer.SDP != "" && entry.Identity == "v1"
	})
	mu.Lock()
	assert.Equal(t, "offer", env.Offer.Type)
	assert.Equal(t, domain.RoleViewer, entry.Role)
	mu.Unlock()
}

func TestViewerSession_SecondJoinRejected(t *testing.T) {
	factory := &fakeFactory{}
	vs, _, _ := newTestViewerSession(t, factory)

	require.NoError(t, vs.Join(context.Background()))
	defer vs.Leave(context.Background())

	err := vs.Join(context.Background())
	assert.ErrorIs(t, err, domain.ErrSetupStarted)
	assert.Len(t, factory.transports(), 1)
}

func TestViewerSession_TransportFailureAllowsRetry(t *testing.T) {
	factory := &fakeFactory{nextErr: errors.New("camera busy")}
	vs, _, _ := newTestViewerSession(t, factory)

	err := vs.Join(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMediaUnavailable)

	// The failed attempt resets the guard, so a retry works.
	require.NoError(t, vs.Join(context.Background()))
	vs.Leave(context.Background())
}

func TestViewerSession_AnswerDrivesLinkForward(t *testing.T) {
	factory := &fakeFactory{autoConnect: true}
	vs, backend, _ := newTestViewerSession(t, factory)

	require.NoError(t, vs.Join(context.Background()))
	defer vs.Leave(context.Background())
	waitFor(t, "offer exchanged", func() bool { return vs.State() == domain.LinkOfferExchanged })

	conn := backend.Connect()
	err := conn.SetValue(context.Background(), answerPath("s1", "v1"), answerEnvelope{
		Answer: domain.SessionDescription{Type: "answer", SDP: "v=0 answer"},
	})
	require.NoError(t, err)

	waitFor(t, "connected", func() bool { return vs.State() == domain.LinkConnected })
}

func TestViewerSession_BroadcasterCandidatesReachTransport(t *testing.T) {
	factory := &fakeFactory{}
	vs, backend, _ := newTestViewerSession(t, factory)

	require.NoError(t, vs.Join(context.Background()))
	defer vs.Leave(context.Background())

	conn := backend.Connect()
	_, err := conn.Publish(context.Background(), broadcasterCandidatesPath("s1", "v1"), candidate(1))
	require.NoError(t, err)

	// Queued until the answer lands, then flushed.
	err = conn.SetValue(context.Background(), answerPath("s1", "v1"), answerEnvelope{
		Answer: domain.SessionDescription{Type: "answer", SDP: "v=0 answer"},
	})
	require.NoError(t, err)

	waitFor(t, "candidate applied", func() bool {
		trs := factory.transports()
		return len(trs) == 1 && len(trs[0].addedCandidates()) == 1
	})
}

func TestViewerSession_LeaveCleansUp(t *testing.T) {
	factory := &fakeFactory{}
	vs, backend, _ := newTestViewerSession(t, factory)

	require.NoError(t, vs.Join(context.Background()))
	waitFor(t, "offer exchanged", func() bool { return vs.State() == domain.LinkOfferExchanged })

	vs.Leave(context.Background())
	assert.True(t, factory.transports()[0].isClosed())

	// The viewer's signaling keys and presence entry are gone.
	var mu sync.Mutex
	removedSeen := false
	gotValue := false
	conn := backend.Connect()
	unsub, err := conn.Subscribe(context.Background(), offerPath("s1", "v1"), func(_ string, value json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		if value == nil {
			removedSeen = true
		} else {
			gotValue = true
		}
	})
	require.NoError(t, err)
	defer unsub()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.False(t, gotValue)
	assert.False(t, removedSeen) // nothing left to replay at all
	mu.Unlock()
}
