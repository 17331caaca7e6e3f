package services

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
)

// fakeTransport is a scriptable PeerTransport. With autoConnect set it
// reports TransportConnected shortly after a remote description lands,
// standing in for ICE completing.
type fakeTransport struct {
	mu          sync.Mutex
	remote      *domain.SessionDescription
	added       []domain.ICECandidate
	closed      bool
	answerCalls int

	offerErr  error
	answerErr error
	remoteErr error

	autoConnect bool

	onCand  func(domain.ICECandidate)
	onState func(domain.TransportState)
}

func (f *fakeTransport) CreateOffer() (domain.SessionDescription, error) {
	if f.offerErr != nil {
		return domain.SessionDescription{}, f.offerErr
	}
	return domain.SessionDescription{Type: "offer", SDP: "v=0 offer"}, nil
}

func (f *fakeTransport) CreateAnswer() (domain.SessionDescription, error) {
	f.mu.Lock()
	f.answerCalls++
	f.mu.Unlock()
	if f.answerErr != nil {
		return domain.SessionDescription{}, f.answerErr
	}
	return domain.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (f *fakeTransport) SetRemoteDescription(desc domain.SessionDescription) error {
	if f.remoteErr != nil {
		return f.remoteErr
	}
	f.mu.Lock()
	f.remote = &desc
	auto := f.autoConnect
	f.mu.Unlock()

	if auto {
		go f.emitState(domain.TransportConnected)
	}
	return nil
}

func (f *fakeTransport) AddICECandidate(cand domain.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, cand)
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(domain.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCand = fn
}

func (f *fakeTransport) OnStateChange(fn func(domain.TransportState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) emitState(st domain.TransportState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (f *fakeTransport) emitCandidate(c domain.ICECandidate) {
	f.mu.Lock()
	fn := f.onCand
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (f *fakeTransport) remoteDesc() *domain.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakeTransport) addedCandidates() []domain.ICECandidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ICECandidate, len(f.added))
	copy(out, f.added)
	return out
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeFactory hands out fakeTransports and remembers them in creation order.
type fakeFactory struct {
	mu          sync.Mutex
	created     []*fakeTransport
	autoConnect bool
	nextErr     error
}

func (f *fakeFactory) NewBroadcastTransport(ports.MediaSource) (ports.PeerTransport, error) {
	return f.next()
}

func (f *fakeFactory) NewViewerTransport() (ports.PeerTransport, error) {
	return f.next()
}

func (f *fakeFactory) next() (ports.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		err := f.nextErr
		f.nextErr = nil
		return nil, err
	}
	tr := &fakeTransport{autoConnect: f.autoConnect}
	f.created = append(f.created, tr)
	return tr, nil
}

func (f *fakeFactory) transports() []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeTransport, len(f.created))
	copy(out, f.created)
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func candidate(n int) domain.ICECandidate {
	mid := "0"
	return domain.ICECandidate{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 192.0.2.1 5400%d typ host", n, n),
		SDPMid:    &mid,
	}
}
