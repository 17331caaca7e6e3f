package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"go.uber.org/zap"
)

// PresenceRegistry tracks which identities are attached to a session. The
// viewer count is a pure projection over the viewer-role subset, recomputed
// from subscription events; there is no incrementally maintained counter to
// drift under disconnect races.
type PresenceRegistry struct {
	sessionID domain.SessionID
	channel   ports.SignalingChannel
	metrics   ports.Metrics
	logger    *zap.SugaredLogger

	mu              sync.Mutex
	viewers         map[domain.UserID]domain.PresenceEntry
	broadcasterLive bool
	unsubs          []ports.Unsubscribe

	onViewerJoined func(domain.UserID)
	onViewerLeft   func(domain.UserID)
	onCountChange  func(int)
}

// NewPresenceRegistry wires a registry; call Start to begin observing.
func NewPresenceRegistry(
	sessionID domain.SessionID,
	channel ports.SignalingChannel,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *PresenceRegistry {
	return &PresenceRegistry{
		sessionID: sessionID,
		channel:   channel,
		metrics:   metrics,
		logger:    logger.With("session_id", sessionID),
		viewers:   make(map[domain.UserID]domain.PresenceEntry),
	}
}

// SetViewerJoinedHandler registers a callback for new viewer presence.
// Must be called before Start.
func (p *PresenceRegistry) SetViewerJoinedHandler(fn func(domain.UserID)) {
	p.onViewerJoined = fn
}

// SetViewerLeftHandler registers a callback for viewer presence removal,
// explicit or disconnect-triggered. Must be called before Start.
func (p *PresenceRegistry) SetViewerLeftHandler(fn func(domain.UserID)) {
	p.onViewerLeft = fn
}

// SetCountChangeHandler registers a callback for viewer-count changes.
// Must be called before Start.
func (p *PresenceRegistry) SetCountChangeHandler(fn func(int)) {
	p.onCountChange = fn
}

// Start subscribes to the session's presence paths.
func (p *PresenceRegistry) Start(ctx context.Context) error {
	viewersUnsub, err := p.channel.Subscribe(ctx, viewersPresencePath(p.sessionID), p.handleViewerEvent)
	if err != nil {
		return fmt.Errorf("subscribe viewer presence: %w", err)
	}

	broadcasterUnsub, err := p.channel.Subscribe(ctx, broadcasterPresencePath(p.sessionID), func(_ string, value json.RawMessage) {
		p.mu.Lock()
		p.broadcasterLive = value != nil
		p.mu.Unlock()
	})
	if err != nil {
		viewersUnsub()
		return fmt.Errorf("subscribe broadcaster presence: %w", err)
	}

	p.mu.Lock()
	p.unsubs = []ports.Unsubscribe{viewersUnsub, broadcasterUnsub}
	p.mu.Unlock()
	return nil
}

func (p *PresenceRegistry) handleViewerEvent(key string, value json.RawMessage) {
	if key == "" {
		return
	}
	viewerID := domain.UserID(key)

	if value == nil {
		p.mu.Lock()
		_, known := p.viewers[viewerID]
		delete(p.viewers, viewerID)
		count := len(p.viewers)
		p.mu.Unlock()

		if known {
			p.notifyCount(count)
			if p.onViewerLeft != nil {
				p.onViewerLeft(viewerID)
			}
		}
		return
	}

	var entry domain.PresenceEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		p.logger.Warnw("malformed presence entry", "viewer_id", viewerID, "error", err)
		return
	}

	p.mu.Lock()
	_, known := p.viewers[viewerID]
	p.viewers[viewerID] = entry
	count := len(p.viewers)
	p.mu.Unlock()

	if !known {
		p.notifyCount(count)
		if p.onViewerJoined != nil {
			p.onViewerJoined(viewerID)
		}
	}
}

func (p *PresenceRegistry) notifyCount(count int) {
	if p.metrics != nil {
		p.metrics.SetViewerCount(p.sessionID, count)
	}
	if p.onCountChange != nil {
		p.onCountChange(count)
	}
}

// AttachBroadcaster writes the broadcaster liveness marker. The
// disconnect-triggered removal is registered before the write so a crash in
// between cannot leave a stale entry.
func (p *PresenceRegistry) AttachBroadcaster(ctx context.Context, broadcaster domain.Identity) error {
	path := broadcasterPresencePath(p.sessionID)
	if err := p.channel.RemoveOnDisconnect(ctx, path); err != nil {
		return fmt.Errorf("register disconnect removal: %w", err)
	}
	entry := domain.PresenceEntry{
		Role:        domain.RoleBroadcaster,
		Identity:    broadcaster.ID,
		DisplayName: broadcaster.DisplayName,
		AvatarURL:   broadcaster.AvatarURL,
		JoinedAt:    time.Now().UnixMilli(),
	}
	if err := p.channel.SetValue(ctx, path, entry); err != nil {
		return fmt.Errorf("write broadcaster presence: %w", err)
	}
	return nil
}

// AttachViewer writes a viewer presence record with disconnect-triggered
// removal registered first.
func (p *PresenceRegistry) AttachViewer(ctx context.Context, viewer domain.Identity) error {
	path := viewerPresencePath(p.sessionID, viewer.ID)
	if err := p.channel.RemoveOnDisconnect(ctx, path); err != nil {
		return fmt.Errorf("register disconnect removal: %w", err)
	}
	entry := domain.PresenceEntry{
		Role:        domain.RoleViewer,
		Identity:    viewer.ID,
		DisplayName: viewer.DisplayName,
		AvatarURL:   viewer.AvatarURL,
		JoinedAt:    time.Now().UnixMilli(),
	}
	if err := p.channel.SetValue(ctx, path, entry); err != nil {
		return fmt.Errorf("write viewer presence: %w", err)
	}
	return nil
}

// DetachViewer removes a viewer presence record explicitly.
func (p *PresenceRegistry) DetachViewer(ctx context.Context, viewerID domain.UserID) error {
	return p.channel.Remove(ctx, viewerPresencePath(p.sessionID, viewerID))
}

// DetachBroadcaster removes the broadcaster liveness marker explicitly.
func (p *PresenceRegistry) DetachBroadcaster(ctx context.Context) error {
	return p.channel.Remove(ctx, broadcasterPresencePath(p.sessionID))
}

// ViewerCount is |viewer-role presence entries|.
func (p *PresenceRegistry) ViewerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.viewers)
}

// BroadcasterLive reports whether the broadcaster marker is present.
func (p *PresenceRegistry) BroadcasterLive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broadcasterLive
}

// Viewers returns the current entries ordered by join time.
func (p *PresenceRegistry) Viewers() []domain.PresenceEntry {
	p.mu.Lock()
	entries := make([]domain.PresenceEntry, 0, len(p.viewers))
	for _, e := range p.viewers {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].JoinedAt < entries[j].JoinedAt
	})
	return entries
}

// Close cancels the subscriptions.
func (p *PresenceRegistry) Close() {
	p.mu.Lock()
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}
