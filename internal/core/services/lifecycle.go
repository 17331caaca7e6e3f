package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"go.uber.org/zap"
)

// linkOwner is what the lifecycle manager needs from the negotiator at
// session end.
type linkOwner interface {
	Close(ctx context.Context)
}

// StreamLifecycleManager starts and ends a broadcast session: it owns the
// broadcaster presence entry, purges stale signaling state, and mirrors
// liveness into the external metadata store.
type StreamLifecycleManager struct {
	channel  ports.SignalingChannel
	streams  ports.StreamRepository
	presence *PresenceRegistry
	logger   *zap.SugaredLogger

	negotiator linkOwner

	// mirrorMu serializes the read-modify-write count mirrors so concurrent
	// presence and heart callbacks cannot clobber each other's field.
	mirrorMu sync.Mutex
}

// NewStreamLifecycleManager wires a lifecycle manager.
func NewStreamLifecycleManager(
	channel ports.SignalingChannel,
	streams ports.StreamRepository,
	presence *PresenceRegistry,
	logger *zap.SugaredLogger,
) *StreamLifecycleManager {
	return &StreamLifecycleManager{
		channel:  channel,
		streams:  streams,
		presence: presence,
		logger:   logger,
	}
}

// SetNegotiator hands the manager the session's link owner so End can close
// every peer link.
func (m *StreamLifecycleManager) SetNegotiator(n linkOwner) {
	m.negotiator = n
}

// Start opens the session: residual signaling state for the id is purged
// (a reused stale id must not replay old offers into the new session), the
// broadcaster presence entry is written with its disconnect removal, and the
// metadata store is marked live.
func (m *StreamLifecycleManager) Start(ctx context.Context, session *domain.StreamSession, broadcaster domain.Identity) error {
	for _, path := range []string{
		signalingRootPath(session.ID),
		chatRootPath(session.ID),
		reactionsRootPath(session.ID),
		presenceRootPath(session.ID),
	} {
		if err := m.channel.Remove(ctx, path); err != nil {
			return fmt.Errorf("purge stale state at %s: %w", path, err)
		}
	}

	if err := m.presence.AttachBroadcaster(ctx, broadcaster); err != nil {
		return fmt.Errorf("attach broadcaster: %w", err)
	}

	session.BroadcasterID = broadcaster.ID
	session.IsLive = true
	session.StartedAt = time.Now()
	session.EndedAt = nil

	err := m.streams.Create(ctx, session)
	if errors.Is(err, domain.ErrSessionExists) {
		err = m.streams.Update(ctx, session)
	}
	if err != nil {
		if derr := m.presence.DetachBroadcaster(ctx); derr != nil {
			m.logger.Debugw("presence rollback failed", "error", derr)
		}
		return fmt.Errorf("mirror session metadata: %w", err)
	}

	m.logger.Infow("session started", "session_id", session.ID, "title", session.Title)
	return nil
}

// End closes the session. It is idempotent: a second call finds the session
// no longer live and returns nil. Local release (closing every peer link) is
// synchronous; remote signaling cleanup is issued without blocking on
// acknowledgment. The disconnect-triggered presence removal remains the
// durable fallback when End never runs.
func (m *StreamLifecycleManager) End(ctx context.Context, sessionID domain.SessionID) error {
	session, err := m.streams.GetByID(ctx, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !session.IsLive {
		return nil
	}

	if m.negotiator != nil {
		m.negotiator.Close(ctx)
	}

	now := time.Now()
	session.IsLive = false
	session.EndedAt = &now
	if err := m.streams.Update(ctx, session); err != nil {
		return fmt.Errorf("mirror session end: %w", err)
	}

	for _, path := range []string{
		signalingRootPath(sessionID),
		presenceRootPath(sessionID),
		chatRootPath(sessionID),
		reactionsRootPath(sessionID),
	} {
		if err := m.channel.Remove(ctx, path); err != nil {
			m.logger.Warnw("session cleanup failed", "path", path, "error", err)
		}
	}

	m.logger.Infow("session ended", "session_id", sessionID)
	return nil
}

// RecordViewerCount mirrors the presence projection into the metadata store.
func (m *StreamLifecycleManager) RecordViewerCount(ctx context.Context, sessionID domain.SessionID, count int) {
	m.mirror(ctx, sessionID, "viewer count", func(s *domain.StreamSession) {
		s.ViewerCount = count
	})
}

// RecordHeartCount mirrors the heart tally into the metadata store.
func (m *StreamLifecycleManager) RecordHeartCount(ctx context.Context, sessionID domain.SessionID, count int) {
	m.mirror(ctx, sessionID, "heart count", func(s *domain.StreamSession) {
		s.HeartCount = count
	})
}

func (m *StreamLifecycleManager) mirror(ctx context.Context, sessionID domain.SessionID, what string, apply func(*domain.StreamSession)) {
	m.mirrorMu.Lock()
	defer m.mirrorMu.Unlock()

	session, err := m.streams.GetByID(ctx, sessionID)
	if err != nil {
		return
	}
	apply(session)
	if err := m.streams.Update(ctx, session); err != nil {
		m.logger.Debugw("count mirror failed", "field", what, "error", err)
	}
}
