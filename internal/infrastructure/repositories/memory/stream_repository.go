// Package memory provides an in-process stream repository for single-node
// deployments and tests.
package memory

import (
	"context"
	"sync"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
)

type MemoryStreamRepository struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*domain.StreamSession
}

func NewMemoryStreamRepository() ports.StreamRepository {
	return &MemoryStreamRepository{
		sessions: make(map[domain.SessionID]*domain.StreamSession),
	}
}

func (r *MemoryStreamRepository) Create(_ context.Context, session *domain.StreamSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return domain.ErrSessionExists
	}
	copied := *session
	r.sessions[session.ID] = &copied
	return nil
}

func (r *MemoryStreamRepository) GetByID(_ context.Context, id domain.SessionID) (*domain.StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (r *MemoryStreamRepository) Update(_ context.Context, session *domain.StreamSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; !ok {
		return domain.ErrSessionNotFound
	}
	copied := *session
	r.sessions[session.ID] = &copied
	return nil
}

func (r *MemoryStreamRepository) Delete(_ context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return domain.ErrSessionNotFound
	}
	delete(r.sessions, id)
	return nil
}

func (r *MemoryStreamRepository) ListLive(_ context.Context) ([]*domain.StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	live := make([]*domain.StreamSession, 0)
	for _, session := range r.sessions {
		if session.IsLive {
			copied := *session
			live = append(live, &copied)
		}
	}
	return live, nil
}
