package ports

import (
	"context"

	"livecast/internal/core/domain"
)

// StreamRepository is the external stream-metadata store. The coordinator
// mirrors session state into it but does not own it.
type StreamRepository interface {
	Create(ctx context.Context, session *domain.StreamSession) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error)
	Update(ctx context.Context, session *domain.StreamSession) error
	Delete(ctx context.Context, id domain.SessionID) error
	ListLive(ctx context.Context) ([]*domain.StreamSession, error)
}
