package ports

import (
	"context"

	"livecast/internal/core/domain"
)

// IdentityProvider is the external auth collaborator: it turns a bearer token
// into a stable identity with display metadata. Policy is out of scope here.
type IdentityProvider interface {
	Verify(ctx context.Context, token string) (*domain.Identity, error)
}
