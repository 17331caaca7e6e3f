package ports

import (
	"time"

	"livecast/internal/core/domain"
)

// Metrics receives coordinator-level measurements. Implementations must be
// safe for concurrent use.
type Metrics interface {
	SetViewerCount(sessionID domain.SessionID, n int)
	LinkStateChanged(from, to domain.LinkState)
	ObserveNegotiation(d time.Duration)
	ChatMessageSent()
	HeartSent()
	SignalingError()
}
