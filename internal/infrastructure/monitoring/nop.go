package monitoring

import (
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
)

// NopMetrics discards all measurements. Useful for tests and short-lived
// client commands.
type NopMetrics struct{}

var _ ports.Metrics = NopMetrics{}

func (NopMetrics) SetViewerCount(domain.SessionID, int)       {}
func (NopMetrics) LinkStateChanged(_, _ domain.LinkState)     {}
func (NopMetrics) ObserveNegotiation(time.Duration)           {}
func (NopMetrics) ChatMessageSent()                           {}
func (NopMetrics) HeartSent()                                 {}
func (NopMetrics) SignalingError()                            {}
