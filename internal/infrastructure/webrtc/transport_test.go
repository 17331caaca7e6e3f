package webrtc

import (
	"testing"

	"livecast/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// The factory config must be constructible from loaded application config,
// yaml tags and all.
func TestFactoryConfigFromAppConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.WebRTC.PortRange.Min = 50000
	cfg.WebRTC.PortRange.Max = 50100

	fc := FactoryConfig{
		ICEServers: cfg.WebRTC.ICEServers,
		PortRange:  PortRange(cfg.WebRTC.PortRange),
	}
	assert.Equal(t, uint16(50000), fc.PortRange.Min)
	assert.Equal(t, uint16(50100), fc.PortRange.Max)

	factory := NewFactory(fc, zaptest.NewLogger(t).Sugar())
	require.NotNil(t, factory)
}

func TestFactoryBuildsViewerTransport(t *testing.T) {
	factory := NewFactory(FactoryConfig{}, zaptest.NewLogger(t).Sugar())

	tr, err := factory.NewViewerTransport()
	require.NoError(t, err)
	defer tr.Close()

	offer, err := tr.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.NotEmpty(t, offer.SDP)
}
