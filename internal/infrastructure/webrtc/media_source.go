package webrtc

import (
	"fmt"

	"livecast/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// StaticSource is the broadcaster's local track set. One Opus audio track and
// one VP8 video track are shared by every peer link; writes fan out to all
// attached connections.
type StaticSource struct {
	audio *webrtc.TrackLocalStaticRTP
	video *webrtc.TrackLocalStaticRTP
}

var _ ports.MediaSource = (*StaticSource)(nil)

// NewStaticSource creates the shared track pair.
func NewStaticSource() (*StaticSource, error) {
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"livecast-audio",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"livecast-video",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	return &StaticSource{audio: audio, video: video}, nil
}

func (s *StaticSource) AudioTrack() webrtc.TrackLocal {
	return s.audio
}

func (s *StaticSource) VideoTrack() webrtc.TrackLocal {
	return s.video
}

// WriteAudioRTP feeds one RTP packet into the shared audio track.
func (s *StaticSource) WriteAudioRTP(pkt *rtp.Packet) error {
	return s.audio.WriteRTP(pkt)
}

// WriteVideoRTP feeds one RTP packet into the shared video track.
func (s *StaticSource) WriteVideoRTP(pkt *rtp.Packet) error {
	return s.video.WriteRTP(pkt)
}

// Close is a no-op for static tracks; peer connections own their senders.
func (s *StaticSource) Close() error {
	return nil
}
