package domain

import "time"

type SessionID string
type UserID string

// StreamSession is the metadata record for one broadcast. It is owned by the
// lifecycle manager and mirrored into the external metadata store; the
// authoritative liveness signal is the broadcaster presence entry.
type StreamSession struct {
	ID            SessionID  `json:"id"`
	BroadcasterID UserID     `json:"broadcaster_id"`
	Title         string     `json:"title"`
	IsLive        bool       `json:"is_live"`
	ViewerCount   int        `json:"viewer_count"`
	HeartCount    int        `json:"heart_count"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// Identity is what the external identity provider resolves a token to.
type Identity struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}
