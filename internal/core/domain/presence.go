package domain

type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

// PresenceEntry is a liveness record on the relay. Created on attach,
// removed either explicitly on a graceful leave or by the relay's
// disconnect-triggered removal on an ungraceful one.
type PresenceEntry struct {
	Role        Role   `json:"role"`
	Identity    UserID `json:"identity"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	JoinedAt    int64  `json:"joined_at"` // unix millis
}
