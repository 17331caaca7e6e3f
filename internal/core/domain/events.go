package domain

// ChatEvent is one chat message on the session's fan-out path. Readers must
// treat rendering as idempotent by ID: the relay may redeliver.
type ChatEvent struct {
	ID           string `json:"id"`
	SenderID     UserID `json:"sender_id"`
	SenderName   string `json:"sender_name"`
	SenderAvatar string `json:"sender_avatar,omitempty"`
	Text         string `json:"text"`
	Timestamp    int64  `json:"timestamp"` // unix millis
}

// HeartEvent is one "like" reaction.
type HeartEvent struct {
	ID        string `json:"id"`
	SenderID  UserID `json:"sender_id"`
	Timestamp int64  `json:"timestamp"` // unix millis
}
