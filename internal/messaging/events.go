package messaging

import "time"

// LevelError marks a notice the forum's widget shows as an error.
const LevelError = "error"

// NoticeTTL is how long the widget shows a mute notice.
const NoticeTTL = 180 * time.Second

// Notice is a dismissible message shown to one user.
type Notice struct {
	Message    string `json:"message"`
	Level      string `json:"level"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// NewErrorNotice builds an error-level notice with the standard lifetime.
func NewErrorNotice(message string) Notice {
	return Notice{Message: message, Level: LevelError, TTLSeconds: int(NoticeTTL / time.Second)}
}

// MuteEvent is published when a user is muted.
type MuteEvent struct {
	UserID    int64     `json:"user_id"`
	Kind      string    `json:"kind"`
	PostID    int64     `json:"post_id,omitempty"`
	TopicID   int64     `json:"topic_id,omitempty"`
	IsTopic   bool      `json:"is_topic"`
	Type      string    `json:"type"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UnmuteEvent is published when a mute is reversed.
type UnmuteEvent struct {
	UserID           int64 `json:"user_id"`
	Manual           bool  `json:"manual"`
	RemovedFromGroup bool  `json:"removed_from_group"`
	PostDeleted      bool  `json:"post_deleted"`
	TopicDeleted     bool  `json:"topic_deleted"`
}

// CleanupReply answers a cleanup trigger request.
type CleanupReply struct {
	Processed    int    `json:"processed"`
	StillExpired int    `json:"still_expired"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
}
