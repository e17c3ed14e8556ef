package chat

import "time"

type Conversation struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	IsGroup      bool      `json:"is_group"`
	Participants []int64   `json:"participants"`
	JobID        *int64    `json:"job_id,omitempty"`
	ProposalID   *int64    `json:"proposal_id,omitempty"`
	UnreadCount  int       `json:"unread_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasParticipant reports whether uid belongs to the conversation.
func (c Conversation) HasParticipant(uid int64) bool {
	for _, p := range c.Participants {
		if p == uid {
			return true
		}
	}
	return false
}

type Presence struct {
	UserID     int64     `json:"user_id"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
