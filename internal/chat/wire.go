package chat

import "time"

// Frame types carried over the websocket.
const (
	FrameMessage            = "message"
	FrameTypingStart        = "typing_start"
	FrameTypingStop         = "typing_stop"
	FramePresence           = "presence"
	FrameReadReceipt        = "read_receipt"
	FrameConversationUpdate = "conversation_update"
	FrameJoin               = "join"
	FrameLeave              = "leave"
	FrameJoined             = "joined"
	FrameLeft               = "left"
	// FrameError answers a client frame the server refused.
	FrameError = "error"
)

// Presence values carried in WireMessage.Content.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

type WireMessage struct {
	Type           string       `json:"type"`
	ConversationID int64        `json:"conversation_id,omitempty"`
	MessageID      int64        `json:"message_id,omitempty"`
	ClientID       string       `json:"client_id,omitempty"`
	SenderID       int64        `json:"sender_id,omitempty"`
	SenderUsername string       `json:"sender_username,omitempty"`
	Content        string       `json:"content,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	SentAt         string       `json:"sent_at,omitempty"`
	LastActive     string       `json:"last_active,omitempty"`
	Status         Status       `json:"status,omitempty"`
}

// ToMessage converts a "message" frame into a confirmed Message.
func (w WireMessage) ToMessage() (Message, error) {
	sentAt, err := time.Parse(time.RFC3339Nano, w.SentAt)
	if err != nil {
		return Message{}, err
	}
	status := w.Status
	if status == "" {
		status = StatusSent
	}
	return Message{
		ID:             w.MessageID,
		ClientID:       w.ClientID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		SenderUsername: w.SenderUsername,
		Body:           w.Content,
		Attachments:    w.Attachments,
		SentAt:         sentAt,
		Status:         status,
	}, nil
}

// MessageFrame builds the "message" frame for m.
func MessageFrame(m Message) WireMessage {
	return WireMessage{
		Type:           FrameMessage,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		ClientID:       m.ClientID,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		Content:        m.Body,
		Attachments:    m.Attachments,
		SentAt:         m.SentAt.UTC().Format(time.RFC3339Nano),
		Status:         m.Status,
	}
}
