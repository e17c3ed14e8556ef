package chat

import (
	"fmt"
	"strconv"
	"time"
)

// Status is the delivery state of a message as seen by this client.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// rank orders statuses so receipts can only move a message forward.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 1
}

// Advance returns the later of s and next.
func (s Status) Advance(next Status) Status {
	if next.rank() > s.rank() {
		return next
	}
	return s
}

type Attachment struct {
	URL      string `json:"url" validate:"required,url"`
	FileName string `json:"file_name" validate:"required"`
	FileType string `json:"file_type" validate:"required"`
	FileSize int64  `json:"file_size" validate:"gte=0"`
}

// Message is either Pending (ID == 0, keyed by ClientID) or Confirmed
// (ID assigned by the server). Only Status changes after creation.
type Message struct {
	ID             int64        `json:"id"`
	ClientID       string       `json:"client_id,omitempty"`
	ConversationID int64        `json:"conversation_id"`
	SenderID       int64        `json:"sender_id"`
	SenderUsername string       `json:"sender_username"`
	Body           string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	SentAt         time.Time    `json:"sent_at"`
	Status         Status       `json:"status,omitempty"`
}

func (m Message) Confirmed() bool { return m.ID != 0 }

// Key identifies the message inside one conversation.
func (m Message) Key() string {
	if m.Confirmed() {
		return "m:" + strconv.FormatInt(m.ID, 10)
	}
	return "c:" + m.ClientID
}

func (m Message) String() string {
	return fmt.Sprintf("%s conv=%d sender=%d at=%s", m.Key(), m.ConversationID, m.SenderID, m.SentAt.Format(time.RFC3339))
}

// Less reports whether a sorts before b for display.
func Less(a, b Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	if a.Confirmed() != b.Confirmed() {
		return a.Confirmed()
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.ClientID < b.ClientID
}

// DayGroup is a run of messages sent on the same calendar day.
type DayGroup struct {
	Day      time.Time
	Messages []Message
}

// GroupByDay splits an ordered message list by calendar date in loc.
func GroupByDay(msgs []Message, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.Local
	}
	var groups []DayGroup
	for _, m := range msgs {
		t := m.SentAt.In(loc)
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		if n := len(groups); n > 0 && groups[n-1].Day.Equal(day) {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, DayGroup{Day: day, Messages: []Message{m}})
	}
	return groups
}

// SendRequest is the body of POST /messages.
type SendRequest struct {
	ConversationID int64        `json:"conversation_id" validate:"required,gt=0"`
	ClientID       string       `json:"client_id" validate:"required"`
	Content        string       `json:"content" validate:"required_without=Attachments"`
	Attachments    []Attachment `json:"attachments,omitempty" validate:"dive"`
}

// Page selects a window of history, newest first. Page 0 is the latest.
type Page struct {
	Number int
	Size   int
}

func (p Page) Offset() int { return p.Number * p.Size }
