// Package realtime connects the chat store to the live event feed.
package realtime

import (
	"encoding/json"
	"errors"
)

var (
	ErrNotConnected   = errors.New("realtime: not connected")
	ErrSendBufferFull = errors.New("realtime: send buffer full")
	ErrNotJoined      = errors.New("realtime: conversation not joined")
)

// Synthetic events raised by a Transport for its own lifecycle.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// Event is one inbound frame. Data holds the raw frame for decoding.
type Event struct {
	Name           string
	ConversationID int64
	Data           json.RawMessage
}

// Transport is a bidirectional live channel. Subscribers are called from
// the transport's reader goroutine, one event at a time.
type Transport interface {
	Join(conversationID int64) error
	Leave(conversationID int64) error
	Emit(name string, payload any) error
	Subscribe(fn func(Event)) (unsubscribe func())
}
