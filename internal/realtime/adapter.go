package realtime

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ageniuscoder/mmchat/chatsync/internal/chat"
	"github.com/ageniuscoder/mmchat/chatsync/internal/store"
	"github.com/ageniuscoder/mmchat/chatsync/internal/timer"
)

// DefaultTypingTTL is how long a typing flag lives without a fresh signal.
const DefaultTypingTTL = 2 * time.Second

type ChannelState int

const (
	Unsubscribed ChannelState = iota
	Joining
	Joined
	Leaving
)

func (s ChannelState) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	}
	return "unknown"
}

type typingKey struct {
	conv int64
	user int64
}

type Option func(*Adapter)

func WithLogger(log *zap.Logger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

func WithTypingTTL(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.typingTTL = d
		}
	}
}

// WithResync sets the hook called for every wanted conversation after the
// transport reconnects.
func WithResync(fn func(conversationID int64)) Option {
	return func(a *Adapter) { a.onResync = fn }
}

// WithConversationUpdate sets the hook called on conversation_update frames.
func WithConversationUpdate(fn func(conversationID int64, kind string)) Option {
	return func(a *Adapter) { a.onConvUpdate = fn }
}

// Adapter reconciles transport events into the store and tracks which live
// channels are open. Every method except Start and Stop must run on the
// goroutine that drains post.
type Adapter struct {
	t     Transport
	store *store.Store
	self  int64
	post  func(func())
	log   *zap.Logger

	typingTTL time.Duration
	typing    *timer.Keyed[typingKey]

	channels map[int64]ChannelState
	wanted   map[int64]bool

	onResync     func(conversationID int64)
	onConvUpdate func(conversationID int64, kind string)

	unsubscribe func()
}

// NewAdapter builds an Adapter for user self. post must hand functions to
// the single goroutine that owns the Adapter.
func NewAdapter(t Transport, st *store.Store, self int64, clock timer.Clock, post func(func()), opts ...Option) *Adapter {
	if post == nil {
		post = func(fn func()) { fn() }
	}
	a := &Adapter{
		t:         t,
		store:     st,
		self:      self,
		post:      post,
		log:       zap.NewNop(),
		typingTTL: DefaultTypingTTL,
		channels:  make(map[int64]ChannelState),
		wanted:    make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.Named("realtime")
	a.typing = timer.NewKeyed[typingKey](clock, post)
	return a
}

// Start subscribes to the transport. Events are posted, never handled on
// the transport goroutine.
func (a *Adapter) Start() {
	if a.unsubscribe != nil {
		return
	}
	a.unsubscribe = a.t.Subscribe(func(ev Event) {
		a.post(func() { a.Handle(ev) })
	})
}

// Stop unsubscribes and disarms typing timers. Safe to call twice.
func (a *Adapter) Stop() {
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	a.typing.Stop()
}

func (a *Adapter) State(conversationID int64) ChannelState {
	return a.channels[conversationID]
}

// Join requests the live channel for conversationID. Joining while the
// transport is down is not an error: the channel is joined on reconnect.
func (a *Adapter) Join(conversationID int64) error {
	a.wanted[conversationID] = true
	switch a.channels[conversationID] {
	case Joining, Joined:
		return nil
	}
	return a.sendJoin(conversationID)
}

func (a *Adapter) sendJoin(conversationID int64) error {
	a.channels[conversationID] = Joining
	if err := a.t.Join(conversationID); err != nil {
		delete(a.channels, conversationID)
		if errors.Is(err, ErrNotConnected) {
			a.log.Debug("join deferred until connected", zap.Int64("conversation_id", conversationID))
			return nil
		}
		return err
	}
	return nil
}

// Leave releases the channel and clears its typing flags.
func (a *Adapter) Leave(conversationID int64) error {
	delete(a.wanted, conversationID)
	a.clearTyping(conversationID)

	switch a.channels[conversationID] {
	case Joining, Joined:
	default:
		return nil
	}
	a.channels[conversationID] = Leaving
	if err := a.t.Leave(conversationID); err != nil {
		delete(a.channels, conversationID)
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
		return err
	}
	return nil
}

// EmitTyping sends typing_start or typing_stop for a joined conversation.
func (a *Adapter) EmitTyping(conversationID int64, typing bool) error {
	if a.channels[conversationID] != Joined {
		return ErrNotJoined
	}
	name := chat.FrameTypingStop
	if typing {
		name = chat.FrameTypingStart
	}
	return a.t.Emit(name, chat.WireMessage{ConversationID: conversationID})
}

func (a *Adapter) active(conversationID int64) bool {
	s := a.channels[conversationID]
	return s == Joining || s == Joined
}

// Handle applies one inbound event.
func (a *Adapter) Handle(ev Event) {
	switch ev.Name {
	case EventConnected:
		a.onConnected()
		return
	case EventDisconnected:
		a.onDisconnected()
		return
	}

	var w chat.WireMessage
	if err := json.Unmarshal(ev.Data, &w); err != nil {
		a.log.Warn("dropping malformed event", zap.String("event", ev.Name), zap.Error(err))
		return
	}

	switch ev.Name {
	case chat.FrameJoined:
		if a.channels[w.ConversationID] == Joining {
			a.channels[w.ConversationID] = Joined
		}
	case chat.FrameLeft:
		if a.channels[w.ConversationID] == Leaving {
			delete(a.channels, w.ConversationID)
		}
	case chat.FrameError:
		if a.channels[w.ConversationID] == Joining {
			a.log.Warn("join refused", zap.Int64("conversation_id", w.ConversationID), zap.String("reason", w.Content))
			delete(a.channels, w.ConversationID)
			delete(a.wanted, w.ConversationID)
		}
	case chat.FrameMessage:
		a.handleMessage(w)
	case chat.FrameTypingStart, chat.FrameTypingStop:
		a.handleTyping(w, ev.Name == chat.FrameTypingStart)
	case chat.FramePresence:
		a.handlePresence(w)
	case chat.FrameReadReceipt:
		if w.ConversationID == 0 || w.MessageID == 0 || !a.active(w.ConversationID) {
			return
		}
		a.store.ApplyReadReceipt(w.ConversationID, w.MessageID, w.SenderID)
	case chat.FrameConversationUpdate:
		if a.onConvUpdate != nil {
			a.onConvUpdate(w.ConversationID, w.Content)
		}
	default:
		a.log.Debug("ignoring event", zap.String("event", ev.Name))
	}
}

func (a *Adapter) handleMessage(w chat.WireMessage) {
	m, err := w.ToMessage()
	if err != nil || m.ID == 0 || m.ConversationID == 0 {
		a.log.Warn("dropping malformed message",
			zap.Int64("conversation_id", w.ConversationID),
			zap.Int64("message_id", w.MessageID),
			zap.Error(err))
		return
	}
	fromOther := m.SenderID != a.self

	if !a.active(m.ConversationID) {
		if fromOther {
			a.store.IncrementUnread(m.ConversationID)
		}
		return
	}

	if fromOther {
		a.typing.Cancel(typingKey{m.ConversationID, m.SenderID})
		a.store.SetTyping(m.ConversationID, m.SenderID, false)
		// counted before the append so listeners see the unread count
		// together with the new message
		if !a.store.HasMessage(m.ConversationID, m.ID) {
			a.store.IncrementUnread(m.ConversationID)
		}
	}
	a.store.AppendIncoming(m.ConversationID, m)
}

func (a *Adapter) handleTyping(w chat.WireMessage, typing bool) {
	if w.ConversationID == 0 || w.SenderID == 0 || w.SenderID == a.self || !a.active(w.ConversationID) {
		return
	}
	key := typingKey{w.ConversationID, w.SenderID}
	if !typing {
		a.typing.Cancel(key)
		a.store.SetTyping(key.conv, key.user, false)
		return
	}
	a.store.SetTyping(key.conv, key.user, true)
	a.typing.Reset(key, a.typingTTL, func() {
		a.store.SetTyping(key.conv, key.user, false)
	})
}

func (a *Adapter) handlePresence(w chat.WireMessage) {
	if w.SenderID == 0 {
		return
	}
	var seen time.Time
	if w.LastActive != "" {
		t, err := time.Parse(time.RFC3339Nano, w.LastActive)
		if err != nil {
			a.log.Warn("bad presence timestamp", zap.Int64("user_id", w.SenderID), zap.Error(err))
		} else {
			seen = t
		}
	}
	a.store.SetPresence(w.SenderID, w.Content == chat.PresenceOnline, seen)
}

func (a *Adapter) onConnected() {
	ids := make([]int64, 0, len(a.wanted))
	for id := range a.wanted {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if a.active(id) {
			continue
		}
		if err := a.sendJoin(id); err != nil {
			a.log.Warn("rejoin failed", zap.Int64("conversation_id", id), zap.Error(err))
		}
	}
	if a.onResync != nil {
		for _, id := range ids {
			a.onResync(id)
		}
	}
}

func (a *Adapter) onDisconnected() {
	for id := range a.channels {
		delete(a.channels, id)
	}
	for _, key := range a.typing.Keys() {
		a.typing.Cancel(key)
		a.store.SetTyping(key.conv, key.user, false)
	}
}

func (a *Adapter) clearTyping(conversationID int64) {
	for _, key := range a.typing.Keys() {
		if key.conv != conversationID {
			continue
		}
		a.typing.Cancel(key)
		a.store.SetTyping(key.conv, key.user, false)
	}
}
