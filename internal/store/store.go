// Package store holds the client-side chat state: ordered message lists,
// typing flags, presence and unread counters, keyed by conversation id.
//
// All mutation goes through the named operations below. Subscribers are
// notified after the store lock is released, so a listener may call any
// selector.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/ageniuscoder/mmchat/chatsync/internal/chat"
)

type ChangeKind int

const (
	ChangeMessages ChangeKind = iota + 1
	ChangeTyping
	ChangePresence
	ChangeUnread
	ChangeConversations
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeMessages:
		return "messages"
	case ChangeTyping:
		return "typing"
	case ChangePresence:
		return "presence"
	case ChangeUnread:
		return "unread"
	case ChangeConversations:
		return "conversations"
	}
	return "unknown"
}

// Change describes one mutation. UserID is set for typing and presence.
type Change struct {
	Kind           ChangeKind
	ConversationID int64
	UserID         int64
}

type conversationState struct {
	meta     chat.Conversation
	known    bool
	messages []chat.Message
	// keys of confirmed messages that arrived over the live feed and have
	// not yet been seen in a latest-page load
	live   map[string]bool
	typing map[int64]bool
	unread int
}

type Store struct {
	mu       sync.RWMutex
	convs    map[int64]*conversationState
	presence map[int64]chat.Presence

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

func New() *Store {
	return &Store{
		convs:    make(map[int64]*conversationState),
		presence: make(map[int64]chat.Presence),
		subs:     make(map[int]func(Change)),
	}
}

// Subscribe registers fn for every change. The returned func removes it and
// is safe to call more than once.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

// conv returns the state for id, creating it. Caller holds s.mu.
func (s *Store) conv(id int64) *conversationState {
	st, ok := s.convs[id]
	if !ok {
		st = &conversationState{
			meta:   chat.Conversation{ID: id},
			live:   make(map[string]bool),
			typing: make(map[int64]bool),
		}
		s.convs[id] = st
	}
	return st
}

// LoadConversations records conversation metadata and the server's unread
// counts.
func (s *Store) LoadConversations(convs []chat.Conversation) {
	s.mu.Lock()
	for _, c := range convs {
		st := s.conv(c.ID)
		st.meta = c
		st.known = true
		st.unread = c.UnreadCount
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConversations})
}

// LoadMessages applies one page of history. Page 0 is the latest page and
// replaces the confirmed list, keeping pending sends and live arrivals the
// page does not contain. Older pages are merged in.
func (s *Store) LoadMessages(convID int64, page int, msgs []chat.Message) []chat.Message {
	s.mu.Lock()
	st := s.conv(convID)

	if page == 0 {
		inPage := make(map[string]bool, len(msgs))
		for _, m := range msgs {
			if m.ID != 0 {
				inPage[keyOf(m.ID)] = true
			}
		}
		kept := st.messages[:0:0]
		for _, m := range st.messages {
			if !m.Confirmed() || st.live[m.Key()] {
				kept = append(kept, m)
			}
		}
		st.messages = kept
		for k := range st.live {
			if inPage[k] {
				delete(st.live, k)
			}
		}
	}

	for _, m := range msgs {
		if m.ID == 0 {
			continue
		}
		m.ConversationID = convID
		if m.Status == "" {
			m.Status = chat.StatusSent
		}
		st.upsert(m, true)
	}
	st.sort()
	out := st.snapshot()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ConversationID: convID})
	return out
}

// AppendIncoming inserts a live message. A confirmed message carrying the
// client id of a pending one replaces it in place. It reports whether the
// message was new to the list.
func (s *Store) AppendIncoming(convID int64, msg chat.Message) bool {
	if msg.ID == 0 {
		return false
	}
	msg.ConversationID = convID
	if msg.Status == "" {
		msg.Status = chat.StatusSent
	}

	s.mu.Lock()
	st := s.conv(convID)
	added := st.upsert(msg, false)
	st.live[msg.Key()] = true
	st.sort()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ConversationID: convID})
	return added
}

// AddPending inserts an optimistic local message keyed by its client id.
func (s *Store) AddPending(msg chat.Message) {
	if msg.ClientID == "" {
		return
	}
	msg.ID = 0
	msg.Status = chat.StatusPending

	s.mu.Lock()
	st := s.conv(msg.ConversationID)
	if st.indexOfClient(msg.ClientID) < 0 {
		st.messages = append(st.messages, msg)
		st.sort()
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ConversationID: msg.ConversationID})
}

// ConfirmPending swaps the pending message clientID for the server copy. If
// the live echo already arrived the pending copy is simply removed.
func (s *Store) ConfirmPending(convID int64, clientID string, msg chat.Message) {
	if msg.ID == 0 {
		return
	}
	msg.ConversationID = convID
	msg.ClientID = clientID
	if msg.Status == "" || msg.Status == chat.StatusPending {
		msg.Status = chat.StatusSent
	}

	s.mu.Lock()
	st := s.conv(convID)
	st.upsert(msg, false)
	st.live[msg.Key()] = true
	st.sort()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ConversationID: convID})
}

// DropPending removes the pending message clientID, if present.
func (s *Store) DropPending(convID int64, clientID string) {
	s.mu.Lock()
	st := s.conv(convID)
	removed := st.removePending(clientID)
	s.mu.Unlock()

	if removed {
		s.notify(Change{Kind: ChangeMessages, ConversationID: convID})
	}
}

// SetTyping upserts the typing flag. Expiry is the caller's job.
func (s *Store) SetTyping(convID, userID int64, typing bool) {
	s.mu.Lock()
	st := s.conv(convID)
	changed := st.typing[userID] != typing
	if typing {
		st.typing[userID] = true
	} else {
		delete(st.typing, userID)
	}
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeTyping, ConversationID: convID, UserID: userID})
	}
}

// MarkRead zeroes the unread counter and returns its previous value.
func (s *Store) MarkRead(convID int64) int {
	s.mu.Lock()
	st := s.conv(convID)
	prev := st.unread
	st.unread = 0
	s.mu.Unlock()

	if prev > 0 {
		s.notify(Change{Kind: ChangeUnread, ConversationID: convID})
	}
	return prev
}

func (s *Store) IncrementUnread(convID int64) {
	s.mu.Lock()
	s.conv(convID).unread++
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeUnread, ConversationID: convID})
}

// SetPresence is a global upsert, not scoped to a conversation.
func (s *Store) SetPresence(userID int64, online bool, lastSeenAt time.Time) {
	s.mu.Lock()
	prev, ok := s.presence[userID]
	if !online && lastSeenAt.IsZero() && ok {
		lastSeenAt = prev.LastSeenAt
	}
	s.presence[userID] = chat.Presence{UserID: userID, Online: online, LastSeenAt: lastSeenAt}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangePresence, UserID: userID})
}

// ApplyReadReceipt marks every confirmed message up to messageID that was
// not sent by readerID as read.
func (s *Store) ApplyReadReceipt(convID, messageID, readerID int64) {
	s.mu.Lock()
	st := s.conv(convID)
	changed := false
	for i, m := range st.messages {
		if !m.Confirmed() || m.ID > messageID || m.SenderID == readerID {
			continue
		}
		if next := m.Status.Advance(chat.StatusRead); next != m.Status {
			st.messages[i].Status = next
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeMessages, ConversationID: convID})
	}
}

// Messages returns the conversation's messages, oldest first.
func (s *Store) Messages(convID int64) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.convs[convID]
	if !ok {
		return nil
	}
	return st.snapshot()
}

// HasMessage reports whether a confirmed message with id is held.
func (s *Store) HasMessage(convID, id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.convs[convID]
	return ok && id != 0 && st.indexOfID(id) >= 0
}

// Days returns the conversation's messages grouped by calendar date.
func (s *Store) Days(convID int64, loc *time.Location) []chat.DayGroup {
	return chat.GroupByDay(s.Messages(convID), loc)
}

// Typing returns the ids of users typing in the conversation, ascending.
func (s *Store) Typing(convID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.convs[convID]
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(st.typing))
	for uid := range st.typing {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) IsTyping(convID, userID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.convs[convID]
	return ok && st.typing[userID]
}

func (s *Store) Presence(userID int64) (chat.Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presence[userID]
	return p, ok
}

func (s *Store) Unread(convID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.convs[convID]; ok {
		return st.unread
	}
	return 0
}

func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.convs {
		n += st.unread
	}
	return n
}

func (s *Store) Conversation(convID int64) (chat.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.convs[convID]
	if !ok || !st.known {
		return chat.Conversation{}, false
	}
	c := st.meta
	c.UnreadCount = st.unread
	return c, true
}

// Conversations returns the known conversations, newest first.
func (s *Store) Conversations() []chat.Conversation {
	s.mu.RLock()
	out := make([]chat.Conversation, 0, len(s.convs))
	for _, st := range s.convs {
		if !st.known {
			continue
		}
		c := st.meta
		c.UnreadCount = st.unread
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}
