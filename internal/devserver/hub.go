package devserver

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ageniuscoder/mmchat/chatsync/internal/chat"
	"github.com/ageniuscoder/mmchat/chatsync/internal/storage/sqlite"
)

type inbound struct {
	client *client
	frame  chat.WireMessage
}

// Hub fans frames out to connected clients. Its maps are owned by Run.
type Hub struct {
	db  *sqlite.Sqlite
	log *zap.Logger

	register   chan *client
	unregister chan *client
	inbound    chan inbound
	ops        chan func()
	done       chan struct{}

	// userID -> set of client connections (multi-tab or multi-device)
	clients map[int64]map[*client]bool
	// conversationID -> clients that joined its channel
	rooms map[int64]map[*client]bool
}

func NewHub(db *sqlite.Sqlite, log *zap.Logger) *Hub {
	return &Hub{
		db:         db,
		log:        log.Named("hub"),
		register:   make(chan *client),
		unregister: make(chan *client),
		inbound:    make(chan inbound, 64),
		ops:        make(chan func(), 64),
		done:       make(chan struct{}),
		clients:    make(map[int64]map[*client]bool),
		rooms:      make(map[int64]map[*client]bool),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			first := h.clients[c.userID] == nil
			if first {
				h.clients[c.userID] = make(map[*client]bool)
			}
			h.clients[c.userID][c] = true
			if first {
				h.presence(ctx, c.userID, chat.PresenceOnline)
			}
		case c := <-h.unregister:
			if h.drop(c) && h.clients[c.userID] == nil {
				h.presence(ctx, c.userID, chat.PresenceOffline)
			}
		case in := <-h.inbound:
			h.handle(ctx, in.client, in.frame)
		case op := <-h.ops:
			op()
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = map[int64]map[*client]bool{}
			h.rooms = map[int64]map[*client]bool{}
			return
		}
	}
}

// submit runs op on the hub goroutine. It reports false once Run returned.
func (h *Hub) submit(op func()) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.ops <- op:
		return true
	case <-h.done:
		return false
	}
}

// drop forgets c and closes its send channel. It reports whether c was
// still registered.
func (h *Hub) drop(c *client) bool {
	set, ok := h.clients[c.userID]
	if !ok || !set[c] {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	for id, room := range h.rooms {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, id)
		}
	}
	close(c.send)
	return true
}

func (h *Hub) handle(ctx context.Context, c *client, f chat.WireMessage) {
	if err := h.db.TouchUser(ctx, c.userID, time.Now()); err != nil {
		h.log.Warn("touch user failed", zap.Int64("user_id", c.userID), zap.Error(err))
	}

	switch f.Type {
	case chat.FrameJoin:
		ok, err := h.db.IsParticipant(ctx, f.ConversationID, c.userID)
		if err != nil || !ok {
			h.log.Info("join refused", zap.Int64("user_id", c.userID), zap.Int64("conversation_id", f.ConversationID), zap.Error(err))
			h.reply(c, chat.WireMessage{Type: chat.FrameError, ConversationID: f.ConversationID, Content: "not a participant"})
			return
		}
		if h.rooms[f.ConversationID] == nil {
			h.rooms[f.ConversationID] = make(map[*client]bool)
		}
		h.rooms[f.ConversationID][c] = true
		h.reply(c, chat.WireMessage{Type: chat.FrameJoined, ConversationID: f.ConversationID})
	case chat.FrameLeave:
		if room := h.rooms[f.ConversationID]; room != nil {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, f.ConversationID)
			}
		}
		h.reply(c, chat.WireMessage{Type: chat.FrameLeft, ConversationID: f.ConversationID})
	case chat.FrameTypingStart, chat.FrameTypingStop:
		room := h.rooms[f.ConversationID]
		if !room[c] {
			return
		}
		username, _ := h.db.Username(ctx, c.userID)
		payload := h.encode(chat.WireMessage{
			Type:           f.Type,
			ConversationID: f.ConversationID,
			SenderID:       c.userID,
			SenderUsername: username,
		})
		for other := range room {
			if other.userID != c.userID {
				h.deliver(other, payload)
			}
		}
	default:
		h.log.Debug("ignoring client frame", zap.String("type", f.Type))
	}
}

// presence tells everyone sharing a conversation with uid that it went
// online or offline.
func (h *Hub) presence(ctx context.Context, uid int64, status string) {
	now := time.Now()
	if err := h.db.TouchUser(ctx, uid, now); err != nil {
		h.log.Warn("touch user failed", zap.Int64("user_id", uid), zap.Error(err))
	}
	peers, err := h.db.CoParticipants(ctx, uid)
	if err != nil {
		h.log.Warn("presence lookup failed", zap.Int64("user_id", uid), zap.Error(err))
		return
	}
	username, _ := h.db.Username(ctx, uid)
	h.sendUsers(peers, h.encode(chat.WireMessage{
		Type:           chat.FramePresence,
		SenderID:       uid,
		SenderUsername: username,
		Content:        status,
		LastActive:     now.UTC().Format(time.RFC3339Nano),
	}))
}

// BroadcastMessage sends m to every connection of every participant,
// the sender's own included.
func (h *Hub) BroadcastMessage(ctx context.Context, m chat.Message) {
	h.toParticipants(ctx, m.ConversationID, 0, chat.MessageFrame(m))
}

// BroadcastReadReceipt notifies the other participants that reader has
// read cid up to messageID.
func (h *Hub) BroadcastReadReceipt(ctx context.Context, cid, messageID, reader int64) {
	h.toParticipants(ctx, cid, reader, chat.WireMessage{
		Type:           chat.FrameReadReceipt,
		ConversationID: cid,
		MessageID:      messageID,
		SenderID:       reader,
	})
}

// BroadcastConversationUpdate tells participants that cid changed, e.g.
// "new_conversation".
func (h *Hub) BroadcastConversationUpdate(ctx context.Context, cid int64, kind string) {
	h.toParticipants(ctx, cid, 0, chat.WireMessage{
		Type:           chat.FrameConversationUpdate,
		ConversationID: cid,
		Content:        kind,
	})
}

func (h *Hub) toParticipants(ctx context.Context, cid, except int64, f chat.WireMessage) {
	ids, err := h.db.Participants(ctx, cid)
	if err != nil {
		h.log.Warn("participant lookup failed", zap.Int64("conversation_id", cid), zap.Error(err))
		return
	}
	targets := ids[:0]
	for _, id := range ids {
		if id != except {
			targets = append(targets, id)
		}
	}
	payload := h.encode(f)
	h.submit(func() { h.sendUsers(targets, payload) })
}

// Online reports how many connections uid has. It returns 0 after Run
// has stopped.
func (h *Hub) Online(uid int64) int {
	res := make(chan int, 1)
	if !h.submit(func() { res <- len(h.clients[uid]) }) {
		return 0
	}
	select {
	case n := <-res:
		return n
	case <-h.done:
		return 0
	}
}

func (h *Hub) sendUsers(ids []int64, payload []byte) {
	if payload == nil {
		return
	}
	for _, uid := range ids {
		for c := range h.clients[uid] {
			h.deliver(c, payload)
		}
	}
}

func (h *Hub) reply(c *client, f chat.WireMessage) {
	h.deliver(c, h.encode(f))
}

// deliver drops a client whose buffer is full.
func (h *Hub) deliver(c *client, payload []byte) {
	if payload == nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		h.log.Warn("dropping slow client", zap.Int64("user_id", c.userID))
		h.drop(c)
	}
}

func (h *Hub) encode(f chat.WireMessage) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		h.log.Error("encode frame failed", zap.String("type", f.Type), zap.Error(err))
		return nil
	}
	return b
}
