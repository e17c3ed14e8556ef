package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ageniuscoder/mmchat/chatsync/internal/chat"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 64 * 1024
	defaultSendBuffer     = 256
	defaultReconnectMin   = 500 * time.Millisecond
	defaultReconnectMax   = 30 * time.Second
)

type WebsocketConfig struct {
	URL            string
	Token          string
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

func (c *WebsocketConfig) setDefaults() {
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = defaultReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = defaultReconnectMax
	}
}

// Websocket is a Transport over gorilla/websocket that redials with capped
// exponential backoff until its Run context ends.
type Websocket struct {
	cfg    WebsocketConfig
	dialer *websocket.Dialer
	log    *zap.Logger

	mu      sync.Mutex
	send    chan []byte
	subs    map[int]func(Event)
	nextSub int

	connected atomic.Bool
}

func NewWebsocket(cfg WebsocketConfig, log *zap.Logger) *Websocket {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Websocket{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		log:    log.Named("ws"),
		subs:   make(map[int]func(Event)),
	}
}

func (w *Websocket) Connected() bool { return w.connected.Load() }

func (w *Websocket) endpoint() (string, error) {
	u, err := url.Parse(w.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url: %w", err)
	}
	if w.cfg.Token != "" {
		q := u.Query()
		q.Set("token", w.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Run dials and serves connections until ctx is canceled.
func (w *Websocket) Run(ctx context.Context) error {
	endpoint, err := w.endpoint()
	if err != nil {
		return err
	}

	attempt := 0
	for {
		conn, _, err := w.dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := backoff(w.cfg.ReconnectMin, w.cfg.ReconnectMax, attempt)
			attempt++
			w.log.Warn("dial failed", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		attempt = 0
		w.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// serve owns one connection until it drops.
func (w *Websocket) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	send := make(chan []byte, w.cfg.SendBuffer)

	w.mu.Lock()
	w.send = send
	w.mu.Unlock()
	w.connected.Store(true)
	w.log.Info("connected")
	w.dispatch(Event{Name: EventConnected})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		w.writePump(connCtx, conn, send)
	}()

	w.readPump(conn)

	cancel()
	w.mu.Lock()
	w.send = nil
	w.mu.Unlock()
	w.connected.Store(false)
	conn.Close()
	<-writerDone

	w.log.Info("disconnected")
	w.dispatch(Event{Name: EventDisconnected})
}

func (w *Websocket) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(w.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
		return nil
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.log.Warn("read failed", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))

		var head struct {
			Type           string `json:"type"`
			ConversationID int64  `json:"conversation_id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil || head.Type == "" {
			w.log.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(raw)))
			continue
		}
		w.dispatch(Event{Name: head.Type, ConversationID: head.ConversationID, Data: raw})
	}
}

func (w *Websocket) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(w.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				w.log.Warn("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (w *Websocket) Join(conversationID int64) error {
	return w.Emit(chat.FrameJoin, chat.WireMessage{ConversationID: conversationID})
}

func (w *Websocket) Leave(conversationID int64) error {
	return w.Emit(chat.FrameLeave, chat.WireMessage{ConversationID: conversationID})
}

// Emit queues a frame {"type": name, ...payload}. Payload must encode to a
// JSON object or be nil.
func (w *Websocket) Emit(name string, payload any) error {
	frame := map[string]any{}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", name, err)
		}
		if err := json.Unmarshal(b, &frame); err != nil {
			return fmt.Errorf("%s payload is not an object: %w", name, err)
		}
	}
	frame["type"] = name
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	w.mu.Lock()
	send := w.send
	w.mu.Unlock()
	if send == nil {
		return ErrNotConnected
	}
	select {
	case send <- b:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (w *Websocket) Subscribe(fn func(Event)) (unsubscribe func()) {
	w.mu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = fn
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subs, id)
			w.mu.Unlock()
		})
	}
}

func (w *Websocket) dispatch(ev Event) {
	w.mu.Lock()
	ids := make([]int, 0, len(w.subs))
	for id := range w.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, w.subs[id])
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// backoff returns min*2^attempt capped at max, with up to 20% jitter.
func backoff(min, max time.Duration, attempt int) time.Duration {
	d := min
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int64N(int64(d)/5 + 1))
	return d - jitter
}
