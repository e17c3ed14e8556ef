// Package session wires the chat components for one signed-in user and
// runs them on a shared event loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ageniuscoder/mmchat/chatsync/internal/api"
	"github.com/ageniuscoder/mmchat/chatsync/internal/auth"
	"github.com/ageniuscoder/mmchat/chatsync/internal/chat"
	"github.com/ageniuscoder/mmchat/chatsync/internal/composer"
	"github.com/ageniuscoder/mmchat/chatsync/internal/config"
	"github.com/ageniuscoder/mmchat/chatsync/internal/conversation"
	"github.com/ageniuscoder/mmchat/chatsync/internal/eventloop"
	"github.com/ageniuscoder/mmchat/chatsync/internal/realtime"
	"github.com/ageniuscoder/mmchat/chatsync/internal/store"
	"github.com/ageniuscoder/mmchat/chatsync/internal/timer"
)

var ErrNoToken = errors.New("session: token is required")

type Options struct {
	Logger   *zap.Logger
	Viewport conversation.Viewport
	Clock    timer.Clock
}

// Session owns the store and every loop-bound component. Its exported
// methods are safe for concurrent use.
type Session struct {
	cfg   config.Client
	me    composer.Identity
	log   *zap.Logger
	clock timer.Clock

	loop    *eventloop.Loop
	store   *store.Store
	ws      *realtime.Websocket
	api     *api.Client
	adapter *realtime.Adapter
	ctrl    *conversation.Controller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// loop-owned
	composers map[int64]*composer.Composer
	retired   []*composer.Composer // closed, with requests still in flight
}

func New(cfg config.Client, opts Options) (*Session, error) {
	if cfg.Token == "" {
		return nil, ErrNoToken
	}
	claims, err := auth.PeekClaims(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("session: read token: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = timer.System()
	}
	log := opts.Logger.With(zap.Int64("self", claims.UserID))

	s := &Session{
		cfg:       cfg,
		me:        composer.Identity{UserID: claims.UserID, Username: claims.Username},
		log:       log,
		clock:     opts.Clock,
		loop:      eventloop.New(log.Named("loop")),
		store:     store.New(),
		composers: make(map[int64]*composer.Composer),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	post := s.loop.Poster()

	s.api = api.New(api.Options{
		BaseURL: cfg.APIURL,
		Token:   cfg.Token,
		Timeout: cfg.RequestTimeout,
		Logger:  log,
	})
	s.ws = realtime.NewWebsocket(realtime.WebsocketConfig{
		URL:          cfg.WSURL,
		Token:        cfg.Token,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
	}, log)
	s.adapter = realtime.NewAdapter(s.ws, s.store, claims.UserID, opts.Clock, post,
		realtime.WithLogger(log),
		realtime.WithTypingTTL(cfg.TypingTTL),
		realtime.WithResync(func(id int64) { s.ctrl.Resync(id) }),
		realtime.WithConversationUpdate(func(int64, string) { s.refreshConversations() }),
	)
	s.ctrl = conversation.NewController(s.api, s.adapter, s.store, claims.UserID, post, conversation.Options{
		PageSize: cfg.PageSize,
		Viewport: opts.Viewport,
		Logger:   log,
	})
	return s, nil
}

func (s *Session) Self() composer.Identity { return s.me }

// Store is safe to read from any goroutine.
func (s *Session) Store() *store.Store { return s.store }

func (s *Session) Connected() bool { return s.ws.Connected() }

// Run starts the loop and the live connection, loads the conversation
// list and blocks until ctx is canceled.
func (s *Session) Run(ctx context.Context) error {
	// subscribe before the first dial; the loop is not running yet
	s.adapter.Start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(s.loop.Run(ctx))
	})
	g.Go(func() error {
		return ignoreCanceled(s.ws.Run(ctx))
	})
	s.refreshConversations()
	err := g.Wait()
	s.shutdown()
	return err
}

// shutdown runs after the loop goroutine has returned, so it may touch
// loop-owned state directly.
func (s *Session) shutdown() {
	s.loop.Close()
	s.ctrl.Stop()
	for _, c := range s.composers {
		c.Close()
	}
	s.adapter.Stop()
	s.cancel()
	s.ctrl.Wait()
	for _, c := range s.composers {
		c.Wait()
	}
	for _, c := range s.retired {
		c.Wait()
	}
	s.wg.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, eventloop.ErrClosed) {
		return nil
	}
	return err
}

// Do runs fn on the event loop and waits for it.
func (s *Session) Do(ctx context.Context, fn func()) error {
	return s.loop.Do(ctx, fn)
}

func (s *Session) refreshConversations() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		list, err := s.api.Conversations(s.ctx)
		if err != nil {
			s.log.Warn("load conversations failed", zap.Error(err))
			return
		}
		_ = s.loop.Post(func() { s.store.LoadConversations(list) })
	}()
}

// RefreshConversations reloads the conversation list in the background.
func (s *Session) RefreshConversations() { s.refreshConversations() }

// Open makes id the active conversation. The composer of the conversation
// it replaces is closed first.
func (s *Session) Open(ctx context.Context, id int64) error {
	return s.loop.Do(ctx, func() {
		if prev := s.ctrl.Active(); prev != 0 && prev != id {
			s.closeComposer(prev)
		}
		s.ctrl.Open(id)
	})
}

// CloseConversation leaves the active conversation and discards its draft.
func (s *Session) CloseConversation(ctx context.Context) error {
	return s.loop.Do(ctx, func() {
		s.closeComposer(s.ctrl.Active())
		s.ctrl.Close()
	})
}

// closeComposer must run while the channel of id is still joined, so the
// typing_stop it causes reaches the other participants.
func (s *Session) closeComposer(id int64) {
	c, ok := s.composers[id]
	if !ok {
		return
	}
	c.Close()
	delete(s.composers, id)
	s.retired = slices.DeleteFunc(s.retired, (*composer.Composer).Idle)
	if !c.Idle() {
		s.retired = append(s.retired, c)
	}
}

func (s *Session) LoadOlder(ctx context.Context) error {
	return s.loop.Do(ctx, s.ctrl.LoadOlder)
}

func (s *Session) Scroll(ctx context.Context, p conversation.Position) error {
	return s.loop.Do(ctx, func() { s.ctrl.OnScroll(p) })
}

func (s *Session) View(ctx context.Context) (conversation.View, error) {
	var v conversation.View
	err := s.loop.Do(ctx, func() { v = s.ctrl.View() })
	return v, err
}

func (s *Session) ChannelState(ctx context.Context, id int64) (realtime.ChannelState, error) {
	var st realtime.ChannelState
	err := s.loop.Do(ctx, func() { st = s.adapter.State(id) })
	return st, err
}

// OpenPrivate finds or creates the private conversation with other and
// returns its id.
func (s *Session) OpenPrivate(ctx context.Context, other int64) (int64, error) {
	id, err := s.api.OpenPrivate(ctx, other)
	if err != nil {
		return 0, err
	}
	s.refreshConversations()
	return id, nil
}

// Composer runs fn on the loop with the composer of id, creating it on
// first use.
func (s *Session) Composer(ctx context.Context, id int64, fn func(*composer.Composer)) error {
	return s.loop.Do(ctx, func() { fn(s.composer(id)) })
}

func (s *Session) composer(id int64) *composer.Composer {
	if c, ok := s.composers[id]; ok {
		return c
	}
	c := composer.New(s.ctx, id, s.me, s.store, s.api, s.api, s.adapter, s.loop.Poster(), composer.Options{
		Limits: composer.Limits{
			MaxBytes:   s.cfg.MaxUploadBytes,
			MIMETypes:  composer.DefaultLimits().MIMETypes,
			Extensions: composer.DefaultLimits().Extensions,
		},
		Clock:  s.clock,
		Logger: s.log,
	})
	s.composers[id] = c
	return c
}

// SendText replaces the draft of id with text and sends it.
func (s *Session) SendText(ctx context.Context, id int64, text string) error {
	var err error
	if doErr := s.Composer(ctx, id, func(c *composer.Composer) {
		c.SetText(text)
		err = c.Send()
	}); doErr != nil {
		return doErr
	}
	return err
}

// Messages returns the messages of id, oldest first.
func (s *Session) Messages(id int64) []chat.Message { return s.store.Messages(id) }

// Snapshot is a consistent copy of what a chat screen renders.
type Snapshot struct {
	Self          composer.Identity
	Connected     bool
	Conversations []chat.Conversation
	TotalUnread   int
	View          conversation.View
	Messages      []chat.Message
	Typing        []int64
	Draft         composer.Draft
}

// Snapshot reads the store and the active conversation on the loop, so
// no event is applied halfway through.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.loop.Do(ctx, func() {
		snap = Snapshot{
			Self:          s.me,
			Connected:     s.ws.Connected(),
			Conversations: s.store.Conversations(),
			TotalUnread:   s.store.TotalUnread(),
			View:          s.ctrl.View(),
		}
		if id := s.ctrl.Active(); id != 0 {
			snap.Messages = s.store.Messages(id)
			snap.Typing = s.store.Typing(id)
			if c, ok := s.composers[id]; ok {
				snap.Draft = c.Draft()
			}
		}
	})
	return snap, err
}
