// Package conversation drives the lifecycle of the open conversation: its
// history fetches, live channel membership, read marking and scrolling.
package conversation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ageniuscoder/mmchat/chatsync/internal/chat"
	"github.com/ageniuscoder/mmchat/chatsync/internal/store"
)

const DefaultPageSize = 30

type History interface {
	History(ctx context.Context, conversationID int64, page chat.Page) ([]chat.Message, error)
	MarkRead(ctx context.Context, conversationID int64) error
}

type Channels interface {
	Join(conversationID int64) error
	Leave(conversationID int64) error
}

// Viewport is the rendering surface the controller scrolls.
type Viewport interface {
	ScrollToBottom(animated bool)
	ShowNewMessageHint(visible bool)
}

type nopViewport struct{}

func (nopViewport) ScrollToBottom(bool)     {}
func (nopViewport) ShowNewMessageHint(bool) {}

// View is the controller's state for the open conversation.
type View struct {
	ConversationID int64
	Loading        bool
	Loaded         bool
	HasMore        bool
	Page           int
	// Err is the last failed fetch. It is cleared by the next success.
	Err         error
	NearBottom  bool
	HintVisible bool
}

type Options struct {
	PageSize int
	Viewport Viewport
	Logger   *zap.Logger
}

// Controller must be used from the goroutine that drains post. It starts
// requests on their own goroutines and posts the results back.
type Controller struct {
	api      History
	channels Channels
	store    *store.Store
	self     int64
	post     func(func())
	log      *zap.Logger
	vp       Viewport
	pageSize int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending int // request goroutines whose result has not been applied

	active  int64
	gen     uint64
	view    View
	tracker Tracker
	count   int

	unsubscribe func()
}

func NewController(api History, channels Channels, st *store.Store, self int64, post func(func()), opts Options) *Controller {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Viewport == nil {
		opts.Viewport = nopViewport{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		api:      api,
		channels: channels,
		store:    st,
		self:     self,
		post:     post,
		log:      opts.Logger.Named("conversation"),
		vp:       opts.Viewport,
		pageSize: opts.PageSize,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.unsubscribe = st.Subscribe(c.onChange)
	return c
}

func (c *Controller) Active() int64 { return c.active }

func (c *Controller) View() View {
	v := c.view
	v.NearBottom = c.tracker.NearBottom()
	v.HintVisible = c.tracker.HintVisible()
	return v
}

// Open makes id the active conversation. Opening the active conversation
// again is a no-op.
func (c *Controller) Open(id int64) {
	if id == 0 || id == c.active {
		return
	}
	if c.active != 0 {
		c.Close()
	}

	c.gen++
	c.active = id
	c.view = View{ConversationID: id}
	c.tracker.Reset()
	c.count = len(c.store.Messages(id))

	c.fetch(id, 0)

	if err := c.channels.Join(id); err != nil {
		c.log.Warn("join failed", zap.Int64("conversation_id", id), zap.Error(err))
	}

	if prev := c.store.MarkRead(id); prev > 0 {
		c.markReadRemote(id)
	}
}

// Close leaves the active conversation's channel and clears the pointer.
func (c *Controller) Close() {
	if c.active == 0 {
		return
	}
	id := c.active
	if err := c.channels.Leave(id); err != nil {
		c.log.Warn("leave failed", zap.Int64("conversation_id", id), zap.Error(err))
	}
	c.active = 0
	c.gen++
	c.view = View{}
	c.tracker.Reset()
	c.count = 0
	c.vp.ShowNewMessageHint(false)
}

// Resync re-fetches the latest page of id if it is still open.
func (c *Controller) Resync(id int64) {
	if id != c.active {
		return
	}
	c.log.Debug("resyncing history", zap.Int64("conversation_id", id))
	c.fetch(id, 0)
}

// Retry repeats the latest-page fetch after a failure.
func (c *Controller) Retry() {
	if c.active == 0 || c.view.Loading {
		return
	}
	c.fetch(c.active, 0)
}

// LoadOlder fetches the page after the oldest one loaded.
func (c *Controller) LoadOlder() {
	if c.active == 0 || c.view.Loading || !c.view.HasMore {
		return
	}
	c.fetch(c.active, c.view.Page+1)
}

func (c *Controller) OnScroll(p Position) {
	if c.active == 0 {
		return
	}
	if c.tracker.OnScroll(p) {
		c.vp.ShowNewMessageHint(false)
		c.maybeMarkRead()
	}
}

// ShowLatest handles activation of the new-message affordance.
func (c *Controller) ShowLatest() {
	if c.active == 0 {
		return
	}
	c.apply(c.tracker.ShowLatest())
	c.vp.ShowNewMessageHint(false)
	c.maybeMarkRead()
}

// Stop closes the active conversation and abandons requests in flight.
func (c *Controller) Stop() {
	c.Close()
	c.unsubscribe()
	c.cancel()
}

// Wait blocks until every request goroutine has posted its result. It may
// only be called once the loop that drains post has stopped, since the
// loop starts new requests.
func (c *Controller) Wait() { c.wg.Wait() }

func (c *Controller) fetch(id int64, page int) {
	gen := c.gen
	c.view.Loading = true
	p := chat.Page{Number: page, Size: c.pageSize}

	c.pending++
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		msgs, err := c.api.History(c.ctx, id, p)
		c.post(func() {
			c.pending--
			c.applyHistory(id, gen, page, msgs, err)
		})
	}()
}

func (c *Controller) applyHistory(id int64, gen uint64, page int, msgs []chat.Message, err error) {
	if id != c.active || gen != c.gen {
		c.log.Debug("discarding stale history",
			zap.Int64("conversation_id", id),
			zap.Int64("active", c.active),
			zap.Int("page", page))
		return
	}
	c.view.Loading = false
	if err != nil {
		c.view.Err = err
		c.log.Warn("history fetch failed", zap.Int64("conversation_id", id), zap.Int("page", page), zap.Error(err))
		return
	}
	c.view.Err = nil
	c.view.Loaded = true
	if page == 0 {
		c.view.Page = 0
		c.view.HasMore = len(msgs) >= c.pageSize
	} else if page > c.view.Page {
		c.view.Page = page
		c.view.HasMore = len(msgs) >= c.pageSize
	}
	c.store.LoadMessages(id, page, msgs)
}

// onChange runs synchronously inside store mutations, which all happen on
// the loop goroutine.
func (c *Controller) onChange(ch store.Change) {
	if c.active == 0 || ch.ConversationID != c.active || ch.Kind != store.ChangeMessages {
		return
	}
	msgs := c.store.Messages(c.active)
	grew := len(msgs) > c.count
	c.count = len(msgs)

	c.apply(c.tracker.OnMessages(msgs, c.self))
	if grew {
		c.maybeMarkRead()
	}
}

func (c *Controller) apply(a Action) {
	switch a {
	case ActionSnap:
		c.vp.ScrollToBottom(false)
	case ActionSmooth:
		c.vp.ScrollToBottom(true)
		c.vp.ShowNewMessageHint(false)
	case ActionShowHint:
		c.vp.ShowNewMessageHint(true)
	}
}

func (c *Controller) maybeMarkRead() {
	if !c.tracker.NearBottom() || c.store.Unread(c.active) == 0 {
		return
	}
	if prev := c.store.MarkRead(c.active); prev > 0 {
		c.markReadRemote(c.active)
	}
}

func (c *Controller) markReadRemote(id int64) {
	c.pending++
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.api.MarkRead(c.ctx, id)
		c.post(func() {
			c.pending--
			if err != nil {
				c.log.Warn("mark read failed", zap.Int64("conversation_id", id), zap.Error(err))
			}
		})
	}()
}
