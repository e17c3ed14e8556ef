package conversation

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ageniuscoder/mmchat/chatsync/internal/chat"
	"github.com/ageniuscoder/mmchat/chatsync/internal/eventloop"
	"github.com/ageniuscoder/mmchat/chatsync/internal/store"
)

const me int64 = 1

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type pageKey struct {
	conv int64
	page int
}

type fakeAPI struct {
	mu        sync.Mutex
	pages     map[pageKey][]chat.Message
	gates     map[int64]chan struct{}
	fail      map[int64]error
	history   []pageKey
	markReads []int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		pages: make(map[pageKey][]chat.Message),
		gates: make(map[int64]chan struct{}),
		fail:  make(map[int64]error),
	}
}

func (f *fakeAPI) History(ctx context.Context, id int64, p chat.Page) ([]chat.Message, error) {
	f.mu.Lock()
	f.history = append(f.history, pageKey{id, p.Number})
	gate := f.gates[id]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[id]; err != nil {
		return nil, err
	}
	return f.pages[pageKey{id, p.Number}], nil
}

func (f *fakeAPI) MarkRead(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads = append(f.markReads, id)
	return nil
}

func (f *fakeAPI) markReadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markReads)
}

type fakeChannels struct {
	t      *testing.T
	joined map[int64]bool
	joins  []int64
	leaves []int64
}

func (f *fakeChannels) Join(id int64) error {
	assert.False(f.t, f.joined[id], "conversation %d joined twice", id)
	f.joined[id] = true
	f.joins = append(f.joins, id)
	return nil
}

func (f *fakeChannels) Leave(id int64) error {
	assert.True(f.t, f.joined[id], "leave without join for %d", id)
	delete(f.joined, id)
	f.leaves = append(f.leaves, id)
	return nil
}

type recorder struct {
	scrolls []bool // animated flag per ScrollToBottom
	hint    bool
}

func (r *recorder) ScrollToBottom(animated bool)    { r.scrolls = append(r.scrolls, animated) }
func (r *recorder) ShowNewMessageHint(visible bool) { r.hint = visible }

type harness struct {
	t    *testing.T
	loop *eventloop.Loop
	api  *fakeAPI
	ch   *fakeChannels
	st   *store.Store
	vp   *recorder
	ctl  *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		loop: eventloop.New(nil),
		api:  newFakeAPI(),
		ch:   &fakeChannels{t: t, joined: make(map[int64]bool)},
		st:   store.New(),
		vp:   &recorder{},
	}
	h.ctl = NewController(h.api, h.ch, h.st, me, h.loop.Poster(), Options{PageSize: 20, Viewport: h.vp})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) do(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Do(context.Background(), fn))
}

// settle waits until every request goroutine has had its result applied
// on the loop.
func (h *harness) settle() {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		pending := -1
		err := h.loop.Do(context.Background(), func() { pending = h.ctl.pending })
		return err == nil && pending == 0
	}, 2*time.Second, time.Millisecond)
}

func history(conv int64, n int, from time.Time, firstID int64) []chat.Message {
	out := make([]chat.Message, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, chat.Message{
			ID: firstID + int64(i), ConversationID: conv, SenderID: 2,
			Body: "m", SentAt: from.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}

func incoming(conv, id int64, at time.Time) chat.Message {
	return chat.Message{ID: id, ConversationID: conv, SenderID: 2, Body: "new", SentAt: at}
}

// arrive mimics the realtime adapter delivering a message from another user.
func (h *harness) arrive(m chat.Message) {
	h.do(func() {
		h.st.IncrementUnread(m.ConversationID)
		h.st.AppendIncoming(m.ConversationID, m)
	})
}

func TestOpen_InitialLoadSnapsWithoutAnimation(t *testing.T) {
	h := newHarness(t)
	h.api.pages[pageKey{5, 0}] = history(5, 20, base, 100)

	h.do(func() { h.ctl.Open(5) })
	h.settle()

	assert.Equal(t, []bool{false}, h.vp.scrolls)
	assert.False(t, h.vp.hint)
	assert.Equal(t, []int64{5}, h.ch.joins)
	assert.Len(t, h.st.Messages(5), 20)

	var v View
	h.do(func() { v = h.ctl.View() })
	assert.True(t, v.Loaded)
	assert.False(t, v.Loading)
	assert.True(t, v.HasMore)
	assert.Zero(t, h.api.markReadCount(), "nothing unread, nothing to mark")
}

func TestNewMessage_NearBottomScrollsSmoothly(t *testing.T) {
	h := newHarness(t)
	h.api.pages[pageKey{5, 0}] = history(5, 20, base, 100)
	h.do(func() { h.ctl.Open(5) })
	h.settle()

	h.do(func() { h.ctl.OnScroll(Position{Top: 1900, Height: 2500, ClientHeight: 500}) })
	h.arrive(incoming(5, 500, base.Add(time.Hour)))

	assert.Equal(t, []bool{false, true}, h.vp.scrolls)
	assert.False(t, h.vp.hint)
}

func TestNewMessage_ScrolledUpShowsHint(t *testing.T) {
	h := newHarness(t)
	h.api.pages[pageKey{5, 0}] = history(5, 20, base, 100)
	h.do(func() { h.ctl.Open(5) })
	h.settle()

	h.do(func() { h.ctl.OnScroll(Position{Top: 1500, Height: 2500, ClientHeight: 500}) })
	h.arrive(incoming(5, 500, base.Add(time.Hour)))

	assert.Equal(t, []bool{false}, h.vp.scrolls, "position is left alone")
	assert.True(t, h.vp.hint)
	assert.Equal(t, 1, h.st.Unread(5), "not read while scrolled up")

	h.do(func() { h.ctl.ShowLatest() })
	h.settle()
	assert.Equal(t, []bool{false, true}, h.vp.scrolls)
	assert.False(t, h.vp.hint)
	assert.Zero(t, h.st.Unread(5))
	assert.Equal(t, 1, h.api.markReadCount())
}

func TestNewMessage_ScrollingBackDismissesHint(t *testing.T) {
	h := newHarness(t)
	h.api.pages[pageKey{5, 0}] = history(5, 20, base, 100)
	h.do(func() { h.ctl.Open(5) })
	h.settle()

	h.do(func() { h.ctl.OnScroll(Position{Top: 1500, Height: 2500, ClientHeight: 500}) })
	h.arrive(incoming(5, 500, base.Add(time.Hour)))
	require.True(t, h.vp.hint)

	h.do(func() { h.ctl.OnScroll(Position{Top: 1900, Height: 2500, ClientHeight: 500}) })
	assert.False(t, h.vp.hint)
}

func TestOwnMessageAlwaysFollows(t *testing.T) {
	h := newHarness(t)
	h.api.pages[pageKey{5, 0}] = history(5, 20, base, 100)
	h.do(func() { h.ctl.Open(5) })
	h.settle()

	h.do(func() {
		h.ctl.OnScroll(Position{Top: 0, Height: 2500, ClientHeight: 500})
		h.st.AddPending(chat.Message{ClientID: "c1", ConversationID: 5, SenderID: me, Body: "mine", SentAt: base.Add(time.Hour)})
	})
	assert.Equal(t, []bool{false, true}, h.vp.scrolls)

	h.do(func() {
		h.st.ConfirmPending(5, "c1", chat.Message{ID: 900, SenderID: me, Body: "mine", SentAt: base.Add(time.Hour)})
	})
	assert.Equal(t, []bool{false, true}, h.vp.scrolls, "confirmation is the same tail")
}

func TestLoadOlderDoesNotScroll(t *testing.T) {
	h := newHarness(t)
	h.api.pages[pageKey{5, 0}] = history(5, 20, base.Add(time.Hour), 100)
	h.api.pages[pageKey{5, 1}] = history(5, 5, base, 10)
	h.do(func() { h.ctl.Open(5) })
	h.settle()

	h.do(func() { h.ctl.LoadOlder() })
	h.settle()

	assert.Len(t, h.st.Messages(5), 25)
	assert.Equal(t, []bool{false}, h.vp.scrolls)

	var v View
	h.do(func() { v = h.ctl.View() })
	assert.Equal(t, 1, v.Page)
	assert.False(t, v.HasMore)

	h.do(func() { h.ctl.LoadOlder() })
	h.settle()
	assert.Len(t, h.api.history, 2, "no fetch once history is exhausted")
}

func TestStaleFetchIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.api.pages[pageKey{5, 0}] = history(5, 3, base, 100)
	h.api.pages[pageKey{6, 0}] = history(6, 2, base, 200)
	gate := make(chan struct{})
	h.api.gates[5] = gate

	h.do(func() { h.ctl.Open(5) })
	h.do(func() { h.ctl.Open(6) })
	require.Eventually(t, func() bool {
		var loaded bool
		h.do(func() { loaded = h.ctl.View().Loaded })
		return loaded
	}, time.Second, 5*time.Millisecond)

	var before View
	h.do(func() { before = h.ctl.View() })
	scrolls := len(h.vp.scrolls)

	close(gate)
	h.settle()

	var after View
	h.do(func() { after = h.ctl.View() })
	assert.Equal(t, before, after)
	assert.Equal(t, int64(6), after.ConversationID)
	assert.Empty(t, h.st.Messages(5), "late page for A is not applied")
	assert.Len(t, h.vp.scrolls, scrolls)
	assert.Equal(t, []int64{5, 6}, h.ch.joins)
	assert.Equal(t, []int64{5}, h.ch.leaves)
}

func TestJoinLeaveSymmetry(t *testing.T) {
	h := newHarness(t)
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		id := int64(r.Intn(4) + 1)
		h.do(func() {
			if r.Intn(5) == 0 {
				h.ctl.Close()
			} else {
				h.ctl.Open(id)
			}
		})
		diff := len(h.ch.joins) - len(h.ch.leaves)
		require.True(t, diff == 0 || diff == 1, "joins=%d leaves=%d", len(h.ch.joins), len(h.ch.leaves))
	}
	h.do(func() { h.ctl.Stop() })
	h.settle()
	assert.Equal(t, len(h.ch.joins), len(h.ch.leaves))
	assert.Empty(t, h.ch.joined)
}

func TestMarkRead(t *testing.T) {
	h := newHarness(t)
	h.api.pages[pageKey{5, 0}] = history(5, 20, base, 100)
	h.do(func() {
		h.st.IncrementUnread(5)
		h.st.IncrementUnread(5)
	})

	h.do(func() { h.ctl.Open(5) })
	h.settle()
	assert.Equal(t, 1, h.api.markReadCount(), "initial mark read for a nonzero count")
	assert.Zero(t, h.st.Unread(5))

	h.arrive(incoming(5, 500, base.Add(time.Hour)))
	h.settle()
	assert.Equal(t, 2, h.api.markReadCount())

	h.do(func() {
		h.st.ApplyReadReceipt(5, 500, 2)
		h.st.LoadMessages(5, 0, history(5, 20, base, 100))
	})
	h.settle()
	assert.Equal(t, 2, h.api.markReadCount(), "no repeat for the same unread state")
}

func TestFetchErrorIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.api.fail[5] = errors.New("connection reset")

	h.do(func() { h.ctl.Open(5) })
	h.settle()

	var v View
	h.do(func() { v = h.ctl.View() })
	require.Error(t, v.Err)
	assert.False(t, v.Loading)
	assert.Empty(t, h.st.Messages(5))

	h.api.mu.Lock()
	delete(h.api.fail, 5)
	h.api.pages[pageKey{5, 0}] = history(5, 2, base, 100)
	h.api.mu.Unlock()

	h.do(func() { h.ctl.Retry() })
	h.settle()
	h.do(func() { v = h.ctl.View() })
	assert.NoError(t, v.Err)
	assert.Len(t, h.st.Messages(5), 2)
}

func TestResyncOnlyForActive(t *testing.T) {
	h := newHarness(t)
	h.do(func() { h.ctl.Open(5) })
	h.settle()

	h.do(func() {
		h.ctl.Resync(9)
		h.ctl.Resync(5)
	})
	h.settle()
	assert.Equal(t, []pageKey{{5, 0}, {5, 0}}, h.api.history)
}
