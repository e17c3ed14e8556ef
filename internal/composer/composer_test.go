package composer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ageniuscoder/mmchat/chatsync/internal/chat"
	"github.com/ageniuscoder/mmchat/chatsync/internal/eventloop"
	"github.com/ageniuscoder/mmchat/chatsync/internal/realtime"
	"github.com/ageniuscoder/mmchat/chatsync/internal/store"
	"github.com/ageniuscoder/mmchat/chatsync/internal/timer"
)

const conv int64 = 5

var (
	pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)
	txtBytes = []byte("meeting notes for the contract kickoff\n")
	exeBytes = append([]byte("MZ\x90\x00\x03\x00\x00\x00"), make([]byte, 64)...)
)

// typingLog records the signals that went out. The first refuse calls
// fail with refuseErr and are not recorded.
type typingLog struct {
	mu        sync.Mutex
	events    []bool
	refuse    int
	refuseErr error
}

func (l *typingLog) EmitTyping(_ int64, typing bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refuse > 0 {
		l.refuse--
		return l.refuseErr
	}
	l.events = append(l.events, typing)
	return nil
}

func (l *typingLog) get() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.events...)
}

type fakeSender struct {
	mu    sync.Mutex
	gate  chan struct{}
	errs  []error
	calls []chat.SendRequest
	next  int64
}

func (f *fakeSender) Send(_ context.Context, req chat.SendRequest) (chat.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	gate := f.gate
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.next++
	id := 1000 + f.next
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return chat.Message{}, err
	}
	return chat.Message{
		ID: id, ClientID: req.ClientID, ConversationID: req.ConversationID,
		SenderID: 1, Body: req.Content, Attachments: req.Attachments,
		SentAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

type fakeUploader struct {
	mu       sync.Mutex
	gate     chan struct{}
	fail     map[string]error
	order    []string
	inFlight int
	maxSeen  int
}

func (f *fakeUploader) Upload(_ context.Context, name string, body io.Reader) (chat.Attachment, error) {
	data, _ := io.ReadAll(body)
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.order = append(f.order, name)
	gate := f.gate
	err := f.fail[name]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	if err != nil {
		return chat.Attachment{}, err
	}
	return chat.Attachment{URL: "http://files/" + name, FileName: name, FileType: "application/octet-stream", FileSize: int64(len(data))}, nil
}

type harness struct {
	t      *testing.T
	loop   *eventloop.Loop
	clock  *timer.Fake
	st     *store.Store
	typing *typingLog
	sender *fakeSender
	up     *fakeUploader
	c      *Composer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		loop:   eventloop.New(nil),
		clock:  timer.NewFake(time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)),
		st:     store.New(),
		typing: &typingLog{},
		sender: &fakeSender{},
		up:     &fakeUploader{fail: map[string]error{}},
	}
	ids := 0
	h.c = New(context.Background(), conv, Identity{UserID: 1, Username: "ana"}, h.st, h.sender, h.up, h.typing, h.loop.Poster(), Options{
		Clock: h.clock,
		NewID: func() string { ids++; return fmt.Sprintf("cid-%d", ids) },
	})

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
// on the loop. Each finished upload starts the next one from the loop.
func (h *harness) settle() {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		idle := false
		err := h.loop.Do(context.Background(), func() { idle = h.c.Idle() })
		return err == nil && idle
	}, 2*time.Second, time.Millisecond)
}

// advance moves the fake clock and flushes the fires it posted.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.do(func() {})
}

func TestTyping_EdgeTriggeredWithIdleStop(t *testing.T) {
	h := newHarness(t)

	h.do(func() {
		h.c.SetText("h")
		h.c.SetText("he")
		h.c.SetText("hel")
	})
	assert.Equal(t, []bool{true}, h.typing.get())

	h.advance(1999 * time.Millisecond)
	assert.Equal(t, []bool{true}, h.typing.get())
	h.do(func() { h.c.SetText("hell") })
	h.advance(1999 * time.Millisecond)
	assert.Equal(t, []bool{true}, h.typing.get(), "keystroke restarts the idle window")

	h.advance(time.Millisecond)
	assert.Equal(t, []bool{true, false}, h.typing.get())
	h.advance(5 * time.Second)
	assert.Equal(t, []bool{true, false}, h.typing.get(), "stop is sent once")

	h.do(func() { h.c.SetText("hello") })
	assert.Equal(t, []bool{true, false, true}, h.typing.get())
}

func TestTyping_StartRetriedAfterRefusal(t *testing.T) {
	h := newHarness(t)
	h.typing.refuse = 1
	h.typing.refuseErr = realtime.ErrNotJoined

	h.do(func() {
		h.c.SetText("h")
		assert.False(t, h.c.Typing(), "a refused start leaves typing off")
	})
	assert.Empty(t, h.typing.get())

	h.do(func() {
		h.c.SetText("he")
		assert.True(t, h.c.Typing())
	})
	assert.Equal(t, []bool{true}, h.typing.get(), "next keystroke sends the start")

	h.advance(TypingIdle)
	assert.Equal(t, []bool{true, false}, h.typing.get())
}

func TestSend_OptimisticThenConfirmed(t *testing.T) {
	h := newHarness(t)
	h.sender.gate = make(chan struct{})

	h.do(func() {
		h.c.SetText("hi there")
		require.NoError(t, h.c.Send())
	})
	assert.Equal(t, []bool{true, false}, h.typing.get(), "send stops typing at once")

	msgs := h.st.Messages(conv)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Confirmed())
	assert.Equal(t, "cid-1", msgs[0].ClientID)
	assert.Equal(t, chat.StatusPending, msgs[0].Status)

	var err error
	h.do(func() { err = h.c.Send() })
	assert.ErrorIs(t, err, ErrSendInFlight)

	close(h.sender.gate)
	h.settle()

	msgs = h.st.Messages(conv)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1001), msgs[0].ID)
	assert.Equal(t, "cid-1", msgs[0].ClientID)

	var d Draft
	h.do(func() { d = h.c.Draft() })
	assert.True(t, d.Empty())
}

func TestSend_FailurePreservesDraftAndRetryReusesClientID(t *testing.T) {
	h := newHarness(t)
	h.sender.errs = []error{errors.New("502 bad gateway")}

	h.do(func() {
		h.c.SetText("proposal attached")
		require.NoError(t, h.c.Send())
	})
	h.settle()

	var d Draft
	var sendErr error
	h.do(func() {
		d = h.c.Draft()
		sendErr = h.c.SendError()
	})
	assert.Equal(t, "proposal attached", d.Text)
	require.Error(t, sendErr)
	assert.Empty(t, h.st.Messages(conv), "failed message is not left pending")

	h.do(func() { require.NoError(t, h.c.Retry()) })
	h.settle()

	require.Len(t, h.sender.calls, 2)
	assert.Equal(t, h.sender.calls[0].ClientID, h.sender.calls[1].ClientID)
	msgs := h.st.Messages(conv)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Confirmed())

	h.do(func() { assert.ErrorIs(t, h.c.Retry(), ErrNothingToRetry) })
}

func TestSend_EditAfterFailureGetsNewClientID(t *testing.T) {
	h := newHarness(t)
	h.sender.errs = []error{errors.New("timeout")}

	h.do(func() {
		h.c.SetText("first")
		require.NoError(t, h.c.Send())
	})
	h.settle()
	h.do(func() {
		h.c.SetText("first, edited")
		require.NoError(t, h.c.Send())
	})
	h.settle()

	require.Len(t, h.sender.calls, 2)
	assert.NotEqual(t, h.sender.calls[0].ClientID, h.sender.calls[1].ClientID)
}

func TestSend_Blocked(t *testing.T) {
	h := newHarness(t)

	h.do(func() {
		assert.ErrorIs(t, h.c.Send(), ErrEmptyDraft)
		h.c.SetText("   ")
		assert.ErrorIs(t, h.c.Send(), ErrEmptyDraft)
	})

	h.up.gate = make(chan struct{})
	h.do(func() {
		h.c.SetText("see file")
		h.c.Attach(File{Name: "notes.txt", Content: txtBytes})
		assert.True(t, h.c.Uploading())
		assert.False(t, h.c.CanSend())
		assert.ErrorIs(t, h.c.Send(), ErrUploadInFlight)
	})
	close(h.up.gate)
	h.settle()

	h.do(func() {
		assert.True(t, h.c.CanSend())
		require.NoError(t, h.c.Send())
	})
	h.settle()
	require.Len(t, h.sender.calls, 1)
	require.Len(t, h.sender.calls[0].Attachments, 1)
}

func TestSend_AttachmentsOnly(t *testing.T) {
	h := newHarness(t)
	h.do(func() { h.c.Attach(File{Name: "logo.png", Content: pngBytes}) })
	h.settle()

	h.do(func() { require.NoError(t, h.c.Send()) })
	h.settle()
	require.Len(t, h.sender.calls, 1)
	assert.Empty(t, h.sender.calls[0].Content)
	assert.Equal(t, "logo.png", h.sender.calls[0].Attachments[0].FileName)
}

func TestAttach_ValidatesEachFile(t *testing.T) {
	h := newHarness(t)
	var rejected []FileError
	h.do(func() {
		rejected = h.c.Attach(
			File{Name: "logo.png", Content: pngBytes},
			File{Name: "setup.exe", Content: exeBytes},
			File{Name: "brief.pdf", Content: exeBytes},
			File{Name: "empty.txt"},
			File{Name: "notes.txt", Content: txtBytes},
		)
	})
	h.settle()

	require.Len(t, rejected, 3)
	assert.ErrorIs(t, rejected[0], ErrExtNotAllowed)
	assert.ErrorIs(t, rejected[1], ErrTypeNotAllowed)
	assert.ErrorIs(t, rejected[2], ErrEmptyFile)
	assert.Equal(t, []string{"logo.png", "notes.txt"}, h.up.order)

	h.do(func() {
		assert.Len(t, h.c.Draft().Attachments, 2)
		assert.Len(t, h.c.FileErrors(), 3)
		assert.Equal(t, Progress{Done: 2, Total: 2}, h.c.Progress())
	})
}

func TestLimits_SizeCeiling(t *testing.T) {
	l := DefaultLimits()
	l.MaxBytes = 16
	_, err := l.Check(File{Name: "logo.png", Content: pngBytes})
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = l.Check(File{Name: " ", Content: pngBytes})
	assert.ErrorIs(t, err, ErrInvalidFileName)

	mt, err := DefaultLimits().Check(File{Name: "Notes.TXT", Content: txtBytes})
	require.NoError(t, err)
	assert.Contains(t, mt, "text/plain")
}

func TestAttach_SequentialWithProgress(t *testing.T) {
	h := newHarness(t)
	h.up.fail["b.txt"] = errors.New("storage unavailable")

	h.do(func() {
		h.c.Attach(
			File{Name: "a.txt", Content: txtBytes},
			File{Name: "b.txt", Content: txtBytes},
			File{Name: "c.png", Content: pngBytes},
		)
		assert.Equal(t, Progress{Done: 0, Total: 3}, h.c.Progress())
	})
	h.settle()

	assert.Equal(t, 1, h.up.maxSeen, "uploads run one at a time")
	assert.Equal(t, []string{"a.txt", "b.txt", "c.png"}, h.up.order)
	h.do(func() {
		p := h.c.Progress()
		assert.Equal(t, 100, p.Percent())
		d := h.c.Draft()
		require.Len(t, d.Attachments, 2)
		assert.Equal(t, "a.txt", d.Attachments[0].FileName)
		assert.Equal(t, "c.png", d.Attachments[1].FileName)
		require.Len(t, h.c.FileErrors(), 1)
		assert.Equal(t, "b.txt", h.c.FileErrors()[0].Name)
		assert.False(t, h.c.Uploading())
	})
}

func TestClose_StopsTypingAndIgnoresLateCompletions(t *testing.T) {
	h := newHarness(t)
	h.up.gate = make(chan struct{})
	h.sender.gate = make(chan struct{})

	h.do(func() {
		h.c.SetText("bye")
		require.NoError(t, h.c.Send())
		h.c.SetText("bye again")
	})
	h.do(func() {
		h.c.Attach(File{Name: "late.txt", Content: txtBytes})
		h.c.Close()
		h.c.Close()
	})
	assert.Equal(t, []bool{true, false, true, false}, h.typing.get())

	close(h.up.gate)
	close(h.sender.gate)
	h.settle()

	h.do(func() {
		assert.Empty(t, h.c.Draft().Attachments)
		assert.Empty(t, h.c.FileErrors())
		assert.ErrorIs(t, h.c.Send(), ErrClosed)
	})
	msgs := h.st.Messages(conv)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Confirmed(), "a send that finishes after close still lands")
}
