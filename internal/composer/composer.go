// Package composer manages the draft of one conversation: text, attached
// files, typing signals and the optimistic send.
package composer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ageniuscoder/mmchat/chatsync/internal/chat"
	"github.com/ageniuscoder/mmchat/chatsync/internal/store"
	"github.com/ageniuscoder/mmchat/chatsync/internal/timer"
)

var (
	ErrEmptyDraft     = errors.New("nothing to send")
	ErrUploadInFlight = errors.New("an upload is still in progress")
	ErrSendInFlight   = errors.New("a send is still in progress")
	ErrNothingToRetry = errors.New("no failed send to retry")
	ErrClosed         = errors.New("composer closed")
)

type Sender interface {
	Send(ctx context.Context, req chat.SendRequest) (chat.Message, error)
}

type Uploader interface {
	Upload(ctx context.Context, fileName string, body io.Reader) (chat.Attachment, error)
}

type Draft struct {
	Text        string
	Attachments []chat.Attachment
}

func (d Draft) Empty() bool {
	return strings.TrimSpace(d.Text) == "" && len(d.Attachments) == 0
}

func (d Draft) equal(o Draft) bool {
	return d.Text == o.Text && slices.Equal(d.Attachments, o.Attachments)
}

// Identity is the local user as shown on optimistic messages.
type Identity struct {
	UserID   int64
	Username string
}

type Options struct {
	Limits Limits
	Clock  timer.Clock
	Logger *zap.Logger
	// NewID generates client message ids. Defaults to uuid v4.
	NewID func() string
}

// Composer must be used from the goroutine that drains post.
type Composer struct {
	conv   int64
	me     Identity
	store  *store.Store
	sender Sender
	up     Uploader
	post   func(func())
	clock  timer.Clock
	limits Limits
	newID  func() string
	log    *zap.Logger

	typing *TypingEmitter

	ctx     context.Context
	wg      sync.WaitGroup
	pending int // request goroutines whose result has not been applied

	draft     Draft
	queue     []File
	uploading bool
	progress  Progress
	fileErrs  []FileError
	sending   bool
	sendErr   error
	retryID   string
	closed    bool
}

func New(ctx context.Context, conversationID int64, me Identity, st *store.Store, sender Sender, up Uploader, typing TypingSink, post func(func()), opts Options) *Composer {
	if opts.Clock == nil {
		opts.Clock = timer.System()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Limits.MaxBytes == 0 && opts.Limits.MIMETypes == nil && opts.Limits.Extensions == nil {
		opts.Limits = DefaultLimits()
	}
	log := opts.Logger.Named("composer").With(zap.Int64("conversation_id", conversationID))
	return &Composer{
		conv:   conversationID,
		me:     me,
		store:  st,
		sender: sender,
		up:     up,
		post:   post,
		clock:  opts.Clock,
		limits: opts.Limits,
		newID:  opts.NewID,
		log:    log,
		typing: NewTypingEmitter(conversationID, typing, opts.Clock, post, log),
		ctx:    ctx,
	}
}

func (c *Composer) Draft() Draft {
	d := c.draft
	d.Attachments = slices.Clone(d.Attachments)
	return d
}

func (c *Composer) Uploading() bool         { return c.uploading }
func (c *Composer) Sending() bool           { return c.sending }
func (c *Composer) Progress() Progress      { return c.progress }
func (c *Composer) SendError() error        { return c.sendErr }
func (c *Composer) Typing() bool            { return c.typing.Active() }
func (c *Composer) FileErrors() []FileError { return slices.Clone(c.fileErrs) }

// Idle reports whether every upload and send has had its result applied.
func (c *Composer) Idle() bool { return c.pending == 0 }

// CanSend reports whether Send would be attempted.
func (c *Composer) CanSend() bool {
	return !c.closed && !c.uploading && !c.sending && !c.draft.Empty()
}

// SetText replaces the draft text and counts as a keystroke.
func (c *Composer) SetText(text string) {
	if c.closed || text == c.draft.Text {
		return
	}
	c.draft.Text = text
	c.retryID = ""
	if text == "" {
		c.typing.Stop()
		return
	}
	c.typing.Keystroke()
}

func (c *Composer) RemoveAttachment(i int) {
	if c.closed || i < 0 || i >= len(c.draft.Attachments) {
		return
	}
	c.draft.Attachments = slices.Delete(c.draft.Attachments, i, i+1)
	c.retryID = ""
}

// Attach validates files and queues the valid ones for upload, one at a
// time. It returns the rejected files; they are also kept in FileErrors.
func (c *Composer) Attach(files ...File) []FileError {
	if c.closed {
		return nil
	}
	if !c.uploading {
		c.fileErrs = nil
		c.progress = Progress{}
	}
	var rejected []FileError
	for _, f := range files {
		if _, err := c.limits.Check(f); err != nil {
			rejected = append(rejected, FileError{Name: f.Name, Err: err})
			continue
		}
		c.queue = append(c.queue, f)
		c.progress.Total++
	}
	c.fileErrs = append(c.fileErrs, rejected...)
	if !c.uploading {
		c.uploadNext()
	}
	return rejected
}

func (c *Composer) uploadNext() {
	if c.closed || len(c.queue) == 0 {
		c.uploading = false
		return
	}
	c.uploading = true
	f := c.queue[0]
	c.queue = c.queue[1:]

	c.pending++
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		att, err := c.up.Upload(c.ctx, f.Name, bytes.NewReader(f.Content))
		c.post(func() {
			c.pending--
			c.finishUpload(f, att, err)
		})
	}()
}

func (c *Composer) finishUpload(f File, att chat.Attachment, err error) {
	if c.closed {
		return
	}
	c.progress.Done++
	if err != nil {
		c.log.Warn("upload failed", zap.String("file", f.Name), zap.Error(err))
		c.fileErrs = append(c.fileErrs, FileError{Name: f.Name, Err: err})
	} else {
		c.draft.Attachments = append(c.draft.Attachments, att)
		c.retryID = ""
	}
	c.uploadNext()
}

// Send posts the draft. The message shows up in the store at once as
// pending and is confirmed or dropped when the server answers.
func (c *Composer) Send() error {
	switch {
	case c.closed:
		return ErrClosed
	case c.uploading:
		return ErrUploadInFlight
	case c.sending:
		return ErrSendInFlight
	case c.draft.Empty():
		return ErrEmptyDraft
	}

	clientID := c.retryID
	if clientID == "" {
		clientID = c.newID()
	}
	sent := c.Draft()
	c.typing.Stop()

	c.store.AddPending(chat.Message{
		ClientID:       clientID,
		ConversationID: c.conv,
		SenderID:       c.me.UserID,
		SenderUsername: c.me.Username,
		Body:           sent.Text,
		Attachments:    sent.Attachments,
		SentAt:         c.clock.Now(),
	})

	req := chat.SendRequest{
		ConversationID: c.conv,
		ClientID:       clientID,
		Content:        sent.Text,
	}
	if len(sent.Attachments) > 0 {
		req.Attachments = sent.Attachments
	}

	c.sending = true
	c.sendErr = nil
	c.pending++
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		m, err := c.sender.Send(c.ctx, req)
		c.post(func() {
			c.pending--
			c.finishSend(clientID, sent, m, err)
		})
	}()
	return nil
}

// Retry resends the draft of the last failed send with the same client id.
func (c *Composer) Retry() error {
	if c.sendErr == nil || c.retryID == "" {
		return ErrNothingToRetry
	}
	return c.Send()
}

func (c *Composer) finishSend(clientID string, sent Draft, m chat.Message, err error) {
	if err != nil {
		c.store.DropPending(c.conv, clientID)
	} else {
		c.store.ConfirmPending(c.conv, clientID, m)
	}
	if c.closed {
		return
	}
	c.sending = false

	if err != nil {
		c.log.Warn("send failed", zap.String("client_id", clientID), zap.Error(err))
		c.sendErr = err
		if c.draft.equal(sent) {
			c.retryID = clientID
		}
		return
	}
	c.retryID = ""
	if c.draft.equal(sent) {
		c.draft = Draft{}
	}
}

// Close stops typing and discards the draft. Uploads and sends still in
// flight finish quietly.
func (c *Composer) Close() {
	if c.closed {
		return
	}
	c.typing.Stop()
	c.closed = true
	c.queue = nil
	c.draft = Draft{}
}

// Wait blocks until request goroutines have posted their results. It may
// only be called once the loop that drains post has stopped, since the
// loop starts new requests.
func (c *Composer) Wait() { c.wg.Wait() }
