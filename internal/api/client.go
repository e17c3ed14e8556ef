// Package api is the REST collaborator of the chat client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/ageniuscoder/mmchat/chatsync/internal/chat"
)

// ErrInvalidRequest wraps validation failures caught before any request is
// made.
var ErrInvalidRequest = errors.New("api: invalid request")

var validate = validator.New()

// Error is a failed call. Status is 0 when the request never got a response.
type Error struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %d %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.Status, http.StatusText(e.Status))
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transport failure, a 429 or a 5xx.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type errorBody struct {
	Error json.RawMessage `json:"error"`
}

func (b *errorBody) message() string {
	if b == nil || len(b.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Error, &s); err == nil {
		return s
	}
	return string(b.Error)
}

type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Logger  *zap.Logger
	// HTTPClient overrides the underlying client, mainly for tests.
	HTTPClient *http.Client
}

type Client struct {
	http *resty.Client
	log  *zap.Logger
}

func New(opts Options) *Client {
	var rc *resty.Client
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	} else {
		rc = resty.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	rc.SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")
	if opts.Token != "" {
		rc.SetAuthToken(opts.Token)
	}
	return &Client{http: rc, log: log.Named("api")}
}

func (c *Client) do(ctx context.Context, op, method, path string, prepare func(*resty.Request)) (*resty.Response, error) {
	req := c.http.R().SetContext(ctx).SetError(&errorBody{})
	if prepare != nil {
		prepare(req)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		c.log.Debug("request failed", zap.String("op", op), zap.Error(err))
		return nil, &Error{Op: op, Err: err}
	}
	if resp.IsError() {
		body, _ := resp.Error().(*errorBody)
		e := &Error{Op: op, Status: resp.StatusCode(), Message: body.message()}
		c.log.Debug("request rejected", zap.String("op", op), zap.Int("status", e.Status), zap.String("message", e.Message))
		return nil, e
	}
	return resp, nil
}

// Conversations lists the caller's conversations with their unread counts.
func (c *Client) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	var out struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	_, err := c.do(ctx, "list conversations", http.MethodGet, "/conversations", func(r *resty.Request) {
		r.SetResult(&out)
	})
	if err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// History fetches one page of a conversation, newest first.
func (c *Client) History(ctx context.Context, conversationID int64, page chat.Page) ([]chat.Message, error) {
	if page.Size <= 0 {
		return nil, fmt.Errorf("%w: page size must be positive", ErrInvalidRequest)
	}
	var out struct {
		Messages []chat.Message `json:"messages"`
	}
	_, err := c.do(ctx, "fetch history", http.MethodGet, "/conversations/{id}/messages", func(r *resty.Request) {
		r.SetPathParam("id", strconv.FormatInt(conversationID, 10)).
			SetQueryParam("limit", strconv.Itoa(page.Size)).
			SetQueryParam("offset", strconv.Itoa(page.Offset())).
			SetResult(&out)
	})
	if err != nil {
		return nil, err
	}
	for i := range out.Messages {
		out.Messages[i].ConversationID = conversationID
	}
	return out.Messages, nil
}

// Send posts a message and returns the server copy.
func (c *Client) Send(ctx context.Context, req chat.SendRequest) (chat.Message, error) {
	if err := validate.Struct(req); err != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var out struct {
		Message chat.Message `json:"message"`
	}
	_, err := c.do(ctx, "send message", http.MethodPost, "/messages", func(r *resty.Request) {
		r.SetBody(req).SetResult(&out)
	})
	if err != nil {
		return chat.Message{}, err
	}
	return out.Message, nil
}

// MarkRead records that the caller has read the conversation up to now.
func (c *Client) MarkRead(ctx context.Context, conversationID int64) error {
	_, err := c.do(ctx, "mark read", http.MethodPost, "/conversations/{id}/read", func(r *resty.Request) {
		r.SetPathParam("id", strconv.FormatInt(conversationID, 10))
	})
	return err
}

// Upload sends one file as multipart form field "file".
func (c *Client) Upload(ctx context.Context, fileName string, body io.Reader) (chat.Attachment, error) {
	if fileName == "" {
		return chat.Attachment{}, fmt.Errorf("%w: file name is required", ErrInvalidRequest)
	}
	var out struct {
		Attachment chat.Attachment `json:"attachment"`
	}
	_, err := c.do(ctx, "upload "+fileName, http.MethodPost, "/attachments", func(r *resty.Request) {
		r.SetFileReader("file", fileName, body).SetResult(&out)
	})
	if err != nil {
		return chat.Attachment{}, err
	}
	if err := validate.Struct(out.Attachment); err != nil {
		return chat.Attachment{}, &Error{Op: "upload " + fileName, Status: http.StatusOK, Message: "bad attachment descriptor", Err: err}
	}
	return out.Attachment, nil
}

// OpenPrivate finds or creates the one-to-one conversation with otherUserID.
func (c *Client) OpenPrivate(ctx context.Context, otherUserID int64) (int64, error) {
	var out struct {
		ConversationID int64 `json:"conversation_id"`
	}
	_, err := c.do(ctx, "open private conversation", http.MethodPost, "/conversations/private", func(r *resty.Request) {
		r.SetBody(map[string]int64{"other_user_id": otherUserID}).SetResult(&out)
	})
	if err != nil {
		return 0, err
	}
	return out.ConversationID, nil
}
