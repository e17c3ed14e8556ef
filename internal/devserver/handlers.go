package devserver

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ageniuscoder/mmchat/chatsync/internal/auth"
	"github.com/ageniuscoder/mmchat/chatsync/internal/chat"
	"github.com/ageniuscoder/mmchat/chatsync/internal/httpx"
	"github.com/ageniuscoder/mmchat/chatsync/internal/storage/sqlite"
	"github.com/ageniuscoder/mmchat/chatsync/internal/utils"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxUploadBytes  = 10 << 20
)

var validate = validator.New()

type Service struct {
	db         *sqlite.Sqlite
	hub        *Hub
	secret     string
	tokenTTL   time.Duration
	publicBase string
	log        *zap.Logger
}

type tokenReq struct {
	Username string `json:"username" validate:"required,alphanum,min=2,max=32"`
}

type privateReq struct {
	OtherUserID int64 `json:"other_user_id" validate:"required,gt=0"`
}

type groupReq struct {
	Name      string  `json:"name" validate:"required,max=80"`
	MemberIDs []int64 `json:"member_ids" validate:"dive,gt=0"`
}

type pageReq struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

func (s *Service) register(api *gin.RouterGroup) {
	api.POST("/dev/token", s.issueToken)

	rg := api.Group("", auth.JWTMiddleware(s.secret))
	rg.GET("/conversations", s.listMine)
	rg.POST("/conversations/private", s.createOrGetPrivate)
	rg.POST("/conversations/group", s.createGroup)
	rg.GET("/conversations/:id/messages", s.list)
	rg.POST("/conversations/:id/read", s.markRead)
	rg.POST("/messages", s.send)
	rg.POST("/attachments", s.upload)
	rg.GET("/ws", s.serveWS)
}

// bind decodes and validates the JSON body, writing the error response
// itself when it fails.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return false
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			httpx.Err(c, http.StatusBadRequest, utils.ValidationErr(verrs))
			return false
		}
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func conversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Err(c, http.StatusBadRequest, "invalid conversation id")
		return 0, false
	}
	return id, true
}

// issueToken signs a token for username, creating the user on first use.
func (s *Service) issueToken(c *gin.Context) {
	var req tokenReq
	if !bind(c, &req) {
		return
	}
	uid, err := s.db.EnsureUser(c, req.Username)
	if err != nil {
		s.log.Error("ensure user failed", zap.Error(err))
		httpx.Err(c, http.StatusInternalServerError, "db error")
		return
	}
	tok, err := auth.NewToken(s.secret, uid, req.Username, s.tokenTTL)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "token error")
		return
	}
	httpx.OK(c, gin.H{"token": tok, "user_id": uid, "username": req.Username})
}

func (s *Service) listMine(c *gin.Context) {
	uid := auth.MustUserID(c)
	list, err := s.db.ListConversations(c, uid)
	if err != nil {
		s.log.Error("list conversations failed", zap.Int64("user_id", uid), zap.Error(err))
		httpx.Err(c, http.StatusInternalServerError, "failed to fetch conversations")
		return
	}
	if list == nil {
		list = []chat.Conversation{}
	}
	httpx.OK(c, gin.H{"conversations": list})
}

func (s *Service) createOrGetPrivate(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req privateReq
	if !bind(c, &req) {
		return
	}

	id, created, err := s.db.CreatePrivate(c, uid, req.OtherUserID)
	switch {
	case errors.Is(err, sqlite.ErrNotFound), errors.Is(err, sqlite.ErrNotParticipant):
		httpx.Err(c, http.StatusBadRequest, "invalid user id")
		return
	case err != nil:
		s.log.Error("create private failed", zap.Error(err))
		httpx.Err(c, http.StatusInternalServerError, "create conversation failed")
		return
	}
	if created {
		s.hub.BroadcastConversationUpdate(c, id, "new_conversation")
	}
	httpx.OK(c, gin.H{"conversation_id": id, "is_group": false})
}

func (s *Service) createGroup(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req groupReq
	if !bind(c, &req) {
		return
	}

	id, err := s.db.CreateGroup(c, uid, req.Name, req.MemberIDs)
	if errors.Is(err, sqlite.ErrNotFound) {
		httpx.Err(c, http.StatusBadRequest, "invalid member id")
		return
	}
	if err != nil {
		s.log.Error("create group failed", zap.Error(err))
		httpx.Err(c, http.StatusInternalServerError, "create group failed")
		return
	}
	s.hub.BroadcastConversationUpdate(c, id, "new_conversation")
	httpx.OK(c, gin.H{"conversation_id": id, "is_group": true})
}

// authorize writes 403 unless the caller belongs to cid.
func (s *Service) authorize(c *gin.Context, cid int64) bool {
	ok, err := s.db.IsParticipant(c, cid, auth.MustUserID(c))
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "db error")
		return false
	}
	if !ok {
		httpx.Err(c, http.StatusForbidden, "not a participant")
		return false
	}
	return true
}

func (s *Service) list(c *gin.Context) {
	cid, ok := conversationID(c)
	if !ok || !s.authorize(c, cid) {
		return
	}
	var q pageReq
	if err := c.ShouldBindQuery(&q); err != nil {
		httpx.Err(c, http.StatusBadRequest, "invalid paging")
		return
	}
	if q.Limit <= 0 {
		q.Limit = defaultPageSize
	}
	q.Limit = min(q.Limit, maxPageSize)
	q.Offset = max(q.Offset, 0)

	list, err := s.db.ListMessages(c, cid, q.Limit, q.Offset)
	if err != nil {
		s.log.Error("list messages failed", zap.Int64("conversation_id", cid), zap.Error(err))
		httpx.Err(c, http.StatusInternalServerError, "db error")
		return
	}
	httpx.OK(c, gin.H{"messages": list})
}

func (s *Service) send(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req chat.SendRequest
	if !bind(c, &req) {
		return
	}

	m, created, err := s.db.InsertMessage(c, chat.Message{
		ClientID:       req.ClientID,
		ConversationID: req.ConversationID,
		SenderID:       uid,
		Body:           req.Content,
		Attachments:    req.Attachments,
		SentAt:         time.Now(),
	})
	if errors.Is(err, sqlite.ErrNotParticipant) {
		httpx.Err(c, http.StatusForbidden, "not a participant")
		return
	}
	if err != nil {
		s.log.Error("insert message failed", zap.Error(err))
		httpx.Err(c, http.StatusInternalServerError, "insert failed")
		return
	}

	// a retried client id was already fanned out
	if created {
		s.hub.BroadcastMessage(c, m)
	}
	httpx.OK(c, gin.H{"message": m})
}

func (s *Service) markRead(c *gin.Context) {
	uid := auth.MustUserID(c)
	cid, ok := conversationID(c)
	if !ok {
		return
	}
	last, err := s.db.MarkRead(c, cid, uid)
	if errors.Is(err, sqlite.ErrNotParticipant) {
		httpx.Err(c, http.StatusForbidden, "not a participant")
		return
	}
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "db error")
		return
	}
	if last > 0 {
		s.hub.BroadcastReadReceipt(c, cid, last, uid)
	}
	httpx.OK(c, gin.H{"last_read_message_id": last})
}

// upload accepts one multipart file and returns where it would be
// served. The bytes are not kept.
func (s *Service) upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "file is required")
		return
	}
	if fh.Size == 0 || fh.Size > maxUploadBytes {
		httpx.Err(c, http.StatusBadRequest, "file size out of range")
		return
	}
	f, err := fh.Open()
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "unreadable file")
		return
	}
	defer f.Close()

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, "unreadable file")
		return
	}
	_, _ = io.Copy(io.Discard, f)

	name := filepath.Base(fh.Filename)
	att := chat.Attachment{
		URL:      strings.TrimRight(s.publicBase, "/") + "/files/" + uuid.NewString() + strings.ToLower(filepath.Ext(name)),
		FileName: name,
		FileType: mt.String(),
		FileSize: fh.Size,
	}
	httpx.OK(c, gin.H{"attachment": att})
}
