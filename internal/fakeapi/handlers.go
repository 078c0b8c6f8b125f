package fakeapi

import (
	"bufio"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/4xmen/goftegu/internal/models"
	"github.com/4xmen/goftegu/internal/ws"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	user, err := s.store.Authenticate(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	token, err := s.issuer.GenerateToken(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, loginResponse{Token: token, User: user})
}

func (s *Server) listConversations(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Conversations(c.GetString("user_id")))
}

type createConversationRequest struct {
	OtherUserID string `json:"otherUserId" binding:"required"`
}

func (s *Server) createConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	conv, created, err := s.store.GetOrCreateConversation(c.GetString("user_id"), req.OtherUserID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if created {
		c.JSON(http.StatusCreated, conv)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) listMessages(c *gin.Context) {
	msgs, err := s.store.Messages(c.GetString("user_id"), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message content is required"})
		return
	}

	msg, recipients, err := s.store.AddMessage(c.GetString("user_id"), c.Param("id"), req.Content, nil)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	s.hub.Publish(ws.Event{Type: ws.EventMessage, ConversationID: msg.ConversationID, Message: &msg}, recipients...)
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) sendAttachments(c *gin.Context) {
	userID := c.GetString("user_id")
	conversationID := c.Param("id")
	if _, err := s.store.Conversation(userID, conversationID); err != nil {
		writeStoreError(c, err)
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart body"})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "files are required"})
		return
	}

	attachments := make([]models.Attachment, 0, len(files))
	for _, fh := range files {
		if fh.Size > s.maxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large: " + fh.Filename})
			return
		}
		mimeType, err := detectMimeType(fh)
		if err != nil {
			s.logger.Warn("failed to read upload", zap.String("file", fh.Filename), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read file: " + fh.Filename})
			return
		}
		attachments = append(attachments, models.Attachment{
			URL:          "/api/files/" + uuid.NewString() + "/" + url.PathEscape(fh.Filename),
			OriginalName: fh.Filename,
			MimeType:     mimeType,
			Size:         fh.Size,
		})
	}

	msg, recipients, err := s.store.AddMessage(userID, conversationID, "", attachments)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	s.hub.Publish(ws.Event{Type: ws.EventMessage, ConversationID: msg.ConversationID, Message: &msg}, recipients...)
	c.JSON(http.StatusCreated, msg)
}

// detectMimeType trusts the part header unless it is missing or generic.
func detectMimeType(fh *multipart.FileHeader) (string, error) {
	declared := fh.Header.Get("Content-Type")
	if declared != "" && declared != "application/octet-stream" {
		return declared, nil
	}
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	mt, err := mimetype.DetectReader(bufio.NewReader(io.LimitReader(f, 3072)))
	if err != nil {
		return "", err
	}
	return mt.String(), nil
}

func (s *Server) markRead(c *gin.Context) {
	userID := c.GetString("user_id")
	conversationID := c.Param("id")
	recipients, err := s.store.MarkRead(userID, conversationID)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	s.hub.Publish(ws.Event{Type: ws.EventConversationRead, ConversationID: conversationID, UserID: userID}, recipients...)
	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

func (s *Server) recommendedUsers(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Recommended(c.GetString("user_id")))
}

func (s *Server) searchUsers(c *gin.Context) {
	query := c.Query("query")
	if strings.TrimSpace(query) == "" {
		c.JSON(http.StatusOK, s.store.Recommended(c.GetString("user_id")))
		return
	}
	c.JSON(http.StatusOK, s.store.Search(c.GetString("user_id"), query))
}

func (s *Server) following(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"followingUserIds": s.store.Following(c.GetString("user_id"))})
}

func (s *Server) follow(c *gin.Context) {
	if err := s.store.Follow(c.GetString("user_id"), c.Param("id")); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "following"})
}

func (s *Server) unfollow(c *gin.Context) {
	if err := s.store.Unfollow(c.GetString("user_id"), c.Param("id")); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unfollowed"})
}

func writeStoreError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotFollowing):
		status = http.StatusForbidden
	case errors.Is(err, ErrInvalid):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
