package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"alphachat/internal/app"
	"alphachat/internal/transport/http/response"
)

type ChatHandler struct {
	chatService *app.ChatService
	logger      *slog.Logger
}

type CreateSessionRequest struct {
	Title string `json:"title" binding:"max=128"`
}

type SendMessageRequest struct {
	SessionID string `json:"session_id" binding:"max=64"`
	Message   string `json:"message" binding:"required,max=8000"`
	Mode      string `json:"mode" binding:"max=16"`
}

func NewChatHandler(chatService *app.ChatService, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{chatService: chatService, logger: logger}
}

func (h *ChatHandler) CreateSession(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	session, err := h.chatService.CreateSession(c.Request.Context(), userID, req.Title)
	if err != nil {
		writeError(c, err, "create session failed")
		return
	}

	response.OK(c, session)
}

func (h *ChatHandler) ListSessions(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	sessions, err := h.chatService.ListSessions(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err, "list sessions failed")
		return
	}

	response.OK(c, sessions)
}

func (h *ChatHandler) GetSession(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	session, err := h.chatService.GetSession(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err, "get session failed")
		return
	}

	response.OK(c, session)
}

func (h *ChatHandler) DeleteSession(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	sessionID := c.Param("id")
	deleted, err := h.chatService.DeleteSession(c.Request.Context(), userID, sessionID)
	if err != nil {
		writeError(c, err, "delete session failed")
		return
	}

	response.OK(c, gin.H{"deleted_session_id": sessionID, "deleted": deleted})
}

// StreamMessage answers with an SSE stream once every pre-stream check passed. Failures before
// that point are ordinary JSON errors.
func (h *ChatHandler) StreamMessage(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	ctx := c.Request.Context()
	exchange, err := h.chatService.Begin(ctx, app.ChatInput{
		UserID:    userID,
		ClientKey: c.ClientIP(),
		SessionID: req.SessionID,
		Content:   req.Message,
		Mode:      req.Mode,
	})
	if err != nil {
		writeError(c, err, "send message failed")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		exchange.Abort()
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "stream not supported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Session-ID", exchange.SessionID())
	c.Status(http.StatusOK)

	if err := writeEvent(c.Writer, "session", gin.H{
		"session_id":  exchange.SessionID(),
		"title":       exchange.SessionTitle(),
		"new_session": exchange.IsNewSession(),
	}); err != nil {
		exchange.Abort()
		return
	}
	flusher.Flush()

	result, err := exchange.Stream(ctx, func(chunk string) error {
		if err := writeSSE(c.Writer, "", chunk); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			h.logger.Debug("client left before stream ended", slog.String("session_id", exchange.SessionID()))
			return
		}
		e := classify(err, "stream failed")
		if writeErr := writeEvent(c.Writer, "error", gin.H{"code": e.code, "message": e.message}); writeErr == nil {
			flusher.Flush()
		}
		return
	}

	if err := writeEvent(c.Writer, "done", gin.H{"session_id": result.SessionID, "title": result.Title}); err == nil {
		flusher.Flush()
	}
}

func writeEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return writeSSE(w, event, string(data))
}

// writeSSE frames data as one event, one data line per input line.
func writeSSE(w io.Writer, event, data string) error {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteByte('\n')
	}
	data = strings.ReplaceAll(data, "\r\n", "\n")
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}
