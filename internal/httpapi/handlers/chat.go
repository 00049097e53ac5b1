package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/suPer8Hu/healthchat/internal/chat"
	"github.com/suPer8Hu/healthchat/internal/common"
	"github.com/suPer8Hu/healthchat/internal/models"
)

const heartbeatInterval = 15 * time.Second

type createSessionReq struct {
	Title        string `json:"title"`
	FirstMessage string `json:"first_message"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), uid, chat.CreateSessionInput{
		Title:        req.Title,
		FirstMessage: req.FirstMessage,
		Provider:     req.Provider,
		Model:        req.Model,
	})
	if err != nil {
		failFromErr(c, "create session", err)
		return
	}
	common.OK(c, gin.H{"session": sess})
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	sessions, err := h.ChatSvc.ListSessions(c.Request.Context(), uid)
	if err != nil {
		failFromErr(c, "list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	common.OK(c, gin.H{"sessions": sessions})
}

func (h *Handler) GetChatSession(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	sess, err := h.ChatSvc.GetSession(c.Request.Context(), uid, c.Param("session_id"))
	if err != nil {
		failFromErr(c, "get session", err)
		return
	}
	common.OK(c, gin.H{"session": sess})
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	if err := h.ChatSvc.DeleteSession(c.Request.Context(), uid, c.Param("session_id")); err != nil {
		failFromErr(c, "delete session", err)
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

type sendMessageReq struct {
	Message         string `json:"message" binding:"required"`
	ClientMessageID string `json:"client_message_id"`
}

// sseWriter frames payloads as server-sent events. gin.ResponseWriter
// always implements http.Flusher.
type sseWriter struct {
	c *gin.Context
}

func newSSE(c *gin.Context) *sseWriter {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)
	return &sseWriter{c: c}
}

func (w *sseWriter) writeJSON(event string, payload any) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // model text carries literal <tags>
	if err := enc.Encode(payload); err != nil {
		// last-resort: send a simple error that won't break SSE framing
		fmt.Fprintf(w.c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
		w.c.Writer.Flush()
		return
	}
	if event != "" {
		fmt.Fprintf(w.c.Writer, "event: %s\n", event)
	}
	fmt.Fprintf(w.c.Writer, "data: %s\n\n", bytes.TrimRight(buf.Bytes(), "\n"))
	w.c.Writer.Flush()
}

// SendChatMessageStream runs one turn and streams its events. Failures
// before the turn starts are plain JSON errors; later ones are an error
// event carrying the stored apology.
func (h *Handler) SendChatMessageStream(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ctx := c.Request.Context()
	userMsg, events, err := h.ChatSvc.SendMessageStream(ctx, uid, c.Param("session_id"), chat.TurnInput{
		Content:         req.Message,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		failFromErr(c, "send message", err)
		return
	}

	sse := newSSE(c)
	sse.writeJSON("user_message", gin.H{"type": "user_message", "message": userMsg})

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case chat.EventText:
				sse.writeJSON("text", gin.H{"type": "text", "delta": ev.Delta})
			case chat.EventReasoning:
				sse.writeJSON("reasoning", gin.H{"type": "reasoning", "content": ev.Reasoning})
			case chat.EventDone:
				sse.writeJSON("done", gin.H{"type": "done", "result": ev.Result})
			case chat.EventError:
				sse.writeJSON("error", gin.H{
					"type":    "error",
					"kind":    ev.Err.Kind,
					"error":   ev.Err.Err.Error(),
					"message": ev.Err.Message,
				})
			}
		case <-ticker.C:
			sse.writeJSON("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	if h.Publisher == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "async turns disabled")
		return
	}

	sessionID := c.Param("session_id")
	job, created, err := h.ChatSvc.QueueTurn(c.Request.Context(), uid, sessionID, chat.TurnInput{
		Content:         req.Message,
		ClientMessageID: req.ClientMessageID,
	}, idempoKey)
	if err != nil {
		failFromErr(c, "queue turn", err)
		return
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Publisher.PublishJob(c.Request.Context(), job.ID); err != nil {
			log.WithError(err).WithFields(log.Fields{"user_id": uid, "session_id": sessionID, "job_id": job.ID}).Error("publish job")
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}
	common.OK(c, gin.H{"job_id": job.ID})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}
	j, err := h.ChatSvc.GetJob(c.Request.Context(), uid, jobID)
	if err != nil {
		failFromErr(c, "get job", err)
		return
	}
	common.OK(c, gin.H{"job": j})
}

type actionItemReq struct {
	Completed *bool `json:"completed"`
}

func (h *Handler) UpdateActionItem(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	var req actionItemReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Completed == nil {
		common.Fail(c, http.StatusBadRequest, 10001, "completed required")
		return
	}
	item, err := h.ChatSvc.SetActionItemCompleted(c.Request.Context(), uid, c.Param("item_id"), *req.Completed)
	if err != nil {
		failFromErr(c, "update action item", err)
		return
	}
	common.OK(c, gin.H{"action_item": item})
}
