package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/suPer8Hu/healthchat/internal/ai"
	"github.com/suPer8Hu/healthchat/internal/common"
	"github.com/suPer8Hu/healthchat/internal/models"
)

type streamReq struct {
	Session  *models.Session  `json:"session"`
	Profile  *models.Profile  `json:"profile"`
	Insights []models.Insight `json:"insights"`
}

// ChatStream is the stateless completion endpoint: the caller supplies
// session, profile and insights and receives raw model text as
// data: {"text"} lines closed by {"done":true} or {"error"}. Nothing is
// stored.
func (h *Handler) ChatStream(c *gin.Context) {
	if _, ok := userIDFromContext(c); !ok {
		return
	}
	var req streamReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ctx := c.Request.Context()
	chunks, errs, err := h.ChatSvc.OpenStream(ctx, req.Session, req.Profile, req.Insights)
	if err != nil {
		if errors.Is(err, ai.ErrNotConfigured) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": ai.ErrNotConfigured.Error()})
			return
		}
		failFromErr(c, "open stream", err)
		return
	}

	sse := newSSE(c)
	for {
		select {
		case text, ok := <-chunks:
			if !ok {
				if err := <-errs; err != nil {
					sse.writeJSON("", gin.H{"error": err.Error()})
					return
				}
				sse.writeJSON("", gin.H{"done": true})
				return
			}
			sse.writeJSON("", gin.H{"text": text})
		case <-ctx.Done():
			return
		}
	}
}
