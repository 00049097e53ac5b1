package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/suPer8Hu/healthchat/internal/ai"
	"github.com/suPer8Hu/healthchat/internal/chat"
	"github.com/suPer8Hu/healthchat/internal/common"
	"github.com/suPer8Hu/healthchat/internal/config"
	"github.com/suPer8Hu/healthchat/internal/httpapi/middleware"
)

// JobPublisher enqueues a stored turn job for the worker.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	DB        *gorm.DB
	Cfg       config.Config
	ChatSvc   *chat.Service
	Publisher JobPublisher
}

func NewHandler(db *gorm.DB, cfg config.Config, svc *chat.Service, pub JobPublisher) *Handler {
	return &Handler{DB: db, Cfg: cfg, ChatSvc: svc, Publisher: pub}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}

// failFromErr maps service errors to the envelope. Unknown errors are
// logged and reported as internal.
func failFromErr(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		common.Fail(c, http.StatusNotFound, 40400, "not found")
	case errors.Is(err, chat.ErrEmptyMessage):
		common.Fail(c, http.StatusBadRequest, 10002, "message required")
	case errors.Is(err, chat.ErrTurnInProgress):
		common.Fail(c, http.StatusConflict, 40900, err.Error())
	case errors.Is(err, ai.ErrUnknownProvider):
		common.Fail(c, http.StatusBadRequest, 10005, err.Error())
	case errors.Is(err, ai.ErrNotConfigured):
		common.Fail(c, http.StatusInternalServerError, 50003, ai.ErrNotConfigured.Error())
	default:
		log.WithError(err).WithFields(log.Fields{
			"op":         op,
			"request_id": c.GetString(middleware.RequestIDKey),
		}).Error("request failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
