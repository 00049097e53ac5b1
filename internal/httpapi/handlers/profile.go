package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/healthchat/internal/common"
	"github.com/suPer8Hu/healthchat/internal/models"
)

type profileReq struct {
	Name        string              `json:"name"`
	Age         int                 `json:"age"`
	Sex         models.Sex          `json:"sex"`
	Medications []models.Medication `json:"medications"`
	Conditions  []string            `json:"conditions"`
	Allergies   []string            `json:"allergies"`
}

func (h *Handler) GetProfile(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	p, err := h.ChatSvc.GetProfile(c.Request.Context(), uid)
	if err != nil {
		failFromErr(c, "get profile", err)
		return
	}
	common.OK(c, gin.H{"profile": p})
}

func (h *Handler) SaveProfile(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	var req profileReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Age < 0 || req.Age > 150 {
		common.Fail(c, http.StatusBadRequest, 10006, "invalid age")
		return
	}
	switch req.Sex {
	case "", models.SexMale, models.SexFemale, models.SexOther:
	default:
		common.Fail(c, http.StatusBadRequest, 10007, "invalid sex")
		return
	}

	p := &models.Profile{
		UserID:      uid,
		Name:        strings.TrimSpace(req.Name),
		Age:         req.Age,
		Sex:         req.Sex,
		Medications: req.Medications,
		Conditions:  req.Conditions,
		Allergies:   req.Allergies,
	}
	if err := h.ChatSvc.SaveProfile(c.Request.Context(), p); err != nil {
		failFromErr(c, "save profile", err)
		return
	}
	common.OK(c, gin.H{"profile": p})
}

func (h *Handler) ListInsights(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	insights, err := h.ChatSvc.ListInsights(c.Request.Context(), uid)
	if err != nil {
		failFromErr(c, "list insights", err)
		return
	}
	if insights == nil {
		insights = []models.Insight{}
	}
	common.OK(c, gin.H{"insights": insights})
}
