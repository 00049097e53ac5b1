package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	promrecorder "github.com/slok/go-http-metrics/metrics/prometheus"
	httpmetrics "github.com/slok/go-http-metrics/middleware"
	ginmetrics "github.com/slok/go-http-metrics/middleware/gin"

	"github.com/suPer8Hu/healthchat/internal/common"
	"github.com/suPer8Hu/healthchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/healthchat/internal/httpapi/middleware"
)

// httpMetrics is shared by every router so repeated construction in tests
// does not register the collectors twice.
var httpMetrics = httpmetrics.New(httpmetrics.Config{
	Recorder: promrecorder.NewRecorder(promrecorder.Config{Prefix: "healthchat"}),
})

func NewRouter(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     h.Cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Idempotency-Key", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/ping", h.Ping)

	// users
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(h.Cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	authGroup.GET("/profile", ginmetrics.Handler("/profile", httpMetrics), h.GetProfile)
	authGroup.PUT("/profile", ginmetrics.Handler("/profile", httpMetrics), h.SaveProfile)
	authGroup.GET("/insights", ginmetrics.Handler("/insights", httpMetrics), h.ListInsights)

	// Chat (JWT required)
	chatGroup := authGroup.Group("/chat")
	chatGroup.GET("/sessions", ginmetrics.Handler("/chat/sessions", httpMetrics), h.ListChatSessions)
	chatGroup.POST("/sessions", ginmetrics.Handler("/chat/sessions", httpMetrics), h.CreateChatSession)
	chatGroup.GET("/sessions/:session_id", ginmetrics.Handler("/chat/sessions/:session_id", httpMetrics), h.GetChatSession)
	chatGroup.DELETE("/sessions/:session_id", ginmetrics.Handler("/chat/sessions/:session_id", httpMetrics), h.DeleteChatSession)
	chatGroup.POST("/sessions/:session_id/messages/stream", ginmetrics.Handler("/chat/sessions/:session_id/messages/stream", httpMetrics), h.SendChatMessageStream)
	chatGroup.POST("/sessions/:session_id/messages/async", ginmetrics.Handler("/chat/sessions/:session_id/messages/async", httpMetrics), h.SendChatMessageAsync)
	chatGroup.GET("/jobs/:job_id", ginmetrics.Handler("/chat/jobs/:job_id", httpMetrics), h.GetChatJob)
	chatGroup.PATCH("/action-items/:item_id", ginmetrics.Handler("/chat/action-items/:item_id", httpMetrics), h.UpdateActionItem)
	chatGroup.POST("/stream", ginmetrics.Handler("/chat/stream", httpMetrics), h.ChatStream)
	return r
}
