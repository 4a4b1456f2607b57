package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Router struct {
	Engine *gin.Engine
}

func NewRouter(h *Handler, jwtSecret string) *Router {
	r := gin.Default()
	r.Use(TraceMiddleware())

	// Public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.GET("/channel", h.ChannelStatus)

		auth.POST("/watch/:account", h.EnsureWatch)
		auth.GET("/watch/:account", h.WatchState)
		auth.DELETE("/watch/:account", h.StopWatch)

		auth.GET("/counters", h.GetCounters)
		auth.GET("/counters/*folder", h.GetCounter)

		auth.GET("/sync/:account", h.GetSyncProgress)

		auth.POST("/drafts/autosave", h.AutosaveDraft)
		auth.DELETE("/drafts/:key", h.DiscardDraft)

		auth.POST("/mutations", h.ApplyMutations)

		auth.POST("/logout", h.Logout)
	}

	return &Router{Engine: r}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}
