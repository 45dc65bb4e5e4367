package http

import (
	"github.com/gin-gonic/gin"
	"github.com/mozilla/scrumbugz/internal/config"
	"github.com/rs/zerolog"
)

func NewRouter(cfg config.Config, log zerolog.Logger, svc any) *gin.Engine {
	if cfg.AppEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		c.Next()
		log.Info().Str("m", c.Request.Method).Str("p", c.FullPath()).Int("s", c.Writer.Status()).Msg("http")
	})

	h := NewHandlers(cfg, log, svc)

	r.GET("/healthz", h.Healthz)
	r.GET("/admin/last-run", h.LastRun)
	r.POST("/admin/sync", h.SyncNow)
	r.POST("/admin/sync-products", h.SyncProductsNow)
	r.POST("/webhook/bugmail/:secret", h.BugmailWebhook)

	r.GET("/teams/:team/sprints/:sprint", h.SprintStats)
	r.GET("/teams/:team/sprints/:sprint/burndown", h.SprintBurndown)
	r.POST("/teams/:team/sprints", h.CreateSprint)
	r.POST("/teams/:team/sprints/:sprint/refresh", h.RefreshSprint)
	r.PUT("/sprints/:id/bugs", h.SetSprintBugs)
	r.PUT("/sprints/:id/notes", h.UpdateSprintNotes)
	r.GET("/projects/:project/backlog", h.ProjectBacklog)
	r.GET("/bugs", h.SearchBugs)
	r.GET("/products/:product/components", h.ProductComponents)

	return r
}
