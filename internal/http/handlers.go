package http

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mozilla/scrumbugz/internal/adapters/bugmail"
	"github.com/mozilla/scrumbugz/internal/config"
	"github.com/mozilla/scrumbugz/internal/domain"
	"github.com/mozilla/scrumbugz/internal/repo"
	"github.com/mozilla/scrumbugz/internal/sync"
	"github.com/rs/zerolog"
)

type service interface {
	SprintStats(ctx context.Context, teamSlug, sprintSlug string) (*sync.SprintReport, error)
	ProjectBacklog(ctx context.Context, projectSlug string) (*sync.BacklogReport, error)
	SearchBugs(ctx context.Context, f repo.BugFilter) ([]*domain.Bug, error)
	ProductComponents(ctx context.Context, product string) ([]string, error)
	SetSprintBugs(ctx context.Context, sprintID int64, ids []int64) error
	CreateSprintForTeam(ctx context.Context, teamSlug string, sp *domain.Sprint) error
	UpdateSprintNotes(ctx context.Context, sprintID int64, notes string) error
	ProcessBugmailMessage(ctx context.Context, m *bugmail.Message) error
	RefreshSprintStats(ctx context.Context, sprintID int64) error
	SyncBacklogs(ctx context.Context) (int, error)
	SyncProducts(ctx context.Context) error
	LastRun(ctx context.Context) (*repo.LastRun, error)
}

type Handlers struct {
	cfg config.Config
	log zerolog.Logger
	svc service
}

func NewHandlers(cfg config.Config, log zerolog.Logger, svc any) *Handlers {
	return &Handlers{cfg: cfg, log: log, svc: svc.(service)}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) LastRun(c *gin.Context) {
	lr, err := h.svc.LastRun(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, lr)
}

// SyncNow kicks a full backlog resync detached from the request so a
// slow tracker can't hold the connection open.
func (h *Handlers) SyncNow(c *gin.Context) {
	go func() {
		if _, err := h.svc.SyncBacklogs(context.Background()); err != nil {
			h.log.Error().Err(err).Msg("manual backlog sync failed")
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *Handlers) SyncProductsNow(c *gin.Context) {
	go func() {
		if err := h.svc.SyncProducts(context.Background()); err != nil {
			h.log.Error().Err(err).Msg("manual product sync failed")
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// BugmailWebhook accepts one raw bugmail message per request. The path
// secret gates it; Bugzilla's outbound mail relay is configured to POST
// here instead of (or in addition to) the POP3 mailbox.
func (h *Handlers) BugmailWebhook(c *gin.Context) {
	if c.Param("secret") != h.cfg.WebhookSecret || h.cfg.WebhookSecret == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	m, err := bugmail.Parse(raw)
	if err != nil {
		// not our mail; ack so the relay doesn't retry
		h.log.Debug().Err(err).Msg("webhook: ignored message")
		c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true})
		return
	}
	if err := h.svc.ProcessBugmailMessage(c.Request.Context(), m); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "bug": m.BugID})
}

func (h *Handlers) SprintStats(c *gin.Context) {
	report, err := h.svc.SprintStats(c.Request.Context(), c.Param("team"), c.Param("sprint"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "sprint not found"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handlers) SprintBurndown(c *gin.Context) {
	report, err := h.svc.SprintStats(c.Request.Context(), c.Param("team"), c.Param("sprint"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "sprint not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sprint": report.Sprint.Slug, "burndown": report.Burndown})
}

func (h *Handlers) RefreshSprint(c *gin.Context) {
	report, err := h.svc.SprintStats(c.Request.Context(), c.Param("team"), c.Param("sprint"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "sprint not found"})
		return
	}
	if err := h.svc.RefreshSprintStats(c.Request.Context(), report.Sprint.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// SearchBugs exposes the local mirror search. scrum_only=1 narrows to
// bugs whose whiteboard carries scrum tags.
func (h *Handlers) SearchBugs(c *gin.Context) {
	f := repo.BugFilter{
		Product:   c.Query("product"),
		Component: c.Query("component"),
		ScrumOnly: c.Query("scrum_only") == "1" || c.Query("scrum_only") == "true",
		Backlog:   c.Query("backlog") == "1" || c.Query("backlog") == "true",
	}
	if v := c.Query("status"); v != "" {
		f.Statuses = strings.Split(v, ",")
	}
	if v := c.Query("sprint_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad sprint_id"})
			return
		}
		f.SprintID = &id
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad limit"})
			return
		}
		f.Limit = n
	}
	bugs, err := h.svc.SearchBugs(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(bugs), "bugs": bugs})
}

// ProductComponents serves the mirrored tracker catalog, used by admin
// UIs to offer valid product/component pairs.
func (h *Handlers) ProductComponents(c *gin.Context) {
	components, err := h.svc.ProductComponents(c.Request.Context(), c.Param("product"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(components) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "product not in catalog"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": c.Param("product"), "components": components})
}

func (h *Handlers) ProjectBacklog(c *gin.Context) {
	report, err := h.svc.ProjectBacklog(c.Request.Context(), c.Param("project"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found or has no backlog"})
		return
	}
	c.JSON(http.StatusOK, report)
}

type createSprintReq struct {
	Name      string `json:"name" binding:"required"`
	Slug      string `json:"slug" binding:"required"`
	StartDate string `json:"start_date" binding:"required"`
	EndDate   string `json:"end_date" binding:"required"`
	Notes     string `json:"notes"`
}

func (h *Handlers) CreateSprint(c *gin.Context) {
	var req createSprintReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad start_date"})
		return
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad end_date"})
		return
	}
	if end.Before(start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end_date before start_date"})
		return
	}
	sp := &domain.Sprint{
		Name:      req.Name,
		Slug:      req.Slug,
		StartDate: start,
		EndDate:   end,
		Notes:     req.Notes,
	}
	if err := h.svc.CreateSprintForTeam(c.Request.Context(), c.Param("team"), sp); err != nil {
		if err == sync.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "team not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": sp.ID, "slug": sp.Slug})
}

func (h *Handlers) SetSprintBugs(c *gin.Context) {
	sprintID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad sprint id"})
		return
	}
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.SetSprintBugs(c.Request.Context(), sprintID, req.IDs); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) UpdateSprintNotes(c *gin.Context) {
	sprintID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad sprint id"})
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.UpdateSprintNotes(c.Request.Context(), sprintID, req.Notes); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
