package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"tidemark/internal/backfill"
	"tidemark/internal/service"
	"tidemark/internal/store/alertstore"
	"tidemark/internal/store/jobstore"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ActiveSymbolSink lets the UI report which symbols are in view so the
// alert engine can prioritize them.
type ActiveSymbolSink interface {
	SetActiveSymbols(symbols []string)
}

type Handlers struct {
	Reader     *service.Reader
	Alerts     *alertstore.Store
	Jobs       *jobstore.Store
	Backfiller service.Backfiller
	Active     ActiveSymbolSink
}

func (h *Handlers) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/candles", h.handleCandles)
	group.POST("/backfill", h.handleBackfillRequest)
	group.GET("/backfill/jobs", h.handleListJobs)
	group.GET("/alerts", h.handleListAlerts)
	group.POST("/alerts", h.handleCreateAlert)
	group.PATCH("/alerts/:id", h.handleUpdateAlert)
	group.DELETE("/alerts/:id", h.handleDeleteAlert)
	group.GET("/triggers", h.handleListTriggers)
	group.PUT("/view", h.handleSetView)
}

func (h *Handlers) handleCandles(c *gin.Context) {
	symbol := strings.TrimSpace(c.Query("symbol"))
	interval := strings.TrimSpace(c.Query("interval"))
	from, err1 := strconv.ParseInt(c.Query("from"), 10, 64)
	to, err2 := strconv.ParseInt(c.Query("to"), 10, 64)
	if symbol == "" || interval == "" || err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol, interval, from, to are required"})
		return
	}
	localOnly := c.Query("local_only") == "true"
	resp, err := h.Reader.Request(c.Request.Context(), symbol, interval, from, to, localOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

type backfillRequest struct {
	Symbol   string `json:"symbol" binding:"required"`
	Interval string `json:"interval" binding:"required"`
	From     int64  `json:"from" binding:"required"`
	To       int64  `json:"to" binding:"required"`
}

// handleBackfillRequest schedules a backfill and returns immediately
// with the job handle; progress is visible via /backfill/jobs.
func (h *Handlers) handleBackfillRequest(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.To <= req.From {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty window"})
		return
	}
	go func() {
		_, _ = h.Backfiller.Request(context.Background(), backfill.Spec{
			Symbol:   req.Symbol,
			Interval: req.Interval,
			From:     req.From,
			To:       req.To,
		})
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

func (h *Handlers) handleListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	jobs, err := h.Jobs.ListJobs(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *Handlers) handleListAlerts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	alerts, err := h.Alerts.ListAll(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (h *Handlers) handleCreateAlert(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	alert, err := ParseAlertPayload(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := h.Alerts.CreateAlert(c.Request.Context(), alert)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handlers) handleUpdateAlert(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}
	existing, found, err := h.Alerts.GetAlert(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	patched, err := ApplyAlertPatch(existing, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Alerts.UpdateAlert(c.Request.Context(), patched); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, patched)
}

func (h *Handlers) handleDeleteAlert(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}
	if err := h.Alerts.DeleteAlert(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handlers) handleListTriggers(c *gin.Context) {
	alertID, _ := strconv.ParseInt(c.Query("alert_id"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	triggers, err := h.Alerts.ListTriggers(c.Request.Context(), alertID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"triggers": triggers})
}

type viewRequest struct {
	Symbols []string `json:"symbols"`
}

func (h *Handlers) handleSetView(c *gin.Context) {
	var req viewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.Active != nil {
		h.Active.SetActiveSymbols(req.Symbols)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
