package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/shelly-fleet-go/internal/database"
	"github.com/frostdev-ops/shelly-fleet-go/pkg/utils"
)

// ListOperationHistory returns recorded device operations, newest
// first. Filters: ?device=, ?action=, ?since= (RFC3339 timestamp or a
// duration like 24h), ?limit=.
func (h *Handlers) ListOperationHistory(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}

	filter := database.HistoryFilter{
		DeviceID: c.Query("device"),
		Action:   c.Query("action"),
	}
	if since := c.Query("since"); since != "" {
		ts, err := parseSince(since)
		if err != nil {
			utils.SendError(c, http.StatusBadRequest, "invalid since value: "+err.Error())
			return
		}
		filter.Since = ts
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			utils.SendError(c, http.StatusBadRequest, "invalid limit value "+limit)
			return
		}
		filter.Limit = n
	}

	rows, err := h.history.ListOperations(c.Request.Context(), filter)
	if err != nil {
		utils.SendOpError(c, err)
		return
	}
	utils.SendSuccessWithMeta(c, rows, gin.H{"count": len(rows)})
}

// ListGroupRuns returns recorded group runs, newest first.
func (h *Handlers) ListGroupRuns(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			utils.SendError(c, http.StatusBadRequest, "invalid limit value "+raw)
			return
		}
		limit = n
	}

	rows, err := h.history.ListGroupRuns(c.Request.Context(), limit)
	if err != nil {
		utils.SendOpError(c, err)
		return
	}
	utils.SendSuccessWithMeta(c, rows, gin.H{"count": len(rows)})
}

// GetGroupRun returns one group run with its per-device operations.
func (h *Handlers) GetGroupRun(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}

	runID := c.Param("run_id")
	run, operations, err := h.history.GetGroupRun(c.Request.Context(), runID)
	if err != nil {
		utils.SendOpError(c, err)
		return
	}
	if run == nil {
		utils.SendError(c, http.StatusNotFound, "unknown group run "+runID)
		return
	}
	utils.SendSuccessWithMeta(c, run, gin.H{"operations": operations})
}

type purgeRequest struct {
	Retention string `json:"retention" binding:"required"`
}

// PurgeHistory deletes records older than the given retention window.
func (h *Handlers) PurgeHistory(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}

	var req purgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	retention, err := time.ParseDuration(req.Retention)
	if err != nil || retention <= 0 {
		utils.SendError(c, http.StatusBadRequest, "invalid retention "+req.Retention)
		return
	}

	deleted, err := h.history.Purge(c.Request.Context(), retention)
	if err != nil {
		utils.SendOpError(c, err)
		return
	}
	utils.SendSuccess(c, gin.H{"deleted": deleted, "retention": retention.String()})
}

// parseSince accepts an absolute RFC3339 timestamp or a relative
// duration counted back from now.
func parseSince(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return time.Time{}, err
	}
	return time.Now().UTC().Add(-d), nil
}
