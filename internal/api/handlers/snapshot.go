package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/shelly-fleet-go/internal/snapshot"
	"github.com/frostdev-ops/shelly-fleet-go/pkg/utils"
)

// requireSnapshots guards the snapshot endpoints.
func (h *Handlers) requireSnapshots(c *gin.Context) bool {
	if h.snapshots == nil {
		utils.SendError(c, http.StatusServiceUnavailable, "snapshots are not enabled")
		return false
	}
	return true
}

// ExportSnapshot streams a tar.gz archive of the fleet state.
func (h *Handlers) ExportSnapshot(c *gin.Context) {
	if !h.requireSnapshots(c) {
		return
	}

	filename := "fleet-snapshot-" + time.Now().UTC().Format("20060102-150405") + ".tar.gz"
	c.Header("Content-Type", "application/gzip")
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)

	// Headers are already on the wire once the archive starts, so a
	// mid-stream failure can only be logged and the connection cut.
	if _, err := h.snapshots.Export(c.Writer); err != nil {
		h.log.WithError(err).Error("Snapshot export failed")
		c.Abort()
	}
}

// ImportSnapshot restores fleet state from an uploaded archive and
// reloads the in-memory stores. Query parameters: ?overwrite=true
// replaces existing files, ?only=config,data restricts the trees.
func (h *Handlers) ImportSnapshot(c *gin.Context) {
	if !h.requireSnapshots(c) {
		return
	}

	opts := snapshot.ImportOptions{Overwrite: c.Query("overwrite") == "true"}
	if only := c.Query("only"); only != "" {
		opts.Only = strings.Split(only, ",")
	}

	report, err := h.snapshots.Import(c.Request.Body, opts)
	if err != nil {
		utils.SendOpError(c, err)
		return
	}

	// The files changed underneath the running stores; reload so the
	// API serves the imported state immediately.
	if err := h.registry.Load(); err != nil {
		h.log.WithError(err).Error("Failed to reload registry after import")
	}
	if err := h.groups.Load(); err != nil {
		h.log.WithError(err).Error("Failed to reload groups after import")
	}
	if err := h.catalogue.Reload(); err != nil {
		h.log.WithError(err).Error("Failed to reload capability catalogue after import")
	}

	utils.SendSuccess(c, report)
}
