package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/shelly-fleet-go/pkg/utils"
)

// backgroundRunTimeout bounds detached discovery runs.
const backgroundRunTimeout = 10 * time.Minute

type discoveryRequest struct {
	Subnets []string `json:"subnets"`
	Async   bool     `json:"async"`
}

// RunDiscovery sweeps for devices. Synchronous by default so the
// caller gets the summary; async detaches the run and reports through
// the websocket event stream instead.
func (h *Handlers) RunDiscovery(c *gin.Context) {
	var req discoveryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.SendError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	if req.Async {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), backgroundRunTimeout)
			defer cancel()
			if _, err := h.discovery.Run(ctx, req.Subnets); err != nil {
				h.log.WithError(err).Warn("Background discovery run failed")
			}
		}()
		utils.SendSuccess(c, gin.H{"started": true})
		return
	}

	summary, err := h.discovery.Run(c.Request.Context(), req.Subnets)
	if err != nil {
		utils.SendOpError(c, err)
		return
	}
	utils.SendSuccess(c, summary)
}

// DiscoveryStatus reports whether a run is in flight and the default
// sweep targets.
func (h *Handlers) DiscoveryStatus(c *gin.Context) {
	utils.SendSuccess(c, gin.H{
		"running": h.discovery.Running(),
		"subnets": h.discovery.Subnets(),
	})
}
