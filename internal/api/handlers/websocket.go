package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/shelly-fleet-go/internal/websocket"
	"github.com/frostdev-ops/shelly-fleet-go/pkg/utils"
)

// WebSocket upgrades the connection and attaches it to the event hub.
func (h *Handlers) WebSocket(c *gin.Context) {
	if h.hub == nil {
		utils.SendError(c, http.StatusServiceUnavailable, "websocket events are not enabled")
		return
	}
	websocket.HandleWebSocketGin(h.hub)(c)
}

// GetWebSocketStats returns hub connection counters.
func (h *Handlers) GetWebSocketStats(c *gin.Context) {
	if h.hub == nil {
		utils.SendError(c, http.StatusServiceUnavailable, "websocket events are not enabled")
		return
	}
	utils.SendSuccess(c, h.hub.GetStats())
}
