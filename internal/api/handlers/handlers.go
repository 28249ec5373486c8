// Package handlers implements the HTTP surface of the fleet manager.
// Handlers translate between the JSON API and the domain services; all
// device I/O, group fan-out, and persistence live behind them.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/shelly-fleet-go/internal/capabilities"
	"github.com/frostdev-ops/shelly-fleet-go/internal/config"
	"github.com/frostdev-ops/shelly-fleet-go/internal/database"
	"github.com/frostdev-ops/shelly-fleet-go/internal/discovery"
	"github.com/frostdev-ops/shelly-fleet-go/internal/engine"
	"github.com/frostdev-ops/shelly-fleet-go/internal/groups"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	"github.com/frostdev-ops/shelly-fleet-go/internal/registry"
	"github.com/frostdev-ops/shelly-fleet-go/internal/snapshot"
	"github.com/frostdev-ops/shelly-fleet-go/internal/websocket"
	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
	"github.com/frostdev-ops/shelly-fleet-go/pkg/utils"
)

// Dependencies carries the services the handlers operate on. History,
// Snapshots, and Hub may be nil; the endpoints that need them report
// 503 instead.
type Dependencies struct {
	Registry  *registry.Registry
	Groups    *groups.Manager
	Executor  *groups.Executor
	Engine    *engine.Engine
	Catalogue *capabilities.Catalogue
	Discovery *discovery.Service
	History   *database.HistoryStore
	Snapshots *snapshot.Manager
	Hub       *websocket.Hub
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	cfg       *config.Config
	log       *logrus.Logger
	registry  *registry.Registry
	groups    *groups.Manager
	executor  *groups.Executor
	engine    *engine.Engine
	catalogue *capabilities.Catalogue
	discovery *discovery.Service
	history   *database.HistoryStore
	snapshots *snapshot.Manager
	hub       *websocket.Hub
	startedAt time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(cfg *config.Config, deps Dependencies, logger *logrus.Logger) *Handlers {
	return &Handlers{
		cfg:       cfg,
		log:       logger,
		registry:  deps.Registry,
		groups:    deps.Groups,
		executor:  deps.Executor,
		engine:    deps.Engine,
		catalogue: deps.Catalogue,
		discovery: deps.Discovery,
		history:   deps.History,
		snapshots: deps.Snapshots,
		hub:       deps.Hub,
		startedAt: time.Now(),
	}
}

// device fetches the device addressed by the :id route parameter.
// Unknown MACs render the 404 and return ok=false.
func (h *Handlers) device(c *gin.Context) (*model.Device, bool) {
	id := c.Param("id")
	device, ok := h.registry.Get(id)
	if !ok {
		utils.SendOpError(c, operrors.New(operrors.KindUnknownDevice, "unknown device %q", id))
		return nil, false
	}
	return device, true
}

// publish forwards an event when the hub is wired.
func (h *Handlers) publish(msg websocket.Message) {
	if h.hub != nil {
		h.hub.Publish(msg)
	}
}

// recordOperation persists a single-device result when history is
// wired. The operation already ran, so a client disconnect must not
// lose the record; the insert does not use the request context.
func (h *Handlers) recordOperation(action string, result *model.OperationResult) {
	if h.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.history.RecordOperation(ctx, action, result); err != nil {
		h.log.WithError(err).Warn("Failed to record operation history")
	}
}

// sendOperationResult records, publishes, and renders a per-device
// result. The HTTP status tracks the operation outcome so scripts can
// test success without parsing the body; the result rides along either
// way.
func (h *Handlers) sendOperationResult(c *gin.Context, action string, result *model.OperationResult) {
	h.recordOperation(action, result)
	h.publish(websocket.OperationCompletedMessage(action, result))

	if result.Success {
		utils.SendSuccess(c, result)
		return
	}
	c.JSON(operrors.StatusFor(result.ErrorKind), utils.Response{
		Success:   false,
		Data:      result,
		Error:     result.ErrorMessage,
		ErrorKind: string(result.ErrorKind),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// sendGroupResult renders a fleet call outcome. Per-device failures do
// not fail the call; only contract violations reached this as err.
func (h *Handlers) sendGroupResult(c *gin.Context, result *model.GroupResult, err error) {
	if err != nil {
		utils.SendOpError(c, err)
		return
	}
	utils.SendSuccess(c, result)
}

// requireHistory guards endpoints that need the history store.
func (h *Handlers) requireHistory(c *gin.Context) bool {
	if h.history == nil {
		utils.SendError(c, http.StatusServiceUnavailable, "operation history is not enabled")
		return false
	}
	return true
}
