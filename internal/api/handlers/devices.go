package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/shelly-fleet-go/internal/engine"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	"github.com/frostdev-ops/shelly-fleet-go/internal/websocket"
	"github.com/frostdev-ops/shelly-fleet-go/pkg/utils"
)

// ListDevices returns the registry, optionally narrowed by generation
// or device type.
func (h *Handlers) ListDevices(c *gin.Context) {
	devices := h.registry.List()

	gen := model.Generation(c.Query("generation"))
	deviceType := c.Query("type")
	if gen != "" || deviceType != "" {
		filtered := devices[:0]
		for _, d := range devices {
			if gen != "" && d.Generation != gen {
				continue
			}
			if deviceType != "" && d.DeviceType != deviceType {
				continue
			}
			filtered = append(filtered, d)
		}
		devices = filtered
	}

	utils.SendSuccessWithMeta(c, devices, gin.H{"count": len(devices)})
}

// GetDevice returns one device with its group memberships.
func (h *Handlers) GetDevice(c *gin.Context) {
	device, ok := h.device(c)
	if !ok {
		return
	}
	utils.SendSuccessWithMeta(c, device, gin.H{"groups": h.groups.GroupsFor(device.ID)})
}

// DeleteDevice removes a device from the registry. Group memberships
// stay; groups tolerate members the registry no longer knows.
func (h *Handlers) DeleteDevice(c *gin.Context) {
	device, ok := h.device(c)
	if !ok {
		return
	}
	if err := h.registry.Delete(device.ID); err != nil {
		utils.SendOpError(c, err)
		return
	}
	h.publish(websocket.DeviceRemovedMessage(device.ID))
	utils.SendSuccess(c, gin.H{"deleted": device.ID})
}

// RefreshDevice re-identifies a device at its recorded address and
// reconciles the answer into the registry.
func (h *Handlers) RefreshDevice(c *gin.Context) {
	device, ok := h.device(c)
	if !ok {
		return
	}
	updated, err := h.discovery.Refresh(c.Request.Context(), device.ID)
	if err != nil {
		utils.SendOpError(c, err)
		return
	}
	h.publish(websocket.DeviceUpdatedMessage(updated))
	utils.SendSuccess(c, updated)
}

// GetDeviceSupported lists the logical parameters and operation verbs
// available on one device.
func (h *Handlers) GetDeviceSupported(c *gin.Context) {
	device, ok := h.device(c)
	if !ok {
		return
	}
	utils.SendSuccess(c, h.engine.Supported(device))
}

// GetDeviceParameter reads one logical parameter from the device.
func (h *Handlers) GetDeviceParameter(c *gin.Context) {
	device, ok := h.device(c)
	if !ok {
		return
	}
	value, err := h.engine.Get(c.Request.Context(), device, c.Param("name"))
	if err != nil {
		utils.SendOpError(c, err)
		return
	}
	utils.SendSuccess(c, value)
}

type setParameterRequest struct {
	Value          interface{} `json:"value"`
	RebootIfNeeded bool        `json:"reboot_if_needed"`
}

// SetDeviceParameter writes one logical parameter on the device.
func (h *Handlers) SetDeviceParameter(c *gin.Context) {
	device, ok := h.device(c)
	if !ok {
		return
	}
	var req setParameterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	name := c.Param("name")
	result := h.engine.Set(c.Request.Context(), device, name, req.Value,
		engine.SetOptions{RebootIfNeeded: req.RebootIfNeeded})
	h.sendOperationResult(c, "set "+name, result)
}

type operateRequest struct {
	Verb string      `json:"verb" binding:"required"`
	Args engine.Args `json:"args"`
}

// OperateDevice runs a control verb against one device. Single-device
// calls never need confirmation; the interlock guards the implicit
// all-devices group only.
func (h *Handlers) OperateDevice(c *gin.Context) {
	device, ok := h.device(c)
	if !ok {
		return
	}
	var req operateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	result := h.engine.Operate(c.Request.Context(), device, req.Verb, req.Args)
	h.sendOperationResult(c, req.Verb, result)
}

type applyRequest struct {
	Parameters     map[string]interface{} `json:"parameters" binding:"required"`
	RebootIfNeeded bool                   `json:"reboot_if_needed"`
}

// ApplyDeviceParameters writes a set of logical parameters on one
// device under a single lock, with at most one coordinated reboot.
func (h *Handlers) ApplyDeviceParameters(c *gin.Context) {
	device, ok := h.device(c)
	if !ok {
		return
	}
	var req applyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	result := h.engine.Apply(c.Request.Context(), device, req.Parameters,
		engine.SetOptions{RebootIfNeeded: req.RebootIfNeeded})
	h.sendOperationResult(c, "apply", result)
}
