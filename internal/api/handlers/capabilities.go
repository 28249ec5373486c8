package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	"github.com/frostdev-ops/shelly-fleet-go/pkg/utils"
)

// ListCapabilities returns the catalogued device types. With ?full=true
// the complete definitions are returned instead of the type names.
func (h *Handlers) ListCapabilities(c *gin.Context) {
	types := h.catalogue.DeviceTypesList()
	if c.Query("full") != "true" {
		utils.SendSuccessWithMeta(c, types, gin.H{"count": len(types)})
		return
	}
	defs := make([]interface{}, 0, len(types))
	for _, deviceType := range types {
		if def, ok := h.catalogue.Get(deviceType); ok {
			defs = append(defs, def)
		}
	}
	utils.SendSuccessWithMeta(c, defs, gin.H{"count": len(defs)})
}

// GetCapability returns the definition for one device type.
func (h *Handlers) GetCapability(c *gin.Context) {
	deviceType := c.Param("type")
	def, ok := h.catalogue.Get(deviceType)
	if !ok {
		utils.SendError(c, http.StatusNotFound, "no capability definition for device type "+deviceType)
		return
	}
	utils.SendSuccess(c, def)
}

// DeleteCapability removes a cached definition. The next refresh or
// probe rebuilds it from the device.
func (h *Handlers) DeleteCapability(c *gin.Context) {
	deviceType := c.Param("type")
	if err := h.catalogue.Delete(deviceType); err != nil {
		utils.SendOpError(c, err)
		return
	}
	utils.SendSuccess(c, gin.H{"deleted": deviceType})
}

// CheckCapabilityParameter reports whether a device type exposes a
// parameter and with which access descriptor.
func (h *Handlers) CheckCapabilityParameter(c *gin.Context) {
	deviceType := c.Param("type")
	name := c.Param("name")
	descriptor, ok := h.catalogue.ParameterDetails(deviceType, name)
	if !ok {
		utils.SendSuccessWithMeta(c, gin.H{"supported": false}, gin.H{"device_type": deviceType, "parameter": name})
		return
	}
	utils.SendSuccessWithMeta(c, gin.H{"supported": true, "descriptor": descriptor},
		gin.H{"device_type": deviceType, "parameter": name})
}

type refreshCapabilitiesRequest struct {
	DeviceIDs []string `json:"device_ids"`
	Force     bool     `json:"force"`
}

// RefreshCapabilities re-probes live devices and updates their cached
// definitions. Without device_ids every registered device is probed;
// force re-probes types that already have a definition.
func (h *Handlers) RefreshCapabilities(c *gin.Context) {
	var req refreshCapabilitiesRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.SendError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	var devices []model.Device
	if len(req.DeviceIDs) == 0 {
		for _, device := range h.registry.List() {
			devices = append(devices, *device)
		}
	} else {
		for _, id := range req.DeviceIDs {
			device, ok := h.registry.Get(id)
			if !ok {
				utils.SendError(c, http.StatusNotFound, "unknown device "+id)
				return
			}
			devices = append(devices, *device)
		}
	}

	report, err := h.catalogue.Refresh(c.Request.Context(), devices, req.Force)
	if err != nil {
		utils.SendOpError(c, err)
		return
	}
	utils.SendSuccess(c, report)
}

type standardizeRequest struct {
	DryRun bool `json:"dry_run"`
}

// StandardizeCapabilities renames legacy parameter keys in the cached
// definitions to their canonical names. With dry_run the planned
// renames are reported without touching the files.
func (h *Handlers) StandardizeCapabilities(c *gin.Context) {
	var req standardizeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.SendError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	report, err := h.catalogue.Standardize(req.DryRun)
	if err != nil {
		utils.SendOpError(c, err)
		return
	}
	utils.SendSuccess(c, report)
}
