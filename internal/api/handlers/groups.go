package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/shelly-fleet-go/internal/engine"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	"github.com/frostdev-ops/shelly-fleet-go/pkg/utils"
)

// ListGroups returns every defined group.
func (h *Handlers) ListGroups(c *gin.Context) {
	list := h.groups.List()
	utils.SendSuccessWithMeta(c, list, gin.H{"count": len(list)})
}

// CreateGroup persists a new group definition.
func (h *Handlers) CreateGroup(c *gin.Context) {
	var group model.Group
	if err := c.ShouldBindJSON(&group); err != nil {
		utils.SendError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	created, err := h.groups.Create(&group)
	if err != nil {
		utils.SendOpError(c, err)
		return
	}
	utils.SendSuccess(c, created)
}

// GetGroup returns one group. With ?expand=devices the response meta
// carries the resolved member records and the MACs the registry does
// not know.
func (h *Handlers) GetGroup(c *gin.Context) {
	name := c.Param("name")
	group, ok := h.groups.Get(name)
	if !ok {
		utils.SendError(c, http.StatusNotFound, "group "+name+" is not defined")
		return
	}

	if c.Query("expand") == "devices" {
		resolved := make([]*model.Device, 0, len(group.DeviceIDs))
		var missing []string
		for _, id := range group.DeviceIDs {
			if device, known := h.registry.Get(id); known {
				resolved = append(resolved, device)
			} else {
				missing = append(missing, id)
			}
		}
		utils.SendSuccessWithMeta(c, group, gin.H{"devices": resolved, "missing": missing})
		return
	}
	utils.SendSuccessWithMeta(c, group, gin.H{"member_count": len(group.DeviceIDs)})
}

type updateGroupRequest struct {
	Name        *string                 `json:"name"`
	Description *string                 `json:"description"`
	DeviceIDs   *[]string               `json:"device_ids"`
	Tags        *[]string               `json:"tags"`
	Config      *map[string]interface{} `json:"config"`
}

// UpdateGroup applies a partial update; only the fields present in the
// body change. Renaming moves the backing file.
func (h *Handlers) UpdateGroup(c *gin.Context) {
	var req updateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	updated, err := h.groups.Update(c.Param("name"), func(g *model.Group) error {
		if req.Name != nil {
			g.Name = *req.Name
		}
		if req.Description != nil {
			g.Description = *req.Description
		}
		if req.DeviceIDs != nil {
			g.DeviceIDs = *req.DeviceIDs
		}
		if req.Tags != nil {
			g.Tags = *req.Tags
		}
		if req.Config != nil {
			g.Config = *req.Config
		}
		return nil
	})
	if err != nil {
		utils.SendOpError(c, err)
		return
	}
	utils.SendSuccess(c, updated)
}

// DeleteGroup removes a group definition and its file.
func (h *Handlers) DeleteGroup(c *gin.Context) {
	name := c.Param("name")
	if err := h.groups.Delete(name); err != nil {
		utils.SendOpError(c, err)
		return
	}
	utils.SendSuccess(c, gin.H{"deleted": name})
}

type memberRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
}

// AddGroupDevice appends a registry device to the group.
func (h *Handlers) AddGroupDevice(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	updated, err := h.groups.AddDevice(c.Param("name"), req.DeviceID)
	if err != nil {
		utils.SendOpError(c, err)
		return
	}
	utils.SendSuccess(c, updated)
}

// RemoveGroupDevice drops a member from the group.
func (h *Handlers) RemoveGroupDevice(c *gin.Context) {
	updated, err := h.groups.RemoveDevice(c.Param("name"), c.Param("device_id"))
	if err != nil {
		utils.SendOpError(c, err)
		return
	}
	utils.SendSuccess(c, updated)
}

type groupOperateRequest struct {
	Verb    string      `json:"verb" binding:"required"`
	Args    engine.Args `json:"args"`
	Confirm bool        `json:"confirm"`
}

// OperateGroup runs a control verb across every member. Destructive
// verbs against all-devices require confirm=true.
func (h *Handlers) OperateGroup(c *gin.Context) {
	var req groupOperateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	result, err := h.executor.Operate(c.Request.Context(), c.Param("name"), req.Verb, req.Args, req.Confirm)
	h.sendGroupResult(c, result, err)
}

// GetGroupParameter reads one logical parameter from every member.
func (h *Handlers) GetGroupParameter(c *gin.Context) {
	result, err := h.executor.GetParameter(c.Request.Context(), c.Param("name"), c.Param("pname"))
	h.sendGroupResult(c, result, err)
}

type groupSetRequest struct {
	Value          interface{} `json:"value"`
	RebootIfNeeded bool        `json:"reboot_if_needed"`
	Confirm        bool        `json:"confirm"`
}

// SetGroupParameter writes one logical parameter on every member.
func (h *Handlers) SetGroupParameter(c *gin.Context) {
	var req groupSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	result, err := h.executor.SetParameter(c.Request.Context(), c.Param("name"), c.Param("pname"),
		req.Value, engine.SetOptions{RebootIfNeeded: req.RebootIfNeeded}, req.Confirm)
	h.sendGroupResult(c, result, err)
}

type groupApplyRequest struct {
	Parameters     map[string]interface{} `json:"parameters" binding:"required"`
	RebootIfNeeded bool                   `json:"reboot_if_needed"`
	Confirm        bool                   `json:"confirm"`
}

// ApplyGroupParameters writes several logical parameters on every
// member, one device lock and at most one reboot per device.
func (h *Handlers) ApplyGroupParameters(c *gin.Context) {
	var req groupApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	result, err := h.executor.ApplyParameters(c.Request.Context(), c.Param("name"), req.Parameters,
		engine.SetOptions{RebootIfNeeded: req.RebootIfNeeded}, req.Confirm)
	h.sendGroupResult(c, result, err)
}
