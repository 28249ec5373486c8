package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/shelly-fleet-go/internal/capabilities"
	"github.com/frostdev-ops/shelly-fleet-go/internal/groups"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	"github.com/frostdev-ops/shelly-fleet-go/pkg/utils"
)

type parameterInfo struct {
	Name string `json:"name"`
	capabilities.MappingEntry
	LegacyName string `json:"legacy_name,omitempty"`
}

// ListParameters returns the canonical parameter table. With
// ?generation= only the parameters reachable on that generation are
// returned.
func (h *Handlers) ListParameters(c *gin.Context) {
	table := h.catalogue.Mappings()
	gen := model.Generation(c.Query("generation"))
	if gen != "" && !gen.Valid() {
		utils.SendError(c, http.StatusBadRequest, "unknown generation "+string(gen))
		return
	}

	var list []parameterInfo
	for _, name := range table.Names() {
		if gen != "" && !table.SupportsGeneration(name, gen) {
			continue
		}
		entry, ok := table.Lookup(name)
		if !ok {
			continue
		}
		list = append(list, parameterInfo{Name: name, MappingEntry: entry, LegacyName: table.LegacyFor(name)})
	}
	utils.SendSuccessWithMeta(c, list, gin.H{"count": len(list)})
}

// GetParameterInfo returns one canonical parameter with the catalogued
// device types that expose it.
func (h *Handlers) GetParameterInfo(c *gin.Context) {
	name := c.Param("name")
	table := h.catalogue.Mappings()
	canonical := table.Canonical(name)
	entry, ok := table.Lookup(canonical)
	if !ok {
		utils.SendError(c, http.StatusNotFound, "unknown parameter "+name)
		return
	}
	info := parameterInfo{Name: canonical, MappingEntry: entry, LegacyName: table.LegacyFor(canonical)}
	utils.SendSuccessWithMeta(c, info, gin.H{"device_types": h.catalogue.DevicesSupporting(canonical)})
}

type verbInfo struct {
	Verb        string `json:"verb"`
	Description string `json:"description,omitempty"`
	Destructive bool   `json:"destructive"`
	Gen1        bool   `json:"gen1"`
	Gen2        bool   `json:"gen2"`
}

// ListOperationVerbs returns the verb table the engine dispatches from.
func (h *Handlers) ListOperationVerbs(c *gin.Context) {
	destructive := make(map[string]struct{})
	for _, v := range groups.DefaultDestructiveVerbs() {
		destructive[v] = struct{}{}
	}

	recipes := h.engine.Recipes()
	verbs := recipes.Verbs()
	list := make([]verbInfo, 0, len(verbs))
	for _, verb := range verbs {
		recipe, ok := recipes.Lookup(verb)
		if !ok {
			continue
		}
		_, gated := destructive[verb]
		list = append(list, verbInfo{
			Verb:        verb,
			Description: recipe.Description,
			Destructive: gated,
			Gen1:        recipe.Gen1 != nil,
			Gen2:        recipe.Gen2 != nil,
		})
	}
	utils.SendSuccessWithMeta(c, list, gin.H{"count": len(list)})
}
