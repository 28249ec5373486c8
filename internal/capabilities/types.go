// Package capabilities maintains the per-model capability catalogue: which
// APIs a device type exposes, which logical parameters it supports, and how
// each parameter maps onto the Gen1 REST or Gen2+ RPC surface. Definitions
// are cached on disk as YAML and rebuildable by probing a live device; the
// device itself stays the source of truth.
package capabilities

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
)

// ParameterType classifies a parameter value as observed on the wire.
type ParameterType string

const (
	TypeBoolean ParameterType = "boolean"
	TypeInteger ParameterType = "integer"
	TypeFloat   ParameterType = "float"
	TypeString  ParameterType = "string"
	TypeEnum    ParameterType = "enum"
	TypeObject  ParameterType = "object"
	TypeArray   ParameterType = "array"
	TypeNull    ParameterType = "null"
)

// CapabilityDefinition describes everything the fleet knows about one
// device type. TypeMappings lists synonymous SKU strings served by the
// same definition.
type CapabilityDefinition struct {
	DeviceType   string                         `yaml:"device_type" json:"device_type"`
	Name         string                         `yaml:"name" json:"name"`
	Generation   model.Generation               `yaml:"generation" json:"generation"`
	Generated    bool                           `yaml:"generated,omitempty" json:"generated,omitempty"`
	GeneratedAt  time.Time                      `yaml:"generated_at,omitempty" json:"generated_at,omitempty"`
	TypeMappings []string                       `yaml:"type_mappings,omitempty" json:"type_mappings,omitempty"`
	APIs         map[string]APIDefinition       `yaml:"apis" json:"apis"`
	Parameters   map[string]ParameterDescriptor `yaml:"parameters" json:"parameters"`
}

// APIDefinition records one observed device API together with the shape of
// its response. ResponseStructure maps field names to type names, nesting
// for objects and using a single-element list for array elements.
type APIDefinition struct {
	Description       string      `yaml:"description,omitempty" json:"description,omitempty"`
	ResponseStructure interface{} `yaml:"response_structure,omitempty" json:"response_structure,omitempty"`
}

// ParameterDescriptor tells the engine how to reach one logical parameter.
// API names the carrying endpoint (Gen1 REST sub-path) or RPC setter
// (Gen2+); ParameterPath is a dotted path with optional bracket indices
// into that API's payload. Component is the Gen2 nesting hint relative to
// the setter's config object ("device", "switch:0").
type ParameterDescriptor struct {
	Type            ParameterType `yaml:"type" json:"type"`
	Description     string        `yaml:"description,omitempty" json:"description,omitempty"`
	ReadOnly        bool          `yaml:"read_only,omitempty" json:"read_only,omitempty"`
	API             string        `yaml:"api" json:"api"`
	ParameterPath   string        `yaml:"parameter_path" json:"parameter_path"`
	Component       string        `yaml:"component,omitempty" json:"component,omitempty"`
	Min             *float64      `yaml:"min,omitempty" json:"min,omitempty"`
	Max             *float64      `yaml:"max,omitempty" json:"max,omitempty"`
	EnumValues      []string      `yaml:"enum_values,omitempty" json:"enum_values,omitempty"`
	Unit            string        `yaml:"unit,omitempty" json:"unit,omitempty"`
	Default         interface{}   `yaml:"default,omitempty" json:"default,omitempty"`
	RequiresRestart bool          `yaml:"requires_restart,omitempty" json:"requires_restart,omitempty"`
}

// Nullable reports whether a null write is acceptable for the parameter.
func (d ParameterDescriptor) Nullable() bool {
	return d.Type == TypeNull
}

// ParameterNames returns the definition's logical names in sorted order.
func (c *CapabilityDefinition) ParameterNames() []string {
	names := make([]string, 0, len(c.Parameters))
	for name := range c.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WritableParameters returns the sorted names of parameters that accept
// writes.
func (c *CapabilityDefinition) WritableParameters() []string {
	names := make([]string, 0, len(c.Parameters))
	for name, desc := range c.Parameters {
		if !desc.ReadOnly {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy so callers can mutate without holding the
// catalogue lock.
func (c *CapabilityDefinition) Clone() *CapabilityDefinition {
	clone := *c
	clone.TypeMappings = append([]string(nil), c.TypeMappings...)
	clone.APIs = make(map[string]APIDefinition, len(c.APIs))
	for name, api := range c.APIs {
		clone.APIs[name] = api
	}
	clone.Parameters = make(map[string]ParameterDescriptor, len(c.Parameters))
	for name, desc := range c.Parameters {
		clone.Parameters[name] = desc
	}
	return &clone
}

// ComponentIndex splits an indexed component key ("switch:0") into its base
// name and numeric id. Non-indexed components return ok=false.
func ComponentIndex(component string) (base string, id int, ok bool) {
	idx := strings.LastIndex(component, ":")
	if idx < 0 {
		return component, 0, false
	}
	n, err := strconv.Atoi(component[idx+1:])
	if err != nil {
		return component, 0, false
	}
	return component[:idx], n, true
}
