package capabilities

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
)

// DeviceTypeInfo is static knowledge about one SKU: its generation, coarse
// feature flags and default limits. Consulted only for classification
// hints; the capability catalogue carries the authoritative surface.
type DeviceTypeInfo struct {
	Name       string           `yaml:"name" json:"name"`
	Generation model.Generation `yaml:"generation" json:"generation"`
	Features   []string         `yaml:"features,omitempty" json:"features,omitempty"`
	MaxPower   float64          `yaml:"max_power,omitempty" json:"max_power,omitempty"`
	NumOutputs int              `yaml:"num_outputs,omitempty" json:"num_outputs,omitempty"`
}

// deviceTypesFile is the on-disk shape of config/device_types.yaml.
type deviceTypesFile struct {
	DeviceTypes map[string]DeviceTypeInfo `yaml:"device_types"`
}

// DeviceTypes indexes the static SKU table.
type DeviceTypes struct {
	mu    sync.RWMutex
	types map[string]DeviceTypeInfo
}

// DefaultDeviceTypes returns the built-in SKU table.
func DefaultDeviceTypes() map[string]DeviceTypeInfo {
	return map[string]DeviceTypeInfo{
		"SHPLG-S":  {Name: "Shelly Plug S", Generation: model.Gen1, Features: []string{"relay", "meter"}, MaxPower: 2500, NumOutputs: 1},
		"SHPLG-1":  {Name: "Shelly Plug", Generation: model.Gen1, Features: []string{"relay", "meter"}, MaxPower: 3500, NumOutputs: 1},
		"SHSW-1":   {Name: "Shelly 1", Generation: model.Gen1, Features: []string{"relay"}, MaxPower: 3500, NumOutputs: 1},
		"SHSW-PM":  {Name: "Shelly 1PM", Generation: model.Gen1, Features: []string{"relay", "meter"}, MaxPower: 3500, NumOutputs: 1},
		"SHSW-25":  {Name: "Shelly 2.5", Generation: model.Gen1, Features: []string{"relay", "roller", "meter"}, MaxPower: 2300, NumOutputs: 2},
		"SHDM-2":   {Name: "Shelly Dimmer 2", Generation: model.Gen1, Features: []string{"light"}, MaxPower: 220, NumOutputs: 1},
		"SHRGBW2":  {Name: "Shelly RGBW2", Generation: model.Gen1, Features: []string{"light"}, NumOutputs: 4},
		"SHIX3-1":  {Name: "Shelly i3", Generation: model.Gen1, Features: []string{"input"}},
		"SHBDUO-1": {Name: "Shelly Duo", Generation: model.Gen1, Features: []string{"light"}, NumOutputs: 1},
		"SHHT-1":   {Name: "Shelly H&T", Generation: model.Gen1, Features: []string{"sensor"}},

		"Plus1":      {Name: "Shelly Plus 1", Generation: model.Gen2, Features: []string{"relay"}, MaxPower: 3600, NumOutputs: 1},
		"Plus1PM":    {Name: "Shelly Plus 1PM", Generation: model.Gen2, Features: []string{"relay", "meter"}, MaxPower: 3600, NumOutputs: 1},
		"Plus2PM":    {Name: "Shelly Plus 2PM", Generation: model.Gen2, Features: []string{"relay", "roller", "meter"}, MaxPower: 2300, NumOutputs: 2},
		"PlusPlugS":  {Name: "Shelly Plus Plug S", Generation: model.Gen2, Features: []string{"relay", "meter"}, MaxPower: 2500, NumOutputs: 1},
		"PlusI4":     {Name: "Shelly Plus i4", Generation: model.Gen2, Features: []string{"input"}},
		"Pro4PM":     {Name: "Shelly Pro 4PM", Generation: model.Gen2, Features: []string{"relay", "meter"}, MaxPower: 3600, NumOutputs: 4},
		"Mini1PMG3":  {Name: "Shelly 1PM Mini Gen3", Generation: model.Gen3, Features: []string{"relay", "meter"}, MaxPower: 1840, NumOutputs: 1},
		"PlugSG3":    {Name: "Shelly Plug S Gen3", Generation: model.Gen3, Features: []string{"relay", "meter"}, MaxPower: 2500, NumOutputs: 1},
		"Shelly1G4":  {Name: "Shelly 1 Gen4", Generation: model.Gen4, Features: []string{"relay"}, MaxPower: 3600, NumOutputs: 1},
	}
}

// LoadDeviceTypes reads config/device_types.yaml, seeding it with the
// built-in table when absent.
func LoadDeviceTypes(path string, logger *logrus.Logger) *DeviceTypes {
	dt := &DeviceTypes{}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		dt.types = DefaultDeviceTypes()
		file := deviceTypesFile{DeviceTypes: dt.types}
		if out, marshalErr := yaml.Marshal(file); marshalErr == nil {
			if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr == nil {
				if writeErr := os.WriteFile(path, out, 0o644); writeErr != nil {
					logger.WithError(writeErr).WithField("path", path).Warn("Failed to seed device types file")
				}
			}
		}
		return dt
	}
	if err != nil {
		logger.WithError(err).WithField("path", path).Warn("Failed to read device types, using built-in table")
		dt.types = DefaultDeviceTypes()
		return dt
	}

	var file deviceTypesFile
	if err := yaml.Unmarshal(data, &file); err != nil || len(file.DeviceTypes) == 0 {
		logger.WithError(err).WithField("path", path).Warn("Invalid device types file, using built-in table")
		dt.types = DefaultDeviceTypes()
		return dt
	}
	dt.types = file.DeviceTypes
	logger.WithFields(logrus.Fields{"path": path, "count": len(dt.types)}).Debug("Loaded device types")
	return dt
}

// Info returns the static record for a SKU.
func (dt *DeviceTypes) Info(deviceType string) (DeviceTypeInfo, bool) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	info, ok := dt.types[deviceType]
	return info, ok
}

// GenerationOf returns the generation hint for a SKU, or GenUnknown.
func (dt *DeviceTypes) GenerationOf(deviceType string) model.Generation {
	if info, ok := dt.Info(deviceType); ok {
		return info.Generation
	}
	return model.GenUnknown
}

// IsKnownGen1Type reports whether a Gen1 identification "type" field names
// a known Gen1 SKU, directly or by the vendor's SH* prefix convention.
func (dt *DeviceTypes) IsKnownGen1Type(deviceType string) bool {
	if info, ok := dt.Info(deviceType); ok {
		return info.Generation == model.Gen1
	}
	return strings.HasPrefix(deviceType, "SH")
}

// InferGeneration guesses the generation for a Gen2+ model prefix when the
// identification payload carries no explicit gen field.
func InferGeneration(modelID string) model.Generation {
	switch {
	case strings.HasPrefix(modelID, "S3"):
		return model.Gen3
	case strings.HasPrefix(modelID, "S4"):
		return model.Gen4
	case strings.HasPrefix(modelID, "SNSW"),
		strings.HasPrefix(modelID, "SNPL"),
		strings.HasPrefix(modelID, "SNDM"),
		strings.HasPrefix(modelID, "SNSN"),
		strings.HasPrefix(modelID, "SPSW"),
		strings.HasPrefix(modelID, "SPEM"),
		strings.HasPrefix(modelID, "SPPL"),
		strings.HasPrefix(modelID, "SPDM"):
		return model.Gen2
	}
	return model.GenUnknown
}

// BaseSKU returns the representative SKU used when resolving a device
// whose exact type has no capability definition.
func BaseSKU(gen model.Generation) string {
	switch gen {
	case model.Gen1:
		return "SHSW-1"
	case model.Gen2:
		return "Plus1"
	case model.Gen3:
		return "Mini1PMG3"
	case model.Gen4:
		return "Shelly1G4"
	default:
		return ""
	}
}
