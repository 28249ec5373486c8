package capabilities

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
)

// Gen1Access describes how a canonical parameter is reached on a Gen1
// device: the REST endpoint and the legacy query/field name.
type Gen1Access struct {
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	Property        string `yaml:"property" json:"property"`
	RequiresRestart bool   `yaml:"requires_restart,omitempty" json:"requires_restart,omitempty"`
}

// Gen2Access describes how a canonical parameter is reached on Gen2+
// devices: the RPC setter, the nesting component within its config object,
// and the property name.
type Gen2Access struct {
	Method          string `yaml:"method" json:"method"`
	Component       string `yaml:"component,omitempty" json:"component,omitempty"`
	Property        string `yaml:"property" json:"property"`
	RequiresRestart bool   `yaml:"requires_restart,omitempty" json:"requires_restart,omitempty"`
}

// MappingEntry is one canonical parameter in the process-wide mapping
// table, with per-generation access branches. A missing branch means the
// parameter does not exist on that generation.
type MappingEntry struct {
	Type        ParameterType `yaml:"type,omitempty" json:"type,omitempty"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Unit        string        `yaml:"unit,omitempty" json:"unit,omitempty"`
	Gen1        *Gen1Access   `yaml:"gen1,omitempty" json:"gen1,omitempty"`
	Gen2        *Gen2Access   `yaml:"gen2,omitempty" json:"gen2,omitempty"`
}

// mappingFile is the on-disk shape of config/parameter_mappings.yaml.
type mappingFile struct {
	Aliases    map[string]string       `yaml:"aliases"`
	Parameters map[string]MappingEntry `yaml:"parameters"`
}

// MappingTable translates legacy Gen1 field names to canonical logical
// names and carries the generation-specific access for each canonical
// name. The engine consults it before falling back to per-type capability
// definitions, so common parameters work on unknown SKUs of a known
// generation.
type MappingTable struct {
	mu      sync.RWMutex
	aliases map[string]string
	entries map[string]MappingEntry
	logger  *logrus.Logger
}

// DefaultMappings returns the standard table shipped with the fleet
// manager. It covers the parameters shared by effectively every Shelly
// model.
func DefaultMappings() mappingFile {
	return mappingFile{
		Aliases: map[string]string{
			"eco_mode_enabled": "eco_mode",
			"mqtt_enable":      "mqtt.enable",
			"mqtt_server":      "mqtt.server",
		},
		Parameters: map[string]MappingEntry{
			"eco_mode": {
				Type:        TypeBoolean,
				Description: "Reduced power consumption mode",
				Gen1:        &Gen1Access{Endpoint: "settings", Property: "eco_mode_enabled", RequiresRestart: true},
				Gen2:        &Gen2Access{Method: "Sys.SetConfig", Component: "device", Property: "eco_mode"},
			},
			"name": {
				Type:        TypeString,
				Description: "User-assigned device name",
				Gen1:        &Gen1Access{Endpoint: "settings", Property: "name"},
				Gen2:        &Gen2Access{Method: "Sys.SetConfig", Component: "device", Property: "name"},
			},
			"max_power": {
				Type:        TypeFloat,
				Description: "Overpower protection threshold",
				Unit:        "W",
				Gen1:        &Gen1Access{Endpoint: "settings", Property: "max_power"},
				Gen2:        &Gen2Access{Method: "Switch.SetConfig", Component: "switch:0", Property: "power_limit"},
			},
			"led_status_disable": {
				Type:        TypeBoolean,
				Description: "Disable the status LED",
				Gen1:        &Gen1Access{Endpoint: "settings", Property: "led_status_disable"},
			},
			"led_power_disable": {
				Type:        TypeBoolean,
				Description: "Disable the output-state LED",
				Gen1:        &Gen1Access{Endpoint: "settings", Property: "led_power_disable"},
			},
			"mqtt.enable": {
				Type:        TypeBoolean,
				Description: "Enable the MQTT client",
				Gen1:        &Gen1Access{Endpoint: "settings", Property: "mqtt_enable", RequiresRestart: true},
				Gen2:        &Gen2Access{Method: "MQTT.SetConfig", Property: "enable", RequiresRestart: true},
			},
			"mqtt.server": {
				Type:        TypeString,
				Description: "MQTT broker host:port",
				Gen1:        &Gen1Access{Endpoint: "settings", Property: "mqtt_server", RequiresRestart: true},
				Gen2:        &Gen2Access{Method: "MQTT.SetConfig", Property: "server", RequiresRestart: true},
			},
		},
	}
}

// LoadMappings reads the mapping table from path. A missing file is seeded
// with the standard table; a malformed file falls back to the standard
// table in memory without overwriting the user's file.
func LoadMappings(path string, logger *logrus.Logger) *MappingTable {
	table := &MappingTable{logger: logger}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		defaults := DefaultMappings()
		table.install(defaults)
		if writeErr := writeMappingFile(path, defaults); writeErr != nil {
			logger.WithError(writeErr).WithField("path", path).Warn("Failed to seed default parameter mappings file")
		} else {
			logger.WithField("path", path).Info("Created default parameter mappings file")
		}
		return table
	}
	if err != nil {
		logger.WithError(err).WithField("path", path).Warn("Failed to read parameter mappings, using defaults")
		table.install(DefaultMappings())
		return table
	}

	var file mappingFile
	if err := yaml.Unmarshal(data, &file); err != nil || file.Parameters == nil {
		logger.WithError(err).WithField("path", path).Warn("Invalid parameter mappings file, using defaults")
		table.install(DefaultMappings())
		return table
	}
	table.install(file)
	logger.WithFields(logrus.Fields{
		"path":       path,
		"parameters": len(file.Parameters),
		"aliases":    len(file.Aliases),
	}).Debug("Loaded parameter mappings")
	return table
}

func writeMappingFile(path string, file mappingFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(file)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (t *MappingTable) install(file mappingFile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aliases = make(map[string]string, len(file.Aliases))
	for legacy, canonical := range file.Aliases {
		t.aliases[legacy] = canonical
	}
	t.entries = make(map[string]MappingEntry, len(file.Parameters))
	for name, entry := range file.Parameters {
		t.entries[name] = entry
	}
}

// Canonical maps a legacy Gen1 field name to its canonical logical name.
// Names without an alias are returned unchanged.
func (t *MappingTable) Canonical(name string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if canonical, ok := t.aliases[name]; ok {
		return canonical
	}
	return name
}

// LegacyFor returns the Gen1 field name for a canonical logical name, or
// the name itself when no rename applies.
func (t *MappingTable) LegacyFor(canonical string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for legacy, c := range t.aliases {
		if c == canonical {
			return legacy
		}
	}
	return canonical
}

// Lookup returns the mapping entry for a logical name, resolving legacy
// aliases first.
func (t *MappingTable) Lookup(name string) (MappingEntry, bool) {
	canonical := t.Canonical(name)
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[canonical]
	return entry, ok
}

// Descriptor synthesizes an ad-hoc ParameterDescriptor for the given
// generation, or ok=false when the table has no branch for it.
func (t *MappingTable) Descriptor(name string, gen model.Generation) (ParameterDescriptor, bool) {
	entry, ok := t.Lookup(name)
	if !ok {
		return ParameterDescriptor{}, false
	}

	paramType := entry.Type
	if paramType == "" {
		paramType = TypeString
	}

	if gen == model.Gen1 {
		if entry.Gen1 == nil {
			return ParameterDescriptor{}, false
		}
		return ParameterDescriptor{
			Type:            paramType,
			Description:     entry.Description,
			Unit:            entry.Unit,
			API:             entry.Gen1.Endpoint,
			ParameterPath:   entry.Gen1.Property,
			RequiresRestart: entry.Gen1.RequiresRestart,
		}, true
	}
	if gen.IsRPC() {
		if entry.Gen2 == nil {
			return ParameterDescriptor{}, false
		}
		return ParameterDescriptor{
			Type:            paramType,
			Description:     entry.Description,
			Unit:            entry.Unit,
			API:             entry.Gen2.Method,
			ParameterPath:   entry.Gen2.Property,
			Component:       entry.Gen2.Component,
			RequiresRestart: entry.Gen2.RequiresRestart,
		}, true
	}
	return ParameterDescriptor{}, false
}

// Names returns the canonical parameter names in sorted order.
func (t *MappingTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SupportsGeneration reports whether the named parameter has an access
// branch for the given generation.
func (t *MappingTable) SupportsGeneration(name string, gen model.Generation) bool {
	entry, ok := t.Lookup(name)
	if !ok {
		return false
	}
	if gen == model.Gen1 {
		return entry.Gen1 != nil
	}
	return gen.IsRPC() && entry.Gen2 != nil
}

// String implements fmt.Stringer for debug logging.
func (t *MappingTable) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fmt.Sprintf("MappingTable(%d parameters, %d aliases)", len(t.entries), len(t.aliases))
}
