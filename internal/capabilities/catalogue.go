package capabilities

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

// Catalogue holds every known capability definition plus the parameter
// mapping table. Reads are lock-free against an immutable snapshot;
// refresh swaps in a new snapshot atomically so readers never observe a
// torn view.
type Catalogue struct {
	mu       sync.RWMutex
	dir      string
	defs     map[string]*CapabilityDefinition
	typeIdx  map[string]string
	mappings *MappingTable
	types    *DeviceTypes
	prober   *Prober
	logger   *logrus.Logger
}

// RefreshReport summarizes one catalogue refresh run.
type RefreshReport struct {
	Refreshed []string          `json:"refreshed"`
	Skipped   []string          `json:"skipped"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// RenameChange is one legacy-to-canonical parameter rename found by
// Standardize.
type RenameChange struct {
	DeviceType string `json:"device_type"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// StandardizeReport lists the renames Standardize found, and whether they
// were applied or only reported.
type StandardizeReport struct {
	Changes []RenameChange `json:"changes"`
	Applied bool           `json:"applied"`
}

// NewCatalogue loads all capability definitions from dir. A missing or
// empty directory is not an error; definitions are a cache rebuildable by
// Refresh.
func NewCatalogue(dir string, mappings *MappingTable, types *DeviceTypes, prober *Prober, logger *logrus.Logger) (*Catalogue, error) {
	c := &Catalogue{
		dir:      dir,
		defs:     make(map[string]*CapabilityDefinition),
		typeIdx:  make(map[string]string),
		mappings: mappings,
		types:    types,
		prober:   prober,
		logger:   logger,
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, operrors.Wrap(operrors.KindInternal, err, "create capabilities directory %s", dir)
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads every definition file and swaps the snapshot.
func (c *Catalogue) Reload() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return operrors.Wrap(operrors.KindInternal, err, "read capabilities directory %s", c.dir)
	}

	defs := make(map[string]*CapabilityDefinition)
	typeIdx := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			c.logger.WithError(err).WithField("file", path).Warn("Failed to read capability definition")
			continue
		}
		var def CapabilityDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			c.logger.WithError(err).WithField("file", path).Warn("Failed to parse capability definition")
			continue
		}
		if def.DeviceType == "" {
			def.DeviceType = strings.TrimSuffix(entry.Name(), ".yaml")
		}
		defs[def.DeviceType] = &def
		typeIdx[def.DeviceType] = def.DeviceType
		for _, synonym := range def.TypeMappings {
			if existing, ok := typeIdx[synonym]; ok && existing != def.DeviceType {
				c.logger.WithFields(logrus.Fields{
					"synonym": synonym,
					"kept":    existing,
					"ignored": def.DeviceType,
				}).Warn("Duplicate type mapping, keeping first definition")
				continue
			}
			typeIdx[synonym] = def.DeviceType
		}
	}

	c.mu.Lock()
	c.defs = defs
	c.typeIdx = typeIdx
	c.mu.Unlock()

	c.logger.WithField("definitions", len(defs)).Debug("Loaded capability catalogue")
	return nil
}

// Get returns the definition for a device type, following type_mappings
// synonyms. The returned definition is a copy.
func (c *Catalogue) Get(deviceType string) (*CapabilityDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	primary, ok := c.typeIdx[deviceType]
	if !ok {
		return nil, false
	}
	def, ok := c.defs[primary]
	if !ok {
		return nil, false
	}
	return def.Clone(), true
}

// Resolve returns the definition for a device: by exact device type first,
// then by the generation's base SKU, else nothing.
func (c *Catalogue) Resolve(device *model.Device) (*CapabilityDefinition, bool) {
	if def, ok := c.Get(device.DeviceType); ok {
		return def, true
	}
	if base := BaseSKU(device.Generation); base != "" {
		if def, ok := c.Get(base); ok {
			return def, true
		}
	}
	return nil, false
}

// HasParameter reports whether the device type declares the logical name,
// either directly or through a legacy alias.
func (c *Catalogue) HasParameter(deviceType, name string) bool {
	_, ok := c.ParameterDetails(deviceType, name)
	return ok
}

// ParameterDetails returns the descriptor for a logical name on a device
// type. Legacy aliases resolve to their canonical entry when the
// definition has been standardized, and vice versa.
func (c *Catalogue) ParameterDetails(deviceType, name string) (ParameterDescriptor, bool) {
	def, ok := c.Get(deviceType)
	if !ok {
		return ParameterDescriptor{}, false
	}
	if desc, ok := def.Parameters[name]; ok {
		return desc, true
	}
	canonical := c.mappings.Canonical(name)
	if canonical != name {
		if desc, ok := def.Parameters[canonical]; ok {
			return desc, true
		}
	}
	legacy := c.mappings.LegacyFor(name)
	if legacy != name {
		if desc, ok := def.Parameters[legacy]; ok {
			return desc, true
		}
	}
	return ParameterDescriptor{}, false
}

// DevicesSupporting returns the device types that support a logical name,
// scanning every definition plus the mapping table.
func (c *Catalogue) DevicesSupporting(name string) []string {
	canonical := c.mappings.Canonical(name)
	legacy := c.mappings.LegacyFor(canonical)

	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	for deviceType, def := range c.defs {
		if _, ok := def.Parameters[name]; ok {
			seen[deviceType] = true
			continue
		}
		if _, ok := def.Parameters[canonical]; ok {
			seen[deviceType] = true
			continue
		}
		if legacy != canonical {
			if _, ok := def.Parameters[legacy]; ok {
				seen[deviceType] = true
				continue
			}
		}
		if c.mappings.SupportsGeneration(canonical, def.Generation) {
			seen[deviceType] = true
		}
	}

	results := make([]string, 0, len(seen))
	for deviceType := range seen {
		results = append(results, deviceType)
	}
	sort.Strings(results)
	return results
}

// DeviceTypesList returns the known device types in sorted order.
func (c *Catalogue) DeviceTypesList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]string, 0, len(c.defs))
	for deviceType := range c.defs {
		types = append(types, deviceType)
	}
	sort.Strings(types)
	return types
}

// Mappings exposes the parameter mapping table.
func (c *Catalogue) Mappings() *MappingTable {
	return c.mappings
}

// StaticTypes exposes the static SKU table.
func (c *Catalogue) StaticTypes() *DeviceTypes {
	return c.types
}

// Save persists a definition atomically (write-to-temp-then-rename) and
// installs it in the live snapshot.
func (c *Catalogue) Save(def *CapabilityDefinition) error {
	if def.DeviceType == "" {
		return operrors.New(operrors.KindInternal, "capability definition has no device type")
	}

	data, err := yaml.Marshal(def)
	if err != nil {
		return operrors.Wrap(operrors.KindInternal, err, "marshal capability definition %s", def.DeviceType)
	}

	path := c.definitionPath(def.DeviceType)
	tmp, err := os.CreateTemp(c.dir, ".capability-*.tmp")
	if err != nil {
		return operrors.Wrap(operrors.KindInternal, err, "create temp file for %s", def.DeviceType)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return operrors.Wrap(operrors.KindInternal, err, "write capability definition %s", def.DeviceType)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return operrors.Wrap(operrors.KindInternal, err, "close temp file for %s", def.DeviceType)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return operrors.Wrap(operrors.KindInternal, err, "rename capability definition %s", def.DeviceType)
	}

	clone := def.Clone()
	c.mu.Lock()
	c.defs[clone.DeviceType] = clone
	c.typeIdx[clone.DeviceType] = clone.DeviceType
	for _, synonym := range clone.TypeMappings {
		if _, ok := c.typeIdx[synonym]; !ok {
			c.typeIdx[synonym] = clone.DeviceType
		}
	}
	c.mu.Unlock()
	return nil
}

// Delete removes a definition file and drops it from the snapshot.
func (c *Catalogue) Delete(deviceType string) error {
	path := c.definitionPath(deviceType)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return operrors.Wrap(operrors.KindInternal, err, "delete capability definition %s", deviceType)
	}
	c.mu.Lock()
	delete(c.defs, deviceType)
	for synonym, primary := range c.typeIdx {
		if primary == deviceType {
			delete(c.typeIdx, synonym)
		}
	}
	c.mu.Unlock()
	return nil
}

// Refresh probes one representative device per type and regenerates the
// corresponding definitions. Hand-edited files (not marked generated) are
// skipped unless force is set. A failed probe is reported but leaves the
// existing definition untouched.
func (c *Catalogue) Refresh(ctx context.Context, devices []model.Device, force bool) (*RefreshReport, error) {
	if c.prober == nil {
		return nil, operrors.New(operrors.KindInternal, "catalogue has no prober configured")
	}

	report := &RefreshReport{Failed: make(map[string]string)}

	representatives := make(map[string]model.Device)
	order := make([]string, 0)
	for _, device := range devices {
		if device.DeviceType == "" || device.IPAddress == "" {
			continue
		}
		if _, ok := representatives[device.DeviceType]; !ok {
			representatives[device.DeviceType] = device
			order = append(order, device.DeviceType)
		}
	}

	for _, deviceType := range order {
		device := representatives[deviceType]

		if existing, ok := c.Get(deviceType); ok && !existing.Generated && !force {
			c.logger.WithField("device_type", deviceType).Info("Skipping hand-edited capability definition")
			report.Skipped = append(report.Skipped, deviceType)
			continue
		}

		def, err := c.prober.Discover(ctx, &device)
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"device_type": deviceType,
				"device_id":   device.ID,
			}).Warn("Capability discovery failed")
			report.Failed[deviceType] = err.Error()
			continue
		}
		if err := c.Save(def); err != nil {
			report.Failed[deviceType] = err.Error()
			continue
		}
		report.Refreshed = append(report.Refreshed, deviceType)
	}

	if len(report.Failed) == 0 {
		report.Failed = nil
	}
	return report, nil
}

// DiscoverDevice probes a single device and installs the resulting
// definition. Used when discovery encounters a hitherto-unknown type.
func (c *Catalogue) DiscoverDevice(ctx context.Context, device *model.Device) (*CapabilityDefinition, error) {
	if c.prober == nil {
		return nil, operrors.New(operrors.KindInternal, "catalogue has no prober configured")
	}
	def, err := c.prober.Discover(ctx, device)
	if err != nil {
		return nil, err
	}
	if err := c.Save(def); err != nil {
		return nil, err
	}
	return def, nil
}

// Standardize renames legacy Gen1 parameter names to their canonical form
// across the whole catalogue. With dryRun it only reports the diff.
func (c *Catalogue) Standardize(dryRun bool) (*StandardizeReport, error) {
	report := &StandardizeReport{Applied: !dryRun}

	c.mu.RLock()
	types := make([]string, 0, len(c.defs))
	for deviceType := range c.defs {
		types = append(types, deviceType)
	}
	c.mu.RUnlock()
	sort.Strings(types)

	for _, deviceType := range types {
		def, ok := c.Get(deviceType)
		if !ok {
			continue
		}
		changed := false
		for name := range def.Parameters {
			canonical := c.mappings.Canonical(name)
			if canonical == name {
				continue
			}
			if _, exists := def.Parameters[canonical]; exists {
				continue
			}
			report.Changes = append(report.Changes, RenameChange{
				DeviceType: deviceType,
				From:       name,
				To:         canonical,
			})
			if !dryRun {
				def.Parameters[canonical] = def.Parameters[name]
				delete(def.Parameters, name)
				changed = true
			}
		}
		if changed {
			if err := c.Save(def); err != nil {
				return report, err
			}
		}
	}

	sort.Slice(report.Changes, func(i, j int) bool {
		if report.Changes[i].DeviceType != report.Changes[j].DeviceType {
			return report.Changes[i].DeviceType < report.Changes[j].DeviceType
		}
		return report.Changes[i].From < report.Changes[j].From
	})
	return report, nil
}

func (c *Catalogue) definitionPath(deviceType string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':':
			return '_'
		}
		return r
	}, deviceType)
	return filepath.Join(c.dir, fmt.Sprintf("%s.yaml", safe))
}
