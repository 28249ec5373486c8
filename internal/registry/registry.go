// Package registry holds the durable set of known devices. The in-memory
// index is keyed by MAC and preserves insertion order; every mutation is
// persisted as one YAML file per device under the data directory.
package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

// Registry is the MAC-keyed device index. Reads return deep copies so
// callers never observe a half-updated record.
type Registry struct {
	mu      sync.RWMutex
	dir     string
	devices map[string]*entry
	order   []string
	logger  *logrus.Logger

	lockMu  sync.Mutex
	opLocks map[string]*sync.Mutex
}

type entry struct {
	device *model.Device
	file   string
}

// New creates a registry backed by dir and loads every persisted device.
func New(dir string, logger *logrus.Logger) (*Registry, error) {
	r := &Registry{
		dir:     dir,
		devices: make(map[string]*entry),
		logger:  logger,
		opLocks: make(map[string]*sync.Mutex),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, operrors.Wrap(operrors.KindInternal, err, "create devices directory %s", dir)
	}
	if err := r.Load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Load re-reads every device file. Files are visited in name order so the
// registry's insertion order is reproducible across restarts; duplicate
// MACs keep the most recently modified file and log a warning.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return operrors.Wrap(operrors.KindInternal, err, "read devices directory %s", r.dir)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	devices := make(map[string]*entry)
	order := make([]string, 0, len(names))
	modTimes := make(map[string]time.Time)

	for _, name := range names {
		path := filepath.Join(r.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.WithError(err).WithField("file", path).Warn("Failed to read device file")
			continue
		}
		var device model.Device
		if err := yaml.Unmarshal(data, &device); err != nil {
			r.logger.WithError(err).WithField("file", path).Warn("Failed to parse device file")
			continue
		}
		device.ID = model.NormalizeMAC(device.ID)
		if device.ID == "" {
			r.logger.WithField("file", path).Warn("Device file has no MAC, skipping")
			continue
		}

		var modTime time.Time
		if info, err := os.Stat(path); err == nil {
			modTime = info.ModTime()
		}

		if existing, ok := devices[device.ID]; ok {
			r.logger.WithFields(logrus.Fields{
				"device_id": device.ID,
				"kept":      existing.file,
				"duplicate": name,
			}).Warn("Duplicate device file for MAC")
			if !modTime.After(modTimes[device.ID]) {
				continue
			}
			existing.device = &device
			existing.file = name
			modTimes[device.ID] = modTime
			continue
		}

		devices[device.ID] = &entry{device: &device, file: name}
		order = append(order, device.ID)
		modTimes[device.ID] = modTime
	}

	r.mu.Lock()
	r.devices = devices
	r.order = order
	r.mu.Unlock()

	r.logger.WithField("devices", len(devices)).Debug("Loaded device registry")
	return nil
}

// Get returns a copy of the device with the given MAC.
func (r *Registry) Get(deviceID string) (*model.Device, bool) {
	id := model.NormalizeMAC(deviceID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok {
		return nil, false
	}
	return e.device.Clone(), true
}

// List returns copies of every device in insertion order.
func (r *Registry) List() []*model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices := make([]*model.Device, 0, len(r.order))
	for _, id := range r.order {
		devices = append(devices, r.devices[id].device.Clone())
	}
	return devices
}

// Count returns the number of known devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Upsert reconciles an observation into the registry and persists the
// result. New MACs are appended; known MACs are merged under the
// reconciliation contract and the merged record is returned.
func (r *Registry) Upsert(device *model.Device) (*model.Device, error) {
	if device == nil {
		return nil, operrors.New(operrors.KindInternal, "nil device")
	}
	incoming := device.Clone()
	incoming.ID = model.NormalizeMAC(incoming.ID)
	if incoming.ID == "" {
		return nil, operrors.New(operrors.KindInternal, "device has no MAC")
	}

	r.mu.Lock()
	e, known := r.devices[incoming.ID]
	var merged *model.Device
	if known {
		merged = reconcile(e.device, incoming)
		e.device = merged
	} else {
		merged = incoming
		e = &entry{device: merged, file: merged.FileName()}
		r.devices[merged.ID] = e
		r.order = append(r.order, merged.ID)
	}
	r.mu.Unlock()

	if err := r.persist(e); err != nil {
		return nil, err
	}
	return merged.Clone(), nil
}

// Update applies a mutation to a known device and persists it. Used by the
// engine to write back name and firmware changes.
func (r *Registry) Update(deviceID string, mutate func(*model.Device)) (*model.Device, error) {
	id := model.NormalizeMAC(deviceID)

	r.mu.Lock()
	e, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return nil, operrors.New(operrors.KindUnknownDevice, "device %s not in registry", deviceID)
	}
	updated := e.device.Clone()
	mutate(updated)
	updated.ID = id
	e.device = updated
	r.mu.Unlock()

	if err := r.persist(e); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Delete removes a device and its file.
func (r *Registry) Delete(deviceID string) error {
	id := model.NormalizeMAC(deviceID)

	r.mu.Lock()
	e, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return operrors.New(operrors.KindUnknownDevice, "device %s not in registry", deviceID)
	}
	delete(r.devices, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	file := e.file
	r.mu.Unlock()

	if file != "" {
		if err := os.Remove(filepath.Join(r.dir, file)); err != nil && !os.IsNotExist(err) {
			return operrors.Wrap(operrors.KindInternal, err, "remove device file %s", file)
		}
	}
	r.logger.WithField("device_id", id).Info("Device removed from registry")
	return nil
}

// OperationLock returns the mutex serializing operations against one
// device. Two concurrent writes to the same embedded HTTP server interleave
// badly, so the engine holds this for the duration of each operation.
func (r *Registry) OperationLock(deviceID string) *sync.Mutex {
	id := model.NormalizeMAC(deviceID)
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	if mu, ok := r.opLocks[id]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	r.opLocks[id] = mu
	return mu
}

// persist writes the entry's device atomically (write-to-temp-then-rename)
// and removes a stale file left behind by a device type change.
func (r *Registry) persist(e *entry) error {
	r.mu.Lock()
	device := e.device.Clone()
	oldFile := e.file
	newFile := device.FileName()
	e.file = newFile
	r.mu.Unlock()

	data, err := yaml.Marshal(device)
	if err != nil {
		return operrors.Wrap(operrors.KindInternal, err, "marshal device %s", device.ID)
	}

	tmp, err := os.CreateTemp(r.dir, ".device-*.tmp")
	if err != nil {
		return operrors.Wrap(operrors.KindInternal, err, "create temp file for device %s", device.ID)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return operrors.Wrap(operrors.KindInternal, err, "write device %s", device.ID)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return operrors.Wrap(operrors.KindInternal, err, "close temp file for device %s", device.ID)
	}
	if err := os.Rename(tmpName, filepath.Join(r.dir, newFile)); err != nil {
		os.Remove(tmpName)
		return operrors.Wrap(operrors.KindInternal, err, "rename device file for %s", device.ID)
	}

	if oldFile != "" && oldFile != newFile {
		if err := os.Remove(filepath.Join(r.dir, oldFile)); err != nil && !os.IsNotExist(err) {
			r.logger.WithError(err).WithField("file", oldFile).Warn("Failed to remove stale device file")
		}
	}
	return nil
}

// reconcile merges an incoming observation into an existing record. An
// HTTP probe (or manual edit) is authoritative at the moment of the query
// and overwrites the mutable fields; an mDNS announcement only fills gaps
// unless the record itself came from mDNS. The newest last_seen_at always
// wins.
func reconcile(existing, incoming *model.Device) *model.Device {
	merged := existing.Clone()

	authoritative := incoming.DiscoveryMethod == model.DiscoveryHTTPProbe ||
		incoming.DiscoveryMethod == model.DiscoveryManual
	mdnsOnly := existing.DiscoveryMethod == model.DiscoveryMDNS

	if authoritative || mdnsOnly {
		if incoming.IPAddress != "" {
			merged.IPAddress = incoming.IPAddress
		}
		if incoming.FirmwareVersion != "" {
			merged.FirmwareVersion = incoming.FirmwareVersion
		}
		if incoming.DeviceType != "" {
			merged.DeviceType = incoming.DeviceType
		}
		if incoming.Model != "" {
			merged.Model = incoming.Model
		}
		if incoming.Generation.Valid() {
			merged.Generation = incoming.Generation
		}
		if incoming.RawInfo != nil {
			merged.RawInfo = incoming.RawInfo
		}
		merged.AuthEnabled = incoming.AuthEnabled
		if incoming.DiscoveryMethod != "" {
			merged.DiscoveryMethod = incoming.DiscoveryMethod
		}
	} else {
		if merged.IPAddress == "" {
			merged.IPAddress = incoming.IPAddress
		}
		if merged.FirmwareVersion == "" {
			merged.FirmwareVersion = incoming.FirmwareVersion
		}
		if merged.DeviceType == "" {
			merged.DeviceType = incoming.DeviceType
		}
		if merged.Model == "" {
			merged.Model = incoming.Model
		}
		if !merged.Generation.Valid() && incoming.Generation.Valid() {
			merged.Generation = incoming.Generation
		}
	}

	if incoming.Hostname != "" {
		merged.Hostname = incoming.Hostname
	}
	if incoming.Name != "" {
		merged.Name = incoming.Name
	}
	if incoming.LastSeenAt.After(merged.LastSeenAt) {
		merged.LastSeenAt = incoming.LastSeenAt
	}
	return merged
}
