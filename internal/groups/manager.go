// Package groups persists named device groups and fans logical operations
// out across their members. The reserved "all-devices" group resolves to
// the registry snapshot at call time and is never written to disk.
package groups

import (
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

// Manager is the durable group store: one YAML file per group under the
// groups directory. Reads return deep copies.
type Manager struct {
	mu     sync.RWMutex
	dir    string
	groups map[string]*groupEntry
	logger *logrus.Logger
}

type groupEntry struct {
	group *model.Group
	file  string
}

// NewManager creates a group store backed by dir and loads every persisted
// group.
func NewManager(dir string, logger *logrus.Logger) (*Manager, error) {
	m := &Manager{
		dir:    dir,
		groups: make(map[string]*groupEntry),
		logger: logger,
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, operrors.Wrap(operrors.KindInternal, err, "create groups directory %s", dir)
	}
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load re-reads every group file. Unparseable files are skipped with a
// warning so one bad edit never takes down the whole store.
func (m *Manager) Load() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return operrors.Wrap(operrors.KindInternal, err, "read groups directory %s", m.dir)
	}

	groups := make(map[string]*groupEntry)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			m.logger.WithError(err).WithField("file", path).Warn("Failed to read group file")
			continue
		}
		var group model.Group
		if err := yaml.Unmarshal(data, &group); err != nil {
			m.logger.WithError(err).WithField("file", path).Warn("Failed to parse group file")
			continue
		}
		if group.Name == "" || group.Name == model.AllDevicesGroup {
			m.logger.WithField("file", path).Warn("Group file has a reserved or empty name, skipping")
			continue
		}
		normalizeMembers(&group)
		groups[group.Name] = &groupEntry{group: &group, file: e.Name()}
	}

	m.mu.Lock()
	m.groups = groups
	m.mu.Unlock()

	m.logger.WithField("groups", len(groups)).Debug("Loaded group store")
	return nil
}

// Get returns a copy of the named group.
func (m *Manager) Get(name string) (*model.Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.groups[name]
	if !ok {
		return nil, false
	}
	return e.group.Clone(), true
}

// List returns copies of every group sorted by name.
func (m *Manager) List() []*model.Group {
	m.mu.RLock()
	names := make([]string, 0, len(m.groups))
	for name := range m.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	groups := make([]*model.Group, 0, len(names))
	for _, name := range names {
		groups = append(groups, m.groups[name].group.Clone())
	}
	m.mu.RUnlock()
	return groups
}

// Create persists a new group. The name must be unused, not reserved, and
// must not collide with another group's file after sanitization.
func (m *Manager) Create(group *model.Group) (*model.Group, error) {
	if group == nil {
		return nil, operrors.New(operrors.KindInternal, "nil group")
	}
	stored := group.Clone()
	if err := validateName(stored.Name); err != nil {
		return nil, err
	}
	normalizeMembers(stored)

	m.mu.Lock()
	if _, exists := m.groups[stored.Name]; exists {
		m.mu.Unlock()
		return nil, operrors.New(operrors.KindTypeMismatch, "group %q already exists", stored.Name)
	}
	file := stored.FileName()
	for other, e := range m.groups {
		if e.file == file {
			m.mu.Unlock()
			return nil, operrors.New(operrors.KindTypeMismatch,
				"group %q would share file %s with group %q", stored.Name, file, other)
		}
	}
	e := &groupEntry{group: stored, file: file}
	m.groups[stored.Name] = e
	m.mu.Unlock()

	if err := m.persist(e); err != nil {
		m.mu.Lock()
		delete(m.groups, stored.Name)
		m.mu.Unlock()
		return nil, err
	}
	m.logger.WithFields(logrus.Fields{
		"group":   stored.Name,
		"members": len(stored.DeviceIDs),
	}).Info("Group created")
	return stored.Clone(), nil
}

// Update applies a mutation to a known group and persists it. Renames move
// the backing file so exactly one file remains per group.
func (m *Manager) Update(name string, mutate func(*model.Group) error) (*model.Group, error) {
	m.mu.Lock()
	e, ok := m.groups[name]
	if !ok {
		m.mu.Unlock()
		return nil, operrors.New(operrors.KindUnknownDevice, "group %q is not defined", name)
	}

	updated := e.group.Clone()
	if err := mutate(updated); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if updated.Name != name {
		if err := validateName(updated.Name); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if _, exists := m.groups[updated.Name]; exists {
			m.mu.Unlock()
			return nil, operrors.New(operrors.KindTypeMismatch, "group %q already exists", updated.Name)
		}
		delete(m.groups, name)
		m.groups[updated.Name] = e
	}
	normalizeMembers(updated)
	e.group = updated
	m.mu.Unlock()

	if err := m.persist(e); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Delete removes a group and its file.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	e, ok := m.groups[name]
	if !ok {
		m.mu.Unlock()
		return operrors.New(operrors.KindUnknownDevice, "group %q is not defined", name)
	}
	delete(m.groups, name)
	file := e.file
	m.mu.Unlock()

	if err := os.Remove(filepath.Join(m.dir, file)); err != nil && !os.IsNotExist(err) {
		return operrors.Wrap(operrors.KindInternal, err, "remove group file %s", file)
	}
	m.logger.WithField("group", name).Info("Group deleted")
	return nil
}

// AddDevice appends a MAC to a group's member list.
func (m *Manager) AddDevice(name, deviceID string) (*model.Group, error) {
	return m.Update(name, func(g *model.Group) error {
		g.AddDevice(model.NormalizeMAC(deviceID))
		return nil
	})
}

// RemoveDevice drops a MAC from a group's member list.
func (m *Manager) RemoveDevice(name, deviceID string) (*model.Group, error) {
	return m.Update(name, func(g *model.Group) error {
		if !g.RemoveDevice(model.NormalizeMAC(deviceID)) {
			return operrors.New(operrors.KindUnknownDevice, "device %s is not a member of group %q", deviceID, name)
		}
		return nil
	})
}

// GroupsFor returns the names of every group containing the given MAC,
// sorted.
func (m *Manager) GroupsFor(deviceID string) []string {
	id := model.NormalizeMAC(deviceID)
	m.mu.RLock()
	var names []string
	for name, e := range m.groups {
		if e.group.HasDevice(id) {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// persist writes the entry's group atomically and removes the stale file
// left behind by a rename.
func (m *Manager) persist(e *groupEntry) error {
	m.mu.Lock()
	group := e.group.Clone()
	oldFile := e.file
	newFile := group.FileName()
	e.file = newFile
	m.mu.Unlock()

	data, err := yaml.Marshal(group)
	if err != nil {
		return operrors.Wrap(operrors.KindInternal, err, "marshal group %q", group.Name)
	}

	tmp, err := os.CreateTemp(m.dir, ".group-*.tmp")
	if err != nil {
		return operrors.Wrap(operrors.KindInternal, err, "create temp file for group %q", group.Name)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return operrors.Wrap(operrors.KindInternal, err, "write group %q", group.Name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return operrors.Wrap(operrors.KindInternal, err, "close temp file for group %q", group.Name)
	}
	if err := os.Rename(tmpName, filepath.Join(m.dir, newFile)); err != nil {
		os.Remove(tmpName)
		return operrors.Wrap(operrors.KindInternal, err, "rename group file for %q", group.Name)
	}

	if oldFile != "" && oldFile != newFile {
		if err := os.Remove(filepath.Join(m.dir, oldFile)); err != nil && !os.IsNotExist(err) {
			m.logger.WithError(err).WithField("file", oldFile).Warn("Failed to remove stale group file")
		}
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return operrors.New(operrors.KindTypeMismatch, "group name is empty")
	}
	if name == model.AllDevicesGroup {
		return operrors.New(operrors.KindTypeMismatch, "group name %q is reserved", model.AllDevicesGroup)
	}
	return nil
}

// normalizeMembers canonicalizes member MACs and pins the member list to a
// non-nil slice so persisted files always carry a device_ids field.
func normalizeMembers(g *model.Group) {
	if g.DeviceIDs == nil {
		g.DeviceIDs = []string{}
		return
	}
	for i, id := range g.DeviceIDs {
		g.DeviceIDs[i] = model.NormalizeMAC(id)
	}
}
