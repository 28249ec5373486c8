package model

import "regexp"

// AllDevicesGroup is the reserved dynamic group resolving to the full
// registry snapshot. It is never persisted and cannot be created or deleted.
const AllDevicesGroup = "all-devices"

var groupFileUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Group is a named, persisted, ordered set of device MACs. Members missing
// from the registry are retained; groups do not lose devices just because
// discovery missed them.
type Group struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	DeviceIDs   []string               `json:"device_ids" yaml:"device_ids"`
	Tags        []string               `json:"tags,omitempty" yaml:"tags,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// FileName returns the persisted filename for this group. Characters
// outside [A-Za-z0-9._-] are replaced with underscores so names like
// "living room" or "floor/2" stay flat on disk.
func (g *Group) FileName() string {
	return groupFileUnsafe.ReplaceAllString(g.Name, "_") + ".yaml"
}

// HasDevice reports whether the group references the given MAC.
func (g *Group) HasDevice(deviceID string) bool {
	for _, id := range g.DeviceIDs {
		if id == deviceID {
			return true
		}
	}
	return false
}

// AddDevice appends a MAC, preserving order and uniqueness. Returns false if
// the device was already a member.
func (g *Group) AddDevice(deviceID string) bool {
	if g.HasDevice(deviceID) {
		return false
	}
	g.DeviceIDs = append(g.DeviceIDs, deviceID)
	return true
}

// RemoveDevice drops a MAC, keeping the order of the remaining members.
// Returns false if the device was not a member.
func (g *Group) RemoveDevice(deviceID string) bool {
	for i, id := range g.DeviceIDs {
		if id == deviceID {
			g.DeviceIDs = append(g.DeviceIDs[:i], g.DeviceIDs[i+1:]...)
			return true
		}
	}
	return false
}

// HasTag reports whether the group carries the given tag.
func (g *Group) HasTag(tag string) bool {
	for _, t := range g.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag adds a tag if not already present.
func (g *Group) AddTag(tag string) {
	if !g.HasTag(tag) {
		g.Tags = append(g.Tags, tag)
	}
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	clone := *g
	clone.DeviceIDs = append([]string(nil), g.DeviceIDs...)
	clone.Tags = append([]string(nil), g.Tags...)
	if g.Config != nil {
		clone.Config = make(map[string]interface{}, len(g.Config))
		for k, v := range g.Config {
			clone.Config[k] = v
		}
	}
	return &clone
}
