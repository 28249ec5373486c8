package model

import (
	"fmt"
	"strings"
	"time"
)

// Generation identifies the hardware/firmware family a device belongs to.
// Gen1 speaks legacy REST; gen2 and later speak JSON-RPC over /rpc.
type Generation string

const (
	GenUnknown Generation = "unknown"
	Gen1       Generation = "gen1"
	Gen2       Generation = "gen2"
	Gen3       Generation = "gen3"
	Gen4       Generation = "gen4"
)

// ParseGeneration maps the numeric "gen" field devices report to a Generation.
func ParseGeneration(n int) Generation {
	switch n {
	case 1:
		return Gen1
	case 2:
		return Gen2
	case 3:
		return Gen3
	case 4:
		return Gen4
	default:
		return GenUnknown
	}
}

// IsRPC reports whether the generation uses the JSON-RPC dialect.
func (g Generation) IsRPC() bool {
	return g == Gen2 || g == Gen3 || g == Gen4
}

// Valid reports whether the generation is one of the four known families.
func (g Generation) Valid() bool {
	switch g {
	case Gen1, Gen2, Gen3, Gen4:
		return true
	}
	return false
}

// DiscoveryMethod records how a device entered the registry.
type DiscoveryMethod string

const (
	DiscoveryMDNS      DiscoveryMethod = "mdns"
	DiscoveryHTTPProbe DiscoveryMethod = "http-probe"
	DiscoveryManual    DiscoveryMethod = "manual"
)

// Device is one Shelly unit known to the fleet. Identity is the MAC address,
// uppercased with separators stripped.
type Device struct {
	ID              string                 `json:"id" yaml:"id"`
	DeviceType      string                 `json:"device_type" yaml:"device_type"`
	Generation      Generation             `json:"generation" yaml:"generation"`
	IPAddress       string                 `json:"ip_address,omitempty" yaml:"ip_address,omitempty"`
	Hostname        string                 `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	FirmwareVersion string                 `json:"firmware_version,omitempty" yaml:"firmware_version,omitempty"`
	Name            string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Model           string                 `json:"model,omitempty" yaml:"model,omitempty"`
	AuthEnabled     bool                   `json:"auth_enabled,omitempty" yaml:"auth_enabled,omitempty"`
	DiscoveryMethod DiscoveryMethod        `json:"discovery_method,omitempty" yaml:"discovery_method,omitempty"`
	LastSeenAt      time.Time              `json:"last_seen_at,omitempty" yaml:"last_seen_at,omitempty"`
	RawInfo         map[string]interface{} `json:"raw_info,omitempty" yaml:"raw_info,omitempty"`
}

// NormalizeMAC canonicalizes a MAC address into the registry key form:
// uppercase hex with colon/dash/dot separators removed.
func NormalizeMAC(mac string) string {
	replacer := strings.NewReplacer(":", "", "-", "", ".", "")
	return strings.ToUpper(replacer.Replace(strings.TrimSpace(mac)))
}

// Reachable reports whether the device has an address operations can target.
// A device without one is known but unreachable and fails fast.
func (d *Device) Reachable() bool {
	return d.IPAddress != ""
}

// FileName returns the persisted filename for this device,
// "<device_type>_<MAC>.yaml". Device types never contain path separators in
// practice; any that slip through are replaced so the name stays flat.
func (d *Device) FileName() string {
	deviceType := d.DeviceType
	if deviceType == "" {
		deviceType = "unknown"
	}
	deviceType = strings.NewReplacer("/", "_", "\\", "_", " ", "_").Replace(deviceType)
	return fmt.Sprintf("%s_%s.yaml", deviceType, d.ID)
}

// Clone returns a deep copy so registry readers never share mutable state
// with writers.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	clone := *d
	if d.RawInfo != nil {
		clone.RawInfo = make(map[string]interface{}, len(d.RawInfo))
		for k, v := range d.RawInfo {
			clone.RawInfo[k] = v
		}
	}
	return &clone
}
