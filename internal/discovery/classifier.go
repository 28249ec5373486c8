package discovery

import (
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/frostdev-ops/shelly-fleet-go/internal/capabilities"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
)

// classifyIdentity turns a /shelly identification payload into a Device.
// Gen1 devices carry a "type" field, Gen2+ carry "app"; anything else is
// not a Shelly device and is discarded.
func classifyIdentity(ip string, payload map[string]interface{}, types *capabilities.DeviceTypes) (model.Device, bool) {
	now := time.Now().UTC()

	if rawType, ok := payload["type"].(string); ok && rawType != "" {
		if !types.IsKnownGen1Type(rawType) {
			return model.Device{}, false
		}
		mac := model.NormalizeMAC(stringField(payload, "mac"))
		if mac == "" {
			return model.Device{}, false
		}
		return model.Device{
			ID:              mac,
			DeviceType:      rawType,
			Model:           rawType,
			Generation:      model.Gen1,
			IPAddress:       ip,
			FirmwareVersion: stringField(payload, "fw"),
			AuthEnabled:     boolField(payload, "auth"),
			DiscoveryMethod: model.DiscoveryHTTPProbe,
			LastSeenAt:      now,
			RawInfo:         payload,
		}, true
	}

	if app, ok := payload["app"].(string); ok && app != "" {
		mac := model.NormalizeMAC(stringField(payload, "mac"))
		if mac == "" {
			return model.Device{}, false
		}
		modelID := stringField(payload, "model")
		gen := model.GenUnknown
		if n, ok := numberField(payload, "gen"); ok {
			gen = model.ParseGeneration(n)
		}
		if gen == model.GenUnknown {
			gen = capabilities.InferGeneration(modelID)
		}
		if gen == model.GenUnknown {
			gen = model.Gen2
		}
		firmware := stringField(payload, "ver")
		if firmware == "" {
			firmware = stringField(payload, "fw_id")
		}
		return model.Device{
			ID:              mac,
			DeviceType:      app,
			Model:           modelID,
			Generation:      gen,
			IPAddress:       ip,
			FirmwareVersion: firmware,
			AuthEnabled:     boolField(payload, "auth_en"),
			DiscoveryMethod: model.DiscoveryHTTPProbe,
			LastSeenAt:      now,
			RawInfo:         payload,
		}, true
	}

	return model.Device{}, false
}

// classifyMDNSEntry builds a partial Device from an mDNS announcement. TXT
// records carry gen/app/ver/mac for Gen2+ devices; Gen1 devices announce
// little more than their instance name.
func classifyMDNSEntry(entry *zeroconf.ServiceEntry, types *capabilities.DeviceTypes) (model.Device, bool) {
	if len(entry.AddrIPv4) == 0 {
		return model.Device{}, false
	}

	device := model.Device{
		IPAddress:       entry.AddrIPv4[0].String(),
		Hostname:        strings.TrimSuffix(entry.HostName, "."),
		Name:            entry.Instance,
		DiscoveryMethod: model.DiscoveryMDNS,
		LastSeenAt:      time.Now().UTC(),
	}

	for _, txt := range entry.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "mac":
			device.ID = model.NormalizeMAC(value)
		case "app":
			device.DeviceType = value
		case "model":
			device.Model = value
		case "ver", "fw_id":
			if device.FirmwareVersion == "" {
				device.FirmwareVersion = value
			}
		case "gen":
			device.Generation = parseGenerationString(value)
		}
	}

	if device.ID == "" {
		// Gen1 announcements often encode the MAC tail in the instance
		// name (shellyplug-s-E868E7EA6333).
		if idx := strings.LastIndex(entry.Instance, "-"); idx >= 0 {
			candidate := model.NormalizeMAC(entry.Instance[idx+1:])
			if len(candidate) == 12 {
				device.ID = candidate
			}
		}
	}
	if device.ID == "" {
		return model.Device{}, false
	}

	if device.Generation == model.GenUnknown || device.Generation == "" {
		if device.DeviceType != "" {
			device.Generation = capabilities.InferGeneration(device.Model)
			if device.Generation == model.GenUnknown {
				device.Generation = model.Gen2
			}
		} else {
			device.Generation = model.Gen1
		}
	}
	return device, true
}

func parseGenerationString(value string) model.Generation {
	switch value {
	case "1":
		return model.Gen1
	case "2":
		return model.Gen2
	case "3":
		return model.Gen3
	case "4":
		return model.Gen4
	}
	return model.GenUnknown
}

func stringField(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func boolField(payload map[string]interface{}, key string) bool {
	if v, ok := payload[key].(bool); ok {
		return v
	}
	return false
}

func numberField(payload map[string]interface{}, key string) (int, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
