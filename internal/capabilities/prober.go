package capabilities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	"github.com/frostdev-ops/shelly-fleet-go/internal/transport"
	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

// gen1ProbeEndpoints is the fixed probe set for Gen1 capability discovery.
// Endpoints a device lacks simply return an error and are skipped.
var gen1ProbeEndpoints = []string{
	"/shelly",
	"/settings",
	"/status",
	"/settings/relay/0",
	"/settings/light/0",
	"/settings/roller/0",
	"/settings/actions",
	"/settings/ap",
	"/settings/mqtt",
	"/settings/cloud",
	"/settings/device",
	"/settings/network",
	"/settings/login",
	"/settings/webhooks",
}

// gen2ProbeMethods is the fixed probe sequence for Gen2+ capability
// discovery. Methods the device lacks return an RPC error and are skipped.
var gen2ProbeMethods = []string{
	"Shelly.GetDeviceInfo",
	"Shelly.GetConfig",
	"Shelly.GetStatus",
	"Sys.GetStatus",
	"Cloud.GetConfig",
	"MQTT.GetConfig",
	"WiFi.GetConfig",
	"BLE.GetConfig",
	"Script.List",
	"Schedule.List",
}

var gen1APIDescriptions = map[string]string{
	"shelly":            "Device identification",
	"settings":          "Device configuration",
	"status":            "Device status",
	"settings/relay/0":  "Relay channel configuration",
	"settings/light/0":  "Light channel configuration",
	"settings/roller/0": "Roller channel configuration",
	"settings/actions":  "Action URL configuration",
	"settings/ap":       "Access point configuration",
	"settings/mqtt":     "MQTT configuration",
	"settings/cloud":    "Cloud connection configuration",
	"settings/device":   "Device metadata",
	"settings/network":  "Network configuration",
	"settings/login":    "Login configuration",
	"settings/webhooks": "Webhook configuration",
}

var gen2APIDescriptions = map[string]string{
	"Shelly.GetDeviceInfo": "Device identification",
	"Shelly.GetConfig":     "Full device configuration",
	"Shelly.GetStatus":     "Full device status",
	"Sys.GetStatus":        "System status",
	"Cloud.GetConfig":      "Cloud connection configuration",
	"MQTT.GetConfig":       "MQTT configuration",
	"WiFi.GetConfig":       "WiFi configuration",
	"BLE.GetConfig":        "Bluetooth configuration",
	"Script.List":          "Installed scripts",
	"Schedule.List":        "Configured schedules",
}

// componentSetters maps a Gen2 component base name to its config setter.
var componentSetters = map[string]string{
	"sys":    "Sys.SetConfig",
	"wifi":   "WiFi.SetConfig",
	"mqtt":   "MQTT.SetConfig",
	"ble":    "BLE.SetConfig",
	"cloud":  "Cloud.SetConfig",
	"eth":    "Eth.SetConfig",
	"switch": "Switch.SetConfig",
	"input":  "Input.SetConfig",
	"light":  "Light.SetConfig",
	"cover":  "Cover.SetConfig",
	"ws":     "WS.SetConfig",
	"script": "Script.SetConfig",
}

// setterToGetter is the fixed table pairing each RPC setter with its
// reader.
var setterToGetter = map[string]string{
	"Shelly.SetConfig": "Shelly.GetConfig",
	"Sys.SetConfig":    "Sys.GetConfig",
	"WiFi.SetConfig":   "WiFi.GetConfig",
	"MQTT.SetConfig":   "MQTT.GetConfig",
	"BLE.SetConfig":    "BLE.GetConfig",
	"Cloud.SetConfig":  "Cloud.GetConfig",
	"Eth.SetConfig":    "Eth.GetConfig",
	"Switch.SetConfig": "Switch.GetConfig",
	"Input.SetConfig":  "Input.GetConfig",
	"Light.SetConfig":  "Light.GetConfig",
	"Cover.SetConfig":  "Cover.GetConfig",
	"WS.SetConfig":     "WS.GetConfig",
	"Script.SetConfig": "Script.GetConfig",
}

// GetterFor returns the reader method paired with an RPC setter, falling
// back to the Set-to-Get naming convention.
func GetterFor(setter string) (string, bool) {
	if getter, ok := setterToGetter[setter]; ok {
		return getter, true
	}
	if strings.Contains(setter, ".Set") {
		return strings.Replace(setter, ".Set", ".Get", 1), true
	}
	return "", false
}

// SetterForComponent returns the config setter for a Gen2 component base
// name, or empty when none is known.
func SetterForComponent(base string) string {
	return componentSetters[base]
}

// readOnlyLeafNames are field names forced read-only regardless of the
// endpoint they were observed on.
var readOnlyLeafNames = map[string]bool{
	"mac":             true,
	"fw":              true,
	"fw_id":           true,
	"type":            true,
	"auth":            true,
	"ssid":            true,
	"uptime":          true,
	"time":            true,
	"unixtime":        true,
	"serial":          true,
	"has_update":      true,
	"ram_total":       true,
	"ram_free":        true,
	"fs_size":         true,
	"fs_free":         true,
	"temperature":     true,
	"overtemperature": true,
}

// readOnlyPathPrefixes are dotted-path prefixes forced read-only.
var readOnlyPathPrefixes = []string{
	"build_info.",
	"update.",
	"cloud.connected",
	"wifi_sta.rssi",
}

// Prober performs capability discovery against a live device.
type Prober struct {
	transport *transport.Client
	logger    *logrus.Logger
}

// NewProber creates a capability prober on top of the shared transport.
func NewProber(tc *transport.Client, logger *logrus.Logger) *Prober {
	return &Prober{transport: tc, logger: logger}
}

// Discover probes the device and builds a capability definition from the
// observed responses. The device record itself is not modified.
func (p *Prober) Discover(ctx context.Context, device *model.Device) (*CapabilityDefinition, error) {
	if device.IPAddress == "" {
		return nil, operrors.New(operrors.KindUnreachable, "device %s has no IP address", device.ID)
	}
	if device.Generation.IsRPC() {
		return p.discoverGen2(ctx, device)
	}
	return p.discoverGen1(ctx, device)
}

func (p *Prober) discoverGen1(ctx context.Context, device *model.Device) (*CapabilityDefinition, error) {
	host := device.IPAddress

	identRaw, err := p.transport.Gen1Call(ctx, host, "/shelly", nil)
	if err != nil {
		return nil, err
	}
	ident, err := decodeObserved(identRaw)
	if err != nil {
		return nil, operrors.Wrap(operrors.KindDeviceError, err, "device %s returned malformed identification", host)
	}

	deviceType := device.DeviceType
	if identMap, ok := ident.(map[string]interface{}); ok {
		if t, ok := identMap["type"].(string); ok && t != "" {
			deviceType = t
		}
	}
	if deviceType == "" {
		return nil, operrors.New(operrors.KindDeviceError, "device %s did not report a type", host)
	}

	def := &CapabilityDefinition{
		DeviceType:  deviceType,
		Name:        deviceType,
		Generation:  model.Gen1,
		Generated:   true,
		GeneratedAt: time.Now().UTC().Truncate(time.Second),
		APIs:        make(map[string]APIDefinition),
		Parameters:  make(map[string]ParameterDescriptor),
	}

	for _, endpoint := range gen1ProbeEndpoints {
		var raw json.RawMessage
		if endpoint == "/shelly" {
			raw = identRaw
		} else {
			raw, err = p.transport.Gen1Call(ctx, host, endpoint, nil)
			if err != nil {
				if operrors.IsKind(err, operrors.KindCancelled) {
					return nil, err
				}
				p.logger.WithFields(logrus.Fields{
					"host":     host,
					"endpoint": endpoint,
				}).Debug("Probe endpoint not available")
				continue
			}
		}
		payload, decodeErr := decodeObserved(raw)
		if decodeErr != nil {
			continue
		}
		apiName := strings.TrimPrefix(endpoint, "/")
		def.APIs[apiName] = APIDefinition{
			Description:       gen1APIDescriptions[apiName],
			ResponseStructure: inferStructure(payload),
		}
		harvestGen1Parameters(def, apiName, payload)
	}

	return def, nil
}

func (p *Prober) discoverGen2(ctx context.Context, device *model.Device) (*CapabilityDefinition, error) {
	host := device.IPAddress

	infoRaw, err := p.transport.Gen2Call(ctx, host, "Shelly.GetDeviceInfo", nil)
	if err != nil {
		return nil, err
	}
	info, err := decodeObserved(infoRaw)
	if err != nil {
		return nil, operrors.Wrap(operrors.KindDeviceError, err, "device %s returned malformed device info", host)
	}

	deviceType := device.DeviceType
	modelID := ""
	gen := device.Generation
	if infoMap, ok := info.(map[string]interface{}); ok {
		if app, ok := infoMap["app"].(string); ok && app != "" {
			deviceType = app
		}
		if m, ok := infoMap["model"].(string); ok {
			modelID = m
		}
		if g, ok := infoMap["gen"].(json.Number); ok {
			if n, err := g.Int64(); err == nil {
				gen = model.ParseGeneration(int(n))
			}
		}
	}
	if deviceType == "" {
		return nil, operrors.New(operrors.KindDeviceError, "device %s did not report an app name", host)
	}
	if !gen.IsRPC() {
		gen = model.Gen2
	}

	def := &CapabilityDefinition{
		DeviceType:  deviceType,
		Name:        deviceType,
		Generation:  gen,
		Generated:   true,
		GeneratedAt: time.Now().UTC().Truncate(time.Second),
		APIs:        make(map[string]APIDefinition),
		Parameters:  make(map[string]ParameterDescriptor),
	}
	if modelID != "" && modelID != deviceType {
		def.TypeMappings = []string{modelID}
	}

	var configPayload interface{}
	for _, method := range gen2ProbeMethods {
		var raw json.RawMessage
		if method == "Shelly.GetDeviceInfo" {
			raw = infoRaw
		} else {
			raw, err = p.transport.Gen2Call(ctx, host, method, nil)
			if err != nil {
				if operrors.IsKind(err, operrors.KindCancelled) {
					return nil, err
				}
				p.logger.WithFields(logrus.Fields{
					"host":   host,
					"method": method,
				}).Debug("Probe method not available")
				continue
			}
		}
		payload, decodeErr := decodeObserved(raw)
		if decodeErr != nil {
			continue
		}
		def.APIs[method] = APIDefinition{
			Description:       gen2APIDescriptions[method],
			ResponseStructure: inferStructure(payload),
		}
		if method == "Shelly.GetConfig" {
			configPayload = payload
		}
	}

	if configMap, ok := configPayload.(map[string]interface{}); ok {
		harvestGen2Parameters(def, configMap)
	}

	return def, nil
}

// harvestGen1Parameters turns every leaf of a Gen1 payload into a
// parameter. Status fields and a fixed list of identity fields are marked
// read-only.
func harvestGen1Parameters(def *CapabilityDefinition, apiName string, payload interface{}) {
	statusAPI := apiName == "status"
	walkLeaves(payload, "", func(path string, value interface{}) {
		if _, exists := def.Parameters[path]; exists {
			return
		}
		def.Parameters[path] = ParameterDescriptor{
			Type:          inferType(value),
			API:           apiName,
			ParameterPath: path,
			ReadOnly:      statusAPI || forcedReadOnly(path),
		}
	})
}

// harvestGen2Parameters harvests writable parameters from a Shelly.GetConfig
// payload. The top-level key selects the setter; for non-indexed components
// the first remaining segment becomes the nesting component hint.
func harvestGen2Parameters(def *CapabilityDefinition, config map[string]interface{}) {
	keys := make([]string, 0, len(config))
	for key := range config {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		base, _, indexed := ComponentIndex(key)
		setter := SetterForComponent(base)
		if setter == "" {
			continue
		}
		walkLeaves(config[key], "", func(path string, value interface{}) {
			name := key + "." + path
			if _, exists := def.Parameters[name]; exists {
				return
			}
			desc := ParameterDescriptor{
				Type:          inferType(value),
				API:           setter,
				ParameterPath: path,
				ReadOnly:      forcedReadOnly(path),
			}
			if indexed {
				desc.Component = key
			} else if head, rest, ok := strings.Cut(path, "."); ok {
				desc.Component = head
				desc.ParameterPath = rest
			}
			def.Parameters[name] = desc
		})
	}
}

// walkLeaves visits every leaf of a decoded JSON payload with its dotted
// path. Array elements contribute bracketed indices; arrays of primitives
// are themselves leaves.
func walkLeaves(value interface{}, prefix string, visit func(path string, value interface{})) {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			path := key
			if prefix != "" {
				path = prefix + "." + key
			}
			walkLeaves(v[key], path, visit)
		}
	case []interface{}:
		allObjects := len(v) > 0
		for _, elem := range v {
			if _, ok := elem.(map[string]interface{}); !ok {
				allObjects = false
				break
			}
		}
		if allObjects {
			for i, elem := range v {
				walkLeaves(elem, fmt.Sprintf("%s[%d]", prefix, i), visit)
			}
			return
		}
		if prefix != "" {
			visit(prefix, v)
		}
	default:
		if prefix != "" {
			visit(prefix, value)
		}
	}
}

// forcedReadOnly applies the fixed read-only name and prefix patterns.
func forcedReadOnly(path string) bool {
	leaf := path
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		leaf = path[idx+1:]
	}
	if bracket := strings.Index(leaf, "["); bracket >= 0 {
		leaf = leaf[:bracket]
	}
	if readOnlyLeafNames[leaf] {
		return true
	}
	for _, prefix := range readOnlyPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// decodeObserved decodes a raw payload preserving the integer/float
// distinction via json.Number.
func decodeObserved(raw json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// inferType classifies a decoded JSON leaf by its observed type.
func inferType(value interface{}) ParameterType {
	switch v := value.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBoolean
	case json.Number:
		if strings.ContainsAny(string(v), ".eE") {
			return TypeFloat
		}
		return TypeInteger
	case string:
		return TypeString
	case map[string]interface{}:
		return TypeObject
	case []interface{}:
		return TypeArray
	default:
		return TypeString
	}
}

// inferStructure builds the recorded response structure: type names at the
// leaves, nested maps for objects, single-element lists for arrays.
func inferStructure(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		structure := make(map[string]interface{}, len(v))
		for key, elem := range v {
			structure[key] = inferStructure(elem)
		}
		return structure
	case []interface{}:
		if len(v) == 0 {
			return string(TypeArray)
		}
		return []interface{}{inferStructure(v[0])}
	default:
		return string(inferType(value))
	}
}
