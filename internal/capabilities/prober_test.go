package capabilities

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	"github.com/frostdev-ops/shelly-fleet-go/internal/transport"
)

func fakeGen1Device(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/shelly", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"SHPLG-S","mac":"E868E7EA6333","fw":"1.11.0","auth":false}`))
	})
	mux.HandleFunc("/settings", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"device":{"hostname":"shellyplug-s-6333","mac":"E868E7EA6333"},"name":"plug",` +
			`"eco_mode_enabled":false,"max_power":2500,"led_status_disable":false,` +
			`"mqtt":{"enable":false,"server":"192.168.1.2:1883"}}`))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"wifi_sta":{"connected":true,"ssid":"homenet","rssi":-61},` +
			`"relays":[{"ison":true,"overpower":false}],` +
			`"update":{"status":"idle","has_update":false},"uptime":12345,"temperature":21.4}`))
	})
	mux.HandleFunc("/settings/relay/0", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"","ison":true,"default_state":"off","auto_on":0,"auto_off":0}`))
	})
	return httptest.NewServer(mux)
}

func fakeGen2Device(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rpc", r.URL.Path)
		var req transport.RPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		respond := func(result string) {
			json.NewEncoder(w).Encode(transport.RPCResponse{ID: req.ID, Result: json.RawMessage(result)})
		}
		switch req.Method {
		case "Shelly.GetDeviceInfo":
			respond(`{"id":"shellyplus1pm-a8032ab12345","mac":"A8032AB12345","model":"SNSW-001P16EU",` +
				`"gen":2,"fw_id":"20231107-163214","ver":"1.0.8","app":"Plus1PM","auth_en":false}`)
		case "Shelly.GetConfig":
			respond(`{"sys":{"device":{"name":"heater","eco_mode":false,"mac":"A8032AB12345"},` +
				`"sntp":{"server":"time.google.com"}},` +
				`"mqtt":{"enable":false,"server":null},` +
				`"switch:0":{"name":null,"in_mode":"follow","initial_state":"restore_last","auto_on":false,"power_limit":2800}}`)
		case "Shelly.GetStatus":
			respond(`{"sys":{"uptime":98347,"ram_free":148716},"switch:0":{"output":true,"apower":48.3}}`)
		case "Sys.GetStatus":
			respond(`{"uptime":98347,"restart_required":false}`)
		case "MQTT.GetConfig":
			respond(`{"enable":false,"server":null}`)
		case "WiFi.GetConfig":
			respond(`{"sta":{"ssid":"homenet","enable":true}}`)
		default:
			json.NewEncoder(w).Encode(transport.RPCResponse{
				ID:    req.ID,
				Error: &transport.RPCError{Code: -114, Message: "Method not found"},
			})
		}
	}))
}

func serverHost(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestProberGen1Discovery(t *testing.T) {
	srv := fakeGen1Device(t)
	defer srv.Close()

	prober := NewProber(transport.New(testLogger()), testLogger())
	device := &model.Device{ID: "E868E7EA6333", Generation: model.Gen1, IPAddress: serverHost(srv)}

	def, err := prober.Discover(context.Background(), device)
	require.NoError(t, err)

	assert.Equal(t, "SHPLG-S", def.DeviceType)
	assert.Equal(t, model.Gen1, def.Generation)
	assert.True(t, def.Generated)

	// Responsive endpoints become APIs; missing ones are skipped.
	assert.Contains(t, def.APIs, "shelly")
	assert.Contains(t, def.APIs, "settings")
	assert.Contains(t, def.APIs, "status")
	assert.Contains(t, def.APIs, "settings/relay/0")
	assert.NotContains(t, def.APIs, "settings/light/0")

	eco, ok := def.Parameters["eco_mode_enabled"]
	require.True(t, ok)
	assert.Equal(t, TypeBoolean, eco.Type)
	assert.Equal(t, "settings", eco.API)
	assert.Equal(t, "eco_mode_enabled", eco.ParameterPath)
	assert.False(t, eco.ReadOnly)

	maxPower, ok := def.Parameters["max_power"]
	require.True(t, ok)
	assert.Equal(t, TypeInteger, maxPower.Type)

	// Status fields are read-only, as are forced identity fields.
	rssi, ok := def.Parameters["wifi_sta.rssi"]
	require.True(t, ok)
	assert.True(t, rssi.ReadOnly)

	ison, ok := def.Parameters["relays[0].ison"]
	require.True(t, ok)
	assert.True(t, ison.ReadOnly)

	mac, ok := def.Parameters["device.mac"]
	require.True(t, ok)
	assert.True(t, mac.ReadOnly)
	assert.Equal(t, "settings", mac.API)
}

func TestProberGen2Discovery(t *testing.T) {
	srv := fakeGen2Device(t)
	defer srv.Close()

	prober := NewProber(transport.New(testLogger()), testLogger())
	device := &model.Device{ID: "A8032AB12345", Generation: model.Gen2, IPAddress: serverHost(srv)}

	def, err := prober.Discover(context.Background(), device)
	require.NoError(t, err)

	assert.Equal(t, "Plus1PM", def.DeviceType)
	assert.Equal(t, model.Gen2, def.Generation)
	assert.Equal(t, []string{"SNSW-001P16EU"}, def.TypeMappings)

	assert.Contains(t, def.APIs, "Shelly.GetConfig")
	assert.Contains(t, def.APIs, "MQTT.GetConfig")
	assert.NotContains(t, def.APIs, "BLE.GetConfig")
	assert.NotContains(t, def.APIs, "Script.List")

	eco, ok := def.Parameters["sys.device.eco_mode"]
	require.True(t, ok)
	assert.Equal(t, "Sys.SetConfig", eco.API)
	assert.Equal(t, "device", eco.Component)
	assert.Equal(t, "eco_mode", eco.ParameterPath)
	assert.Equal(t, TypeBoolean, eco.Type)

	inMode, ok := def.Parameters["switch:0.in_mode"]
	require.True(t, ok)
	assert.Equal(t, "Switch.SetConfig", inMode.API)
	assert.Equal(t, "switch:0", inMode.Component)
	assert.Equal(t, "in_mode", inMode.ParameterPath)

	mqttEnable, ok := def.Parameters["mqtt.enable"]
	require.True(t, ok)
	assert.Equal(t, "MQTT.SetConfig", mqttEnable.API)
	assert.Equal(t, "", mqttEnable.Component)
	assert.Equal(t, "enable", mqttEnable.ParameterPath)

	// A null leaf is recorded as nullable.
	mqttServer, ok := def.Parameters["mqtt.server"]
	require.True(t, ok)
	assert.Equal(t, TypeNull, mqttServer.Type)
}

func TestProberDiscoveryIdempotent(t *testing.T) {
	srv := fakeGen1Device(t)
	defer srv.Close()

	prober := NewProber(transport.New(testLogger()), testLogger())
	device := &model.Device{ID: "E868E7EA6333", Generation: model.Gen1, IPAddress: serverHost(srv)}

	first, err := prober.Discover(context.Background(), device)
	require.NoError(t, err)
	second, err := prober.Discover(context.Background(), device)
	require.NoError(t, err)

	// Identical modulo the generation timestamp.
	first.GeneratedAt = time.Time{}
	second.GeneratedAt = time.Time{}
	assert.Equal(t, first, second)

	firstYAML, err := yaml.Marshal(first)
	require.NoError(t, err)
	secondYAML, err := yaml.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, firstYAML, secondYAML)
}

func TestProberRequiresIPAddress(t *testing.T) {
	prober := NewProber(transport.New(testLogger()), testLogger())
	device := &model.Device{ID: "AABBCCDDEEFF", Generation: model.Gen1}

	_, err := prober.Discover(context.Background(), device)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no IP address")
}
