package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/shelly-fleet-go/internal/engine"
	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

// writeConfig lays out an isolated fleet rooted in a temp dir so
// consecutive invocations against the same config share state through the
// filesystem, the way real runs do.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`logging:
  level: error
paths:
  config_dir: %s
  data_dir: %s
discovery:
  mdns_enabled: false
  probe_timeout: 2s
transport:
  timeout: 2s
  retry_backoff: 5ms
`, filepath.Join(dir, "config"), filepath.Join(dir, "data"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	var buf bytes.Buffer
	root := New().Root()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// fakePlug serves the Gen1 surface of a Shelly Plug S: identification,
// settings with a mutable name, status, and the relay endpoint.
func fakePlug(t *testing.T) *httptest.Server {
	t.Helper()
	var name atomic.Value
	name.Store("hallway")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/shelly":
			fmt.Fprint(w, `{"type":"SHPLG-S","mac":"E868E7EA6333","auth":false,"fw":"20230913-114008/v1.14.0-gcb84623"}`)
		case "/settings":
			if v := r.URL.Query().Get("name"); v != "" {
				name.Store(v)
			}
			fmt.Fprintf(w, `{"name":%q,"device":{"type":"SHPLG-S"}}`, name.Load())
		case "/status":
			fmt.Fprint(w, `{"relays":[{"ison":true}],"update":{"has_update":false}}`)
		case "/relay/0":
			fmt.Fprint(w, `{"ison":true}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func plugHost(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"device failure sentinel", ErrDeviceFailure, 1},
		{"unreachable", operrors.New(operrors.KindUnreachable, "gone"), 1},
		{"timeout", operrors.New(operrors.KindTimeout, "slow"), 1},
		{"usage sentinel", fmt.Errorf("%w: bad flag", ErrUsage), 2},
		{"confirmation required", operrors.New(operrors.KindConfirmationRequired, "say yes"), 2},
		{"unknown device", operrors.New(operrors.KindUnknownDevice, "who"), 2},
		{"unsupported parameter", operrors.New(operrors.KindUnsupportedParameter, "nope"), 2},
		{"internal", fmt.Errorf("boom"), 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExitCode(tc.err))
		})
	}
}

func TestParseValueTyping(t *testing.T) {
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, false, parseValue("False"))
	assert.Equal(t, int64(42), parseValue("42"))
	assert.Equal(t, 19.5, parseValue("19.5"))
	assert.Equal(t, "kitchen", parseValue("kitchen"))
}

func TestParseArgPairs(t *testing.T) {
	args, err := parseArgPairs([]string{"channel=1", "brightness=80", "mode=color"})
	require.NoError(t, err)
	assert.Equal(t, engine.Args{"channel": int64(1), "brightness": int64(80), "mode": "color"}, args)

	_, err = parseArgPairs([]string{"channel"})
	assert.ErrorIs(t, err, ErrUsage)

	args, err = parseArgPairs(nil)
	require.NoError(t, err)
	assert.Nil(t, args)
}

func TestDiscoverRegistersDevice(t *testing.T) {
	cfg := writeConfig(t)
	srv := fakePlug(t)

	out, err := runCLI(t, "--config", cfg, "discover", "--ips", plugHost(srv))
	require.NoError(t, err)
	assert.Contains(t, out, "Found SHPLG-S E868E7EA6333")
	assert.Contains(t, out, "1 found, 1 new, 0 updated")

	out, err = runCLI(t, "--config", cfg, "devices", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "E868E7EA6333")
	assert.Contains(t, out, "SHPLG-S")
	assert.Contains(t, out, "1 device(s)")
}

func TestDevicesListJSON(t *testing.T) {
	cfg := writeConfig(t)
	srv := fakePlug(t)
	_, err := runCLI(t, "--config", cfg, "discover", "--ips", plugHost(srv))
	require.NoError(t, err)

	out, err := runCLI(t, "--config", cfg, "--json", "devices", "list")
	require.NoError(t, err)
	var devices []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "E868E7EA6333", devices[0]["id"])
}

func TestDevicesShowAcceptsAnyMACSpelling(t *testing.T) {
	cfg := writeConfig(t)
	srv := fakePlug(t)
	_, err := runCLI(t, "--config", cfg, "discover", "--ips", plugHost(srv))
	require.NoError(t, err)

	out, err := runCLI(t, "--config", cfg, "devices", "show", "e8:68:e7:ea:63:33")
	require.NoError(t, err)
	assert.Contains(t, out, "SHPLG-S")
	assert.Contains(t, out, "gen1")
}

func TestDevicesShowUnknownDevice(t *testing.T) {
	cfg := writeConfig(t)
	_, err := runCLI(t, "--config", cfg, "devices", "show", "AAAAAAAAAAAA")
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
}

func TestParameterRoundTrip(t *testing.T) {
	cfg := writeConfig(t)
	srv := fakePlug(t)
	_, err := runCLI(t, "--config", cfg, "discover", "--ips", plugHost(srv))
	require.NoError(t, err)

	out, err := runCLI(t, "--config", cfg, "parameters", "set", "E868E7EA6333", "name", "kitchen")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	out, err = runCLI(t, "--config", cfg, "parameters", "get", "E868E7EA6333", "name")
	require.NoError(t, err)
	assert.Contains(t, out, "name = kitchen")
}

func TestParametersListFromMappingTable(t *testing.T) {
	cfg := writeConfig(t)
	out, err := runCLI(t, "--config", cfg, "parameters", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "eco_mode")
	assert.Contains(t, out, "mqtt.enable")

	_, err = runCLI(t, "--config", cfg, "parameters", "list", "--generation", "gen9")
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
}

func TestGroupLifecycle(t *testing.T) {
	cfg := writeConfig(t)
	srv := fakePlug(t)
	_, err := runCLI(t, "--config", cfg, "discover", "--ips", plugHost(srv))
	require.NoError(t, err)

	out, err := runCLI(t, "--config", cfg, "groups", "create", "floor1", "--devices", "E868E7EA6333", "--tags", "lights")
	require.NoError(t, err)
	assert.Contains(t, out, "floor1")

	out, err = runCLI(t, "--config", cfg, "groups", "show", "floor1")
	require.NoError(t, err)
	assert.Contains(t, out, "E868E7EA6333")

	out, err = runCLI(t, "--config", cfg, "groups", "operate", "floor1", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "floor1 status: 1 ok, 0 failed, 0 skipped")

	out, err = runCLI(t, "--config", cfg, "groups", "remove-device", "floor1", "E868E7EA6333")
	require.NoError(t, err)
	assert.Contains(t, out, "0 device(s)")
}

func TestAllDevicesDestructiveInterlock(t *testing.T) {
	cfg := writeConfig(t)
	srv := fakePlug(t)
	_, err := runCLI(t, "--config", cfg, "discover", "--ips", plugHost(srv))
	require.NoError(t, err)

	_, err = runCLI(t, "--config", cfg, "groups", "operate", "all-devices", "off")
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
	assert.Contains(t, err.Error(), "requires explicit confirmation")

	out, err := runCLI(t, "--config", cfg, "groups", "operate", "all-devices", "off", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "1 ok, 0 failed, 0 skipped")
}

func TestGroupOperateFailureExitCode(t *testing.T) {
	cfg := writeConfig(t)
	srv := fakePlug(t)
	_, err := runCLI(t, "--config", cfg, "discover", "--ips", plugHost(srv))
	require.NoError(t, err)
	srv.Close()

	_, err = runCLI(t, "--config", cfg, "groups", "operate", "all-devices", "status")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceFailure)
	assert.Equal(t, 1, ExitCode(err))
}

func TestCapabilitiesDiscoverAndList(t *testing.T) {
	cfg := writeConfig(t)
	srv := fakePlug(t)
	_, err := runCLI(t, "--config", cfg, "discover", "--ips", plugHost(srv))
	require.NoError(t, err)

	out, err := runCLI(t, "--config", cfg, "capabilities", "discover", "--id", "E868E7EA6333")
	require.NoError(t, err)
	assert.Contains(t, out, "Generated definition SHPLG-S")

	out, err = runCLI(t, "--config", cfg, "capabilities", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "SHPLG-S")

	out, err = runCLI(t, "--config", cfg, "capabilities", "discover", "--id", "E868E7EA6333")
	require.NoError(t, err)
	assert.Contains(t, out, "already cached")
}

func TestCapabilitiesDiscoverNeedsTarget(t *testing.T) {
	cfg := writeConfig(t)
	_, err := runCLI(t, "--config", cfg, "capabilities", "discover")
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
}

func TestSnapshotExportImport(t *testing.T) {
	cfg := writeConfig(t)
	srv := fakePlug(t)
	_, err := runCLI(t, "--config", cfg, "discover", "--ips", plugHost(srv))
	require.NoError(t, err)

	archive := filepath.Join(t.TempDir(), "fleet.tar.gz")
	out, err := runCLI(t, "--config", cfg, "snapshot", "export", archive)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported")
	_, err = os.Stat(archive)
	require.NoError(t, err)

	out, err = runCLI(t, "--config", cfg, "snapshot", "import", archive, "--overwrite")
	require.NoError(t, err)
	assert.Contains(t, out, "Restored")
}

func TestUsageErrorsExitWithTwo(t *testing.T) {
	cfg := writeConfig(t)

	_, err := runCLI(t, "--config", cfg, "parameters", "get", "onlyone")
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))

	_, err = runCLI(t, "--config", cfg, "devices", "list", "--bogus")
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
}

func TestVersionRunsWithoutServices(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "commit")
}
