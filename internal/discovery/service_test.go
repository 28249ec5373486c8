package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	"github.com/frostdev-ops/shelly-fleet-go/internal/registry"
	"github.com/frostdev-ops/shelly-fleet-go/internal/transport"
	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

type harness struct {
	registry *registry.Registry
	service  *Service
	dir      string
}

func newHarness(t *testing.T, opts ...ServiceOption) *harness {
	t.Helper()
	logger := testLogger()
	dir := t.TempDir()
	reg, err := registry.New(dir, logger)
	require.NoError(t, err)

	client := transport.New(logger, transport.WithTimeout(2*time.Second), transport.WithRetryBackoff(5*time.Millisecond))
	base := []ServiceOption{WithMDNS(false, "", 0)}
	svc := NewService(reg, testTypes(t), client, logger, append(base, opts...)...)
	return &harness{registry: reg, service: svc, dir: dir}
}

// fakeGen1Plug serves /shelly identification and /settings with the given
// device name, counting settings fetches.
func fakeGen1Plug(t *testing.T, name string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var settingsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/shelly":
			w.Write([]byte(`{"type":"SHPLG-S","mac":"E868E7EA6333","auth":false,"fw":"20230913-114008/v1.14.0-gcb84623"}`))
		case "/settings":
			settingsHits.Add(1)
			w.Write([]byte(`{"name":"` + name + `","device":{"type":"SHPLG-S"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &settingsHits
}

func TestRunRegistersProbedDevice(t *testing.T) {
	srv, settingsHits := fakeGen1Plug(t, "Balcony plug")
	h := newHarness(t)

	summary, err := h.service.Run(context.Background(), []string{hostOf(srv)})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Found)
	assert.Equal(t, 1, summary.New)
	assert.Equal(t, 0, summary.Updated)
	assert.Equal(t, 1, summary.Targets)

	device, ok := h.registry.Get("E868E7EA6333")
	require.True(t, ok)
	assert.Equal(t, "SHPLG-S", device.DeviceType)
	assert.Equal(t, model.Gen1, device.Generation)
	assert.Equal(t, "20230913-114008/v1.14.0-gcb84623", device.FirmwareVersion)
	assert.Equal(t, "Balcony plug", device.Name)
	assert.Equal(t, int32(1), settingsHits.Load())

	_, err = os.Stat(filepath.Join(h.dir, "SHPLG-S_E868E7EA6333.yaml"))
	assert.NoError(t, err)
}

func TestRunWithoutEnrichmentSkipsNameFetch(t *testing.T) {
	srv, settingsHits := fakeGen1Plug(t, "Balcony plug")
	h := newHarness(t, WithEnrichment(false))

	_, err := h.service.Run(context.Background(), []string{hostOf(srv)})
	require.NoError(t, err)

	device, ok := h.registry.Get("E868E7EA6333")
	require.True(t, ok)
	assert.Empty(t, device.Name)
	assert.Equal(t, int32(0), settingsHits.Load())
}

func TestRunCountsKnownDeviceAsUpdated(t *testing.T) {
	srv, _ := fakeGen1Plug(t, "Balcony plug")
	var hookCalls atomic.Int32
	h := newHarness(t, WithDiscoveredHook(func(*model.Device) { hookCalls.Add(1) }))

	_, err := h.registry.Upsert(&model.Device{
		ID:              "E868E7EA6333",
		DeviceType:      "SHPLG-S",
		Generation:      model.Gen1,
		Name:            "Balcony plug",
		IPAddress:       "192.168.1.99",
		DiscoveryMethod: model.DiscoveryManual,
	})
	require.NoError(t, err)

	summary, err := h.service.Run(context.Background(), []string{hostOf(srv)})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Found)
	assert.Equal(t, 0, summary.New)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, int32(0), hookCalls.Load())

	device, ok := h.registry.Get("E868E7EA6333")
	require.True(t, ok)
	assert.Equal(t, hostOf(srv), device.IPAddress)
	assert.Equal(t, "Balcony plug", device.Name)
}

func TestRunInvokesDiscoveredHookForNewDevices(t *testing.T) {
	srv, _ := fakeGen1Plug(t, "Balcony plug")
	var discovered []string
	h := newHarness(t, WithDiscoveredHook(func(d *model.Device) {
		discovered = append(discovered, d.ID)
	}))

	_, err := h.service.Run(context.Background(), []string{hostOf(srv)})
	require.NoError(t, err)
	assert.Equal(t, []string{"E868E7EA6333"}, discovered)
}

func TestRunFiresRunHooks(t *testing.T) {
	srv, _ := fakeGen1Plug(t, "")
	var startedTargets int
	var completed *Summary
	h := newHarness(t,
		WithEnrichment(false),
		WithRunHooks(
			func(targets int) { startedTargets = targets },
			func(s *Summary) { completed = s },
		))

	summary, err := h.service.Run(context.Background(), []string{hostOf(srv)})
	require.NoError(t, err)
	assert.Equal(t, 1, startedTargets)
	require.NotNil(t, completed)
	assert.Equal(t, summary.Found, completed.Found)
}

func TestRunSkipsHooksWhenExpansionFails(t *testing.T) {
	var fired bool
	h := newHarness(t, WithRunHooks(
		func(int) { fired = true },
		func(*Summary) { fired = true },
	))

	_, err := h.service.Run(context.Background(), []string{"10.0.0.0/8"})
	require.Error(t, err)
	assert.False(t, fired)
}

// Probe and announcement records for one MAC arriving in the same run must
// merge: the probe result stays authoritative, the announcement fills the
// hostname and friendly name.
func TestAbsorbMergesProbeAndAnnouncement(t *testing.T) {
	h := newHarness(t, WithEnrichment(false))
	summary := &Summary{}
	seen := make(map[string]struct{})

	probed := model.Device{
		ID:              "AABBCCDDEEFF",
		DeviceType:      "SHPLG-S",
		Generation:      model.Gen1,
		IPAddress:       "192.168.1.40",
		FirmwareVersion: "v1.14.0",
		DiscoveryMethod: model.DiscoveryHTTPProbe,
		LastSeenAt:      time.Now().UTC(),
	}
	announced := model.Device{
		ID:              "AABBCCDDEEFF",
		Name:            "Hall plug",
		Hostname:        "shellyplug-s-aabbccddeeff.local",
		Generation:      model.Gen1,
		IPAddress:       "192.168.1.40",
		DiscoveryMethod: model.DiscoveryMDNS,
		LastSeenAt:      time.Now().UTC().Add(time.Second),
	}

	h.service.absorb(context.Background(), probed, summary, seen)
	h.service.absorb(context.Background(), announced, summary, seen)

	assert.Equal(t, 1, summary.Found)
	assert.Equal(t, 1, summary.New)

	merged, ok := h.registry.Get("AABBCCDDEEFF")
	require.True(t, ok)
	assert.Equal(t, "SHPLG-S", merged.DeviceType)
	assert.Equal(t, "v1.14.0", merged.FirmwareVersion)
	assert.Equal(t, "Hall plug", merged.Name)
	assert.Equal(t, "shellyplug-s-aabbccddeeff.local", merged.Hostname)
	assert.Equal(t, model.DiscoveryHTTPProbe, merged.DiscoveryMethod)
}

func TestRunRefusesOverlappingRuns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(250 * time.Millisecond)
		w.Write([]byte(`{"type":"SHPLG-S","mac":"E868E7EA6333","fw":"v1.14.0"}`))
	}))
	t.Cleanup(srv.Close)
	h := newHarness(t, WithEnrichment(false))

	firstDone := make(chan error, 1)
	go func() {
		_, err := h.service.Run(context.Background(), []string{hostOf(srv)})
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return h.service.running.Load() }, time.Second, 5*time.Millisecond)

	_, err := h.service.Run(context.Background(), []string{hostOf(srv)})
	require.Error(t, err)
	assert.True(t, operrors.IsKind(err, operrors.KindInternal))
	assert.Contains(t, err.Error(), "already in progress")

	require.NoError(t, <-firstDone)
}

func TestRunReleasesGuardAfterBadSubnet(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.Run(context.Background(), []string{"10.0.0.0/8"})
	require.Error(t, err)

	summary, err := h.service.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Targets)
}

func TestRunDefaultsToConfiguredSubnets(t *testing.T) {
	srv, _ := fakeGen1Plug(t, "Balcony plug")
	h := newHarness(t, WithSubnets([]string{hostOf(srv)}), WithEnrichment(false))

	summary, err := h.service.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Found)
}

func TestRefreshReidentifiesDevice(t *testing.T) {
	srv, _ := fakeGen1Plug(t, "Balcony plug")
	h := newHarness(t)

	_, err := h.registry.Upsert(&model.Device{
		ID:              "E868E7EA6333",
		DeviceType:      "SHPLG-S",
		Generation:      model.Gen1,
		IPAddress:       hostOf(srv),
		FirmwareVersion: "20210909-100000/v1.11.0",
		DiscoveryMethod: model.DiscoveryManual,
	})
	require.NoError(t, err)

	device, err := h.service.Refresh(context.Background(), "E868E7EA6333")
	require.NoError(t, err)
	assert.Equal(t, "20230913-114008/v1.14.0-gcb84623", device.FirmwareVersion)
}

func TestRefreshRejectsMACMismatch(t *testing.T) {
	srv, _ := identityServer(t, `{"type":"SHPLG-S","mac":"FFFFFFFFFFFF","fw":"v1.14.0"}`)
	h := newHarness(t)

	_, err := h.registry.Upsert(&model.Device{
		ID:              "E868E7EA6333",
		DeviceType:      "SHPLG-S",
		Generation:      model.Gen1,
		IPAddress:       hostOf(srv),
		DiscoveryMethod: model.DiscoveryManual,
	})
	require.NoError(t, err)

	_, err = h.service.Refresh(context.Background(), "E868E7EA6333")
	require.Error(t, err)
	assert.True(t, operrors.IsKind(err, operrors.KindDeviceError))
	assert.Contains(t, err.Error(), "FFFFFFFFFFFF")
}

func TestRefreshUnknownDevice(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.Refresh(context.Background(), "000000000000")
	require.Error(t, err)
	assert.True(t, operrors.IsKind(err, operrors.KindUnknownDevice))
}
