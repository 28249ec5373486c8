package discovery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/shelly-fleet-go/internal/capabilities"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	"github.com/frostdev-ops/shelly-fleet-go/internal/transport"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func testTypes(t *testing.T) *capabilities.DeviceTypes {
	t.Helper()
	return capabilities.LoadDeviceTypes(filepath.Join(t.TempDir(), "device_types.yaml"), testLogger())
}

func testProber(t *testing.T) *Prober {
	t.Helper()
	client := transport.New(testLogger(), transport.WithTimeout(2*time.Second), transport.WithRetryBackoff(5*time.Millisecond))
	return NewProber(client, testTypes(t), 16, time.Second, nil, testLogger())
}

// identityServer answers GET /shelly with a fixed payload and counts hits.
func identityServer(t *testing.T, payload string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/shelly" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payload))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func collect(out chan model.Device) []model.Device {
	var devices []model.Device
	for {
		select {
		case d := <-out:
			devices = append(devices, d)
		default:
			return devices
		}
	}
}

func TestScanIdentifiesGen1Device(t *testing.T) {
	srv, _ := identityServer(t, `{"type":"SHPLG-S","mac":"e868e7ea6333","auth":false,"fw":"20230913-114008/v1.14.0-gcb84623"}`)

	out := make(chan model.Device, 4)
	err := testProber(t).Scan(context.Background(), []string{hostOf(srv)}, out)
	require.NoError(t, err)

	devices := collect(out)
	require.Len(t, devices, 1)
	device := devices[0]
	assert.Equal(t, "E868E7EA6333", device.ID)
	assert.Equal(t, "SHPLG-S", device.DeviceType)
	assert.Equal(t, model.Gen1, device.Generation)
	assert.Equal(t, hostOf(srv), device.IPAddress)
	assert.Equal(t, "20230913-114008/v1.14.0-gcb84623", device.FirmwareVersion)
	assert.Equal(t, model.DiscoveryHTTPProbe, device.DiscoveryMethod)
	assert.False(t, device.AuthEnabled)
}

func TestScanIdentifiesGen2Device(t *testing.T) {
	srv, _ := identityServer(t, `{"id":"shellyplus1pm-a8032ab12345","mac":"A8032AB12345","model":"SNSW-001P16EU","gen":2,"fw_id":"20240625-123456/1.3.3-gbdfd9b3","ver":"1.3.3","app":"Plus1PM","auth_en":true}`)

	out := make(chan model.Device, 4)
	err := testProber(t).Scan(context.Background(), []string{hostOf(srv)}, out)
	require.NoError(t, err)

	devices := collect(out)
	require.Len(t, devices, 1)
	device := devices[0]
	assert.Equal(t, "A8032AB12345", device.ID)
	assert.Equal(t, "Plus1PM", device.DeviceType)
	assert.Equal(t, "SNSW-001P16EU", device.Model)
	assert.Equal(t, model.Gen2, device.Generation)
	assert.Equal(t, "1.3.3", device.FirmwareVersion)
	assert.True(t, device.AuthEnabled)
}

func TestScanInfersGenerationFromModelPrefix(t *testing.T) {
	srv, _ := identityServer(t, `{"id":"shelly1pmminig3-543204abcdef","mac":"543204ABCDEF","model":"S3SW-001P8EU","app":"Mini1PMG3","ver":"1.4.0"}`)

	out := make(chan model.Device, 4)
	err := testProber(t).Scan(context.Background(), []string{hostOf(srv)}, out)
	require.NoError(t, err)

	devices := collect(out)
	require.Len(t, devices, 1)
	assert.Equal(t, model.Gen3, devices[0].Generation)
}

func TestScanDiscardsNonShellyHosts(t *testing.T) {
	toaster, _ := identityServer(t, `{"product":"toaster","mac":"112233445566"}`)
	garbage, _ := identityServer(t, `<html><body>router admin</body></html>`)
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(failing.Close)

	out := make(chan model.Device, 4)
	err := testProber(t).Scan(context.Background(), []string{hostOf(toaster), hostOf(garbage), hostOf(failing)}, out)
	require.NoError(t, err)
	assert.Empty(t, collect(out))
}

// A probe is one request; dead addresses are never retried.
func TestProbeIsSingleAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	out := make(chan model.Device, 4)
	err := testProber(t).Scan(context.Background(), []string{hostOf(srv)}, out)
	require.NoError(t, err)
	assert.Empty(t, collect(out))
	assert.Equal(t, int32(1), hits.Load())
}

func TestScanStopsAtChunkBoundaryWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan model.Device, 4)
	err := testProber(t).Scan(ctx, []string{"192.0.2.1", "192.0.2.2"}, out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, collect(out))
}

// A sweep over a mostly dead range must cost chunk-count round trips, not
// one probe timeout per address.
func TestScanMostlyDeadRangeFinishesQuickly(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadAddr := hostOf(dead)
	dead.Close()

	live, _ := identityServer(t, `{"type":"SHPLG-S","mac":"E868E7EA6333","fw":"v1.14.0"}`)

	targets := make([]string, 0, 33)
	for i := 0; i < 32; i++ {
		targets = append(targets, deadAddr)
	}
	targets = append(targets, hostOf(live))

	out := make(chan model.Device, 64)
	started := time.Now()
	err := testProber(t).Scan(context.Background(), targets, out)
	require.NoError(t, err)

	assert.Less(t, time.Since(started), 3*time.Second)
	devices := collect(out)
	require.Len(t, devices, 1)
	assert.Equal(t, "E868E7EA6333", devices[0].ID)
}
