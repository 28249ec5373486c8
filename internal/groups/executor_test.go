package groups

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/shelly-fleet-go/internal/capabilities"
	"github.com/frostdev-ops/shelly-fleet-go/internal/engine"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	"github.com/frostdev-ops/shelly-fleet-go/internal/registry"
	"github.com/frostdev-ops/shelly-fleet-go/internal/transport"
	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

type fleet struct {
	registry *registry.Registry
	manager  *Manager
	executor *Executor
}

func newFleet(t *testing.T, opts ...ExecutorOption) *fleet {
	t.Helper()
	logger := testLogger()

	reg, err := registry.New(t.TempDir(), logger)
	require.NoError(t, err)
	manager, err := NewManager(t.TempDir(), logger)
	require.NoError(t, err)

	catDir := t.TempDir()
	mappings := capabilities.LoadMappings(filepath.Join(catDir, "parameter_mappings.yaml"), logger)
	types := capabilities.LoadDeviceTypes(filepath.Join(catDir, "device_types.yaml"), logger)
	cat, err := capabilities.NewCatalogue(filepath.Join(catDir, "device_capabilities"), mappings, types, nil, logger)
	require.NoError(t, err)

	client := transport.New(logger, transport.WithTimeout(time.Second), transport.WithRetryBackoff(5*time.Millisecond))
	eng := engine.New(client, cat, logger, engine.WithStore(reg))

	return &fleet{
		registry: reg,
		manager:  manager,
		executor: NewExecutor(reg, manager, eng, logger, opts...),
	}
}

func (f *fleet) addDevice(t *testing.T, mac, host string) {
	t.Helper()
	_, err := f.registry.Upsert(&model.Device{
		ID:              mac,
		DeviceType:      "SHPLG-S",
		Generation:      model.Gen1,
		IPAddress:       host,
		DiscoveryMethod: model.DiscoveryManual,
	})
	require.NoError(t, err)
}

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

// gen1Relay runs a fake Gen1 device counting relay calls.
func gen1Relay(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/relay/") {
			atomic.AddInt32(&calls, 1)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"ison": true})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

// deadHost returns an address with nothing listening on it.
func deadHost(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host := hostOf(srv)
	srv.Close()
	return host
}

func TestOperatePartialFailure(t *testing.T) {
	f := newFleet(t)

	srvA, callsA := gen1Relay(t)
	srvC, callsC := gen1Relay(t)

	f.addDevice(t, "AAAAAAAAAA01", hostOf(srvA))
	f.addDevice(t, "AAAAAAAAAA02", deadHost(t))
	f.addDevice(t, "AAAAAAAAAA03", hostOf(srvC))

	_, err := f.manager.Create(&model.Group{
		Name:      "kitchen",
		DeviceIDs: []string{"AAAAAAAAAA01", "AAAAAAAAAA02", "AAAAAAAAAA03"},
	})
	require.NoError(t, err)

	result, err := f.executor.Operate(context.Background(), "kitchen", "toggle", nil, false)
	require.NoError(t, err)

	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
	assert.Equal(t, 0, result.SkippedCount)
	require.Len(t, result.Results, 3)

	// Results keep the member order even though B failed mid-run.
	assert.Equal(t, "AAAAAAAAAA01", result.Results[0].DeviceID)
	assert.Equal(t, "AAAAAAAAAA02", result.Results[1].DeviceID)
	assert.Equal(t, "AAAAAAAAAA03", result.Results[2].DeviceID)
	assert.True(t, result.Results[0].Success)
	assert.Equal(t, operrors.KindUnreachable, result.Results[1].ErrorKind)
	assert.True(t, result.Results[2].Success)

	assert.Equal(t, int32(1), atomic.LoadInt32(callsA))
	assert.Equal(t, int32(1), atomic.LoadInt32(callsC))
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, "toggle", result.Action)
}

func TestAllDevicesInterlock(t *testing.T) {
	f := newFleet(t)

	srvA, callsA := gen1Relay(t)
	srvB, callsB := gen1Relay(t)
	f.addDevice(t, "AAAAAAAAAA01", hostOf(srvA))
	f.addDevice(t, "AAAAAAAAAA02", hostOf(srvB))

	// Without confirmation: one fleet error, zero device traffic.
	result, err := f.executor.Operate(context.Background(), model.AllDevicesGroup, "off", nil, false)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, operrors.KindConfirmationRequired, operrors.KindOf(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(callsA))
	assert.Equal(t, int32(0), atomic.LoadInt32(callsB))

	// With confirmation the run reaches every registered device.
	result, err = f.executor.Operate(context.Background(), model.AllDevicesGroup, "off", nil, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, int32(1), atomic.LoadInt32(callsA))
	assert.Equal(t, int32(1), atomic.LoadInt32(callsB))
}

func TestAllDevicesNonDestructiveNeedsNoConfirm(t *testing.T) {
	f := newFleet(t)

	srv, calls := gen1Relay(t)
	f.addDevice(t, "AAAAAAAAAA01", hostOf(srv))

	result, err := f.executor.Operate(context.Background(), model.AllDevicesGroup, "on", nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestWifiWriteOnAllDevicesIsGated(t *testing.T) {
	f := newFleet(t)
	f.addDevice(t, "AAAAAAAAAA01", deadHost(t))

	_, err := f.executor.SetParameter(context.Background(), model.AllDevicesGroup,
		"wifi.ssid", "fleet-net", engine.SetOptions{}, false)
	require.Error(t, err)
	assert.Equal(t, operrors.KindConfirmationRequired, operrors.KindOf(err))
}

func TestUnknownGroupIsFleetError(t *testing.T) {
	f := newFleet(t)

	_, err := f.executor.Operate(context.Background(), "no-such-group", "toggle", nil, false)
	require.Error(t, err)
	assert.Equal(t, operrors.KindUnknownDevice, operrors.KindOf(err))
}

func TestUnknownVerbIsFleetError(t *testing.T) {
	f := newFleet(t)

	_, err := f.executor.Operate(context.Background(), model.AllDevicesGroup, "defenestrate", nil, false)
	require.Error(t, err)
	assert.Equal(t, operrors.KindUnsupportedParameter, operrors.KindOf(err))
}

func TestUnknownMemberIsSkipped(t *testing.T) {
	f := newFleet(t)

	srv, _ := gen1Relay(t)
	f.addDevice(t, "AAAAAAAAAA01", hostOf(srv))

	_, err := f.manager.Create(&model.Group{
		Name:      "mixed",
		DeviceIDs: []string{"DEADBEEF0001", "AAAAAAAAAA01"},
	})
	require.NoError(t, err)

	result, err := f.executor.Operate(context.Background(), "mixed", "toggle", nil, false)
	require.NoError(t, err)

	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 0, result.FailureCount)
	assert.Equal(t, 1, result.SkippedCount)

	skipped := result.Results[0]
	assert.Equal(t, "DEADBEEF0001", skipped.DeviceID)
	assert.True(t, skipped.Skipped)
	assert.Equal(t, operrors.KindUnknownDevice, skipped.ErrorKind)
	assert.True(t, result.Results[1].Success)
}

func TestGetParameterAcrossGroup(t *testing.T) {
	f := newFleet(t)

	on := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"eco_mode_enabled":true}`))
	}))
	t.Cleanup(on.Close)
	off := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"eco_mode_enabled":false}`))
	}))
	t.Cleanup(off.Close)

	f.addDevice(t, "AAAAAAAAAA01", hostOf(on))
	f.addDevice(t, "AAAAAAAAAA02", hostOf(off))

	result, err := f.executor.GetParameter(context.Background(), model.AllDevicesGroup, "eco_mode")
	require.NoError(t, err)

	require.Len(t, result.Results, 2)
	assert.Equal(t, true, result.Results[0].Value)
	assert.Equal(t, false, result.Results[1].Value)
	assert.Equal(t, "get eco_mode", result.Action)
}

func TestApplyParametersAcrossGroup(t *testing.T) {
	f := newFleet(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	f.addDevice(t, "AAAAAAAAAA01", hostOf(srv))

	result, err := f.executor.ApplyParameters(context.Background(), model.AllDevicesGroup,
		map[string]interface{}{"eco_mode": "true", "name": "plug"}, engine.SetOptions{}, false)
	require.NoError(t, err)

	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, "2/2 parameters applied", result.Results[0].ResponseSummary)
}

func TestConcurrencyCeiling(t *testing.T) {
	var inFlight, peak int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.Write([]byte(`{"ison":true}`))
	})

	f := newFleet(t, WithConcurrency(2))
	for i := 0; i < 6; i++ {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		f.addDevice(t, fmt.Sprintf("AAAAAAAAAA%02d", i+1), hostOf(srv))
	}

	result, err := f.executor.Operate(context.Background(), model.AllDevicesGroup, "toggle", nil, false)
	require.NoError(t, err)
	assert.Equal(t, 6, result.SuccessCount)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestDispatchFollowsRegistryOrder(t *testing.T) {
	var mu sync.Mutex
	var hits []string
	server := func(label string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits = append(hits, label)
			mu.Unlock()
			w.Write([]byte(`{"ison":true}`))
		}))
	}

	// Serialize dispatch so the launch order is observable.
	f := newFleet(t, WithConcurrency(1))

	srvC := server("C")
	t.Cleanup(srvC.Close)
	srvA := server("A")
	t.Cleanup(srvA.Close)

	// C enters the registry first; the group lists A first.
	f.addDevice(t, "CCCCCCCCCC01", hostOf(srvC))
	f.addDevice(t, "AAAAAAAAAA01", hostOf(srvA))
	_, err := f.manager.Create(&model.Group{
		Name:      "ordered",
		DeviceIDs: []string{"AAAAAAAAAA01", "CCCCCCCCCC01"},
	})
	require.NoError(t, err)

	result, err := f.executor.Operate(context.Background(), "ordered", "toggle", nil, false)
	require.NoError(t, err)

	// Dispatch in registry insertion order, results in member order.
	assert.Equal(t, []string{"C", "A"}, hits)
	assert.Equal(t, "AAAAAAAAAA01", result.Results[0].DeviceID)
	assert.Equal(t, "CCCCCCCCCC01", result.Results[1].DeviceID)
}

func TestCompletionHook(t *testing.T) {
	var got *model.GroupResult
	f := newFleet(t, WithCompletionHook(func(r *model.GroupResult) { got = r }))

	srv, _ := gen1Relay(t)
	f.addDevice(t, "AAAAAAAAAA01", hostOf(srv))

	result, err := f.executor.Operate(context.Background(), model.AllDevicesGroup, "toggle", nil, false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, result.RunID, got.RunID)
}

func TestCancelledRunMarksRemainder(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.Write([]byte(`{"ison":true}`))
	}))
	t.Cleanup(slow.Close)

	f := newFleet(t, WithConcurrency(1))
	f.addDevice(t, "AAAAAAAAAA01", hostOf(slow))
	f.addDevice(t, "AAAAAAAAAA02", hostOf(slow))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := f.executor.Operate(ctx, model.AllDevicesGroup, "toggle", nil, false)
	require.NoError(t, err)
	assert.Equal(t, 0, result.SuccessCount)
	assert.Equal(t, 2, result.FailureCount)
	for _, r := range result.Results {
		assert.Equal(t, operrors.KindCancelled, r.ErrorKind)
	}
}
