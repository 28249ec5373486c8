package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestGen1CallBuildsQuery(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"eco_mode_enabled":true}`))
	}))
	defer srv.Close()

	client := New(testLogger())
	query := url.Values{}
	query.Set("eco_mode_enabled", "true")

	raw, err := client.Gen1Call(context.Background(), hostOf(srv), "/settings", query)
	require.NoError(t, err)

	assert.Equal(t, "/settings", gotPath)
	assert.Equal(t, "eco_mode_enabled=true", gotQuery)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, true, payload["eco_mode_enabled"])
}

func TestGen2CallSendsEnvelope(t *testing.T) {
	var gotReq RPCRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/rpc", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(RPCResponse{ID: gotReq.ID, Result: json.RawMessage(`{"restart_required":false}`)})
	}))
	defer srv.Close()

	client := New(testLogger())
	params := map[string]interface{}{
		"config": map[string]interface{}{
			"device": map[string]interface{}{"eco_mode": true},
		},
	}

	result, err := client.Gen2Call(context.Background(), hostOf(srv), "Sys.SetConfig", params)
	require.NoError(t, err)

	assert.Equal(t, "Sys.SetConfig", gotReq.Method)
	assert.NotZero(t, gotReq.ID)
	assert.JSONEq(t, `{"restart_required":false}`, string(result))
}

func TestGen2CallRPCErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(RPCResponse{ID: 1, Error: &RPCError{Code: -104, Message: "timed out"}})
	}))
	defer srv.Close()

	client := New(testLogger(), WithRetryBackoff(time.Millisecond))

	_, err := client.Gen2Call(context.Background(), hostOf(srv), "Sys.GetStatus", nil)
	require.Error(t, err)

	assert.Equal(t, operrors.KindDeviceError, operrors.KindOf(err))
	assert.Contains(t, err.Error(), "-104")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := New(testLogger(), WithRetryBackoff(time.Millisecond))

	_, err := client.Gen1Call(context.Background(), hostOf(srv), "/settings/relay/9", nil)
	require.Error(t, err)

	assert.Equal(t, operrors.KindHTTPError, operrors.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestTimeoutRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := New(testLogger(), WithTimeout(50*time.Millisecond), WithRetryBackoff(10*time.Millisecond))

	_, err := client.Gen1Call(context.Background(), hostOf(srv), "/status", nil)
	require.Error(t, err)

	assert.Equal(t, operrors.KindTimeout, operrors.KindOf(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestConnectionRefusedMapsToUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host := hostOf(srv)
	srv.Close()

	client := New(testLogger(), WithRetryBackoff(time.Millisecond))

	_, err := client.Gen1Call(context.Background(), host, "/shelly", nil)
	require.Error(t, err)

	assert.Equal(t, operrors.KindUnreachable, operrors.KindOf(err))
}

func TestCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	client := New(testLogger())

	_, err := client.Gen1Call(ctx, hostOf(srv), "/status", nil)
	require.Error(t, err)

	assert.Equal(t, operrors.KindCancelled, operrors.KindOf(err))
}

func TestUnauthorizedMapsToHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	bare := New(testLogger())
	_, err := bare.Gen1Call(context.Background(), hostOf(srv), "/settings", nil)
	require.Error(t, err)
	assert.Equal(t, operrors.KindHTTPError, operrors.KindOf(err))

	authed := New(testLogger(), WithCredentials(StaticCredentials{Username: "admin", Password: "secret"}))
	_, err = authed.Gen1Call(context.Background(), hostOf(srv), "/settings", nil)
	assert.NoError(t, err)
}

func TestBreakerShortCircuitsAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host := hostOf(srv)
	srv.Close()

	client := New(testLogger(), WithRetryBackoff(time.Millisecond), WithBreaker(2, time.Hour))

	for i := 0; i < 2; i++ {
		_, err := client.Gen1Call(context.Background(), host, "/status", nil)
		require.Error(t, err)
		assert.Equal(t, operrors.KindUnreachable, operrors.KindOf(err))
	}

	_, err := client.Gen1Call(context.Background(), host, "/status", nil)
	require.Error(t, err)
	assert.Equal(t, operrors.KindUnreachable, operrors.KindOf(err))
	assert.Contains(t, err.Error(), "circuit is open")
}

func TestBreakerTreatsAnyHTTPStatusAsAlive(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(testLogger(), WithBreaker(1, time.Hour))

	// Every call fails at the HTTP layer, yet the device is answering,
	// so the circuit never opens and each call still reaches it.
	for i := 0; i < 3; i++ {
		_, err := client.Gen1Call(context.Background(), hostOf(srv), "/status", nil)
		require.Error(t, err)
		assert.Equal(t, operrors.KindHTTPError, operrors.KindOf(err))
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestIdentifySkipsBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"SHPLG-S","mac":"A8032AB12345"}`))
	}))
	defer srv.Close()
	host := hostOf(srv)

	client := New(testLogger(), WithBreaker(1, time.Hour))
	client.breakers.Failure(host)

	_, err := client.Gen1Call(context.Background(), host, "/status", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit is open")

	raw, err := client.Identify(context.Background(), host, time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "SHPLG-S")
}
