package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

func decode(t *testing.T, s string) interface{} {
	t.Helper()
	payload, err := decodePayload(json.RawMessage(s))
	require.NoError(t, err)
	return payload
}

func TestEvalPathDotted(t *testing.T) {
	payload := decode(t, `{"mqtt":{"enable":true,"server":"10.0.0.2:1883"}}`)

	leaf, err := evalPath(payload, "mqtt.enable")
	require.NoError(t, err)
	assert.Equal(t, true, leaf)

	leaf, err = evalPath(payload, "mqtt.server")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:1883", leaf)
}

func TestEvalPathBracketIndex(t *testing.T) {
	payload := decode(t, `{"valves":[{"state":"closed"},{"state":"open"}]}`)

	leaf, err := evalPath(payload, "valves[1].state")
	require.NoError(t, err)
	assert.Equal(t, "open", leaf)

	_, err = evalPath(payload, "valves[5].state")
	require.Error(t, err)
	assert.Equal(t, operrors.KindPathMissing, operrors.KindOf(err))
}

func TestEvalPathColonKey(t *testing.T) {
	payload := decode(t, `{"switch:0":{"in_mode":"follow"}}`)

	leaf, err := evalPath(payload, "switch:0.in_mode")
	require.NoError(t, err)
	assert.Equal(t, "follow", leaf)
}

func TestEvalPathMissingKey(t *testing.T) {
	payload := decode(t, `{"wifi":{"sta":{"ssid":"home"}}}`)

	_, err := evalPath(payload, "wifi.ap.ssid")
	require.Error(t, err)
	assert.Equal(t, operrors.KindPathMissing, operrors.KindOf(err))

	_, err = evalPath(payload, "wifi.sta.ssid.extra")
	require.Error(t, err)
	assert.Equal(t, operrors.KindPathMissing, operrors.KindOf(err))
}

func TestEvalPathEmptyReturnsRoot(t *testing.T) {
	payload := decode(t, `{"a":1}`)
	leaf, err := evalPath(payload, "")
	require.NoError(t, err)
	assert.Equal(t, payload, leaf)
}

func TestNestValue(t *testing.T) {
	nested, err := nestValue("eco_mode", true)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"eco_mode": true}, nested)

	nested, err = nestValue("sta.ip", "192.168.1.9")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"sta": map[string]interface{}{"ip": "192.168.1.9"}}, nested)

	_, err = nestValue("valves[0].state", "open")
	require.Error(t, err)
}

func TestLastPathSegment(t *testing.T) {
	assert.Equal(t, "eco_mode_enabled", lastPathSegment("eco_mode_enabled"))
	assert.Equal(t, "enable", lastPathSegment("mqtt.enable"))
	assert.Equal(t, "state", lastPathSegment("valves[0].state"))
}
