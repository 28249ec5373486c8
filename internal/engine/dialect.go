package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/frostdev-ops/shelly-fleet-go/internal/capabilities"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	"github.com/frostdev-ops/shelly-fleet-go/internal/transport"
	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

// invocationOutcome is what a dialect reports back after a write or control
// call: the raw payload, a wire-level request summary for the operation
// record, and whether the device flagged a pending restart.
type invocationOutcome struct {
	raw             json.RawMessage
	summary         string
	restartRequired bool
}

// dialect is the per-generation wire strategy. Gen1 speaks legacy REST,
// Gen2+ speaks JSON-RPC; the engine itself stays generation-agnostic.
type dialect interface {
	readParameter(ctx context.Context, device *model.Device, desc capabilities.ParameterDescriptor) (interface{}, error)
	writeParameter(ctx context.Context, device *model.Device, desc capabilities.ParameterDescriptor, value interface{}) (*invocationOutcome, error)
	control(ctx context.Context, device *model.Device, recipe Recipe, args Args) (*invocationOutcome, error)
	reboot(ctx context.Context, device *model.Device) error
}

func dialectFor(gen model.Generation, client *transport.Client) (dialect, error) {
	switch {
	case gen == model.Gen1:
		return &gen1Dialect{client: client}, nil
	case gen.IsRPC():
		return &gen2Dialect{client: client}, nil
	default:
		return nil, operrors.New(operrors.KindInternal, "device generation %q has no wire dialect", gen)
	}
}

// gen1Dialect drives the legacy REST surface: reads are GETs on the API
// sub-path, writes are GETs with query parameters.
type gen1Dialect struct {
	client *transport.Client
}

func (d *gen1Dialect) readParameter(ctx context.Context, device *model.Device, desc capabilities.ParameterDescriptor) (interface{}, error) {
	raw, err := d.client.Gen1Call(ctx, device.IPAddress, desc.API, nil)
	if err != nil {
		return nil, err
	}
	payload, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}
	leaf, err := evalPath(payload, desc.ParameterPath)
	if err != nil {
		return nil, err
	}
	return coerceRead(desc, leaf)
}

func (d *gen1Dialect) writeParameter(ctx context.Context, device *model.Device, desc capabilities.ParameterDescriptor, value interface{}) (*invocationOutcome, error) {
	key := lastPathSegment(desc.ParameterPath)
	query := url.Values{key: []string{gen1WireValue(value)}}

	raw, err := d.client.Gen1Call(ctx, device.IPAddress, desc.API, query)
	if err != nil {
		return nil, err
	}
	if err := gen1PayloadError(device.IPAddress, raw); err != nil {
		return nil, err
	}
	return &invocationOutcome{
		raw:     raw,
		summary: fmt.Sprintf("GET /%s?%s", desc.API, query.Encode()),
	}, nil
}

func (d *gen1Dialect) control(ctx context.Context, device *model.Device, recipe Recipe, args Args) (*invocationOutcome, error) {
	if recipe.Gen1 == nil {
		return nil, operrors.New(operrors.KindUnsupportedParameter, "operation %q is not available on gen1 devices", recipe.Verb)
	}
	inv, err := recipe.Gen1(device, args)
	if err != nil {
		return nil, err
	}

	raw, err := d.client.Gen1Call(ctx, device.IPAddress, inv.Path, inv.Query)
	if err != nil {
		return nil, err
	}
	if err := gen1PayloadError(device.IPAddress, raw); err != nil {
		return nil, err
	}

	summary := "GET /" + inv.Path
	if len(inv.Query) > 0 {
		summary += "?" + inv.Query.Encode()
	}
	return &invocationOutcome{raw: raw, summary: summary}, nil
}

func (d *gen1Dialect) reboot(ctx context.Context, device *model.Device) error {
	_, err := d.client.Gen1Call(ctx, device.IPAddress, "reboot", nil)
	return err
}

// gen1WireValue serializes a coerced value for the Gen1 query string.
// Booleans go out as the literal strings "true"/"false"; null clears a
// field with the literal string "null".
func gen1WireValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

// gen1PayloadError surfaces the "error" field some Gen1 firmwares embed in
// an otherwise 200 response.
func gen1PayloadError(host string, raw json.RawMessage) error {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	if errBody, ok := payload["error"]; ok && len(errBody) > 0 && string(errBody) != "null" && string(errBody) != "false" {
		return operrors.New(operrors.KindDeviceError, "device %s reported error: %s", host, string(errBody))
	}
	return nil
}

// gen2Dialect drives the JSON-RPC surface shared by Gen2, Gen3 and Gen4.
type gen2Dialect struct {
	client *transport.Client
}

func (d *gen2Dialect) readParameter(ctx context.Context, device *model.Device, desc capabilities.ParameterDescriptor) (interface{}, error) {
	getter := desc.API
	if g, ok := capabilities.GetterFor(desc.API); ok {
		getter = g
	}

	var params interface{}
	if desc.Component != "" {
		if _, id, indexed := capabilities.ComponentIndex(desc.Component); indexed {
			params = map[string]interface{}{"id": id}
		}
	}

	raw, err := d.client.Gen2Call(ctx, device.IPAddress, getter, params)
	if err != nil {
		return nil, err
	}
	payload, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}

	// An aggregate getter like Shelly.GetConfig nests per-component; a
	// component getter answered with the id param returns the component
	// config directly. Descend only when the key is actually there.
	if desc.Component != "" {
		if obj, ok := payload.(map[string]interface{}); ok {
			if sub, exists := obj[desc.Component]; exists {
				payload = sub
			}
		}
	}

	leaf, err := evalPath(payload, desc.ParameterPath)
	if err != nil {
		return nil, err
	}
	return coerceRead(desc, leaf)
}

func (d *gen2Dialect) writeParameter(ctx context.Context, device *model.Device, desc capabilities.ParameterDescriptor, value interface{}) (*invocationOutcome, error) {
	config, err := nestValue(desc.ParameterPath, value)
	if err != nil {
		return nil, err
	}

	params := make(map[string]interface{})
	if desc.Component != "" {
		if _, id, indexed := capabilities.ComponentIndex(desc.Component); indexed {
			params["id"] = id
			params["config"] = config
		} else {
			params["config"] = map[string]interface{}{desc.Component: config}
		}
	} else {
		params["config"] = config
	}

	raw, err := d.client.Gen2Call(ctx, device.IPAddress, desc.API, params)
	if err != nil {
		return nil, err
	}
	return &invocationOutcome{
		raw:             raw,
		summary:         "POST /rpc " + desc.API,
		restartRequired: gen2RestartRequired(raw),
	}, nil
}

func (d *gen2Dialect) control(ctx context.Context, device *model.Device, recipe Recipe, args Args) (*invocationOutcome, error) {
	if recipe.Gen2 == nil {
		return nil, operrors.New(operrors.KindUnsupportedParameter, "operation %q is not available on %s devices", recipe.Verb, device.Generation)
	}
	inv, err := recipe.Gen2(device, args)
	if err != nil {
		return nil, err
	}

	raw, err := d.client.Gen2Call(ctx, device.IPAddress, inv.Method, inv.Params)
	if err != nil {
		return nil, err
	}
	return &invocationOutcome{
		raw:             raw,
		summary:         "POST /rpc " + inv.Method,
		restartRequired: gen2RestartRequired(raw),
	}, nil
}

func (d *gen2Dialect) reboot(ctx context.Context, device *model.Device) error {
	_, err := d.client.Gen2Call(ctx, device.IPAddress, "Shelly.Reboot", nil)
	return err
}

// gen2RestartRequired reads the restart_required flag SetConfig results
// carry when the change only applies after a reboot.
func gen2RestartRequired(raw json.RawMessage) bool {
	var result struct {
		RestartRequired bool `json:"restart_required"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return false
	}
	return result.RestartRequired
}
