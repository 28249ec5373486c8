package engine

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/frostdev-ops/shelly-fleet-go/internal/capabilities"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

// coerceWrite converts a caller-supplied value into the canonical typed
// form declared by the descriptor. CLI callers pass strings; HTTP callers
// pass decoded JSON values. The returned warning is non-empty when a
// numeric value was clamped into the declared range.
//
// The Gen1 relay idiom "on"/"off" is rejected here for boolean parameters:
// the wire format is the literal strings "true"/"false" and sending "on"
// silently corrupts the setting on some firmware revisions.
func coerceWrite(desc capabilities.ParameterDescriptor, value interface{}) (interface{}, string, error) {
	switch desc.Type {
	case capabilities.TypeBoolean:
		b, err := coerceBool(value)
		if err != nil {
			return nil, "", err
		}
		return b, "", nil

	case capabilities.TypeInteger:
		n, err := coerceInt(value)
		if err != nil {
			return nil, "", err
		}
		clamped, warning := clampInt(desc, n)
		return clamped, warning, nil

	case capabilities.TypeFloat:
		f, err := coerceFloat(value)
		if err != nil {
			return nil, "", err
		}
		clamped, warning := clampFloat(desc, f)
		return clamped, warning, nil

	case capabilities.TypeString:
		s, err := coerceString(value)
		if err != nil {
			return nil, "", err
		}
		return s, "", nil

	case capabilities.TypeEnum:
		s, err := coerceString(value)
		if err != nil {
			return nil, "", err
		}
		if len(desc.EnumValues) > 0 {
			for _, allowed := range desc.EnumValues {
				if s == allowed {
					return s, "", nil
				}
			}
			return nil, "", operrors.New(operrors.KindTypeMismatch,
				"value %q not in allowed set [%s]", s, strings.Join(desc.EnumValues, ", "))
		}
		return s, "", nil

	case capabilities.TypeObject:
		switch v := value.(type) {
		case map[string]interface{}:
			return v, "", nil
		case string:
			var obj map[string]interface{}
			if err := json.Unmarshal([]byte(v), &obj); err != nil {
				return nil, "", operrors.New(operrors.KindTypeMismatch, "value is not a JSON object")
			}
			return obj, "", nil
		default:
			return nil, "", operrors.New(operrors.KindTypeMismatch, "value is not an object")
		}

	case capabilities.TypeArray:
		switch v := value.(type) {
		case []interface{}:
			return v, "", nil
		case string:
			var arr []interface{}
			if err := json.Unmarshal([]byte(v), &arr); err != nil {
				return nil, "", operrors.New(operrors.KindTypeMismatch, "value is not a JSON array")
			}
			return arr, "", nil
		default:
			return nil, "", operrors.New(operrors.KindTypeMismatch, "value is not an array")
		}

	case capabilities.TypeNull:
		// Nullable field: accept an explicit clear or a compatible literal.
		if value == nil {
			return nil, "", nil
		}
		if s, ok := value.(string); ok && strings.EqualFold(strings.TrimSpace(s), "null") {
			return nil, "", nil
		}
		switch value.(type) {
		case bool, string, int, int64, float64, json.Number:
			return value, "", nil
		}
		return nil, "", operrors.New(operrors.KindTypeMismatch, "nullable parameter takes null or a scalar literal")

	default:
		// No declared type; pass the value through untouched.
		return value, "", nil
	}
}

func coerceBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1", "t", "y":
			return true, nil
		case "false", "no", "0", "f", "n":
			return false, nil
		case "on", "off":
			return false, operrors.New(operrors.KindTypeMismatch,
				"boolean parameter takes true/false, not %q", v)
		default:
			return false, operrors.New(operrors.KindTypeMismatch, "cannot interpret %q as boolean", v)
		}
	case json.Number:
		switch v.String() {
		case "1":
			return true, nil
		case "0":
			return false, nil
		}
		return false, operrors.New(operrors.KindTypeMismatch, "cannot interpret %s as boolean", v.String())
	case int:
		return numericBool(int64(v))
	case int64:
		return numericBool(v)
	case float64:
		if v == 1 {
			return true, nil
		}
		if v == 0 {
			return false, nil
		}
		return false, operrors.New(operrors.KindTypeMismatch, "cannot interpret %v as boolean", v)
	default:
		return false, operrors.New(operrors.KindTypeMismatch, "cannot interpret %T as boolean", value)
	}
}

func numericBool(n int64) (bool, error) {
	switch n {
	case 1:
		return true, nil
	case 0:
		return false, nil
	}
	return false, operrors.New(operrors.KindTypeMismatch, "cannot interpret %d as boolean", n)
}

func coerceInt(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		n := int64(v)
		if float64(n) != v {
			return 0, operrors.New(operrors.KindTypeMismatch, "value %v is not an integer", v)
		}
		return n, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, operrors.New(operrors.KindTypeMismatch, "value %s is not an integer", v.String())
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, operrors.New(operrors.KindTypeMismatch, "cannot interpret %q as integer", v)
		}
		return n, nil
	default:
		return 0, operrors.New(operrors.KindTypeMismatch, "cannot interpret %T as integer", value)
	}
}

func coerceFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, operrors.New(operrors.KindTypeMismatch, "value %s is not a number", v.String())
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, operrors.New(operrors.KindTypeMismatch, "cannot interpret %q as number", v)
		}
		return f, nil
	default:
		return 0, operrors.New(operrors.KindTypeMismatch, "cannot interpret %T as number", value)
	}
}

func coerceString(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case json.Number:
		return v.String(), nil
	default:
		return "", operrors.New(operrors.KindTypeMismatch, "cannot interpret %T as string", value)
	}
}

func clampInt(desc capabilities.ParameterDescriptor, n int64) (int64, string) {
	if desc.Min != nil && float64(n) < *desc.Min {
		return int64(*desc.Min), model.WarningClamped
	}
	if desc.Max != nil && float64(n) > *desc.Max {
		return int64(*desc.Max), model.WarningClamped
	}
	return n, ""
}

func clampFloat(desc capabilities.ParameterDescriptor, f float64) (float64, string) {
	if desc.Min != nil && f < *desc.Min {
		return *desc.Min, model.WarningClamped
	}
	if desc.Max != nil && f > *desc.Max {
		return *desc.Max, model.WarningClamped
	}
	return f, ""
}

// coerceRead converts a payload leaf into the descriptor's declared type.
// A literal null passes through as nil; the device is the source of truth
// so reads are lenient where writes are strict.
func coerceRead(desc capabilities.ParameterDescriptor, leaf interface{}) (interface{}, error) {
	if leaf == nil {
		return nil, nil
	}
	switch desc.Type {
	case capabilities.TypeBoolean:
		return coerceBool(leaf)
	case capabilities.TypeInteger:
		return coerceInt(leaf)
	case capabilities.TypeFloat:
		return coerceFloat(leaf)
	case capabilities.TypeString, capabilities.TypeEnum:
		return coerceString(leaf)
	default:
		return normalizeNumbers(leaf), nil
	}
}

// normalizeNumbers rewrites json.Number leaves into int64 or float64 so
// untyped reads serialize cleanly.
func normalizeNumbers(value interface{}) interface{} {
	switch v := value.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = normalizeNumbers(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = normalizeNumbers(item)
		}
		return out
	default:
		return v
	}
}
