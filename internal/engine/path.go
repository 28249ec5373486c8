package engine

import (
	"encoding/json"
	"strconv"
	"strings"

	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

// pathSegment is one step of a parameter path: a map key plus any bracket
// indices, so "valves[0]" descends into the valves array element 0.
type pathSegment struct {
	key     string
	indices []int
}

// splitPath parses a dotted parameter path with optional bracket indices.
// Component keys like "switch:0" contain no dots and pass through as a
// single segment.
func splitPath(path string) ([]pathSegment, error) {
	if path == "" {
		return nil, nil
	}
	parts := strings.Split(path, ".")
	segments := make([]pathSegment, 0, len(parts))
	for _, part := range parts {
		seg := pathSegment{key: part}
		if open := strings.Index(part, "["); open >= 0 {
			seg.key = part[:open]
			rest := part[open:]
			for rest != "" {
				if rest[0] != '[' {
					return nil, operrors.New(operrors.KindInternal, "malformed parameter path segment %q", part)
				}
				close := strings.Index(rest, "]")
				if close < 0 {
					return nil, operrors.New(operrors.KindInternal, "malformed parameter path segment %q", part)
				}
				idx, err := strconv.Atoi(rest[1:close])
				if err != nil || idx < 0 {
					return nil, operrors.New(operrors.KindInternal, "malformed parameter path index in %q", part)
				}
				seg.indices = append(seg.indices, idx)
				rest = rest[close+1:]
			}
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// evalPath descends a decoded JSON value along path. A missing key or an
// out-of-range index means the capability data is stale for this device
// and reports path-missing.
func evalPath(root interface{}, path string) (interface{}, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	current := root
	for _, seg := range segments {
		if seg.key != "" {
			obj, ok := current.(map[string]interface{})
			if !ok {
				return nil, operrors.New(operrors.KindPathMissing, "path %q: %q is not an object", path, seg.key)
			}
			next, exists := obj[seg.key]
			if !exists {
				return nil, operrors.New(operrors.KindPathMissing, "path %q: key %q not present", path, seg.key)
			}
			current = next
		}
		for _, idx := range seg.indices {
			arr, ok := current.([]interface{})
			if !ok {
				return nil, operrors.New(operrors.KindPathMissing, "path %q: %q is not an array", path, seg.key)
			}
			if idx >= len(arr) {
				return nil, operrors.New(operrors.KindPathMissing, "path %q: index %d out of range", path, idx)
			}
			current = arr[idx]
		}
	}
	return current, nil
}

// decodePayload unmarshals a raw device response preserving number
// precision, so integer config values round-trip without float drift.
func decodePayload(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var payload interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, operrors.Wrap(operrors.KindDeviceError, err, "device returned malformed JSON")
	}
	return payload, nil
}

// nestValue builds the nested object carrying value at path, used to shape
// Gen2 SetConfig params ("device.eco_mode" -> {"device":{"eco_mode":v}}).
func nestValue(path string, value interface{}) (map[string]interface{}, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, operrors.New(operrors.KindInternal, "empty parameter path")
	}
	root := make(map[string]interface{})
	current := root
	for i, seg := range segments {
		if len(seg.indices) > 0 {
			return nil, operrors.New(operrors.KindInternal, "cannot write through array index in path %q", path)
		}
		if i == len(segments)-1 {
			current[seg.key] = value
			break
		}
		child := make(map[string]interface{})
		current[seg.key] = child
		current = child
	}
	return root, nil
}

// lastPathSegment returns the final key of a parameter path, the query
// parameter name for Gen1 writes.
func lastPathSegment(path string) string {
	segments, err := splitPath(path)
	if err != nil || len(segments) == 0 {
		return path
	}
	return segments[len(segments)-1].key
}
