package codec

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Encode serializes a well-typed Value to its JSON wire form.
// It fails only when v (or something nested inside it) is outside the
// Value domain entirely.
func Encode(v Value) ([]byte, error) {
	wire, err := toWire(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

// Decode parses JSON wire data produced by Encode (or by the host's
// equivalent encoder) back into a Value. Round-trips are lossless:
// Decode(Encode(v)) == v for every canonical Value.
func Decode(data []byte) (Value, error) {
	var wire any
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, malformed("", "invalid JSON: %v", err)
	}
	return fromWire(wire)
}

// toWire builds the JSON-representable tree: primitives bare, everything
// else as a [tag, raw] tuple, recursing through containers.
func toWire(v Value) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool, string, float64:
		return val, nil

	// Convenience widths, canonicalized to the host's single number type.
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint:
		return float64(val), nil
	case uint32:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case float32:
		return float64(val), nil

	case time.Time:
		return []any{tagDate, val.UTC().Format(dateLayout)}, nil
	case time.Duration:
		// time.Duration.String round-trips exactly through ParseDuration.
		return []any{tagDuration, val.String()}, nil
	case []byte:
		return []any{tagBytes, base64.StdEncoding.EncodeToString(val)}, nil
	case Decimal:
		if !validDecimal(string(val)) {
			return nil, fmt.Errorf("codec: cannot encode invalid decimal %q", string(val))
		}
		return []any{tagDecimal, string(val)}, nil

	case []any:
		elems := make([]any, len(val))
		for i, item := range val {
			enc, err := toWire(item)
			if err != nil {
				return nil, err
			}
			elems[i] = enc
		}
		return []any{tagList, elems}, nil

	case map[string]any:
		fields := make(map[string]any, len(val))
		for key, item := range val {
			enc, err := toWire(item)
			if err != nil {
				return nil, err
			}
			fields[key] = enc
		}
		return []any{tagMap, fields}, nil
	}

	return nil, fmt.Errorf("codec: cannot encode value of type %T", v)
}

// fromWire inverts toWire. Anything that is not a bare primitive must be a
// two-element [tag, raw] tuple with a known tag; untagged arrays and
// objects never appear in well-formed wire data, so they fail closed.
func fromWire(wire any) (Value, error) {
	switch val := wire.(type) {
	case nil:
		return nil, nil
	case bool, string, float64:
		return val, nil

	case []any:
		if len(val) != 2 {
			return nil, malformed("", "expected [tag, value] tuple, got array of length %d", len(val))
		}
		tag, ok := val[0].(string)
		if !ok {
			return nil, malformed("", "tuple tag must be a string, got %T", val[0])
		}
		return fromTagged(tag, val[1])

	case map[string]any:
		return nil, malformed("", "untagged mapping in wire data")
	}

	return nil, malformed("", "unsupported wire value of type %T", wire)
}

func fromTagged(tag string, raw any) (Value, error) {
	switch tag {
	case tagDate:
		str, ok := raw.(string)
		if !ok {
			return nil, malformed(tag, "value must be a string, got %T", raw)
		}
		t, err := time.Parse(dateLayout, str)
		if err != nil {
			return nil, malformed(tag, "unparseable timestamp %q", str)
		}
		return t, nil

	case tagDuration:
		str, ok := raw.(string)
		if !ok {
			return nil, malformed(tag, "value must be a string, got %T", raw)
		}
		d, err := time.ParseDuration(str)
		if err != nil {
			return nil, malformed(tag, "unparseable duration %q", str)
		}
		return d, nil

	case tagBytes:
		str, ok := raw.(string)
		if !ok {
			return nil, malformed(tag, "value must be a string, got %T", raw)
		}
		b, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			return nil, malformed(tag, "invalid base64: %v", err)
		}
		return b, nil

	case tagDecimal:
		str, ok := raw.(string)
		if !ok {
			return nil, malformed(tag, "value must be a string, got %T", raw)
		}
		if !validDecimal(str) {
			return nil, malformed(tag, "invalid decimal literal %q", str)
		}
		return Decimal(str), nil

	case tagList:
		items, ok := raw.([]any)
		if !ok {
			return nil, malformed(tag, "value must be an array, got %T", raw)
		}
		out := make([]any, len(items))
		for i, item := range items {
			dec, err := fromWire(item)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil

	case tagMap:
		fields, ok := raw.(map[string]any)
		if !ok {
			return nil, malformed(tag, "value must be an object, got %T", raw)
		}
		out := make(map[string]any, len(fields))
		for key, item := range fields {
			dec, err := fromWire(item)
			if err != nil {
				return nil, err
			}
			out[key] = dec
		}
		return out, nil
	}

	return nil, malformed(tag, "unrecognized tag")
}
