package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every canonical Value must survive Encode → Decode unchanged.
func TestRoundTrip(t *testing.T) {
	date := time.Date(2024, 1, 2, 3, 4, 5, 678_000_000, time.UTC)

	cases := []struct {
		name  string
		value Value
	}{
		{"nil", nil},
		{"bool", true},
		{"string", "hello"},
		{"number", float64(12.5)},
		{"date", date},
		{"duration", 90 * time.Minute},
		{"bytes", []byte{0x00, 0x01, 0xff}},
		{"decimal", Decimal("19.99")},
		{"empty list", []any{}},
		{"list", []any{"a", float64(1), nil}},
		{"map", map[string]any{"name": "ada", "age": float64(36)}},
		{"nested", map[string]any{
			"when":   date,
			"every":  15 * time.Second,
			"blob":   []byte("raw"),
			"amount": Decimal("-0.125"),
			"tags":   []any{"x", []any{map[string]any{"deep": true}}},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.value)
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tc.value, decoded)
		})
	}
}

// Encode truncates timestamps to the host's millisecond precision; dates
// at that precision come back identical, including non-UTC inputs
// (normalized to UTC).
func TestDateNormalizedToUTC(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*60*60)
	local := time.Date(2024, 6, 1, 14, 30, 0, 0, zone)

	data, err := Encode(local)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	got, ok := decoded.(time.Time)
	require.True(t, ok)
	assert.True(t, got.Equal(local))
	assert.Equal(t, time.UTC, got.Location())
}

func TestEncodeCanonicalizesNumbers(t *testing.T) {
	for _, v := range []Value{int(3), int32(3), int64(3), uint(3), uint64(3), float32(3)} {
		data, err := Encode(v)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, float64(3), decoded)
	}
}

func TestEncodeRejectsForeignTypes(t *testing.T) {
	_, err := Encode(struct{ X int }{1})
	assert.Error(t, err)

	_, err = Encode([]any{make(chan int)})
	assert.Error(t, err)
}

// An unrecognized tag must fail closed, never fall back to a primitive.
func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode([]byte(`["regexp", "/a+/i"]`))

	var mp *MalformedPayloadError
	require.True(t, errors.As(err, &mp))
	assert.Equal(t, "regexp", mp.Tag)
}

func TestDecodeMalformedShapes(t *testing.T) {
	cases := []struct {
		name string
		wire string
	}{
		{"invalid json", `{`},
		{"one element tuple", `["date"]`},
		{"three element tuple", `["date", "x", "y"]`},
		{"non-string tag", `[1, 2]`},
		{"untagged object", `{"a": 1}`},
		{"date with number value", `["date", 12345]`},
		{"date unparseable", `["date", "yesterday"]`},
		{"duration unparseable", `["duration", "three weeks"]`},
		{"bytes bad base64", `["bytes", "@@@"]`},
		{"decimal not a literal", `["decimal", "1e9"]`},
		{"list with object value", `["list", {"a": 1}]`},
		{"map with array value", `["map", [1, 2]]`},
		{"nested unknown tag", `["list", [["mystery", 1]]]`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.wire))
			var mp *MalformedPayloadError
			assert.True(t, errors.As(err, &mp), "expected MalformedPayloadError, got %v", err)
		})
	}
}

func TestNewDecimal(t *testing.T) {
	for _, ok := range []string{"0", "-12", "+4", "19.99", "-0.125"} {
		_, err := NewDecimal(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"", "-", ".5", "1.", "1.2.3", "1e9", "abc", "1,5"} {
		_, err := NewDecimal(bad)
		assert.Error(t, err, bad)
	}
}
