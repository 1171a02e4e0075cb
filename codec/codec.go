// Package codec implements the serialization bridge between rich Go values
// and the host's JSON wire format.
//
// The host runtime only speaks JSON, so every value kind JSON cannot express
// natively is wrapped in a two-element tuple on the wire:
//
//	"hello"                      → "hello"              (primitives pass bare)
//	time date                    → ["date", "2024-01-02T03:04:05.000Z"]
//	5 * time.Second              → ["duration", "5s"]
//	[]byte{0x1, 0x2}             → ["bytes", "AQI="]
//	Decimal("19.99")             → ["decimal", "19.99"]
//	[]any{1, 2}                  → ["list", [1, 2]]
//	map[string]any{"a": 1}       → ["map", {"a": 1}]
//
// Containers recurse element-wise, so tagged values nest freely. Tags are
// append-only: the host side persists transaction logs in this format, so a
// tag can never be renumbered or redefined once shipped.
//
// Decode is strict. An unknown tag or a tag whose payload has the wrong
// shape fails with *MalformedPayloadError rather than degrading the value
// to a primitive.
package codec

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Value is the domain of the bridge. A well-typed Value is one of:
//
//	nil, bool, string, float64 (canonical number), time.Time,
//	time.Duration, []byte, Decimal, []any of Value, map[string]any of Value
//
// Encode also accepts Go integer kinds and float32 for convenience and
// canonicalizes them to float64, matching the host's single number type.
type Value = any

// Wire tags. Append-only: never renumber or redefine a shipped tag.
const (
	tagList     = "list"
	tagMap      = "map"
	tagDate     = "date"
	tagDuration = "duration"
	tagBytes    = "bytes"
	tagDecimal  = "decimal"
)

// dateLayout is the host's timestamp format: UTC, millisecond precision,
// trailing Z. Sub-millisecond precision is truncated on encode.
const dateLayout = "2006-01-02T15:04:05.000Z"

// Decimal is an exact decimal number carried as text. Floats cannot
// represent values like 0.1 exactly, so money-like quantities cross the
// wire without ever becoming a float64.
type Decimal string

// NewDecimal validates s as a plain decimal literal ("-12", "0.5", "19.99").
func NewDecimal(s string) (Decimal, error) {
	if !validDecimal(s) {
		return "", fmt.Errorf("codec: invalid decimal literal %q", s)
	}
	return Decimal(s), nil
}

func validDecimal(s string) bool {
	if s == "" {
		return false
	}
	i := 0
	if s[0] == '-' || s[0] == '+' {
		i++
	}
	digits, dot := 0, false
	for ; i < len(s); i++ {
		switch {
		case s[i] >= '0' && s[i] <= '9':
			digits++
		case s[i] == '.' && !dot && digits > 0:
			dot = true
			digits = 0
		default:
			return false
		}
	}
	return digits > 0
}

// MalformedPayloadError reports wire data that cannot be decoded: an
// unrecognized tag, or a payload whose shape does not match its tag.
// The offending message is dropped by the dispatch layer; the error never
// propagates to unrelated transactions.
type MalformedPayloadError struct {
	Tag    string // offending tag, empty if the envelope shape itself is bad
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("malformed payload: tag %q: %s", e.Tag, e.Reason)
	}
	return fmt.Sprintf("malformed payload: %s", e.Reason)
}

func malformed(tag, format string, args ...any) error {
	return &MalformedPayloadError{Tag: tag, Reason: fmt.Sprintf(format, args...)}
}
