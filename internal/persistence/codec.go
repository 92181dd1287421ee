package persistence

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidPayload is returned when a raw payload is not valid JSON.
var ErrInvalidPayload = errors.New("invalid JSON payload")

// EncodeValue serializes v as JSON for storage. nil values and empty raw
// messages are stored as NULL.
func EncodeValue(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(x) == 0 {
			return nil, nil
		}
		if !json.Valid(x) {
			return nil, ErrInvalidPayload
		}
		return []byte(x), nil
	}
	return json.Marshal(v)
}

// DecodeValue decodes a stored JSON column into T. Empty input yields the
// zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

// decodeRaw copies a payload column so the value does not alias the driver's
// buffer.
func decodeRaw(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(data))
	copy(out, data)
	return out
}

// Timestamps are stored as Unix nanoseconds; 0 means unset.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
