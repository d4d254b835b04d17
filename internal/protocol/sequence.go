package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ToJSONSequence encodes each argument as JSON followed by a NUL byte.
func ToJSONSequence(args ...any) ([]byte, error) {
	var buf bytes.Buffer
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %w", ErrInvalidJSON, i, err)
		}
		buf.Write(raw)
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

// ParseSequence splits a NUL terminated JSON sequence. JSON text never holds a
// raw NUL, so every zero byte is a separator. A missing final terminator is
// tolerated.
func ParseSequence(data []byte) ([]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	parts := bytes.Split(data, []byte{0})
	out := make([]json.RawMessage, 0, len(parts))
	for i, part := range parts {
		part = bytes.TrimSpace(part)
		if !json.Valid(part) {
			return nil, fmt.Errorf("%w: element %d", ErrInvalidJSON, i)
		}
		out = append(out, json.RawMessage(part))
	}
	return out, nil
}

// DecodeSequence parses data and unmarshals element i into targets[i].
// Elements past len(targets) are ignored; a short sequence is an error.
func DecodeSequence(data []byte, targets ...any) error {
	parts, err := ParseSequence(data)
	if err != nil {
		return err
	}
	if len(parts) < len(targets) {
		return fmt.Errorf("%w: want %d elements, got %d", ErrInvalidJSON, len(targets), len(parts))
	}
	for i, target := range targets {
		if target == nil {
			continue
		}
		if err := json.Unmarshal(parts[i], target); err != nil {
			return fmt.Errorf("%w: element %d: %w", ErrInvalidJSON, i, err)
		}
	}
	return nil
}
