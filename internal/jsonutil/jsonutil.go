// Package jsonutil compacts and size-checks the JSON documents that cross
// the sandbox and codec boundaries.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"pkt.systems/jpact"
)

// Compact strips insignificant whitespace from data and validates it.
// maxBytes limits the input size (<=0 disables the limit).
func Compact(data []byte, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("json: payload of %d bytes exceeds %d", len(data), maxBytes)
	}
	return jpact.CompactToBuffer(bytes.NewReader(data), maxBytes)
}

// CompactTo streams compacted JSON from r to w.
func CompactTo(w io.Writer, r io.Reader, maxBytes int64) error {
	return jpact.CompactWriter(w, r, maxBytes)
}

// Marshal encodes v compactly, failing when the result exceeds maxBytes.
func Marshal(v any, maxBytes int64) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("json: encoded value of %d bytes exceeds %d", len(raw), maxBytes)
	}
	return raw, nil
}

// Unmarshal validates data within maxBytes and decodes it into v. Empty
// input leaves v untouched.
func Unmarshal(data []byte, v any, maxBytes int64) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	compact, err := Compact(data, maxBytes)
	if err != nil {
		return err
	}
	return json.Unmarshal(compact, v)
}
