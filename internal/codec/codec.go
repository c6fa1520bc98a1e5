// Package codec compresses the visual-event portion of a delivery payload
// into a compact transport string.
//
// Encoding is degrade-not-fail: any internal error yields the raw event
// slice uncompressed, and delivery accepts both shapes. A compression
// failure must never block delivery.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"tracepipe/internal/event"
)

// Encoded is the wire shape of the visual-event stream: either a base64
// gzip transport string (Compressed true) or the raw event array.
type Encoded struct {
	Compressed bool `json:"compressed"`
	Data       any  `json:"data"`
}

// Encode transforms an ordered event sequence into its transport
// representation. Encoding an empty sequence is a no-op and never
// compresses.
func Encode(events []event.Visual) Encoded {
	if len(events) == 0 {
		return Encoded{Compressed: false, Data: []event.Visual{}}
	}

	raw, err := json.Marshal(events)
	if err != nil {
		return Encoded{Compressed: false, Data: events}
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return Encoded{Compressed: false, Data: events}
	}
	if err := zw.Close(); err != nil {
		return Encoded{Compressed: false, Data: events}
	}

	return Encoded{
		Compressed: true,
		Data:       base64.StdEncoding.EncodeToString(buf.Bytes()),
	}
}

// Decode reverses Encode for a compressed transport string. Used by tests
// and offline tooling; the pipeline itself only encodes.
func Decode(transport string) ([]event.Visual, error) {
	compressed, err := base64.StdEncoding.DecodeString(transport)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	var events []event.Visual
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}

	return events, nil
}
