package audit

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
)

// Stored payloads are framed with a single format byte so that a reader can
// decode historical records regardless of the compression setting it was
// started with.
const (
	formatRaw  byte = 0x00
	formatGzip byte = 0x01
)

// ErrCorruptPayload is returned when a stored audit payload cannot be
// decoded.
var ErrCorruptPayload = errors.New("corrupt audit payload")

// Codec frames audit payloads for storage.
type Codec struct {
	// Compress enables gzip compression for newly written payloads.
	Compress bool
}

// Encode frames the given payload for storage. A nil payload encodes to nil.
func (c *Codec) Encode(payload []byte) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}

	if !c.Compress {
		framed := make([]byte, 0, len(payload)+1)
		framed = append(framed, formatRaw)
		return append(framed, payload...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(formatGzip)

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("compressing audit payload: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing audit payload: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode returns the original payload of a stored record. The frame
// self-identifies its format, so records written under either compression
// setting decode under any configuration.
func (c *Codec) Decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, nil
	}

	switch stored[0] {
	case formatRaw:
		return stored[1:], nil

	case formatGzip:
		zr, err := gzip.NewReader(bytes.NewReader(stored[1:]))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}

		payload, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}

		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}

		return payload, nil

	default:
		return nil, fmt.Errorf("%w: unknown format marker %#x", ErrCorruptPayload, stored[0])
	}
}
