package audit

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Codec_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("{}"),
		[]byte(`{"order":"4711","amount":120}`),
		bytes.Repeat([]byte("abc"), 10_000),
		{0x1f, 0x8b, 0x00}, // payload that happens to start with the gzip magic
	}

	for _, compress := range []bool{false, true} {
		c := &Codec{Compress: compress}

		for _, payload := range payloads {
			stored, err := c.Encode(payload)
			require.NoError(t, err)

			decoded, err := c.Decode(stored)
			require.NoError(t, err)
			require.Equal(t, payload, decoded)
		}
	}
}

func Test_Codec_ReadsRawUnderCompressionEnabled(t *testing.T) {
	writer := &Codec{Compress: false}
	stored, err := writer.Encode([]byte("written before compression was turned on"))
	require.NoError(t, err)

	reader := &Codec{Compress: true}
	decoded, err := reader.Decode(stored)
	require.NoError(t, err)
	require.Equal(t, []byte("written before compression was turned on"), decoded)
}

func Test_Codec_ReadsCompressedUnderCompressionDisabled(t *testing.T) {
	writer := &Codec{Compress: true}
	stored, err := writer.Encode([]byte("compressed record"))
	require.NoError(t, err)

	reader := &Codec{Compress: false}
	decoded, err := reader.Decode(stored)
	require.NoError(t, err)
	require.Equal(t, []byte("compressed record"), decoded)
}

func Test_Codec_CompressionShrinksRepetitivePayloads(t *testing.T) {
	payload := bytes.Repeat([]byte("workflow"), 5_000)

	c := &Codec{Compress: true}
	stored, err := c.Encode(payload)
	require.NoError(t, err)
	require.Less(t, len(stored), len(payload))
}

func Test_Codec_NilPayload(t *testing.T) {
	c := &Codec{Compress: true}

	stored, err := c.Encode(nil)
	require.NoError(t, err)
	require.Nil(t, stored)

	decoded, err := c.Decode(nil)
	require.NoError(t, err)
	require.Nil(t, decoded)
}

func Test_Codec_CorruptPayloadSurfacesError(t *testing.T) {
	c := &Codec{}

	tests := []struct {
		name   string
		stored []byte
	}{
		{name: "unknown_marker", stored: []byte{0x42, 0x01, 0x02}},
		{name: "truncated_gzip", stored: []byte{formatGzip, 0x1f, 0x8b}},
		{name: "garbage_gzip", stored: append([]byte{formatGzip}, []byte("not gzip at all")...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(tt.stored)
			require.ErrorIs(t, err, ErrCorruptPayload)
		})
	}
}
