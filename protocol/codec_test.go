package protocol_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straticus1/aeimsLib-sub001/protocol"
)

var testKey = bytes.Repeat([]byte{7}, 32)

func fullCodec(t *testing.T, threshold int) *protocol.Codec {
	t.Helper()
	zc, err := protocol.NewZstdCompressor()
	require.NoError(t, err)
	cipher, err := protocol.NewXChaCha20Cipher(testKey)
	require.NoError(t, err)
	return protocol.NewCodec(
		protocol.Capabilities{Compression: true, Encryption: true},
		protocol.CodecOptions{CompressionThreshold: threshold, Compressor: zc, Cipher: cipher},
	)
}

func TestCodecPlain(t *testing.T) {
	c := protocol.NewCodec(protocol.Capabilities{}, protocol.CodecOptions{})

	b, err := c.Encode(map[string]any{"cmd": "vibrate", "level": 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"cmd":"vibrate","level":3}`, string(b))

	v, err := c.Decode(b)
	require.NoError(t, err)
	if diff := cmp.Diff(map[string]any{"cmd": "vibrate", "level": float64(3)}, v); diff != "" {
		t.Errorf("decoded payload mismatch (-want +got):\n%s", diff)
	}

	raw := []byte{0x01, 0x03, 0x00}
	b, err = c.Encode(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, b)
	v, err = c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, raw, v)

	b, err = c.Encode("ping")
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), b)

	_, err = c.Encode(nil)
	assert.Equal(t, protocol.KindEncodingFailed, protocol.KindOf(err))
	_, err = c.Encode(make(chan int))
	assert.Equal(t, protocol.KindEncodingFailed, protocol.KindOf(err))
}

func TestCodecCompressionThreshold(t *testing.T) {
	zc, err := protocol.NewZstdCompressor()
	require.NoError(t, err)
	c := protocol.NewCodec(protocol.Capabilities{Compression: true}, protocol.CodecOptions{CompressionThreshold: 64, Compressor: zc})

	small := bytes.Repeat([]byte("a"), 63)
	b, err := c.Encode(small)
	require.NoError(t, err)
	assert.Equal(t, small, b, "below the threshold nothing is compressed")

	large := bytes.Repeat([]byte("a"), 4096)
	b, err = c.Encode(large)
	require.NoError(t, err)
	assert.True(t, zc.Compressed(b))
	assert.Less(t, len(b), len(large))

	out, err := c.DecodeBytes(b)
	require.NoError(t, err)
	assert.Equal(t, large, out)
}

func TestCodecUndeclaredStagesAreSkipped(t *testing.T) {
	zc, err := protocol.NewZstdCompressor()
	require.NoError(t, err)
	cipher, err := protocol.NewXChaCha20Cipher(testKey)
	require.NoError(t, err)
	c := protocol.NewCodec(protocol.Capabilities{}, protocol.CodecOptions{CompressionThreshold: 1, Compressor: zc, Cipher: cipher})

	payload := bytes.Repeat([]byte("b"), 512)
	b, err := c.Encode(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, b)
}

func TestCodecFullPipeline(t *testing.T) {
	c := fullCodec(t, 16)

	payload := map[string]any{"pattern": "wave", "steps": []any{float64(1), float64(2), float64(3)}, "pad": string(bytes.Repeat([]byte("x"), 100))}
	b, err := c.Encode(payload)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "wave")

	v, err := c.Decode(b)
	require.NoError(t, err)
	if diff := cmp.Diff(payload, v); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	// every message gets a fresh nonce
	b2, err := c.Encode(payload)
	require.NoError(t, err)
	assert.NotEqual(t, b, b2)
}

func TestCodecDecodeErrors(t *testing.T) {
	c := fullCodec(t, 16)

	b, err := c.Encode("secret message")
	require.NoError(t, err)
	b[len(b)-1] ^= 0xFF
	_, err = c.Decode(b)
	assert.Equal(t, protocol.KindDecodingFailed, protocol.KindOf(err))

	_, err = c.Decode([]byte{1, 2, 3})
	assert.Equal(t, protocol.KindDecodingFailed, protocol.KindOf(err))

	_, err = protocol.NewXChaCha20Cipher([]byte("short"))
	assert.Error(t, err)
}
