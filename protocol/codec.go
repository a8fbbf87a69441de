// Copyright 2026 The aeimsLib Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package protocol

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

const defaultCompressionThreshold = 1024

// zstd frame magic number, used as the compression marker.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Compressor is the compression stage of the codec.
type Compressor interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
	// Compressed reports whether data carries this compressor's marker.
	Compressed(data []byte) bool
}

// Cipher is the encryption stage of the codec.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// CodecOptions configures the encode/decode pipeline.
type CodecOptions struct {
	// CompressionThreshold is the minimum encoded size that gets compressed.
	CompressionThreshold int
	Compressor           Compressor
	Cipher               Cipher
}

// Codec converts payloads to bytes and back:
//
//	encode: marshal -> compress (>= threshold) -> encrypt
//	decode: decrypt -> decompress (if marked) -> structured parse
type Codec struct {
	compress   bool
	encrypt    bool
	threshold  int
	compressor Compressor
	cipher     Cipher
}

// NewCodec builds the pipeline for a protocol with the given capabilities.
// Stages the protocol does not declare are skipped.
func NewCodec(caps Capabilities, opts CodecOptions) *Codec {
	threshold := opts.CompressionThreshold
	if threshold <= 0 {
		threshold = defaultCompressionThreshold
	}
	return &Codec{
		compress:   caps.Compression && opts.Compressor != nil,
		encrypt:    caps.Encryption && opts.Cipher != nil,
		threshold:  threshold,
		compressor: opts.Compressor,
		cipher:     opts.Cipher,
	}
}

// Encode converts payload into its wire bytes.
func (c *Codec) Encode(payload any) ([]byte, error) {
	b, err := marshal(payload)
	if err != nil {
		return nil, NewError(KindEncodingFailed, "encode", err)
	}
	if c.compress && len(b) >= c.threshold {
		if b, err = c.compressor.Compress(b); err != nil {
			return nil, NewError(KindEncodingFailed, "compress", err)
		}
	}
	if c.encrypt {
		if b, err = c.cipher.Encrypt(b); err != nil {
			return nil, NewError(KindEncodingFailed, "encrypt", err)
		}
	}
	return b, nil
}

// Decode reverses Encode. Bytes that are valid JSON are parsed into their
// generic structure, anything else is returned as []byte.
func (c *Codec) Decode(data []byte) (any, error) {
	b, err := c.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	if len(b) > 0 && json.Valid(b) {
		var v any
		if err := json.Unmarshal(b, &v); err == nil {
			return v, nil
		}
	}
	return b, nil
}

// DecodeBytes runs the decrypt and decompress stages only.
func (c *Codec) DecodeBytes(data []byte) ([]byte, error) {
	b := data
	var err error
	if c.encrypt {
		if b, err = c.cipher.Decrypt(b); err != nil {
			return nil, NewError(KindDecodingFailed, "decrypt", err)
		}
	}
	if c.compressor != nil && c.compressor.Compressed(b) {
		if b, err = c.compressor.Decompress(b); err != nil {
			return nil, NewError(KindDecodingFailed, "decompress", err)
		}
	}
	return b, nil
}

func marshal(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, fmt.Errorf("payload is nil")
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case encoding.BinaryMarshaler:
		return v.MarshalBinary()
	default:
		return json.Marshal(v)
	}
}

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCompressor returns a Compressor producing zstd frames.
func NewZstdCompressor() (Compressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (z *zstdCompressor) Compress(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, make([]byte, 0, len(src))), nil
}

func (z *zstdCompressor) Decompress(src []byte) ([]byte, error) {
	return z.dec.DecodeAll(src, nil)
}

func (z *zstdCompressor) Compressed(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

type aeadCipher struct {
	aead cipher.AEAD
}

// NewXChaCha20Cipher returns a Cipher sealing each message with
// XChaCha20-Poly1305 under a random nonce prepended to the ciphertext.
func NewXChaCha20Cipher(key []byte) (Cipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &aeadCipher{aead: aead}, nil
}

func (a *aeadCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(plaintext)+a.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return a.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (a *aeadCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	n := a.aead.NonceSize()
	if len(ciphertext) < n+a.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext of %d bytes is too short", len(ciphertext))
	}
	return a.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
}
