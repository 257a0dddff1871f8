package status

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// MaxBitstringBytes bounds the decompressed size of an encoded bitstring.
// 16 MiB covers 134M credential positions.
const MaxBitstringBytes = 16 << 20

var errBitstringTooLarge = errors.New("bitstring exceeds maximum size")

// Compress gzips data.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decompress gunzips data, refusing output larger than MaxBitstringBytes.
func Decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	out, err := io.ReadAll(io.LimitReader(gz, MaxBitstringBytes+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxBitstringBytes {
		return nil, errBitstringTooLarge
	}

	return out, nil
}

// EncodeBits compresses a bitstring into its gzip + base64url wire form.
func EncodeBits(bits []byte) (string, error) {
	compressed, err := Compress(bits)
	if err != nil {
		return "", fmt.Errorf("failed to compress bitstring: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(compressed), nil
}

// DecodeBits is the inverse of EncodeBits.
func DecodeBits(encoded string) ([]byte, error) {
	compressed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode bitstring: %w", err)
	}
	bits, err := Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress bitstring: %w", err)
	}
	return bits, nil
}

// bitAt reads position from an LSB-first bitstring. ok is false when the
// position lies outside the bitstring.
func bitAt(bits []byte, position uint64) (set, ok bool) {
	byteIndex := position / 8
	if byteIndex >= uint64(len(bits)) {
		return false, false
	}
	bitIndex := position % 8
	return (bits[byteIndex]>>bitIndex)&1 == 1, true
}
