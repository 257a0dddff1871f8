// Package signature verifies holder signatures over presentation payloads.
//
// The algorithm is inferred solely from the public key length and resolved
// once into a PublicKey value that is carried through the call chain:
//   - 32 bytes: Ed25519 over the raw payload
//   - 33 or 65 bytes: ECDSA secp256k1 over SHA-256(payload), compact or DER
//
// Every failure (unknown key length, malformed DER, off-curve point, bad
// signature) collapses into the same false result so callers cannot learn
// why a signature was rejected.
package signature

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Algorithm identifies a supported signature algorithm.
type Algorithm string

const (
	AlgorithmEd25519   Algorithm = "EdDSA"
	AlgorithmSecp256k1 Algorithm = "ES256K"
	AlgorithmUnknown   Algorithm = "unknown"
)

const (
	secp256k1CompressedKeySize   = 33
	secp256k1UncompressedKeySize = 65
)

var errUnknownAlgorithm = errors.New("signature: unsupported public key length")

// DetectAlgorithm infers the algorithm from the public key length.
func DetectAlgorithm(publicKey []byte) Algorithm {
	switch len(publicKey) {
	case ed25519.PublicKeySize:
		return AlgorithmEd25519
	case secp256k1CompressedKeySize, secp256k1UncompressedKeySize:
		return AlgorithmSecp256k1
	default:
		return AlgorithmUnknown
	}
}

// PublicKey is a holder key whose algorithm has been resolved and whose
// encoding has been normalized (secp256k1 keys are always compressed).
type PublicKey struct {
	algorithm Algorithm
	key       []byte
}

// ParsePublicKey resolves the algorithm of raw and validates the key.
// secp256k1 keys must decode to a point on the curve.
func ParsePublicKey(raw []byte) (PublicKey, error) {
	switch alg := DetectAlgorithm(raw); alg {
	case AlgorithmEd25519:
		return PublicKey{algorithm: alg, key: append([]byte(nil), raw...)}, nil
	case AlgorithmSecp256k1:
		compressed, err := CompressSecp256k1(raw)
		if err != nil {
			return PublicKey{}, err
		}
		return PublicKey{algorithm: alg, key: compressed}, nil
	default:
		return PublicKey{}, fmt.Errorf("%w: %d bytes", errUnknownAlgorithm, len(raw))
	}
}

// Algorithm returns the resolved algorithm.
func (k PublicKey) Algorithm() Algorithm {
	if k.algorithm == "" {
		return AlgorithmUnknown
	}
	return k.algorithm
}

// Bytes returns the normalized key encoding.
func (k PublicKey) Bytes() []byte {
	return append([]byte(nil), k.key...)
}

// CompressSecp256k1 normalizes a 33- or 65-byte secp256k1 key to its
// compressed form, rejecting inputs that are not valid curve points.
func CompressSecp256k1(raw []byte) ([]byte, error) {
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("signature: invalid secp256k1 public key: %w", err)
	}
	return pub.SerializeCompressed(), nil
}
