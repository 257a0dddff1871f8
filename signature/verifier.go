package signature

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"runtime"

	"github.com/btcsuite/btcd/btcec/v2"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/sync/errgroup"
)

// recoverableSize is the Ethereum style r||s||v encoding.
const recoverableSize = CompactSize + 1

// Verifier checks a signature for one algorithm. Implementations must return
// false for every malformed input instead of panicking.
type Verifier interface {
	Algorithm() Algorithm
	Verify(signature, message, publicKey []byte) bool
}

// Ed25519Verifier verifies Ed25519 signatures over the raw message.
type Ed25519Verifier struct{}

// Algorithm implements Verifier.
func (Ed25519Verifier) Algorithm() Algorithm { return AlgorithmEd25519 }

// Verify implements Verifier.
func (Ed25519Verifier) Verify(signature, message, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// Secp256k1Verifier verifies ECDSA secp256k1 signatures over SHA-256(message).
// Signatures may be compact r||s, r||s||v, or DER.
type Secp256k1Verifier struct{}

// Algorithm implements Verifier.
func (Secp256k1Verifier) Algorithm() Algorithm { return AlgorithmSecp256k1 }

// Verify implements Verifier.
func (Secp256k1Verifier) Verify(signature, message, publicKey []byte) bool {
	pub, err := btcec.ParsePubKey(publicKey)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(message)
	for _, compact := range compactCandidates(signature) {
		var r, s btcec.ModNScalar
		if overflow := r.SetByteSlice(compact[:scalarSize]); overflow || r.IsZero() {
			continue
		}
		if overflow := s.SetByteSlice(compact[scalarSize:]); overflow || s.IsZero() {
			continue
		}
		if secpecdsa.NewSignature(&r, &s).Verify(digest[:], pub) {
			return true
		}
	}
	return false
}

// compactCandidates lists the r||s readings of an accepted secp256k1
// encoding. A 64- or 65-byte buffer that also parses as DER yields both.
func compactCandidates(signature []byte) [][]byte {
	var out [][]byte
	if len(signature) > 0 && signature[0] == derSequenceTag {
		if compact, err := DecodeDER(signature); err == nil {
			out = append(out, compact)
		}
	}
	switch len(signature) {
	case CompactSize:
		out = append(out, signature)
	case recoverableSize:
		out = append(out, signature[:CompactSize])
	}
	return out
}

// Result is the outcome of a dispatched verification.
type Result struct {
	Algorithm Algorithm
	Valid     bool
}

// Item is one independent verification in a batch.
type Item struct {
	Signature []byte
	Message   []byte
	PublicKey []byte
}

// Dispatcher routes verification to the Verifier registered for the key's
// algorithm.
type Dispatcher struct {
	verifiers map[Algorithm]Verifier
	workers   int
}

// NewDispatcher builds a dispatcher over the given verifiers. With none, the
// Ed25519 and secp256k1 verifiers are registered.
func NewDispatcher(verifiers ...Verifier) *Dispatcher {
	if len(verifiers) == 0 {
		verifiers = []Verifier{Ed25519Verifier{}, Secp256k1Verifier{}}
	}
	d := &Dispatcher{
		verifiers: make(map[Algorithm]Verifier, len(verifiers)),
		workers:   runtime.GOMAXPROCS(0),
	}
	for _, v := range verifiers {
		d.verifiers[v.Algorithm()] = v
	}
	return d
}

// Verify detects the algorithm from publicKey and verifies. Unknown
// algorithms fail closed.
func (d *Dispatcher) Verify(signature, message, publicKey []byte) Result {
	alg := DetectAlgorithm(publicKey)
	v, ok := d.verifiers[alg]
	if !ok {
		return Result{Algorithm: alg}
	}
	return Result{Algorithm: alg, Valid: v.Verify(signature, message, publicKey)}
}

// VerifyKey verifies against an already resolved key.
func (d *Dispatcher) VerifyKey(signature, message []byte, key PublicKey) Result {
	alg := key.Algorithm()
	v, ok := d.verifiers[alg]
	if !ok {
		return Result{Algorithm: alg}
	}
	return Result{Algorithm: alg, Valid: v.Verify(signature, message, key.key)}
}

// BatchVerify verifies independent items concurrently and returns one result
// per item in input order. Items not started before ctx is done are invalid.
func (d *Dispatcher) BatchVerify(ctx context.Context, items []Item) []Result {
	results := make([]Result, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i := range items {
		g.Go(func() error {
			item := items[i]
			if gctx.Err() != nil {
				results[i] = Result{Algorithm: DetectAlgorithm(item.PublicKey)}
				return nil
			}
			results[i] = d.Verify(item.Signature, item.Message, item.PublicKey)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

var defaultDispatcher = NewDispatcher()

// Verify reports whether signature is valid for message under publicKey,
// using the algorithm implied by the key length.
func Verify(signature, message, publicKey []byte) bool {
	return defaultDispatcher.Verify(signature, message, publicKey).Valid
}

// VerifyWithAlgorithm is Verify tagged with the algorithm that was used.
func VerifyWithAlgorithm(signature, message, publicKey []byte) Result {
	return defaultDispatcher.Verify(signature, message, publicKey)
}

// BatchVerify verifies items with the default dispatcher.
func BatchVerify(ctx context.Context, items []Item) []Result {
	return defaultDispatcher.BatchVerify(ctx, items)
}
