// Package chain talks to the credential registry on chain. It defines the
// query contract consumed by the revocation oracle and the sync engine, and
// provides a go-ethereum backed implementation of it.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/pilacorp/go-credential-verifier/signature"
	"github.com/pilacorp/go-credential-verifier/status"
	"github.com/pilacorp/go-credential-verifier/verifyerr"
)

// Querier is the read side of the credential registry.
//
// Failures carry one of verifyerr.CodeNetwork, CodeTimeout or CodeNotFound so
// callers can tell an unreachable registry from a missing credential.
type Querier interface {
	QueryCredentialStatus(ctx context.Context, credentialID string) (*status.Record, error)
	QueryRevocationBitmap(ctx context.Context) (*status.Bitmap, error)
	// QueryHeight returns the latest block number. It doubles as a liveness check.
	QueryHeight(ctx context.Context) (uint64, error)
}

// KeyResolver returns the public key a holder signs presentations with.
type KeyResolver interface {
	ResolveKey(ctx context.Context, holderID string) (signature.PublicKey, error)
}

// StaticKeyResolver resolves holders from a fixed table. Useful offline and in
// tests.
type StaticKeyResolver struct {
	keys map[string]signature.PublicKey
}

// NewStaticKeyResolver parses every raw key once.
func NewStaticKeyResolver(keys map[string][]byte) (*StaticKeyResolver, error) {
	r := &StaticKeyResolver{keys: make(map[string]signature.PublicKey, len(keys))}
	for holder, raw := range keys {
		pub, err := signature.ParsePublicKey(raw)
		if err != nil {
			return nil, verifyerr.Wrap(err, verifyerr.CodeInvalidConfig, fmt.Sprintf("invalid public key for %s", holder))
		}
		r.keys[holder] = pub
	}
	return r, nil
}

// ResolveKey implements KeyResolver.
func (r *StaticKeyResolver) ResolveKey(_ context.Context, holderID string) (signature.PublicKey, error) {
	pub, ok := r.keys[holderID]
	if !ok {
		return signature.PublicKey{}, verifyerr.New(verifyerr.CodeNotFound, fmt.Sprintf("no public key for holder %s", holderID))
	}
	return pub, nil
}

// classify maps a transport failure onto the registry error codes. ctx is the
// context the failed call ran under.
func classify(ctx context.Context, err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return verifyerr.Wrap(err, verifyerr.CodeTimeout, msg+": timed out")
	}
	return verifyerr.Wrap(err, verifyerr.CodeNetwork, msg)
}
