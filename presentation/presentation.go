// Package presentation decodes and encodes the QR wire format of holder
// presentations and enforces their structural invariants.
//
// The wire form is a scheme-prefixed envelope whose data parameter carries a
// base64-encoded JSON document:
//
//	scheme://verb?data=<base64({v,p,h,vcs,ctx,exp,n,sig})>
//
// Decoding is pure and synchronous. It never touches the network or caches.
package presentation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// CompactSignatureLength is the size of an r||s signature or an Ed25519 signature.
	CompactSignatureLength = 64
	// MinSignatureLength is the smallest well-formed DER signature.
	MinSignatureLength = 8
	// MaxSignatureLength is the largest well-formed secp256k1 DER signature.
	MaxSignatureLength = 72
)

// Presentation is a decoded, structurally valid holder presentation.
// It is immutable after Decode returns it.
type Presentation struct {
	Version        string
	PresentationID string
	HolderID       string
	CredentialIDs  []string
	// DisclosureContext maps attribute names to the disclosed bool or scalar.
	// Numbers are kept as json.Number so re-serialization is exact.
	DisclosureContext map[string]any
	ExpiresAt         int64
	Nonce             uint64
	Signature         []byte
}

// wirePresentation is the JSON document inside the QR envelope.
type wirePresentation struct {
	Version           string         `json:"v"`
	PresentationID    string         `json:"p"`
	HolderID          string         `json:"h"`
	CredentialIDs     []string       `json:"vcs"`
	DisclosureContext map[string]any `json:"ctx"`
	ExpiresAt         int64          `json:"exp"`
	Nonce             uint64         `json:"n"`
	Signature         string         `json:"sig,omitempty"`
}

// ExpiryTime returns ExpiresAt as a time.
func (p *Presentation) ExpiryTime() time.Time {
	return time.Unix(p.ExpiresAt, 0)
}

// IsExpired reports whether now is past the presentation expiry.
func (p *Presentation) IsExpired(now time.Time) bool {
	return now.Unix() > p.ExpiresAt
}

// CanonicalPayload returns the bytes the holder signs: every wire field
// except the signature, serialized as JSON with lexicographically sorted keys
// and no HTML escaping.
func (p *Presentation) CanonicalPayload() ([]byte, error) {
	ctx := p.DisclosureContext
	if ctx == nil {
		ctx = map[string]any{}
	}
	payload := map[string]any{
		"v":   p.Version,
		"p":   p.PresentationID,
		"h":   p.HolderID,
		"vcs": p.CredentialIDs,
		"ctx": ctx,
		"exp": p.ExpiresAt,
		"n":   p.Nonce,
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("failed to serialize presentation payload: %w", err)
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Disclosed returns the subset of the disclosure context named in keys,
// together with the keys that are missing. With no keys every disclosed
// attribute is returned. An attribute set to false is withheld, never
// disclosed.
func (p *Presentation) Disclosed(keys []string) (map[string]any, []string) {
	out := make(map[string]any)
	if len(keys) == 0 {
		for k, v := range p.DisclosureContext {
			if v == false {
				continue
			}
			out[k] = v
		}
		return out, nil
	}

	var missing []string
	for _, k := range keys {
		v, ok := p.DisclosureContext[k]
		if !ok || v == false {
			missing = append(missing, k)
			continue
		}
		out[k] = v
	}
	return out, missing
}
