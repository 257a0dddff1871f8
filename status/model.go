// Package status holds the credential status data model shared by the cache,
// the revocation oracle and the chain-query collaborator: per-credential
// status records, the registry-wide revocation bitmap and Merkle proofs.
package status

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a credential as known to the registry.
type Status string

const (
	StatusActive    Status = "active"
	StatusRevoked   Status = "revoked"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
	StatusUnknown   Status = "unknown"
)

// ParseStatus converts a string to a Status. Unrecognised values map to
// StatusUnknown together with an error.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(s)) {
	case StatusActive:
		return StatusActive, nil
	case StatusRevoked:
		return StatusRevoked, nil
	case StatusExpired:
		return StatusExpired, nil
	case StatusSuspended:
		return StatusSuspended, nil
	case StatusUnknown:
		return StatusUnknown, nil
	default:
		return StatusUnknown, fmt.Errorf("invalid credential status: %s", s)
	}
}

// Code returns the single-byte on-chain encoding of the status.
func (s Status) Code() byte {
	switch s {
	case StatusActive:
		return 1
	case StatusRevoked:
		return 2
	case StatusExpired:
		return 3
	case StatusSuspended:
		return 4
	default:
		return 0
	}
}

// StatusFromCode is the inverse of Status.Code.
func StatusFromCode(c uint8) Status {
	switch c {
	case 1:
		return StatusActive
	case 2:
		return StatusRevoked
	case 3:
		return StatusExpired
	case 4:
		return StatusSuspended
	default:
		return StatusUnknown
	}
}

// Record is the status of a single credential.
type Record struct {
	CredentialID   string       `json:"credentialId"`
	Status         Status       `json:"status"`
	CredentialType string       `json:"credentialType,omitempty"`
	BitmapIndex    *uint64      `json:"bitmapIndex,omitempty"`
	Proof          *MerkleProof `json:"proof,omitempty"`
	FetchedAt      time.Time    `json:"fetchedAt"`
	// ExpiresAt is the end of the credential's validity as recorded by the
	// registry. Zero means the credential does not expire.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// EffectiveStatus returns the record status, downgrading an active record to
// expired once its validity has ended at now.
func (r *Record) EffectiveStatus(now time.Time) Status {
	if r == nil {
		return StatusUnknown
	}
	if r.Status == StatusActive && !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
		return StatusExpired
	}
	if r.Status == "" {
		return StatusUnknown
	}
	return r.Status
}

// Clone returns a deep copy so callers never share mutable state with a cache.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.BitmapIndex != nil {
		idx := *r.BitmapIndex
		c.BitmapIndex = &idx
	}
	c.Proof = r.Proof.Clone()
	return &c
}

// Index is a helper to take the address of a bitmap position.
func Index(i uint64) *uint64 {
	return &i
}
