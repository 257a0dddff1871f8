package status

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Bitmap is the registry-wide revocation bitstring together with the Merkle
// root committing to every credential's status leaf.
//
// A Bitmap is immutable once handed to a cache; a sync replaces it wholesale.
type Bitmap struct {
	MerkleRoot []byte
	// Bits is the decompressed LSB-first bitstring. A set bit means revoked.
	Bits []byte
	// Indices optionally maps credential IDs to their bitmap position, for
	// credentials that have no cached record carrying the index.
	Indices     map[string]uint64
	GeneratedAt time.Time
	Height      uint64
}

// NewBitmap allocates a cleared bitmap able to hold size positions.
func NewBitmap(size uint64, root []byte, generatedAt time.Time) *Bitmap {
	return &Bitmap{
		MerkleRoot:  root,
		Bits:        make([]byte, (size+7)/8),
		GeneratedAt: generatedAt,
	}
}

// Set marks position as revoked. Only call it while building a bitmap.
func (b *Bitmap) Set(position uint64) error {
	byteIndex := position / 8
	if byteIndex >= uint64(len(b.Bits)) {
		return fmt.Errorf("position %d out of range (size %d)", position, b.Size())
	}
	b.Bits[byteIndex] |= 1 << (position % 8)
	return nil
}

// IsRevoked reports whether the bit at position is set. covered is false when
// the bitmap does not extend to position, in which case it has no verdict.
func (b *Bitmap) IsRevoked(position uint64) (revoked, covered bool) {
	if b == nil {
		return false, false
	}
	return bitAt(b.Bits, position)
}

// IndexOf looks a credential up in the optional index table.
func (b *Bitmap) IndexOf(credentialID string) (uint64, bool) {
	if b == nil || b.Indices == nil {
		return 0, false
	}
	idx, ok := b.Indices[credentialID]
	return idx, ok
}

// Size is the number of positions the bitmap covers.
func (b *Bitmap) Size() uint64 {
	if b == nil {
		return 0
	}
	return uint64(len(b.Bits)) * 8
}

type bitmapJSON struct {
	MerkleRoot  string            `json:"merkleRoot"`
	EncodedList string            `json:"encodedList"`
	Indices     map[string]uint64 `json:"indices,omitempty"`
	GeneratedAt time.Time         `json:"generatedAt"`
	Height      uint64            `json:"height,omitempty"`
}

// MarshalJSON stores the bitstring in its compressed wire form.
func (b *Bitmap) MarshalJSON() ([]byte, error) {
	encoded, err := EncodeBits(b.Bits)
	if err != nil {
		return nil, err
	}
	return json.Marshal(bitmapJSON{
		MerkleRoot:  hex.EncodeToString(b.MerkleRoot),
		EncodedList: encoded,
		Indices:     b.Indices,
		GeneratedAt: b.GeneratedAt,
		Height:      b.Height,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (b *Bitmap) UnmarshalJSON(data []byte) error {
	var raw bitmapJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	root, err := hex.DecodeString(raw.MerkleRoot)
	if err != nil {
		return fmt.Errorf("failed to decode merkle root: %w", err)
	}
	bits, err := DecodeBits(raw.EncodedList)
	if err != nil {
		return err
	}
	*b = Bitmap{
		MerkleRoot:  root,
		Bits:        bits,
		Indices:     raw.Indices,
		GeneratedAt: raw.GeneratedAt,
		Height:      raw.Height,
	}
	return nil
}
