package status

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	leafPrefix     = 0x00
	interiorPrefix = 0x01

	hashSize = sha256.Size
	// maxProofDepth bounds sibling paths; 64 levels index every uint64 leaf.
	maxProofDepth = 64
)

var (
	errInvalidHashSize = errors.New("merkle: hash must be 32 bytes")
	errProofTooDeep    = errors.New("merkle: proof exceeds maximum depth")
	errIndexOutOfRange = errors.New("merkle: leaf index out of range for proof depth")
	errNoLeaves        = errors.New("merkle: tree needs at least one leaf")
)

// MerkleProof is a sibling path proving one status leaf under a root.
type MerkleProof struct {
	LeafHash []byte
	// Siblings are ordered from the leaf level up to just below the root.
	Siblings  [][]byte
	LeafIndex uint64
}

// LeafHash is the commitment to a credential's status stored in the tree.
func LeafHash(credentialID string, s Status) []byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write([]byte(credentialID))
	h.Write([]byte{0x00, s.Code()})
	return h.Sum(nil)
}

func hashChildren(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{interiorPrefix})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// ComputeRoot hashes the leaf up through the siblings. At each level the
// low bit of the running index decides whether the current node is the left
// or right child.
func (p *MerkleProof) ComputeRoot() ([]byte, error) {
	if p == nil {
		return nil, errors.New("merkle: nil proof")
	}
	if len(p.LeafHash) != hashSize {
		return nil, errInvalidHashSize
	}
	if len(p.Siblings) > maxProofDepth {
		return nil, errProofTooDeep
	}
	if len(p.Siblings) < maxProofDepth && p.LeafIndex>>uint(len(p.Siblings)) != 0 {
		return nil, errIndexOutOfRange
	}

	node := p.LeafHash
	index := p.LeafIndex
	for i, sibling := range p.Siblings {
		if len(sibling) != hashSize {
			return nil, fmt.Errorf("merkle: sibling %d: %w", i, errInvalidHashSize)
		}
		if index&1 == 0 {
			node = hashChildren(node, sibling)
		} else {
			node = hashChildren(sibling, node)
		}
		index >>= 1
	}

	return node, nil
}

// Verify recomputes the root and compares it with root in constant time.
// Any malformed proof verifies false.
func (p *MerkleProof) Verify(root []byte) bool {
	if len(root) != hashSize {
		return false
	}
	computed, err := p.ComputeRoot()
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(computed, root) == 1
}

// Clone returns a deep copy of the proof.
func (p *MerkleProof) Clone() *MerkleProof {
	if p == nil {
		return nil
	}
	c := &MerkleProof{
		LeafHash:  append([]byte(nil), p.LeafHash...),
		Siblings:  make([][]byte, len(p.Siblings)),
		LeafIndex: p.LeafIndex,
	}
	for i, s := range p.Siblings {
		c.Siblings[i] = append([]byte(nil), s...)
	}
	return c
}

type merkleProofJSON struct {
	LeafHash  []byte   `json:"leafHash"`
	Siblings  [][]byte `json:"siblingHashes"`
	LeafIndex uint64   `json:"leafIndex"`
}

// MarshalJSON implements json.Marshaler.
func (p MerkleProof) MarshalJSON() ([]byte, error) {
	return json.Marshal(merkleProofJSON(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *MerkleProof) UnmarshalJSON(data []byte) error {
	var raw merkleProofJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = MerkleProof(raw)
	return nil
}

// MerkleTree is a binary SHA-256 tree over status leaves. Odd nodes are
// paired with themselves.
type MerkleTree struct {
	levels [][][]byte
}

// BuildMerkleTree builds a tree over the given leaf hashes.
func BuildMerkleTree(leaves [][]byte) (*MerkleTree, error) {
	if len(leaves) == 0 {
		return nil, errNoLeaves
	}
	level := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		if len(leaf) != hashSize {
			return nil, fmt.Errorf("merkle: leaf %d: %w", i, errInvalidHashSize)
		}
		level[i] = leaf
	}

	t := &MerkleTree{levels: [][][]byte{level}}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashChildren(level[i], right))
		}
		t.levels = append(t.levels, next)
		level = next
	}

	return t, nil
}

// Root returns the tree root.
func (t *MerkleTree) Root() []byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Proof returns the inclusion proof for the leaf at index.
func (t *MerkleTree) Proof(index uint64) (*MerkleProof, error) {
	if index >= uint64(len(t.levels[0])) {
		return nil, errIndexOutOfRange
	}
	proof := &MerkleProof{
		LeafHash:  t.levels[0][index],
		LeafIndex: index,
	}
	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling >= uint64(len(level)) {
			sibling = pos
		}
		proof.Siblings = append(proof.Siblings, level[sibling])
		pos >>= 1
	}
	return proof, nil
}
