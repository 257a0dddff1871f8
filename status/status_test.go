package status

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmapIsRevoked(t *testing.T) {
	// 0x01 -> [1,0,0,0,0,0,0,0] (LSB-first)
	b := &Bitmap{Bits: []byte{0x01, 0x80}}

	tests := []struct {
		name     string
		position uint64
		revoked  bool
		covered  bool
	}{
		{name: "first bit set", position: 0, revoked: true, covered: true},
		{name: "second bit clear", position: 1, revoked: false, covered: true},
		{name: "last bit of second byte set", position: 15, revoked: true, covered: true},
		{name: "beyond bitmap", position: 16, revoked: false, covered: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			revoked, covered := b.IsRevoked(tt.position)
			assert.Equal(t, tt.revoked, revoked)
			assert.Equal(t, tt.covered, covered)
		})
	}
}

func TestNilBitmapHasNoVerdict(t *testing.T) {
	var b *Bitmap
	revoked, covered := b.IsRevoked(0)
	assert.False(t, revoked)
	assert.False(t, covered)
	_, ok := b.IndexOf("x")
	assert.False(t, ok)
}

func TestBitmapSet(t *testing.T) {
	b := NewBitmap(10, nil, time.Unix(0, 0))
	require.NoError(t, b.Set(9))
	assert.Error(t, b.Set(16))

	revoked, covered := b.IsRevoked(9)
	assert.True(t, covered)
	assert.True(t, revoked)
	assert.Equal(t, uint64(16), b.Size())
}

func TestBitmapJSONUsesCompressedList(t *testing.T) {
	b := NewBitmap(64, LeafHash("vc-1", StatusActive), time.Unix(1700000000, 0).UTC())
	require.NoError(t, b.Set(3))
	b.Indices = map[string]uint64{"vc-1": 3}
	b.Height = 42

	data, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Contains(t, string(data), "encodedList")

	var decoded Bitmap
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, b.Bits, decoded.Bits)
	assert.Equal(t, b.MerkleRoot, decoded.MerkleRoot)
	assert.Equal(t, b.Indices, decoded.Indices)
	assert.Equal(t, uint64(42), decoded.Height)
}

func TestDecodeBitsRejectsGarbage(t *testing.T) {
	_, err := DecodeBits("!!!not-base64")
	assert.Error(t, err)

	_, err = DecodeBits("aGVsbG8") // "hello", not gzip
	assert.Error(t, err)
}

func TestDecompressRejectsOversizedOutput(t *testing.T) {
	compressed, err := Compress(make([]byte, MaxBitstringBytes+1))
	require.NoError(t, err)

	_, err = Decompress(compressed)
	assert.ErrorIs(t, err, errBitstringTooLarge)
}

func TestMerkleTreeProofs(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13} {
		leaves := make([][]byte, n)
		for i := range leaves {
			leaves[i] = LeafHash(string(rune('a'+i)), StatusActive)
		}
		tree, err := BuildMerkleTree(leaves)
		require.NoError(t, err)

		for i := 0; i < n; i++ {
			proof, err := tree.Proof(uint64(i))
			require.NoError(t, err)
			assert.True(t, proof.Verify(tree.Root()), "n=%d leaf=%d", n, i)
		}
	}
}

func TestMerkleProofRejectsTampering(t *testing.T) {
	leaves := [][]byte{
		LeafHash("vc-1", StatusActive),
		LeafHash("vc-2", StatusRevoked),
		LeafHash("vc-3", StatusActive),
		LeafHash("vc-4", StatusActive),
	}
	tree, err := BuildMerkleTree(leaves)
	require.NoError(t, err)
	root := tree.Root()

	tests := []struct {
		name   string
		mutate func(p *MerkleProof)
	}{
		{name: "flipped leaf", mutate: func(p *MerkleProof) { p.LeafHash[0] ^= 0xff }},
		{name: "flipped sibling", mutate: func(p *MerkleProof) { p.Siblings[1][5] ^= 0x01 }},
		{name: "wrong index", mutate: func(p *MerkleProof) { p.LeafIndex = 0 }},
		{name: "index beyond depth", mutate: func(p *MerkleProof) { p.LeafIndex = 7 }},
		{name: "truncated sibling", mutate: func(p *MerkleProof) { p.Siblings[0] = p.Siblings[0][:10] }},
		{name: "missing sibling", mutate: func(p *MerkleProof) { p.Siblings = p.Siblings[:1] }},
		{name: "short leaf", mutate: func(p *MerkleProof) { p.LeafHash = []byte{1} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proof, err := tree.Proof(1)
			require.NoError(t, err)
			proof = proof.Clone()
			tt.mutate(proof)
			assert.False(t, proof.Verify(root))
		})
	}
}

func TestMerkleProofVerifyRejectsBadRoot(t *testing.T) {
	tree, err := BuildMerkleTree([][]byte{LeafHash("vc-1", StatusActive)})
	require.NoError(t, err)
	proof, err := tree.Proof(0)
	require.NoError(t, err)

	assert.True(t, proof.Verify(tree.Root()))
	assert.False(t, proof.Verify(tree.Root()[:31]))
	assert.False(t, (*MerkleProof)(nil).Verify(tree.Root()))
}

func TestBuildMerkleTreeErrors(t *testing.T) {
	_, err := BuildMerkleTree(nil)
	assert.Error(t, err)

	_, err = BuildMerkleTree([][]byte{{1, 2, 3}})
	assert.Error(t, err)

	tree, err := BuildMerkleTree([][]byte{LeafHash("a", StatusActive)})
	require.NoError(t, err)
	_, err = tree.Proof(1)
	assert.Error(t, err)
}

func TestRecordEffectiveStatus(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name   string
		record *Record
		want   Status
	}{
		{name: "nil record", record: nil, want: StatusUnknown},
		{name: "empty status", record: &Record{}, want: StatusUnknown},
		{name: "active without expiry", record: &Record{Status: StatusActive}, want: StatusActive},
		{name: "active past expiry", record: &Record{Status: StatusActive, ExpiresAt: now.Add(-time.Second)}, want: StatusExpired},
		{name: "active before expiry", record: &Record{Status: StatusActive, ExpiresAt: now.Add(time.Second)}, want: StatusActive},
		{name: "revoked stays revoked", record: &Record{Status: StatusRevoked, ExpiresAt: now.Add(-time.Hour)}, want: StatusRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.record.EffectiveStatus(now))
		})
	}
}

func TestRecordCloneIsDeep(t *testing.T) {
	tree, err := BuildMerkleTree([][]byte{LeafHash("a", StatusActive), LeafHash("b", StatusActive)})
	require.NoError(t, err)
	proof, err := tree.Proof(0)
	require.NoError(t, err)

	original := &Record{CredentialID: "a", Status: StatusActive, BitmapIndex: Index(4), Proof: proof}
	clone := original.Clone()
	*clone.BitmapIndex = 9
	clone.Proof.Siblings[0][0] ^= 0xff

	assert.Equal(t, uint64(4), *original.BitmapIndex)
	assert.True(t, original.Proof.Verify(tree.Root()))
}

func TestParseStatusAndCodes(t *testing.T) {
	for _, s := range []Status{StatusActive, StatusRevoked, StatusExpired, StatusSuspended} {
		parsed, err := ParseStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
		assert.Equal(t, s, StatusFromCode(s.Code()))
	}

	parsed, err := ParseStatus("bogus")
	assert.Error(t, err)
	assert.Equal(t, StatusUnknown, parsed)
	assert.Equal(t, StatusUnknown, StatusFromCode(99))
}
