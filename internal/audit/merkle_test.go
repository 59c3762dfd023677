package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func leafHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestMerkleRootSingleLeaf(t *testing.T) {
	leaf := leafHex("a")
	root, err := MerkleRoot([]string{leaf})
	require.NoError(t, err)
	require.Equal(t, leaf, root)
}

func TestMerkleRootDuplicatesOddTail(t *testing.T) {
	leaves := []string{leafHex("a"), leafHex("b"), leafHex("c")}
	root, err := MerkleRoot(leaves)
	require.NoError(t, err)
	require.Len(t, root, 64)

	// Same three leaves in a different unrelated order produce a different root.
	reordered := []string{leafHex("c"), leafHex("b"), leafHex("a")}
	rootReordered, err := MerkleRoot(reordered)
	require.NoError(t, err)
	require.NotEqual(t, root, rootReordered)
}

func TestMerkleRootEmptyErrors(t *testing.T) {
	_, err := MerkleRoot(nil)
	require.ErrorIs(t, err, ErrEmptyLeaves)
}
