package vmc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFATEngine(t *testing.T) (*Superblock, *FATEngine) {
	t.Helper()
	sb, backend := newFormattedBackend(t, testGeometry)
	return sb, NewFATEngine(sb, backend)
}

func TestFAT_AllocateGrowsChainToRequestedLength(t *testing.T) {
	_, fat := newTestFATEngine(t)

	head, ok := fat.Allocate(5)
	require.True(t, ok)

	length := uint32(1)
	cur := head
	for {
		next, ok := fat.Seek(cur, 1)
		if !ok {
			break
		}
		cur = next
		length++
	}
	assert.Equal(t, uint32(5), length)
}

func TestFAT_TruncateShrinksAndFreesTail(t *testing.T) {
	_, fat := newTestFATEngine(t)

	head, ok := fat.Allocate(4)
	require.True(t, ok)
	before := fat.CountOccupied()

	_, ok = fat.Truncate(head, 2)
	require.True(t, ok)

	after := fat.CountOccupied()
	assert.Equal(t, before-2, after)

	// The chain should now be exactly 2 clusters long.
	_, ok = fat.Seek(head, 2)
	assert.False(t, ok)
	_, ok = fat.Seek(head, 1)
	assert.True(t, ok)
}

func TestFAT_TruncateToZeroFreesEverything(t *testing.T) {
	_, fat := newTestFATEngine(t)

	head, ok := fat.Allocate(3)
	require.True(t, ok)
	occupiedBefore := fat.CountOccupied()
	require.Greater(t, occupiedBefore, uint32(1), "root plus the new chain")

	cur, ok := fat.Truncate(head, 0)
	assert.Equal(t, uint32(0), cur)
	assert.False(t, ok)

	assert.Equal(t, uint32(2), fat.CountOccupied(), "only root's 2-cluster `.`/`..` chain remains occupied")
}

func TestFAT_TailFromMatchesWhatTruncateWouldFree(t *testing.T) {
	_, fat := newTestFATEngine(t)

	head, ok := fat.Allocate(4)
	require.True(t, ok)

	tail := fat.TailFrom(head, 2)
	require.Len(t, tail, 2, "chain of 4 kept to 2 frees the last 2 clusters")

	_, ok = fat.Truncate(head, 2)
	require.True(t, ok)

	for _, c := range tail {
		e, err := fat.readEntry(c)
		require.NoError(t, err)
		assert.False(t, e.Occupied, "cluster %d reported by TailFrom should now be free", c)
	}
}

func TestFAT_TailFromZeroKeepReturnsWholeChain(t *testing.T) {
	_, fat := newTestFATEngine(t)

	head, ok := fat.Allocate(3)
	require.True(t, ok)

	tail := fat.TailFrom(head, 0)
	assert.Len(t, tail, 3)
	assert.Equal(t, head, tail[0])
}

func TestFAT_TailFromKeepingWholeChainIsEmpty(t *testing.T) {
	_, fat := newTestFATEngine(t)

	head, ok := fat.Allocate(3)
	require.True(t, ok)

	assert.Empty(t, fat.TailFrom(head, 3))
}

func TestFAT_FindFreeClusterSkipsOccupied(t *testing.T) {
	_, fat := newTestFATEngine(t)

	claimed, ok := fat.Allocate(1)
	require.True(t, ok)

	free, ok := fat.FindFreeCluster(0)
	require.True(t, ok)
	assert.NotEqual(t, claimed, free)
	assert.NotEqual(t, uint32(0), free, "cluster 0 is root's `.` cluster and must stay occupied")
	assert.NotEqual(t, uint32(1), free, "cluster 1 is root's `..` cluster and must stay occupied")
}

func TestFAT_AllocateFailsWhenExhausted(t *testing.T) {
	sb, fat := newTestFATEngine(t)

	// LastAllocatable includes the two already-occupied root clusters.
	_, ok := fat.Allocate(sb.LastAllocatable)
	assert.False(t, ok, "should not be able to claim every remaining cluster plus the occupied root chain")
}

func TestFAT_SeekPastEndOfChainFails(t *testing.T) {
	_, fat := newTestFATEngine(t)

	head, ok := fat.Allocate(2)
	require.True(t, ok)

	_, ok = fat.Seek(head, 5)
	assert.False(t, ok)
}
