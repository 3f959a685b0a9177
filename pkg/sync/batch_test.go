package sync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkSplitsEvenly(t *testing.T) {
	records := make([]int, 200)
	batches := Chunk(records, 100)
	require.Len(t, batches, 2)
	require.Len(t, batches[0], 100)
	require.Len(t, batches[1], 100)
}

func TestChunkRemainder(t *testing.T) {
	records := make([]int, 250)
	batches := Chunk(records, 100)
	require.Len(t, batches, 3)
	require.Len(t, batches[0], 100)
	require.Len(t, batches[1], 100)
	require.Len(t, batches[2], 50)
}

func TestChunkOrderBatches(t *testing.T) {
	records := make([]int, 120)
	batches := Chunk(records, 50)
	require.Len(t, batches, 3)
	require.Len(t, batches[0], 50)
	require.Len(t, batches[1], 50)
	require.Len(t, batches[2], 20)
}

func TestChunkPreservesOrder(t *testing.T) {
	records := []int{1, 2, 3, 4, 5}
	batches := Chunk(records, 2)
	require.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, batches)
}

func TestChunkSmallerThanSize(t *testing.T) {
	batches := Chunk([]int{1, 2, 3}, 100)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3)
}

func TestChunkEmpty(t *testing.T) {
	require.Nil(t, Chunk([]int{}, 100))
	require.Nil(t, Chunk[int](nil, 100))
}

func TestChunkNonPositiveSize(t *testing.T) {
	records := []int{1, 2, 3}
	batches := Chunk(records, 0)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3)
}
