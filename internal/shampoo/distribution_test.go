package shampoo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributeBufferSizes_LargestFirst(t *testing.T) {
	sizes := []int{100, 400, 300, 200}
	got := distributeBufferSizes(sizes, 2)

	// Visited as 400, 300, 200, 100: rank 0 takes 400+100, rank 1 takes
	// 300+200. The result keeps the original item order.
	want := []bufferAssignment{
		{size: 100, rank: 0},
		{size: 400, rank: 0},
		{size: 300, rank: 1},
		{size: 200, rank: 1},
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 500, maxRankLoad(got, 2))
}

func TestDistributeBufferSizes_TiesPickLowestRank(t *testing.T) {
	got := distributeBufferSizes([]int{8, 8}, 4)
	assert.Equal(t, 0, got[0].rank)
	assert.Equal(t, 1, got[1].rank)
	assert.Equal(t, 8, maxRankLoad(got, 4))
}

func TestDistributeBufferSizes_SingleWorker(t *testing.T) {
	got := distributeBufferSizes([]int{12, 4, 8}, 1)
	for _, a := range got {
		assert.Equal(t, 0, a.rank)
	}
	assert.Equal(t, 24, maxRankLoad(got, 1))
}

func TestDistributeBufferSizes_Deterministic(t *testing.T) {
	sizes := []int{64, 128, 64, 256, 32, 128}
	first := distributeBufferSizes(sizes, 3)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, distributeBufferSizes(sizes, 3))
	}
}

func TestDistributeBufferSizes_BalanceBound(t *testing.T) {
	sizes := []int{512, 64, 64, 256, 128, 1024, 32, 32, 768, 96}
	groupSize := 4

	total, maxSize := 0, 0
	for _, s := range sizes {
		total += s
		if s > maxSize {
			maxSize = s
		}
	}

	got := distributeBufferSizes(sizes, groupSize)
	// Greedy largest-first never exceeds the ideal share by more than one
	// item.
	assert.LessOrEqual(t, maxRankLoad(got, groupSize), total/groupSize+maxSize)
}

func TestSplitLocalBuffers_PartitionsWithoutOverlap(t *testing.T) {
	sizes := []int{100, 400, 300, 200}
	groupSize := 2
	assignments := distributeBufferSizes(sizes, groupSize)
	shared := maxRankLoad(assignments, groupSize)
	global := make([]byte, shared*groupSize)
	locals := [][]byte{global[:shared], global[shared:]}

	regions := splitLocalBuffers(assignments, locals)
	require.Len(t, regions, len(sizes))

	for i, r := range regions {
		assert.Equal(t, sizes[i], len(r.buf))
		assert.Equal(t, assignments[i].rank, r.rank)
		for j := range r.buf {
			r.buf[j] = byte(i + 1)
		}
	}

	// Every region writes through to the global buffer, and no two regions
	// share a byte. Both local slices are fully covered here since the loads
	// are equal.
	for _, b := range global {
		assert.NotZero(t, b)
	}
}

func TestBufferRegion_Float32View(t *testing.T) {
	buf := make([]byte, 16)
	r := bufferRegion{buf: buf}

	f := r.float32s()
	require.Len(t, f, 4)

	f[0] = 1.5
	f[3] = -2
	assert.Equal(t, f, r.float32s())
	assert.NotEqual(t, make([]byte, 16), buf)
}

func TestBufferRegion_EmptyView(t *testing.T) {
	assert.Nil(t, bufferRegion{}.float32s())
}
