package shampoo

import (
	"sort"
	"unsafe"
)

// bufferAssignment pairs one required communication-buffer byte size with
// the group rank that owns it.
type bufferAssignment struct {
	size int
	rank int
}

// distributeBufferSizes balances the required buffer sizes across groupSize
// workers: items are visited largest-first and each is assigned to the
// currently least-loaded worker, ties broken by lowest rank. The result is
// in the original item order and is deterministic, so every worker computes
// the identical assignment without communication.
func distributeBufferSizes(sizes []int, groupSize int) []bufferAssignment {
	order := make([]int, len(sizes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return sizes[order[a]] > sizes[order[b]]
	})

	loads := make([]int, groupSize)
	out := make([]bufferAssignment, len(sizes))
	for _, i := range order {
		rank := 0
		for r := 1; r < groupSize; r++ {
			if loads[r] < loads[rank] {
				rank = r
			}
		}
		out[i] = bufferAssignment{size: sizes[i], rank: rank}
		loads[rank] += sizes[i]
	}
	return out
}

// maxRankLoad returns the largest per-worker byte total of an assignment.
// Every worker sizes its local buffer slice to this shared value so a
// fixed-size all-gather can be used.
func maxRankLoad(assignments []bufferAssignment, groupSize int) int {
	loads := make([]int, groupSize)
	for _, a := range assignments {
		loads[a.rank] += a.size
	}
	maxLoad := 0
	for _, l := range loads {
		if l > maxLoad {
			maxLoad = l
		}
	}
	return maxLoad
}

// bufferRegion is a contiguous byte range of the gathered buffer,
// permanently bound to one preconditioner. The range lies within the owning
// rank's slice, so after the all-gather every worker reads the owner's
// preconditioned gradient from it.
type bufferRegion struct {
	buf  []byte
	rank int
}

// float32s views the region as a float32 slice. Regions are always cut at
// 4-byte multiples of an 8-byte aligned allocation.
func (r bufferRegion) float32s() []float32 {
	if len(r.buf) == 0 {
		return nil
	}
	//nolint:gosec // zero-copy view, bounds derive from the region length
	return unsafe.Slice((*float32)(unsafe.Pointer(&r.buf[0])), len(r.buf)/4)
}

// splitLocalBuffers walks the assignments in their deterministic order,
// accumulating one offset per rank, and cuts each item's region out of its
// owner's local slice. locals must be the gathered buffer split into
// groupSize equal slices in rank order.
func splitLocalBuffers(assignments []bufferAssignment, locals [][]byte) []bufferRegion {
	offsets := make([]int, len(locals))
	out := make([]bufferRegion, len(assignments))
	for i, a := range assignments {
		off := offsets[a.rank]
		out[i] = bufferRegion{
			buf:  locals[a.rank][off : off+a.size],
			rank: a.rank,
		}
		offsets[a.rank] = off + a.size
	}
	return out
}
