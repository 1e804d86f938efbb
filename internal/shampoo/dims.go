package shampoo

import "github.com/gallego-posada/optimizers/internal/tensor"

// workingShape returns the shape a preconditioner operates on: size-1
// dimensions dropped, scalars promoted to [1].
func workingShape(shape tensor.Shape) tensor.Shape {
	out := make(tensor.Shape, 0, len(shape))
	for _, d := range shape {
		if d != 1 {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		out = append(out, 1)
	}
	return out
}

// mergeSmallDims merges adjacent dimensions while the merged product stays
// within maxDim. Size-1 dimensions are dropped first.
func mergeSmallDims(shape tensor.Shape, maxDim int) tensor.Shape {
	dims := workingShape(shape)
	out := tensor.Shape{dims[0]}
	for _, d := range dims[1:] {
		if last := out[len(out)-1]; last*d <= maxDim {
			out[len(out)-1] = last * d
		} else {
			out = append(out, d)
		}
	}
	return out
}

// chunkSizes cuts n into consecutive chunks of at most block elements; the
// final chunk carries the remainder.
func chunkSizes(n, block int) []int {
	var out []int
	for n > 0 {
		c := block
		if n < block {
			c = n
		}
		out = append(out, c)
		n -= c
	}
	return out
}

// blockSpec describes one block of a blocked tensor: its shape and the
// starting coordinate of each dimension within the full (merged) shape.
type blockSpec struct {
	shape  tensor.Shape
	starts []int
}

// blockSpecs enumerates the blocks produced by cutting every dimension of
// shape into chunks of at most blockSize, in row-major chunk order. The
// order is deterministic and shared by the buffer allocator and sharder.
func blockSpecs(shape tensor.Shape, blockSize int) []blockSpec {
	chunks := make([][]int, len(shape))
	counts := make([]int, len(shape))
	total := 1
	for i, d := range shape {
		chunks[i] = chunkSizes(d, blockSize)
		counts[i] = len(chunks[i])
		total *= counts[i]
	}

	out := make([]blockSpec, 0, total)
	idx := make([]int, len(shape))
	for b := 0; b < total; b++ {
		spec := blockSpec{
			shape:  make(tensor.Shape, len(shape)),
			starts: make([]int, len(shape)),
		}
		for d := range shape {
			spec.shape[d] = chunks[d][idx[d]]
			start := 0
			for c := 0; c < idx[d]; c++ {
				start += chunks[d][c]
			}
			spec.starts[d] = start
		}
		out = append(out, spec)

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < counts[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}

// gatherBlock copies the block described by spec out of the row-major full
// tensor src into the contiguous dst.
func gatherBlock(src []float32, full tensor.Shape, spec blockSpec, dst []float32) {
	forBlockRuns(full, spec, func(srcOff, dstOff, run int) {
		copy(dst[dstOff:dstOff+run], src[srcOff:srcOff+run])
	})
}

// scatterBlock copies the contiguous block src back into its position in
// the row-major full tensor dst.
func scatterBlock(src []float32, full tensor.Shape, spec blockSpec, dst []float32) {
	forBlockRuns(full, spec, func(dstOff, srcOff, run int) {
		copy(dst[dstOff:dstOff+run], src[srcOff:srcOff+run])
	})
}

// forBlockRuns visits the contiguous innermost runs of a block, reporting
// the run's offset in the full tensor, its offset in the packed block, and
// its length.
func forBlockRuns(full tensor.Shape, spec blockSpec, visit func(fullOff, blockOff, run int)) {
	nd := len(spec.shape)
	strides := full.ComputeStrides()
	run := spec.shape[nd-1]

	base := 0
	for d, s := range spec.starts {
		base += s * strides[d]
	}

	idx := make([]int, nd-1)
	blockOff := 0
	for {
		off := base
		for d := 0; d < nd-1; d++ {
			off += idx[d] * strides[d]
		}
		visit(off, blockOff, run)
		blockOff += run

		d := nd - 2
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < spec.shape[d] {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return
		}
	}
}
