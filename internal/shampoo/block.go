package shampoo

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gallego-posada/optimizers/internal/tensor"
)

// blockShampooPreconditioner cuts a tensor's (optionally merged) dimensions
// into contiguous chunks of at most the block size and preconditions each
// block as an independent full Shampoo sub-problem. Blocks may be owned by
// different workers.
type blockShampooPreconditioner struct {
	merged tensor.Shape
	specs  []blockSpec
	blocks []*shampooPreconditioner

	scratch [][]float32 // per-block packed gradient, reused across steps
	owned   bool
	count   int
}

// blockBufferSizes computes the per-block communication-buffer byte sizes
// for a tensor shape under the given block size. Pure planning; the same
// deterministic block order is used at construction.
func blockBufferSizes(shape tensor.Shape, blockSize int, mergeDims bool) []int {
	working := workingShape(shape)
	if mergeDims {
		working = mergeSmallDims(shape, blockSize)
	}
	specs := blockSpecs(working, blockSize)
	sizes := make([]int, len(specs))
	for i, s := range specs {
		sizes[i] = s.shape.NumElements() * tensor.Float32.Size()
	}
	return sizes
}

// newBlockShampooPreconditioner consumes one region per block, in block
// order.
func newBlockShampooPreconditioner(shape tensor.Shape, cfg GroupConfig, opts shampooOptions, blockSize int, mergeDims bool, regions []bufferRegion, groupRank int, label string) *blockShampooPreconditioner {
	working := workingShape(shape)
	if mergeDims {
		working = mergeSmallDims(shape, blockSize)
	}

	p := &blockShampooPreconditioner{
		merged: working,
		specs:  blockSpecs(working, blockSize),
	}
	p.blocks = make([]*shampooPreconditioner, len(p.specs))
	p.scratch = make([][]float32, len(p.specs))
	for b, spec := range p.specs {
		blockLabel := fmt.Sprintf("%s block %d", label, b)
		p.blocks[b] = newShampooPreconditioner(spec.shape, cfg, opts, regions[b], groupRank, blockLabel)
		p.scratch[b] = make([]float32, spec.shape.NumElements())
		p.owned = p.owned || p.blocks[b].onOwnerRank()
		p.count += p.blocks[b].parameterCount()
	}
	return p
}

// packOwnedBlocks extracts the owned blocks' slices of the gradient into
// the per-block scratch buffers.
func (p *blockShampooPreconditioner) packOwnedBlocks(grad []float32) {
	for b, spec := range p.specs {
		if !p.blocks[b].onOwnerRank() {
			continue
		}
		gatherBlock(grad, p.merged, spec, p.scratch[b])
	}
}

func (p *blockShampooPreconditioner) updateStatistics(grad []float32, step int64) {
	p.packOwnedBlocks(grad)
	for b, blk := range p.blocks {
		blk.updateStatistics(p.scratch[b], step)
	}
}

func (p *blockShampooPreconditioner) computeRootInverse() {
	for _, blk := range p.blocks {
		blk.computeRootInverse()
	}
}

func (p *blockShampooPreconditioner) rootInverseResiduals() ([]float64, []float64) {
	var relErrs, relResiduals []float64
	for _, blk := range p.blocks {
		e, r := blk.rootInverseResiduals()
		relErrs = append(relErrs, e...)
		relResiduals = append(relResiduals, r...)
	}
	return relErrs, relResiduals
}

func (p *blockShampooPreconditioner) preconditionToBuffer(grad []float32, step int64) {
	p.packOwnedBlocks(grad)
	for b, blk := range p.blocks {
		blk.preconditionToBuffer(p.scratch[b], step)
	}
}

// searchDirection reassembles the full tensor's preconditioned gradient
// from every block's gathered region.
func (p *blockShampooPreconditioner) searchDirection(dst []float32) {
	for b, spec := range p.specs {
		scatterBlock(p.blocks[b].region.float32s(), p.merged, spec, dst)
	}
}

func (p *blockShampooPreconditioner) onOwnerRank() bool { return p.owned }

func (p *blockShampooPreconditioner) parameterCount() int { return p.count }

func (p *blockShampooPreconditioner) reset() {
	for _, blk := range p.blocks {
		blk.reset()
	}
}

func (p *blockShampooPreconditioner) snapshot() *PreconditionerState {
	st := &PreconditionerState{
		Kind:   KindBlock,
		Blocks: make([]*PreconditionerState, len(p.blocks)),
	}
	for b, blk := range p.blocks {
		st.Blocks[b] = blk.snapshot()
	}
	return st
}

func (p *blockShampooPreconditioner) restore(st *PreconditionerState) error {
	if st.Kind != KindBlock {
		return errors.Errorf("preconditioner kind mismatch: snapshot %q, live %q", st.Kind, KindBlock)
	}
	if len(st.Blocks) != len(p.blocks) {
		return errors.Errorf("block count mismatch: snapshot %d, live %d", len(st.Blocks), len(p.blocks))
	}
	for b, blk := range p.blocks {
		if err := blk.restore(st.Blocks[b]); err != nil {
			return errors.Wrapf(err, "block %d", b)
		}
	}
	return nil
}
