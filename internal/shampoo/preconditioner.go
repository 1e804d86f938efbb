package shampoo

// preconditioner is the per-tensor curvature state: the accumulated
// statistic(s), the cached inverse-root factor(s) and the bound buffer
// region. Three variants exist: diagonal (Adagrad), full (Shampoo) and
// block-decomposed. The variant is chosen once at construction and never
// re-classified.
//
// Mutating operations (updateStatistics, computeRootInverse,
// preconditionToBuffer) are executed by the owning worker only;
// searchDirection is executed by every worker after the collective and
// reads the owner's result out of the gathered buffer.
type preconditioner interface {
	// updateStatistics folds the gradient into the accumulators.
	updateStatistics(grad []float32, step int64)

	// computeRootInverse refreshes the cached inverse-root factors from the
	// current accumulators. No-op for the diagonal variant, whose inverse
	// is a closed-form elementwise power.
	computeRootInverse()

	// rootInverseResiduals reports the relative error and relative residual
	// of every cached factor matrix. Debug observability only.
	rootInverseResiduals() (relErrs, relResiduals []float64)

	// preconditionToBuffer writes the preconditioned (and graft-rescaled)
	// gradient into the bound buffer region.
	preconditionToBuffer(grad []float32, step int64)

	// searchDirection reads this tensor's preconditioned gradient from the
	// gathered buffer into dst, which has the tensor's element count.
	searchDirection(dst []float32)

	// onOwnerRank reports whether the local worker owns any of this state.
	onOwnerRank() bool

	// parameterCount is the number of statistic entries tracked, for
	// accounting and logging.
	parameterCount() int

	// reset drops all accumulated statistics and cached factors back to the
	// just-constructed state.
	reset()

	// snapshot exports a deep copy of the state; restore imports one.
	snapshot() *PreconditionerState
	restore(st *PreconditionerState) error
}
