package shampoo

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gallego-posada/optimizers/internal/tensor"
)

func TestMatrixRootInverse_Identity(t *testing.T) {
	a := []float64{1, 0, 0, 1}
	inv, err := matrixRootInverse(a, 2, 4, 0, 1, gonumEigh)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 0, 0, 1}, inv, 1e-12)
}

func TestMatrixRootInverse_Diagonal(t *testing.T) {
	// diag(4, 9)^(-1/2) = diag(1/2, 1/3).
	a := []float64{4, 0, 0, 9}
	inv, err := matrixRootInverse(a, 2, 2, 0, 1, gonumEigh)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, inv[0], 1e-12)
	assert.InDelta(t, 0, inv[1], 1e-12)
	assert.InDelta(t, 0, inv[2], 1e-12)
	assert.InDelta(t, 1.0/3, inv[3], 1e-12)
}

func TestMatrixRootInverse_ExponentMultiplier(t *testing.T) {
	// diag(16)^(-2/4) = diag(1/4).
	inv, err := matrixRootInverse([]float64{16}, 1, 4, 0, 2, gonumEigh)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, inv[0], 1e-12)
}

func TestMatrixRootInverse_ClampsNegativeEigenvalues(t *testing.T) {
	// -1 clamps to 0; with epsilon 1 the power is well defined.
	inv, err := matrixRootInverse([]float64{-1}, 1, 2, 1, 1, gonumEigh)
	require.NoError(t, err)
	assert.InDelta(t, 1, inv[0], 1e-12)
}

func TestGonumEigh_RejectsNonFinite(t *testing.T) {
	_, _, err := gonumEigh(2, []float64{1, math.NaN(), math.NaN(), 1})
	assert.Error(t, err)
}

// failNTimes wraps gonumEigh so that the first n calls fail.
func failNTimes(n int, calls *int) eighFunc {
	return func(dim int, a []float64) ([]float64, []float64, error) {
		*calls++
		if *calls <= n {
			return nil, nil, errors.New("eigendecomposition did not converge")
		}
		return gonumEigh(dim, a)
	}
}

func TestInversionSupervisor_RecoversInFloat64(t *testing.T) {
	sup := newInversionSupervisor(tensor.Float32, false)
	calls := 0
	sup.eigh = failNTimes(1, &calls)

	inv, ok := sup.rootInverse([]float64{4, 0, 0, 9}, 2, 2, 0, 1, nil, "test factor")
	assert.True(t, ok)
	assert.Equal(t, 2, calls)
	assert.InDelta(t, 0.5, inv[0], 1e-12)
	assert.InDelta(t, 1.0/3, inv[3], 1e-12)
}

func TestInversionSupervisor_ReusesPreviousFactor(t *testing.T) {
	sup := newInversionSupervisor(tensor.Float32, false)
	calls := 0
	sup.eigh = failNTimes(2, &calls)

	prev := []float64{1, 2, 3, 4}
	inv, ok := sup.rootInverse([]float64{4, 0, 0, 9}, 2, 2, 0, 1, prev, "test factor")
	assert.False(t, ok)
	assert.Equal(t, 2, calls)
	assert.Equal(t, prev, inv)
}

func TestInversionSupervisor_DisabledFallbackStopsAfterFirstRung(t *testing.T) {
	sup := newInversionSupervisor(tensor.Float32, true)
	calls := 0
	sup.eigh = failNTimes(1, &calls)

	prev := []float64{7}
	inv, ok := sup.rootInverse([]float64{4}, 1, 2, 0, 1, prev, "test factor")
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
	assert.Equal(t, prev, inv)
}

func TestInversionSupervisor_NaNAccumulatorKeepsPrevious(t *testing.T) {
	// A non-finite accumulator fails in both precisions; the cached factor
	// survives.
	sup := newInversionSupervisor(tensor.Float32, false)
	prev := []float64{0.5}
	inv, ok := sup.rootInverse([]float64{math.NaN()}, 1, 2, 0, 1, prev, "test factor")
	assert.False(t, ok)
	assert.Equal(t, prev, inv)
}

func TestInversionSupervisor_Float16RoundingChangesFirstRung(t *testing.T) {
	// 2049 is not representable in float16; the first rung sees 2048, the
	// float64 retry is exact.
	sup := newInversionSupervisor(tensor.Float16, false)
	inv, ok := sup.rootInverse([]float64{2049}, 1, 1, 0, 1, nil, "test factor")
	assert.True(t, ok)
	assert.Greater(t, math.Abs(inv[0]-1.0/2049), 1e-9)
	assert.InDelta(t, 1.0/2048, inv[0], 1e-15)

	sup64 := newInversionSupervisor(tensor.Float64, false)
	inv, ok = sup64.rootInverse([]float64{2049}, 1, 1, 0, 1, nil, "test factor")
	assert.True(t, ok)
	assert.InDelta(t, 1.0/2049, inv[0], 1e-15)
}

func TestRootInverseResiduals_ExactFactor(t *testing.T) {
	sup := newInversionSupervisor(tensor.Float64, false)
	a := []float64{4, 0, 0, 9}
	inv, err := matrixRootInverse(a, 2, 2, 1e-12, 1, gonumEigh)
	require.NoError(t, err)

	relErr, relResidual := sup.rootInverseResiduals(a, 2, 2, 1e-12, 1, inv)
	assert.InDelta(t, 0, relErr, 1e-12)
	assert.InDelta(t, 0, relResidual, 1e-6)
}

func TestRootInverseResiduals_SingularFactorYieldsNaN(t *testing.T) {
	sup := newInversionSupervisor(tensor.Float64, false)
	a := []float64{4, 0, 0, 9}

	_, relResidual := sup.rootInverseResiduals(a, 2, 2, 1e-12, 1, make([]float64, 4))
	assert.True(t, math.IsNaN(relResidual))
}
