package shampoo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gallego-posada/optimizers/internal/tensor"
)

func newSnapshotFixture(t *testing.T, values []float32) (*Optimizer, *tensor.Tensor) {
	t.Helper()
	p := mustTensor(t, values, tensor.Shape{2, 2})

	cfg := DefaultConfig()
	cfg.Momentum = 0.5
	o, err := New([]*tensor.Tensor{p}, cfg, nil)
	require.NoError(t, err)
	return o, p
}

func TestStateDict_RoundTripReproducesRun(t *testing.T) {
	grads := [][]float32{
		{1, 2, 3, 4},
		{0.5, -1, 2, -0.3},
		{1, 1, -1, 0.2},
	}
	// SetGradSlice adopts its argument and the step mutates the gradient in
	// place, so each optimizer gets its own copy.
	gradCopy := func(i int) []float32 {
		return append([]float32(nil), grads[i]...)
	}

	a, pa := newSnapshotFixture(t, []float32{1, 2, 3, 4})
	for i := range grads[:2] {
		require.NoError(t, pa.SetGradSlice(gradCopy(i)))
		_, err := a.Step(nil)
		require.NoError(t, err)
	}

	// Rebuild from the snapshot plus the current weights and replay the
	// third step on both.
	sd := a.StateDict()
	b, pb := newSnapshotFixture(t, append([]float32(nil), pa.Data()...))
	require.NoError(t, b.LoadStateDict(sd))

	require.NoError(t, pa.SetGradSlice(gradCopy(2)))
	_, err := a.Step(nil)
	require.NoError(t, err)
	require.NoError(t, pb.SetGradSlice(gradCopy(2)))
	_, err = b.Step(nil)
	require.NoError(t, err)

	assert.Equal(t, pa.Data(), pb.Data())
}

func TestStateDict_ExportsDeepCopies(t *testing.T) {
	o, p := newSnapshotFixture(t, []float32{1, 2, 3, 4})
	require.NoError(t, p.SetGradSlice([]float32{1, 2, 3, 4}))
	_, err := o.Step(nil)
	require.NoError(t, err)

	sd := o.StateDict()
	blk := sd.Groups[0].Params[0].Preconditioner.Blocks[0]
	blk.Factors[0][0] = -999

	fresh := o.StateDict()
	assert.NotEqual(t, float64(-999), fresh.Groups[0].Params[0].Preconditioner.Blocks[0].Factors[0][0])
}

func TestLoadStateDict_CardinalityMismatch(t *testing.T) {
	o, _ := newSnapshotFixture(t, []float32{1, 2, 3, 4})

	err := o.LoadStateDict(nil)
	assert.Error(t, err)

	err = o.LoadStateDict(&StateDict{})
	assert.ErrorContains(t, err, "parameter groups")

	err = o.LoadStateDict(&StateDict{Groups: []GroupState{{}}})
	assert.ErrorContains(t, err, "parameters")
}

func TestLoadStateDict_KindMismatch(t *testing.T) {
	o, _ := newSnapshotFixture(t, []float32{1, 2, 3, 4})
	sd := o.StateDict()
	sd.Groups[0].Params[0].Preconditioner.Kind = KindAdagrad

	err := o.LoadStateDict(sd)
	assert.ErrorContains(t, err, "kind mismatch")
}

func TestLoadStateDict_BufferLengthMismatch(t *testing.T) {
	o, p := newSnapshotFixture(t, []float32{1, 2, 3, 4})
	require.NoError(t, p.SetGradSlice([]float32{1, 2, 3, 4}))
	_, err := o.Step(nil)
	require.NoError(t, err)

	sd := o.StateDict()
	sd.Groups[0].Params[0].ExpAvg = []float32{1}
	assert.ErrorContains(t, o.LoadStateDict(sd), "exp_avg")

	sd = o.StateDict()
	sd.Groups[0].Params[0].Momentum = []float32{1}
	assert.ErrorContains(t, o.LoadStateDict(sd), "momentum")

	sd = o.StateDict()
	sd.Groups[0].Params[0].Preconditioner.Blocks[0].Factors[0] = []float64{1}
	assert.ErrorContains(t, o.LoadStateDict(sd), "size mismatch")
}

func TestLoadStateDict_RestoresHyperparameters(t *testing.T) {
	o, _ := newSnapshotFixture(t, []float32{1, 2, 3, 4})
	sd := o.StateDict()
	sd.Groups[0].Config.LR = 0.125

	require.NoError(t, o.LoadStateDict(sd))
	assert.Equal(t, float32(0.125), o.GetLR())
}
