package shampoo

import (
	"math"

	"github.com/pkg/errors"
)

// adagradPreconditioner is the diagonal curvature variant: one scalar
// accumulator per element, no cross-dimension structure. Used when the
// size-adaptive fallback rejects a tensor with an oversized dimension.
type adagradPreconditioner struct {
	n              int
	beta2          float64
	epsilon        float64
	biasCorrection bool

	acc []float64

	region bufferRegion
	owned  bool
}

func newAdagradPreconditioner(n int, cfg GroupConfig, biasCorrection bool, region bufferRegion, groupRank int) *adagradPreconditioner {
	return &adagradPreconditioner{
		n:              n,
		beta2:          float64(cfg.Betas[1]),
		epsilon:        float64(cfg.Epsilon),
		biasCorrection: biasCorrection,
		acc:            make([]float64, n),
		region:         region,
		owned:          region.rank == groupRank,
	}
}

func (p *adagradPreconditioner) updateStatistics(grad []float32, step int64) {
	if !p.owned {
		return
	}
	if p.beta2 == 1 {
		for i, v := range grad {
			p.acc[i] += float64(v) * float64(v)
		}
	} else {
		for i, v := range grad {
			p.acc[i] = p.beta2*p.acc[i] + (1-p.beta2)*float64(v)*float64(v)
		}
	}
}

// computeRootInverse is a no-op: the diagonal inverse root is the
// closed-form elementwise power applied in preconditionToBuffer.
func (p *adagradPreconditioner) computeRootInverse() {}

func (p *adagradPreconditioner) rootInverseResiduals() ([]float64, []float64) {
	return nil, nil
}

func (p *adagradPreconditioner) preconditionToBuffer(grad []float32, step int64) {
	if !p.owned {
		return
	}
	bias := 1.0
	if p.biasCorrection && p.beta2 < 1 {
		bias = 1 - math.Pow(p.beta2, float64(step))
	}
	out := p.region.float32s()
	for i, v := range grad {
		out[i] = v * float32(math.Pow(p.acc[i]/bias+p.epsilon, -0.5))
	}
}

func (p *adagradPreconditioner) searchDirection(dst []float32) {
	copy(dst, p.region.float32s())
}

func (p *adagradPreconditioner) onOwnerRank() bool { return p.owned }

func (p *adagradPreconditioner) parameterCount() int { return p.n }

func (p *adagradPreconditioner) reset() {
	for i := range p.acc {
		p.acc[i] = 0
	}
}

func (p *adagradPreconditioner) snapshot() *PreconditionerState {
	return &PreconditionerState{
		Kind:        KindAdagrad,
		Accumulator: append([]float64(nil), p.acc...),
	}
}

func (p *adagradPreconditioner) restore(st *PreconditionerState) error {
	if st.Kind != KindAdagrad {
		return errors.Errorf("preconditioner kind mismatch: snapshot %q, live %q", st.Kind, KindAdagrad)
	}
	if len(st.Accumulator) != p.n {
		return errors.Errorf("accumulator length mismatch: snapshot %d, live %d", len(st.Accumulator), p.n)
	}
	copy(p.acc, st.Accumulator)
	return nil
}
