package shampoo

import (
	"math"
	"strconv"

	"github.com/pkg/errors"

	"github.com/gallego-posada/optimizers/internal/tensor"
)

// shampooOptions carries the optimizer-wide knobs a Shampoo preconditioner
// needs, resolved once at construction.
type shampooOptions struct {
	exponentOverride   int
	exponentMultiplier float64
	biasCorrection     bool
	startStep          int64
	diagonalThreshold  int // dims larger than this get a diagonal factor; 0 disables
	dtype              tensor.DataType
	disableFallback    bool
	graftingType       GraftingType
}

// shampooPreconditioner is the full curvature variant: one square factor
// matrix per tensor dimension (or a diagonal vector for dimensions above
// the diagonal threshold), a cached inverse root per factor, and a grafting
// sub-state. Accumulator and inverse root are for the same generation; the
// inverse is always derived from a prior accumulator snapshot and may be
// several steps stale.
type shampooPreconditioner struct {
	shape tensor.Shape // working shape, at least one dimension
	order int

	factors    [][]float64 // per dim: n*n (full) or n (diagonal)
	diag       []bool      // per dim: diagonal factor
	invFactors [][]float64 // per dim, full dims only
	bias2      float64     // 1 - beta2^step, tracked during updates

	beta2          float64
	epsilon        float64
	biasCorrection bool
	root           int
	multiplier     float64
	startStep      int64

	graft *grafting
	sup   *inversionSupervisor
	label string

	region bufferRegion
	owned  bool
	count  int
}

func newShampooPreconditioner(shape tensor.Shape, cfg GroupConfig, opts shampooOptions, region bufferRegion, groupRank int, label string) *shampooPreconditioner {
	order := len(shape)
	root := 2 * order
	if opts.exponentOverride > 0 {
		root = opts.exponentOverride
	}

	p := &shampooPreconditioner{
		shape:          shape.Clone(),
		order:          order,
		factors:        make([][]float64, order),
		diag:           make([]bool, order),
		invFactors:     make([][]float64, order),
		bias2:          1.0,
		beta2:          float64(cfg.Betas[1]),
		epsilon:        float64(cfg.Epsilon),
		biasCorrection: opts.biasCorrection,
		root:           root,
		multiplier:     opts.exponentMultiplier,
		startStep:      opts.startStep,
		sup:            newInversionSupervisor(opts.dtype, opts.disableFallback),
		label:          label,
		region:         region,
		owned:          region.rank == groupRank,
	}

	for d, n := range shape {
		if opts.diagonalThreshold > 0 && n > opts.diagonalThreshold {
			p.diag[d] = true
			p.factors[d] = make([]float64, n)
			p.count += n
		} else {
			p.factors[d] = make([]float64, n*n)
			p.invFactors[d] = make([]float64, n*n)
			p.count += n * n
		}
	}

	if opts.graftingType != GraftNone {
		p.graft = newGrafting(opts.graftingType, cfg.GraftingBeta2, cfg.GraftingEpsilon, shape.NumElements())
	}
	return p
}

func (p *shampooPreconditioner) updateStatistics(grad []float32, step int64) {
	if !p.owned {
		return
	}

	x := toFloat64(grad)
	for d := range p.shape {
		contribution := p.factorContribution(x, d)
		factor := p.factors[d]
		if p.beta2 == 1 {
			for i, c := range contribution {
				factor[i] += c
			}
		} else {
			for i, c := range contribution {
				factor[i] = p.beta2*factor[i] + (1-p.beta2)*c
			}
		}
	}

	if p.biasCorrection && p.beta2 < 1 {
		p.bias2 = 1 - math.Pow(p.beta2, float64(step))
	}
	if p.graft != nil {
		p.graft.update(grad, step)
	}
}

// factorContribution computes the gradient's outer-product contribution
// along dimension d: the full matrix G_d G_d^T, or its diagonal for
// diagonal dimensions.
func (p *shampooPreconditioner) factorContribution(x []float64, d int) []float64 {
	n := p.shape[d]
	g := matricize(x, p.shape, d)
	cols := len(x) / n

	if p.diag[d] {
		out := make([]float64, n)
		for a := 0; a < n; a++ {
			row := g[a*cols : (a+1)*cols]
			s := 0.0
			for _, v := range row {
				s += v * v
			}
			out[a] = s
		}
		return out
	}

	out := make([]float64, n*n)
	for a := 0; a < n; a++ {
		ra := g[a*cols : (a+1)*cols]
		for b := a; b < n; b++ {
			rb := g[b*cols : (b+1)*cols]
			s := 0.0
			for i, v := range ra {
				s += v * rb[i]
			}
			out[a*n+b] = s
			out[b*n+a] = s
		}
	}
	return out
}

func (p *shampooPreconditioner) computeRootInverse() {
	if !p.owned {
		return
	}
	for d, n := range p.shape {
		if p.diag[d] {
			continue
		}
		acc := p.factors[d]
		if p.biasCorrection && p.bias2 != 1 {
			acc = make([]float64, len(p.factors[d]))
			for i, v := range p.factors[d] {
				acc[i] = v / p.bias2
			}
		}
		inv, ok := p.sup.rootInverse(acc, n, p.root, p.epsilon, p.multiplier, p.invFactors[d], p.factorLabel(d))
		if ok {
			p.invFactors[d] = inv
		}
	}
}

func (p *shampooPreconditioner) rootInverseResiduals() ([]float64, []float64) {
	if !p.owned {
		return nil, nil
	}
	var relErrs, relResiduals []float64
	for d, n := range p.shape {
		if p.diag[d] {
			continue
		}
		acc := p.factors[d]
		if p.biasCorrection && p.bias2 != 1 {
			acc = make([]float64, len(p.factors[d]))
			for i, v := range p.factors[d] {
				acc[i] = v / p.bias2
			}
		}
		relErr, relResidual := p.sup.rootInverseResiduals(acc, n, p.root, p.epsilon, p.multiplier, p.invFactors[d])
		relErrs = append(relErrs, relErr)
		relResiduals = append(relResiduals, relResidual)
	}
	return relErrs, relResiduals
}

func (p *shampooPreconditioner) preconditionToBuffer(grad []float32, step int64) {
	if !p.owned {
		return
	}
	out := p.region.float32s()

	// Before the start of preconditioning the grafting method's step is the
	// update direction.
	if step < p.startStep {
		if p.graft != nil {
			dir := p.graft.direction(grad, step)
			for i, v := range dir {
				out[i] = float32(v)
			}
		} else {
			copy(out, grad)
		}
		return
	}

	x := toFloat64(grad)
	for d := range p.shape {
		if p.diag[d] {
			scale := make([]float64, p.shape[d])
			for a, v := range p.factors[d] {
				scale[a] = math.Pow(v/p.bias2+p.epsilon, -p.multiplier/float64(p.root))
			}
			scaleAlongDim(x, p.shape, d, scale)
		} else {
			x = mulAlongDim(x, p.shape, d, p.invFactors[d])
		}
	}

	if p.graft != nil {
		dir := p.graft.direction(grad, step)
		if norm := maxAbs(x); norm > 0 {
			scale := maxAbs(dir) / norm
			for i := range x {
				x[i] *= scale
			}
		}
	}

	for i, v := range x {
		out[i] = float32(v)
	}
}

func (p *shampooPreconditioner) searchDirection(dst []float32) {
	copy(dst, p.region.float32s())
}

func (p *shampooPreconditioner) onOwnerRank() bool { return p.owned }

func (p *shampooPreconditioner) parameterCount() int { return p.count }

func (p *shampooPreconditioner) reset() {
	for d := range p.factors {
		for i := range p.factors[d] {
			p.factors[d][i] = 0
		}
		for i := range p.invFactors[d] {
			p.invFactors[d][i] = 0
		}
	}
	p.bias2 = 1.0
	if p.graft != nil {
		p.graft.reset()
	}
}

func (p *shampooPreconditioner) factorLabel(d int) string {
	return p.label + " factor " + strconv.Itoa(d)
}

func (p *shampooPreconditioner) snapshot() *PreconditionerState {
	st := &PreconditionerState{
		Kind:           KindShampoo,
		Bias2:          p.bias2,
		Factors:        make([][]float64, p.order),
		FactorDiagonal: append([]bool(nil), p.diag...),
		InvFactors:     make([][]float64, p.order),
	}
	for d := range p.factors {
		st.Factors[d] = append([]float64(nil), p.factors[d]...)
		st.InvFactors[d] = append([]float64(nil), p.invFactors[d]...)
	}
	if p.graft != nil {
		st.Grafting = &GraftingState{Accumulator: append([]float64(nil), p.graft.acc...)}
	}
	return st
}

func (p *shampooPreconditioner) restore(st *PreconditionerState) error {
	if st.Kind != KindShampoo {
		return errors.Errorf("preconditioner kind mismatch: snapshot %q, live %q", st.Kind, KindShampoo)
	}
	if len(st.Factors) != p.order || len(st.InvFactors) != p.order {
		return errors.Errorf("factor count mismatch: snapshot %d, live %d", len(st.Factors), p.order)
	}
	for d := range p.factors {
		if len(st.Factors[d]) != len(p.factors[d]) {
			return errors.Errorf("factor %d size mismatch: snapshot %d, live %d", d, len(st.Factors[d]), len(p.factors[d]))
		}
		if len(st.InvFactors[d]) != len(p.invFactors[d]) {
			return errors.Errorf("inverse factor %d size mismatch: snapshot %d, live %d", d, len(st.InvFactors[d]), len(p.invFactors[d]))
		}
	}
	if p.graft != nil && st.Grafting != nil && len(st.Grafting.Accumulator) != len(p.graft.acc) {
		return errors.Errorf("grafting accumulator mismatch: snapshot %d, live %d", len(st.Grafting.Accumulator), len(p.graft.acc))
	}

	for d := range p.factors {
		copy(p.factors[d], st.Factors[d])
		copy(p.invFactors[d], st.InvFactors[d])
	}
	p.bias2 = st.Bias2
	if p.graft != nil && st.Grafting != nil {
		copy(p.graft.acc, st.Grafting.Accumulator)
	}
	return nil
}
