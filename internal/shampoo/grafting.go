package shampoo

import "math"

// grafting tracks the reference method whose layer-wise step magnitude
// rescales the Shampoo direction. It owns its accumulator and epsilon and
// never shares state with the main curvature accumulators; only the raw
// gradient input is common.
type grafting struct {
	typ     GraftingType
	beta2   float64
	epsilon float64
	acc     []float64 // diagonal second moment; nil for NONE and SGD
}

func newGrafting(typ GraftingType, beta2, epsilon float32, n int) *grafting {
	g := &grafting{typ: typ, beta2: float64(beta2), epsilon: float64(epsilon)}
	if typ.diagonal() {
		g.acc = make([]float64, n)
	}
	return g
}

// input returns the gradient the grafting method consumes; NORMALIZED
// variants rescale it to unit L2 norm.
func (g *grafting) input(grad []float32) []float64 {
	x := toFloat64(grad)
	if g.typ.normalized() {
		if norm := l2Norm32(grad); norm > 0 {
			for i := range x {
				x[i] /= norm
			}
		}
	}
	return x
}

// update folds the gradient into the grafting accumulator, using the
// grafting beta2 policy (beta2 = 1 degenerates to a running sum).
func (g *grafting) update(grad []float32, step int64) {
	if g.acc == nil {
		return
	}
	x := g.input(grad)
	if g.beta2 == 1 {
		for i, v := range x {
			g.acc[i] += v * v
		}
	} else {
		for i, v := range x {
			g.acc[i] = g.beta2*g.acc[i] + (1-g.beta2)*v*v
		}
	}
}

// direction returns the step the grafting method would take standalone
// (without the learning rate). Adam-family variants bias-correct the
// accumulator.
func (g *grafting) direction(grad []float32, step int64) []float64 {
	x := g.input(grad)
	if g.acc == nil {
		// NONE and SGD graft the gradient itself.
		return x
	}

	bias := 1.0
	if g.correctsBias() && g.beta2 < 1 {
		bias = 1 - math.Pow(g.beta2, float64(step))
	}
	for i := range x {
		x[i] *= math.Pow(g.acc[i]/bias+g.epsilon, -0.5)
	}
	return x
}

// correctsBias reports whether the method bias-corrects its accumulator.
func (g *grafting) correctsBias() bool {
	return g.typ == GraftAdam || g.typ == GraftAdamNormalized
}

// reset drops the accumulator back to the just-constructed state.
func (g *grafting) reset() {
	for i := range g.acc {
		g.acc[i] = 0
	}
}
