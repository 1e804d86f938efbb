package shampoo

import "github.com/pkg/errors"

// Preconditioner snapshot kinds.
const (
	KindAdagrad = "adagrad"
	KindShampoo = "shampoo"
	KindBlock   = "block"
)

// GraftingState is the exported grafting sub-state.
type GraftingState struct {
	Accumulator []float64
}

// PreconditionerState is the exported contents of one curvature state: the
// accumulators, the cached inverse-root factors and the grafting sub-state,
// or the per-block states for the block-decomposed variant.
type PreconditionerState struct {
	Kind string

	// Diagonal variant.
	Accumulator []float64

	// Full variant.
	Bias2          float64
	Factors        [][]float64
	FactorDiagonal []bool
	InvFactors     [][]float64
	Grafting       *GraftingState

	// Block-decomposed variant.
	Blocks []*PreconditionerState
}

// ParamState is the exported per-tensor optimizer state.
type ParamState struct {
	Step           int64
	ExpAvg         []float32
	Momentum       []float32
	Preconditioner *PreconditionerState
}

// GroupState is the exported state of one parameter group: its
// hyperparameters and the positional list of per-tensor states.
type GroupState struct {
	Config GroupConfig
	Params []ParamState
}

// StateDict is a complete optimizer snapshot. Tensor identities are
// positional: re-importing maps entry i of each group onto the i-th live
// tensor of the same group.
type StateDict struct {
	Groups []GroupState
}

// StateDict exports a deep copy of the optimizer state.
func (o *Optimizer) StateDict() *StateDict {
	sd := &StateDict{Groups: make([]GroupState, len(o.groups))}
	for gi, g := range o.groups {
		gs := GroupState{Config: g.cfg, Params: make([]ParamState, len(g.states))}
		for pi, st := range g.states {
			gs.Params[pi] = ParamState{
				Step:           st.step,
				ExpAvg:         append([]float32(nil), st.expAvg...),
				Momentum:       append([]float32(nil), st.momentum...),
				Preconditioner: st.pre.snapshot(),
			}
		}
		sd.Groups[gi] = gs
	}
	return sd
}

// LoadStateDict imports a snapshot produced by StateDict. The snapshot's
// group and per-group tensor cardinality must match the live optimizer;
// snapshot hyperparameters replace the live group hyperparameters. After a
// successful load, subsequent steps reproduce the snapshotted run exactly.
func (o *Optimizer) LoadStateDict(sd *StateDict) error {
	if sd == nil {
		return errors.New("nil state dict")
	}
	if len(sd.Groups) != len(o.groups) {
		return errors.Errorf("state dict has %d parameter groups, optimizer has %d", len(sd.Groups), len(o.groups))
	}
	for gi, g := range o.groups {
		if len(sd.Groups[gi].Params) != len(g.states) {
			return errors.Errorf("state dict group %d has %d parameters, optimizer group has %d",
				gi, len(sd.Groups[gi].Params), len(g.states))
		}
	}

	for gi, g := range o.groups {
		gs := sd.Groups[gi]
		for pi, st := range g.states {
			ps := gs.Params[pi]
			if ps.ExpAvg != nil && len(ps.ExpAvg) != g.params[pi].NumElements() {
				return errors.Errorf("group %d param %d: exp_avg length %d does not match %d elements",
					gi, pi, len(ps.ExpAvg), g.params[pi].NumElements())
			}
			if ps.Momentum != nil && len(ps.Momentum) != g.params[pi].NumElements() {
				return errors.Errorf("group %d param %d: momentum length %d does not match %d elements",
					gi, pi, len(ps.Momentum), g.params[pi].NumElements())
			}
			if err := st.pre.restore(ps.Preconditioner); err != nil {
				return errors.Wrapf(err, "group %d param %d", gi, pi)
			}
			st.step = ps.Step
			st.expAvg = append([]float32(nil), ps.ExpAvg...)
			st.momentum = append([]float32(nil), ps.Momentum...)
		}
		g.cfg = gs.Config
	}
	return nil
}
