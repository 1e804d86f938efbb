package shampoo

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gallego-posada/optimizers/internal/comms"
	"github.com/gallego-posada/optimizers/internal/parallel"
	"github.com/gallego-posada/optimizers/internal/tensor"
)

// ErrSparseGradient is returned by Step when a parameter carries a sparse
// gradient. The step performs no state mutation in that case.
var ErrSparseGradient = errors.New("sparse gradients are not currently supported by Shampoo")

// ParamGroup is a set of tensors sharing one hyperparameter bundle.
// Zero-valued Config fields inherit from the optimizer's Config.
type ParamGroup struct {
	Params []*tensor.Tensor
	Config GroupConfig
}

// paramState is the per-tensor optimizer state, indexed positionally within
// its group.
type paramState struct {
	step     int64
	pre      preconditioner
	expAvg   []float32 // first-moment EMA, lazily allocated when beta1 > 0
	momentum []float32 // momentum buffer, lazily allocated when momentum > 0
}

type paramGroup struct {
	cfg    GroupConfig
	params []*tensor.Tensor
	states []*paramState

	global []byte // gathered buffer, size shared*groupSize
	local  []byte // this worker's slice of global
	shared int    // per-worker byte total, identical on every worker
}

// Optimizer implements the distributed Shampoo algorithm over an injected
// worker group. Construct with New or NewWithGroups and drive with Step
// once per iteration; every worker of the group must call Step in lockstep.
type Optimizer struct {
	cfg   Config
	world comms.Communicator
	group comms.Communicator // sub-group; nil when the group has one worker

	groupRank int
	groupSize int
	startStep int64

	groups     []*paramGroup
	paramCount int
}

// New creates a distributed Shampoo optimizer over a single parameter
// group. comm is the already-initialized communication context; pass
// comms.NewLocal() (or nil) for single-worker training.
func New(params []*tensor.Tensor, cfg Config, comm comms.Communicator) (*Optimizer, error) {
	return NewWithGroups([]ParamGroup{{Params: params}}, cfg, comm)
}

// NewWithGroups creates an optimizer over multiple parameter groups, each
// with its own hyperparameters and its own communication buffer.
func NewWithGroups(groups []ParamGroup, cfg Config, comm comms.Communicator) (*Optimizer, error) {
	if comm == nil {
		comm = comms.NewLocal()
	}
	cfg.applyDefaults()
	if err := cfg.validate(comm.Size()); err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, errors.New("no parameter groups to optimize")
	}

	o := &Optimizer{cfg: cfg, world: comm}

	groupSize := cfg.WorkerGroupSize
	if groupSize == -1 {
		groupSize = comm.Size()
	}
	if groupSize > comm.Size() {
		klog.Warningf("worker group size %d is larger than world size %d; using world size", groupSize, comm.Size())
		groupSize = comm.Size()
	}
	if comm.Size()%groupSize != 0 {
		return nil, errors.Errorf("invalid worker group size: %d. Must divide world size %d", groupSize, comm.Size())
	}
	o.groupSize = groupSize

	if cfg.UseNesterov && cfg.Momentum == 0 {
		klog.Warning("Nesterov flag is enabled but momentum parameter is zero; continuing without momentum or Nesterov acceleration")
	}

	o.startStep = int64(cfg.StartPreconditioningStep)
	if cfg.StartPreconditioningStep == -1 {
		o.startStep = int64(cfg.PreconditionFrequency)
		klog.Warningf("start preconditioning step set to -1; defaulting to precondition frequency %d", cfg.PreconditionFrequency)
	}

	switch {
	case groupSize == 1:
		o.groupRank = 0
	case groupSize == comm.Size():
		o.group = comm
		o.groupRank = comm.Rank()
	default:
		sub, err := comm.Split(comm.Rank()/groupSize, comm.Rank()%groupSize)
		if err != nil {
			return nil, errors.Wrap(err, "creating worker sub-group")
		}
		o.group = sub
		o.groupRank = sub.Rank()
		klog.Infof("distributed shampoo: global rank = %d, group rank = %d", comm.Rank(), o.groupRank)
	}

	for gi, spec := range groups {
		pg, err := o.buildGroup(spec, gi)
		if err != nil {
			return nil, err
		}
		o.groups = append(o.groups, pg)
	}
	klog.Infof("total parameter count: %d", o.paramCount)
	return o, nil
}

// buildGroup plans the group's communication buffer, slices it into
// regions, and constructs one preconditioner per tensor bound to its
// region(s).
func (o *Optimizer) buildGroup(spec ParamGroup, gi int) (*paramGroup, error) {
	if len(spec.Params) == 0 {
		return nil, errors.Errorf("parameter group %d has no parameters", gi)
	}
	gcfg := spec.Config
	gcfg.applyDefaults(o.cfg.GroupConfig)
	if err := gcfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "parameter group %d", gi)
	}

	// Required buffer sizes per tensor, in deterministic parameter order.
	// Blocking produces one entry per block.
	perParam := make([][]int, len(spec.Params))
	var sizes []int
	for pi, p := range spec.Params {
		if o.cfg.LargeDimMethod == Blocking {
			perParam[pi] = blockBufferSizes(p.Shape(), o.cfg.MaxPreconditionerDim, !o.cfg.NoMergeDims)
		} else {
			perParam[pi] = []int{p.ByteSize()}
		}
		sizes = append(sizes, perParam[pi]...)
	}

	assignments := distributeBufferSizes(sizes, o.groupSize)
	shared := maxRankLoad(assignments, o.groupSize)
	global := make([]byte, shared*o.groupSize)
	locals := make([][]byte, o.groupSize)
	for r := range locals {
		locals[r] = global[r*shared : (r+1)*shared]
	}
	regions := splitLocalBuffers(assignments, locals)

	klog.Infof("shampoo dist: group size = %d, rank = %d, per-rank data = %s, buffer size = %s",
		o.groupSize, o.groupRank, humanize.IBytes(uint64(shared)), humanize.IBytes(uint64(len(global))))

	pg := &paramGroup{
		cfg:    gcfg,
		params: spec.Params,
		global: global,
		local:  locals[o.groupRank],
		shared: shared,
	}

	opts := shampooOptions{
		exponentOverride:   o.cfg.ExponentOverride,
		exponentMultiplier: o.cfg.ExponentMultiplier,
		biasCorrection:     !o.cfg.NoBiasCorrection,
		startStep:          o.startStep,
		dtype:              o.cfg.PreconditionerDType,
		disableFallback:    o.cfg.DisableInversionFallback,
		graftingType:       o.cfg.GraftingType,
	}

	ri := 0
	for pi, p := range spec.Params {
		label := fmt.Sprintf("group %d param %d", gi, pi)
		var pre preconditioner
		switch o.cfg.LargeDimMethod {
		case Blocking:
			nb := len(perParam[pi])
			pre = newBlockShampooPreconditioner(p.Shape(), gcfg, opts, o.cfg.MaxPreconditionerDim,
				!o.cfg.NoMergeDims, regions[ri:ri+nb], o.groupRank, label)
			ri += nb

		case AdagradFallback:
			if anyDimExceeds(p.Shape(), o.cfg.MaxPreconditionerDim) {
				pre = newAdagradPreconditioner(p.NumElements(), gcfg, !o.cfg.NoBiasCorrection, regions[ri], o.groupRank)
			} else {
				so := opts
				so.diagonalThreshold = o.cfg.MaxPreconditionerDim
				pre = newShampooPreconditioner(workingShape(p.Shape()), gcfg, so, regions[ri], o.groupRank, label)
			}
			ri++

		case DiagonalFactors:
			so := opts
			so.diagonalThreshold = o.cfg.MaxPreconditionerDim
			pre = newShampooPreconditioner(workingShape(p.Shape()), gcfg, so, regions[ri], o.groupRank, label)
			ri++
		}
		o.paramCount += pre.parameterCount()
		pg.states = append(pg.states, &paramState{pre: pre})
	}
	return pg, nil
}

func anyDimExceeds(shape tensor.Shape, maxDim int) bool {
	for _, d := range shape {
		if d > maxDim {
			return true
		}
	}
	return false
}

// Step performs a single optimization step: statistic update, periodic
// root inversion, preconditioning into the communication buffer, one
// all-gather, and the parameter update. closure, when non-nil, is evaluated
// first and its loss returned.
func (o *Optimizer) Step(closure func() (float32, error)) (float32, error) {
	var loss float32
	if closure != nil {
		l, err := closure()
		if err != nil {
			return 0, err
		}
		loss = l
	}

	if err := o.checkGradients(); err != nil {
		return loss, err
	}

	iteration := o.advanceStep()
	o.updateStatistics()

	if iteration%int64(o.cfg.PreconditionFrequency) == 0 && iteration >= o.startStep {
		o.computeRootInverses()
		if o.cfg.Debug {
			o.logRootInverseResiduals()
		}
	}

	o.computePreconditionedGradients(iteration)
	if err := o.synchronize(); err != nil {
		return loss, err
	}
	o.applyUpdate()
	return loss, nil
}

// checkGradients rejects unsupported gradients before any state mutation.
func (o *Optimizer) checkGradients() error {
	for gi, g := range o.groups {
		for pi, p := range g.params {
			if grad := p.Grad(); grad != nil && grad.Layout() == tensor.Sparse {
				return errors.Wrapf(ErrSparseGradient, "group %d param %d", gi, pi)
			}
		}
	}
	return nil
}

// advanceStep increments every tensor's step counter and returns the
// iteration number, which is uniform across tensors.
func (o *Optimizer) advanceStep() int64 {
	var iteration int64
	for _, g := range o.groups {
		for _, st := range g.states {
			st.step++
			iteration = st.step
		}
	}
	return iteration
}

// updateStatistics folds each present gradient into its tensor's curvature
// accumulators on the owning worker. Coupled (L2) weight decay is folded
// into the gradient here and not applied again later in the step.
func (o *Optimizer) updateStatistics() {
	for _, g := range o.groups {
		wd := g.cfg.WeightDecay
		parallel.For(len(g.states), func(i int) {
			st := g.states[i]
			p := g.params[i]
			grad := p.Grad()
			if grad == nil || !st.pre.onOwnerRank() {
				return
			}

			if o.cfg.CoupledWeightDecay && wd != 0 {
				gd := grad.Data()
				for j, w := range p.Data() {
					gd[j] += wd * w
				}
			}
			st.pre.updateStatistics(grad.Data(), st.step)
		}, o.cfg.Parallelism)
	}
}

func (o *Optimizer) computeRootInverses() {
	for _, g := range o.groups {
		parallel.For(len(g.states), func(i int) {
			if g.params[i].Grad() == nil {
				return
			}
			g.states[i].pre.computeRootInverse()
		}, o.cfg.Parallelism)
	}
}

// logRootInverseResiduals reports the spread of per-factor inversion
// diagnostics. Observability only.
func (o *Optimizer) logRootInverseResiduals() {
	var relErrs, relResiduals []float64
	for _, g := range o.groups {
		for _, st := range g.states {
			e, r := st.pre.rootInverseResiduals()
			relErrs = append(relErrs, e...)
			relResiduals = append(relResiduals, r...)
		}
	}
	if len(relErrs) == 0 {
		return
	}
	klog.V(2).Infof("relative error (||X - X_hat||_inf / ||X||_inf): mean %g, max %g",
		mean(relErrs), maxOf(relErrs))
	klog.V(2).Infof("relative residual (||X_hat^-r - A||_inf / ||A||_inf): mean %g, max %g",
		mean(relResiduals), maxOf(relResiduals))
}

// computePreconditionedGradients applies the optional first-moment filter
// and writes each owned tensor's preconditioned gradient into its buffer
// region.
func (o *Optimizer) computePreconditionedGradients(iteration int64) {
	for _, g := range o.groups {
		beta1 := g.cfg.Betas[0]
		parallel.For(len(g.states), func(i int) {
			st := g.states[i]
			p := g.params[i]
			grad := p.Grad()
			if grad == nil || !st.pre.onOwnerRank() {
				return
			}
			gd := grad.Data()

			if beta1 != 0 {
				if st.expAvg == nil {
					st.expAvg = make([]float32, len(gd))
				}
				bias1 := 1.0
				if !o.cfg.NoBiasCorrection {
					bias1 = 1 - math.Pow(float64(beta1), float64(st.step))
				}
				for j, v := range gd {
					st.expAvg[j] = beta1*st.expAvg[j] + (1-beta1)*v
					gd[j] = st.expAvg[j] / float32(bias1)
				}
			}

			st.pre.preconditionToBuffer(gd, st.step)
		}, o.cfg.Parallelism)
	}
}

// synchronize runs the one collective of the step. Skipped entirely for a
// single-worker group.
func (o *Optimizer) synchronize() error {
	if o.group == nil {
		return nil
	}
	for gi, g := range o.groups {
		if err := o.group.AllGather(g.local, g.global); err != nil {
			return errors.Wrapf(err, "all-gather for parameter group %d", gi)
		}
	}
	return nil
}

// applyUpdate reads every tensor's search direction out of the gathered
// buffer and applies weight decay, momentum and the final parameter delta.
// Every worker applies the identical update.
func (o *Optimizer) applyUpdate() {
	for _, g := range o.groups {
		lr := g.cfg.LR
		wd := g.cfg.WeightDecay
		momentum := g.cfg.Momentum
		parallel.For(len(g.states), func(i int) {
			st := g.states[i]
			p := g.params[i]
			if p.Grad() == nil {
				return
			}

			dir := make([]float32, p.NumElements())
			st.pre.searchDirection(dir)
			w := p.Data()

			if !o.cfg.CoupledWeightDecay && wd != 0 {
				if momentum == 0 {
					for j := range w {
						w[j] *= 1 - lr*wd
					}
				} else {
					for j := range dir {
						dir[j] += wd * w[j]
					}
				}
			}

			if momentum != 0 {
				if st.momentum == nil {
					st.momentum = make([]float32, len(w))
				}
				for j := range st.momentum {
					st.momentum[j] = momentum*st.momentum[j] + dir[j]
				}
				if o.cfg.UseNesterov {
					for j := range dir {
						dir[j] += momentum * st.momentum[j]
					}
				} else {
					copy(dir, st.momentum)
				}
			}

			for j := range w {
				w[j] -= lr * dir[j]
			}
		}, o.cfg.Parallelism)
	}
}

// Reset drops all accumulated curvature statistics and cached inverse
// factors back to their just-constructed state. Step counters and momentum
// buffers are preserved.
func (o *Optimizer) Reset() {
	for _, g := range o.groups {
		for _, st := range g.states {
			st.pre.reset()
		}
	}
}

// GetLR returns the first parameter group's learning rate.
func (o *Optimizer) GetLR() float32 {
	return o.groups[0].cfg.LR
}

// SetLR updates the learning rate of every parameter group. Useful for
// learning rate scheduling.
func (o *Optimizer) SetLR(lr float32) {
	for _, g := range o.groups {
		g.cfg.LR = lr
	}
}

// ParameterCount returns the number of statistic entries tracked across all
// preconditioners.
func (o *Optimizer) ParameterCount() int {
	return o.paramCount
}

func mean(xs []float64) float64 {
	s := 0.0
	for _, v := range xs {
		s += v
	}
	return s / float64(len(xs))
}

func maxOf(xs []float64) float64 {
	m := math.Inf(-1)
	for _, v := range xs {
		if v > m {
			m = v
		}
	}
	return m
}
