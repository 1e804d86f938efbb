// Package shampoo implements a distributed Shampoo optimizer: a
// curvature-aware parameter update built from Kronecker-factored
// second-moment statistics, with the per-tensor work sharded across a group
// of cooperating workers and reassembled through a single all-gather per
// step.
//
// Partly based on the work in:
//   - https://arxiv.org/pdf/1802.09568.pdf
//   - https://arxiv.org/pdf/2002.09018.pdf
package shampoo

import (
	"github.com/pkg/errors"

	"github.com/gallego-posada/optimizers/internal/parallel"
	"github.com/gallego-posada/optimizers/internal/tensor"
)

// GraftingType selects the reference method whose layer-wise step norm
// rescales the Shampoo direction.
type GraftingType int

// Supported grafting methods. The NORMALIZED variants normalize the gradient
// to unit L2 norm before feeding it to the reference method.
const (
	GraftNone GraftingType = iota
	GraftSGD
	GraftAdagrad
	GraftRMSProp
	GraftAdam
	GraftAdagradNormalized
	GraftRMSPropNormalized
	GraftAdamNormalized
)

// String returns a human-readable grafting method name.
func (g GraftingType) String() string {
	switch g {
	case GraftNone:
		return "none"
	case GraftSGD:
		return "sgd"
	case GraftAdagrad:
		return "adagrad"
	case GraftRMSProp:
		return "rmsprop"
	case GraftAdam:
		return "adam"
	case GraftAdagradNormalized:
		return "adagrad_normalized"
	case GraftRMSPropNormalized:
		return "rmsprop_normalized"
	case GraftAdamNormalized:
		return "adam_normalized"
	default:
		return "unknown"
	}
}

// normalized reports whether the gradient is normalized before grafting.
func (g GraftingType) normalized() bool {
	switch g {
	case GraftAdagradNormalized, GraftRMSPropNormalized, GraftAdamNormalized:
		return true
	}
	return false
}

// diagonal reports whether the method keeps a diagonal second-moment
// accumulator.
func (g GraftingType) diagonal() bool {
	switch g {
	case GraftAdagrad, GraftRMSProp, GraftAdam,
		GraftAdagradNormalized, GraftRMSPropNormalized, GraftAdamNormalized:
		return true
	}
	return false
}

// LargeDimMethod selects how tensors with dimensions exceeding
// MaxPreconditionerDim are handled.
type LargeDimMethod int

const (
	// Blocking cuts merged tensor dimensions into contiguous chunks of at
	// most MaxPreconditionerDim and preconditions each block independently.
	Blocking LargeDimMethod = iota
	// AdagradFallback uses a diagonal (Adagrad) preconditioner whenever any
	// dimension exceeds MaxPreconditionerDim.
	AdagradFallback
	// DiagonalFactors keeps a Shampoo preconditioner but replaces the factor
	// matrix of every oversized dimension with a diagonal vector.
	DiagonalFactors
)

// String returns a human-readable method name.
func (m LargeDimMethod) String() string {
	switch m {
	case Blocking:
		return "blocking"
	case AdagradFallback:
		return "adagrad"
	case DiagonalFactors:
		return "diagonal"
	default:
		return "unknown"
	}
}

// GroupConfig holds the hyperparameters shared by one parameter group.
// Zero-valued fields are filled with defaults at construction.
type GroupConfig struct {
	LR              float32    // Learning rate (default: 0.01)
	Betas           [2]float32 // First/second moment decay (default: [0.9, 1.0])
	Epsilon         float32    // Added to accumulators for stability (default: 1e-12)
	Momentum        float32    // Momentum parameter (default: 0)
	WeightDecay     float32    // Weight decay / L2 penalty (default: 0)
	GraftingEpsilon float32    // Epsilon for the grafting method (default: 1e-3)
	GraftingBeta2   float32    // Second-moment decay for grafting (default: 1.0)
}

// applyDefaults fills zero-valued fields from base.
func (c *GroupConfig) applyDefaults(base GroupConfig) {
	if c.LR == 0 {
		c.LR = base.LR
	}
	if c.Betas[0] == 0 {
		c.Betas[0] = base.Betas[0]
	}
	if c.Betas[1] == 0 {
		c.Betas[1] = base.Betas[1]
	}
	if c.Epsilon == 0 {
		c.Epsilon = base.Epsilon
	}
	if c.Momentum == 0 {
		c.Momentum = base.Momentum
	}
	if c.WeightDecay == 0 {
		c.WeightDecay = base.WeightDecay
	}
	if c.GraftingEpsilon == 0 {
		c.GraftingEpsilon = base.GraftingEpsilon
	}
	if c.GraftingBeta2 == 0 {
		c.GraftingBeta2 = base.GraftingBeta2
	}
}

// validate checks every hyperparameter range. Violations are fatal at
// construction.
func (c GroupConfig) validate() error {
	if c.LR < 0 {
		return errors.Errorf("invalid learning rate: %g. Must be >= 0.0", c.LR)
	}
	if c.Betas[0] < 0 || c.Betas[0] >= 1 {
		return errors.Errorf("invalid beta parameter at index 0: %g. Must be in [0.0, 1.0)", c.Betas[0])
	}
	if c.Betas[1] <= 0 || c.Betas[1] > 1 {
		return errors.Errorf("invalid beta parameter at index 1: %g. Must be in (0.0, 1.0]", c.Betas[1])
	}
	if c.Epsilon <= 0 {
		return errors.Errorf("invalid epsilon value: %g. Must be > 0.0", c.Epsilon)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return errors.Errorf("invalid momentum parameter: %g. Must be in [0.0, 1.0)", c.Momentum)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("invalid weight_decay value: %g. Must be >= 0.0", c.WeightDecay)
	}
	if c.GraftingBeta2 <= 0 || c.GraftingBeta2 > 1 {
		return errors.Errorf("invalid grafting beta parameter: %g. Must be in (0.0, 1.0]", c.GraftingBeta2)
	}
	if c.GraftingEpsilon <= 0 {
		return errors.Errorf("invalid grafting epsilon value: %g. Must be > 0.0", c.GraftingEpsilon)
	}
	return nil
}

// Config holds the optimizer-wide options plus the default hyperparameters
// for parameter groups that do not override them.
type Config struct {
	GroupConfig

	MaxPreconditionerDim     int     // Maximum factor dimension (default: 1024)
	PreconditionFrequency    int     // Steps between root-inverse refreshes (default: 1)
	StartPreconditioningStep int     // First preconditioned step; -1 means "same as frequency" (default: -1)
	ExponentOverride         int     // Overrides the 2*order inverse root when > 0 (default: 0)
	ExponentMultiplier       float64 // Multiplies the numerator of the inverse root (default: 1.0)

	LargeDimMethod      LargeDimMethod  // Strategy for oversized tensors (default: Blocking)
	GraftingType        GraftingType    // Grafting method (DefaultConfig: GraftAdagrad)
	PreconditionerDType tensor.DataType // Working precision for root inversion (default: Float32)

	// WorkerGroupSize is the number of workers sharing one shard of the
	// communication buffer; -1 uses the whole world. Must evenly divide the
	// world size. (default: -1)
	WorkerGroupSize int

	UseNesterov              bool // Nesterov momentum (default: false)
	NoBiasCorrection         bool // Disables bias correction of accumulators (default: false)
	CoupledWeightDecay       bool // Folds weight decay into the gradient instead of decoupled decay (default: false)
	NoMergeDims              bool // Disables merging of adjacent small dimensions before blocking (default: false)
	DisableInversionFallback bool // Disables the precision fallback ladder for root inversion (default: false)
	Debug                    bool // Computes and logs root-inverse residual diagnostics (default: false)

	// Parallelism controls opportunistic per-tensor parallel sections.
	Parallelism parallel.Config
}

// DefaultConfig returns the configuration used by New when fields are left
// at their zero value, with Adagrad grafting enabled.
func DefaultConfig() Config {
	cfg := Config{GraftingType: GraftAdagrad}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-valued fields with defaults.
func (c *Config) applyDefaults() {
	c.GroupConfig.applyDefaults(GroupConfig{
		LR:              1e-2,
		Betas:           [2]float32{0.9, 1.0},
		Epsilon:         1e-12,
		GraftingEpsilon: 1e-3,
		GraftingBeta2:   1.0,
	})
	if c.MaxPreconditionerDim == 0 {
		c.MaxPreconditionerDim = 1024
	}
	if c.PreconditionFrequency == 0 {
		c.PreconditionFrequency = 1
	}
	if c.StartPreconditioningStep == 0 {
		c.StartPreconditioningStep = -1
	}
	if c.ExponentMultiplier == 0 {
		c.ExponentMultiplier = 1.0
	}
	if c.WorkerGroupSize == 0 {
		c.WorkerGroupSize = -1
	}
	if c.Parallelism.NumWorkers == 0 {
		c.Parallelism = parallel.DefaultConfig()
	}
}

// validate checks the optimizer-wide options. worldSize is the size of the
// injected communicator.
func (c Config) validate(worldSize int) error {
	if err := c.GroupConfig.validate(); err != nil {
		return err
	}
	if c.MaxPreconditionerDim < 1 {
		return errors.Errorf("invalid max preconditioner dimension: %d. Must be >= 1", c.MaxPreconditionerDim)
	}
	if c.PreconditionFrequency < 1 {
		return errors.Errorf("invalid precondition frequency: %d. Must be >= 1", c.PreconditionFrequency)
	}
	if c.StartPreconditioningStep < -1 {
		return errors.Errorf("invalid start preconditioning step: %d. Must be >= -1", c.StartPreconditioningStep)
	}
	if c.ExponentOverride < 0 {
		return errors.Errorf("invalid exponent override: %d. Must be >= 0", c.ExponentOverride)
	}
	if c.WorkerGroupSize < -1 {
		return errors.Errorf("invalid worker group size: %d. Must be >= -1", c.WorkerGroupSize)
	}
	// Sizes above the world size are clamped at construction, not rejected.
	if c.WorkerGroupSize > 1 && c.WorkerGroupSize <= worldSize && worldSize%c.WorkerGroupSize != 0 {
		return errors.Errorf("invalid worker group size: %d. Must divide world size %d", c.WorkerGroupSize, worldSize)
	}
	switch c.LargeDimMethod {
	case Blocking, AdagradFallback, DiagonalFactors:
	default:
		return errors.Errorf("large dim method %d is not implemented", c.LargeDimMethod)
	}
	return nil
}
