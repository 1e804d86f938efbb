// Copyright 2026 The Optimizers Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package shampoo

import (
	"github.com/gallego-posada/optimizers/comms"
	"github.com/gallego-posada/optimizers/internal/shampoo"
	"github.com/gallego-posada/optimizers/internal/tensor"
)

// Optimizer implements the distributed Shampoo algorithm.
type Optimizer = shampoo.Optimizer

// Config holds the optimizer-wide options plus the default hyperparameters
// for parameter groups that do not override them.
type Config = shampoo.Config

// GroupConfig holds the hyperparameters shared by one parameter group.
type GroupConfig = shampoo.GroupConfig

// ParamGroup is a set of tensors sharing one hyperparameter bundle.
type ParamGroup = shampoo.ParamGroup

// StateDict is a complete optimizer snapshot; see Optimizer.StateDict.
type StateDict = shampoo.StateDict

// GroupState, ParamState, PreconditionerState and GraftingState are the
// components of a StateDict.
type (
	GroupState          = shampoo.GroupState
	ParamState          = shampoo.ParamState
	PreconditionerState = shampoo.PreconditionerState
	GraftingState       = shampoo.GraftingState
)

// GraftingType selects the reference method whose layer-wise step norm
// rescales the Shampoo direction.
type GraftingType = shampoo.GraftingType

// Supported grafting methods.
const (
	GraftNone              = shampoo.GraftNone
	GraftSGD               = shampoo.GraftSGD
	GraftAdagrad           = shampoo.GraftAdagrad
	GraftRMSProp           = shampoo.GraftRMSProp
	GraftAdam              = shampoo.GraftAdam
	GraftAdagradNormalized = shampoo.GraftAdagradNormalized
	GraftRMSPropNormalized = shampoo.GraftRMSPropNormalized
	GraftAdamNormalized    = shampoo.GraftAdamNormalized
)

// LargeDimMethod selects how tensors with dimensions exceeding
// MaxPreconditionerDim are handled.
type LargeDimMethod = shampoo.LargeDimMethod

// Supported large-dimension methods.
const (
	Blocking        = shampoo.Blocking
	AdagradFallback = shampoo.AdagradFallback
	DiagonalFactors = shampoo.DiagonalFactors
)

// ErrSparseGradient is returned by Step when a parameter carries a sparse
// gradient.
var ErrSparseGradient = shampoo.ErrSparseGradient

// DefaultConfig returns the default configuration, with Adagrad grafting
// enabled.
func DefaultConfig() Config {
	return shampoo.DefaultConfig()
}

// New creates a distributed Shampoo optimizer over a single parameter
// group. Pass comms.NewLocal() (or nil) for single-worker training.
//
// Example:
//
//	opt, err := shampoo.New(params, shampoo.DefaultConfig(), comms.NewLocal())
func New(params []*tensor.Tensor, cfg Config, comm comms.Communicator) (*Optimizer, error) {
	return shampoo.New(params, cfg, comm)
}

// NewWithGroups creates an optimizer over multiple parameter groups, each
// with its own hyperparameters.
func NewWithGroups(groups []ParamGroup, cfg Config, comm comms.Communicator) (*Optimizer, error) {
	return shampoo.NewWithGroups(groups, cfg, comm)
}
