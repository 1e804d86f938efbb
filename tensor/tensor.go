// Copyright 2026 The Optimizers Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the dense tensor type the optimizers operate on.
//
// Tensors are caller-owned, row-major float32 buffers with an optional
// attached gradient. The optimizer reads and writes data and gradient in
// place but never allocates or frees parameters.
package tensor

import "github.com/gallego-posada/optimizers/internal/tensor"

// Tensor is a dense row-major float32 tensor with an optional gradient.
type Tensor = tensor.Tensor

// Shape describes tensor dimensions.
type Shape = tensor.Shape

// DataType identifies a numeric precision.
type DataType = tensor.DataType

// Supported data types.
const (
	Float32 = tensor.Float32
	Float64 = tensor.Float64
	Float16 = tensor.Float16
)

// Layout identifies a tensor storage layout.
type Layout = tensor.Layout

// Supported layouts.
const (
	Dense  = tensor.Dense
	Sparse = tensor.Sparse
)

// Device identifies where tensor data lives.
type Device = tensor.Device

// Supported devices.
const (
	CPU  = tensor.CPU
	CUDA = tensor.CUDA
)

// New creates a zero-filled tensor of the given shape.
//
// Example:
//
//	w, err := tensor.New(tensor.Shape{128, 64})
func New(shape Shape) (*Tensor, error) {
	return tensor.New(shape)
}

// FromSlice creates a tensor that adopts data as its backing storage.
func FromSlice(data []float32, shape Shape) (*Tensor, error) {
	return tensor.FromSlice(data, shape)
}
