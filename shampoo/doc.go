// Copyright 2026 The Optimizers Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package shampoo provides a distributed Shampoo optimizer.
//
// Shampoo is a second-order method: for every parameter tensor it maintains
// one Kronecker factor per tensor dimension, accumulated from gradient
// outer products, and preconditions the gradient with the inverse roots of
// those factors. The per-tensor work is sharded across a group of workers
// and reassembled with a single all-gather per step, so every worker applies
// the identical update.
//
// Basic usage:
//
//	params := []*tensor.Tensor{w1, w2}
//	opt, err := shampoo.New(params, shampoo.DefaultConfig(), comms.NewLocal())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for i := 0; i < steps; i++ {
//	    loss, err := opt.Step(func() (float32, error) {
//	        return forwardBackward(params)
//	    })
//	    ...
//	}
//
// For multi-worker training pass each worker's communicator instead of
// comms.NewLocal(); gradients are assumed to be identical on every worker
// (data-parallel averaging happens before Step).
package shampoo
