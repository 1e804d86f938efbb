// Copyright 2026 The Optimizers Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package comms defines the collective-communication contract the
// optimizers are built against.
//
// The optimizer never bootstraps communication itself: callers hand it an
// already-initialized Communicator. NewLocal covers single-worker training;
// NewInProcessWorld runs a whole worker group inside one process on
// goroutines, which is how the multi-worker paths are tested. Bindings to a
// real transport (MPI, NCCL, gloo) implement the same interface.
package comms

import "github.com/gallego-posada/optimizers/internal/comms"

// Communicator is one worker's handle on a collective group.
type Communicator = comms.Communicator

// Local is the trivial single-worker communicator.
type Local = comms.Local

// NewLocal returns a communicator for a world of one worker; AllGather
// degenerates to a copy.
func NewLocal() Communicator {
	return comms.NewLocal()
}

// NewInProcessWorld creates size communicators sharing one in-process hub,
// one per goroutine-backed worker. Collectives block until every worker of
// the world has arrived.
func NewInProcessWorld(size int) ([]Communicator, error) {
	return comms.NewInProcessWorld(size)
}
