// Package comms defines the collective-communication capability consumed by
// the distributed optimizers.
//
// The optimizers never create the underlying execution context; the host
// environment hands them an already-initialized Communicator (group
// membership, rank, and a synchronous all-gather primitive). Two in-process
// implementations are provided: Local for single-worker runs and an
// in-process world of goroutine-backed workers for tests and simulation.
package comms

import "github.com/pkg/errors"

// Communicator is the group of cooperating workers this process belongs to.
//
// AllGather is a synchronous collective: every member contributes its local
// buffer and receives the concatenation of all members' buffers in rank
// order. Every member of the group must call AllGather the same number of
// times in the same order, or the group deadlocks; no timeout is applied.
type Communicator interface {
	// Rank returns this worker's index within the group, in [0, Size).
	Rank() int

	// Size returns the number of workers in the group.
	Size() int

	// AllGather contributes local and fills gathered with the rank-ordered
	// concatenation of every member's local buffer. All members must pass
	// equally sized local buffers and len(gathered) == Size()*len(local).
	AllGather(local, gathered []byte) error

	// Split partitions the group into sub-groups of members sharing the
	// same color, ordered within each sub-group by (key, rank). Like
	// AllGather, Split is a collective over the whole group.
	Split(color, key int) (Communicator, error)
}

// Local is the trivial single-worker group. AllGather degenerates to a copy
// and Split returns the group itself.
type Local struct{}

// NewLocal returns a Communicator for a single worker.
func NewLocal() Communicator {
	return Local{}
}

// Rank implements Communicator.
func (Local) Rank() int { return 0 }

// Size implements Communicator.
func (Local) Size() int { return 1 }

// AllGather implements Communicator by copying local into gathered.
func (Local) AllGather(local, gathered []byte) error {
	if len(gathered) != len(local) {
		return errors.Errorf("allgather buffer mismatch: local %d bytes, gathered %d bytes", len(local), len(gathered))
	}
	copy(gathered, local)
	return nil
}

// Split implements Communicator.
func (l Local) Split(color, key int) (Communicator, error) {
	return l, nil
}
