package comms

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// hub is the shared rendezvous state for one in-process group. Members
// synchronize through a generation-counted double barrier so that a round's
// result cannot be overwritten before every member has read it.
type hub struct {
	mu   sync.Mutex
	cond *sync.Cond
	size int

	contrib   [][]byte
	result    []byte
	arrived   int
	departing int

	splitContrib []splitEntry
	splitGroups  map[int]Communicator
	splitArrived int
	splitLeaving int
}

type splitEntry struct {
	rank, color, key int
	present          bool
}

func newHub(size int) *hub {
	h := &hub{
		size:    size,
		contrib: make([][]byte, size),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// worker is one member of an in-process group.
type worker struct {
	rank int
	hub  *hub
}

// NewInProcessWorld creates a group of size workers that communicate through
// shared memory. Each returned Communicator must be driven by its own
// goroutine; collectives block until every member has joined.
func NewInProcessWorld(size int) ([]Communicator, error) {
	if size < 1 {
		return nil, errors.Errorf("invalid world size %d: must be >= 1", size)
	}
	h := newHub(size)
	members := make([]Communicator, size)
	for r := 0; r < size; r++ {
		members[r] = &worker{rank: r, hub: h}
	}
	return members, nil
}

// Rank implements Communicator.
func (w *worker) Rank() int { return w.rank }

// Size implements Communicator.
func (w *worker) Size() int { return w.hub.size }

// AllGather implements Communicator.
func (w *worker) AllGather(local, gathered []byte) error {
	h := w.hub
	if len(gathered) != len(local)*h.size {
		return errors.Errorf("allgather buffer mismatch: local %d bytes, gathered %d bytes, group size %d",
			len(local), len(gathered), h.size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Wait for the previous round to drain.
	for h.departing > 0 {
		h.cond.Wait()
	}

	h.contrib[w.rank] = append(h.contrib[w.rank][:0], local...)
	h.arrived++
	if h.arrived == h.size {
		h.result = h.result[:0]
		for r := 0; r < h.size; r++ {
			h.result = append(h.result, h.contrib[r]...)
		}
		h.arrived = 0
		h.departing = h.size
		h.cond.Broadcast()
	} else {
		for h.departing == 0 {
			h.cond.Wait()
		}
	}

	if len(h.result) != len(gathered) {
		h.depart()
		return errors.Errorf("allgather layout mismatch: members contributed %d bytes total, expected %d",
			len(h.result), len(gathered))
	}
	copy(gathered, h.result)
	h.depart()
	return nil
}

func (h *hub) depart() {
	h.departing--
	if h.departing == 0 {
		h.cond.Broadcast()
	}
}

// Split implements Communicator. Every member of the group must call Split;
// members passing the same color end up in one sub-group, ranked by
// (key, original rank).
func (w *worker) Split(color, key int) (Communicator, error) {
	h := w.hub

	h.mu.Lock()
	defer h.mu.Unlock()

	for h.splitLeaving > 0 {
		h.cond.Wait()
	}

	if h.splitContrib == nil {
		h.splitContrib = make([]splitEntry, h.size)
	}
	h.splitContrib[w.rank] = splitEntry{rank: w.rank, color: color, key: key, present: true}
	h.splitArrived++
	if h.splitArrived == h.size {
		h.splitGroups = buildSplitGroups(h.splitContrib)
		h.splitArrived = 0
		h.splitLeaving = h.size
		h.cond.Broadcast()
	} else {
		for h.splitLeaving == 0 {
			h.cond.Wait()
		}
	}

	sub := h.splitGroups[w.rank]
	h.splitLeaving--
	if h.splitLeaving == 0 {
		h.splitContrib = nil
		h.splitGroups = nil
		h.cond.Broadcast()
	}
	return sub, nil
}

// buildSplitGroups forms one fresh hub per color and maps each original rank
// to its member of the corresponding sub-group.
func buildSplitGroups(entries []splitEntry) map[int]Communicator {
	byColor := make(map[int][]splitEntry)
	for _, e := range entries {
		byColor[e.color] = append(byColor[e.color], e)
	}

	out := make(map[int]Communicator, len(entries))
	for _, members := range byColor {
		sort.Slice(members, func(i, j int) bool {
			if members[i].key != members[j].key {
				return members[i].key < members[j].key
			}
			return members[i].rank < members[j].rank
		})
		sub := newHub(len(members))
		for newRank, e := range members {
			out[e.rank] = &worker{rank: newRank, hub: sub}
		}
	}
	return out
}
