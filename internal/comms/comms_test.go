package comms_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gallego-posada/optimizers/internal/comms"
)

func TestLocal_AllGatherCopies(t *testing.T) {
	c := comms.NewLocal()
	require.Equal(t, 0, c.Rank())
	require.Equal(t, 1, c.Size())

	local := []byte{1, 2, 3, 4}
	gathered := make([]byte, 4)
	require.NoError(t, c.AllGather(local, gathered))
	assert.Equal(t, local, gathered)

	assert.Error(t, c.AllGather(local, make([]byte, 3)))
}

func TestLocal_SplitReturnsSelf(t *testing.T) {
	c := comms.NewLocal()
	sub, err := c.Split(7, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Size())
}

func TestInProcessWorld_AllGather(t *testing.T) {
	const size = 4
	world, err := comms.NewInProcessWorld(size)
	require.NoError(t, err)

	results := make([][]byte, size)
	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			local := []byte{byte(r), byte(r), byte(r)}
			gathered := make([]byte, 3*size)
			if err := world[r].AllGather(local, gathered); err != nil {
				t.Error(err)
				return
			}
			results[r] = gathered
		}(r)
	}
	wg.Wait()

	want := []byte{0, 0, 0, 1, 1, 1, 2, 2, 2, 3, 3, 3}
	for r := 0; r < size; r++ {
		assert.Equal(t, want, results[r], "rank %d", r)
	}
}

func TestInProcessWorld_AllGatherRepeatedRounds(t *testing.T) {
	const size = 3
	const rounds = 20
	world, err := comms.NewInProcessWorld(size)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for step := 0; step < rounds; step++ {
				local := []byte{byte(r*100 + step)}
				gathered := make([]byte, size)
				if err := world[r].AllGather(local, gathered); err != nil {
					t.Error(err)
					return
				}
				for peer := 0; peer < size; peer++ {
					if gathered[peer] != byte(peer*100+step) {
						t.Errorf("round %d rank %d: gathered[%d] = %d", step, r, peer, gathered[peer])
						return
					}
				}
			}
		}(r)
	}
	wg.Wait()
}

func TestInProcessWorld_Split(t *testing.T) {
	const size = 4
	world, err := comms.NewInProcessWorld(size)
	require.NoError(t, err)

	// Two sub-groups of two: colors {0,0,1,1}, keyed by world rank.
	type result struct {
		rank, size int
		gathered   []byte
	}
	results := make([]result, size)

	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			sub, err := world[r].Split(r/2, r%2)
			if err != nil {
				t.Error(err)
				return
			}
			gathered := make([]byte, sub.Size())
			if err := sub.AllGather([]byte{byte(r)}, gathered); err != nil {
				t.Error(err)
				return
			}
			results[r] = result{rank: sub.Rank(), size: sub.Size(), gathered: gathered}
		}(r)
	}
	wg.Wait()

	for r := 0; r < size; r++ {
		assert.Equal(t, 2, results[r].size, "rank %d", r)
		assert.Equal(t, r%2, results[r].rank, "rank %d", r)
	}
	assert.Equal(t, []byte{0, 1}, results[0].gathered)
	assert.Equal(t, []byte{0, 1}, results[1].gathered)
	assert.Equal(t, []byte{2, 3}, results[2].gathered)
	assert.Equal(t, []byte{2, 3}, results[3].gathered)
}

func TestNewInProcessWorld_InvalidSize(t *testing.T) {
	_, err := comms.NewInProcessWorld(0)
	assert.Error(t, err)
}
