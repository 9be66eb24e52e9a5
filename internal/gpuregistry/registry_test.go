package gpuregistry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	r := NewCounted(2)

	dev1, err := r.Acquire("job-1")
	require.NoError(t, err)

	dev2, err := r.Acquire("job-2")
	require.NoError(t, err)
	assert.NotEqual(t, dev1, dev2)

	_, err = r.Acquire("job-3")
	assert.ErrorIs(t, err, ErrFull)

	r.Release("job-1")
	dev3, err := r.Acquire("job-3")
	require.NoError(t, err)
	assert.Equal(t, dev1, dev3, "the freed slot should be reused")
}

func TestRelease_IdempotentOnUnheldSlot(t *testing.T) {
	r := NewCounted(1)
	// Releasing a job that never held a slot must be a no-op, not a panic.
	r.Release("never-acquired")
	assert.Equal(t, Snapshot{Total: 1, Allocated: 0, Available: 1}, r.Snapshot())

	_, err := r.Acquire("job-1")
	require.NoError(t, err)
	r.Release("job-1")
	r.Release("job-1") // second release is also a no-op
	assert.Equal(t, Snapshot{Total: 1, Allocated: 0, Available: 1}, r.Snapshot())
}

func TestSnapshot(t *testing.T) {
	r := NewCounted(3)
	_, _ = r.Acquire("a")
	_, _ = r.Acquire("b")
	snap := r.Snapshot()
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, 2, snap.Allocated)
	assert.Equal(t, 1, snap.Available)
	assert.Equal(t, 3, r.Capacity())
}

func TestAtMostOneAllocatedSlotPerDevice_UnderConcurrency(t *testing.T) {
	r := NewCounted(4)
	var wg sync.WaitGroup
	seen := make(chan int, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			jobID := "job"
			for {
				dev, err := r.Acquire(jobID)
				if err == nil {
					seen <- dev
					r.Release(jobID)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(seen)

	assert.LessOrEqual(t, r.Snapshot().Allocated, 4)
}

func TestNewWithExplicitDeviceIDs(t *testing.T) {
	r := New([]int{5, 7})
	dev, err := r.Acquire("job-1")
	require.NoError(t, err)
	assert.Contains(t, []int{5, 7}, dev)
}
