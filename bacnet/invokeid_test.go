package bacnet

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokeIDs(t *testing.T) {
	t.Run("StartsAfterInitialCursor", func(t *testing.T) {
		ids := NewInvokeIDs()
		id, err := ids.Allocate()
		require.NoError(t, err)
		assert.EqualValues(t, 43, id)

		id, err = ids.Allocate()
		require.NoError(t, err)
		assert.EqualValues(t, 44, id)
		assert.Equal(t, 2, ids.InUse())
	})

	t.Run("RoundRobin", func(t *testing.T) {
		ids := NewInvokeIDs()
		first, err := ids.Allocate()
		require.NoError(t, err)
		ids.Release(first)

		// A released ID is not reissued until the cursor wraps.
		next, err := ids.Allocate()
		require.NoError(t, err)
		assert.NotEqual(t, first, next)
	})

	t.Run("Wraparound", func(t *testing.T) {
		ids := NewInvokeIDs()
		seen := make(map[uint8]bool)
		for i := 0; i < 256; i++ {
			id, err := ids.Allocate()
			require.NoError(t, err)
			require.False(t, seen[id], "id %d issued twice", id)
			seen[id] = true
		}
		assert.Len(t, seen, 256)
		assert.Equal(t, 256, ids.InUse())

		_, err := ids.Allocate()
		assert.ErrorIs(t, err, ErrOutOfInvokeIDs)

		ids.Release(7)
		id, err := ids.Allocate()
		require.NoError(t, err)
		assert.EqualValues(t, 7, id)
	})

	t.Run("ReleaseIsIdempotent", func(t *testing.T) {
		ids := NewInvokeIDs()
		id, err := ids.Allocate()
		require.NoError(t, err)
		require.True(t, ids.IsInUse(id))

		ids.Release(id)
		ids.Release(id)
		ids.Release(200)
		assert.False(t, ids.IsInUse(id))
		assert.Equal(t, 0, ids.InUse())
	})

	t.Run("Concurrent", func(t *testing.T) {
		ids := NewInvokeIDs()
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[uint8]int)
		)
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 32; i++ {
					id, err := ids.Allocate()
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					seen[id]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, 256)
		for id, n := range seen {
			assert.Equal(t, 1, n, "id %d", id)
		}
	})
}
