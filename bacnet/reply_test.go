package bacnet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReply(t *testing.T) {
	t.Run("Pending", func(t *testing.T) {
		r := newReply()
		assert.False(t, r.Resolved())

		v, err := r.Result()
		assert.Nil(t, v)
		assert.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err = r.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, r.Resolved(), "giving up on Wait must not resolve the reply")
	})

	t.Run("SingleAssignment", func(t *testing.T) {
		r := newReply()
		assert.True(t, r.complete("first", nil))
		assert.False(t, r.complete("second", errors.New("late")))
		assert.False(t, r.Cancel())
		assert.False(t, r.Cancelled())

		v, err := r.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "first", v)
	})

	t.Run("Cancel", func(t *testing.T) {
		r := newReply()
		called := 0
		r.onCancel = func() { called++ }

		assert.True(t, r.Cancel())
		assert.True(t, r.Cancelled())
		assert.False(t, r.Cancel())
		assert.Equal(t, 1, called)

		assert.False(t, r.complete("late", nil))
		_, err := r.Result()
		assert.True(t, IsCancelled(err))
	})

	t.Run("ManyReaders", func(t *testing.T) {
		r := newReply()
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := r.Wait(context.Background())
				assert.NoError(t, err)
				assert.Equal(t, 42, v)
			}()
		}
		r.complete(42, nil)
		wg.Wait()

		select {
		case <-r.Done():
		default:
			t.Fatal("done channel not closed")
		}
	})

	t.Run("ConcurrentResolve", func(t *testing.T) {
		r := newReply()
		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			won int
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var ok bool
				if i%2 == 0 {
					ok = r.complete(i, nil)
				} else {
					ok = r.Cancel()
				}
				if ok {
					mu.Lock()
					won++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, won)
	})
}
