package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisor(t *testing.T) {
	t.Run("stop cancels tasks", func(t *testing.T) {
		s := New(context.Background())
		started := make(chan struct{}, 2)
		for _, name := range []string{"reader", "watchdog"} {
			s.Go(name, func(ctx context.Context) error {
				started <- struct{}{}
				<-ctx.Done()
				return ctx.Err()
			})
		}
		<-started
		<-started

		assert.Equal(t, []string{"reader", "watchdog"}, s.Running())
		assert.NoError(t, s.Stop())
		assert.Empty(t, s.Running())
	})

	t.Run("first failure cancels the rest", func(t *testing.T) {
		s := New(context.Background())
		boom := errors.New("boom")

		s.Go("sibling", func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
		s.Go("failing", func(ctx context.Context) error {
			return boom
		})

		assert.ErrorIs(t, s.Wait(), boom)
	})

	t.Run("panic surfaces as error", func(t *testing.T) {
		s := New(context.Background())
		s.Go("bad", func(ctx context.Context) error {
			panic("nil map")
		})

		err := s.Wait()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "task bad panicked")
	})

	t.Run("concurrent stop", func(t *testing.T) {
		s := New(context.Background())
		s.Go("loop", func(ctx context.Context) error {
			ticker := time.NewTicker(time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}
		})

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Stop())
			}()
		}
		wg.Wait()
	})
}
