package registry

import (
	"context"
	"sync"
)

// Future is a single-assignment result slot
type Future struct {
	once   sync.Once
	done   chan struct{}
	result []any
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve sets the outcome if none was set yet and reports whether it did
func (f *Future) resolve(result []any, err error) bool {
	set := false
	f.once.Do(func() {
		f.result = result
		f.err = err
		set = true
		close(f.done)
	})
	return set
}

// Done is closed once the future holds an outcome
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has been resolved
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves or ctx ends
func (f *Future) Wait(ctx context.Context) ([]any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
