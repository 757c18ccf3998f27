package actor

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Future is the pending result of a call.
type Future[T any] struct {
	reply chan result

	mux      sync.Mutex
	resolved bool
	value    T
	err      error
}

// Call dispatches method on ref and returns immediately.
func Call[T any](ref *Ref, method string, args ...any) *Future[T] {
	return &Future[T]{reply: ref.enqueue(method, args)}
}

// Get blocks until the call completes or ctx is done. It can be called more than once.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	if f.resolved {
		return f.value, f.err
	}
	select {
	case res := <-f.reply:
		f.resolved = true
		if res.err != nil {
			f.err = res.err
			return f.value, f.err
		}
		if res.value != nil {
			v, ok := res.value.(T)
			if !ok {
				f.err = errors.Errorf("call returned %T, expected %T", res.value, f.value)
				return f.value, f.err
			}
			f.value = v
		}
		return f.value, nil
	case <-ctx.Done():
		var zero T
		return zero, errors.Wrap(ctx.Err(), "waiting for actor call")
	}
}

// Gather waits for every future and returns their values in dispatch order. The error is the
// first one in dispatch order; all futures are awaited regardless.
func Gather[T any](ctx context.Context, futures []*Future[T]) ([]T, error) {
	out := make([]T, len(futures))
	var first error
	for i, f := range futures {
		v, err := f.Get(ctx)
		if err != nil && first == nil {
			first = err
		}
		out[i] = v
	}
	return out, first
}
