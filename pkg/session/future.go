package session

import (
	"context"
	"errors"
	"sync"

	"github.com/antonitor/gotchat/pkg/backend"
)

var ErrNotReady = errors.New("result not ready")

// Future resolves once the backend acknowledged or refused a persist.
type Future struct {
	done chan struct{}
	once sync.Once
	rc   backend.Receipt
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(rc backend.Receipt, err error) {
	f.once.Do(func() {
		f.rc, f.err = rc, err
		close(f.done)
	})
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (backend.Receipt, error) {
	select {
	case <-f.done:
		return f.rc, f.err
	case <-ctx.Done():
		return backend.Receipt{}, ctx.Err()
	}
}

// Result returns ErrNotReady while the persist is still in flight.
func (f *Future) Result() (backend.Receipt, error) {
	select {
	case <-f.done:
		return f.rc, f.err
	default:
		return backend.Receipt{}, ErrNotReady
	}
}
