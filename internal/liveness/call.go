package liveness

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout is returned when a remote call does not finish in time.
var ErrTimeout = errors.New("remote call timed out")

// callWithTimeout runs fn in its own goroutine and waits for it, the timeout
// or ctx, whichever comes first. On timeout the call is abandoned: its context
// is cancelled, which closes the SMB session it runs on, and its result is
// dropped.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		ch <- result{v, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case r := <-ch:
		return r.value, r.err
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
