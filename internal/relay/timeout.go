package relay

import (
	"context"
	"fmt"
	"time"
)

// withTimeout races f against a deadline. On expiry the onTimeout hook runs
// synchronously with the rejection (used to abort the agent call), the
// subtask context is cancelled, and the returned error text carries the
// "timed out after Nms" marker the classifier keys on. A call that ignores
// cancellation leaks until it finishes; its late result is discarded.
func withTimeout[T any](ctx context.Context, d time.Duration, onTimeout func(), f func(ctx context.Context) (T, error)) (T, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := f(subCtx)
		ch <- outcome{v, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	select {
	case out := <-ch:
		return out.value, out.err
	case <-timer.C:
		if onTimeout != nil {
			onTimeout()
		}
		cancel()
		return zero, fmt.Errorf("agent call timed out after %dms", d.Milliseconds())
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
