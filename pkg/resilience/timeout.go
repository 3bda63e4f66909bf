package resilience

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/propbot/propbot/pkg/errors"
)

// WithTimeout runs fn with a derived context cancelled after timeout. When
// the limit is hit the returned error wraps ErrTimeout; cancellation of the
// parent context is reported as such.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()
	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && timeoutCtx.Err() != nil {
			return fmt.Errorf("%s: %w (limit %v): %v", name, apperrors.ErrTimeout, timeout, err)
		}
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", name, ctx.Err())
		}
		return fmt.Errorf("%s: %w (limit %v)", name, apperrors.ErrTimeout, timeout)
	}
}
