package backfila

import (
	"context"
	"time"
)

// cleanupTimeout bounds store writes made after the caller's context is already done.
const cleanupTimeout = 5 * time.Second

// normalizeContext substitutes Background for a nil ctx and refuses a ctx that is already done.
func normalizeContext(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		return context.Background(), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ctx, nil
}

// cleanupContext keeps the values of ctx but not its cancellation, so a runner that is being
// shut down can still release its lease.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}
