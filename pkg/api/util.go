package api

import (
	"context"
	"time"
)

// contextWithTimeout applies d to ctx, treating a non-positive d as "no
// extra deadline".
func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
