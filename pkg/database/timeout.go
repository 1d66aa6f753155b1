package database

import (
	"context"
	"time"
)

// DefaultStatementTimeout bounds a statement when the repository was built without a timeout.
const DefaultStatementTimeout = 5 * time.Second

// WithStatementTimeout bounds ctx for a single statement. An earlier deadline on ctx still wins.
func WithStatementTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultStatementTimeout
	}
	return context.WithTimeout(ctx, d)
}
