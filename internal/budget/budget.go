// Package budget attaches a time budget to each request and derives the
// smaller sub-budgets that storage and network operations run under. A
// request that exhausts its budget fails fast instead of pinning kernel
// resources.
package budget

import (
	"context"
	"time"
)

type ctxKey struct{}

// Info records how a request's budget was set up.
type Info struct {
	Total    time.Duration
	Deadline time.Time
}

// With derives a context carrying a total budget for one request.
func With(ctx context.Context, total time.Duration) (context.Context, context.CancelFunc) {
	deadline := time.Now().Add(total)
	ctx = context.WithValue(ctx, ctxKey{}, Info{Total: total, Deadline: deadline})
	return context.WithDeadline(ctx, deadline)
}

// FromContext returns the budget info attached to ctx, if any.
func FromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(ctxKey{}).(Info)
	return info, ok
}

// Remaining reports how much of the budget is left. Contexts without a
// deadline report max, meaning "unbounded".
func Remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return time.Duration(1<<63 - 1)
	}
	left := time.Until(deadline)
	if left < 0 {
		return 0
	}
	return left
}

// ForOp derives a sub-context capped at limit but never exceeding what is
// left of the request budget. Use it for storage and network calls so one
// slow dependency cannot consume the whole request.
func ForOp(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	left := Remaining(ctx)
	if limit <= 0 || limit > left {
		limit = left
	}
	return context.WithTimeout(ctx, limit)
}
