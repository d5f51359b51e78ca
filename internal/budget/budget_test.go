package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithAttachesDeadline(t *testing.T) {
	ctx, cancel := With(context.Background(), 100*time.Millisecond)
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(100*time.Millisecond), deadline, 20*time.Millisecond)

	info, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, info.Total)
}

func TestRemaining(t *testing.T) {
	ctx, cancel := With(context.Background(), 200*time.Millisecond)
	defer cancel()

	left := Remaining(ctx)
	assert.Greater(t, left, 100*time.Millisecond)
	assert.LessOrEqual(t, left, 200*time.Millisecond)
}

func TestRemainingUnbounded(t *testing.T) {
	left := Remaining(context.Background())
	assert.Greater(t, left, 24*time.Hour)
}

func TestForOpCapsAtLimit(t *testing.T) {
	ctx, cancel := With(context.Background(), time.Second)
	defer cancel()

	sub, subCancel := ForOp(ctx, 50*time.Millisecond)
	defer subCancel()

	deadline, ok := sub.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 20*time.Millisecond)
}

func TestForOpNeverExceedsBudget(t *testing.T) {
	ctx, cancel := With(context.Background(), 50*time.Millisecond)
	defer cancel()

	sub, subCancel := ForOp(ctx, time.Hour)
	defer subCancel()

	deadline, ok := sub.Deadline()
	require.True(t, ok)
	assert.True(t, deadline.Before(time.Now().Add(60*time.Millisecond)))
}

func TestExpiredBudget(t *testing.T) {
	ctx, cancel := With(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	assert.Equal(t, time.Duration(0), Remaining(ctx))
	assert.Error(t, ctx.Err())
}
