package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	release, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, l.Held("k"))

	_, err = l.Acquire(ctx, "k", time.Minute)
	require.ErrorIs(t, err, ErrHeld)

	release()
	release()
	require.False(t, l.Held("k"))

	_, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
}

func TestMemoryLocker_ExpiryAndStaleRelease(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	stale, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	fresh, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	stale()
	require.True(t, l.Held("k"), "a stale release must not drop the new owner")

	fresh()
	require.False(t, l.Held("k"))

	_, err = l.Acquire(ctx, "k", 0)
	require.NoError(t, err)
	require.NoError(t, l.Clear(ctx, "k"))
	require.False(t, l.Held("k"))
}
