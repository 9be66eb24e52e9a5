package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/videoforge/internal/store"
)

func TestQueue_EnqueueTryClaimRoundTrip(t *testing.T) {
	s := store.NewMemoryStore()
	q := New(s)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "j1", 0, time.Now()))
	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, err := q.TryClaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", id)

	n, err = q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueue_Requeue(t *testing.T) {
	s := store.NewMemoryStore()
	q := New(s)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Requeue(ctx, "j1", 3, now))
	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueue_Remove(t *testing.T) {
	s := store.NewMemoryStore()
	q := New(s)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "j1", 0, time.Now()))
	require.NoError(t, q.Remove(ctx, "j1"))

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestJitteredBackoff_BoundedAboveBase(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := JitteredBackoff(base)
		assert.GreaterOrEqual(t, d, base/2)
		assert.Less(t, d, base+base/2)
	}
}

func TestJitteredBackoff_DefaultsWhenBaseNonPositive(t *testing.T) {
	d := JitteredBackoff(0)
	assert.Greater(t, d, time.Duration(0))
}
