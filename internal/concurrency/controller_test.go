package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireRespectsCapacity(t *testing.T) {
	c := NewController()
	c.SetCapacity("host-a", 2)

	require.True(t, c.TryAcquire("host-a", "t1"))
	require.True(t, c.TryAcquire("host-a", "t2"))
	assert.False(t, c.TryAcquire("host-a", "t3"), "third task should be refused at capacity 2")
}

func TestReleaseFreesSlot(t *testing.T) {
	c := NewController()
	c.SetCapacity("host-a", 1)

	require.True(t, c.TryAcquire("host-a", "t1"))
	assert.False(t, c.TryAcquire("host-a", "t2"))

	c.Release("host-a", "t1")
	assert.True(t, c.TryAcquire("host-a", "t2"), "slot should be free after release")
}

func TestReleaseWithoutAcquireIsNoop(t *testing.T) {
	c := NewController()
	c.SetCapacity("host-a", 1)

	c.Release("host-a", "never-acquired")
	assert.True(t, c.TryAcquire("host-a", "t1"), "unrelated release must not over-release the semaphore")
}

func TestHasCapacityIsPeekOnly(t *testing.T) {
	c := NewController()
	c.SetCapacity("host-a", 1)

	assert.True(t, c.HasCapacity("host-a"))
	assert.True(t, c.HasCapacity("host-a"), "peeking twice must not consume a slot")

	require.True(t, c.TryAcquire("host-a", "t1"))
	assert.False(t, c.HasCapacity("host-a"))
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	c := NewController()
	c.SetCapacity("host-a", 1)
	require.True(t, c.TryAcquire("host-a", "t1"))

	done := make(chan struct{})
	go func() {
		ctx := context.Background()
		_ = c.Acquire(ctx, "host-a", "t2")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Acquire should have blocked while host-a is saturated")
	case <-time.After(50 * time.Millisecond):
	}

	c.Release("host-a", "t1")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	c := NewController()
	c.SetCapacity("host-a", 1)
	require.True(t, c.TryAcquire("host-a", "t1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Acquire(ctx, "host-a", "t2")
	assert.Error(t, err)
}

func TestInFlightSnapshot(t *testing.T) {
	c := NewController()
	c.SetCapacity("host-a", 2)
	require.True(t, c.TryAcquire("host-a", "t1"))
	require.True(t, c.TryAcquire("host-a", "t2"))

	snap := c.InFlight()
	assert.Equal(t, 2, snap["host-a"].ActiveCount)
	assert.ElementsMatch(t, []string{"t1", "t2"}, snap["host-a"].ActiveTaskIDs)
}

func TestUnregisteredHostGetsSingleSlot(t *testing.T) {
	c := NewController()
	require.True(t, c.TryAcquire("unknown-host", "t1"))
	assert.False(t, c.TryAcquire("unknown-host", "t2"))
}
