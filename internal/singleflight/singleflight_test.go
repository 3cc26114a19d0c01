package singleflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_SecondCallerIsWaiter(t *testing.T) {
	r := NewRegistry()

	slot1, creator1, err := r.Acquire("k")
	require.NoError(t, err)
	require.True(t, creator1)

	slot2, creator2, err := r.Acquire("k")
	require.NoError(t, err)
	assert.False(t, creator2)
	assert.Same(t, slot1, slot2)
}

func TestRegistry_WaiterObservesCreatorResult(t *testing.T) {
	r := NewRegistry()
	slot, creator, err := r.Acquire("k")
	require.NoError(t, err)
	require.True(t, creator)

	var wg sync.WaitGroup
	wg.Add(1)
	var got any
	go func() {
		defer wg.Done()
		waiterSlot, isCreator, err := r.Acquire("k")
		require.NoError(t, err)
		require.False(t, isCreator)
		v, _ := waiterSlot.Wait(context.Background())
		got = v
	}()

	time.Sleep(10 * time.Millisecond)
	slot.Resolve("value")
	r.Release("k", slot)
	wg.Wait()

	assert.Equal(t, "value", got)
}

func TestRegistry_FailurePropagatesToWaiters(t *testing.T) {
	r := NewRegistry()
	slot, _, err := r.Acquire("k")
	require.NoError(t, err)

	loadErr := errors.New("loader failed")
	slot.Fail(loadErr)
	r.Release("k", slot)

	_, err = slot.Wait(context.Background())
	assert.ErrorIs(t, err, loadErr)
}

func TestRegistry_ReleaseAllowsFreshMiss(t *testing.T) {
	r := NewRegistry()
	slot1, _, _ := r.Acquire("k")
	slot1.Resolve(1)
	r.Release("k", slot1)

	slot2, creator, err := r.Acquire("k")
	require.NoError(t, err)
	assert.True(t, creator)
	assert.NotSame(t, slot1, slot2)
}

func TestSlot_WaitRespectsCallerCancellation(t *testing.T) {
	slot := newSlot()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := slot.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// the creator is unaffected: resolving still succeeds afterward
	slot.Resolve("ok")
	v, err := slot.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestRegistry_ResolveIsIdempotent(t *testing.T) {
	slot := newSlot()
	slot.Resolve("first")
	slot.Resolve("second")
	slot.Fail(errors.New("ignored"))

	v, err := slot.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestRegistry_ShutdownFailsOutstandingSlots(t *testing.T) {
	r := NewRegistry()
	slot, _, err := r.Acquire("k")
	require.NoError(t, err)

	shutdownErr := errors.New("closing")
	r.Shutdown(shutdownErr)

	_, err = slot.Wait(context.Background())
	assert.ErrorIs(t, err, shutdownErr)

	_, _, err = r.Acquire("another")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegistry_OnlyOneCreatorUnderConcurrency(t *testing.T) {
	r := NewRegistry()
	var creators int64
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, isCreator, err := r.Acquire("k")
			require.NoError(t, err)
			if isCreator {
				atomic.AddInt64(&creators, 1)
				time.Sleep(5 * time.Millisecond)
				slot.Resolve("v")
				r.Release("k", slot)
				return
			}
			_, _ = slot.Wait(context.Background())
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, creators)
	assert.Equal(t, 0, r.InFlight())
}
