package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasihub/wasihub/internal/lifecycle"
)

func TestSlotLockIsExclusive(t *testing.T) {
	assert := assert.New(t)

	slot := lifecycle.NewSlot()
	require.NoError(t, slot.Acquire(context.Background()))

	// A second acquire must block until the holder releases.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := slot.Acquire(ctx)
	assert.Error(err)

	slot.Release()
	assert.NoError(slot.Acquire(context.Background()))
	slot.Release()
}

func TestSlotAcquireHonorsContext(t *testing.T) {
	assert := assert.New(t)

	slot := lifecycle.NewSlot()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, slot.Acquire(context.Background()))
	err := slot.Acquire(ctx)

	assert.ErrorIs(err, context.Canceled)
}

func TestSlotReleaseFromAnotherGoroutine(t *testing.T) {
	assert := assert.New(t)

	slot := lifecycle.NewSlot()
	require.NoError(t, slot.Acquire(context.Background()))

	go slot.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(slot.Acquire(ctx))
	slot.Release()
}
