package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockAcquireRelease(t *testing.T) {
	svc := NewMemoryLockService(testConfig())
	ctx := context.Background()

	lock, err := svc.Acquire(ctx, "uid-1")
	require.NoError(t, err)
	lock.Release()
	lock.Release() // idempotent

	again, err := svc.Acquire(ctx, "uid-1")
	require.NoError(t, err)
	again.Release()
}

func TestLockTimesOut(t *testing.T) {
	svc := NewMemoryLockService(testConfig())
	ctx := context.Background()

	lock, err := svc.Acquire(ctx, "uid-1")
	require.NoError(t, err)
	defer lock.Release()

	start := time.Now()
	_, err = svc.Acquire(ctx, "uid-1")
	require.Error(t, err)
	var ce *ConflictError
	assert.ErrorAs(t, err, &ce)
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestLockDistinctUIDsDoNotContend(t *testing.T) {
	svc := NewMemoryLockService(testConfig())
	ctx := context.Background()

	a, err := svc.Acquire(ctx, "uid-1")
	require.NoError(t, err)
	defer a.Release()

	b, err := svc.Acquire(ctx, "uid-2")
	require.NoError(t, err)
	b.Release()
}

func TestLockReentrantThroughContext(t *testing.T) {
	svc := NewMemoryLockService(testConfig())
	ctx := context.Background()

	lock, err := svc.Acquire(ctx, "uid-1")
	require.NoError(t, err)
	defer lock.Release()

	held := ContextWithHeldLock(ctx, "uid-1")
	nested, err := svc.Acquire(held, "uid-1")
	require.NoError(t, err)
	nested.Release()

	// Releasing the nested no-op lock must not free the real one.
	_, err = svc.Acquire(ctx, "uid-1")
	assert.Error(t, err)
}

func TestLockCancelledContext(t *testing.T) {
	svc := NewMemoryLockService(testConfig())

	lock, err := svc.Acquire(context.Background(), "uid-1")
	require.NoError(t, err)
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.Acquire(ctx, "uid-1")
	var ce *ConflictError
	assert.ErrorAs(t, err, &ce)
}

func TestReservationConflict(t *testing.T) {
	svc := NewMemoryReservationService(testConfig())
	ctx := context.Background()

	first, err := svc.Reserve(ctx, "uid-1", "/caldav/alice/calendars/work/a.ics")
	require.NoError(t, err)
	defer first.Release()

	_, err = svc.Reserve(ctx, "uid-1", "/caldav/alice/calendars/work/b.ics")
	var ce *ConflictError
	assert.ErrorAs(t, err, &ce)

	// The same resource may re-reserve its own UID.
	same, err := svc.Reserve(ctx, "uid-1", "/caldav/alice/calendars/work/a.ics")
	require.NoError(t, err)
	same.Release()
}

func TestReservationReleasedUIDIsReusable(t *testing.T) {
	svc := NewMemoryReservationService(testConfig())
	ctx := context.Background()

	first, err := svc.Reserve(ctx, "uid-1", "/a.ics")
	require.NoError(t, err)
	first.Release()

	second, err := svc.Reserve(ctx, "uid-1", "/b.ics")
	require.NoError(t, err)
	second.Release()
}
