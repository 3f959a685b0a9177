package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyedLockExclusivity(t *testing.T) {
	locks := newKeyedLock()

	release, ok := locks.Acquire("sync-orders-tenant-1", time.Minute)
	require.True(t, ok)

	_, ok = locks.Acquire("sync-orders-tenant-1", time.Minute)
	require.False(t, ok)

	// Other keys are independent.
	otherRelease, ok := locks.Acquire("sync-orders-tenant-2", time.Minute)
	require.True(t, ok)
	otherRelease()

	release()
	release2, ok := locks.Acquire("sync-orders-tenant-1", time.Minute)
	require.True(t, ok)
	release2()
}

func TestKeyedLockReleaseIsIdempotent(t *testing.T) {
	locks := newKeyedLock()

	release, ok := locks.Acquire("key", time.Minute)
	require.True(t, ok)
	release()
	release()

	_, ok = locks.Acquire("key", time.Minute)
	require.True(t, ok)
}

func TestKeyedLockExpires(t *testing.T) {
	locks := newKeyedLock()
	current := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	locks.now = func() time.Time { return current }

	staleRelease, ok := locks.Acquire("key", 30*time.Minute)
	require.True(t, ok)

	current = current.Add(10 * time.Minute)
	_, ok = locks.Acquire("key", 30*time.Minute)
	require.False(t, ok)

	// Past the TTL the hold lapses and another worker may take the key.
	current = current.Add(25 * time.Minute)
	release, ok := locks.Acquire("key", 30*time.Minute)
	require.True(t, ok)

	// The stale holder's release must not free the new hold.
	staleRelease()
	_, ok = locks.Acquire("key", 30*time.Minute)
	require.False(t, ok)

	release()
	_, ok = locks.Acquire("key", 30*time.Minute)
	require.True(t, ok)
}
