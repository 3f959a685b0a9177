package scheduler

import (
	"sync"
	"time"
)

// keyedLock hands out at most one holder per key. Holds carry a TTL so a
// crashed worker cannot wedge its key forever; release is idempotent.
type keyedLock struct {
	mu    sync.Mutex
	holds map[string]time.Time
	now   func() time.Time
}

func newKeyedLock() *keyedLock {
	return &keyedLock{
		holds: make(map[string]time.Time),
		now:   time.Now,
	}
}

// Acquire takes the key for at most ttl. The second return is false when
// another holder still owns the key.
func (k *keyedLock) Acquire(key string, ttl time.Duration) (func(), bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if expiry, held := k.holds[key]; held && expiry.After(now) {
		return nil, false
	}
	expiry := now.Add(ttl)
	k.holds[key] = expiry

	release := func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		if current, held := k.holds[key]; held && current.Equal(expiry) {
			delete(k.holds, key)
		}
	}
	return release, true
}
