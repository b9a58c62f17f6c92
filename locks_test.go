package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLockContention(t *testing.T) {
	lockManager := NewLockManager()
	key := NewResourceKey("novel", "42")

	lock, ok := lockManager.Lock(key, "alice", "editing chapter", 0)
	assert.Equal(t, ok, true)
	assert.Equal(t, lock.HolderId, "alice")
	assert.Equal(t, lock.Reason, "editing chapter")
	assert.Equal(t, lock.ExpiresAt, nil)

	// held by someone else and not expired
	_, ok = lockManager.Lock(key, "bob", "", 0)
	assert.Equal(t, ok, false)

	// idempotent re-acquire by the holder
	again, ok := lockManager.Lock(key, "alice", "still editing", 0)
	assert.Equal(t, ok, true)
	assert.Equal(t, again.AcquiredAt, lock.AcquiredAt)

	assert.Equal(t, lockManager.Unlock(key, "alice"), true)
	_, ok = lockManager.Lock(key, "bob", "", 0)
	assert.Equal(t, ok, true)
}

func TestUnlockNonHolder(t *testing.T) {
	lockManager := NewLockManager()
	key := NewResourceKey("novel", "42")

	lockManager.Lock(key, "alice", "", 0)

	// a non-holder unlock fails and leaves the lock unchanged
	assert.Equal(t, lockManager.Unlock(key, "bob"), false)
	lock := lockManager.GetLock(key)
	assert.NotEqual(t, lock, nil)
	assert.Equal(t, lock.HolderId, "alice")

	// unlock with no lock at all
	assert.Equal(t, lockManager.Unlock(NewResourceKey("novel", "43"), "alice"), false)
}

func TestLockExpiry(t *testing.T) {
	lockManager := NewLockManager()
	key := NewResourceKey("novel", "42")

	lock, ok := lockManager.Lock(key, "alice", "", 30*time.Millisecond)
	assert.Equal(t, ok, true)
	assert.NotEqual(t, lock.ExpiresAt, nil)

	// live until expiry
	_, ok = lockManager.Lock(key, "bob", "", 0)
	assert.Equal(t, ok, false)

	time.Sleep(60 * time.Millisecond)

	// absent once expired, even without an unlock message
	assert.Equal(t, lockManager.GetLock(key), nil)
	_, ok = lockManager.Lock(key, "bob", "", 0)
	assert.Equal(t, ok, true)
}

func TestLockApply(t *testing.T) {
	lockManager := NewLockManager()
	key := NewResourceKey("novel", "42")

	// a peer's broadcast installs into the local table
	applied := lockManager.Apply(&ResourceLock{
		ResourceType: key.Type,
		ResourceId:   key.Id,
		HolderId:     "bob",
		AcquiredAt:   time.Now(),
	})
	assert.Equal(t, applied, true)
	_, ok := lockManager.Lock(key, "alice", "", 0)
	assert.Equal(t, ok, false)

	// an already-expired broadcast is ignored
	expiresAt := time.Now().Add(-1 * time.Second)
	applied = lockManager.Apply(&ResourceLock{
		ResourceType: "novel",
		ResourceId:   "43",
		HolderId:     "bob",
		AcquiredAt:   time.Now().Add(-2 * time.Second),
		ExpiresAt:    &expiresAt,
	})
	assert.Equal(t, applied, false)
	assert.Equal(t, lockManager.GetLock(NewResourceKey("novel", "43")), nil)

	assert.Equal(t, lockManager.Apply(nil), false)
}

func TestReleaseHeld(t *testing.T) {
	lockManager := NewLockManager()

	lockManager.Lock(NewResourceKey("novel", "42"), "alice", "", 0)
	lockManager.Lock(NewResourceKey("novel", "43"), "alice", "", 0)
	lockManager.Lock(NewResourceKey("novel", "44"), "bob", "", 0)

	released := lockManager.ReleaseHeld("alice")
	assert.Equal(t, len(released), 2)
	assert.Equal(t, lockManager.GetLock(NewResourceKey("novel", "42")), nil)
	assert.Equal(t, lockManager.GetLock(NewResourceKey("novel", "43")), nil)
	assert.NotEqual(t, lockManager.GetLock(NewResourceKey("novel", "44")), nil)

	assert.Equal(t, len(lockManager.ReleaseHeld("alice")), 0)
}
