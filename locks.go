package collab

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/jellydator/ttlcache/v3"
)

// a cooperative claim of exclusivity over a resource. Advisory only: nothing
// at the data layer prevents two identities from mutating content
// concurrently. UI layers are expected to honor `GetLock` before allowing
// edits
type ResourceLock struct {
	ResourceType string     `json:"resourceType"`
	ResourceId   string     `json:"resourceId"`
	HolderId     string     `json:"holderId"`
	AcquiredAt   time.Time  `json:"acquiredAt"`
	Reason       string     `json:"reason,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

func (self *ResourceLock) Key() ResourceKey {
	return ResourceKey{
		Type: self.ResourceType,
		Id:   self.ResourceId,
	}
}

// expiry is advisory. The lock is absent once `ExpiresAt` has passed even if
// no unlock message ever arrived
func (self *ResourceLock) Expired(now time.Time) bool {
	return self.ExpiresAt != nil && self.ExpiresAt.Before(now)
}

// at most one live lock per resource key. Expired locks are evicted on read
type LockManager struct {
	stateLock sync.Mutex
	locks     *ttlcache.Cache[ResourceKey, *ResourceLock]
}

func NewLockManager() *LockManager {
	return &LockManager{
		locks: ttlcache.New[ResourceKey, *ResourceLock](
			ttlcache.WithDisableTouchOnHit[ResourceKey, *ResourceLock](),
		),
	}
}

// true if the key is free, the existing lock has expired, or the caller
// already holds it (idempotent re-acquire, which also refreshes the ttl).
// false, never an error, when held by someone else: contention is an
// expected, frequent outcome
func (self *LockManager) Lock(
	key ResourceKey,
	holderId string,
	reason string,
	ttl time.Duration,
) (*ResourceLock, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := time.Now()
	acquiredAt := now
	if item := self.locks.Get(key); item != nil {
		existing := item.Value()
		if existing.HolderId != holderId {
			return nil, false
		}
		acquiredAt = existing.AcquiredAt
	}

	lock := &ResourceLock{
		ResourceType: key.Type,
		ResourceId:   key.Id,
		HolderId:     holderId,
		AcquiredAt:   acquiredAt,
		Reason:       reason,
	}
	itemTtl := ttlcache.NoTTL
	if 0 < ttl {
		expiresAt := now.Add(ttl)
		lock.ExpiresAt = &expiresAt
		itemTtl = ttl
	}
	self.locks.Set(key, lock, itemTtl)
	glog.V(1).Infof("[lk]lock %s by %s\n", key, holderId)
	return lock, true
}

// installs a lock learned from a peer broadcast so the local table
// eventually matches the holder's view. Already-expired locks are ignored
func (self *LockManager) Apply(lock *ResourceLock) bool {
	if lock == nil {
		return false
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := time.Now()
	if lock.Expired(now) {
		return false
	}
	itemTtl := ttlcache.NoTTL
	if lock.ExpiresAt != nil {
		itemTtl = lock.ExpiresAt.Sub(now)
	}
	self.locks.Set(lock.Key(), lock, itemTtl)
	return true
}

// true only if the caller is the current holder
func (self *LockManager) Unlock(key ResourceKey, holderId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item := self.locks.Get(key)
	if item == nil {
		return false
	}
	if item.Value().HolderId != holderId {
		return false
	}
	self.locks.Delete(key)
	glog.V(1).Infof("[lk]unlock %s by %s\n", key, holderId)
	return true
}

// the live lock or nil. Expired locks are transparently absent
func (self *LockManager) GetLock(key ResourceKey) *ResourceLock {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item := self.locks.Get(key)
	if item == nil {
		return nil
	}
	lock := *item.Value()
	return &lock
}

// releases every live lock held by the holder, for the holder's leave
func (self *LockManager) ReleaseHeld(holderId string) []*ResourceLock {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	released := []*ResourceLock{}
	for key, item := range self.locks.Items() {
		if item.Value().HolderId == holderId {
			released = append(released, item.Value())
			self.locks.Delete(key)
		}
	}
	return released
}
