package coordinator

import (
	"sync"
	"time"
)

type editLock struct {
	acquired time.Time
	expires  time.Time // zero when the table has no lease
	holder   string
}

// EditLockInfo describes a held edit lock.
type EditLockInfo struct {
	Acquired time.Time `json:"acquired"`
	Expires  time.Time `json:"expires,omitempty"`
	Key      string    `json:"key"`
	Holder   string    `json:"holder"`
}

// EditLockTable serializes edit sessions: each department/filename key has
// at most one holder. With a positive lease a lock that is not refreshed
// within the lease is treated as free, so a crashed client cannot hold a
// file forever.
type EditLockTable struct {
	locks map[string]*editLock
	now   func() time.Time
	mu    sync.Mutex
	lease time.Duration
}

// NewEditLockTable creates a lock table. A zero lease keeps locks until they
// are released.
func NewEditLockTable(lease time.Duration) *EditLockTable {
	return &EditLockTable{
		locks: make(map[string]*editLock),
		now:   time.Now,
		lease: lease,
	}
}

func (t *EditLockTable) liveLocked(key string, now time.Time) *editLock {
	l, ok := t.locks[key]
	if !ok {
		return nil
	}
	if !l.expires.IsZero() && !now.Before(l.expires) {
		delete(t.locks, key)
		return nil
	}
	return l
}

// Lock grants key to identity if it is free, expired, or already held by
// identity. Re-locking refreshes the lease.
func (t *EditLockTable) Lock(identity, key string) bool {
	if identity == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	l := t.liveLocked(key, now)
	if l != nil && l.holder != identity {
		return false
	}
	if l == nil {
		l = &editLock{holder: identity, acquired: now}
		t.locks[key] = l
	}
	if t.lease > 0 {
		l.expires = now.Add(t.lease)
	}
	return true
}

// Unlock releases key if identity holds it.
func (t *EditLockTable) Unlock(identity, key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.liveLocked(key, t.now())
	if l == nil || l.holder != identity {
		return false
	}
	delete(t.locks, key)
	return true
}

// Holder returns the identity currently holding key.
func (t *EditLockTable) Holder(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l := t.liveLocked(key, t.now()); l != nil {
		return l.holder, true
	}
	return "", false
}

// CanEdit reports whether identity may modify key: nobody else holds it.
func (t *EditLockTable) CanEdit(identity, key string) bool {
	holder, held := t.Holder(key)
	return !held || holder == identity
}

// Held lists every live lock.
func (t *EditLockTable) Held() []EditLockInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]EditLockInfo, 0, len(t.locks))
	for key := range t.locks {
		if l := t.liveLocked(key, now); l != nil {
			out = append(out, EditLockInfo{Key: key, Holder: l.holder, Acquired: l.acquired, Expires: l.expires})
		}
	}
	return out
}

// Len returns the number of live locks.
func (t *EditLockTable) Len() int {
	return len(t.Held())
}
