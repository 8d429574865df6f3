package storage

import (
	"sync"

	"github.com/dreamware/depot/internal/cluster"
)

// LockTable hands out one reader/writer lock per department/filename key.
// Entries are created on first use and shared by every connection on the
// node. Entries are reference counted so a dropped entry is only removed
// once nobody is waiting on it; a waiter never ends up on a different mutex
// than the current holder.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*fileLock
}

type fileLock struct {
	sync.RWMutex
	refs    int
	dropped bool
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*fileLock)}
}

func (t *LockTable) acquire(key string) *fileLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &fileLock{}
		t.locks[key] = l
	}
	l.refs++
	return l
}

func (t *LockTable) release(key string, l *fileLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 && l.dropped && t.locks[key] == l {
		delete(t.locks, key)
	}
}

// RLock takes the shared lock for key and returns its release function.
func (t *LockTable) RLock(key string) func() {
	l := t.acquire(key)
	l.RLock()
	return func() {
		l.RUnlock()
		t.release(key, l)
	}
}

// Lock takes the exclusive lock for key and returns its release function.
func (t *LockTable) Lock(key string) func() {
	l := t.acquire(key)
	l.Lock()
	return func() {
		l.Unlock()
		t.release(key, l)
	}
}

// Drop marks key's entry for removal once its last user releases it.
func (t *LockTable) Drop(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.locks[key]; ok {
		l.dropped = true
		if l.refs == 0 {
			delete(t.locks, key)
		}
	}
}

// Len returns the number of live entries.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// LockedStore serializes access to an inner Store per file: writers exclude
// everybody, readers share.
type LockedStore struct {
	inner Store
	locks *LockTable
}

// NewLockedStore wraps inner with a fresh lock table.
func NewLockedStore(inner Store) *LockedStore {
	return &LockedStore{inner: inner, locks: NewLockTable()}
}

// Locks exposes the table, mainly for tests.
func (s *LockedStore) Locks() *LockTable { return s.locks }

// Get reads the file under its read lock.
func (s *LockedStore) Get(department, filename string) ([]byte, error) {
	unlock := s.locks.RLock(cluster.FileKey(department, filename))
	defer unlock()
	return s.inner.Get(department, filename)
}

// Put writes the file under its write lock.
func (s *LockedStore) Put(department, filename string, data []byte) error {
	unlock := s.locks.Lock(cluster.FileKey(department, filename))
	defer unlock()
	return s.inner.Put(department, filename, data)
}

// Delete removes the file under the write lock and drops the lock entry.
func (s *LockedStore) Delete(department, filename string) (bool, error) {
	key := cluster.FileKey(department, filename)
	unlock := s.locks.Lock(key)
	defer unlock()
	ok, err := s.inner.Delete(department, filename)
	s.locks.Drop(key)
	return ok, err
}

// List enumerates the department and re-checks each name under its read
// lock, so a file deleted mid-listing is left out.
func (s *LockedStore) List(department string) ([]string, error) {
	names, err := s.inner.List(department)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, name := range names {
		unlock := s.locks.RLock(cluster.FileKey(department, name))
		if s.inner.Has(department, name) {
			out = append(out, name)
		}
		unlock()
	}
	return out, nil
}

// Has reports whether the file exists, under its read lock.
func (s *LockedStore) Has(department, filename string) bool {
	unlock := s.locks.RLock(cluster.FileKey(department, filename))
	defer unlock()
	return s.inner.Has(department, filename)
}

// Stats returns the wrapped store's statistics.
func (s *LockedStore) Stats() StoreStats {
	return s.inner.Stats()
}
