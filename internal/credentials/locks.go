package credentials

import (
	"sync"
)

// InstanceLocks provides mutual exclusion keyed by instance id. Operations
// for the same instance serialize; operations for different instances never
// block each other. Lock entries are reference counted and removed when the
// last holder releases, so the map does not grow with tenant churn.
type InstanceLocks struct {
	mu    sync.Mutex
	locks map[string]*instanceLock
}

type instanceLock struct {
	mu   sync.Mutex
	refs int
}

// NewInstanceLocks creates an empty lock set.
func NewInstanceLocks() *InstanceLocks {
	return &InstanceLocks{
		locks: make(map[string]*instanceLock),
	}
}

// Lock blocks until the instance's lock is held and returns the release
// function. Callers must defer the release so it runs on every exit path.
func (l *InstanceLocks) Lock(instanceID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[instanceID]
	if !ok {
		entry = &instanceLock{}
		l.locks[instanceID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()

			l.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(l.locks, instanceID)
			}
			l.mu.Unlock()
		})
	}
}
