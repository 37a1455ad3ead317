package credentials

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInstanceLocks_SerializesSameInstance(t *testing.T) {
	locks := NewInstanceLocks()

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("inst-1")
			defer unlock()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
}

func TestInstanceLocks_IndependentInstancesDoNotBlock(t *testing.T) {
	locks := NewInstanceLocks()

	unlockA := locks.Lock("inst-a")
	defer unlockA()

	acquired := make(chan struct{})
	go func() {
		unlockB := locks.Lock("inst-b")
		defer unlockB()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on a different instance blocked")
	}
}

func TestInstanceLocks_ReleaseIsIdempotent(t *testing.T) {
	locks := NewInstanceLocks()

	unlock := locks.Lock("inst-1")
	unlock()
	unlock() // second call must be a no-op, not a panic or double unlock

	done := make(chan struct{})
	go func() {
		u := locks.Lock("inst-1")
		u()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock not reacquirable after release")
	}
}

func TestInstanceLocks_EntriesReclaimed(t *testing.T) {
	locks := NewInstanceLocks()

	for i := 0; i < 100; i++ {
		unlock := locks.Lock("inst-1")
		unlock()
	}

	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.locks)
}
