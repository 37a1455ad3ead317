package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credential-broker/internal/credentials"
	"credential-broker/internal/storage"
	"credential-broker/internal/testutil"
)

type env struct {
	store *testutil.FakeStore
	cache *credentials.Cache
	locks *credentials.InstanceLocks
	rec   *Reconciler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store: testutil.NewFakeStore(),
		cache: credentials.NewCache(),
		locks: credentials.NewInstanceLocks(),
	}
	e.rec = New(e.store, e.cache, e.locks, Config{BatchSize: 10}, nil)
	return e
}

func expiry(d time.Duration) *time.Time {
	t := time.Now().Add(d)
	return &t
}

func seedInstance(e *env, id string, version int64) *storage.Instance {
	inst := &storage.Instance{
		ID:                   id,
		OwnerUserID:          "user-1",
		Status:               storage.InstanceActive,
		OAuthStatus:          storage.OAuthCompleted,
		AccessToken:          "at-store",
		RefreshToken:         "rt-store",
		TokenExpiresAt:       expiry(time.Hour),
		Version:              version,
		CredentialsUpdatedAt: time.Now().Add(-time.Hour),
	}
	e.store.Seed(inst)
	return inst
}

func cacheEntry(id string, version int64) *credentials.CachedCredential {
	return &credentials.CachedCredential{
		InstanceID:   id,
		BearerToken:  "at-store",
		RefreshToken: "rt-store",
		ExpiresAt:    expiry(time.Hour),
		OwnerUserID:  "user-1",
		StoreVersion: version,
	}
}

func TestRunOnce_EmptyCache(t *testing.T) {
	e := newEnv(t)
	stats := e.rec.RunOnce(context.Background())
	assert.Zero(t, stats.Examined)
}

func TestRunOnce_InSync(t *testing.T) {
	e := newEnv(t)
	seedInstance(e, "inst-1", 3)
	e.cache.Put("inst-1", cacheEntry("inst-1", 3))

	stats := e.rec.RunOnce(context.Background())

	assert.Equal(t, 1, stats.Examined)
	assert.Equal(t, 1, stats.InSync)
	assert.Zero(t, stats.Refreshed)
	assert.Zero(t, stats.Pushed)
	assert.Zero(t, stats.Evicted)
}

func TestRunOnce_StoreNewerOverwritesCache(t *testing.T) {
	e := newEnv(t)
	inst := seedInstance(e, "inst-1", 5)
	inst.AccessToken = "at-newer"
	e.store.Seed(inst)

	e.cache.Put("inst-1", cacheEntry("inst-1", 3))

	stats := e.rec.RunOnce(context.Background())

	assert.Equal(t, 1, stats.Refreshed)
	cached := e.cache.Peek("inst-1")
	require.NotNil(t, cached)
	assert.Equal(t, "at-newer", cached.BearerToken)
	assert.Equal(t, int64(5), cached.StoreVersion)
}

func TestRunOnce_StoreNewerWithoutTokensEvicts(t *testing.T) {
	e := newEnv(t)
	inst := seedInstance(e, "inst-1", 5)
	inst.AccessToken = ""
	inst.RefreshToken = ""
	e.store.Seed(inst)

	e.cache.Put("inst-1", cacheEntry("inst-1", 3))

	stats := e.rec.RunOnce(context.Background())

	assert.Equal(t, 1, stats.Evicted)
	assert.Nil(t, e.cache.Peek("inst-1"))
}

func TestRunOnce_CacheNewerPushesWithVersioning(t *testing.T) {
	e := newEnv(t)
	seedInstance(e, "inst-1", 2)

	entry := cacheEntry("inst-1", 2)
	entry.BearerToken = "at-cache-only"
	entry.RefreshToken = "rt-cache-only"
	entry.CachedAt = time.Now()
	e.cache.Put("inst-1", entry)

	stats := e.rec.RunOnce(context.Background())

	assert.Equal(t, 1, stats.Pushed)

	stored := e.store.Instance("inst-1")
	assert.Equal(t, "at-cache-only", stored.AccessToken)
	assert.Equal(t, "rt-cache-only", stored.RefreshToken)
	assert.Equal(t, int64(3), stored.Version)

	cached := e.cache.Peek("inst-1")
	require.NotNil(t, cached)
	assert.Equal(t, int64(3), cached.StoreVersion)
}

func TestRunOnce_PushConflictDefersToNextPass(t *testing.T) {
	e := newEnv(t)
	seedInstance(e, "inst-1", 2)

	entry := cacheEntry("inst-1", 2)
	entry.BearerToken = "at-cache-only"
	entry.CachedAt = time.Now()
	e.cache.Put("inst-1", entry)

	// a concurrent writer lands between our load and our push
	e.store.BeforeUpdate = func(s *testutil.FakeStore, id string) {
		s.BumpVersion(id, storage.CredentialUpdate{
			AccessToken:  "at-winner",
			RefreshToken: "rt-winner",
			ExpiresAt:    expiry(time.Hour),
			OAuthStatus:  storage.OAuthCompleted,
		})
	}

	stats := e.rec.RunOnce(context.Background())
	assert.Zero(t, stats.Pushed)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, "at-winner", e.store.Instance("inst-1").AccessToken)

	// next pass sees the newer store version and takes it
	stats = e.rec.RunOnce(context.Background())
	assert.Equal(t, 1, stats.Refreshed)
	assert.Equal(t, "at-winner", e.cache.Peek("inst-1").BearerToken)
}

func TestRunOnce_OrphanEvicted(t *testing.T) {
	e := newEnv(t)
	e.cache.Put("inst-gone", cacheEntry("inst-gone", 1))

	stats := e.rec.RunOnce(context.Background())

	assert.Equal(t, 1, stats.Evicted)
	assert.Nil(t, e.cache.Peek("inst-gone"))
}

func TestRunOnce_InactiveInstanceEvicted(t *testing.T) {
	e := newEnv(t)
	inst := seedInstance(e, "inst-1", 1)
	inst.Status = storage.InstanceInactive
	e.store.Seed(inst)
	e.cache.Put("inst-1", cacheEntry("inst-1", 1))

	stats := e.rec.RunOnce(context.Background())

	assert.Equal(t, 1, stats.Evicted)
	assert.Nil(t, e.cache.Peek("inst-1"))
}

func TestRunOnce_BatchBounded(t *testing.T) {
	e := newEnv(t)
	e.rec = New(e.store, e.cache, e.locks, Config{BatchSize: 3}, nil)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		seedInstance(e, id, 1)
		e.cache.Put(id, cacheEntry(id, 1))
	}

	stats := e.rec.RunOnce(context.Background())
	assert.Equal(t, 3, stats.Examined)
}

func TestRunOnce_StoreErrorCounted(t *testing.T) {
	e := newEnv(t)
	seedInstance(e, "inst-1", 1)
	e.cache.Put("inst-1", cacheEntry("inst-1", 1))
	e.store.GetErr = assert.AnError

	stats := e.rec.RunOnce(context.Background())

	assert.Equal(t, 1, stats.Errors)
	// a flaky store read must not evict the entry
	assert.NotNil(t, e.cache.Peek("inst-1"))
}

func TestRunOnce_CancelledContextStops(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"a", "b", "c"} {
		seedInstance(e, id, 1)
		e.cache.Put(id, cacheEntry(id, 1))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats := e.rec.RunOnce(ctx)
	assert.Zero(t, stats.Examined)
}

func TestStart_FirstPassRunsAfterInitialDelay(t *testing.T) {
	e := newEnv(t)
	e.rec = New(e.store, e.cache, e.locks, Config{
		InitialDelay: 10 * time.Millisecond,
		// the interval is deliberately huge: only the initial pass can
		// explain any reconciliation observed below
		Interval:  time.Hour,
		BatchSize: 10,
	}, nil)

	seedInstance(e, "inst-1", 5)
	e.cache.Put("inst-1", cacheEntry("inst-1", 3))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.rec.Start(ctx)

	assert.Eventually(t, func() bool {
		cached := e.cache.Peek("inst-1")
		return cached != nil && cached.StoreVersion == 5
	}, time.Second, 10*time.Millisecond)
}

func TestStart_StopsOnCancel(t *testing.T) {
	e := newEnv(t)
	e.rec = New(e.store, e.cache, e.locks, Config{
		InitialDelay: time.Hour,
		Interval:     time.Hour,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.rec.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

func TestConfigDefaults(t *testing.T) {
	r := New(testutil.NewFakeStore(), credentials.NewCache(), credentials.NewInstanceLocks(), Config{}, nil)
	assert.Equal(t, 5*time.Minute, r.config.Interval)
	assert.Equal(t, 10*time.Second, r.config.InitialDelay)
	assert.Equal(t, 100, r.config.BatchSize)
}
