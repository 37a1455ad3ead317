// Package reconciler repairs divergence between the in-process credential
// cache and the durable store. It runs on a schedule, walks a bounded batch
// of cached instances, and propagates whichever side is newer.
package reconciler

import (
	"context"
	"time"

	"credential-broker/internal/common/errors"
	"credential-broker/internal/common/logging"
	"credential-broker/internal/credentials"
	"credential-broker/internal/storage"
)

// Config tunes one reconciler instance.
type Config struct {
	// Interval between passes. The first pass runs after InitialDelay.
	Interval     time.Duration
	InitialDelay time.Duration
	// BatchSize caps how many cached instances one pass examines.
	BatchSize int
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Stats summarizes one reconciliation pass.
type Stats struct {
	Examined  int
	Refreshed int // cache overwritten from a newer store
	Pushed    int // cache state pushed to an older store
	Evicted   int // orphaned or unusable entries removed
	InSync    int
	Errors    int
}

type action int

const (
	actionNone action = iota
	actionRefreshed
	actionPushed
	actionEvicted
)

// Reconciler walks cached instances and repairs cache/store divergence. It
// shares the per-instance locks with the manager, so a pass never races a
// live request-driven refresh.
type Reconciler struct {
	store  storage.Store
	cache  *credentials.Cache
	locks  *credentials.InstanceLocks
	config Config
	logger logging.Logger
	now    func() time.Time
}

// New creates a reconciler over the manager's cache and locks.
func New(store storage.Store, cache *credentials.Cache, locks *credentials.InstanceLocks, config Config, logger logging.Logger) *Reconciler {
	config.setDefaults()
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Reconciler{
		store:  store,
		cache:  cache,
		locks:  locks,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Start runs the reconciliation loop until ctx is cancelled: one pass after
// the short initial delay, then one per interval. The early first pass picks
// up divergence left behind by whatever stopped the previous process.
func (r *Reconciler) Start(ctx context.Context) {
	select {
	case <-time.After(r.config.InitialDelay):
	case <-ctx.Done():
		return
	}
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce executes a single reconciliation pass over a bounded batch of
// cached instance ids.
func (r *Reconciler) RunOnce(ctx context.Context) Stats {
	var stats Stats

	ids := r.cache.Keys()
	if len(ids) > r.config.BatchSize {
		ids = ids[:r.config.BatchSize]
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}

		stats.Examined++
		act, err := r.reconcileInstance(ctx, id)
		if err != nil {
			stats.Errors++
			r.logger.Warn("Failed to reconcile instance",
				logging.Field{Key: "instance_id", Value: id},
				logging.Field{Key: "error", Value: err.Error()})
			continue
		}

		switch act {
		case actionRefreshed:
			stats.Refreshed++
		case actionPushed:
			stats.Pushed++
		case actionEvicted:
			stats.Evicted++
		default:
			stats.InSync++
		}
	}

	if stats.Examined > 0 {
		r.logger.Debug("Reconciliation pass completed",
			logging.Field{Key: "examined", Value: stats.Examined},
			logging.Field{Key: "refreshed", Value: stats.Refreshed},
			logging.Field{Key: "pushed", Value: stats.Pushed},
			logging.Field{Key: "evicted", Value: stats.Evicted},
			logging.Field{Key: "errors", Value: stats.Errors})
	}
	return stats
}

func (r *Reconciler) reconcileInstance(ctx context.Context, id string) (action, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	// Peek, not Get: reconciliation must not skew usage stats. The entry may
	// have been evicted while we waited for the lock.
	cached := r.cache.Peek(id)
	if cached == nil {
		return actionNone, nil
	}

	inst, err := r.store.GetInstance(ctx, id)
	if err != nil {
		if errors.IsType(err, errors.ErrTypeNotFound) {
			// orphan: the instance was deprovisioned under us
			r.cache.Remove(id)
			return actionEvicted, nil
		}
		return actionNone, err
	}

	if inst.Status != storage.InstanceActive {
		r.cache.Remove(id)
		return actionEvicted, nil
	}

	switch {
	case inst.Version > cached.StoreVersion:
		// Store is newer: another writer (or replica) committed a credential
		// update. Take it, or evict when the store lost its tokens.
		if !inst.HasUsableTokens() {
			r.cache.Remove(id)
			return actionEvicted, nil
		}
		r.cache.Put(id, credentialFromInstance(inst, r.now()))
		return actionRefreshed, nil

	case cached.CachedAt.After(inst.CredentialsUpdatedAt) && inst.Version == cached.StoreVersion && r.cacheAhead(cached, inst):
		// Cache is strictly newer at the same version: a refresh committed
		// to cache but its store write never landed. Push it back with the
		// same optimistic locking as the live refresh path.
		update := storage.CredentialUpdate{
			AccessToken:  cached.BearerToken,
			RefreshToken: cached.RefreshToken,
			ExpiresAt:    cached.ExpiresAt,
			Scope:        cached.Scope,
			OAuthStatus:  storage.OAuthCompleted,
		}
		updated, err := r.store.UpdateInstanceCredentials(ctx, id, update, cached.StoreVersion)
		if err != nil {
			if errors.IsType(err, errors.ErrTypeConflict) {
				// someone else won since we loaded; the next pass sees the
				// newer store version and takes the refresh branch
				return actionNone, nil
			}
			return actionNone, err
		}
		r.cache.Put(id, credentialFromInstance(updated, r.now()))
		return actionPushed, nil

	default:
		return actionNone, nil
	}
}

// cacheAhead reports whether the cached token material differs from the
// store's, meaning the cache holds state the store never received.
func (r *Reconciler) cacheAhead(cached *credentials.CachedCredential, inst *storage.Instance) bool {
	if cached.BearerToken == "" {
		return false
	}
	return cached.BearerToken != inst.AccessToken || cached.RefreshToken != inst.RefreshToken
}

func credentialFromInstance(inst *storage.Instance, now time.Time) *credentials.CachedCredential {
	cred := &credentials.CachedCredential{
		InstanceID:   inst.ID,
		BearerToken:  inst.AccessToken,
		RefreshToken: inst.RefreshToken,
		OwnerUserID:  inst.OwnerUserID,
		Scope:        inst.Scope,
		StoreVersion: inst.Version,
		CachedAt:     now,
		LastUsedAt:   now,
	}
	if inst.TokenExpiresAt != nil {
		t := *inst.TokenExpiresAt
		cred.ExpiresAt = &t
	}
	return cred
}
