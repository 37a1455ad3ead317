package credentials

import (
	"context"
	"fmt"
	"time"

	commoncache "credential-broker/internal/common/cache"
	"credential-broker/internal/common/errors"
	"credential-broker/internal/common/logging"
	"credential-broker/internal/common/utils"
	"credential-broker/internal/provider"
	"credential-broker/internal/storage"
)

// AuditRecorder receives one entry per refresh or validate attempt. Record
// is fire-and-forget: it must never fail or block the credential operation.
type AuditRecorder interface {
	Record(ctx context.Context, entry *storage.AuditEntry)
}

// MetricsRecorder receives the observations the health assessment is
// derived from.
type MetricsRecorder interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordRefresh(instanceID, method string, success bool, latency time.Duration)
	RecordValidate(instanceID string, success bool)
}

// AuthResult is a successful authentication: the bearer token to attach to
// the outbound provider call plus the owning user for authorization checks.
type AuthResult struct {
	BearerToken string
	OwnerUserID string
	// Source reports where the token came from: cache, store, primary
	// or fallback.
	Source string
}

// ManagerConfig tunes the refresh orchestration.
type ManagerConfig struct {
	// ExpiryBuffer is the margin before reported expiry at which a token is
	// treated as already expired by freshness checks.
	ExpiryBuffer time.Duration
	// DefaultTokenTTL is the assumed lifetime when a provider omits
	// expires_in. Missing lifetime never means non-expiring.
	DefaultTokenTTL time.Duration
	// RefreshTimeout bounds each provider call independently of the
	// caller's context.
	RefreshTimeout time.Duration
	// MaxWriteRetries bounds retries of the optimistic-locking write-back.
	MaxWriteRetries int
	// NegativeTTL is how long "instance not found" results are remembered.
	NegativeTTL time.Duration
}

func (c *ManagerConfig) setDefaults() {
	if c.ExpiryBuffer <= 0 {
		c.ExpiryBuffer = 5 * time.Minute
	}
	if c.DefaultTokenTTL <= 0 {
		c.DefaultTokenTTL = time.Hour
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 30 * time.Second
	}
	if c.MaxWriteRetries <= 0 {
		c.MaxWriteRetries = 3
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 30 * time.Second
	}
}

// ManagerOptions wires the manager's collaborators. Store and Primary are
// required; everything else has a working default.
type ManagerOptions struct {
	Store    storage.Store
	Cache    *Cache
	Locks    *InstanceLocks
	Primary  provider.Client
	Fallback provider.Client
	Audit    AuditRecorder
	Metrics  MetricsRecorder
	// NegativeCache remembers recent "instance not found" lookups so
	// repeated authenticates for deleted instances skip the store.
	NegativeCache commoncache.Cache
	Config        ManagerConfig
	Logger        logging.Logger
}

// Manager is the token refresh orchestrator. Authenticate is its single
// entry point; the reconciler reuses its locking and write-back paths.
type Manager struct {
	store    storage.Store
	cache    *Cache
	locks    *InstanceLocks
	primary  provider.Client
	fallback provider.Client
	audit    AuditRecorder
	metrics  MetricsRecorder
	negative commoncache.Cache
	config   ManagerConfig
	logger   logging.Logger
	now      func() time.Time
}

// NewManager creates a manager. Collaborators left nil in opts are replaced
// with defaults (fresh cache/locks, no-op audit and metrics).
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.ConfigError("credential manager requires a store")
	}
	if opts.Primary == nil {
		return nil, errors.ConfigError("credential manager requires a primary refresh client")
	}

	opts.Config.setDefaults()

	if opts.Cache == nil {
		opts.Cache = NewCache()
	}
	if opts.Locks == nil {
		opts.Locks = NewInstanceLocks()
	}
	if opts.Audit == nil {
		opts.Audit = nopAudit{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}

	return &Manager{
		store:    opts.Store,
		cache:    opts.Cache,
		locks:    opts.Locks,
		primary:  opts.Primary,
		fallback: opts.Fallback,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		negative: opts.NegativeCache,
		config:   opts.Config,
		logger:   opts.Logger,
		now:      time.Now,
	}, nil
}

// Cache exposes the credential cache for the reconciler.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// Locks exposes the per-instance locks for the reconciler.
func (m *Manager) Locks() *InstanceLocks {
	return m.locks
}

// Authenticate resolves a live bearer token for an instance: cache fast
// path, store lookup, and refresh with write-back when needed. Failures are
// structured; RequiresReauth reports whether the tenant must redo the OAuth
// consent flow.
func (m *Manager) Authenticate(ctx context.Context, instanceID string) (*AuthResult, error) {
	if instanceID == "" {
		return nil, errors.ValidationError("instance id is required")
	}

	// Fast path outside the lock. The cache is internally synchronized and
	// the usage-stat bump happens off the critical path of other callers.
	if cred := m.cache.Get(instanceID); cred != nil && cred.FreshAt(m.now(), m.config.ExpiryBuffer) {
		m.metrics.RecordCacheHit()
		return &AuthResult{BearerToken: cred.BearerToken, OwnerUserID: cred.OwnerUserID, Source: "cache"}, nil
	}
	m.metrics.RecordCacheMiss()

	unlock := m.locks.Lock(instanceID)
	defer unlock()

	// A concurrent holder may have refreshed while we waited for the lock;
	// serving its result is what makes refreshes single-flight. That serve
	// is a cache hit, it just paid for the lock first.
	if cred := m.cache.Get(instanceID); cred != nil && cred.FreshAt(m.now(), m.config.ExpiryBuffer) {
		m.metrics.RecordCacheHit()
		return &AuthResult{BearerToken: cred.BearerToken, OwnerUserID: cred.OwnerUserID, Source: "cache"}, nil
	}

	inst, err := m.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if inst.Status != storage.InstanceActive {
		m.cache.Remove(instanceID)
		m.recordValidate(ctx, inst, false, fmt.Sprintf("instance is %s", inst.Status))
		return nil, errors.ForbiddenError(fmt.Sprintf("instance is %s", inst.Status)).
			WithContext("instance_id", instanceID).
			WithContext("requires_reauth", false)
	}

	if inst.AccessToken != "" && m.instanceTokenFresh(inst, m.now()) {
		cred := credentialFromInstance(inst, m.now())
		m.cache.Put(instanceID, cred)
		m.recordValidate(ctx, inst, true, "")
		return &AuthResult{BearerToken: cred.BearerToken, OwnerUserID: cred.OwnerUserID, Source: "store"}, nil
	}

	refreshToken := inst.RefreshToken
	if refreshToken == "" {
		if cred := m.cache.Peek(instanceID); cred != nil {
			refreshToken = cred.RefreshToken
		}
	}
	if refreshToken == "" {
		m.markReauthRequired(ctx, instanceID)
		m.recordValidate(ctx, inst, false, "no refresh token available")
		return nil, errors.ForbiddenError("no usable credentials; re-authentication required").
			WithContext("instance_id", instanceID).
			WithContext("requires_reauth", true)
	}

	cred, source, err := m.refresh(ctx, inst, refreshToken)
	if err != nil {
		return nil, err
	}
	return &AuthResult{BearerToken: cred.BearerToken, OwnerUserID: cred.OwnerUserID, Source: source}, nil
}

// Invalidate evicts an instance's cached credential, e.g. after a status
// change observed elsewhere.
func (m *Manager) Invalidate(instanceID string) {
	m.cache.Remove(instanceID)
}

// loadInstance reads the instance through the negative-lookup cache.
func (m *Manager) loadInstance(ctx context.Context, instanceID string) (*storage.Instance, error) {
	if m.negative != nil {
		if _, found := m.negative.Get(ctx, negativeKey(instanceID)); found {
			return nil, errors.NotFoundError("instance").WithContext("instance_id", instanceID)
		}
	}

	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.IsType(err, errors.ErrTypeNotFound) {
			m.cache.Remove(instanceID)
			if m.negative != nil {
				if cerr := m.negative.Set(ctx, negativeKey(instanceID), true, m.config.NegativeTTL); cerr != nil {
					m.logger.Debug("Failed to store negative lookup",
						logging.Field{Key: "instance_id", Value: instanceID},
						logging.Field{Key: "error", Value: cerr.Error()})
				}
			}
		}
		return nil, err
	}
	return inst, nil
}

// refresh mints a new access token and writes it through to cache and store
// under optimistic locking. Returns the resulting credential and which path
// produced it.
func (m *Manager) refresh(ctx context.Context, inst *storage.Instance, refreshToken string) (*CachedCredential, string, error) {
	req := &provider.RefreshRequest{
		InstanceID:   inst.ID,
		RefreshToken: refreshToken,
		ClientID:     inst.ClientID,
		ClientSecret: inst.ClientSecret,
		TokenURL:     inst.TokenURL,
		Scope:        inst.Scope,
	}

	token, method, cls, err := m.callProvider(ctx, inst, req)
	if err != nil {
		if cls.RequiresReauth {
			m.markReauthRequired(ctx, inst.ID)
			failure := errors.ForbiddenError(cls.UserMessage).
				WithCode(string(cls.Kind)).
				WithContext("instance_id", inst.ID).
				WithContext("requires_reauth", true)
			failure.Cause = err
			return nil, "", failure
		}

		// Transient: leave stored credentials untouched so the next caller
		// can retry naturally.
		failure := errors.UpstreamError(cls.UserMessage, err).
			WithCode(string(cls.Kind)).
			WithContext("instance_id", inst.ID).
			WithContext("requires_reauth", false).
			WithContext("should_retry", cls.ShouldRetry)
		return nil, "", failure
	}

	updated, err := m.persistRefresh(ctx, inst, token, refreshToken)
	if err != nil {
		return nil, "", err
	}

	cred := credentialFromInstance(updated, m.now())
	m.cache.Put(inst.ID, cred)
	return cred, method, nil
}

// callProvider runs the primary refresh path and, when the failure is
// classified as retryable (an upstream problem, not a credential one), the
// fallback path once. Each attempt emits one audit entry and one metrics
// observation.
func (m *Manager) callProvider(ctx context.Context, inst *storage.Instance, req *provider.RefreshRequest) (*provider.Token, string, Classification, error) {
	token, err := m.attemptRefresh(ctx, inst, m.primary, provider.MethodPrimary, req)
	if err == nil {
		return token, provider.MethodPrimary, Classification{}, nil
	}

	cls := Classify(err)
	logging.At(m.logger.WithContext(ctx), cls.Severity, "Primary refresh failed", err,
		logging.Field{Key: "instance_id", Value: inst.ID},
		logging.Field{Key: "kind", Value: string(cls.Kind)},
		logging.Field{Key: "client", Value: m.primary.Name()},
		logging.Field{Key: "error", Value: err.Error()})

	if cls.ShouldRetry && m.fallback != nil {
		token, fbErr := m.attemptRefresh(ctx, inst, m.fallback, provider.MethodFallback, req)
		if fbErr == nil {
			return token, provider.MethodFallback, Classification{}, nil
		}
		cls = Classify(fbErr)
		err = fbErr
	}

	return nil, "", cls, err
}

func (m *Manager) attemptRefresh(ctx context.Context, inst *storage.Instance, client provider.Client, method string, req *provider.RefreshRequest) (*provider.Token, error) {
	rctx, cancel := context.WithTimeout(ctx, m.config.RefreshTimeout)
	defer cancel()

	start := time.Now()
	token, err := client.Refresh(rctx, req)
	latency := time.Since(start)

	m.metrics.RecordRefresh(inst.ID, method, err == nil, latency)

	entry := &storage.AuditEntry{
		ID:         utils.GenerateAuditID(),
		InstanceID: inst.ID,
		Operation:  "refresh",
		Status:     "success",
		Method:     method,
		Metadata:   map[string]string{"client": client.Name(), "owner_user_id": inst.OwnerUserID},
		CreatedAt:  m.now(),
	}
	if err != nil {
		cls := Classify(err)
		entry.Status = "failure"
		entry.ErrorKind = string(cls.Kind)
		entry.ErrorMessage = err.Error()
	}
	m.audit.Record(ctx, entry)

	return token, err
}

// persistRefresh writes the new token material conditioned on the version
// observed at load time, retrying the conflict case with backoff and jitter.
// Each retry reloads the current row; if a concurrent writer already
// committed a fresh token, that token is adopted instead of overwritten.
func (m *Manager) persistRefresh(ctx context.Context, inst *storage.Instance, token *provider.Token, usedRefreshToken string) (*storage.Instance, error) {
	expiresAt := m.now().Add(m.tokenLifetime(token))

	newRefreshToken := token.RefreshToken
	if newRefreshToken == "" {
		newRefreshToken = usedRefreshToken
	}

	update := storage.CredentialUpdate{
		AccessToken:  token.AccessToken,
		RefreshToken: newRefreshToken,
		ExpiresAt:    &expiresAt,
		Scope:        token.Scope,
		OAuthStatus:  storage.OAuthCompleted,
	}

	current := inst
	var result *storage.Instance

	retryCfg := utils.RetryConfig{
		MaxAttempts:   m.config.MaxWriteRetries,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.2,
		RetryableErrors: func(err error) bool {
			return errors.IsType(err, errors.ErrTypeConflict)
		},
	}

	err := utils.RetryWithBackoff(ctx, retryCfg, func() error {
		updated, err := m.store.UpdateInstanceCredentials(ctx, current.ID, update, current.Version)
		if err == nil {
			result = updated
			return nil
		}

		if !errors.IsType(err, errors.ErrTypeConflict) {
			return err
		}

		reloaded, loadErr := m.store.GetInstance(ctx, current.ID)
		if loadErr != nil {
			return loadErr
		}

		// A concurrent refresh won the race. If its token is usable, serve
		// it rather than clobbering a possibly rotated refresh token.
		if reloaded.AccessToken != "" && m.instanceTokenFresh(reloaded, m.now()) {
			result = reloaded
			return nil
		}

		current = reloaded
		return err
	})

	if err != nil {
		if utils.IsRetriesExhausted(err) {
			exhausted := errors.ConflictError("credential write lost every optimistic-locking retry").
				WithCode("LOCK_RETRIES_EXHAUSTED").
				WithContext("instance_id", inst.ID).
				WithContext("attempts", m.config.MaxWriteRetries)
			exhausted.Cause = err
			return nil, exhausted
		}
		return nil, err
	}

	return result, nil
}

// markReauthRequired persists oauthStatus=failed and clears the access token
// while preserving the refresh token for manual retry. Best effort: a store
// failure here is logged, the cache eviction still happens.
func (m *Manager) markReauthRequired(ctx context.Context, instanceID string) {
	if err := m.store.SetOAuthStatus(ctx, instanceID, storage.OAuthFailed, true); err != nil {
		m.logger.Error("Failed to mark instance for re-authentication", err,
			logging.Field{Key: "instance_id", Value: instanceID})
	}
	m.cache.Remove(instanceID)
}

func (m *Manager) recordValidate(ctx context.Context, inst *storage.Instance, success bool, message string) {
	m.metrics.RecordValidate(inst.ID, success)

	entry := &storage.AuditEntry{
		ID:         utils.GenerateAuditID(),
		InstanceID: inst.ID,
		Operation:  "validate",
		Status:     "success",
		Metadata:   map[string]string{"owner_user_id": inst.OwnerUserID},
		CreatedAt:  m.now(),
	}
	if !success {
		entry.Status = "failure"
		entry.ErrorMessage = message
	}
	m.audit.Record(ctx, entry)
}

// instanceTokenFresh applies the freshness buffer to a persisted expiry. A
// nil expiry on a stored token means non-expiring (set only by provisioning;
// refreshes always write an expiry).
func (m *Manager) instanceTokenFresh(inst *storage.Instance, now time.Time) bool {
	if inst.TokenExpiresAt == nil {
		return true
	}
	return inst.TokenExpiresAt.After(now.Add(m.config.ExpiryBuffer))
}

func (m *Manager) tokenLifetime(token *provider.Token) time.Duration {
	if token.ExpiresIn > 0 {
		return time.Duration(token.ExpiresIn) * time.Second
	}
	return m.config.DefaultTokenTTL
}

func credentialFromInstance(inst *storage.Instance, now time.Time) *CachedCredential {
	cred := &CachedCredential{
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

func negativeKey(instanceID string) string {
	return "negative:" + instanceID
}

// RequiresReauth reports whether an Authenticate failure means the tenant
// must redo the OAuth consent flow.
func RequiresReauth(err error) bool {
	appErr, ok := err.(*errors.AppError)
	if !ok {
		return false
	}
	required, _ := appErr.Context["requires_reauth"].(bool)
	return required
}

// UserMessage extracts the user-facing message from an Authenticate failure,
// falling back to the raw error text.
func UserMessage(err error) string {
	if appErr, ok := err.(*errors.AppError); ok {
		return appErr.Message
	}
	return err.Error()
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, *storage.AuditEntry) {}

type nopMetrics struct{}

func (nopMetrics) RecordCacheHit()                                       {}
func (nopMetrics) RecordCacheMiss()                                      {}
func (nopMetrics) RecordRefresh(string, string, bool, time.Duration)     {}
func (nopMetrics) RecordValidate(string, bool)                           {}
