package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credential-broker/internal/common/errors"
	"credential-broker/internal/credentials"
	"credential-broker/internal/metrics"
	"credential-broker/internal/provider"
	"credential-broker/internal/redis"
	"credential-broker/internal/storage"
	"credential-broker/internal/testutil"
)

type apiEnv struct {
	store    *testutil.FakeStore
	primary  *testutil.FakeProvider
	metrics  *metrics.Collector
	handlers *Handlers
	router   *mux.Router
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	e := &apiEnv{
		store:   testutil.NewFakeStore(),
		primary: &testutil.FakeProvider{ClientName: "relay"},
		metrics: metrics.NewCollector(),
	}

	manager, err := credentials.NewManager(credentials.ManagerOptions{
		Store:   e.store,
		Primary: e.primary,
		Metrics: e.metrics,
	})
	require.NoError(t, err)

	e.handlers = New(manager, e.metrics, e.store, nil, nil)

	e.router = mux.NewRouter()
	api := e.router.PathPrefix("/api").Subrouter()
	e.handlers.RegisterRoutes(api)
	e.router.HandleFunc("/api/health", e.handlers.HealthCheck).Methods("GET")
	return e
}

func expiry(d time.Duration) *time.Time {
	t := time.Now().Add(d)
	return &t
}

func seedActive(e *apiEnv, id string) {
	e.store.Seed(&storage.Instance{
		ID:             id,
		OwnerUserID:    "user-1",
		Status:         storage.InstanceActive,
		OAuthStatus:    storage.OAuthCompleted,
		AccessToken:    "at-stored",
		RefreshToken:   "rt-stored",
		TokenExpiresAt: expiry(time.Hour),
		ClientID:       "client",
		ClientSecret:   "secret",
		TokenURL:       "https://idp.example.com/token",
		Version:        1,
	})
}

func (e *apiEnv) do(method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestAuthenticate_Success(t *testing.T) {
	e := newAPIEnv(t)
	seedActive(e, "inst-1")

	rec := e.do(http.MethodPost, "/api/instances/inst-1/authenticate")
	require.Equal(t, http.StatusOK, rec.Code)

	var body AuthenticateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "inst-1", body.InstanceID)
	assert.Equal(t, "at-stored", body.BearerToken)
	assert.Equal(t, "user-1", body.OwnerUserID)
	assert.Equal(t, "store", body.Source)
}

func TestAuthenticate_NotFound(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(http.MethodPost, "/api/instances/inst-gone/authenticate")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["requires_reauth"])
}

func TestAuthenticate_ReauthRequired(t *testing.T) {
	e := newAPIEnv(t)
	seedActive(e, "inst-1")

	inst := e.store.Instance("inst-1")
	inst.TokenExpiresAt = expiry(-time.Minute)
	e.store.Seed(inst)

	e.primary.Err = errors.AuthError("token refresh rejected").
		WithContext("oauth_error", "invalid_grant").
		WithContext("status_code", 400)

	rec := e.do(http.MethodPost, "/api/instances/inst-1/authenticate")
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["requires_reauth"])
	assert.Equal(t, string(credentials.KindInvalidRefreshToken), body["code"])
	assert.NotContains(t, rec.Body.String(), "rt-stored")
}

func TestAuthenticate_UpstreamDown(t *testing.T) {
	e := newAPIEnv(t)
	seedActive(e, "inst-1")

	inst := e.store.Instance("inst-1")
	inst.TokenExpiresAt = expiry(-time.Minute)
	e.store.Seed(inst)

	e.primary.Err = errors.UpstreamError("relay returned 503", nil).
		WithContext("status_code", 503)

	rec := e.do(http.MethodPost, "/api/instances/inst-1/authenticate")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["requires_reauth"])
}

func TestInvalidateCache(t *testing.T) {
	e := newAPIEnv(t)
	seedActive(e, "inst-1")

	rec := e.do(http.MethodPost, "/api/instances/inst-1/authenticate")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, e.handlers.manager.Cache().Peek("inst-1"))

	rec = e.do(http.MethodDelete, "/api/instances/inst-1/cache")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, e.handlers.manager.Cache().Peek("inst-1"))
}

func TestGetAudit(t *testing.T) {
	e := newAPIEnv(t)
	seedActive(e, "inst-1")

	inst := e.store.Instance("inst-1")
	inst.TokenExpiresAt = expiry(-time.Minute)
	e.store.Seed(inst)
	e.primary.Tokens = []*provider.Token{{AccessToken: "at-new", ExpiresIn: 3600}}

	rec := e.do(http.MethodPost, "/api/instances/inst-1/authenticate")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodGet, "/api/instances/inst-1/audit")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		InstanceID string                 `json:"instance_id"`
		Entries    []*storage.AuditEntry  `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "inst-1", body.InstanceID)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "refresh", body.Entries[0].Operation)
	assert.Equal(t, "success", body.Entries[0].Status)
}

func TestGetAudit_InvalidLimit(t *testing.T) {
	e := newAPIEnv(t)
	rec := e.do(http.MethodGet, "/api/instances/inst-1/audit?limit=banana")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAudit_Empty(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(http.MethodGet, "/api/instances/inst-1/audit")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"entries":[]`)
}

func TestGetMetrics(t *testing.T) {
	e := newAPIEnv(t)
	e.metrics.RecordRefresh("inst-1", provider.MethodPrimary, true, 100*time.Millisecond)

	rec := e.do(http.MethodGet, "/api/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.Refreshes)
	assert.Equal(t, metrics.HealthHealthy, snap.Health)
}

func TestHealthCheck_Healthy(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, metrics.HealthHealthy, body["status"])

	components := body["components"].(map[string]interface{})
	assert.Equal(t, "ok", components["store"])
	assert.NotContains(t, components, "redis")
}

type downStore struct {
	*testutil.FakeStore
}

func (d *downStore) Health() error {
	return errors.ConnectionError("store down", nil)
}

func TestHealthCheck_StoreDown(t *testing.T) {
	e := newAPIEnv(t)
	e.handlers.store = &downStore{FakeStore: e.store}

	rec := e.do(http.MethodGet, "/api/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, metrics.HealthUnhealthy, body["status"])
}

func TestHealthCheck_SnapshotCachedInRedis(t *testing.T) {
	e := newAPIEnv(t)

	mr := miniredis.RunT(t)
	redisClient, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	defer redisClient.Close()
	e.handlers.redis = redisClient

	rec := e.do(http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	// the store goes down, but the cached snapshot still serves
	e.handlers.store = &downStore{FakeStore: e.store}

	rec = e.do(http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	// once the snapshot expires the probe runs again and sees the outage
	mr.FastForward(10 * time.Second)

	rec = e.do(http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthCheck_DegradedRefreshStays200(t *testing.T) {
	e := newAPIEnv(t)

	// 75% success rate lands in the degraded band
	for i := 0; i < 3; i++ {
		e.metrics.RecordRefresh("inst-1", provider.MethodPrimary, true, 100*time.Millisecond)
	}
	e.metrics.RecordRefresh("inst-1", provider.MethodPrimary, false, 100*time.Millisecond)

	rec := e.do(http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, metrics.HealthDegraded, body["status"])
}
