// Package handlers implements the management API: authentication against an
// instance's credentials, health, metrics, and the audit trail.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"credential-broker/internal/common/errors"
	"credential-broker/internal/common/logging"
	"credential-broker/internal/credentials"
	"credential-broker/internal/metrics"
	"credential-broker/internal/redis"
	"credential-broker/internal/storage"
)

type Handlers struct {
	manager *credentials.Manager
	metrics *metrics.Collector
	store   storage.Store
	redis   *redis.Client
	logger  logging.Logger
}

// New wires the management API over the credential manager. redisClient may
// be nil when the broker runs with the local cache only.
func New(manager *credentials.Manager, collector *metrics.Collector, store storage.Store, redisClient *redis.Client, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Handlers{
		manager: manager,
		metrics: collector,
		store:   store,
		redis:   redisClient,
		logger:  logger,
	}
}

// RegisterRoutes mounts all API routes on the router. The caller applies
// auth middleware to the returned subrouter as needed.
func (h *Handlers) RegisterRoutes(api *mux.Router) {
	api.HandleFunc("/instances/{id}/authenticate", h.Authenticate).Methods("POST")
	api.HandleFunc("/instances/{id}/cache", h.InvalidateCache).Methods("DELETE")
	api.HandleFunc("/instances/{id}/audit", h.GetAudit).Methods("GET")
	api.HandleFunc("/metrics", h.GetMetrics).Methods("GET")
}

// AuthenticateResponse is the success body of the authenticate endpoint.
type AuthenticateResponse struct {
	InstanceID  string `json:"instance_id"`
	BearerToken string `json:"bearer_token"`
	OwnerUserID string `json:"owner_user_id"`
	Source      string `json:"source"`
}

// Authenticate returns a usable bearer token for the instance, refreshing
// through the provider when the cached and stored tokens are stale.
func (h *Handlers) Authenticate(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["id"]

	result, err := h.manager.Authenticate(r.Context(), instanceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, AuthenticateResponse{
		InstanceID:  instanceID,
		BearerToken: result.BearerToken,
		OwnerUserID: result.OwnerUserID,
		Source:      result.Source,
	})
}

// InvalidateCache evicts an instance's cached credential, for operators who
// rotated its secrets out of band and need the next authenticate to hit the
// store.
func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	h.manager.Invalidate(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

// GetAudit returns the most recent audit entries for an instance, newest
// first. The limit query parameter caps the result, default 50, max 500.
func (h *Handlers) GetAudit(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["id"]

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, r, errors.ValidationError("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > 500 {
		limit = 500
	}

	entries, err := h.store.ListAudit(r.Context(), instanceID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*storage.AuditEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instance_id": instanceID,
		"entries":     entries,
	})
}

// GetMetrics returns the refresh counters and the computed health state.
func (h *Handlers) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

// healthSnapshotKey caches the computed health body in Redis so replicas
// behind one load balancer don't each re-probe the store on every poll.
const (
	healthSnapshotKey = "health:snapshot"
	healthSnapshotTTL = 5 * time.Second
)

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

// HealthCheck reports overall service health. The store must be reachable;
// refresh health comes from the metrics collector. Returns 503 when the
// store is down or refresh health is unhealthy.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.redis != nil {
		var cached healthResponse
		if err := h.redis.GetJSON(r.Context(), healthSnapshotKey, &cached); err == nil {
			writeJSON(w, healthStatusCode(cached.Status), cached)
			return
		}
	}

	components := map[string]string{}

	storeHealthy := true
	if err := h.store.Health(); err != nil {
		storeHealthy = false
		components["store"] = "unreachable"
	} else {
		components["store"] = "ok"
	}

	if h.redis != nil {
		if err := h.redis.Health(); err != nil {
			components["redis"] = "unreachable"
		} else {
			components["redis"] = "ok"
		}
	}

	snapshot := h.metrics.Snapshot()
	components["refresh"] = snapshot.Health

	status := snapshot.Health
	if !storeHealthy {
		status = metrics.HealthUnhealthy
	}

	body := healthResponse{
		Status:     status,
		Components: components,
		Timestamp:  time.Now().UTC(),
	}

	if h.redis != nil {
		h.redis.Set(r.Context(), healthSnapshotKey, body, healthSnapshotTTL)
	}

	writeJSON(w, healthStatusCode(status), body)
}

func healthStatusCode(status string) int {
	if status == metrics.HealthUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// errorResponse is the JSON envelope for all API errors. Token material and
// client secrets never appear in it.
type errorResponse struct {
	Error          string `json:"error"`
	Code           string `json:"code,omitempty"`
	RequiresReauth bool   `json:"requires_reauth"`
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)

	body := errorResponse{
		Error:          credentials.UserMessage(err),
		RequiresReauth: credentials.RequiresReauth(err),
	}
	if appErr, ok := err.(*errors.AppError); ok {
		body.Code = appErr.Code
	}

	if status >= 500 {
		fields := []logging.Field{
			{Key: "path", Value: r.URL.Path},
			{Key: "status", Value: status},
		}
		if requestID, ok := r.Context().Value("request_id").(string); ok {
			fields = append(fields, logging.Field{Key: "request_id", Value: requestID})
		}
		h.logger.Error("Request failed", err, fields...)
	}

	writeJSON(w, status, body)
}

func statusForError(err error) int {
	switch errors.GetType(err) {
	case errors.ErrTypeValidation:
		return http.StatusBadRequest
	case errors.ErrTypeAuth:
		return http.StatusUnauthorized
	case errors.ErrTypeForbidden:
		return http.StatusForbidden
	case errors.ErrTypeNotFound:
		return http.StatusNotFound
	case errors.ErrTypeConflict:
		return http.StatusConflict
	case errors.ErrTypeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrTypeConnection, errors.ErrTypeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
