// Package storage defines the durable store for provider instances and the
// audit log, with pluggable backends selected through a registry.
package storage

import (
	"context"
	"time"
)

// InstanceStatus is the lifecycle state of a provider instance.
type InstanceStatus string

const (
	InstanceActive   InstanceStatus = "active"
	InstanceInactive InstanceStatus = "inactive"
	InstanceExpired  InstanceStatus = "expired"
)

// OAuthStatus tracks the state of an instance's OAuth consent flow.
type OAuthStatus string

const (
	OAuthPending   OAuthStatus = "pending"
	OAuthCompleted OAuthStatus = "completed"
	OAuthFailed    OAuthStatus = "failed"
)

// Instance is one tenant's configured connection to an external provider,
// including its OAuth app credentials and current token material.
//
// Version increases monotonically on every successful credential update and
// drives optimistic concurrency control: a write conditioned on a stale
// version fails atomically with a conflict instead of partially applying.
type Instance struct {
	ID          string         `json:"id"`
	OwnerUserID string         `json:"owner_user_id"`
	Provider    string         `json:"provider"`
	Status      InstanceStatus `json:"status"`
	OAuthStatus OAuthStatus    `json:"oauth_status"`

	AccessToken    string     `json:"-"`
	RefreshToken   string     `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	Scope          string     `json:"scope,omitempty"`

	ClientID     string `json:"-"`
	ClientSecret string `json:"-"`
	TokenURL     string `json:"-"`

	Version              int64     `json:"version"`
	CredentialsUpdatedAt time.Time `json:"credentials_updated_at"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// HasUsableTokens reports whether the instance holds any token material a
// caller could authenticate with.
func (i *Instance) HasUsableTokens() bool {
	return i.AccessToken != "" || i.RefreshToken != ""
}

// CredentialUpdate carries the fields written back after a successful refresh.
// A nil ExpiresAt means the provider reported a non-expiring token.
type CredentialUpdate struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scope        string
	OAuthStatus  OAuthStatus
}

// AuditEntry is an append-only record of one refresh or validate attempt.
// Entries are immutable once written; only the retention sweep removes them.
type AuditEntry struct {
	ID           string            `json:"id"`
	InstanceID   string            `json:"instance_id"`
	Operation    string            `json:"operation"` // refresh|validate
	Status       string            `json:"status"`    // success|failure
	Method       string            `json:"method,omitempty"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// AuditSink is the subset of Store the audit logger needs. Implementations
// must treat a missing audit table as a non-fatal condition.
type AuditSink interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
}

// Store is the durable credential store consumed by the credential manager
// and the reconciler. The manager has read/update rights on instances, not
// exclusive ownership; provisioning and billing subsystems read the same rows.
type Store interface {
	// Connection management
	Connect(config StorageConfig) error
	Close() error
	Health() error

	// Instances
	// CreateInstance inserts a newly provisioned instance at version 1.
	CreateInstance(ctx context.Context, inst *Instance) error

	// GetInstance returns the instance or a not_found error.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// UpdateInstanceCredentials applies update if and only if the stored
	// version equals expectedVersion, incrementing the version and bumping
	// credentials_updated_at. A stale expectedVersion yields a conflict
	// error and no mutation.
	UpdateInstanceCredentials(ctx context.Context, id string, update CredentialUpdate, expectedVersion int64) (*Instance, error)

	// SetOAuthStatus flips the OAuth consent state. When clearAccessToken is
	// true the access token is wiped (the refresh token is always retained
	// for manual retry). This write is unconditional: it must land even when
	// racing a concurrent refresh, since it marks the credential unusable.
	SetOAuthStatus(ctx context.Context, id string, status OAuthStatus, clearAccessToken bool) error

	// SetInstanceStatus flips the instance lifecycle state.
	SetInstanceStatus(ctx context.Context, id string, status InstanceStatus) error

	// Audit log
	AuditSink
	ListAudit(ctx context.Context, instanceID string, limit int) ([]*AuditEntry, error)
	PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// StorageConfig is an opaque backend-specific configuration blob.
type StorageConfig interface {
	Validate() error
	Type() string
}

// GenericConfig is a loosely typed config used by the factory layer.
type GenericConfig map[string]interface{}

func (c GenericConfig) Validate() error { return nil }
func (c GenericConfig) Type() string    { return "generic" }

// GetString returns a string value from the config, or def when absent.
func (c GenericConfig) GetString(key, def string) string {
	if v, ok := c[key].(string); ok && v != "" {
		return v
	}
	return def
}

// StorageFactory creates a connected Store from configuration.
type StorageFactory interface {
	Create(config StorageConfig) (Store, error)
}
