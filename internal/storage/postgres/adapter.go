// Package postgres implements the durable credential store on PostgreSQL
// using pgx. Credential updates use a version-conditioned UPDATE so that
// optimistic-locking conflicts surface as typed errors instead of lost writes.
package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"credential-broker/internal/common/errors"
	"credential-broker/internal/common/logging"
	"credential-broker/internal/crypto"
	"credential-broker/internal/storage"
)

const connectTimeout = 10 * time.Second

// Adapter is the PostgreSQL-backed storage.Store implementation
type Adapter struct {
	pool      *pgxpool.Pool
	encryptor *crypto.TokenEncryptor
	config    *Config
}

// NewAdapter creates an unconnected adapter; call Connect before use
func NewAdapter() *Adapter {
	return &Adapter{}
}

// Connect establishes the connection pool and initializes the schema
func (a *Adapter) Connect(config storage.StorageConfig) error {
	cfg, err := asConfig(config)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.config = cfg

	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewTokenEncryptor(cfg.EncryptionKey)
		if err != nil {
			return err
		}
		a.encryptor = enc
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return errors.ConnectionError("failed to create postgres pool", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return errors.ConnectionError("failed to ping postgres", err)
	}

	a.pool = pool
	return a.initSchema(ctx)
}

func asConfig(config storage.StorageConfig) (*Config, error) {
	switch c := config.(type) {
	case *Config:
		return c, nil
	case storage.GenericConfig:
		return &Config{
			Host:          c.GetString("host", ""),
			Port:          c.GetString("port", "5432"),
			Database:      c.GetString("database", ""),
			Username:      c.GetString("username", ""),
			Password:      c.GetString("password", ""),
			SSLMode:       c.GetString("sslmode", "disable"),
			EncryptionKey: c.GetString("encryption_key", ""),
		}, nil
	default:
		return nil, errors.ConfigError("unsupported config type for postgres storage")
	}
}

func (a *Adapter) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		oauth_status TEXT NOT NULL DEFAULT 'pending',
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		token_expires_at TIMESTAMPTZ,
		scope TEXT NOT NULL DEFAULT '',
		client_id TEXT NOT NULL DEFAULT '',
		client_secret TEXT NOT NULL DEFAULT '',
		token_url TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL DEFAULT 1,
		credentials_updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS credential_audit_log (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		status TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_audit_instance_created
		ON credential_audit_log (instance_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_created
		ON credential_audit_log (created_at);
	`

	if _, err := a.pool.Exec(ctx, schema); err != nil {
		return errors.InternalError("failed to initialize postgres schema", err)
	}
	return nil
}

// Close releases the connection pool
func (a *Adapter) Close() error {
	if a.pool != nil {
		a.pool.Close()
	}
	return nil
}

// Health checks database connectivity
func (a *Adapter) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.pool.Ping(ctx)
}

const instanceColumns = `id, owner_user_id, provider, status, oauth_status,
	access_token, refresh_token, token_expires_at, scope,
	client_id, client_secret, token_url,
	version, credentials_updated_at, created_at, updated_at`

func (a *Adapter) scanInstance(row pgx.Row) (*storage.Instance, error) {
	var inst storage.Instance
	err := row.Scan(
		&inst.ID, &inst.OwnerUserID, &inst.Provider, &inst.Status, &inst.OAuthStatus,
		&inst.AccessToken, &inst.RefreshToken, &inst.TokenExpiresAt, &inst.Scope,
		&inst.ClientID, &inst.ClientSecret, &inst.TokenURL,
		&inst.Version, &inst.CredentialsUpdatedAt, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := a.decryptInstance(&inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (a *Adapter) encrypt(val string) (string, error) {
	if a.encryptor == nil {
		return val, nil
	}
	return a.encryptor.Encrypt(val)
}

func (a *Adapter) decrypt(val string) (string, error) {
	if a.encryptor == nil {
		return val, nil
	}
	return a.encryptor.Decrypt(val)
}

func (a *Adapter) decryptInstance(inst *storage.Instance) error {
	var err error
	if inst.AccessToken, err = a.decrypt(inst.AccessToken); err != nil {
		return errors.InternalError("failed to decrypt access token", err)
	}
	if inst.RefreshToken, err = a.decrypt(inst.RefreshToken); err != nil {
		return errors.InternalError("failed to decrypt refresh token", err)
	}
	if inst.ClientSecret, err = a.decrypt(inst.ClientSecret); err != nil {
		return errors.InternalError("failed to decrypt client secret", err)
	}
	return nil
}

// CreateInstance inserts a newly provisioned instance at version 1
func (a *Adapter) CreateInstance(ctx context.Context, inst *storage.Instance) error {
	accessToken, err := a.encrypt(inst.AccessToken)
	if err != nil {
		return errors.InternalError("failed to encrypt access token", err)
	}
	refreshToken, err := a.encrypt(inst.RefreshToken)
	if err != nil {
		return errors.InternalError("failed to encrypt refresh token", err)
	}
	clientSecret, err := a.encrypt(inst.ClientSecret)
	if err != nil {
		return errors.InternalError("failed to encrypt client secret", err)
	}

	status := inst.Status
	if status == "" {
		status = storage.InstanceActive
	}
	oauthStatus := inst.OAuthStatus
	if oauthStatus == "" {
		oauthStatus = storage.OAuthPending
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO instances (
			id, owner_user_id, provider, status, oauth_status,
			access_token, refresh_token, token_expires_at, scope,
			client_id, client_secret, token_url, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)`,
		inst.ID, inst.OwnerUserID, inst.Provider, status, oauthStatus,
		accessToken, refreshToken, inst.TokenExpiresAt, inst.Scope,
		inst.ClientID, clientSecret, inst.TokenURL,
	)
	if err != nil {
		return errors.InternalError("failed to create instance", err)
	}
	inst.Version = 1
	return nil
}

// GetInstance returns the instance or a not_found error
func (a *Adapter) GetInstance(ctx context.Context, id string) (*storage.Instance, error) {
	row := a.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)

	inst, err := a.scanInstance(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFoundError("instance").WithContext("instance_id", id)
	}
	if err != nil {
		return nil, errors.InternalError("failed to load instance", err)
	}
	return inst, nil
}

// UpdateInstanceCredentials applies a versioned credential write. The UPDATE
// is conditioned on the expected version; zero rows affected means either the
// instance vanished or a concurrent writer won, and the two cases are told
// apart with a follow-up read.
func (a *Adapter) UpdateInstanceCredentials(ctx context.Context, id string, update storage.CredentialUpdate, expectedVersion int64) (*storage.Instance, error) {
	accessToken, err := a.encrypt(update.AccessToken)
	if err != nil {
		return nil, errors.InternalError("failed to encrypt access token", err)
	}
	refreshToken, err := a.encrypt(update.RefreshToken)
	if err != nil {
		return nil, errors.InternalError("failed to encrypt refresh token", err)
	}

	row := a.pool.QueryRow(ctx, `
		UPDATE instances SET
			access_token = $1,
			refresh_token = $2,
			token_expires_at = $3,
			scope = $4,
			oauth_status = COALESCE(NULLIF($5, ''), oauth_status),
			version = version + 1,
			credentials_updated_at = now(),
			updated_at = now()
		WHERE id = $6 AND version = $7
		RETURNING `+instanceColumns,
		accessToken, refreshToken, update.ExpiresAt, update.Scope,
		string(update.OAuthStatus), id, expectedVersion,
	)

	inst, err := a.scanInstance(row)
	if err == pgx.ErrNoRows {
		return nil, a.classifyUpdateMiss(ctx, id, expectedVersion)
	}
	if err != nil {
		return nil, errors.InternalError("failed to update instance credentials", err)
	}
	return inst, nil
}

func (a *Adapter) classifyUpdateMiss(ctx context.Context, id string, expectedVersion int64) error {
	var currentVersion int64
	err := a.pool.QueryRow(ctx,
		`SELECT version FROM instances WHERE id = $1`, id).Scan(&currentVersion)
	if err == pgx.ErrNoRows {
		return errors.NotFoundError("instance").WithContext("instance_id", id)
	}
	if err != nil {
		return errors.InternalError("failed to inspect instance version", err)
	}
	return errors.ConflictError("instance version changed since read").
		WithContext("instance_id", id).
		WithContext("expected_version", expectedVersion).
		WithContext("current_version", currentVersion)
}

// SetOAuthStatus flips the consent state; clearing the access token bumps the
// version so concurrent refresh writers observe the change as a conflict
func (a *Adapter) SetOAuthStatus(ctx context.Context, id string, status storage.OAuthStatus, clearAccessToken bool) error {
	tag, err := a.pool.Exec(ctx, `
		UPDATE instances SET
			oauth_status = $1,
			access_token = CASE WHEN $2 THEN '' ELSE access_token END,
			version = version + CASE WHEN $2 THEN 1 ELSE 0 END,
			credentials_updated_at = CASE WHEN $2 THEN now() ELSE credentials_updated_at END,
			updated_at = now()
		WHERE id = $3`,
		string(status), clearAccessToken, id,
	)
	if err != nil {
		return errors.InternalError("failed to set oauth status", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundError("instance").WithContext("instance_id", id)
	}
	return nil
}

// SetInstanceStatus flips the instance lifecycle state
func (a *Adapter) SetInstanceStatus(ctx context.Context, id string, status storage.InstanceStatus) error {
	tag, err := a.pool.Exec(ctx,
		`UPDATE instances SET status = $1, updated_at = now() WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return errors.InternalError("failed to set instance status", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundError("instance").WithContext("instance_id", id)
	}
	return nil
}

// AppendAudit inserts an audit entry. A missing audit table is tolerated as
// a no-op so audit writes never fail credential operations during rollout.
func (a *Adapter) AppendAudit(ctx context.Context, entry *storage.AuditEntry) error {
	var metadata []byte
	if len(entry.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.InternalError("failed to marshal audit metadata", err)
		}
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO credential_audit_log (
			id, instance_id, operation, status, method,
			error_kind, error_message, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.InstanceID, entry.Operation, entry.Status, entry.Method,
		entry.ErrorKind, entry.ErrorMessage, metadata, createdAt,
	)
	if err != nil {
		if isUndefinedTable(err) {
			logging.Debug("Audit table not provisioned, dropping entry",
				logging.Field{Key: "instance_id", Value: entry.InstanceID})
			return nil
		}
		return errors.InternalError("failed to append audit entry", err)
	}
	return nil
}

// ListAudit returns the most recent audit entries for an instance
func (a *Adapter) ListAudit(ctx context.Context, instanceID string, limit int) ([]*storage.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := a.pool.Query(ctx, `
		SELECT id, instance_id, operation, status, method,
			error_kind, error_message, metadata, created_at
		FROM credential_audit_log
		WHERE instance_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		instanceID, limit,
	)
	if err != nil {
		return nil, errors.InternalError("failed to list audit entries", err)
	}
	defer rows.Close()

	var entries []*storage.AuditEntry
	for rows.Next() {
		var entry storage.AuditEntry
		var metadata []byte
		if err := rows.Scan(
			&entry.ID, &entry.InstanceID, &entry.Operation, &entry.Status, &entry.Method,
			&entry.ErrorKind, &entry.ErrorMessage, &metadata, &entry.CreatedAt,
		); err != nil {
			return nil, errors.InternalError("failed to scan audit entry", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, errors.InternalError("failed to unmarshal audit metadata", err)
			}
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// PurgeAuditBefore deletes audit entries older than cutoff (retention sweep)
func (a *Adapter) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := a.pool.Exec(ctx,
		`DELETE FROM credential_audit_log WHERE created_at < $1`, cutoff)
	if err != nil {
		if isUndefinedTable(err) {
			return 0, nil
		}
		return 0, errors.InternalError("failed to purge audit entries", err)
	}
	return tag.RowsAffected(), nil
}

// isUndefinedTable reports whether err is Postgres error 42P01 (undefined_table)
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "42P01"
	}
	return strings.Contains(err.Error(), "does not exist")
}

// interface conformance check
var _ storage.Store = (*Adapter)(nil)
