// Package sqlite implements the durable credential store on SQLite for
// single-node deployments and tests. Semantics match the postgres adapter:
// versioned credential writes, tolerant audit appends.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"credential-broker/internal/common/errors"
	"credential-broker/internal/common/logging"
	"credential-broker/internal/crypto"
	"credential-broker/internal/storage"
)

// Adapter is the SQLite-backed storage.Store implementation
type Adapter struct {
	db        *sql.DB
	encryptor *crypto.TokenEncryptor
	config    *Config
}

// NewAdapter creates an unconnected adapter; call Connect before use
func NewAdapter() *Adapter {
	return &Adapter{}
}

// Connect opens the database file and initializes the schema
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

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return errors.ConnectionError("failed to open sqlite database", err)
	}

	// SQLite handles one writer at a time; serialize access through one conn
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return errors.ConnectionError("failed to ping sqlite database", err)
	}

	a.db = db
	return a.initSchema()
}

func asConfig(config storage.StorageConfig) (*Config, error) {
	switch c := config.(type) {
	case *Config:
		return c, nil
	case storage.GenericConfig:
		return &Config{
			Path:          c.GetString("path", ""),
			EncryptionKey: c.GetString("encryption_key", ""),
		}, nil
	default:
		return nil, errors.ConfigError("unsupported config type for sqlite storage")
	}
}

func (a *Adapter) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		oauth_status TEXT NOT NULL DEFAULT 'pending',
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		token_expires_at TIMESTAMP,
		scope TEXT NOT NULL DEFAULT '',
		client_id TEXT NOT NULL DEFAULT '',
		client_secret TEXT NOT NULL DEFAULT '',
		token_url TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		credentials_updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS credential_audit_log (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		status TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_instance_created
		ON credential_audit_log (instance_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_created
		ON credential_audit_log (created_at);
	`

	if _, err := a.db.Exec(schema); err != nil {
		return errors.InternalError("failed to initialize sqlite schema", err)
	}
	return nil
}

// Close closes the database
func (a *Adapter) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// Health checks database connectivity
func (a *Adapter) Health() error {
	return a.db.Ping()
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

const instanceColumns = `id, owner_user_id, provider, status, oauth_status,
	access_token, refresh_token, token_expires_at, scope,
	client_id, client_secret, token_url,
	version, credentials_updated_at, created_at, updated_at`

func (a *Adapter) scanInstance(row *sql.Row) (*storage.Instance, error) {
	var inst storage.Instance
	var expiresAt sql.NullTime
	err := row.Scan(
		&inst.ID, &inst.OwnerUserID, &inst.Provider, &inst.Status, &inst.OAuthStatus,
		&inst.AccessToken, &inst.RefreshToken, &expiresAt, &inst.Scope,
		&inst.ClientID, &inst.ClientSecret, &inst.TokenURL,
		&inst.Version, &inst.CredentialsUpdatedAt, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		inst.TokenExpiresAt = &t
	}

	if inst.AccessToken, err = a.decrypt(inst.AccessToken); err != nil {
		return nil, errors.InternalError("failed to decrypt access token", err)
	}
	if inst.RefreshToken, err = a.decrypt(inst.RefreshToken); err != nil {
		return nil, errors.InternalError("failed to decrypt refresh token", err)
	}
	if inst.ClientSecret, err = a.decrypt(inst.ClientSecret); err != nil {
		return nil, errors.InternalError("failed to decrypt client secret", err)
	}
	return &inst, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
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

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO instances (
			id, owner_user_id, provider, status, oauth_status,
			access_token, refresh_token, token_expires_at, scope,
			client_id, client_secret, token_url, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		inst.ID, inst.OwnerUserID, inst.Provider, string(status), string(oauthStatus),
		accessToken, refreshToken, nullableTime(inst.TokenExpiresAt), inst.Scope,
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
	row := a.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)

	inst, err := a.scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("instance").WithContext("instance_id", id)
	}
	if err != nil {
		return nil, errors.InternalError("failed to load instance", err)
	}
	return inst, nil
}

// UpdateInstanceCredentials applies a versioned credential write
func (a *Adapter) UpdateInstanceCredentials(ctx context.Context, id string, update storage.CredentialUpdate, expectedVersion int64) (*storage.Instance, error) {
	accessToken, err := a.encrypt(update.AccessToken)
	if err != nil {
		return nil, errors.InternalError("failed to encrypt access token", err)
	}
	refreshToken, err := a.encrypt(update.RefreshToken)
	if err != nil {
		return nil, errors.InternalError("failed to encrypt refresh token", err)
	}

	now := time.Now().UTC()
	res, err := a.db.ExecContext(ctx, `
		UPDATE instances SET
			access_token = ?,
			refresh_token = ?,
			token_expires_at = ?,
			scope = ?,
			oauth_status = CASE WHEN ? != '' THEN ? ELSE oauth_status END,
			version = version + 1,
			credentials_updated_at = ?,
			updated_at = ?
		WHERE id = ? AND version = ?`,
		accessToken, refreshToken, nullableTime(update.ExpiresAt), update.Scope,
		string(update.OAuthStatus), string(update.OAuthStatus),
		now, now, id, expectedVersion,
	)
	if err != nil {
		return nil, errors.InternalError("failed to update instance credentials", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.InternalError("failed to read update result", err)
	}
	if affected == 0 {
		return nil, a.classifyUpdateMiss(ctx, id, expectedVersion)
	}

	return a.GetInstance(ctx, id)
}

func (a *Adapter) classifyUpdateMiss(ctx context.Context, id string, expectedVersion int64) error {
	var currentVersion int64
	err := a.db.QueryRowContext(ctx,
		`SELECT version FROM instances WHERE id = ?`, id).Scan(&currentVersion)
	if err == sql.ErrNoRows {
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
	now := time.Now().UTC()
	clear := 0
	if clearAccessToken {
		clear = 1
	}
	res, err := a.db.ExecContext(ctx, `
		UPDATE instances SET
			oauth_status = ?,
			access_token = CASE WHEN ? = 1 THEN '' ELSE access_token END,
			version = version + ?,
			credentials_updated_at = CASE WHEN ? = 1 THEN ? ELSE credentials_updated_at END,
			updated_at = ?
		WHERE id = ?`,
		string(status), clear, clear, clear, now, now, id,
	)
	if err != nil {
		return errors.InternalError("failed to set oauth status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.InternalError("failed to read update result", err)
	}
	if affected == 0 {
		return errors.NotFoundError("instance").WithContext("instance_id", id)
	}
	return nil
}

// SetInstanceStatus flips the instance lifecycle state
func (a *Adapter) SetInstanceStatus(ctx context.Context, id string, status storage.InstanceStatus) error {
	res, err := a.db.ExecContext(ctx,
		`UPDATE instances SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return errors.InternalError("failed to set instance status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.InternalError("failed to read update result", err)
	}
	if affected == 0 {
		return errors.NotFoundError("instance").WithContext("instance_id", id)
	}
	return nil
}

// AppendAudit inserts an audit entry; a missing table is a tolerated no-op
func (a *Adapter) AppendAudit(ctx context.Context, entry *storage.AuditEntry) error {
	var metadata string
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return errors.InternalError("failed to marshal audit metadata", err)
		}
		metadata = string(data)
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO credential_audit_log (
			id, instance_id, operation, status, method,
			error_kind, error_message, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.InstanceID, entry.Operation, entry.Status, entry.Method,
		entry.ErrorKind, entry.ErrorMessage, metadata, createdAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
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

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, instance_id, operation, status, method,
			error_kind, error_message, metadata, created_at
		FROM credential_audit_log
		WHERE instance_id = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		instanceID, limit,
	)
	if err != nil {
		return nil, errors.InternalError("failed to list audit entries", err)
	}
	defer rows.Close()

	var entries []*storage.AuditEntry
	for rows.Next() {
		var entry storage.AuditEntry
		var metadata sql.NullString
		if err := rows.Scan(
			&entry.ID, &entry.InstanceID, &entry.Operation, &entry.Status, &entry.Method,
			&entry.ErrorKind, &entry.ErrorMessage, &metadata, &entry.CreatedAt,
		); err != nil {
			return nil, errors.InternalError("failed to scan audit entry", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
				return nil, errors.InternalError("failed to unmarshal audit metadata", err)
			}
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// PurgeAuditBefore deletes audit entries older than cutoff (retention sweep)
func (a *Adapter) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM credential_audit_log WHERE created_at < ?`, cutoff)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, errors.InternalError("failed to purge audit entries", err)
	}
	return res.RowsAffected()
}

// interface conformance check
var _ storage.Store = (*Adapter)(nil)
