// Package testutil provides in-memory fakes for the store and refresh
// clients used across package tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"credential-broker/internal/common/errors"
	"credential-broker/internal/provider"
	"credential-broker/internal/storage"
)

// FakeStore is an in-memory storage.Store with real optimistic-locking
// semantics. Hooks let tests inject failures and simulate racing writers.
type FakeStore struct {
	mu        sync.Mutex
	instances map[string]*storage.Instance
	audits    []*storage.AuditEntry

	// GetCalls / UpdateCalls count store operations for assertions.
	GetCalls    int
	UpdateCalls int

	// GetErr, when set, is returned by every GetInstance call.
	GetErr error
	// UpdateErr, when set, is returned by every UpdateInstanceCredentials call.
	UpdateErr error
	// AuditErr, when set, is returned by every AppendAudit call.
	AuditErr error

	// BeforeUpdate runs just before the version check (with the store lock
	// released so it may call locking methods like BumpVersion), letting
	// tests bump versions to simulate a concurrent winner.
	BeforeUpdate func(s *FakeStore, id string)
}

// NewFakeStore creates an empty fake store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		instances: make(map[string]*storage.Instance),
	}
}

// Seed inserts or replaces an instance directly, defaulting version to 1.
func (s *FakeStore) Seed(inst *storage.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.Version == 0 {
		inst.Version = 1
	}
	s.instances[inst.ID] = cloneInstance(inst)
}

// Instance returns a copy of the stored instance, or nil.
func (s *FakeStore) Instance(id string) *storage.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil
	}
	return cloneInstance(inst)
}

// BumpVersion simulates a concurrent writer committing a credential update.
func (s *FakeStore) BumpVersion(id string, update storage.CredentialUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyUpdate(s.instances[id], update)
}

// Audits returns a copy of the appended audit entries.
func (s *FakeStore) Audits() []*storage.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*storage.AuditEntry(nil), s.audits...)
}

func (s *FakeStore) Connect(config storage.StorageConfig) error { return nil }
func (s *FakeStore) Close() error                               { return nil }
func (s *FakeStore) Health() error                              { return nil }

func (s *FakeStore) CreateInstance(ctx context.Context, inst *storage.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst.Version = 1
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (s *FakeStore) GetInstance(ctx context.Context, id string) (*storage.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.GetCalls++
	if s.GetErr != nil {
		return nil, s.GetErr
	}

	inst, ok := s.instances[id]
	if !ok {
		return nil, errors.NotFoundError("instance").WithContext("instance_id", id)
	}
	return cloneInstance(inst), nil
}

func (s *FakeStore) UpdateInstanceCredentials(ctx context.Context, id string, update storage.CredentialUpdate, expectedVersion int64) (*storage.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.UpdateCalls++
	if s.UpdateErr != nil {
		return nil, s.UpdateErr
	}

	if s.BeforeUpdate != nil {
		hook := s.BeforeUpdate
		s.BeforeUpdate = nil
		s.mu.Unlock()
		hook(s, id)
		s.mu.Lock()
	}

	inst, ok := s.instances[id]
	if !ok {
		return nil, errors.NotFoundError("instance").WithContext("instance_id", id)
	}
	if inst.Version != expectedVersion {
		return nil, errors.ConflictError("instance version changed since read").
			WithContext("instance_id", id).
			WithContext("expected_version", expectedVersion).
			WithContext("current_version", inst.Version)
	}

	s.applyUpdate(inst, update)
	return cloneInstance(inst), nil
}

// applyUpdate mutates inst in place; callers hold the lock.
func (s *FakeStore) applyUpdate(inst *storage.Instance, update storage.CredentialUpdate) {
	if inst == nil {
		return
	}
	inst.AccessToken = update.AccessToken
	inst.RefreshToken = update.RefreshToken
	inst.TokenExpiresAt = update.ExpiresAt
	inst.Scope = update.Scope
	if update.OAuthStatus != "" {
		inst.OAuthStatus = update.OAuthStatus
	}
	inst.Version++
	inst.CredentialsUpdatedAt = time.Now()
	inst.UpdatedAt = time.Now()
}

func (s *FakeStore) SetOAuthStatus(ctx context.Context, id string, status storage.OAuthStatus, clearAccessToken bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return errors.NotFoundError("instance").WithContext("instance_id", id)
	}

	inst.OAuthStatus = status
	if clearAccessToken {
		inst.AccessToken = ""
		inst.Version++
		inst.CredentialsUpdatedAt = time.Now()
	}
	inst.UpdatedAt = time.Now()
	return nil
}

func (s *FakeStore) SetInstanceStatus(ctx context.Context, id string, status storage.InstanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return errors.NotFoundError("instance").WithContext("instance_id", id)
	}
	inst.Status = status
	inst.UpdatedAt = time.Now()
	return nil
}

func (s *FakeStore) AppendAudit(ctx context.Context, entry *storage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AuditErr != nil {
		return s.AuditErr
	}
	s.audits = append(s.audits, entry)
	return nil
}

func (s *FakeStore) ListAudit(ctx context.Context, instanceID string, limit int) ([]*storage.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*storage.AuditEntry
	for i := len(s.audits) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.audits[i].InstanceID == instanceID {
			out = append(out, s.audits[i])
		}
	}
	return out, nil
}

func (s *FakeStore) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.audits[:0]
	var purged int64
	for _, e := range s.audits {
		if e.CreatedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.audits = kept
	return purged, nil
}

// Delete removes an instance outright, simulating deprovisioning.
func (s *FakeStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
}

func cloneInstance(in *storage.Instance) *storage.Instance {
	out := *in
	if in.TokenExpiresAt != nil {
		t := *in.TokenExpiresAt
		out.TokenExpiresAt = &t
	}
	return &out
}

var _ storage.Store = (*FakeStore)(nil)

// FakeProvider is a scriptable provider.Client.
type FakeProvider struct {
	mu sync.Mutex

	// ClientName is returned by Name.
	ClientName string
	// Tokens are returned in order; the last one repeats.
	Tokens []*provider.Token
	// Err, when set, fails every Refresh call.
	Err error

	// Calls counts Refresh invocations; Requests records them.
	Calls    int
	Requests []*provider.RefreshRequest
}

func (f *FakeProvider) Name() string {
	if f.ClientName == "" {
		return "fake"
	}
	return f.ClientName
}

func (f *FakeProvider) Refresh(ctx context.Context, req *provider.RefreshRequest) (*provider.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls++
	f.Requests = append(f.Requests, req)

	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.Tokens) == 0 {
		return nil, errors.UpstreamError("no scripted token", nil)
	}

	token := f.Tokens[0]
	if len(f.Tokens) > 1 {
		f.Tokens = f.Tokens[1:]
	}
	return token, nil
}

var _ provider.Client = (*FakeProvider)(nil)
