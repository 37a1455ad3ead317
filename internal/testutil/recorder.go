package testutil

import (
	"context"
	"sync"

	"credential-broker/internal/storage"
)

// FakeAudit is a synchronous audit recorder so tests can assert entries
// without waiting on a worker.
type FakeAudit struct {
	mu      sync.Mutex
	entries []*storage.AuditEntry
}

func (f *FakeAudit) Record(ctx context.Context, entry *storage.AuditEntry) {
	f.mu.Lock()
	f.entries = append(f.entries, entry)
	f.mu.Unlock()
}

// Entries returns a copy of everything recorded so far.
func (f *FakeAudit) Entries() []*storage.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*storage.AuditEntry(nil), f.entries...)
}

// ByOperation filters recorded entries by operation name.
func (f *FakeAudit) ByOperation(op string) []*storage.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*storage.AuditEntry
	for _, e := range f.entries {
		if e.Operation == op {
			out = append(out, e)
		}
	}
	return out
}
