// Package utils provides shared helpers for ID generation and retry logic.
package utils

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/lucsky/cuid"
)

// GenerateAuditID generates a collision-resistant id for audit log entries.
// CUIDs are monotonic-ish and sort roughly by creation time, which keeps
// audit tables naturally ordered.
func GenerateAuditID() string {
	return cuid.New()
}

// GenerateRequestID generates a unique request ID for tracing and correlation,
// in the format "req-{uuid}".
func GenerateRequestID() string {
	return fmt.Sprintf("req-%s", uuid.NewString())
}

// GenerateInstanceID generates an id for a newly provisioned instance.
// Provisioning lives outside the credential core; this helper exists for
// tests and seeding tools.
func GenerateInstanceID() string {
	return fmt.Sprintf("inst-%s", cuid.Slug())
}
