package audit

import (
	"context"
	"time"

	"credential-broker/internal/common/logging"
)

// Purger is the subset of the store the retention sweep needs.
type Purger interface {
	PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionSweep deletes audit entries older than the retention window. It
// is scheduled periodically and is the only path that removes audit rows.
type RetentionSweep struct {
	store     Purger
	retention time.Duration
	logger    logging.Logger
}

// NewRetentionSweep creates a sweep for the given retention window.
func NewRetentionSweep(store Purger, retention time.Duration, logger logging.Logger) *RetentionSweep {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &RetentionSweep{
		store:     store,
		retention: retention,
		logger:    logger,
	}
}

// Run deletes entries older than now-retention, returning how many were
// removed.
func (s *RetentionSweep) Run(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.retention)

	purged, err := s.store.PurgeAuditBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Audit retention sweep failed", err,
			logging.Field{Key: "cutoff", Value: cutoff.Format(time.RFC3339)})
		return 0, err
	}

	if purged > 0 {
		s.logger.Info("Audit retention sweep completed",
			logging.Field{Key: "purged", Value: purged},
			logging.Field{Key: "cutoff", Value: cutoff.Format(time.RFC3339)})
	}
	return purged, nil
}
