// Package audit persists the append-only record of refresh and validate
// attempts. Writes are fire-and-forget: a failed or dropped audit append
// never fails the credential operation that produced it.
package audit

import (
	"context"
	"sync"
	"time"

	"credential-broker/internal/common/logging"
	"credential-broker/internal/common/utils"
	"credential-broker/internal/storage"
)

const defaultBufferSize = 256

// Logger buffers audit entries and appends them to the sink from a single
// background worker, keeping the durable write off the request path.
type Logger struct {
	sink    storage.AuditSink
	entries chan *storage.AuditEntry
	logger  logging.Logger

	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}

	mu      sync.Mutex
	dropped int64
}

// NewLogger creates an audit logger and starts its worker. bufferSize <= 0
// uses the default.
func NewLogger(sink storage.AuditSink, bufferSize int, logger logging.Logger) *Logger {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	l := &Logger{
		sink:    sink,
		entries: make(chan *storage.AuditEntry, bufferSize),
		logger:  logger,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.worker()
	return l
}

// Record enqueues an entry. It never blocks and never panics: a full buffer
// or a closed logger drops the entry and counts it, because audit must not
// backpressure or fail the credential path.
func (l *Logger) Record(ctx context.Context, entry *storage.AuditEntry) {
	if entry == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = utils.GenerateAuditID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	select {
	case <-l.quit:
		l.drop(entry, "Audit logger closed, dropping entry")
		return
	default:
	}

	select {
	case l.entries <- entry:
	default:
		l.drop(entry, "Audit buffer full, dropping entry")
	}
}

func (l *Logger) drop(entry *storage.AuditEntry, msg string) {
	l.mu.Lock()
	l.dropped++
	dropped := l.dropped
	l.mu.Unlock()

	l.logger.Warn(msg,
		logging.Field{Key: "instance_id", Value: entry.InstanceID},
		logging.Field{Key: "operation", Value: entry.Operation},
		logging.Field{Key: "dropped_total", Value: dropped})
}

// Dropped returns how many entries were discarded due to a full buffer.
func (l *Logger) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close stops accepting entries and drains the buffer to the sink. The
// entries channel is never closed, so a straggling Record can at worst be
// dropped, not panic.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
		<-l.done
	})
}

func (l *Logger) worker() {
	defer close(l.done)

	for {
		select {
		case entry := <-l.entries:
			l.append(entry)
		case <-l.quit:
			for {
				select {
				case entry := <-l.entries:
					l.append(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) append(entry *storage.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := l.sink.AppendAudit(ctx, entry)
	cancel()

	if err != nil {
		// Swallowed by contract; the entry is lost but the operation
		// that produced it already completed.
		l.logger.Warn("Failed to append audit entry",
			logging.Field{Key: "instance_id", Value: entry.InstanceID},
			logging.Field{Key: "operation", Value: entry.Operation},
			logging.Field{Key: "error", Value: err.Error()})
	}
}
