// Package audit provides the best-effort sync-event log.
//
// Events are appended as one JSON object per line to a size-rotated file.
// Logging is strictly best-effort: write failures are reported through the
// diagnostic logger and otherwise ignored, so a full disk or unwritable
// path can never stall a sync cycle.
package audit

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Event kinds recorded by the sync engine and conflict resolver.
const (
	EventSyncStarted      = "sync_started"
	EventSyncCompleted    = "sync_completed"
	EventSyncFailed       = "sync_failed"
	EventDriftDetected    = "drift_detected"
	EventRepairEnqueued   = "repair_enqueued"
	EventConflictResolved = "conflict_resolved"
	EventRollback         = "rollback"
)

// Logger records sync events.
type Logger interface {
	// LogSyncEvent appends one event. Best-effort: implementations must
	// not block the caller on failure.
	LogSyncEvent(kind string, payload map[string]any)
}

// FileLogger writes events as JSON lines to a rotating file.
type FileLogger struct {
	mu     sync.Mutex
	out    *lumberjack.Logger
	logger *log.Logger
}

// entry is the on-disk shape of one event line.
type entry struct {
	Time    time.Time      `json:"time"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// NewFileLogger creates an event log at path, rotating at 10 MB and
// keeping five old files. If logger is nil, a default logger writing to
// stderr is used for write failures.
func NewFileLogger(path string, logger *log.Logger) *FileLogger {
	if logger == nil {
		logger = log.New(os.Stderr, "[audit] ", log.LstdFlags)
	}
	return &FileLogger{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
		},
		logger: logger,
	}
}

// LogSyncEvent implements Logger.
func (l *FileLogger) LogSyncEvent(kind string, payload map[string]any) {
	line, err := json.Marshal(entry{
		Time:    time.Now().UTC(),
		Kind:    kind,
		Payload: payload,
	})
	if err != nil {
		l.logger.Printf("Warning: failed to encode audit event %s: %v", kind, err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(line); err != nil {
		l.logger.Printf("Warning: failed to write audit event %s: %v", kind, err)
	}
}

// Close flushes and closes the underlying file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}

// Nop discards all events. Useful for wiring components that do not need
// an audit trail, and for tests.
type Nop struct{}

// LogSyncEvent implements Logger.
func (Nop) LogSyncEvent(string, map[string]any) {}
