// Package sessionlog provides the append-only session event log. Events are
// written one JSON object per line to a size-rotated file, and an in-memory
// per-session activity map is maintained for stats lookups.
package sessionlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType identifies the kind of session log event.
type EventType string

const (
	EventSessionStart      = EventType("session_start")
	EventSessionEnd        = EventType("session_end")
	EventCommandReceived   = EventType("command_received")
	EventCommandExecuted   = EventType("command_executed")
	EventCommandFailed     = EventType("command_failed")
	EventNavigation        = EventType("navigation")
	EventInteraction       = EventType("interaction")
	EventExtraction        = EventType("extraction")
	EventWaitCondition     = EventType("wait_condition")
	EventError             = EventType("error")
	EventSecurityViolation = EventType("security_violation")
	EventRateLimitExceeded = EventType("rate_limit_exceeded")
)

// Event is one session log record.
type Event struct {
	Timestamp       float64        `json:"timestamp"`
	TimestampISO    string         `json:"timestamp_iso"`
	EventType       EventType      `json:"event_type"`
	SessionID       string         `json:"session_id"`
	CommandID       string         `json:"command_id,omitempty"`
	ClientAddr      string         `json:"client_addr,omitempty"`
	Message         string         `json:"message"`
	Data            map[string]any `json:"data,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms,omitempty"`
	Success         bool           `json:"success"`
	ErrorCode       string         `json:"error_code,omitempty"`
}

// SessionActivity tracks one session's activity, derived from emitted events.
type SessionActivity struct {
	StartTime    time.Time `json:"start_time"`
	ClientAddr   string    `json:"client_addr"`
	CommandCount int64     `json:"command_count"`
	LastActivity time.Time `json:"last_activity"`
}

// Number of rotated backup files kept, freshest first (.1 is newest).
const backupCount = 5

// Logger writes session events to a rotating JSON-lines file. A nil Logger
// is valid and drops every event, so callers never need to branch on
// whether session logging is enabled.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	size     int64
	maxSize  int64
	sessions map[string]*SessionActivity
}

// New opens (or creates) the session log at path. maxSizeMB bounds the file
// before rotation.
func New(path string, maxSizeMB int) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create session log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat session log: %w", err)
	}
	return &Logger{
		file:     f,
		path:     path,
		size:     info.Size(),
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		sessions: make(map[string]*SessionActivity),
	}, nil
}

// Emit writes one event. The timestamp fields are stamped here; callers
// fill everything else. Write failures are logged and swallowed so session
// logging never breaks command execution.
func (l *Logger) Emit(event Event) {
	if l == nil {
		return
	}

	now := time.Now()
	event.Timestamp = float64(now.UnixNano()) / 1e9
	event.TimestampISO = now.UTC().Format(time.RFC3339Nano)

	line, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(event.EventType)).Msg("Failed to marshal session log event")
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	l.track(event, now)

	if l.file == nil {
		return
	}
	if l.size+int64(len(line)) > l.maxSize {
		if err := l.rotateLocked(); err != nil {
			log.Error().Err(err).Msg("Session log rotation failed")
		}
	}
	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		log.Error().Err(err).Msg("Session log write failed")
	}
}

// track maintains the in-memory session activity map.
func (l *Logger) track(event Event, now time.Time) {
	if event.SessionID == "" {
		return
	}
	switch event.EventType {
	case EventSessionStart:
		l.sessions[event.SessionID] = &SessionActivity{
			StartTime:    now,
			ClientAddr:   event.ClientAddr,
			LastActivity: now,
		}
	case EventSessionEnd:
		delete(l.sessions, event.SessionID)
	default:
		s, ok := l.sessions[event.SessionID]
		if !ok {
			return
		}
		s.LastActivity = now
		if event.EventType == EventCommandReceived {
			s.CommandCount++
		}
	}
}

// rotateLocked shifts existing backups up one slot and moves the live file
// to the .1 slot. Must be called with l.mu held.
func (l *Logger) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		log.Warn().Err(err).Msg("Closing session log for rotation failed")
	}

	for i := backupCount - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", l.path, i)
		dst := fmt.Sprintf("%s.%d", l.path, i+1)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, dst); err != nil {
				log.Warn().Err(err).Str("from", src).Msg("Backup shift failed")
			}
		}
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return fmt.Errorf("failed to rotate session log: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.file = nil
		return fmt.Errorf("failed to reopen session log: %w", err)
	}
	l.file = f
	l.size = 0
	return nil
}

// ActiveSessions returns a snapshot of the tracked session activity map.
func (l *Logger) ActiveSessions() map[string]SessionActivity {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]SessionActivity, len(l.sessions))
	for id, s := range l.sessions {
		out[id] = *s
	}
	return out
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
