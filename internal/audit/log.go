package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindAttendantAction Kind = "attendant_action"
	KindSystemEvent     Kind = "system_event"
	KindClientEvent     Kind = "client_event"
	KindSecurityEvent   Kind = "security_event"
)

// Entry is one line in the activity log.
type Entry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Kind          Kind           `json:"kind"`
	SessionID     string         `json:"session_id,omitempty"`
	AttendantID   string         `json:"attendant_id,omitempty"`
	AttendantName string         `json:"attendant_name,omitempty"`
	ClientID      string         `json:"client_id,omitempty"`
	Action        string         `json:"action,omitempty"`
	Result        string         `json:"result,omitempty"`
	Message       string         `json:"message,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Logger appends JSON-lines audit entries to one file per day, rotating a
// file when it grows past the size cap and deleting files older than the
// retention window. A write failure is logged and swallowed: auditing must
// never take the control plane down.
type Logger struct {
	mu      sync.Mutex
	dir     string
	maxSize int64
	maxAge  time.Duration
}

const (
	defaultMaxSize = 10 * 1024 * 1024
	defaultMaxAge  = 30 * 24 * time.Hour
)

type Option func(*Logger)

func WithMaxSize(bytes int64) Option {
	return func(l *Logger) { l.maxSize = bytes }
}

func WithMaxAge(age time.Duration) Option {
	return func(l *Logger) { l.maxAge = age }
}

func NewLogger(dir string, opts ...Option) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	l := &Logger{
		dir:     dir,
		maxSize: defaultMaxSize,
		maxAge:  defaultMaxAge,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// AttendantAction records a command or session operation by an attendant.
func (l *Logger) AttendantAction(sessionID, attendantID, attendantName, action, clientID, result string, details map[string]any) {
	l.append(Entry{
		Timestamp:     time.Now(),
		Kind:          KindAttendantAction,
		SessionID:     sessionID,
		AttendantID:   attendantID,
		AttendantName: attendantName,
		ClientID:      clientID,
		Action:        action,
		Result:        result,
		Details:       details,
	})
}

// SystemEvent records a server-side event such as a sweep eviction.
func (l *Logger) SystemEvent(event, message string, details map[string]any) {
	l.append(Entry{
		Timestamp: time.Now(),
		Kind:      KindSystemEvent,
		Action:    event,
		Message:   message,
		Details:   details,
	})
}

// ClientEvent records a machine lifecycle event.
func (l *Logger) ClientEvent(clientID, event, message string) {
	l.append(Entry{
		Timestamp: time.Now(),
		Kind:      KindClientEvent,
		ClientID:  clientID,
		Action:    event,
		Message:   message,
	})
}

// SecurityEvent records denied logins and permission rejections.
func (l *Logger) SecurityEvent(event, message string, details map[string]any) {
	l.append(Entry{
		Timestamp: time.Now(),
		Kind:      KindSecurityEvent,
		Action:    event,
		Message:   message,
		Details:   details,
	})
}

func (l *Logger) append(e Entry) {
	line, err := json.Marshal(e)
	if err != nil {
		slog.Error("Failed to marshal audit entry", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.currentFile(e.Timestamp)
	l.rotateIfNeeded(path)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Error("Failed to open audit log", "path", path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Error("Failed to write audit entry", "path", path, "error", err)
	}
}

func (l *Logger) currentFile(ts time.Time) string {
	return filepath.Join(l.dir, fmt.Sprintf("activity_%s.jsonl", ts.Format("2006-01-02")))
}

// rotateIfNeeded renames the active file once it exceeds the size cap.
// Caller holds l.mu.
func (l *Logger) rotateIfNeeded(path string) {
	info, err := os.Stat(path)
	if err != nil || info.Size() < l.maxSize {
		return
	}
	rotated := fmt.Sprintf("%s.%d", path, time.Now().UnixNano())
	if err := os.Rename(path, rotated); err != nil {
		slog.Error("Failed to rotate audit log", "path", path, "error", err)
	}
}

// Cleanup deletes audit files older than the retention window and returns
// the number removed.
func (l *Logger) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		slog.Error("Failed to read audit dir", "dir", l.dir, "error", err)
		return 0
	}

	cutoff := time.Now().Add(-l.maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(l.dir, entry.Name())); err != nil {
				slog.Error("Failed to remove old audit log", "file", entry.Name(), "error", err)
				continue
			}
			removed++
		}
	}
	return removed
}

// Filter narrows a Query to matching entries. Zero values match everything.
type Filter struct {
	Kind        Kind
	AttendantID string
	ClientID    string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// Query reads entries back from disk, oldest first.
func (l *Logger) Query(filter Filter) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read audit dir: %w", err)
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if !f.IsDir() {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)

	var out []Entry
	for _, name := range names {
		entries, err := readEntries(filepath.Join(l.dir, name))
		if err != nil {
			slog.Warn("Skipping unreadable audit file", "file", name, "error", err)
			continue
		}
		for _, e := range entries {
			if !filter.matches(e) {
				continue
			}
			out = append(out, e)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (f Filter) matches(e Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.AttendantID != "" && e.AttendantID != f.AttendantID {
		return false
	}
	if f.ClientID != "" && e.ClientID != f.ClientID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// A torn line from a crash mid-write is skipped, not fatal.
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}
