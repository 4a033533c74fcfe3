package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qualityops/control-plane/internal/attendants"
)

var (
	ErrAlreadyLoggedIn = errors.New("attendant already logged in elsewhere")
	ErrSessionNotFound = errors.New("session not found")
)

// LockHeldError is returned when a machine is already locked by a different
// session. It names the holder so the caller can show who is busy with what.
type LockHeldError struct {
	ClientID      string
	HolderName    string
	HolderSession string
	Action        string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("locked by %s (%s)", e.HolderName, e.Action)
}

// Session is one attendant's live authenticated instance.
type Session struct {
	ID               string
	AttendantID      string
	AttendantName    string
	Role             attendants.Role
	LoginTime        time.Time
	LastActivityAt   time.Time
	CurrentClientID  string
	CommandsExecuted int
}

// ClientLock grants one session sole command rights over one machine.
type ClientLock struct {
	ClientID      string
	SessionID     string
	AttendantID   string
	AttendantName string
	Action        string
	AcquiredAt    time.Time
}

// Coordinator owns the active sessions and per-client locks. A single mutex
// guards both maps: closing a session releases its lock, and splitting the
// stores would force lock ordering rules for no gain at this cardinality.
type Coordinator struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	byAttendant map[string]string
	locks       map[string]*ClientLock

	totalLogins  int
	totalLogouts int
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		sessions:    make(map[string]*Session),
		byAttendant: make(map[string]string),
		locks:       make(map[string]*ClientLock),
	}
}

// Open creates a session for an authenticated attendant. An attendant can
// hold at most one live session.
func (c *Coordinator) Open(profile attendants.Profile) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byAttendant[profile.ID]; ok {
		slog.Warn("Login rejected, session already active",
			"attendant_id", profile.ID,
			"session_id", existing)
		return Session{}, ErrAlreadyLoggedIn
	}

	now := time.Now()
	s := &Session{
		ID:             fmt.Sprintf("SES_%s_%s", profile.ID, uuid.NewString()[:8]),
		AttendantID:    profile.ID,
		AttendantName:  profile.DisplayName,
		Role:           profile.Role,
		LoginTime:      now,
		LastActivityAt: now,
	}
	c.sessions[s.ID] = s
	c.byAttendant[profile.ID] = s.ID
	c.totalLogins++

	slog.Info("Session opened",
		"session_id", s.ID,
		"attendant_id", profile.ID,
		"attendant", profile.DisplayName)
	return *s, nil
}

// Close terminates a session, releasing any lock it holds. Idempotent.
func (c *Coordinator) Close(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked(sessionID, "logout")
}

// closeLocked terminates a session with c.mu held.
func (c *Coordinator) closeLocked(sessionID, reason string) bool {
	s, ok := c.sessions[sessionID]
	if !ok {
		return false
	}

	for clientID, lock := range c.locks {
		if lock.SessionID == sessionID {
			delete(c.locks, clientID)
			slog.Info("Lock released with session",
				"client_id", clientID,
				"session_id", sessionID)
		}
	}

	delete(c.sessions, sessionID)
	delete(c.byAttendant, s.AttendantID)
	c.totalLogouts++

	slog.Info("Session closed",
		"session_id", sessionID,
		"attendant", s.AttendantName,
		"reason", reason)
	return true
}

// Touch refreshes a session's activity timestamp.
func (c *Coordinator) Touch(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return false
	}
	s.LastActivityAt = time.Now()
	return true
}

func (c *Coordinator) Get(sessionID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SessionForAttendant returns the attendant's live session, if any.
func (c *Coordinator) SessionForAttendant(attendantID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.byAttendant[attendantID]
	if !ok {
		return Session{}, false
	}
	return *c.sessions[id], true
}

// RecordCommand bumps the session's executed-command counter.
func (c *Coordinator) RecordCommand(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[sessionID]; ok {
		s.CommandsExecuted++
		s.LastActivityAt = time.Now()
	}
}

// AcquireLock gives the session exclusive command rights over a machine.
// The check-and-set is atomic: the first session to get here wins, a later
// one receives a LockHeldError naming the holder, and re-acquiring a lock
// the session already holds refreshes it. A held lock is never reassigned.
func (c *Coordinator) AcquireLock(clientID, sessionID, action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	if existing, locked := c.locks[clientID]; locked && existing.SessionID != sessionID {
		return &LockHeldError{
			ClientID:      clientID,
			HolderName:    existing.AttendantName,
			HolderSession: existing.SessionID,
			Action:        existing.Action,
		}
	}

	c.locks[clientID] = &ClientLock{
		ClientID:      clientID,
		SessionID:     sessionID,
		AttendantID:   s.AttendantID,
		AttendantName: s.AttendantName,
		Action:        action,
		AcquiredAt:    time.Now(),
	}
	s.CurrentClientID = clientID
	s.LastActivityAt = time.Now()

	slog.Info("Client locked",
		"client_id", clientID,
		"attendant", s.AttendantName,
		"action", action)
	return nil
}

// ReleaseLock frees a machine. Only the holding session may release it; an
// empty session id is the server's administrative override. Releasing an
// unlocked machine succeeds as a no-op.
func (c *Coordinator) ReleaseLock(clientID, sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[clientID]
	if !ok {
		return true
	}
	if sessionID != "" && lock.SessionID != sessionID {
		return false
	}

	delete(c.locks, clientID)
	if s, ok := c.sessions[lock.SessionID]; ok && s.CurrentClientID == clientID {
		s.CurrentClientID = ""
	}

	slog.Info("Client unlocked", "client_id", clientID, "was_held_by", lock.AttendantName)
	return true
}

// LockInfo returns the lock on a machine, if any.
func (c *Coordinator) LockInfo(clientID string) (ClientLock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[clientID]
	if !ok {
		return ClientLock{}, false
	}
	return *lock, true
}

// AvailableClients filters the given machines down to those with no lock.
func (c *Coordinator) AvailableClients(allClientIDs []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(allClientIDs))
	for _, id := range allClientIDs {
		if _, locked := c.locks[id]; !locked {
			out = append(out, id)
		}
	}
	return out
}

// Sessions snapshots every active session.
func (c *Coordinator) Sessions() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, *s)
	}
	return out
}

// Locks snapshots every active client lock.
func (c *Coordinator) Locks() []ClientLock {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ClientLock, 0, len(c.locks))
	for _, lock := range c.locks {
		out = append(out, *lock)
	}
	return out
}

// EvictExpiredSessions closes sessions idle past the timeout, releasing any
// locks they hold, and returns the closed session ids so the caller can
// clean up its own per-session state.
func (c *Coordinator) EvictExpiredSessions(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)

	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []string
	for id, s := range c.sessions {
		if s.LastActivityAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		slog.Warn("Evicting expired session",
			"session_id", id,
			"attendant", c.sessions[id].AttendantName)
		c.closeLocked(id, "inactivity timeout")
	}
	return expired
}

// EvictExpiredLocks force-releases locks older than the timeout regardless
// of session state, so a forgotten lock cannot starve other attendants.
func (c *Coordinator) EvictExpiredLocks(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for clientID, lock := range c.locks {
		if lock.AcquiredAt.Before(cutoff) {
			slog.Warn("Evicting expired lock",
				"client_id", clientID,
				"was_held_by", lock.AttendantName,
				"acquired_at", lock.AcquiredAt)
			delete(c.locks, clientID)
			if s, ok := c.sessions[lock.SessionID]; ok && s.CurrentClientID == clientID {
				s.CurrentClientID = ""
			}
			removed++
		}
	}
	return removed
}

// Stats summarizes session activity for the status API.
type Stats struct {
	Timestamp        time.Time      `json:"timestamp"`
	ActiveSessions   int            `json:"active_sessions"`
	LockedClients    int            `json:"locked_clients"`
	TotalLogins      int            `json:"total_logins"`
	TotalLogouts     int            `json:"total_logouts"`
	RoleDistribution map[string]int `json:"role_distribution"`
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		Timestamp:        time.Now(),
		ActiveSessions:   len(c.sessions),
		LockedClients:    len(c.locks),
		TotalLogins:      c.totalLogins,
		TotalLogouts:     c.totalLogouts,
		RoleDistribution: make(map[string]int),
	}
	for _, s := range c.sessions {
		st.RoleDistribution[string(s.Role)]++
	}
	return st
}
