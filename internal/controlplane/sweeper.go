package controlplane

import (
	"context"
	"log/slog"
	"time"

	"github.com/qualityops/control-plane/internal/protocol"
)

// Timeouts bounds how long inactive resources live before the sweeper
// reclaims them.
type Timeouts struct {
	ClientStale    time.Duration `mapstructure:"client_stale"`
	SessionIdle    time.Duration `mapstructure:"session_idle"`
	LockHold       time.Duration `mapstructure:"lock_hold"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	AuditRetention time.Duration `mapstructure:"audit_retention"`
}

// DefaultTimeouts mirrors the operational defaults: sessions idle out after
// one hour, locks after five minutes.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		ClientStale:   2 * time.Minute,
		SessionIdle:   time.Hour,
		LockHold:      5 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

// RunSweeper periodically evicts stale clients, idle sessions and expired
// locks until the context is cancelled. Evicted client connections are
// closed so their agents reconnect cleanly.
func (s *Server) RunSweeper(ctx context.Context, timeouts Timeouts) {
	ticker := time.NewTicker(timeouts.SweepInterval)
	defer ticker.Stop()

	slog.Info("Sweeper started",
		"interval", timeouts.SweepInterval,
		"client_stale", timeouts.ClientStale,
		"session_idle", timeouts.SessionIdle,
		"lock_hold", timeouts.LockHold)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(timeouts)
		}
	}
}

func (s *Server) sweep(timeouts Timeouts) {
	evicted := s.registry.EvictStale(timeouts.ClientStale)
	for _, client := range evicted {
		s.sender.CloseConn(client.TransportID, "stale connection evicted")
		if !client.Identified() {
			continue
		}
		s.sessions.ReleaseLock(client.DeclaredID, "")
		s.notifyAttendants(protocol.Notification{
			Event:    "client_disconnected",
			ClientID: client.DeclaredID,
			Message:  client.DisplayName + " evicted after inactivity",
		})
	}

	expired := s.sessions.EvictExpiredSessions(timeouts.SessionIdle)
	for _, sessionID := range expired {
		s.dropSessionConn(sessionID)
	}
	locks := s.sessions.EvictExpiredLocks(timeouts.LockHold)

	if len(evicted) > 0 || len(expired) > 0 || locks > 0 {
		s.audit.SystemEvent("sweep", "reclaimed inactive resources", map[string]any{
			"stale_clients":    len(evicted),
			"expired_sessions": len(expired),
			"expired_locks":    locks,
		})
	}

	if removed := s.audit.Cleanup(); removed > 0 {
		slog.Info("Removed old audit files", "removed", removed)
	}
}
