package command

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qualityops/control-plane/internal/attendants"
	"github.com/qualityops/control-plane/internal/catalog"
	"github.com/qualityops/control-plane/internal/session"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrLockRequired     = errors.New("client lock required")
)

// Directive is an immutable outbound instruction for one machine.
type Directive struct {
	ClientID   string         `json:"client_id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	IssuedAt   time.Time      `json:"issued_at"`
}

// Dispatcher validates, authorizes and records commands before they leave
// the control plane. It holds no lock of its own; the stores it consults
// guard themselves.
type Dispatcher struct {
	catalog   *catalog.Catalog
	directory *attendants.Directory
	sessions  *session.Coordinator
	history   *History
}

func NewDispatcher(cat *catalog.Catalog, dir *attendants.Directory, coord *session.Coordinator, history *History) *Dispatcher {
	return &Dispatcher{
		catalog:   cat,
		directory: dir,
		sessions:  coord,
		history:   history,
	}
}

// Validate runs the per-action parameter schema check.
func (d *Dispatcher) Validate(action string, params map[string]any) error {
	return validate(d.catalog, action, params)
}

// Authorize decides whether the attendant may dispatch the action at the
// machine. State-changing actions additionally require the attendant's
// session to hold the machine's lock; read-only ones do not.
func (d *Dispatcher) Authorize(attendantID, sessionID, action, clientID string) error {
	ok, reason := d.directory.CanPerform(attendantID, action, clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, reason)
	}

	if ReadOnly(action) || clientID == "" {
		return nil
	}

	lock, held := d.sessions.LockInfo(clientID)
	if !held {
		return fmt.Errorf("%w: acquire %s before dispatching %s", ErrLockRequired, clientID, action)
	}
	if lock.SessionID != sessionID {
		return &session.LockHeldError{
			ClientID:      clientID,
			HolderName:    lock.AttendantName,
			HolderSession: lock.SessionID,
			Action:        lock.Action,
		}
	}
	return nil
}

// Dispatch builds the outbound directive and appends the audit record.
func (d *Dispatcher) Dispatch(clientID, action string, params map[string]any) Directive {
	if params == nil {
		params = map[string]any{}
	}
	now := time.Now()

	d.history.Append(Record{
		Timestamp:  now,
		ClientID:   clientID,
		Action:     action,
		Parameters: params,
	})

	slog.Info("Command dispatched", "client_id", clientID, "action", action)
	return Directive{
		ClientID:   clientID,
		Action:     action,
		Parameters: params,
		IssuedAt:   now,
	}
}

// Broadcast dispatches the same action to every given machine.
func (d *Dispatcher) Broadcast(clientIDs []string, action string, params map[string]any) []Directive {
	out := make([]Directive, 0, len(clientIDs))
	for _, id := range clientIDs {
		out = append(out, d.Dispatch(id, action, params))
	}
	slog.Info("Command broadcast", "action", action, "targets", len(out))
	return out
}

// History returns the most recent audit records, newest last.
func (d *Dispatcher) History(limit int) []Record {
	return d.history.Recent(limit)
}
