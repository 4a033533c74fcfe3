package registry

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/qualityops/control-plane/internal/catalog"
)

var (
	ErrClientNotFound  = errors.New("client not found")
	ErrInvalidClientID = errors.New("invalid client id")
)

// Client is one connected remote machine. The registry owns the canonical
// copy; accessors return copies so callers never share mutable state.
type Client struct {
	TransportID       string
	DeclaredID        string
	DisplayName       string
	Location          string
	Version           string
	Capabilities      []string
	SystemInfo        map[string]any
	InstalledServices []string
	LastStatus        map[string]any
	ConnectedAt       time.Time
	LastActivityAt    time.Time
}

// Identified reports whether the machine has completed identification.
func (c Client) Identified() bool {
	return c.DeclaredID != ""
}

// Identity carries the metadata a machine self-reports during identification.
type Identity struct {
	DeclaredID   string
	DisplayName  string
	Location     string
	Version      string
	Capabilities []string
}

// Registry tracks every connected remote machine, keyed by transport id.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client

	acceptedPrefixes []string
	catalog          *catalog.Catalog

	totalConnections    int
	totalDisconnections int
}

func New(acceptedPrefixes []string, cat *catalog.Catalog) *Registry {
	return &Registry{
		clients:          make(map[string]*Client),
		acceptedPrefixes: acceptedPrefixes,
		catalog:          cat,
	}
}

// Register creates an unidentified entry for a new transport connection.
func (r *Registry) Register(transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.clients[transportID] = &Client{
		TransportID:    transportID,
		ConnectedAt:    now,
		LastActivityAt: now,
	}
	r.totalConnections++

	slog.Info("Client connected", "transport_id", transportID, "total_clients", len(r.clients))
}

// Identify binds a self-reported identity onto an existing entry. The
// declared id must carry one of the accepted prefixes; anything else is
// rejected without touching the entry.
func (r *Registry) Identify(transportID string, identity Identity) error {
	if !r.acceptedDeclaredID(identity.DeclaredID) {
		slog.Warn("Rejected client identification",
			"transport_id", transportID,
			"declared_id", identity.DeclaredID)
		return ErrInvalidClientID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[transportID]
	if !ok {
		return ErrClientNotFound
	}

	c.DeclaredID = identity.DeclaredID
	c.DisplayName = identity.DisplayName
	c.Location = identity.Location
	c.Version = identity.Version
	c.Capabilities = append([]string(nil), identity.Capabilities...)
	c.LastActivityAt = time.Now()

	slog.Info("Client identified",
		"transport_id", transportID,
		"client_id", identity.DeclaredID,
		"name", identity.DisplayName)
	return nil
}

// UpdateInfo merges system details reported after identification.
func (r *Registry) UpdateInfo(transportID string, systemInfo map[string]any, installedServices []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[transportID]
	if !ok {
		slog.Debug("Info update for unknown client dropped", "transport_id", transportID)
		return
	}
	if systemInfo != nil {
		c.SystemInfo = systemInfo
	}
	if installedServices != nil {
		c.InstalledServices = installedServices
	}
	c.LastActivityAt = time.Now()
}

// UpdateStatus replaces the last-known status snapshot. A snapshot arriving
// after disconnect is dropped with a debug log, never an error.
func (r *Registry) UpdateStatus(transportID string, status map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[transportID]
	if !ok {
		slog.Debug("Status update for unknown client dropped", "transport_id", transportID)
		return
	}
	c.LastStatus = status
	c.LastActivityAt = time.Now()
}

// Touch refreshes the liveness timestamp, used for heartbeats.
func (r *Registry) Touch(transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[transportID]; ok {
		c.LastActivityAt = time.Now()
	}
}

// Remove deletes the entry. Removing an unknown id is a no-op.
func (r *Registry) Remove(transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[transportID]; !ok {
		return
	}
	delete(r.clients, transportID)
	r.totalDisconnections++

	slog.Info("Client removed", "transport_id", transportID, "total_clients", len(r.clients))
}

func (r *Registry) Get(transportID string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[transportID]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// FindByDeclaredID resolves a machine's stable identifier to its live entry.
func (r *Registry) FindByDeclaredID(declaredID string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.clients {
		if c.DeclaredID == declaredID {
			return *c, true
		}
	}
	return Client{}, false
}

// TransportIDs returns the transport ids of every connected machine.
func (r *Registry) TransportIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// DeclaredIDs returns the stable ids of every identified machine.
func (r *Registry) DeclaredIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, c := range r.clients {
		if c.Identified() {
			ids = append(ids, c.DeclaredID)
		}
	}
	return ids
}

// EvictStale removes every machine whose last activity is older than timeout
// and returns snapshots of the evicted entries so the caller can finish
// cleaning up their connections and locks.
func (r *Registry) EvictStale(timeout time.Duration) []Client {
	cutoff := time.Now().Add(-timeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []Client
	for id, c := range r.clients {
		if c.LastActivityAt.Before(cutoff) {
			slog.Warn("Evicting stale client",
				"transport_id", id,
				"client_id", c.DeclaredID,
				"last_activity", c.LastActivityAt)
			evicted = append(evicted, *c)
			delete(r.clients, id)
			r.totalDisconnections++
		}
	}
	if len(evicted) > 0 {
		slog.Info("Stale client sweep finished", "removed", len(evicted))
	}
	return evicted
}

func (r *Registry) acceptedDeclaredID(declaredID string) bool {
	if declaredID == "" {
		return false
	}
	for _, prefix := range r.acceptedPrefixes {
		if strings.HasPrefix(declaredID, prefix) {
			return true
		}
	}
	return false
}
