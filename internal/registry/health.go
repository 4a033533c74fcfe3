package registry

import "time"

// Health classifies a machine by the run state of its critical services.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
	HealthUnknown  Health = "unknown"
)

// ServiceCounts summarizes the services a machine last reported.
type ServiceCounts struct {
	Total            int     `json:"total"`
	Running          int     `json:"running"`
	Stopped          int     `json:"stopped"`
	UptimePercentage float64 `json:"uptime_percentage"`
}

// ClientSummary is the external view of one identified machine.
type ClientSummary struct {
	ClientID     string        `json:"client_id"`
	Name         string        `json:"name"`
	Location     string        `json:"location"`
	Version      string        `json:"version"`
	Capabilities []string      `json:"capabilities"`
	ConnectedAt  time.Time     `json:"connected_at"`
	LastActivity time.Time     `json:"last_activity"`
	Services     ServiceCounts `json:"services"`
	Health       Health        `json:"health"`
}

// Summary is a point-in-time snapshot of the whole fleet. Unidentified
// connections contribute to the counts but not to the named listing.
type Summary struct {
	Timestamp           time.Time       `json:"timestamp"`
	TotalClients        int             `json:"total_clients"`
	Unidentified        int             `json:"unidentified"`
	TotalConnections    int             `json:"total_connections"`
	TotalDisconnections int             `json:"total_disconnections"`
	Clients             []ClientSummary `json:"clients"`
}

// Stats aggregates fleet composition for the status API.
type Stats struct {
	Timestamp           time.Time      `json:"timestamp"`
	TotalClients        int            `json:"total_clients"`
	TotalConnections    int            `json:"total_connections"`
	TotalDisconnections int            `json:"total_disconnections"`
	Locations           map[string]int `json:"locations"`
	Versions            map[string]int `json:"versions"`
}

// Summary snapshots every client with derived health metrics.
func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{
		Timestamp:           time.Now(),
		TotalClients:        len(r.clients),
		TotalConnections:    r.totalConnections,
		TotalDisconnections: r.totalDisconnections,
	}
	for _, c := range r.clients {
		if !c.Identified() {
			s.Unidentified++
			continue
		}
		s.Clients = append(s.Clients, ClientSummary{
			ClientID:     c.DeclaredID,
			Name:         c.DisplayName,
			Location:     c.Location,
			Version:      c.Version,
			Capabilities: append([]string(nil), c.Capabilities...),
			ConnectedAt:  c.ConnectedAt,
			LastActivity: c.LastActivityAt,
			Services:     countServices(serviceStatuses(c.LastStatus)),
			Health:       r.healthOf(c),
		})
	}
	return s
}

// Stats aggregates per-location and per-version counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{
		Timestamp:           time.Now(),
		TotalClients:        len(r.clients),
		TotalConnections:    r.totalConnections,
		TotalDisconnections: r.totalDisconnections,
		Locations:           make(map[string]int),
		Versions:            make(map[string]int),
	}
	for _, c := range r.clients {
		if !c.Identified() {
			continue
		}
		st.Locations[c.Location]++
		st.Versions[c.Version]++
	}
	return st
}

// healthOf derives overall health from the critical services' run state:
// healthy when all run, degraded when some do, critical when none do and
// unknown when the machine never reported status. Caller holds r.mu.
func (r *Registry) healthOf(c *Client) Health {
	statuses := serviceStatuses(c.LastStatus)
	if len(statuses) == 0 {
		return HealthUnknown
	}

	totalCritical := 0
	runningCritical := 0
	for name, running := range statuses {
		svc, ok := r.catalog.Get(name)
		if !ok || !svc.Critical {
			continue
		}
		totalCritical++
		if running {
			runningCritical++
		}
	}

	switch {
	case totalCritical == 0:
		return HealthUnknown
	case runningCritical == totalCritical:
		return HealthHealthy
	case runningCritical > 0:
		return HealthDegraded
	default:
		return HealthCritical
	}
}

// serviceStatuses extracts per-service run state from an opaque status
// snapshot. The expected shape is {"services": {name: {"status": "running"}}}
// but agents are not trusted to get it right, so every level is checked.
func serviceStatuses(status map[string]any) map[string]bool {
	if status == nil {
		return nil
	}
	rawServices, ok := status["services"].(map[string]any)
	if !ok {
		return nil
	}

	out := make(map[string]bool, len(rawServices))
	for name, raw := range rawServices {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		state, _ := entry["status"].(string)
		out[name] = state == "running"
	}
	return out
}

func countServices(statuses map[string]bool) ServiceCounts {
	counts := ServiceCounts{Total: len(statuses)}
	for _, running := range statuses {
		if running {
			counts.Running++
		} else {
			counts.Stopped++
		}
	}
	if counts.Total > 0 {
		counts.UptimePercentage = float64(counts.Running) / float64(counts.Total) * 100
	}
	return counts
}
