package dto

import (
	"github.com/qualityops/control-plane/internal/registry"
	"github.com/qualityops/control-plane/internal/session"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type StatusResponse struct {
	Clients  registry.Stats `json:"clients"`
	Sessions session.Stats  `json:"sessions"`
	Commands int            `json:"commands_recorded"`
}

type LockResponse struct {
	ClientID      string `json:"client_id"`
	AttendantID   string `json:"attendant_id"`
	AttendantName string `json:"attendant_name"`
	Action        string `json:"action,omitempty"`
	AcquiredAt    string `json:"acquired_at"`
}

type SessionResponse struct {
	SessionID        string `json:"session_id"`
	AttendantID      string `json:"attendant_id"`
	AttendantName    string `json:"attendant_name"`
	Role             string `json:"role"`
	LoginTime        string `json:"login_time"`
	LastActivity     string `json:"last_activity"`
	CurrentClientID  string `json:"current_client_id,omitempty"`
	CommandsExecuted int    `json:"commands_executed"`
}
