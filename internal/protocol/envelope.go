package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates the JSON envelopes on the wire.
type MessageType string

// Inbound message types.
const (
	// From remote machines.
	TypeClientIdentification MessageType = "client_identification"
	TypeClientInfo           MessageType = "client_info"
	TypeStatusUpdate         MessageType = "status_update"
	TypeHeartbeat            MessageType = "heartbeat"
	TypeCommandResponse      MessageType = "command_response"

	// From attendants.
	TypeLogin         MessageType = "login"
	TypeLogout        MessageType = "logout"
	TypeCommand       MessageType = "command"
	TypeSelectClient  MessageType = "select_client"
	TypeReleaseClient MessageType = "release_client"
	TypeListClients   MessageType = "list_clients"
)

// Outbound message types.
const (
	TypeCommandDirective MessageType = "command"
	TypeLoginResult      MessageType = "login_result"
	TypeCommandResult    MessageType = "command_result"
	TypeClientList       MessageType = "client_list"
	TypeNotification     MessageType = "notification"
	TypeError            MessageType = "error"
	TypeAck              MessageType = "ack"
)

// Envelope is the outer JSON frame shared by every message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode parses an inbound frame.
func Decode(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("malformed envelope: missing type")
	}
	return env, nil
}

// DecodeData parses the envelope's payload into the given struct.
func DecodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: malformed data: %w", env.Type, err)
	}
	return nil
}

// Identification is the payload of client_identification.
type Identification struct {
	ClientID     string   `json:"client_id"`
	ClientName   string   `json:"client_name"`
	Location     string   `json:"location"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// ClientInfo is the payload of client_info.
type ClientInfo struct {
	SystemInfo        map[string]any `json:"system_info"`
	InstalledServices []string       `json:"installed_services"`
	AgentVersion      string         `json:"agent_version"`
}

// CommandResponse is the payload a machine returns after executing a
// directive.
type CommandResponse struct {
	OriginalAction string         `json:"original_action"`
	Success        bool           `json:"success"`
	Message        string         `json:"message"`
	Result         map[string]any `json:"result"`
}

// LoginRequest is the payload of an attendant login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CommandRequest is an attendant's request to dispatch an action. An empty
// ClientID with Broadcast set targets the whole fleet.
type CommandRequest struct {
	ClientID   string         `json:"client_id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	Broadcast  bool           `json:"broadcast"`
}

// SelectClientRequest asks for exclusive access to one machine.
type SelectClientRequest struct {
	ClientID string `json:"client_id"`
	Action   string `json:"action"`
}

// ReleaseClientRequest gives exclusive access back.
type ReleaseClientRequest struct {
	ClientID string `json:"client_id"`
}

// Encode builds an outbound frame with a server-stamped timestamp.
func Encode(msgType MessageType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	now := time.Now()
	return json.Marshal(Envelope{
		Type:      msgType,
		Timestamp: &now,
		Data:      raw,
	})
}

// DirectivePayload is the data of an outbound command frame.
type DirectivePayload struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
}

// NewDirective encodes the command frame sent to a machine.
func NewDirective(action string, parameters map[string]any) ([]byte, error) {
	if parameters == nil {
		parameters = map[string]any{}
	}
	return Encode(TypeCommandDirective, DirectivePayload{
		Action:     action,
		Parameters: parameters,
	})
}

// LoginResult reports the outcome of a login attempt. Failures carry only a
// generic message.
type LoginResult struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	SessionID   string `json:"session_id,omitempty"`
	AttendantID string `json:"attendant_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"`
	Token       string `json:"token,omitempty"`
}

// CommandResult reports the server-side outcome of an attendant request.
type CommandResult struct {
	Success  bool   `json:"success"`
	Action   string `json:"action,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Message  string `json:"message,omitempty"`
	Targets  int    `json:"targets,omitempty"`
}

// ErrorPayload is an explanatory failure routed back to the requester.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError encodes an error frame.
func NewError(code, message string) ([]byte, error) {
	return Encode(TypeError, ErrorPayload{Code: code, Message: message})
}

// Notification is a server-initiated event pushed to attendants.
type Notification struct {
	Event    string         `json:"event"`
	ClientID string         `json:"client_id,omitempty"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}
