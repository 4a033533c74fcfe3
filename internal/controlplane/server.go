package controlplane

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/qualityops/control-plane/internal/attendants"
	"github.com/qualityops/control-plane/internal/audit"
	"github.com/qualityops/control-plane/internal/auth"
	"github.com/qualityops/control-plane/internal/command"
	"github.com/qualityops/control-plane/internal/protocol"
	"github.com/qualityops/control-plane/internal/registry"
	"github.com/qualityops/control-plane/internal/session"
	"github.com/qualityops/control-plane/internal/transport"
)

// Server routes every WebSocket frame between remote machines and attendant
// consoles. It implements transport.Handler; the outbound half is injected
// via SetSender so the transport and the control plane can be constructed
// in either order.
type Server struct {
	registry   *registry.Registry
	directory  *attendants.Directory
	sessions   *session.Coordinator
	dispatcher *command.Dispatcher
	audit      *audit.Logger
	authCfg    auth.Config

	sender transport.Sender

	mu            sync.RWMutex
	sessionByConn map[string]string
	connBySession map[string]string
}

func NewServer(reg *registry.Registry, dir *attendants.Directory, coord *session.Coordinator, disp *command.Dispatcher, auditLog *audit.Logger, authCfg auth.Config) *Server {
	return &Server{
		registry:      reg,
		directory:     dir,
		sessions:      coord,
		dispatcher:    disp,
		audit:         auditLog,
		authCfg:       authCfg,
		sessionByConn: make(map[string]string),
		connBySession: make(map[string]string),
	}
}

func (s *Server) SetSender(sender transport.Sender) {
	s.sender = sender
}

// HandleConnect registers new machine connections immediately; attendant
// connections stay anonymous until a successful login.
func (s *Server) HandleConnect(connID string, peer transport.Peer, remoteAddr string) {
	if peer == transport.PeerMachine {
		s.registry.Register(connID)
		return
	}
	slog.Info("Attendant console connected", "conn_id", connID, "remote", remoteAddr)
}

func (s *Server) HandleDisconnect(connID string, peer transport.Peer, err error) {
	if peer == transport.PeerMachine {
		s.machineGone(connID)
		return
	}
	s.attendantGone(connID)
}

func (s *Server) machineGone(connID string) {
	client, ok := s.registry.Get(connID)
	s.registry.Remove(connID)
	if !ok || !client.Identified() {
		return
	}

	s.sessions.ReleaseLock(client.DeclaredID, "")
	s.audit.ClientEvent(client.DeclaredID, "disconnected", "client connection closed")
	s.notifyAttendants(protocol.Notification{
		Event:    "client_disconnected",
		ClientID: client.DeclaredID,
		Message:  client.DisplayName + " disconnected",
	})
}

func (s *Server) attendantGone(connID string) {
	s.mu.Lock()
	sessionID, ok := s.sessionByConn[connID]
	if ok {
		delete(s.sessionByConn, connID)
		delete(s.connBySession, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if sess, found := s.sessions.Get(sessionID); found {
		s.audit.AttendantAction(sessionID, sess.AttendantID, sess.AttendantName, "disconnect", "", "session closed", nil)
	}
	s.sessions.Close(sessionID)
}

// HandleMessage decodes one inbound frame and routes it by peer and type.
// A malformed frame gets an error reply, never a dropped connection.
func (s *Server) HandleMessage(ctx context.Context, connID string, peer transport.Peer, msg []byte) {
	env, err := protocol.Decode(msg)
	if err != nil {
		slog.Warn("Dropping malformed frame", "conn_id", connID, "error", err)
		s.sendError(connID, "malformed", err.Error())
		return
	}

	if peer == transport.PeerMachine {
		s.handleMachineMessage(connID, env)
		return
	}
	s.handleAttendantMessage(connID, env)
}

func (s *Server) handleMachineMessage(connID string, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeClientIdentification:
		s.identifyMachine(connID, env)
	case protocol.TypeClientInfo:
		var info protocol.ClientInfo
		if err := protocol.DecodeData(env, &info); err != nil {
			s.sendError(connID, "invalid_data", err.Error())
			return
		}
		s.registry.UpdateInfo(connID, info.SystemInfo, info.InstalledServices)
	case protocol.TypeStatusUpdate:
		var status map[string]any
		if err := protocol.DecodeData(env, &status); err != nil {
			s.sendError(connID, "invalid_data", err.Error())
			return
		}
		s.registry.UpdateStatus(connID, status)
	case protocol.TypeHeartbeat:
		s.registry.Touch(connID)
		s.send(connID, protocol.TypeAck, map[string]any{"received": "heartbeat"})
	case protocol.TypeCommandResponse:
		s.forwardCommandResponse(connID, env)
	default:
		slog.Warn("Unexpected message type from machine", "conn_id", connID, "type", env.Type)
		s.sendError(connID, "unexpected_type", string(env.Type))
	}
}

func (s *Server) identifyMachine(connID string, env protocol.Envelope) {
	var ident protocol.Identification
	if err := protocol.DecodeData(env, &ident); err != nil {
		s.sendError(connID, "invalid_data", err.Error())
		return
	}

	err := s.registry.Identify(connID, registry.Identity{
		DeclaredID:   ident.ClientID,
		DisplayName:  ident.ClientName,
		Location:     ident.Location,
		Version:      ident.Version,
		Capabilities: ident.Capabilities,
	})
	if err != nil {
		s.audit.SecurityEvent("identification_rejected", err.Error(), map[string]any{
			"declared_id": ident.ClientID,
		})
		s.sendError(connID, "identification_rejected", err.Error())
		s.sender.CloseConn(connID, "identification rejected")
		return
	}

	s.audit.ClientEvent(ident.ClientID, "identified", ident.ClientName+" identified")
	s.send(connID, protocol.TypeAck, map[string]any{"received": "client_identification"})
	s.notifyAttendants(protocol.Notification{
		Event:    "client_connected",
		ClientID: ident.ClientID,
		Message:  ident.ClientName + " connected",
	})
}

// forwardCommandResponse relays a machine's execution result to whichever
// session holds the machine's lock. With no lock held the result has no
// interested attendant and is dropped.
func (s *Server) forwardCommandResponse(connID string, env protocol.Envelope) {
	client, ok := s.registry.Get(connID)
	if !ok || !client.Identified() {
		return
	}
	s.registry.Touch(connID)

	lock, held := s.sessions.LockInfo(client.DeclaredID)
	if !held {
		slog.Debug("Command response with no lock holder dropped", "client_id", client.DeclaredID)
		return
	}

	s.mu.RLock()
	attendantConn, ok := s.connBySession[lock.SessionID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	var resp protocol.CommandResponse
	if err := protocol.DecodeData(env, &resp); err != nil {
		slog.Warn("Malformed command response", "client_id", client.DeclaredID, "error", err)
		return
	}
	s.send(attendantConn, protocol.TypeCommandResult, protocol.CommandResult{
		Success:  resp.Success,
		Action:   resp.OriginalAction,
		ClientID: client.DeclaredID,
		Message:  resp.Message,
	})
}

func (s *Server) handleAttendantMessage(connID string, env protocol.Envelope) {
	if env.Type == protocol.TypeLogin {
		s.login(connID, env)
		return
	}

	sess, ok := s.sessionFor(connID)
	if !ok {
		s.sendError(connID, "not_authenticated", "login required")
		return
	}
	s.sessions.Touch(sess.ID)

	switch env.Type {
	case protocol.TypeLogout:
		s.logout(connID, sess)
	case protocol.TypeListClients:
		s.sendClientList(connID)
	case protocol.TypeSelectClient:
		s.selectClient(connID, sess, env)
	case protocol.TypeReleaseClient:
		s.releaseClient(connID, sess, env)
	case protocol.TypeCommand:
		s.dispatchCommand(connID, sess, env)
	default:
		slog.Warn("Unexpected message type from attendant", "conn_id", connID, "type", env.Type)
		s.sendError(connID, "unexpected_type", string(env.Type))
	}
}

func (s *Server) login(connID string, env protocol.Envelope) {
	var req protocol.LoginRequest
	if err := protocol.DecodeData(env, &req); err != nil {
		s.sendError(connID, "invalid_data", err.Error())
		return
	}

	profile, err := s.directory.Authenticate(req.Username, req.Password)
	if err != nil {
		s.audit.SecurityEvent("login_failed", "invalid credentials", map[string]any{
			"username": req.Username,
		})
		s.send(connID, protocol.TypeLoginResult, protocol.LoginResult{
			Success: false,
			Message: "invalid credentials",
		})
		return
	}

	sess, err := s.sessions.Open(profile)
	if err != nil {
		s.send(connID, protocol.TypeLoginResult, protocol.LoginResult{
			Success: false,
			Message: "attendant already has an active session",
		})
		return
	}

	token, err := auth.GenerateToken(s.authCfg, profile.ID, profile.Username, string(profile.Role))
	if err != nil {
		slog.Error("Failed to issue token", "attendant_id", profile.ID, "error", err)
		s.sessions.Close(sess.ID)
		s.send(connID, protocol.TypeLoginResult, protocol.LoginResult{
			Success: false,
			Message: "internal error",
		})
		return
	}

	s.mu.Lock()
	s.sessionByConn[connID] = sess.ID
	s.connBySession[sess.ID] = connID
	s.mu.Unlock()

	s.audit.AttendantAction(sess.ID, profile.ID, profile.DisplayName, "login", "", "success", nil)
	s.send(connID, protocol.TypeLoginResult, protocol.LoginResult{
		Success:     true,
		Message:     "welcome " + profile.DisplayName,
		SessionID:   sess.ID,
		AttendantID: profile.ID,
		DisplayName: profile.DisplayName,
		Role:        string(profile.Role),
		Token:       token,
	})
}

func (s *Server) logout(connID string, sess session.Session) {
	s.mu.Lock()
	delete(s.sessionByConn, connID)
	delete(s.connBySession, sess.ID)
	s.mu.Unlock()

	s.sessions.Close(sess.ID)
	s.audit.AttendantAction(sess.ID, sess.AttendantID, sess.AttendantName, "logout", "", "success", nil)
	s.send(connID, protocol.TypeAck, map[string]any{"received": "logout"})
}

// sendClientList pushes the fleet snapshot plus current lock holders.
func (s *Server) sendClientList(connID string) {
	summary := s.registry.Summary()
	locks := s.sessions.Locks()

	holders := make(map[string]string, len(locks))
	for _, lock := range locks {
		holders[lock.ClientID] = lock.AttendantName
	}
	s.send(connID, protocol.TypeClientList, map[string]any{
		"summary":      summary,
		"lock_holders": holders,
		"available":    s.sessions.AvailableClients(s.registry.DeclaredIDs()),
	})
}

func (s *Server) selectClient(connID string, sess session.Session, env protocol.Envelope) {
	var req protocol.SelectClientRequest
	if err := protocol.DecodeData(env, &req); err != nil {
		s.sendError(connID, "invalid_data", err.Error())
		return
	}

	if _, ok := s.registry.FindByDeclaredID(req.ClientID); !ok {
		s.send(connID, protocol.TypeCommandResult, protocol.CommandResult{
			Success:  false,
			ClientID: req.ClientID,
			Message:  "client not connected",
		})
		return
	}
	if !s.directory.CanAccessClient(sess.AttendantID, req.ClientID) {
		s.audit.SecurityEvent("access_denied", "client not assigned", map[string]any{
			"attendant_id": sess.AttendantID,
			"client_id":    req.ClientID,
		})
		s.send(connID, protocol.TypeCommandResult, protocol.CommandResult{
			Success:  false,
			ClientID: req.ClientID,
			Message:  "no access to client " + req.ClientID,
		})
		return
	}

	if err := s.sessions.AcquireLock(req.ClientID, sess.ID, req.Action); err != nil {
		var held *session.LockHeldError
		msg := err.Error()
		if errors.As(err, &held) {
			msg = "Locked by " + held.HolderName + " (" + held.Action + ")"
		}
		s.send(connID, protocol.TypeCommandResult, protocol.CommandResult{
			Success:  false,
			ClientID: req.ClientID,
			Message:  msg,
		})
		return
	}

	s.audit.AttendantAction(sess.ID, sess.AttendantID, sess.AttendantName, "select_client", req.ClientID, "locked", nil)
	s.send(connID, protocol.TypeCommandResult, protocol.CommandResult{
		Success:  true,
		ClientID: req.ClientID,
		Message:  "client locked",
	})
}

func (s *Server) releaseClient(connID string, sess session.Session, env protocol.Envelope) {
	var req protocol.ReleaseClientRequest
	if err := protocol.DecodeData(env, &req); err != nil {
		s.sendError(connID, "invalid_data", err.Error())
		return
	}

	if !s.sessions.ReleaseLock(req.ClientID, sess.ID) {
		s.send(connID, protocol.TypeCommandResult, protocol.CommandResult{
			Success:  false,
			ClientID: req.ClientID,
			Message:  "lock held by another attendant",
		})
		return
	}

	s.audit.AttendantAction(sess.ID, sess.AttendantID, sess.AttendantName, "release_client", req.ClientID, "released", nil)
	s.send(connID, protocol.TypeCommandResult, protocol.CommandResult{
		Success:  true,
		ClientID: req.ClientID,
		Message:  "client released",
	})
	s.notifyAttendants(protocol.Notification{
		Event:    "client_available",
		ClientID: req.ClientID,
		Message:  req.ClientID + " is available",
	})
}

// dispatchCommand runs the full pipeline: validate, authorize, dispatch,
// deliver to the machine and record the outcome.
func (s *Server) dispatchCommand(connID string, sess session.Session, env protocol.Envelope) {
	var req protocol.CommandRequest
	if err := protocol.DecodeData(env, &req); err != nil {
		s.sendError(connID, "invalid_data", err.Error())
		return
	}

	if err := s.dispatcher.Validate(req.Action, req.Parameters); err != nil {
		s.send(connID, protocol.TypeCommandResult, protocol.CommandResult{
			Success:  false,
			Action:   req.Action,
			ClientID: req.ClientID,
			Message:  err.Error(),
		})
		return
	}

	if req.Broadcast {
		s.broadcastCommand(connID, sess, req)
		return
	}

	if err := s.dispatcher.Authorize(sess.AttendantID, sess.ID, req.Action, req.ClientID); err != nil {
		s.rejectCommand(connID, sess, req, err)
		return
	}

	client, ok := s.registry.FindByDeclaredID(req.ClientID)
	if !ok {
		s.send(connID, protocol.TypeCommandResult, protocol.CommandResult{
			Success:  false,
			Action:   req.Action,
			ClientID: req.ClientID,
			Message:  "client not connected",
		})
		return
	}

	directive := s.dispatcher.Dispatch(req.ClientID, req.Action, req.Parameters)
	frame, err := protocol.NewDirective(directive.Action, directive.Parameters)
	if err != nil {
		slog.Error("Failed to encode directive", "action", req.Action, "error", err)
		s.sendError(connID, "internal", "failed to encode command")
		return
	}
	if !s.sender.Send(client.TransportID, frame) {
		s.send(connID, protocol.TypeCommandResult, protocol.CommandResult{
			Success:  false,
			Action:   req.Action,
			ClientID: req.ClientID,
			Message:  "client connection lost",
		})
		return
	}

	s.sessions.RecordCommand(sess.ID)
	s.audit.AttendantAction(sess.ID, sess.AttendantID, sess.AttendantName, req.Action, req.ClientID, "dispatched", req.Parameters)
	s.send(connID, protocol.TypeCommandResult, protocol.CommandResult{
		Success:  true,
		Action:   req.Action,
		ClientID: req.ClientID,
		Message:  "command sent",
		Targets:  1,
	})
}

func (s *Server) rejectCommand(connID string, sess session.Session, req protocol.CommandRequest, err error) {
	var held *session.LockHeldError
	msg := err.Error()
	if errors.As(err, &held) {
		msg = "Locked by " + held.HolderName + " (" + held.Action + ")"
	}
	if errors.Is(err, command.ErrPermissionDenied) {
		s.audit.SecurityEvent("permission_denied", msg, map[string]any{
			"attendant_id": sess.AttendantID,
			"action":       req.Action,
			"client_id":    req.ClientID,
		})
	}
	s.send(connID, protocol.TypeCommandResult, protocol.CommandResult{
		Success:  false,
		Action:   req.Action,
		ClientID: req.ClientID,
		Message:  msg,
	})
}

// broadcastCommand fans a directive out to every identified machine the
// attendant can access. Per-client locks are not required for broadcasts;
// the permission gate on the action still applies.
func (s *Server) broadcastCommand(connID string, sess session.Session, req protocol.CommandRequest) {
	if err := s.dispatcher.Authorize(sess.AttendantID, sess.ID, req.Action, ""); err != nil {
		s.rejectCommand(connID, sess, req, err)
		return
	}

	var targets []string
	for _, id := range s.registry.DeclaredIDs() {
		if s.directory.CanAccessClient(sess.AttendantID, id) {
			targets = append(targets, id)
		}
	}

	sent := 0
	for _, directive := range s.dispatcher.Broadcast(targets, req.Action, req.Parameters) {
		client, ok := s.registry.FindByDeclaredID(directive.ClientID)
		if !ok {
			continue
		}
		frame, err := protocol.NewDirective(directive.Action, directive.Parameters)
		if err != nil {
			continue
		}
		if s.sender.Send(client.TransportID, frame) {
			sent++
		}
	}

	s.sessions.RecordCommand(sess.ID)
	s.audit.AttendantAction(sess.ID, sess.AttendantID, sess.AttendantName, req.Action, "", "broadcast", map[string]any{
		"targets": sent,
	})
	s.send(connID, protocol.TypeCommandResult, protocol.CommandResult{
		Success: true,
		Action:  req.Action,
		Message: "command broadcast",
		Targets: sent,
	})
}

// dropSessionConn removes the connection mapping for a session closed by
// the coordinator and tells the console it has to log in again.
func (s *Server) dropSessionConn(sessionID string) {
	s.mu.Lock()
	connID, ok := s.connBySession[sessionID]
	if ok {
		delete(s.connBySession, sessionID)
		delete(s.sessionByConn, connID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.send(connID, protocol.TypeNotification, protocol.Notification{
		Event:   "session_expired",
		Message: "session closed after inactivity",
	})
}

func (s *Server) sessionFor(connID string) (session.Session, bool) {
	s.mu.RLock()
	sessionID, ok := s.sessionByConn[connID]
	s.mu.RUnlock()
	if !ok {
		return session.Session{}, false
	}
	return s.sessions.Get(sessionID)
}

// notifyAttendants pushes an event frame to every authenticated console.
func (s *Server) notifyAttendants(n protocol.Notification) {
	frame, err := protocol.Encode(protocol.TypeNotification, n)
	if err != nil {
		slog.Error("Failed to encode notification", "event", n.Event, "error", err)
		return
	}

	s.mu.RLock()
	conns := make([]string, 0, len(s.sessionByConn))
	for connID := range s.sessionByConn {
		conns = append(conns, connID)
	}
	s.mu.RUnlock()

	for _, connID := range conns {
		s.sender.Send(connID, frame)
	}
}

func (s *Server) send(connID string, msgType protocol.MessageType, data any) {
	frame, err := protocol.Encode(msgType, data)
	if err != nil {
		slog.Error("Failed to encode frame", "type", msgType, "error", err)
		return
	}
	s.sender.Send(connID, frame)
}

func (s *Server) sendError(connID, code, message string) {
	frame, err := protocol.NewError(code, message)
	if err != nil {
		return
	}
	s.sender.Send(connID, frame)
}
