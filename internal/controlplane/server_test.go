package controlplane

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualityops/control-plane/internal/attendants"
	"github.com/qualityops/control-plane/internal/audit"
	"github.com/qualityops/control-plane/internal/auth"
	"github.com/qualityops/control-plane/internal/catalog"
	"github.com/qualityops/control-plane/internal/command"
	"github.com/qualityops/control-plane/internal/protocol"
	"github.com/qualityops/control-plane/internal/registry"
	"github.com/qualityops/control-plane/internal/session"
	"github.com/qualityops/control-plane/internal/transport"
)

type fakeSender struct {
	mu     sync.Mutex
	frames map[string][]protocol.Envelope
	closed map[string]string
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		frames: make(map[string][]protocol.Envelope),
		closed: make(map[string]string),
	}
}

func (f *fakeSender) Send(connID string, msg []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, gone := f.closed[connID]; gone {
		return false
	}
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		panic(err)
	}
	f.frames[connID] = append(f.frames[connID], env)
	return true
}

func (f *fakeSender) CloseConn(connID string, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[connID] = reason
}

func (f *fakeSender) last(t *testing.T, connID string, msgType protocol.MessageType) protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := f.frames[connID]
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type == msgType {
			return frames[i]
		}
	}
	t.Fatalf("no %s frame sent to %s", msgType, connID)
	return protocol.Envelope{}
}

func (f *fakeSender) count(connID string, msgType protocol.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, env := range f.frames[connID] {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

type fixture struct {
	server *Server
	sender *fakeSender
	disp   *command.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cat := catalog.Default()
	reg := registry.New([]string{"QUALITY_CLIENTE_", "SERVIDOR_", "CLIENT_"}, cat)
	dir := attendants.NewDirectory()
	require.NoError(t, dir.Seed([]attendants.SeedEntry{
		{
			ID:          "ATD001",
			Username:    "ana",
			DisplayName: "Ana Souza",
			Secret:      "s3nior",
			Role:        attendants.RoleSeniorSupport,
		},
		{
			ID:              "ATD002",
			Username:        "bruno",
			DisplayName:     "Bruno Lima",
			Secret:          "jun1or",
			Role:            attendants.RoleJuniorSupport,
			AssignedClients: []string{"QUALITY_CLIENTE_001"},
		},
	}))

	coord := session.NewCoordinator()
	disp := command.NewDispatcher(cat, dir, coord, command.NewHistory(command.DefaultHistoryLimit))
	auditLog, err := audit.NewLogger(t.TempDir())
	require.NoError(t, err)

	server := NewServer(reg, dir, coord, disp, auditLog, auth.Config{Secret: "test-secret"})
	sender := newFakeSender()
	server.SetSender(sender)

	return &fixture{server: server, sender: sender, disp: disp}
}

func (fx *fixture) deliver(t *testing.T, connID string, peer transport.Peer, msgType protocol.MessageType, data any) {
	t.Helper()
	raw, err := protocol.Encode(msgType, data)
	require.NoError(t, err)
	fx.server.HandleMessage(context.Background(), connID, peer, raw)
}

func (fx *fixture) connectMachine(t *testing.T, connID, clientID, name string) {
	t.Helper()
	fx.server.HandleConnect(connID, transport.PeerMachine, "10.0.0.5:1234")
	fx.deliver(t, connID, transport.PeerMachine, protocol.TypeClientIdentification, protocol.Identification{
		ClientID:   clientID,
		ClientName: name,
		Location:   "Matriz",
		Version:    "2.1.0",
	})
}

func (fx *fixture) loginAttendant(t *testing.T, connID, username, secret string) protocol.LoginResult {
	t.Helper()
	fx.server.HandleConnect(connID, transport.PeerAttendant, "10.0.0.9:4321")
	fx.deliver(t, connID, transport.PeerAttendant, protocol.TypeLogin, protocol.LoginRequest{
		Username: username,
		Password: secret,
	})
	env := fx.sender.last(t, connID, protocol.TypeLoginResult)
	var result protocol.LoginResult
	require.NoError(t, protocol.DecodeData(env, &result))
	return result
}

func commandResult(t *testing.T, env protocol.Envelope) protocol.CommandResult {
	t.Helper()
	var result protocol.CommandResult
	require.NoError(t, protocol.DecodeData(env, &result))
	return result
}

func TestMachineIdentification(t *testing.T) {
	fx := newFixture(t)

	fx.connectMachine(t, "conn-m1", "QUALITY_CLIENTE_001", "Loja Centro")

	env := fx.sender.last(t, "conn-m1", protocol.TypeAck)
	assert.Equal(t, protocol.TypeAck, env.Type)
	_, found := fx.server.registry.FindByDeclaredID("QUALITY_CLIENTE_001")
	assert.True(t, found)
}

func TestMachineIdentificationRejectedOnBadPrefix(t *testing.T) {
	fx := newFixture(t)

	fx.server.HandleConnect("conn-evil", transport.PeerMachine, "10.0.0.66:1")
	fx.deliver(t, "conn-evil", transport.PeerMachine, protocol.TypeClientIdentification, protocol.Identification{
		ClientID:   "EVIL_001",
		ClientName: "intruder",
	})

	fx.sender.last(t, "conn-evil", protocol.TypeError)
	fx.sender.mu.Lock()
	reason := fx.sender.closed["conn-evil"]
	fx.sender.mu.Unlock()
	assert.Equal(t, "identification rejected", reason)
}

func TestLoginSuccessAndFailure(t *testing.T) {
	fx := newFixture(t)

	bad := fx.loginAttendant(t, "conn-a1", "ana", "wrong")
	assert.False(t, bad.Success)
	assert.Equal(t, "invalid credentials", bad.Message)
	assert.Empty(t, bad.Token)

	good := fx.loginAttendant(t, "conn-a2", "ana", "s3nior")
	assert.True(t, good.Success)
	assert.Equal(t, "ATD001", good.AttendantID)
	assert.NotEmpty(t, good.SessionID)
	assert.NotEmpty(t, good.Token)

	claims, err := auth.ValidateToken("test-secret", good.Token)
	require.NoError(t, err)
	assert.Equal(t, "ana", claims.Username)
}

func TestSecondLoginForSameAttendantRejected(t *testing.T) {
	fx := newFixture(t)

	first := fx.loginAttendant(t, "conn-a1", "ana", "s3nior")
	require.True(t, first.Success)

	second := fx.loginAttendant(t, "conn-a2", "ana", "s3nior")
	assert.False(t, second.Success)
	assert.Contains(t, second.Message, "active session")
}

func TestUnauthenticatedAttendantRejected(t *testing.T) {
	fx := newFixture(t)

	fx.server.HandleConnect("conn-anon", transport.PeerAttendant, "10.0.0.9:1")
	fx.deliver(t, "conn-anon", transport.PeerAttendant, protocol.TypeListClients, map[string]any{})

	env := fx.sender.last(t, "conn-anon", protocol.TypeError)
	var errPayload protocol.ErrorPayload
	require.NoError(t, protocol.DecodeData(env, &errPayload))
	assert.Equal(t, "not_authenticated", errPayload.Code)
}

func TestExclusiveAccessScenario(t *testing.T) {
	fx := newFixture(t)

	fx.connectMachine(t, "conn-m1", "QUALITY_CLIENTE_001", "Loja Centro")
	require.True(t, fx.loginAttendant(t, "conn-ana", "ana", "s3nior").Success)
	require.True(t, fx.loginAttendant(t, "conn-bruno", "bruno", "jun1or").Success)

	// Ana takes the machine.
	fx.deliver(t, "conn-ana", transport.PeerAttendant, protocol.TypeSelectClient, protocol.SelectClientRequest{
		ClientID: "QUALITY_CLIENTE_001",
		Action:   "restarting fiscal service",
	})
	result := commandResult(t, fx.sender.last(t, "conn-ana", protocol.TypeCommandResult))
	require.True(t, result.Success)

	// Ana dispatches a restart. The machine receives the directive.
	fx.deliver(t, "conn-ana", transport.PeerAttendant, protocol.TypeCommand, protocol.CommandRequest{
		ClientID: "QUALITY_CLIENTE_001",
		Action:   "restart_service",
		Parameters: map[string]any{
			"service_name": "ServicoFiscal",
		},
	})
	result = commandResult(t, fx.sender.last(t, "conn-ana", protocol.TypeCommandResult))
	require.True(t, result.Success)
	assert.Equal(t, 1, result.Targets)

	directive := fx.sender.last(t, "conn-m1", protocol.TypeCommandDirective)
	var payload protocol.DirectivePayload
	require.NoError(t, protocol.DecodeData(directive, &payload))
	assert.Equal(t, "restart_service", payload.Action)
	assert.Equal(t, "ServicoFiscal", payload.Parameters["service_name"])

	records := fx.disp.History(10)
	require.Len(t, records, 1)
	assert.Equal(t, "restart_service", records[0].Action)

	// Bruno is told who holds the machine.
	fx.deliver(t, "conn-bruno", transport.PeerAttendant, protocol.TypeSelectClient, protocol.SelectClientRequest{
		ClientID: "QUALITY_CLIENTE_001",
	})
	result = commandResult(t, fx.sender.last(t, "conn-bruno", protocol.TypeCommandResult))
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "Locked by Ana Souza")

	// Dispatching without the lock fails the same way.
	fx.deliver(t, "conn-bruno", transport.PeerAttendant, protocol.TypeCommand, protocol.CommandRequest{
		ClientID: "QUALITY_CLIENTE_001",
		Action:   "restart_service",
		Parameters: map[string]any{
			"service_name": "ServicoFiscal",
		},
	})
	result = commandResult(t, fx.sender.last(t, "conn-bruno", protocol.TypeCommandResult))
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "Locked by Ana Souza")
}

func TestCommandResponseForwardedToLockHolder(t *testing.T) {
	fx := newFixture(t)

	fx.connectMachine(t, "conn-m1", "QUALITY_CLIENTE_001", "Loja Centro")
	require.True(t, fx.loginAttendant(t, "conn-ana", "ana", "s3nior").Success)

	fx.deliver(t, "conn-ana", transport.PeerAttendant, protocol.TypeSelectClient, protocol.SelectClientRequest{
		ClientID: "QUALITY_CLIENTE_001",
	})

	before := fx.sender.count("conn-ana", protocol.TypeCommandResult)
	fx.deliver(t, "conn-m1", transport.PeerMachine, protocol.TypeCommandResponse, protocol.CommandResponse{
		OriginalAction: "restart_service",
		Success:        true,
		Message:        "service restarted",
	})

	require.Equal(t, before+1, fx.sender.count("conn-ana", protocol.TypeCommandResult))
	result := commandResult(t, fx.sender.last(t, "conn-ana", protocol.TypeCommandResult))
	assert.True(t, result.Success)
	assert.Equal(t, "restart_service", result.Action)
	assert.Equal(t, "QUALITY_CLIENTE_001", result.ClientID)
	assert.Equal(t, "service restarted", result.Message)
}

func TestAttendantDisconnectReleasesLock(t *testing.T) {
	fx := newFixture(t)

	fx.connectMachine(t, "conn-m1", "QUALITY_CLIENTE_001", "Loja Centro")
	require.True(t, fx.loginAttendant(t, "conn-ana", "ana", "s3nior").Success)
	fx.deliver(t, "conn-ana", transport.PeerAttendant, protocol.TypeSelectClient, protocol.SelectClientRequest{
		ClientID: "QUALITY_CLIENTE_001",
	})

	fx.server.HandleDisconnect("conn-ana", transport.PeerAttendant, nil)

	require.True(t, fx.loginAttendant(t, "conn-bruno", "bruno", "jun1or").Success)
	fx.deliver(t, "conn-bruno", transport.PeerAttendant, protocol.TypeSelectClient, protocol.SelectClientRequest{
		ClientID: "QUALITY_CLIENTE_001",
	})
	result := commandResult(t, fx.sender.last(t, "conn-bruno", protocol.TypeCommandResult))
	assert.True(t, result.Success)
}

func TestMachineDisconnectNotifiesAttendants(t *testing.T) {
	fx := newFixture(t)

	require.True(t, fx.loginAttendant(t, "conn-ana", "ana", "s3nior").Success)
	fx.connectMachine(t, "conn-m1", "QUALITY_CLIENTE_001", "Loja Centro")

	connected := fx.sender.last(t, "conn-ana", protocol.TypeNotification)
	var n protocol.Notification
	require.NoError(t, protocol.DecodeData(connected, &n))
	assert.Equal(t, "client_connected", n.Event)

	fx.server.HandleDisconnect("conn-m1", transport.PeerMachine, nil)

	gone := fx.sender.last(t, "conn-ana", protocol.TypeNotification)
	require.NoError(t, protocol.DecodeData(gone, &n))
	assert.Equal(t, "client_disconnected", n.Event)
	assert.Equal(t, "QUALITY_CLIENTE_001", n.ClientID)
}

func TestListClients(t *testing.T) {
	fx := newFixture(t)

	fx.connectMachine(t, "conn-m1", "QUALITY_CLIENTE_001", "Loja Centro")
	fx.connectMachine(t, "conn-m2", "SERVIDOR_002", "Data Center")
	require.True(t, fx.loginAttendant(t, "conn-ana", "ana", "s3nior").Success)

	fx.deliver(t, "conn-ana", transport.PeerAttendant, protocol.TypeSelectClient, protocol.SelectClientRequest{
		ClientID: "QUALITY_CLIENTE_001",
	})
	fx.deliver(t, "conn-ana", transport.PeerAttendant, protocol.TypeListClients, map[string]any{})

	env := fx.sender.last(t, "conn-ana", protocol.TypeClientList)
	var list struct {
		LockHolders map[string]string `json:"lock_holders"`
		Available   []string          `json:"available"`
	}
	require.NoError(t, protocol.DecodeData(env, &list))
	assert.Equal(t, "Ana Souza", list.LockHolders["QUALITY_CLIENTE_001"])
	assert.Equal(t, []string{"SERVIDOR_002"}, list.Available)
}

func TestBroadcastCommand(t *testing.T) {
	fx := newFixture(t)

	fx.connectMachine(t, "conn-m1", "QUALITY_CLIENTE_001", "Loja Centro")
	fx.connectMachine(t, "conn-m2", "SERVIDOR_002", "Data Center")
	require.True(t, fx.loginAttendant(t, "conn-ana", "ana", "s3nior").Success)

	fx.deliver(t, "conn-ana", transport.PeerAttendant, protocol.TypeCommand, protocol.CommandRequest{
		Action:    "get_status",
		Broadcast: true,
	})

	result := commandResult(t, fx.sender.last(t, "conn-ana", protocol.TypeCommandResult))
	require.True(t, result.Success)
	assert.Equal(t, 2, result.Targets)
	assert.Equal(t, 1, fx.sender.count("conn-m1", protocol.TypeCommandDirective))
	assert.Equal(t, 1, fx.sender.count("conn-m2", protocol.TypeCommandDirective))
}

func TestBroadcastRespectsAssignments(t *testing.T) {
	fx := newFixture(t)

	fx.connectMachine(t, "conn-m1", "QUALITY_CLIENTE_001", "Loja Centro")
	fx.connectMachine(t, "conn-m2", "SERVIDOR_002", "Data Center")
	require.True(t, fx.loginAttendant(t, "conn-bruno", "bruno", "jun1or").Success)

	fx.deliver(t, "conn-bruno", transport.PeerAttendant, protocol.TypeCommand, protocol.CommandRequest{
		Action:    "get_status",
		Broadcast: true,
	})

	result := commandResult(t, fx.sender.last(t, "conn-bruno", protocol.TypeCommandResult))
	require.True(t, result.Success)
	assert.Equal(t, 1, result.Targets)
	assert.Equal(t, 0, fx.sender.count("conn-m2", protocol.TypeCommandDirective))
}

func TestInvalidCommandRejectedBeforeDispatch(t *testing.T) {
	fx := newFixture(t)

	fx.connectMachine(t, "conn-m1", "QUALITY_CLIENTE_001", "Loja Centro")
	require.True(t, fx.loginAttendant(t, "conn-ana", "ana", "s3nior").Success)
	fx.deliver(t, "conn-ana", transport.PeerAttendant, protocol.TypeSelectClient, protocol.SelectClientRequest{
		ClientID: "QUALITY_CLIENTE_001",
	})

	fx.deliver(t, "conn-ana", transport.PeerAttendant, protocol.TypeCommand, protocol.CommandRequest{
		ClientID: "QUALITY_CLIENTE_001",
		Action:   "restart_service",
		Parameters: map[string]any{
			"service_name": "NoSuchService",
		},
	})

	result := commandResult(t, fx.sender.last(t, "conn-ana", protocol.TypeCommandResult))
	assert.False(t, result.Success)
	assert.Equal(t, 0, fx.sender.count("conn-m1", protocol.TypeCommandDirective))
}

func TestLogout(t *testing.T) {
	fx := newFixture(t)

	login := fx.loginAttendant(t, "conn-ana", "ana", "s3nior")
	require.True(t, login.Success)

	fx.deliver(t, "conn-ana", transport.PeerAttendant, protocol.TypeLogout, map[string]any{})
	fx.sender.last(t, "conn-ana", protocol.TypeAck)

	_, alive := fx.server.sessions.Get(login.SessionID)
	assert.False(t, alive)

	// The same attendant can log in again.
	again := fx.loginAttendant(t, "conn-ana2", "ana", "s3nior")
	assert.True(t, again.Success)
}
