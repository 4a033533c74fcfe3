package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualityops/control-plane/internal/attendants"
	"github.com/qualityops/control-plane/internal/catalog"
	"github.com/qualityops/control-plane/internal/session"
)

type dispatcherFixture struct {
	dispatcher *Dispatcher
	sessions   *session.Coordinator
	senior     session.Session
	junior     session.Session
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()

	dir := attendants.NewDirectory()
	require.NoError(t, dir.Seed([]attendants.SeedEntry{
		{
			ID:          "ATD001",
			Username:    "ana",
			DisplayName: "Ana Lima",
			Secret:      "ana123",
			Role:        attendants.RoleSeniorSupport,
		},
		{
			ID:              "ATD002",
			Username:        "joao",
			DisplayName:     "Joao Silva",
			Secret:          "joao123",
			Role:            attendants.RoleJuniorSupport,
			AssignedClients: []string{"QUALITY_CLIENTE_001"},
		},
	}))

	coord := session.NewCoordinator()
	seniorProfile, _ := dir.Get("ATD001")
	juniorProfile, _ := dir.Get("ATD002")
	senior, err := coord.Open(seniorProfile)
	require.NoError(t, err)
	junior, err := coord.Open(juniorProfile)
	require.NoError(t, err)

	return &dispatcherFixture{
		dispatcher: NewDispatcher(catalog.Default(), dir, coord, NewHistory(0)),
		sessions:   coord,
		senior:     senior,
		junior:     junior,
	}
}

func TestValidateServiceName(t *testing.T) {
	f := newDispatcherFixture(t)

	err := f.dispatcher.Validate("restart_service", map[string]any{"service_name": "ServicoFiscal"})
	assert.NoError(t, err)

	err = f.dispatcher.Validate("restart_service", map[string]any{"service_name": "NotAService"})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	err = f.dispatcher.Validate("restart_service", map[string]any{})
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestValidateUnknownAction(t *testing.T) {
	f := newDispatcherFixture(t)
	err := f.dispatcher.Validate("format_disk", nil)
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestValidateLogLines(t *testing.T) {
	f := newDispatcherFixture(t)

	base := map[string]any{"service_name": "ServicoFiscal"}

	// Omitted lines falls back to the default and passes.
	assert.NoError(t, f.dispatcher.Validate("get_logs", base))

	for _, lines := range []any{float64(1), float64(10000), "500"} {
		err := f.dispatcher.Validate("get_logs", map[string]any{
			"service_name": "ServicoFiscal",
			"lines":        lines,
		})
		assert.NoError(t, err, "lines=%v", lines)
	}

	// Fractional counts are rejected, not truncated.
	for _, lines := range []any{float64(0), float64(10001), float64(2.5), "many", true} {
		err := f.dispatcher.Validate("get_logs", map[string]any{
			"service_name": "ServicoFiscal",
			"lines":        lines,
		})
		assert.ErrorIs(t, err, ErrInvalidParameters, "lines=%v", lines)
	}
}

func TestValidateKillProcess(t *testing.T) {
	f := newDispatcherFixture(t)

	assert.NoError(t, f.dispatcher.Validate("kill_process", map[string]any{"pid": float64(4312)}))
	assert.NoError(t, f.dispatcher.Validate("kill_process", map[string]any{"pid": "4312"}))

	err := f.dispatcher.Validate("kill_process", map[string]any{})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	err = f.dispatcher.Validate("kill_process", map[string]any{"pid": "abc"})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	err = f.dispatcher.Validate("kill_process", map[string]any{"pid": float64(3.7)})
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestAuthorizePermissionGating(t *testing.T) {
	f := newDispatcherFixture(t)
	const client = "QUALITY_CLIENTE_001"

	// Junior holds the lock but lacks can_kill_processes.
	require.NoError(t, f.sessions.AcquireLock(client, f.junior.ID, "maintenance"))
	err := f.dispatcher.Authorize("ATD002", f.junior.ID, "kill_process", client)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// With the right permission and the lock, a state change is allowed.
	err = f.dispatcher.Authorize("ATD002", f.junior.ID, "restart_service", client)
	assert.NoError(t, err)
}

func TestAuthorizeAssignmentGating(t *testing.T) {
	f := newDispatcherFixture(t)

	// Junior has the restart permission but no assignment for this client.
	err := f.dispatcher.Authorize("ATD002", f.junior.ID, "restart_service", "QUALITY_CLIENTE_999")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestAuthorizeLockRules(t *testing.T) {
	f := newDispatcherFixture(t)
	const client = "QUALITY_CLIENTE_001"

	// State-changing action without any lock.
	err := f.dispatcher.Authorize("ATD001", f.senior.ID, "restart_service", client)
	assert.ErrorIs(t, err, ErrLockRequired)

	// Read-only actions never need the lock.
	err = f.dispatcher.Authorize("ATD001", f.senior.ID, "get_status", client)
	assert.NoError(t, err)

	// A lock held by someone else is a conflict naming the holder.
	require.NoError(t, f.sessions.AcquireLock(client, f.junior.ID, "viewing logs"))
	err = f.dispatcher.Authorize("ATD001", f.senior.ID, "restart_service", client)
	var held *session.LockHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "Joao Silva", held.HolderName)
}

func TestDispatchAppendsHistory(t *testing.T) {
	f := newDispatcherFixture(t)

	directive := f.dispatcher.Dispatch("QUALITY_CLIENTE_001", "restart_service",
		map[string]any{"service_name": "ServicoFiscal"})

	assert.Equal(t, "restart_service", directive.Action)
	assert.Equal(t, "QUALITY_CLIENTE_001", directive.ClientID)
	assert.False(t, directive.IssuedAt.IsZero())

	records := f.dispatcher.History(0)
	require.Len(t, records, 1)
	assert.Equal(t, "restart_service", records[0].Action)
	assert.Equal(t, "ServicoFiscal", records[0].Parameters["service_name"])
}

func TestDispatchNilParameters(t *testing.T) {
	f := newDispatcherFixture(t)
	directive := f.dispatcher.Dispatch("X1", "get_status", nil)
	assert.NotNil(t, directive.Parameters)
}

func TestBroadcast(t *testing.T) {
	f := newDispatcherFixture(t)

	directives := f.dispatcher.Broadcast([]string{"X1", "X2", "X3"}, "get_status", nil)
	assert.Len(t, directives, 3)
	assert.Equal(t, 3, len(f.dispatcher.History(0)))
}

func TestHistoryBounded(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Append(Record{Action: string(rune('a' + i))})
	}

	records := h.Recent(0)
	require.Len(t, records, 3)
	// Oldest entries were evicted, newest kept in order.
	assert.Equal(t, "c", records[0].Action)
	assert.Equal(t, "e", records[2].Action)

	assert.Len(t, h.Recent(2), 2)
}

func TestSpecsCoverVocabulary(t *testing.T) {
	actions := make(map[string]Spec)
	for _, spec := range Specs() {
		actions[spec.Action] = spec
	}

	assert.Len(t, actions, 11)
	assert.True(t, actions["get_status"].ReadOnly)
	assert.False(t, actions["restart_service"].ReadOnly)
	assert.Contains(t, actions["get_logs"].Parameters, "lines")
}
