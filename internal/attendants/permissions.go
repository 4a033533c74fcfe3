package attendants

// Named permission keys.
const (
	PermRestartServices        = "can_restart_services"
	PermKillProcesses          = "can_kill_processes"
	PermViewLogs               = "can_view_logs"
	PermManageAllClients       = "can_manage_all_clients"
	PermPerformCriticalActions = "can_perform_critical_actions"
	PermManageAttendants       = "can_manage_attendants"
	PermViewAllSessions        = "can_view_all_sessions"
)

// actionPermissions maps command actions to the permission they require.
// Actions absent from this table are permitted by default.
var actionPermissions = map[string]string{
	"start_service":        PermRestartServices,
	"stop_service":         PermRestartServices,
	"restart_service":      PermRestartServices,
	"restart_all_services": PermRestartServices,
	"kill_process":         PermKillProcesses,
	"get_logs":             PermViewLogs,
	"start_log_monitoring": PermViewLogs,
	"stop_log_monitoring":  PermViewLogs,
	"critical_action":      PermPerformCriticalActions,
}

// RequiredPermission returns the permission key an action needs, if any.
func RequiredPermission(action string) (string, bool) {
	perm, ok := actionPermissions[action]
	return perm, ok
}

// DefaultPermissions returns the permission set granted to a role when an
// attendant is created without an explicit one.
func DefaultPermissions(role Role) map[string]bool {
	switch role {
	case RoleAdministrator:
		return map[string]bool{
			PermRestartServices:        true,
			PermKillProcesses:          true,
			PermViewLogs:               true,
			PermManageAllClients:       true,
			PermPerformCriticalActions: true,
			PermManageAttendants:       true,
			PermViewAllSessions:        true,
		}
	case RoleSeniorSupport:
		return map[string]bool{
			PermRestartServices:        true,
			PermKillProcesses:          true,
			PermViewLogs:               true,
			PermManageAllClients:       true,
			PermPerformCriticalActions: true,
		}
	case RoleJuniorSupport:
		return map[string]bool{
			PermRestartServices: true,
			PermViewLogs:        true,
		}
	default:
		return map[string]bool{}
	}
}
