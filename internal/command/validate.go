package command

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/qualityops/control-plane/internal/catalog"
)

var (
	ErrUnknownAction     = errors.New("unknown action")
	ErrInvalidParameters = errors.New("invalid parameters")
)

const (
	minLogLines     = 1
	maxLogLines     = 10000
	defaultLogLines = 100
)

// Spec describes one action in the command vocabulary.
type Spec struct {
	Action      string   `json:"action"`
	Description string   `json:"description"`
	Parameters  []string `json:"parameters"`
	Category    string   `json:"category"`
	ReadOnly    bool     `json:"read_only"`
}

// specs is the fixed action vocabulary. Read-only actions do not require
// the caller to hold the client lock.
var specs = map[string]Spec{
	"get_status": {
		Action:      "get_status",
		Description: "Report current status of all managed services",
		Category:    "services",
		ReadOnly:    true,
	},
	"start_service": {
		Action:      "start_service",
		Description: "Start a managed service",
		Parameters:  []string{"service_name"},
		Category:    "services",
	},
	"stop_service": {
		Action:      "stop_service",
		Description: "Stop a managed service",
		Parameters:  []string{"service_name"},
		Category:    "services",
	},
	"restart_service": {
		Action:      "restart_service",
		Description: "Restart a managed service",
		Parameters:  []string{"service_name"},
		Category:    "services",
	},
	"restart_all_services": {
		Action:      "restart_all_services",
		Description: "Restart every managed service in dependency order",
		Category:    "services",
	},
	"get_processes": {
		Action:      "get_processes",
		Description: "List managed processes",
		Category:    "processes",
		ReadOnly:    true,
	},
	"kill_process": {
		Action:      "kill_process",
		Description: "Terminate a process by pid",
		Parameters:  []string{"pid"},
		Category:    "processes",
	},
	"get_logs": {
		Action:      "get_logs",
		Description: "Fetch the tail of a service log",
		Parameters:  []string{"service_name", "lines"},
		Category:    "logs",
		ReadOnly:    true,
	},
	"start_log_monitoring": {
		Action:      "start_log_monitoring",
		Description: "Start streaming a service log",
		Parameters:  []string{"service_name"},
		Category:    "logs",
	},
	"stop_log_monitoring": {
		Action:      "stop_log_monitoring",
		Description: "Stop streaming a service log",
		Parameters:  []string{"service_name"},
		Category:    "logs",
	},
	"get_system_info": {
		Action:      "get_system_info",
		Description: "Report host system information",
		Category:    "system",
		ReadOnly:    true,
	},
}

// serviceActions are the actions whose service_name parameter must name a
// cataloged service.
var serviceActions = map[string]bool{
	"start_service":        true,
	"stop_service":         true,
	"restart_service":      true,
	"get_logs":             true,
	"start_log_monitoring": true,
	"stop_log_monitoring":  true,
}

// Specs lists the command vocabulary for discovery by attendant UIs.
func Specs() []Spec {
	order := []string{
		"get_status", "start_service", "stop_service", "restart_service",
		"restart_all_services", "get_processes", "kill_process", "get_logs",
		"start_log_monitoring", "stop_log_monitoring", "get_system_info",
	}
	out := make([]Spec, 0, len(order))
	for _, action := range order {
		out = append(out, specs[action])
	}
	return out
}

// ReadOnly reports whether an action only observes the machine.
func ReadOnly(action string) bool {
	spec, ok := specs[action]
	return ok && spec.ReadOnly
}

// Known reports whether the action is part of the vocabulary.
func Known(action string) bool {
	_, ok := specs[action]
	return ok
}

// validate runs the per-action schema check against the parameters.
func validate(cat *catalog.Catalog, action string, params map[string]any) error {
	if !Known(action) {
		return fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	if serviceActions[action] {
		name, _ := params["service_name"].(string)
		if name == "" {
			return fmt.Errorf("%w: service_name is required", ErrInvalidParameters)
		}
		if !cat.Has(name) {
			return fmt.Errorf("%w: %s is not a known service", ErrInvalidParameters, name)
		}
	}

	if action == "kill_process" {
		if _, err := intParam(params, "pid"); err != nil {
			return err
		}
	}

	if action == "get_logs" {
		lines := defaultLogLines
		if _, present := params["lines"]; present {
			var err error
			lines, err = intParam(params, "lines")
			if err != nil {
				return err
			}
		}
		if lines < minLogLines || lines > maxLogLines {
			return fmt.Errorf("%w: lines must be between %d and %d",
				ErrInvalidParameters, minLogLines, maxLogLines)
		}
	}

	return nil
}

// intParam reads a numeric parameter that may arrive as a JSON number or a
// string, the two shapes agents actually send.
func intParam(params map[string]any, key string) (int, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidParameters, key)
	}
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParameters, key)
		}
		return int(v), nil
	case int:
		return v, nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParameters, key)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParameters, key)
	}
}
