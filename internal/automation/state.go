// Package automation drives the unit's menu UI from the decoded screen.
package automation

// State is the screen last positively recognized.
type State int

// States are ordered: everything from StateMainMenu on is past login.
const (
	StateIdle State = iota
	StateAwaitingLoginCode
	StateAwaitingPin
	StateMainMenu
	StateMainMenuItemSelected
	StateIOStatusMenu
	StateFanParameterScreen
	StateDatalogger
	StateDataloggerExiting
)

var allStates = []State{
	StateIdle,
	StateAwaitingLoginCode,
	StateAwaitingPin,
	StateMainMenu,
	StateMainMenuItemSelected,
	StateIOStatusMenu,
	StateFanParameterScreen,
	StateDatalogger,
	StateDataloggerExiting,
}

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingLoginCode:
		return "awaiting_login_code"
	case StateAwaitingPin:
		return "awaiting_pin"
	case StateMainMenu:
		return "main_menu"
	case StateMainMenuItemSelected:
		return "main_menu_item_selected"
	case StateIOStatusMenu:
		return "io_status_menu"
	case StateFanParameterScreen:
		return "fan_parameter_screen"
	case StateDatalogger:
		return "datalogger"
	case StateDataloggerExiting:
		return "datalogger_exiting"
	default:
		return "unknown"
	}
}

// LoggedIn reports whether the state is at or past the main menu.
func (s State) LoggedIn() bool {
	return s >= StateMainMenu
}

// Target is the destination requested by an external command.
type Target int

const (
	TargetMainMenu Target = iota
	TargetSetFanHigh
	TargetSetFanAuto
	TargetStartDatalogger
	TargetStopDatalogger
)

var allTargets = []Target{
	TargetMainMenu,
	TargetSetFanHigh,
	TargetSetFanAuto,
	TargetStartDatalogger,
	TargetStopDatalogger,
}

// String returns the string representation of the target.
func (t Target) String() string {
	switch t {
	case TargetMainMenu:
		return "main_menu"
	case TargetSetFanHigh:
		return "set_fan_high"
	case TargetSetFanAuto:
		return "set_fan_auto"
	case TargetStartDatalogger:
		return "start_datalogger"
	case TargetStopDatalogger:
		return "stop_datalogger"
	default:
		return "unknown"
	}
}
