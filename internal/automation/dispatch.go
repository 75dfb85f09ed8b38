package automation

import "fmt"

// action is the workflow step selected for a (state, target) pair.
type action int

const (
	actionNone action = iota
	actionSendLoginCode
	actionSendPin
	actionOpenIOMenu
	actionStartDatalogger
	actionFinishStop
	actionNavigateToFan
	actionSetFanHigh
	actionRevertFan
	actionBackOut
	actionDecodeDatalogger
	actionExitDatalogger
)

// String returns the string representation of the action.
func (a action) String() string {
	switch a {
	case actionNone:
		return "none"
	case actionSendLoginCode:
		return "send_login_code"
	case actionSendPin:
		return "send_pin"
	case actionOpenIOMenu:
		return "open_io_menu"
	case actionStartDatalogger:
		return "start_datalogger"
	case actionFinishStop:
		return "finish_stop"
	case actionNavigateToFan:
		return "navigate_to_fan"
	case actionSetFanHigh:
		return "set_fan_high"
	case actionRevertFan:
		return "revert_fan"
	case actionBackOut:
		return "back_out"
	case actionDecodeDatalogger:
		return "decode_datalogger"
	case actionExitDatalogger:
		return "exit_datalogger"
	default:
		return "unknown"
	}
}

// dispatch maps the product of state and target to an action. Every pair has an
// explicit entry; an unknown pair is an error, never a silent no-op.
func dispatch(current State, target Target) (action, error) {
	switch current {
	case StateIdle, StateDataloggerExiting:
		// Waiting for the unit to draw a screen we know
		return actionNone, nil

	case StateAwaitingLoginCode:
		return actionSendLoginCode, nil

	case StateAwaitingPin:
		return actionSendPin, nil

	case StateMainMenu, StateMainMenuItemSelected:
		switch target {
		case TargetMainMenu:
			return actionNone, nil
		case TargetSetFanHigh, TargetSetFanAuto:
			return actionOpenIOMenu, nil
		case TargetStartDatalogger:
			return actionStartDatalogger, nil
		case TargetStopDatalogger:
			return actionFinishStop, nil
		}

	case StateIOStatusMenu:
		switch target {
		case TargetSetFanHigh, TargetSetFanAuto:
			return actionNavigateToFan, nil
		case TargetMainMenu, TargetStartDatalogger, TargetStopDatalogger:
			return actionBackOut, nil
		}

	case StateFanParameterScreen:
		switch target {
		case TargetSetFanHigh:
			return actionSetFanHigh, nil
		case TargetSetFanAuto:
			return actionRevertFan, nil
		case TargetMainMenu, TargetStartDatalogger, TargetStopDatalogger:
			return actionBackOut, nil
		}

	case StateDatalogger:
		switch target {
		case TargetStartDatalogger:
			return actionDecodeDatalogger, nil
		case TargetMainMenu, TargetSetFanHigh, TargetSetFanAuto, TargetStopDatalogger:
			return actionExitDatalogger, nil
		}
	}

	return actionNone, fmt.Errorf("no workflow for state %s with target %s", current, target)
}
