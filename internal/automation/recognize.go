package automation

import (
	"strings"

	"github.com/resident-x/go-inventum/internal/config"
	"github.com/resident-x/go-inventum/internal/terminal"
)

// recognizer matches a marker text against one screen row. Row 0 means the row the
// cursor is on.
type recognizer struct {
	state  State
	marker config.ScreenMarker
}

// newRecognizers returns the recognizers in priority order.
func newRecognizers(m config.Markers) []recognizer {
	return []recognizer{
		{state: StateAwaitingLoginCode, marker: m.LoginPrompt},
		{state: StateAwaitingPin, marker: m.PinPrompt},
		{state: StateMainMenu, marker: m.MainMenu},
		{state: StateIOStatusMenu, marker: m.IOStatus},
		{state: StateFanParameterScreen, marker: m.FanParameter},
	}
}

func (r recognizer) matches(screen *terminal.Screen) bool {
	var text string
	if r.marker.Row == 0 {
		text = screen.CurrentRowText()
	} else {
		text = screen.RowText(r.marker.Row)
	}
	return strings.Contains(text, r.marker.Text)
}

// recognize returns the state of the first matching recognizer.
func recognize(recognizers []recognizer, screen *terminal.Screen) (State, bool) {
	for _, r := range recognizers {
		if !r.matches(screen) {
			continue
		}
		if r.state == StateMainMenu {
			if _, selected := screen.SelectedRowText(); selected {
				return StateMainMenuItemSelected, true
			}
		}
		return r.state, true
	}
	return StateIdle, false
}
