// Package simulator emulates the service terminal of an Inventum Ecolution unit: the
// login prompts, the main menu, the IO status list with its fan parameter, and the
// datalogger stream. It draws with the same VT100 subset the real unit emits.
package simulator

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/resident-x/go-inventum/internal/config"
)

// ErrClosed is returned after the unit has been closed.
var ErrClosed = errors.New("simulated unit closed")

const (
	esc = 0x1b
	csi = '['
	cr  = '\r'

	ioFirstRow    = 4
	fanPromptRow  = 51
	loginRow      = 10
	defaultMenu   = 20
	defaultRecord = time.Second
)

// Screen names the screen the unit is showing.
type Screen int

const (
	ScreenLogin Screen = iota
	ScreenPin
	ScreenMainMenu
	ScreenIOStatus
	ScreenFanParameter
	ScreenDatalogger
)

// String returns the string representation of the screen.
func (s Screen) String() string {
	switch s {
	case ScreenLogin:
		return "login"
	case ScreenPin:
		return "pin"
	case ScreenMainMenu:
		return "main_menu"
	case ScreenIOStatus:
		return "io_status"
	case ScreenFanParameter:
		return "fan_parameter"
	case ScreenDatalogger:
		return "datalogger"
	default:
		return "unknown"
	}
}

// Options configures a Unit. Codes, menu keys and the datalogger framing are taken
// from the same configuration the gateway uses.
type Options struct {
	Device         config.DeviceConfig
	Datalogger     config.DataloggerConfig
	RecordInterval time.Duration
	MenuItems      int
	FanMode        string
}

// datalogger columns, as (header label, value generator) pairs.
var columns = []struct {
	label string
	value func(u *Unit) string
}{
	{"Temp (C)", func(u *Unit) string { return u.temperature(21.0) }},
	{"Temp supply (C)", func(u *Unit) string { return u.temperature(18.5) }},
	{"Temp exhaust (C)", func(u *Unit) string { return u.temperature(12.0) }},
	{"Fan speed mode", func(u *Unit) string { return u.fanMode }},
	{"Fan speed", func(u *Unit) string { return fanSpeed(u.fanMode) }},
	{"Bypass", func(u *Unit) string { return "0" }},
	{"Filter status", func(u *Unit) string { return "OK" }},
	{"Error code", func(u *Unit) string { return "0" }},
}

// Unit is an in-memory Inventum unit. Bytes written to it are keystrokes; what it
// draws is read back through Available and Read, so it satisfies domain.ByteSource
// and can stand in for the serial link.
type Unit struct {
	opts   Options
	clock  clockwork.Clock
	logger zerolog.Logger

	mu         sync.Mutex
	screen     Screen
	out        bytes.Buffer
	pending    []byte
	typed      []byte
	selected   int
	fanMode    string
	lastRecord time.Time
	records    int
	closed     bool
}

// NewUnit creates a unit showing the login prompt.
func NewUnit(opts Options, clock clockwork.Clock, logger zerolog.Logger) *Unit {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.MenuItems <= 0 {
		opts.MenuItems = defaultMenu
	}
	if opts.MenuItems < opts.Device.FanMenuIndex {
		opts.MenuItems = opts.Device.FanMenuIndex
	}
	if opts.RecordInterval <= 0 {
		opts.RecordInterval = defaultRecord
	}
	if opts.FanMode == "" {
		opts.FanMode = "1"
	}

	u := &Unit{
		opts:    opts,
		clock:   clock,
		logger:  logger.With().Str("component", "simulator").Logger(),
		fanMode: opts.FanMode,
	}
	u.show(ScreenLogin)
	return u
}

// Screen returns the screen currently shown.
func (u *Unit) Screen() Screen {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.screen
}

// FanMode returns the value of the fan parameter.
func (u *Unit) FanMode() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fanMode
}

// Records returns how many datalogger lines were emitted.
func (u *Unit) Records() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.records
}

// Available emits any datalogger lines that fell due and reports the buffered output.
func (u *Unit) Available() (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return 0, ErrClosed
	}
	u.emitRecords()
	return u.out.Len(), nil
}

// Read returns at most max bytes of output.
func (u *Unit) Read(max int) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil, ErrClosed
	}
	return append([]byte{}, u.out.Next(max)...), nil
}

// Write feeds keystrokes to the unit.
func (u *Unit) Write(p []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}

	u.pending = append(u.pending, p...)
	for len(u.pending) > 0 {
		n, key := nextKey(u.pending)
		if n == 0 {
			// Incomplete cursor key, wait for the rest
			break
		}
		u.pending = u.pending[n:]
		u.press(key)
	}
	return nil
}

// Close releases the unit.
func (u *Unit) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	return nil
}

type key int

const (
	keyChar key = iota
	keyEscape
	keyEnter
	keyUp
	keyDown
	keyOther
)

type keypress struct {
	kind key
	char byte
}

// nextKey decodes one keystroke. It returns 0 when p holds only the start of a
// cursor key sequence.
func nextKey(p []byte) (int, keypress) {
	switch p[0] {
	case esc:
		if len(p) == 1 || p[1] != csi {
			return 1, keypress{kind: keyEscape}
		}
		if len(p) == 2 {
			return 0, keypress{}
		}
		switch p[2] {
		case 'A':
			return 3, keypress{kind: keyUp}
		case 'B':
			return 3, keypress{kind: keyDown}
		default:
			return 3, keypress{kind: keyOther}
		}
	case cr:
		return 1, keypress{kind: keyEnter}
	case '\n':
		return 1, keypress{kind: keyOther}
	default:
		return 1, keypress{kind: keyChar, char: p[0]}
	}
}

func (u *Unit) press(k keypress) {
	switch u.screen {
	case ScreenLogin, ScreenPin:
		u.prompt(k)
	case ScreenMainMenu:
		u.mainMenu(k)
	case ScreenIOStatus:
		u.ioStatus(k)
	case ScreenFanParameter:
		u.fanParameter(k)
	case ScreenDatalogger:
		if k.kind == keyEscape {
			u.logger.Info().Int("records", u.records).Msg("Datalogger stopped")
			u.show(ScreenMainMenu)
		}
	}
}

func (u *Unit) prompt(k keypress) {
	switch k.kind {
	case keyChar:
		u.typed = append(u.typed, k.char)
		if u.screen == ScreenPin {
			u.out.WriteByte('*')
		} else {
			u.out.WriteByte(k.char)
		}
	case keyEnter:
		entered := string(u.typed)
		u.typed = nil
		switch {
		case u.screen == ScreenLogin && entered == u.opts.Device.LoginCode:
			u.show(ScreenPin)
		case u.screen == ScreenPin && entered == u.opts.Device.PinCode:
			u.logger.Info().Msg("Logged in")
			u.show(ScreenMainMenu)
		default:
			u.logger.Warn().Str("screen", u.screen.String()).Msg("Wrong code entered")
			u.show(ScreenLogin)
		}
	case keyEscape:
		u.typed = nil
		u.show(u.screen)
	}
}

func (u *Unit) mainMenu(k keypress) {
	switch {
	case k.kind == keyEscape:
		u.show(ScreenLogin)
	case k.kind == keyChar && string(k.char) == u.opts.Device.IOMenuKey:
		u.selected = 1
		u.show(ScreenIOStatus)
	case k.kind == keyChar && string(k.char) == u.opts.Device.DataloggerMenuKey:
		u.startDatalogger()
	}
}

func (u *Unit) ioStatus(k keypress) {
	switch k.kind {
	case keyEscape:
		u.show(ScreenMainMenu)
	case keyUp:
		if u.selected > 1 {
			u.selected--
		}
		u.show(ScreenIOStatus)
	case keyDown:
		if u.selected < u.opts.MenuItems {
			u.selected++
		}
		u.show(ScreenIOStatus)
	case keyEnter:
		if u.selected == u.opts.Device.FanMenuIndex {
			u.show(ScreenFanParameter)
		}
	}
}

func (u *Unit) fanParameter(k keypress) {
	switch k.kind {
	case keyEscape:
		u.typed = nil
		u.show(ScreenIOStatus)
	case keyChar:
		u.typed = append(u.typed, k.char)
		u.out.WriteByte(k.char)
	case keyEnter:
		entered := string(u.typed)
		u.typed = nil
		if mode, err := strconv.Atoi(entered); err == nil && mode >= 0 && mode <= 3 {
			u.fanMode = entered
			u.logger.Info().Str("fan_mode", entered).Msg("Fan parameter changed")
		}
		u.show(ScreenFanParameter)
	}
}

func (u *Unit) startDatalogger() {
	u.screen = ScreenDatalogger
	u.lastRecord = u.clock.Now()

	var header strings.Builder
	for i, c := range columns {
		fmt.Fprintf(&header, "s%d,%s,", i+1, c.label)
	}
	block := header.String()
	if pad := u.opts.Datalogger.HeaderSize - len(block); pad > 0 {
		block += strings.Repeat(" ", pad)
	}

	u.out.WriteString("\x1b[2J")
	u.out.WriteString(u.opts.Datalogger.HeaderMarker)
	u.out.WriteString(strings.Repeat(" ", u.opts.Datalogger.HeaderPrefixLength))
	u.out.WriteString(block)
	u.logger.Info().Msg("Datalogger started")
}

// emitRecords writes one line per elapsed record interval.
func (u *Unit) emitRecords() {
	if u.screen != ScreenDatalogger {
		return
	}
	for u.clock.Since(u.lastRecord) >= u.opts.RecordInterval {
		u.lastRecord = u.lastRecord.Add(u.opts.RecordInterval)
		u.records++

		values := make([]string, 0, 2*len(columns))
		for i, c := range columns {
			values = append(values, fmt.Sprintf("s%d", i+1), c.value(u))
		}
		u.out.WriteString(strings.Join(values, ","))
		u.out.WriteString("\r\n")
	}
}

func (u *Unit) temperature(base float64) string {
	return strconv.FormatFloat(base+float64(u.records%10)/10, 'f', 1, 64)
}

func fanSpeed(mode string) string {
	switch mode {
	case "0":
		return "0"
	case "2":
		return "60"
	case "3":
		return "100"
	default:
		return "35"
	}
}

// show switches to a screen and draws it.
func (u *Unit) show(screen Screen) {
	u.screen = screen
	u.out.WriteString("\x1b[0m\x1b[2J")

	switch screen {
	case ScreenLogin:
		u.at(1, "Inventum Ecolution")
		u.at(loginRow, "Voer code in: ")
	case ScreenPin:
		u.at(1, "Inventum Ecolution")
		u.at(loginRow, "Voer beveiligingscode in: ")
	case ScreenMainMenu:
		u.at(1, "Inventum Ecolution")
		u.at(2, " EXTRAMENU")
		for i, item := range []string{"Status", "Instellingen", "Storingen", "Filter", "Klok", "IO status", "Service", "Datalogger"} {
			u.at(4+i, fmt.Sprintf(" %d %s", i+1, item))
		}
	case ScreenIOStatus:
		u.at(1, "IO status")
		for i := 1; i <= u.opts.MenuItems; i++ {
			if i == u.selected {
				u.out.WriteString("\x1b[7m")
			}
			u.at(ioFirstRow+i-1, fmt.Sprintf(" [%02d] %s", i, ioItemName(i, u.opts.Device.FanMenuIndex)))
			if i == u.selected {
				u.out.WriteString("\x1b[0m")
			}
		}
	case ScreenFanParameter:
		u.at(1, fmt.Sprintf("Parameter %d", u.opts.Device.FanMenuIndex))
		u.at(3, "Ventilatorstand")
		u.at(fanPromptRow, "   3-standen : "+u.fanMode+" ")
	}
}

// at writes text at the start of a 1-based row.
func (u *Unit) at(row int, text string) {
	fmt.Fprintf(&u.out, "\x1b[%d;1H%s", row, text)
}

func ioItemName(index, fanIndex int) string {
	if index == fanIndex {
		return "Ventilatorstand"
	}
	return fmt.Sprintf("Ingang %d", index)
}
