package automation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/resident-x/go-inventum/internal/config"
	"github.com/resident-x/go-inventum/internal/datalogger"
	"github.com/resident-x/go-inventum/internal/domain"
	"github.com/resident-x/go-inventum/internal/session"
	"github.com/resident-x/go-inventum/internal/terminal"
)

var (
	// ErrTransport marks failures of the byte source. They end the session.
	ErrTransport = errors.New("transport failure")

	// ErrMailboxFull is returned by Submit when commands arrive faster than ticks.
	ErrMailboxFull = domain.ErrMailboxFull

	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("engine already running")

	errUnreadableScreen = errors.New("unreadable screen")
)

// resetKeys backs the unit out of any menu.
var resetKeys = bytes.Repeat(terminal.KeyEscape, 2)

// Options configures an Engine.
type Options struct {
	Device     config.DeviceConfig
	Datalogger config.DataloggerConfig
	Automation config.AutomationConfig
	Rows       int
	Cols       int
	DeviceName string
	Clock      clockwork.Clock
}

// Engine recognizes the unit's screens and sends the keystrokes that move it toward
// the requested target. Everything except Submit is owned by the tick loop.
type Engine struct {
	source  domain.ByteSource
	sink    domain.RecordSink
	device  config.DeviceConfig
	timing  config.AutomationConfig
	dead    time.Duration
	clock   clockwork.Clock
	logger  zerolog.Logger
	stats   *session.Session
	mailbox chan domain.Command

	terminate     chan struct{}
	terminateOnce sync.Once
	running       atomic.Bool

	term        *terminal.Decoder
	datalogger  *datalogger.Decoder
	recognizers []recognizer

	current       State
	target        Target
	lastSeen      time.Time
	keySentAt     time.Time
	lastSelection string
	lastCommandAt time.Time

	fanStatus      string
	fanStatusAt    time.Time
	fanHighSince   time.Time
	fanResetIssued bool
}

// NewEngine creates an engine reading from and writing to source. Decoded records
// go to sink, which may be nil.
func NewEngine(source domain.ByteSource, sink domain.RecordSink, opts Options, logger zerolog.Logger) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	rows, cols := opts.Rows, opts.Cols
	if rows <= 0 {
		rows = terminal.DefaultRows
	}
	if cols <= 0 {
		cols = terminal.DefaultCols
	}
	buffer := opts.Automation.CommandBuffer
	if buffer <= 0 {
		buffer = 16
	}

	e := &Engine{
		source:      source,
		sink:        sink,
		device:      opts.Device,
		timing:      opts.Automation,
		dead:        opts.Datalogger.DeadStreamTimeout,
		clock:       clock,
		logger:      logger.With().Str("component", "automation").Logger(),
		stats:       session.NewSession(opts.DeviceName, clock),
		mailbox:     make(chan domain.Command, buffer),
		terminate:   make(chan struct{}),
		recognizers: newRecognizers(opts.Device.Markers),
		current:     StateIdle,
		target:      TargetMainMenu,
		lastSeen:    clock.Now(),
	}
	e.term = terminal.NewDecoder(
		terminal.NewScreen(rows, cols),
		terminal.NewRawBuffer(opts.Datalogger.BufferSize),
		logger,
	)
	e.datalogger = datalogger.NewDecoder(opts.Datalogger, clock, logger)
	e.publishState()

	return e
}

// Session returns the statistics of this engine's session.
func (e *Engine) Session() *session.Session {
	return e.stats
}

// Step runs one automation step against the current screen.
func (e *Engine) Step(ctx context.Context) error {
	defer e.publishState()

	e.checkFanReset()

	if e.term.RawMode() {
		e.observe(StateDatalogger)
		if e.dead > 0 && e.clock.Since(e.datalogger.LastRecord()) > e.dead {
			e.logger.Warn().
				Dur("silence", e.clock.Since(e.datalogger.LastRecord())).
				Msg("Datalogger stream is dead, leaving capture")
			e.stats.IncrementWatchdogResets()
			e.target = TargetMainMenu
			return e.exitDatalogger()
		}
	} else {
		state, ok := recognize(e.recognizers, e.term.Screen())
		if !ok {
			return e.unrecognized()
		}
		e.observe(state)
	}

	act, err := dispatch(e.current, e.target)
	if err != nil {
		return err
	}
	return e.perform(ctx, act)
}

// observe records a positively recognized state.
func (e *Engine) observe(state State) {
	e.lastSeen = e.clock.Now()
	if state == e.current {
		return
	}

	e.logger.Info().
		Str("from", e.current.String()).
		Str("to", state.String()).
		Str("target", e.target.String()).
		Msg("Screen changed")
	if ev := e.logger.Debug(); ev.Enabled() && state != StateDatalogger {
		ev.Str("screen", e.term.Screen().Dump()).Msg("Screen contents")
	}

	e.current = state
	e.clearWorkflow()

	switch {
	case state == StateDatalogger:
		e.stats.SetState(session.LinkStateCapturing)
	case state.LoggedIn():
		e.stats.SetState(session.LinkStateLoggedIn)
	}
}

// unrecognized handles a tick on which no marker matched.
func (e *Engine) unrecognized() error {
	silence := e.clock.Since(e.lastSeen)
	if silence <= e.timing.StallTimeout {
		return nil
	}

	switch {
	case e.current.LoggedIn():
		e.logger.Warn().
			Str("state", e.current.String()).
			Dur("silence", silence).
			Msg("No known screen, resetting menu")
		if err := e.send(resetKeys); err != nil {
			return err
		}
		e.current = StateIdle
		e.target = TargetMainMenu
		e.clearWorkflow()
		e.lastSeen = e.clock.Now()
		e.stats.IncrementWatchdogResets()

	case e.current == StateIdle:
		e.logger.Debug().Msg("Nothing recognized yet, nudging the unit")
		if err := e.send(terminal.KeyEscape); err != nil {
			return err
		}
		e.lastSeen = e.clock.Now()
	}
	return nil
}

func (e *Engine) perform(ctx context.Context, act action) error {
	switch act {
	case actionNone:
		return nil

	case actionSendLoginCode:
		_, err := e.sendOnce(terminal.Line(e.device.LoginCode), "Entering login code")
		return err

	case actionSendPin:
		_, err := e.sendOnce(terminal.Line(e.device.PinCode), "Entering pin code")
		return err

	case actionOpenIOMenu:
		if e.target == TargetSetFanHigh && e.fanAlreadyHigh() {
			e.logger.Info().Str("fan_status", e.fanStatus).Msg("Fan already high")
			e.target = TargetMainMenu
			return nil
		}
		_, err := e.sendOnce([]byte(e.device.IOMenuKey), "Opening IO menu")
		return err

	case actionStartDatalogger:
		if err := e.send([]byte(e.device.DataloggerMenuKey)); err != nil {
			return err
		}
		e.term.SetRawMode()
		e.datalogger.Reset()
		e.lastSeen = e.clock.Now()
		e.logger.Info().Msg("Datalogger started")
		return nil

	case actionFinishStop:
		e.logger.Debug().Msg("Datalogger not running")
		e.target = TargetMainMenu
		return nil

	case actionNavigateToFan:
		return e.navigate()

	case actionSetFanHigh:
		sent, err := e.sendOnce(terminal.Line(e.device.FanHighInput), "Setting fan high")
		if sent && err == nil {
			e.target = TargetMainMenu
		}
		return err

	case actionRevertFan:
		sent, err := e.sendOnce(terminal.KeyEscape, "Leaving fan parameter unchanged")
		if sent && err == nil {
			e.target = TargetMainMenu
		}
		return err

	case actionBackOut:
		_, err := e.sendOnce(terminal.KeyEscape, "Backing out to main menu")
		return err

	case actionDecodeDatalogger:
		e.decode(ctx)
		return nil

	case actionExitDatalogger:
		return e.exitDatalogger()
	}

	return fmt.Errorf("unhandled action %s", act)
}

// navigate moves the IO menu selection toward the fan parameter. Nothing is sent
// while the selection is unchanged, unless the last key is due for a retry.
func (e *Engine) navigate() error {
	selected, _ := e.term.Screen().SelectedRowText()
	selected = strings.TrimSpace(selected)

	if selected == e.lastSelection && !e.keyRetryDue() {
		return nil
	}
	e.lastSelection = selected
	if selected == "" {
		return nil
	}

	index, err := menuIndex(selected, e.device.MenuIndexOffset)
	if err != nil {
		return err
	}

	switch {
	case index < e.device.FanMenuIndex:
		e.logger.Debug().Int("index", index).Msg("Selecting next item")
		return e.send(terminal.KeyDown)
	case index > e.device.FanMenuIndex:
		e.logger.Debug().Int("index", index).Msg("Selecting previous item")
		return e.send(terminal.KeyUp)
	default:
		e.logger.Info().Int("index", index).Msg("Fan parameter selected")
		return e.send(terminal.KeyEnter)
	}
}

// menuIndex reads the two digit menu number at offset in a selected row.
func menuIndex(row string, offset int) (int, error) {
	if offset < 0 || len(row) < offset+2 {
		return 0, fmt.Errorf("%w: selected row %q too short", errUnreadableScreen, row)
	}
	index, err := strconv.Atoi(strings.TrimSpace(row[offset : offset+2]))
	if err != nil {
		return 0, fmt.Errorf("%w: selected row %q: %v", errUnreadableScreen, row, err)
	}
	return index, nil
}

func (e *Engine) decode(ctx context.Context) {
	res := e.datalogger.Decode(e.term.Raw())
	e.stats.SetDroppedLines(e.datalogger.Dropped())

	for _, record := range res.Records {
		e.stats.AddRecord(record)
		if reading, ok := record.Get(e.device.MonitoredField); ok {
			e.updateFanStatus(reading.Value)
		}

		if e.sink == nil {
			continue
		}
		if err := e.sink.HandleRecord(ctx, record); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to forward datalogger record")
		}
	}
}

func (e *Engine) exitDatalogger() error {
	if err := e.send(terminal.KeyEscape); err != nil {
		return err
	}
	e.term.SetNormalMode()

	e.logger.Info().Str("target", e.target.String()).Msg("Datalogger stopped")
	if e.target == TargetStopDatalogger {
		e.target = TargetMainMenu
	}
	e.current = StateDataloggerExiting
	e.clearWorkflow()
	e.lastSeen = e.clock.Now()
	e.stats.SetState(session.LinkStateLoggedIn)
	return nil
}

func (e *Engine) updateFanStatus(value string) {
	now := e.clock.Now()
	e.fanStatus = value
	e.fanStatusAt = now
	e.stats.SetFanStatus(value)

	if value != e.device.FanHighValue {
		e.fanHighSince = time.Time{}
		e.fanResetIssued = false
		return
	}
	if e.fanHighSince.IsZero() {
		e.fanHighSince = now
	}
}

func (e *Engine) fanAlreadyHigh() bool {
	if e.fanStatusAt.IsZero() || e.fanStatus != e.device.FanHighValue {
		return false
	}
	return e.clock.Since(e.fanStatusAt) <= e.timing.FanStatusMaxAge
}

// checkFanReset asks for automatic mode once the fan has been held high for the
// reset interval without a newer command.
func (e *Engine) checkFanReset() {
	interval := e.timing.FanResetInterval
	if interval <= 0 || e.fanHighSince.IsZero() || e.fanResetIssued {
		return
	}
	if e.clock.Since(e.fanHighSince) < interval {
		return
	}
	if !e.lastCommandAt.IsZero() && e.clock.Since(e.lastCommandAt) < interval {
		return
	}

	if err := e.Submit(domain.CommandFanAuto); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to queue fan reset")
		return
	}
	e.fanResetIssued = true
	e.logger.Warn().
		Dur("held_high", e.clock.Since(e.fanHighSince)).
		Msg("Fan held high too long, restoring automatic mode")
}

// applyCommand turns a command into a target. Terminate never reaches here.
func (e *Engine) applyCommand(cmd domain.Command) {
	switch cmd {
	case domain.CommandFanHigh:
		e.target = TargetSetFanHigh
	case domain.CommandFanAuto:
		e.target = TargetSetFanAuto
	case domain.CommandDataStart:
		e.target = TargetStartDatalogger
	case domain.CommandDataStop:
		e.target = TargetStopDatalogger
	default:
		e.logger.Warn().Str("command", cmd.String()).Msg("Ignoring unsupported command")
		return
	}

	e.lastCommandAt = e.clock.Now()
	e.keySentAt = time.Time{}
	e.stats.UpdateLastCommand()
	e.logger.Info().
		Str("command", cmd.String()).
		Str("target", e.target.String()).
		Msg("Command applied")
	e.publishState()
}

// sendOnce sends keys once per screen appearance and again after the retry interval
// if the unit is still showing the same screen. It reports whether keys were sent.
func (e *Engine) sendOnce(keys []byte, msg string) (bool, error) {
	if !e.keySentAt.IsZero() && !e.keyRetryDue() {
		return false, nil
	}
	e.logger.Info().
		Str("state", e.current.String()).
		Bool("retry", !e.keySentAt.IsZero()).
		Msg(msg)
	return true, e.send(keys)
}

func (e *Engine) keyRetryDue() bool {
	return !e.keySentAt.IsZero() && e.clock.Since(e.keySentAt) >= e.timing.KeyRetryInterval
}

func (e *Engine) send(keys []byte) error {
	if err := e.source.Write(keys); err != nil {
		return fmt.Errorf("%w: failed to send keys: %w", ErrTransport, err)
	}
	e.keySentAt = e.clock.Now()
	e.stats.AddBytesSent(len(keys))
	e.logger.Debug().Str("keys", strconv.Quote(string(keys))).Msg("Keys sent")
	return nil
}

// clearWorkflow forgets per-screen progress.
func (e *Engine) clearWorkflow() {
	e.keySentAt = time.Time{}
	e.lastSelection = ""
}

func (e *Engine) publishState() {
	e.stats.SetAutomationState(e.current.String(), e.target.String())
}
