package terminal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const (
	esc = 0x1b
	csi = '['
	cr  = '\r'
	lf  = '\n'
)

// Mode is the escape parser state.
type Mode int

const (
	ModeGround Mode = iota
	ModeEscape
	ModeControlSequence
)

// String returns the string representation of the parser mode.
func (m Mode) String() string {
	switch m {
	case ModeGround:
		return "ground"
	case ModeEscape:
		return "escape"
	case ModeControlSequence:
		return "control_sequence"
	default:
		return "unknown"
	}
}

var errNestedEscape = errors.New("escape inside escape sequence")

// Decoder feeds bytes from the unit into a Screen. In raw capture mode bytes bypass
// decoding and are collected in a RawBuffer instead.
type Decoder struct {
	screen *Screen
	raw    *RawBuffer
	mode   Mode
	params []byte
	rawOn  bool
	resets int
	logger zerolog.Logger
}

// NewDecoder creates a decoder writing into screen and capturing into raw.
func NewDecoder(screen *Screen, raw *RawBuffer, logger zerolog.Logger) *Decoder {
	return &Decoder{
		screen: screen,
		raw:    raw,
		params: make([]byte, 0, 16),
		logger: logger.With().Str("component", "terminal").Logger(),
	}
}

// Screen returns the screen the decoder writes into.
func (d *Decoder) Screen() *Screen { return d.screen }

// Raw returns the capture buffer.
func (d *Decoder) Raw() *RawBuffer { return d.raw }

// RawMode reports whether raw capture is active.
func (d *Decoder) RawMode() bool { return d.rawOn }

// Resets returns how many desync resets happened since creation.
func (d *Decoder) Resets() int { return d.resets }

// SetRawMode starts collecting bytes verbatim.
func (d *Decoder) SetRawMode() {
	d.rawOn = true
	d.raw.Reset()
	d.resetParser()
}

// SetNormalMode stops raw capture and starts from a blank screen.
func (d *Decoder) SetNormalMode() {
	d.rawOn = false
	d.raw.Reset()
	d.Reset()
}

// Reset clears the screen and parser state.
func (d *Decoder) Reset() {
	d.screen.Reset()
	d.resetParser()
}

// Feed consumes newly received bytes. Decode errors never abort the stream: the screen
// and parser are reset and decoding resumes with the next byte.
func (d *Decoder) Feed(data []byte) {
	if d.rawOn {
		if dropped := d.raw.Write(data); dropped > 0 {
			d.logger.Warn().Int("dropped", dropped).Msg("Raw capture buffer full, discarded oldest bytes")
		}
		return
	}

	for _, c := range data {
		if err := d.step(c); err != nil {
			d.resets++
			d.logger.Debug().
				Err(err).
				Str("mode", d.mode.String()).
				Str("params", string(d.params)).
				Msg("Terminal stream desynchronized, resetting screen")
			d.Reset()
			if errors.Is(err, errNestedEscape) {
				d.mode = ModeEscape
			}
		}
	}
}

func (d *Decoder) step(c byte) error {
	if c == esc {
		if d.mode != ModeGround {
			return errNestedEscape
		}
		d.mode = ModeEscape
		return nil
	}

	switch d.mode {
	case ModeEscape:
		if c == csi {
			d.mode = ModeControlSequence
			return nil
		}
		// Two-byte escapes are not used by the unit
		d.resetParser()
		return nil
	case ModeControlSequence:
		return d.controlSequence(c)
	}

	switch c {
	case cr:
		d.screen.CarriageReturn()
		return nil
	case lf:
		d.screen.LineFeed()
		return nil
	default:
		return d.screen.Put(c)
	}
}

func (d *Decoder) controlSequence(c byte) error {
	switch {
	case (c >= '0' && c <= '9') || c == ';':
		d.params = append(d.params, c)
		return nil
	case c >= 0x20 && c <= 0x3f:
		// Private markers and intermediates carry nothing we use
		return nil
	case c < 0x20 || c > 0x7e:
		return fmt.Errorf("unexpected byte 0x%02x in control sequence", c)
	}

	defer d.resetParser()

	switch c {
	case 'J':
		if len(d.params) > 0 {
			d.screen.Clear(true)
		} else {
			d.screen.Clear(false)
		}
	case 'K':
		d.screen.ClearLine()
	case 'm', 'M':
		attr, err := lastParam(d.params)
		if err != nil {
			return err
		}
		d.screen.SetAttr(attr)
	case 'H':
		row, col, err := position(d.params)
		if err != nil {
			return err
		}
		return d.screen.SetCursor(row, col)
	default:
		d.logger.Trace().Str("final", string(c)).Msg("Ignoring control sequence")
	}
	return nil
}

func (d *Decoder) resetParser() {
	d.mode = ModeGround
	d.params = d.params[:0]
}

// lastParam returns the last numeric parameter, 0 when none was given.
func lastParam(params []byte) (int, error) {
	fields := strings.Split(string(params), ";")
	last := fields[len(fields)-1]
	if last == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(last)
	if err != nil {
		return 0, fmt.Errorf("invalid parameter %q: %w", last, err)
	}
	return v, nil
}

// position parses "row;col", defaulting missing values to 1.
func position(params []byte) (row, col int, err error) {
	row, col = 1, 1
	fields := strings.Split(string(params), ";")
	if len(fields) > 2 {
		return 0, 0, fmt.Errorf("invalid cursor position %q", params)
	}
	if fields[0] != "" {
		if row, err = strconv.Atoi(fields[0]); err != nil {
			return 0, 0, fmt.Errorf("invalid cursor row %q: %w", fields[0], err)
		}
	}
	if len(fields) == 2 && fields[1] != "" {
		if col, err = strconv.Atoi(fields[1]); err != nil {
			return 0, 0, fmt.Errorf("invalid cursor column %q: %w", fields[1], err)
		}
	}
	return row, col, nil
}
