// Package terminal decodes the VT100 subset emitted by the ventilation unit into a
// virtual screen.
package terminal

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultRows and DefaultCols match the unit's service terminal.
	DefaultRows = 53
	DefaultCols = 80

	// AttrSelected is the SGR value (reverse video) the unit uses to mark the
	// selected menu row.
	AttrSelected = 7

	// selectionScanStart is the first storage row searched for the selection marker.
	// The two title rows above it are never menu entries.
	selectionScanStart = 2
)

// ErrOutOfBounds is returned when the cursor leaves the grid.
var ErrOutOfBounds = errors.New("cursor out of bounds")

// Screen is a fixed-size character grid with per-row highlight attributes.
// Rows and columns are 1-based in the public API.
type Screen struct {
	rows    int
	cols    int
	cells   []byte
	rowAttr []int
	attr    int
	row     int // 0-based
	col     int // 0-based
}

// NewScreen creates a blank screen of the given size.
func NewScreen(rows, cols int) *Screen {
	s := &Screen{
		rows:    rows,
		cols:    cols,
		cells:   make([]byte, rows*cols),
		rowAttr: make([]int, rows),
	}
	s.Reset()
	return s
}

// Reset blanks the grid, clears all attributes and homes the cursor.
func (s *Screen) Reset() {
	s.Clear(true)
	s.attr = 0
}

// Clear blanks the screen. A full clear also drops the row attributes and homes the
// cursor; otherwise only the cells from the cursor to the end of the grid are blanked.
func (s *Screen) Clear(full bool) {
	if full {
		fill(s.cells, ' ')
		for i := range s.rowAttr {
			s.rowAttr[i] = 0
		}
		s.row, s.col = 0, 0
		return
	}

	start := s.index()
	if s.col >= s.cols {
		start = (s.row + 1) * s.cols
	}
	if start < len(s.cells) {
		fill(s.cells[start:], ' ')
	}
}

// ClearLine blanks from the cursor to the end of the current row.
func (s *Screen) ClearLine() {
	if s.row >= s.rows || s.col >= s.cols {
		return
	}
	fill(s.cells[s.index():(s.row+1)*s.cols], ' ')
}

// SetCursor moves the cursor and latches the current highlight into the target row.
func (s *Screen) SetCursor(row, col int) error {
	if row < 1 || row > s.rows || col < 1 || col > s.cols {
		return fmt.Errorf("%w: %d;%d", ErrOutOfBounds, row, col)
	}
	s.row = row - 1
	s.col = col - 1
	s.rowAttr[s.row] = s.attr
	return nil
}

// SetAttr sets the highlight applied to rows entered from now on.
func (s *Screen) SetAttr(attr int) {
	s.attr = attr
}

// CarriageReturn moves to column one of the next row. The unit sends CR where a
// terminal would expect CRLF.
func (s *Screen) CarriageReturn() {
	s.row++
	s.col = 0
}

// LineFeed returns to column one of the same row.
func (s *Screen) LineFeed() {
	s.col = 0
}

// Put writes a character at the cursor and advances one column. Characters past the
// last column are dropped; the cursor never wraps on its own.
func (s *Screen) Put(c byte) error {
	if s.row >= s.rows {
		return fmt.Errorf("%w: row %d", ErrOutOfBounds, s.row+1)
	}
	if s.col < s.cols {
		s.cells[s.index()] = c
	}
	s.col++
	return nil
}

// RowText returns a 1-based row without its last column. Out of range rows are empty.
func (s *Screen) RowText(row int) string {
	if row < 1 || row > s.rows {
		return ""
	}
	start := (row - 1) * s.cols
	return string(s.cells[start : start+s.cols-1])
}

// CurrentRowText returns the row the cursor is on.
func (s *Screen) CurrentRowText() string {
	return s.RowText(s.row + 1)
}

// RowAttr returns the highlight latched for a 1-based row.
func (s *Screen) RowAttr(row int) int {
	if row < 1 || row > s.rows {
		return 0
	}
	return s.rowAttr[row-1]
}

// SelectedRowText returns the text of the first row marked as selected.
func (s *Screen) SelectedRowText() (string, bool) {
	for i := selectionScanStart; i < s.rows; i++ {
		if s.rowAttr[i] == AttrSelected {
			return s.RowText(i + 1), true
		}
	}
	return "", false
}

// Dump renders the non-blank rows for debug logging.
func (s *Screen) Dump() string {
	var b strings.Builder
	for row := 1; row <= s.rows; row++ {
		text := s.RowText(row)
		if strings.TrimSpace(text) == "" {
			continue
		}
		fmt.Fprintf(&b, "%d~%2d: %s\n", s.RowAttr(row), row, strings.TrimRight(text, " "))
	}
	return b.String()
}

func (s *Screen) index() int {
	return s.row*s.cols + s.col
}

func fill(b []byte, c byte) {
	for i := range b {
		b[i] = c
	}
}
