// Package datalogger decodes the bulk datalogger stream the unit emits while the
// terminal is in raw capture.
//
// The stream starts with a marker token, a short prefix, and a fixed-size header
// block of comma separated (status label, field name) pairs. Every CRLF terminated
// line after the header carries one (status, value) pair per header field.
package datalogger

import (
	"bytes"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/resident-x/go-inventum/internal/config"
	"github.com/resident-x/go-inventum/internal/domain"
	"github.com/resident-x/go-inventum/internal/terminal"
)

var lineTerminator = []byte("\r\n")

// Field is one entry of the header descriptor.
type Field struct {
	StatusLabel string
	Name        string
}

// Result is the outcome of a single Decode pass.
type Result struct {
	Records []*domain.Record
}

// Decoder extracts the header descriptor and then records from the raw accumulator.
// It is driven from the engine's tick and is not safe for concurrent use.
type Decoder struct {
	cfg    config.DataloggerConfig
	clock  clockwork.Clock
	logger zerolog.Logger

	startedAt   time.Time
	lastRecord  time.Time
	markerFound bool
	fields      []Field

	dropped int
}

// NewDecoder creates a decoder. Call Reset when raw capture starts.
func NewDecoder(cfg config.DataloggerConfig, clock clockwork.Clock, logger zerolog.Logger) *Decoder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	d := &Decoder{
		cfg:    cfg,
		clock:  clock,
		logger: logger.With().Str("component", "datalogger").Logger(),
	}
	d.Reset()
	return d
}

// Reset forgets the header and restarts the settle delay and the record timer.
func (d *Decoder) Reset() {
	now := d.clock.Now()
	d.startedAt = now
	d.lastRecord = now
	d.markerFound = false
	d.fields = nil
}

func (d *Decoder) headerParsed() bool {
	return d.fields != nil
}

// LastRecord returns when the last record was decoded, or when capture started.
func (d *Decoder) LastRecord() time.Time {
	return d.lastRecord
}

// Dropped returns the number of malformed lines discarded since creation.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// Decode consumes what it can from buf and returns the records found.
func (d *Decoder) Decode(buf *terminal.RawBuffer) Result {
	var res Result

	if d.clock.Since(d.startedAt) < d.cfg.SettleDelay {
		return res
	}

	if !d.markerFound && !d.findMarker(buf) {
		return res
	}

	if !d.headerParsed() {
		if buf.Len() < d.cfg.HeaderSize {
			return res
		}
		fields := ParseHeader(buf.Bytes()[:d.cfg.HeaderSize])
		buf.Consume(d.cfg.HeaderSize)

		if len(fields) == 0 {
			d.logger.Warn().Msg("Datalogger header holds no fields, searching for marker again")
			d.markerFound = false
			return res
		}

		d.fields = fields
		d.logger.Info().Int("fields", len(fields)).Msg("Datalogger header parsed")
	}

	for {
		data := buf.Bytes()
		end := bytes.Index(data, lineTerminator)
		if end < 0 {
			break
		}

		line := string(data[:end])
		buf.Consume(end + len(lineTerminator))

		record, ok := d.decodeLine(line)
		if !ok {
			d.dropped++
			d.logger.Debug().Str("line", line).Msg("Dropped datalogger line with wrong token count")
			continue
		}

		d.lastRecord = record.Timestamp
		res.Records = append(res.Records, record)
	}

	return res
}

// findMarker discards bytes up to and including the marker and its prefix.
func (d *Decoder) findMarker(buf *terminal.RawBuffer) bool {
	marker := []byte(d.cfg.HeaderMarker)
	data := buf.Bytes()

	idx := bytes.Index(data, marker)
	if idx < 0 {
		// Keep a tail that may hold the start of a marker split across reads
		if keep := len(marker) - 1; len(data) > keep {
			buf.Consume(len(data) - keep)
		}
		return false
	}

	skip := idx + len(marker) + d.cfg.HeaderPrefixLength
	if len(data) < skip {
		buf.Consume(idx)
		return false
	}

	buf.Consume(skip)
	d.markerFound = true
	d.logger.Debug().Msg("Datalogger marker found")
	return true
}

func (d *Decoder) decodeLine(line string) (*domain.Record, bool) {
	tokens := strings.Split(line, ",")
	if len(tokens) != 2*len(d.fields) {
		return nil, false
	}

	record := domain.NewRecord(d.clock.Now(), len(d.fields))
	for i, f := range d.fields {
		record.Set(f.Name, domain.Reading{
			Status: strings.TrimSpace(tokens[2*i]),
			Value:  strings.TrimSpace(tokens[2*i+1]),
		})
	}
	return record, true
}

// ParseHeader splits a header block into descriptor fields. A trailing unpaired
// token is ignored.
func ParseHeader(block []byte) []Field {
	text := strings.Trim(string(block), " \r\n,")
	if text == "" {
		return nil
	}

	tokens := strings.Split(text, ",")
	fields := make([]Field, 0, len(tokens)/2)
	for i := 0; i+1 < len(tokens); i += 2 {
		fields = append(fields, Field{
			StatusLabel: NormalizeName(tokens[i]),
			Name:        NormalizeName(tokens[i+1]),
		})
	}
	return fields
}

var nameReplacer = strings.NewReplacer("(", "", ")", "", ".", "")

// NormalizeName turns a header token into a field key: "Fan speed mode" becomes
// "fan-speed-mode".
func NormalizeName(token string) string {
	cleaned := nameReplacer.Replace(strings.TrimSpace(token))
	return strings.ToLower(strings.Join(strings.Fields(cleaned), "-"))
}
