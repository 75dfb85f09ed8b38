// Package domain provides core domain models and interfaces for the go-inventum application
package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Reading is a single datalogger value together with the status column the device
// reports next to it.
type Reading struct {
	Status string `json:"status"`
	Value  string `json:"value"`
}

// Record is one decoded datalogger line. Fields keeps the descriptor order; Readings is
// keyed by field name.
type Record struct {
	Timestamp time.Time
	Fields    []string
	Readings  map[string]Reading
}

// NewRecord creates an empty record stamped with the given time.
func NewRecord(ts time.Time, capacity int) *Record {
	return &Record{
		Timestamp: ts,
		Fields:    make([]string, 0, capacity),
		Readings:  make(map[string]Reading, capacity),
	}
}

// Set stores a reading, keeping the first position of a repeated field name.
func (r *Record) Set(field string, reading Reading) {
	if _, exists := r.Readings[field]; !exists {
		r.Fields = append(r.Fields, field)
	}
	r.Readings[field] = reading
}

// Get returns the reading for a field.
func (r *Record) Get(field string) (Reading, bool) {
	reading, ok := r.Readings[field]
	return reading, ok
}

// Len returns the number of distinct fields in the record.
func (r *Record) Len() int {
	return len(r.Fields)
}

// MarshalJSON encodes the record as an object keyed by field name, in descriptor order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range r.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(field)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(r.Readings[field])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Command is a request from an external actor for the automation engine.
type Command int

const (
	CommandFanHigh Command = iota + 1
	CommandFanAuto
	CommandDataStart
	CommandDataStop
	CommandTerminate
)

var (
	// ErrUnknownCommand is returned when a command token is not recognized.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrMailboxFull is returned by a CommandSink that cannot take more commands yet.
	ErrMailboxFull = errors.New("command mailbox full")
)

var commandTokens = map[string]Command{
	"fan-high":   CommandFanHigh,
	"fan-auto":   CommandFanAuto,
	"data-start": CommandDataStart,
	"data-stop":  CommandDataStop,
	"terminate":  CommandTerminate,

	// Payloads used by existing MQTT integrations.
	"fan=1":  CommandFanHigh,
	"fan=0":  CommandFanAuto,
	"data=1": CommandDataStart,
	"data=0": CommandDataStop,
	"quit":   CommandTerminate,
}

// ParseCommand maps a command token to a Command.
func ParseCommand(token string) (Command, error) {
	cmd, ok := commandTokens[strings.ToLower(strings.TrimSpace(token))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, token)
	}
	return cmd, nil
}

// String returns the canonical token of the command.
func (c Command) String() string {
	switch c {
	case CommandFanHigh:
		return "fan-high"
	case CommandFanAuto:
		return "fan-auto"
	case CommandDataStart:
		return "data-start"
	case CommandDataStop:
		return "data-stop"
	case CommandTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// CommandSink accepts commands from an external actor.
type CommandSink interface {
	// Submit hands a command to the automation loop without blocking
	Submit(cmd Command) error
}

// RecordSink receives decoded datalogger records.
type RecordSink interface {
	// HandleRecord is called once per decoded record
	HandleRecord(ctx context.Context, record *Record) error
}

// MessagePublisher defines the interface for publishing records and receiving commands.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// Subscribe registers a handler for payloads arriving on a topic
	Subscribe(topic string, handler func(payload []byte)) error

	// Close terminates the connection to the messaging system
	Close() error
}

// ByteSource is a bounded, non-blocking view of the serial link.
type ByteSource interface {
	// Available reports how many received bytes can be read without waiting
	Available() (int, error)

	// Read returns at most max received bytes
	Read(max int) ([]byte, error)

	// Write transmits bytes to the device
	Write(p []byte) error

	// Close releases the link
	Close() error
}
