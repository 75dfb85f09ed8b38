// Package session tracks the state and counters of the serial link to the unit.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/resident-x/go-inventum/internal/domain"
)

// LinkState represents the coarse state of the link.
type LinkState int

const (
	LinkStateConnected LinkState = iota
	LinkStateLoggedIn
	LinkStateCapturing
	LinkStateDisconnected
)

// String returns the string representation of the link state.
func (s LinkState) String() string {
	switch s {
	case LinkStateConnected:
		return "connected"
	case LinkStateLoggedIn:
		return "logged_in"
	case LinkStateCapturing:
		return "capturing"
	case LinkStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s LinkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session holds the statistics of one automation session. The tick loop writes,
// the API reads.
type Session struct {
	ID     string
	Device string

	state          LinkState
	connectedAt    time.Time
	lastActivity   time.Time
	lastCommand    time.Time
	lastTransition time.Time
	lastRecord     time.Time

	bytesReceived  int64
	bytesSent      int64
	recordsDecoded int64
	linesDropped   int64
	decoderResets  int64
	watchdogResets int64

	currentState string
	targetState  string
	fanStatus    string
	latest       *domain.Record

	clock clockwork.Clock
	mutex sync.RWMutex
}

// NewSession creates a new session for a device.
func NewSession(device string, clock clockwork.Clock) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	now := clock.Now()
	return &Session{
		ID:           uuid.NewString(),
		Device:       device,
		state:        LinkStateConnected,
		connectedAt:  now,
		lastActivity: now,
		clock:        clock,
	}
}

// SetState safely updates the link state.
func (s *Session) SetState(state LinkState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.state = state
}

// GetState safely retrieves the link state.
func (s *Session) GetState() LinkState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

// AddBytesReceived adds to the received counter and marks the link active.
func (s *Session) AddBytesReceived(n int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.bytesReceived += int64(n)
	s.lastActivity = s.clock.Now()
}

// AddBytesSent adds to the sent counter.
func (s *Session) AddBytesSent(n int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.bytesSent += int64(n)
}

// UpdateLastCommand records that an external command was applied.
func (s *Session) UpdateLastCommand() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastCommand = s.clock.Now()
}

// SetAutomationState records the engine's current and target state names.
func (s *Session) SetAutomationState(current, target string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if current != s.currentState {
		s.lastTransition = s.clock.Now()
	}
	s.currentState = current
	s.targetState = target
}

// SetFanStatus records the last monitored fan value.
func (s *Session) SetFanStatus(value string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.fanStatus = value
}

// AddRecord stores the latest decoded record.
func (s *Session) AddRecord(record *domain.Record) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.recordsDecoded++
	s.lastRecord = record.Timestamp
	s.latest = record
}

// SetDroppedLines stores the number of malformed datalogger lines discarded so far.
func (s *Session) SetDroppedLines(n int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.linesDropped = int64(n)
}

// SetDecoderResets records the decoder's running desync count.
func (s *Session) SetDecoderResets(n int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.decoderResets = int64(n)
}

// IncrementWatchdogResets counts a stall or dead stream recovery.
func (s *Session) IncrementWatchdogResets() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.watchdogResets++
}

// LatestRecord returns the most recent record, or nil.
func (s *Session) LatestRecord() *domain.Record {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.latest
}

// IsIdle reports whether nothing was received for longer than timeout.
func (s *Session) IsIdle(timeout time.Duration) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.clock.Since(s.lastActivity) > timeout
}

// Close marks the session disconnected.
func (s *Session) Close() {
	s.SetState(LinkStateDisconnected)
}

// GetStats returns a copy of the session statistics.
func (s *Session) GetStats() Stats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return Stats{
		ID:             s.ID,
		Device:         s.Device,
		State:          s.state,
		CurrentState:   s.currentState,
		TargetState:    s.targetState,
		FanStatus:      s.fanStatus,
		ConnectedAt:    s.connectedAt,
		LastActivity:   s.lastActivity,
		LastCommand:    s.lastCommand,
		LastTransition: s.lastTransition,
		LastRecord:     s.lastRecord,
		BytesReceived:  s.bytesReceived,
		BytesSent:      s.bytesSent,
		RecordsDecoded: s.recordsDecoded,
		LinesDropped:   s.linesDropped,
		DecoderResets:  s.decoderResets,
		WatchdogResets: s.watchdogResets,
		Duration:       s.clock.Since(s.connectedAt),
	}
}

// Stats represents session statistics for external consumption.
type Stats struct {
	ID             string        `json:"id"`
	Device         string        `json:"device"`
	State          LinkState     `json:"state"`
	CurrentState   string        `json:"current_state"`
	TargetState    string        `json:"target_state"`
	FanStatus      string        `json:"fan_status"`
	ConnectedAt    time.Time     `json:"connected_at"`
	LastActivity   time.Time     `json:"last_activity"`
	LastCommand    time.Time     `json:"last_command"`
	LastTransition time.Time     `json:"last_transition"`
	LastRecord     time.Time     `json:"last_record"`
	BytesReceived  int64         `json:"bytes_received"`
	BytesSent      int64         `json:"bytes_sent"`
	RecordsDecoded int64         `json:"records_decoded"`
	LinesDropped   int64         `json:"lines_dropped"`
	DecoderResets  int64         `json:"decoder_resets"`
	WatchdogResets int64         `json:"watchdog_resets"`
	Duration       time.Duration `json:"duration"`
}
