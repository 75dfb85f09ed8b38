// Package transport provides the serial link to the ventilation unit.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

const (
	readChunkSize      = 1024
	defaultMaxBuffered = 64 * 1024
)

// ErrClosed is returned after the source has been closed.
var ErrClosed = errors.New("serial source closed")

// SerialPort defines the serial port operations the source needs (for mocking in tests).
type SerialPort interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
	SetReadTimeout(t time.Duration) error
}

// SerialPortFactory creates a serial port connection.
type SerialPortFactory func(path string, mode *serial.Mode) (SerialPort, error)

// DefaultSerialPortFactory is the default factory that opens real serial ports.
func DefaultSerialPortFactory(path string, mode *serial.Mode) (SerialPort, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	return port, nil
}

// Options describes how to open the link.
type Options struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
	MaxBuffered int
}

// SerialSource implements domain.ByteSource. A background reader drains the port into
// a bounded buffer so that Available and Read never wait on the device.
type SerialSource struct {
	port        SerialPort
	maxBuffered int
	logger      zerolog.Logger

	mu      sync.Mutex
	pending []byte
	readErr error
	closed  bool

	writeMu   sync.Mutex
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open opens the device through factory and starts the background reader.
func Open(opts Options, factory SerialPortFactory, logger zerolog.Logger) (*SerialSource, error) {
	if factory == nil {
		factory = DefaultSerialPortFactory
	}

	port, err := factory(opts.Device, &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", opts.Device, err)
	}

	timeout := opts.ReadTimeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout on serial port: %w", err)
	}

	logger.Info().
		Str("device", opts.Device).
		Int("baud_rate", opts.BaudRate).
		Msg("Serial port opened")

	return NewSerialSource(port, opts.MaxBuffered, logger), nil
}

// NewSerialSource wraps an already opened port. The port must have a read timeout
// set so the reader can observe Close.
func NewSerialSource(port SerialPort, maxBuffered int, logger zerolog.Logger) *SerialSource {
	if maxBuffered <= 0 {
		maxBuffered = defaultMaxBuffered
	}
	s := &SerialSource{
		port:        port,
		maxBuffered: maxBuffered,
		logger:      logger.With().Str("component", "serial").Logger(),
		done:        make(chan struct{}),
	}

	s.wg.Add(1)
	go s.readLoop()

	return s
}

func (s *SerialSource) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := s.port.Read(buf)
		if n > 0 {
			s.appendPending(buf[:n])
		}
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("Failed to read from serial port")
			s.mu.Lock()
			s.readErr = fmt.Errorf("serial read: %w", err)
			s.mu.Unlock()
			return
		}
	}
}

func (s *SerialSource) appendPending(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, p...)
	if overflow := len(s.pending) - s.maxBuffered; overflow > 0 {
		s.pending = append(s.pending[:0], s.pending[overflow:]...)
		s.logger.Warn().Int("dropped", overflow).Msg("Receive buffer full, discarded oldest bytes")
	}
}

// Available reports how many bytes can be read without waiting. Once the reader has
// failed and everything received before the failure was read, the failure is returned.
func (s *SerialSource) Available() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if len(s.pending) == 0 && s.readErr != nil {
		return 0, s.readErr
	}
	return len(s.pending), nil
}

// Read returns at most max buffered bytes.
func (s *SerialSource) Read(max int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if len(s.pending) == 0 {
		return nil, s.readErr
	}
	if max <= 0 || max > len(s.pending) {
		max = len(s.pending)
	}

	out := make([]byte, max)
	copy(out, s.pending)
	s.pending = append(s.pending[:0], s.pending[max:]...)
	return out, nil
}

// Write transmits p in full.
func (s *SerialSource) Write(p []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for len(p) > 0 {
		n, err := s.port.Write(p)
		if err != nil {
			return fmt.Errorf("serial write: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("serial write: %w", errors.New("port accepted no bytes"))
		}
		p = p[n:]
	}
	return nil
}

// Close stops the reader and closes the port. It is safe to call multiple times.
func (s *SerialSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.done)
		err = s.port.Close()
		s.wg.Wait()

		s.logger.Info().Msg("Serial port closed")
	})
	return err
}
