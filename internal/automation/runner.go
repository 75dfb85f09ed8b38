package automation

import (
	"context"
	"errors"
	"fmt"

	"github.com/resident-x/go-inventum/internal/domain"
	"github.com/resident-x/go-inventum/internal/terminal"
)

// Submit hands a command to the tick loop without blocking. Terminate is always
// accepted; other commands fail with ErrMailboxFull when the mailbox is full.
func (e *Engine) Submit(cmd domain.Command) error {
	if cmd == domain.CommandTerminate {
		e.terminateOnce.Do(func() { close(e.terminate) })
		return nil
	}

	select {
	case e.mailbox <- cmd:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Run drives the session until it is terminated, ctx is cancelled, or the byte
// source fails. The source is closed when Run returns.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	e.logger.Info().
		Dur("tick_interval", e.timing.TickInterval).
		Msg("Automation engine started")

	if err := e.begin(); err != nil {
		e.abort(err)
		return err
	}

	ticker := e.clock.NewTicker(e.timing.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Context cancelled")
			return e.shutdown()
		case <-ticker.Chan():
			if e.terminated() {
				return e.shutdown()
			}
			if err := e.tick(ctx); err != nil {
				e.abort(err)
				return err
			}
		}
	}
}

// begin makes the unit redraw its current screen.
func (e *Engine) begin() error {
	e.lastSeen = e.clock.Now()
	return e.send(terminal.KeyEscape)
}

// tick applies pending commands, reads the source, and runs one step. Only
// transport failures are returned.
func (e *Engine) tick(ctx context.Context) error {
	e.drainMailbox()

	if err := e.poll(); err != nil {
		return err
	}

	if err := e.Step(ctx); err != nil {
		if errors.Is(err, ErrTransport) {
			return err
		}
		e.logger.Debug().Err(err).Str("state", e.current.String()).Msg("Skipping tick")
	}
	return nil
}

func (e *Engine) terminated() bool {
	select {
	case <-e.terminate:
		return true
	default:
		return false
	}
}

func (e *Engine) drainMailbox() {
	for {
		select {
		case cmd := <-e.mailbox:
			e.applyCommand(cmd)
		default:
			return
		}
	}
}

// poll feeds everything the source has buffered to the terminal decoder.
func (e *Engine) poll() error {
	n, err := e.source.Available()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if n == 0 {
		return nil
	}

	data, err := e.source.Read(n)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	e.stats.AddBytesReceived(len(data))
	e.term.Feed(data)
	e.stats.SetDecoderResets(e.term.Resets())
	return nil
}

// shutdown backs the unit out of any menu, waits for it to settle and releases
// the source.
func (e *Engine) shutdown() error {
	e.logger.Info().Str("state", e.current.String()).Msg("Terminating session")

	if err := e.source.Write(resetKeys); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to send escape on shutdown")
	}
	if e.timing.ShutdownSettle > 0 {
		e.clock.Sleep(e.timing.ShutdownSettle)
	}

	e.stats.Close()
	if err := e.source.Close(); err != nil {
		return fmt.Errorf("failed to close byte source: %w", err)
	}

	e.logger.Info().Msg("Automation engine stopped")
	return nil
}

func (e *Engine) abort(err error) {
	e.logger.Error().Err(err).Msg("Session failed")
	e.stats.Close()
	if closeErr := e.source.Close(); closeErr != nil {
		e.logger.Warn().Err(closeErr).Msg("Failed to close byte source")
	}
}
