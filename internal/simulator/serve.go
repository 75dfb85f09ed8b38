package simulator

import (
	"context"
	"fmt"
	"time"

	"github.com/resident-x/go-inventum/internal/domain"
)

// Serve connects the unit to a host link until ctx is done or the link fails. Keys
// read from the link are pressed on the unit and everything the unit draws is written
// back on each poll.
func (u *Unit) Serve(ctx context.Context, link domain.ByteSource, poll time.Duration) error {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := u.clock.NewTicker(poll)
	defer ticker.Stop()

	u.logger.Info().Dur("poll", poll).Msg("Simulated unit serving")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := u.pump(link); err != nil {
				return err
			}
		}
	}
}

func (u *Unit) pump(link domain.ByteSource) error {
	n, err := link.Available()
	if err != nil {
		return fmt.Errorf("link failed: %w", err)
	}
	if n > 0 {
		keys, err := link.Read(n)
		if err != nil {
			return fmt.Errorf("link failed: %w", err)
		}
		if err := u.Write(keys); err != nil {
			return err
		}
	}

	n, err = u.Available()
	if err != nil || n == 0 {
		return err
	}
	out, err := u.Read(n)
	if err != nil {
		return err
	}
	if err := link.Write(out); err != nil {
		return fmt.Errorf("link failed: %w", err)
	}
	return nil
}
