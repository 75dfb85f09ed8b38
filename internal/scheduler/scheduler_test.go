package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/resident-x/go-inventum/internal/config"
	"github.com/resident-x/go-inventum/internal/domain"
)

var epoch = time.Date(2026, time.March, 2, 6, 0, 0, 0, time.UTC)

// recordingSink collects submitted commands and can refuse the first few.
type recordingSink struct {
	mu       sync.Mutex
	commands []domain.Command
	refuse   int
	err      error
	notify   chan domain.Command
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan domain.Command, 16)}
}

func (s *recordingSink) Submit(cmd domain.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.refuse > 0 {
		s.refuse--
		return domain.ErrMailboxFull
	}
	s.commands = append(s.commands, cmd)
	s.notify <- cmd
	return nil
}

func (s *recordingSink) submitted() []domain.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Command{}, s.commands...)
}

func testScheduleConfig(entries ...config.ScheduleEntry) config.ScheduleConfig {
	cfg := config.DefaultScheduleConfig()
	cfg.Enabled = true
	cfg.Entries = entries
	return cfg
}

func TestScheduledCommand(t *testing.T) {
	tests := []struct {
		name          string
		cmd           *ScheduledCommand
		isExpired     bool
		shouldExecute bool
		canRetry      bool
	}{
		{
			name: "due and valid",
			cmd: &ScheduledCommand{
				ScheduledAt: epoch.Add(-time.Minute),
				ExpiresAt:   epoch.Add(time.Hour),
				MaxRetries:  3,
			},
			shouldExecute: true,
			canRetry:      true,
		},
		{
			name: "not yet due",
			cmd: &ScheduledCommand{
				ScheduledAt: epoch.Add(time.Minute),
				ExpiresAt:   epoch.Add(time.Hour),
				Retries:     3,
				MaxRetries:  3,
			},
		},
		{
			name: "expired",
			cmd: &ScheduledCommand{
				ScheduledAt: epoch.Add(-time.Hour),
				ExpiresAt:   epoch.Add(-time.Minute),
				Retries:     1,
				MaxRetries:  3,
			},
			isExpired: true,
			canRetry:  true,
		},
		{
			name:          "no deadline",
			cmd:           &ScheduledCommand{ScheduledAt: epoch},
			shouldExecute: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.isExpired, tt.cmd.IsExpired(epoch))
			assert.Equal(t, tt.shouldExecute, tt.cmd.ShouldExecute(epoch))
			assert.Equal(t, tt.canRetry, tt.cmd.CanRetry())
		})
	}
}

func TestCommandQueue_OrderAndExpiry(t *testing.T) {
	q := NewCommandQueue(zerolog.Nop())

	late := &ScheduledCommand{ID: "late", Command: domain.CommandDataStop, ScheduledAt: epoch.Add(2 * time.Minute)}
	early := &ScheduledCommand{ID: "early", Command: domain.CommandFanHigh, ScheduledAt: epoch.Add(-time.Minute)}
	stale := &ScheduledCommand{
		ID:          "stale",
		Command:     domain.CommandDataStart,
		ScheduledAt: epoch.Add(-time.Hour),
		ExpiresAt:   epoch.Add(-30 * time.Minute),
	}
	q.Enqueue(late)
	q.Enqueue(early)
	q.Enqueue(stale)
	assert.Equal(t, 3, q.Len())

	assert.Equal(t, 1, q.CleanupExpired(epoch))
	assert.Equal(t, 2, q.Len())

	assert.Same(t, early, q.Dequeue(epoch))
	assert.Nil(t, q.Dequeue(epoch), "late command is not due yet")
	assert.Same(t, late, q.Dequeue(epoch.Add(2*time.Minute)))
	assert.Equal(t, 0, q.Len())
}

func TestNew_RejectsBadEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry config.ScheduleEntry
	}{
		{"unknown command", config.ScheduleEntry{Command: "fan-turbo", Every: time.Hour}},
		{"no trigger", config.ScheduleEntry{Command: "fan-high"}},
		{"both triggers", config.ScheduleEntry{Command: "fan-high", At: "07:00", Every: time.Hour}},
		{"bad time", config.ScheduleEntry{Command: "fan-high", At: "25:00"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(testScheduleConfig(tt.entry), newRecordingSink(), clockwork.NewFakeClockAt(epoch), zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestNextDaily(t *testing.T) {
	assert.Equal(t, time.Date(2026, time.March, 2, 7, 30, 0, 0, time.UTC), nextDaily(epoch, 7, 30))
	assert.Equal(t, time.Date(2026, time.March, 3, 6, 0, 0, 0, time.UTC), nextDaily(epoch, 6, 0))
	assert.Equal(t, time.Date(2026, time.March, 3, 5, 0, 0, 0, time.UTC), nextDaily(epoch, 5, 0))
}

func TestScheduler_TickSubmitsDueCommands(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	sink := newRecordingSink()

	s, err := New(testScheduleConfig(
		config.ScheduleEntry{Command: "fan-high", At: "06:30"},
		config.ScheduleEntry{Command: "DATA=1", Every: 10 * time.Minute},
	), sink, clock, zerolog.Nop())
	require.NoError(t, err)

	now := epoch
	for _, j := range s.jobs {
		j.advance(now)
	}

	s.tick(now.Add(5 * time.Minute))
	assert.Empty(t, sink.submitted())

	s.tick(now.Add(10 * time.Minute))
	assert.Equal(t, []domain.Command{domain.CommandDataStart}, sink.submitted())

	s.tick(now.Add(20 * time.Minute))
	s.tick(now.Add(30 * time.Minute))
	assert.Equal(t, []domain.Command{
		domain.CommandDataStart,
		domain.CommandDataStart,
		domain.CommandFanHigh,
		domain.CommandDataStart,
	}, sink.submitted())

	metrics := s.GetMetrics()
	assert.Equal(t, int64(4), metrics["commands_executed"])
	assert.Equal(t, 0, metrics["queue_length"])
}

func TestScheduler_RetriesWhileMailboxFull(t *testing.T) {
	sink := newRecordingSink()
	sink.refuse = 2

	cfg := testScheduleConfig()
	cfg.RetryDelay = time.Second
	cfg.MaxRetries = 3

	s, err := New(cfg, sink, clockwork.NewFakeClockAt(epoch), zerolog.Nop())
	require.NoError(t, err)

	cmd := s.Schedule(domain.CommandFanAuto, epoch, "test")

	s.tick(epoch)
	assert.Equal(t, 1, cmd.Retries)
	assert.Empty(t, sink.submitted())

	// First retry is due one second later, the second one two seconds after that
	s.tick(epoch.Add(time.Second))
	assert.Equal(t, 2, cmd.Retries)

	s.tick(epoch.Add(2 * time.Second))
	assert.Empty(t, sink.submitted())

	s.tick(epoch.Add(3 * time.Second))
	assert.Equal(t, []domain.Command{domain.CommandFanAuto}, sink.submitted())

	metrics := s.GetMetrics()
	assert.Equal(t, int64(2), metrics["commands_retried"])
	assert.Equal(t, int64(1), metrics["commands_executed"])
}

func TestScheduler_GivesUp(t *testing.T) {
	sink := newRecordingSink()
	sink.refuse = 10

	cfg := testScheduleConfig()
	cfg.RetryDelay = 0
	cfg.MaxRetries = 2

	s, err := New(cfg, sink, clockwork.NewFakeClockAt(epoch), zerolog.Nop())
	require.NoError(t, err)

	s.Schedule(domain.CommandDataStart, epoch, "test")
	s.tick(epoch)

	metrics := s.GetMetrics()
	assert.Equal(t, int64(2), metrics["commands_retried"])
	assert.Equal(t, int64(1), metrics["commands_failed"])
	assert.Equal(t, 0, metrics["queue_length"])
}

func TestScheduler_OtherErrorsAreNotRetried(t *testing.T) {
	sink := newRecordingSink()
	sink.err = errors.New("engine stopped")

	s, err := New(testScheduleConfig(), sink, clockwork.NewFakeClockAt(epoch), zerolog.Nop())
	require.NoError(t, err)

	cmd := s.Schedule(domain.CommandFanHigh, epoch, "test")
	s.tick(epoch)

	assert.Equal(t, 0, cmd.Retries)
	assert.Equal(t, int64(1), s.GetMetrics()["commands_failed"])
}

func TestScheduler_ExpiredCommandIsDropped(t *testing.T) {
	sink := newRecordingSink()

	cfg := testScheduleConfig()
	cfg.CommandTTL = time.Minute

	s, err := New(cfg, sink, clockwork.NewFakeClockAt(epoch), zerolog.Nop())
	require.NoError(t, err)

	s.Schedule(domain.CommandFanHigh, epoch, "test")
	s.tick(epoch.Add(2 * time.Minute))

	assert.Empty(t, sink.submitted())
	assert.Equal(t, 0, s.GetMetrics()["queue_length"])
}

func TestScheduler_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := clockwork.NewFakeClockAt(epoch)
	sink := newRecordingSink()

	s, err := New(testScheduleConfig(
		config.ScheduleEntry{Command: "fan-high", Every: time.Minute},
	), sink, clock, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx), "second start must fail")

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	select {
	case cmd := <-sink.notify:
		assert.Equal(t, domain.CommandFanHigh, cmd)
	case <-ctx.Done():
		t.Fatal("scheduled command was not submitted")
	}

	assert.Equal(t, true, s.GetMetrics()["is_running"])
	require.NoError(t, s.Stop())
	assert.Error(t, s.Stop(), "stopping twice must fail")
}
