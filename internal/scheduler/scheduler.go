// Package scheduler submits commands to the automation engine at configured times.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/resident-x/go-inventum/internal/config"
	"github.com/resident-x/go-inventum/internal/domain"
)

// ScheduledCommand is one pending submission of a command.
type ScheduledCommand struct {
	ID          string
	Command     domain.Command
	Source      string
	ScheduledAt time.Time
	ExpiresAt   time.Time
	Retries     int
	MaxRetries  int
	CreatedAt   time.Time
	Error       error
}

// IsExpired returns true if the command was not submitted before its deadline.
func (sc *ScheduledCommand) IsExpired(now time.Time) bool {
	return !sc.ExpiresAt.IsZero() && now.After(sc.ExpiresAt)
}

// ShouldExecute returns true if the command is due and still valid.
func (sc *ScheduledCommand) ShouldExecute(now time.Time) bool {
	return !sc.IsExpired(now) && !now.Before(sc.ScheduledAt)
}

// CanRetry returns true if the command can be retried.
func (sc *ScheduledCommand) CanRetry() bool {
	return sc.Retries < sc.MaxRetries
}

// CommandQueue holds pending commands ordered by due time.
type CommandQueue struct {
	commands []*ScheduledCommand
	mutex    sync.RWMutex
	logger   zerolog.Logger
}

// NewCommandQueue creates a new command queue.
func NewCommandQueue(logger zerolog.Logger) *CommandQueue {
	return &CommandQueue{
		logger: logger.With().Str("component", "command_queue").Logger(),
	}
}

// Enqueue adds a command to the queue.
func (cq *CommandQueue) Enqueue(cmd *ScheduledCommand) {
	cq.mutex.Lock()
	defer cq.mutex.Unlock()

	i := sort.Search(len(cq.commands), func(i int) bool {
		return cq.commands[i].ScheduledAt.After(cmd.ScheduledAt)
	})
	cq.commands = append(cq.commands, nil)
	copy(cq.commands[i+1:], cq.commands[i:])
	cq.commands[i] = cmd

	cq.logger.Debug().
		Str("command_id", cmd.ID).
		Str("command", cmd.Command.String()).
		Time("scheduled_at", cmd.ScheduledAt).
		Msg("Command enqueued")
}

// Dequeue removes and returns the earliest command that is due at now.
func (cq *CommandQueue) Dequeue(now time.Time) *ScheduledCommand {
	cq.mutex.Lock()
	defer cq.mutex.Unlock()

	for i, cmd := range cq.commands {
		if cmd.ScheduledAt.After(now) {
			return nil
		}
		if cmd.ShouldExecute(now) {
			cq.commands = append(cq.commands[:i], cq.commands[i+1:]...)
			return cmd
		}
	}
	return nil
}

// CleanupExpired removes expired commands from the queue.
func (cq *CommandQueue) CleanupExpired(now time.Time) int {
	cq.mutex.Lock()
	defer cq.mutex.Unlock()

	active := cq.commands[:0]
	cleaned := 0
	for _, cmd := range cq.commands {
		if !cmd.IsExpired(now) {
			active = append(active, cmd)
			continue
		}
		cleaned++
		cq.logger.Warn().
			Str("command_id", cmd.ID).
			Str("command", cmd.Command.String()).
			Int("retries", cmd.Retries).
			Msg("Expired command removed")
	}
	for i := len(active); i < len(cq.commands); i++ {
		cq.commands[i] = nil
	}
	cq.commands = active

	return cleaned
}

// Len returns the number of commands in the queue.
func (cq *CommandQueue) Len() int {
	cq.mutex.RLock()
	defer cq.mutex.RUnlock()
	return len(cq.commands)
}

// job is a configured entry and the next time it fires.
type job struct {
	command domain.Command
	label   string
	every   time.Duration
	hour    int
	minute  int
	next    time.Time
}

func (j *job) advance(now time.Time) {
	if j.every > 0 {
		j.next = now.Add(j.every)
		return
	}
	j.next = nextDaily(now, j.hour, j.minute)
}

// nextDaily returns the first hh:mm strictly after now, in now's location.
func nextDaily(now time.Time, hour, minute int) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// Scheduler queues configured commands when they fall due and submits them to a
// CommandSink, retrying while the sink's mailbox is full.
type Scheduler struct {
	queue     *CommandQueue
	sink      domain.CommandSink
	jobs      []*job
	clock     clockwork.Clock
	logger    zerolog.Logger
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mutex     sync.Mutex

	tickInterval time.Duration
	retryDelay   time.Duration
	maxRetries   int
	commandTTL   time.Duration

	commandsExecuted int64
	commandsFailed   int64
	commandsRetried  int64
}

// New creates a scheduler from cfg. Entries are validated here so that a bad
// command token fails at startup rather than at its first due time.
func New(cfg config.ScheduleConfig, sink domain.CommandSink, clock clockwork.Clock, logger zerolog.Logger) (*Scheduler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}

	s := &Scheduler{
		queue:        NewCommandQueue(logger),
		sink:         sink,
		clock:        clock,
		logger:       logger.With().Str("component", "scheduler").Logger(),
		stopChan:     make(chan struct{}),
		tickInterval: cfg.TickInterval,
		retryDelay:   cfg.RetryDelay,
		maxRetries:   cfg.MaxRetries,
		commandTTL:   cfg.CommandTTL,
	}

	for i, entry := range cfg.Entries {
		j, err := newJob(entry)
		if err != nil {
			return nil, fmt.Errorf("schedule entry %d: %w", i, err)
		}
		s.jobs = append(s.jobs, j)
	}

	return s, nil
}

func newJob(entry config.ScheduleEntry) (*job, error) {
	cmd, err := domain.ParseCommand(entry.Command)
	if err != nil {
		return nil, err
	}

	j := &job{command: cmd}
	switch {
	case entry.Every > 0 && entry.At == "":
		j.every = entry.Every
		j.label = "every " + entry.Every.String()
	case entry.At != "" && entry.Every <= 0:
		at, err := time.Parse("15:04", entry.At)
		if err != nil {
			return nil, fmt.Errorf("invalid time of day %q: %w", entry.At, err)
		}
		j.hour, j.minute = at.Hour(), at.Minute()
		j.label = "at " + entry.At
	default:
		return nil, errors.New("needs exactly one of at and every")
	}
	return j, nil
}

// Start begins the scheduling loop. It runs until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	now := s.clock.Now()
	for _, j := range s.jobs {
		j.advance(now)
		s.logger.Info().
			Str("command", j.command.String()).
			Str("trigger", j.label).
			Time("next", j.next).
			Msg("Scheduled command")
	}

	ticker := s.clock.NewTicker(s.tickInterval)
	s.isRunning = true

	s.wg.Add(1)
	go s.executionLoop(ctx, ticker)

	s.logger.Info().
		Int("entries", len(s.jobs)).
		Dur("tick_interval", s.tickInterval).
		Msg("Command scheduler started")

	return nil
}

// Stop shuts down the scheduling loop.
func (s *Scheduler) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.isRunning {
		return fmt.Errorf("scheduler is not running")
	}

	close(s.stopChan)
	s.wg.Wait()
	s.isRunning = false

	s.logger.Info().Msg("Command scheduler stopped")
	return nil
}

// Schedule queues a one-off command at the given time.
func (s *Scheduler) Schedule(cmd domain.Command, at time.Time, source string) *ScheduledCommand {
	now := s.clock.Now()
	sc := &ScheduledCommand{
		ID:          uuid.NewString(),
		Command:     cmd,
		Source:      source,
		ScheduledAt: at,
		MaxRetries:  s.maxRetries,
		CreatedAt:   now,
	}
	if s.commandTTL > 0 {
		sc.ExpiresAt = at.Add(s.commandTTL)
	}

	s.queue.Enqueue(sc)
	return sc
}

// GetMetrics returns current scheduler metrics.
func (s *Scheduler) GetMetrics() map[string]interface{} {
	s.mutex.Lock()
	running := s.isRunning
	s.mutex.Unlock()

	return map[string]interface{}{
		"is_running":        running,
		"entries":           len(s.jobs),
		"queue_length":      s.queue.Len(),
		"commands_executed": atomic.LoadInt64(&s.commandsExecuted),
		"commands_failed":   atomic.LoadInt64(&s.commandsFailed),
		"commands_retried":  atomic.LoadInt64(&s.commandsRetried),
	}
}

func (s *Scheduler) executionLoop(ctx context.Context, ticker clockwork.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.Chan():
			s.tick(s.clock.Now())
		}
	}
}

// tick queues due jobs, drops expired commands and submits what is due.
func (s *Scheduler) tick(now time.Time) {
	for _, j := range s.jobs {
		if now.Before(j.next) {
			continue
		}
		s.Schedule(j.command, j.next, j.label)
		j.advance(now)
	}

	s.queue.CleanupExpired(now)

	for cmd := s.queue.Dequeue(now); cmd != nil; cmd = s.queue.Dequeue(now) {
		s.execute(now, cmd)
	}
}

func (s *Scheduler) execute(now time.Time, cmd *ScheduledCommand) {
	err := s.sink.Submit(cmd.Command)
	if err == nil {
		atomic.AddInt64(&s.commandsExecuted, 1)
		s.logger.Info().
			Str("command_id", cmd.ID).
			Str("command", cmd.Command.String()).
			Str("trigger", cmd.Source).
			Msg("Scheduled command submitted")
		return
	}

	cmd.Error = err
	if errors.Is(err, domain.ErrMailboxFull) && cmd.CanRetry() {
		s.retryCommand(now, cmd)
		return
	}
	s.recordCommandFailure(cmd)
}

// retryCommand reschedules a command with a linear backoff.
func (s *Scheduler) retryCommand(now time.Time, cmd *ScheduledCommand) {
	cmd.Retries++
	cmd.ScheduledAt = now.Add(time.Duration(cmd.Retries) * s.retryDelay)

	s.queue.Enqueue(cmd)
	atomic.AddInt64(&s.commandsRetried, 1)

	s.logger.Warn().
		Str("command_id", cmd.ID).
		Str("command", cmd.Command.String()).
		Int("retry", cmd.Retries).
		Int("max_retries", cmd.MaxRetries).
		Err(cmd.Error).
		Msg("Retrying command")
}

func (s *Scheduler) recordCommandFailure(cmd *ScheduledCommand) {
	atomic.AddInt64(&s.commandsFailed, 1)

	s.logger.Error().
		Str("command_id", cmd.ID).
		Str("command", cmd.Command.String()).
		Int("retries", cmd.Retries).
		Err(cmd.Error).
		Msg("Command failed after retries")
}
