package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/resident-x/go-inventum/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Bridge connects the automation engine to a message bus: decoded records go out on
// <topic>/data and command payloads arriving on <topic>/commands are submitted to the
// engine.
type Bridge struct {
	publisher domain.MessagePublisher
	commands  domain.CommandSink
	topic     string
	logger    zerolog.Logger
}

// NewBridge creates a bridge rooted at topic.
func NewBridge(publisher domain.MessagePublisher, commands domain.CommandSink, topic string) *Bridge {
	return &Bridge{
		publisher: publisher,
		commands:  commands,
		topic:     strings.TrimSuffix(topic, "/"),
		logger:    log.With().Str("component", "bridge").Logger(),
	}
}

// DataTopic is where records are published.
func (b *Bridge) DataTopic() string {
	return b.topic + "/data"
}

// CommandTopic is where commands are received.
func (b *Bridge) CommandTopic() string {
	return b.topic + "/commands"
}

// Start subscribes to the command topic.
func (b *Bridge) Start() error {
	if err := b.publisher.Subscribe(b.CommandTopic(), b.handleCommand); err != nil {
		return fmt.Errorf("failed to subscribe to commands: %w", err)
	}
	return nil
}

// HandleRecord publishes a decoded record.
func (b *Bridge) HandleRecord(ctx context.Context, record *domain.Record) error {
	if err := b.publisher.Publish(ctx, b.DataTopic(), record); err != nil {
		return fmt.Errorf("failed to publish record: %w", err)
	}
	return nil
}

func (b *Bridge) handleCommand(payload []byte) {
	cmd, err := domain.ParseCommand(string(payload))
	if err != nil {
		b.logger.Warn().Err(err).Msg("Ignoring command")
		return
	}

	if err := b.commands.Submit(cmd); err != nil {
		if errors.Is(err, domain.ErrMailboxFull) {
			b.logger.Warn().Err(err).Str("command", cmd.String()).Msg("Command dropped")
			return
		}
		b.logger.Error().Err(err).Str("command", cmd.String()).Msg("Command rejected")
		return
	}

	b.logger.Info().Str("command", cmd.String()).Msg("Command received")
}
