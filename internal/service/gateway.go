// Package service wires the serial link, the automation engine and the outer
// interfaces into one gateway.
package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/resident-x/go-inventum/internal/api"
	"github.com/resident-x/go-inventum/internal/automation"
	"github.com/resident-x/go-inventum/internal/config"
	"github.com/resident-x/go-inventum/internal/domain"
	"github.com/resident-x/go-inventum/internal/pubsub"
	"github.com/resident-x/go-inventum/internal/scheduler"
	"github.com/resident-x/go-inventum/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// recordQueueSize bounds the records waiting for the message bus.
const recordQueueSize = 64

// ErrRecordQueueFull is returned by HandleRecord when the message bus falls behind.
var ErrRecordQueueFull = errors.New("record queue full")

// Gateway runs one automation session and relays records and commands between the
// unit and the message bus and HTTP API.
type Gateway struct {
	config    *config.Config
	engine    *automation.Engine
	publisher domain.MessagePublisher
	bridge    *pubsub.Bridge
	apiServer *api.Server
	scheduler *scheduler.Scheduler
	clock     clockwork.Clock
	version   string
	logger    zerolog.Logger

	// Records leave the engine tick through this queue; publishRecords drains it.
	records       chan *domain.Record
	done          chan struct{}
	cancelPublish context.CancelFunc
	wg            sync.WaitGroup
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithVersion sets the build version reported by the HTTP API.
func WithVersion(version string) Option {
	return func(g *Gateway) {
		g.version = version
	}
}

// DeviceID names the unit behind a serial device, e.g. "inventum_ttyacm0".
func DeviceID(device string) string {
	return "inventum_" + strings.ToLower(filepath.Base(device))
}

// NewGateway creates a gateway over an open byte source. The publisher should already
// be connected; commands received on it are forwarded to the engine.
func NewGateway(
	cfg *config.Config,
	source domain.ByteSource,
	publisher domain.MessagePublisher,
	clock clockwork.Clock,
	opts ...Option,
) *Gateway {
	g := &Gateway{
		config:    cfg,
		publisher: publisher,
		clock:     clock,
		version:   "dev",
		logger:    log.With().Str("component", "gateway").Logger(),
		records:   make(chan *domain.Record, recordQueueSize),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.engine = automation.NewEngine(source, g, automation.Options{
		Device:     cfg.Device,
		Datalogger: cfg.Datalogger,
		Automation: cfg.Automation,
		Rows:       cfg.Terminal.Rows,
		Cols:       cfg.Terminal.Cols,
		DeviceName: cfg.Serial.Device,
		Clock:      clock,
	}, log.Logger)

	g.bridge = pubsub.NewBridge(publisher, g.engine, cfg.MQTT.Topic)

	if cfg.API.Enabled {
		g.apiServer = api.NewServer(cfg, g.version, g.engine.Session(), g.engine)
	}

	return g
}

// HandleRecord queues a decoded record for the message bus. It never blocks; when
// the queue is full the record is dropped and ErrRecordQueueFull returned.
func (g *Gateway) HandleRecord(_ context.Context, record *domain.Record) error {
	select {
	case g.records <- record:
		return nil
	default:
		return ErrRecordQueueFull
	}
}

func (g *Gateway) publishRecords(ctx context.Context, done <-chan struct{}) {
	defer g.wg.Done()
	for {
		select {
		case record := <-g.records:
			g.publishRecord(ctx, record)
		case <-done:
			for {
				select {
				case record := <-g.records:
					g.publishRecord(ctx, record)
				default:
					return
				}
			}
		}
	}
}

func (g *Gateway) publishRecord(ctx context.Context, record *domain.Record) {
	if err := g.bridge.HandleRecord(ctx, record); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to publish datalogger record")
	}
}

// stopPublishing flushes queued records, abandoning them once ctx expires.
func (g *Gateway) stopPublishing(ctx context.Context) {
	if g.done == nil {
		return
	}
	close(g.done)

	flushed := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(flushed)
	}()

	select {
	case <-flushed:
	case <-ctx.Done():
		g.logger.Warn().Int("queued", len(g.records)).Msg("Gave up flushing datalogger records")
		g.cancelPublish()
		<-flushed
	}
	g.cancelPublish()
	g.done = nil
}

// Submit hands a command to the engine.
func (g *Gateway) Submit(cmd domain.Command) error {
	return g.engine.Submit(cmd)
}

// Session returns the live session statistics.
func (g *Gateway) Session() *session.Session {
	return g.engine.Session()
}

// Start subscribes to commands and starts the HTTP API, the command schedule and
// record publishing.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.bridge.Start(); err != nil {
		return err
	}

	if g.config.Schedule.Enabled {
		sched, err := scheduler.New(g.config.Schedule, g.engine, g.clock, log.Logger)
		if err != nil {
			return fmt.Errorf("failed to create command schedule: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start command schedule: %w", err)
		}
		g.scheduler = sched
	}

	if g.apiServer != nil {
		if err := g.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	// Publishing outlives the start context so queued records can be flushed on Stop
	publishCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancelPublish = cancel
	g.done = make(chan struct{})
	g.wg.Add(1)
	go g.publishRecords(publishCtx, g.done)

	g.logger.Info().
		Str("device", g.config.Serial.Device).
		Str("commands", g.bridge.CommandTopic()).
		Str("data", g.bridge.DataTopic()).
		Msg("Gateway started")
	return nil
}

// Run drives the automation session until it terminates. See automation.Engine.Run.
func (g *Gateway) Run(ctx context.Context) error {
	return g.engine.Run(ctx)
}

// Stop shuts down the schedule and the HTTP API, flushes queued records and closes the
// publisher. The engine stops on its own once terminated or its context is cancelled.
func (g *Gateway) Stop(ctx context.Context) error {
	g.logger.Info().Msg("Stopping gateway")

	if g.scheduler != nil {
		metrics := g.scheduler.GetMetrics()
		if err := g.scheduler.Stop(); err != nil {
			g.logger.Warn().Err(err).Msg("Failed to stop command schedule")
		}
		g.logger.Info().Interface("metrics", metrics).Msg("Command schedule stopped")
	}

	if g.apiServer != nil {
		if err := g.apiServer.Stop(ctx); err != nil {
			g.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	g.stopPublishing(ctx)

	if err := g.publisher.Close(); err != nil {
		return fmt.Errorf("failed to close publisher: %w", err)
	}

	stats := g.engine.Session().GetStats()
	g.logger.Info().
		Int64("bytes_received", stats.BytesReceived).
		Int64("records_decoded", stats.RecordsDecoded).
		Int64("watchdog_resets", stats.WatchdogResets).
		Dur("duration", stats.Duration).
		Msg("Gateway stopped")
	return nil
}
