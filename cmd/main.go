// Package main provides the entry point for the go-inventum gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/resident-x/go-inventum/internal/automation"
	"github.com/resident-x/go-inventum/internal/config"
	"github.com/resident-x/go-inventum/internal/domain"
	"github.com/resident-x/go-inventum/internal/pubsub"
	"github.com/resident-x/go-inventum/internal/service"
	"github.com/resident-x/go-inventum/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

// Exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitTransport = 2
)

func main() {
	code := run() // run() returns an int
	os.Exit(code) // os.Exit is called after deferred functions in run() execute
}

func run() int {
	configFile := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-inventum %s\n", Version)
		return exitOK
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return exitFailure
	}

	initLogger(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("Starting go-inventum")
	cfg.Print()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, err := transport.Open(transport.Options{
		Device:      cfg.Serial.Device,
		BaudRate:    cfg.Serial.BaudRate,
		ReadTimeout: cfg.Serial.ReadTimeout,
		MaxBuffered: cfg.Datalogger.BufferSize,
	}, transport.DefaultSerialPortFactory, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open serial link")
		return exitTransport
	}

	publisher := newPublisher(ctx, cfg)

	gateway := service.NewGateway(cfg, source, publisher, clockwork.NewRealClock(), service.WithVersion(Version))
	if err := gateway.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start gateway")
		_ = source.Close()
		return exitFailure
	}

	return exitCode(serve(ctx, gateway))
}

// serve runs the session and tears the gateway down when it ends, whether through a
// terminate command, a signal or a link failure.
func serve(ctx context.Context, gateway *service.Gateway) error {
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		return gateway.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			log.Info().Msg("Shutdown signal received")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return gateway.Stop(shutdownCtx)
	})

	return g.Wait()
}

func exitCode(err error) int {
	switch {
	case err == nil:
		log.Info().Msg("Gateway stopped")
		return exitOK
	case errors.Is(err, automation.ErrTransport):
		log.Error().Err(err).Msg("Serial link failed")
		return exitTransport
	default:
		log.Error().Err(err).Msg("Gateway failed")
		return exitFailure
	}
}

// newPublisher connects to MQTT, falling back to a noop publisher.
func newPublisher(ctx context.Context, cfg *config.Config) domain.MessagePublisher {
	if !cfg.MQTT.Enabled {
		log.Info().Msg("MQTT disabled, using noop publisher")
		return pubsub.NewNoopPublisher()
	}

	mqttPublisher := pubsub.NewMQTTPublisher(cfg, service.DeviceID(cfg.Serial.Device))
	if err := mqttPublisher.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to connect to MQTT broker, using noop publisher")
		return pubsub.NewNoopPublisher()
	}

	log.Info().Msg("MQTT publisher connected successfully")
	return mqttPublisher
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
