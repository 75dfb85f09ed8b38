// Command inventum-sim plays an Inventum Ecolution unit on a serial port, so the
// gateway can be exercised without the hardware. Pair it with the gateway through a
// virtual null-modem, for example:
//
//	socat -d -d pty,raw,echo=0,link=/tmp/unit pty,raw,echo=0,link=/tmp/gateway
//	inventum-sim -device /tmp/unit
//	INVENTUM_SERIAL_DEVICE=/tmp/gateway go-inventum
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-inventum/internal/config"
	"github.com/resident-x/go-inventum/internal/simulator"
	"github.com/resident-x/go-inventum/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile = flag.String("config", "", "Gateway configuration to take codes and framing from")
		device     = flag.String("device", "/tmp/unit", "Serial device the simulated unit listens on")
		baudRate   = flag.Int("baud", 9600, "Baud rate")
		interval   = flag.Duration("interval", 2*time.Second, "Interval between datalogger lines")
		fanMode    = flag.String("fan", "1", "Initial fan parameter value")
		verbose    = flag.Bool("verbose", false, "Enable debug logging")
		help       = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		fmt.Printf("Inventum unit simulator for go-inventum\n\n")
		fmt.Printf("Draws the unit's login prompts, menus and datalogger stream on a serial\n")
		fmt.Printf("port and reacts to the gateway's keystrokes.\n\n")
		fmt.Printf("Usage:\n")
		flag.PrintDefaults()
		fmt.Printf("\nExample:\n")
		fmt.Printf("  %s -device /tmp/unit -interval 5s -verbose\n", os.Args[0])
		return 0
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}

	link, err := transport.Open(transport.Options{
		Device:      *device,
		BaudRate:    *baudRate,
		ReadTimeout: 20 * time.Millisecond,
	}, transport.DefaultSerialPortFactory, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("Cannot open simulator port")
		return 2
	}
	defer link.Close()

	unit := simulator.NewUnit(simulator.Options{
		Device:         cfg.Device,
		Datalogger:     cfg.Datalogger,
		RecordInterval: *interval,
		FanMode:        *fanMode,
	}, clockwork.NewRealClock(), log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("device", *device).
		Dur("interval", *interval).
		Str("login_code", cfg.Device.LoginCode).
		Msg("Simulated unit ready, press Ctrl+C to stop")

	if err := unit.Serve(ctx, link, 20*time.Millisecond); err != nil {
		log.Error().Err(err).Msg("Simulator stopped")
		return 2
	}

	log.Info().
		Int("records", unit.Records()).
		Str("fan_mode", unit.FanMode()).
		Msg("Simulator stopped")
	return 0
}
