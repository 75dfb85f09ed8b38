// Package config provides configuration management for the go-inventum application.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`

	// Serial link to the ventilation unit
	Serial struct {
		Device      string        `mapstructure:"device"`
		BaudRate    int           `mapstructure:"baud_rate"`
		ReadTimeout time.Duration `mapstructure:"read_timeout"`
	} `mapstructure:"serial"`

	// Virtual terminal geometry
	Terminal struct {
		Rows int `mapstructure:"rows"`
		Cols int `mapstructure:"cols"`
	} `mapstructure:"terminal"`

	Device     DeviceConfig     `mapstructure:"device"`
	Datalogger DataloggerConfig `mapstructure:"datalogger"`
	Automation AutomationConfig `mapstructure:"automation"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`

	// MQTT settings
	MQTT struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		ClientID string `mapstructure:"client_id"`
		Topic    string `mapstructure:"topic"`
		Retain   bool   `mapstructure:"retain"`
		QoS      byte   `mapstructure:"qos"`

		// UniqueClientID appends a random suffix so several gateways can share a client_id
		UniqueClientID bool `mapstructure:"unique_client_id"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled            bool   `mapstructure:"enabled"`
			DiscoveryPrefix    string `mapstructure:"discovery_prefix"`
			DeviceName         string `mapstructure:"device_name"`
			DeviceManufacturer string `mapstructure:"device_manufacturer"`
			DeviceModel        string `mapstructure:"device_model"`
			RetainDiscovery    bool   `mapstructure:"retain_discovery"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`
}

// ScreenMarker is a substring expected on a given screen row. Row 0 means the row the
// cursor is currently on.
type ScreenMarker struct {
	Row  int    `mapstructure:"row"`
	Text string `mapstructure:"text"`
}

// Markers lists the on-screen texts used to recognize device screens.
type Markers struct {
	LoginPrompt  ScreenMarker `mapstructure:"login_prompt"`
	PinPrompt    ScreenMarker `mapstructure:"pin_prompt"`
	MainMenu     ScreenMarker `mapstructure:"main_menu"`
	IOStatus     ScreenMarker `mapstructure:"io_status"`
	FanParameter ScreenMarker `mapstructure:"fan_parameter"`
}

// DeviceConfig holds the device-defined codes and menu layout.
type DeviceConfig struct {
	LoginCode         string  `mapstructure:"login_code"`
	PinCode           string  `mapstructure:"pin_code"`
	IOMenuKey         string  `mapstructure:"io_menu_key"`
	DataloggerMenuKey string  `mapstructure:"datalogger_menu_key"`
	FanMenuIndex      int     `mapstructure:"fan_menu_index"`
	MenuIndexOffset   int     `mapstructure:"menu_index_offset"`
	FanHighInput      string  `mapstructure:"fan_high_input"`
	FanHighValue      string  `mapstructure:"fan_high_value"`
	MonitoredField    string  `mapstructure:"monitored_field"`
	Markers           Markers `mapstructure:"markers"`
}

// DataloggerConfig describes the framing of the bulk datalogger stream.
type DataloggerConfig struct {
	HeaderMarker       string        `mapstructure:"header_marker"`
	HeaderPrefixLength int           `mapstructure:"header_prefix_length"`
	HeaderSize         int           `mapstructure:"header_size"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	DeadStreamTimeout  time.Duration `mapstructure:"dead_stream_timeout"`
	BufferSize         int           `mapstructure:"buffer_size"`
}

// AutomationConfig holds the timing policy of the automation engine.
type AutomationConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	StallTimeout     time.Duration `mapstructure:"stall_timeout"`
	KeyRetryInterval time.Duration `mapstructure:"key_retry_interval"`
	FanResetInterval time.Duration `mapstructure:"fan_reset_interval"`
	FanStatusMaxAge  time.Duration `mapstructure:"fan_status_max_age"`
	ShutdownSettle   time.Duration `mapstructure:"shutdown_settle"`
	CommandBuffer    int           `mapstructure:"command_buffer"`
}

// ScheduleEntry queues a command daily at a wall clock time ("15:04") or at a
// fixed interval. Exactly one of At and Every is set.
type ScheduleEntry struct {
	Command string        `mapstructure:"command"`
	At      string        `mapstructure:"at"`
	Every   time.Duration `mapstructure:"every"`
}

// ScheduleConfig holds the timed commands and how they are retried.
type ScheduleConfig struct {
	Enabled      bool            `mapstructure:"enabled"`
	TickInterval time.Duration   `mapstructure:"tick_interval"`
	RetryDelay   time.Duration   `mapstructure:"retry_delay"`
	MaxRetries   int             `mapstructure:"max_retries"`
	CommandTTL   time.Duration   `mapstructure:"command_ttl"`
	Entries      []ScheduleEntry `mapstructure:"entries"`
}

// DefaultDeviceConfig returns the codes and markers of an Inventum Ecolution unit.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		LoginCode:         "3845",
		PinCode:           "19",
		IOMenuKey:         "6",
		DataloggerMenuKey: "8",
		FanMenuIndex:      17,
		MenuIndexOffset:   1,
		FanHighInput:      "3",
		FanHighValue:      "3",
		MonitoredField:    "fan-speed-mode",
		Markers: Markers{
			LoginPrompt:  ScreenMarker{Row: 0, Text: "Voer code in"},
			PinPrompt:    ScreenMarker{Row: 0, Text: "Voer beveiligingscode in"},
			MainMenu:     ScreenMarker{Row: 2, Text: " EXTRAMENU"},
			IOStatus:     ScreenMarker{Row: 1, Text: "IO status"},
			FanParameter: ScreenMarker{Row: 51, Text: "   3-standen :"},
		},
	}
}

// DefaultDataloggerConfig returns the framing observed on captured datalogger output.
func DefaultDataloggerConfig() DataloggerConfig {
	return DataloggerConfig{
		HeaderMarker:       "DATALOGGER",
		HeaderPrefixLength: 2,
		HeaderSize:         1024,
		SettleDelay:        2 * time.Second,
		DeadStreamTimeout:  5 * time.Minute,
		BufferSize:         64 * 1024,
	}
}

// DefaultAutomationConfig returns the default timing policy.
func DefaultAutomationConfig() AutomationConfig {
	return AutomationConfig{
		TickInterval:     100 * time.Millisecond,
		StallTimeout:     5 * time.Second,
		KeyRetryInterval: 5 * time.Second,
		FanResetInterval: 60 * time.Minute,
		FanStatusMaxAge:  10 * time.Minute,
		ShutdownSettle:   4 * time.Second,
		CommandBuffer:    16,
	}
}

// DefaultScheduleConfig returns a disabled schedule.
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Enabled:      false,
		TickInterval: time.Second,
		RetryDelay:   time.Second,
		MaxRetries:   3,
		CommandTTL:   5 * time.Minute,
	}
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel:   "info",
		Device:     DefaultDeviceConfig(),
		Datalogger: DefaultDataloggerConfig(),
		Automation: DefaultAutomationConfig(),
		Schedule:   DefaultScheduleConfig(),
	}

	cfg.Serial.Device = "/dev/ttyACM0"
	cfg.Serial.BaudRate = 9600
	cfg.Serial.ReadTimeout = 50 * time.Millisecond

	cfg.Terminal.Rows = 53
	cfg.Terminal.Cols = 80

	// Default MQTT settings
	cfg.MQTT.Enabled = true
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.ClientID = "inventum-usb"
	cfg.MQTT.Topic = "ventilation/inventum"
	cfg.MQTT.Retain = false
	cfg.MQTT.QoS = 0

	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceName = "Inventum Ecolution"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "Inventum"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceModel = "Ecolution"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true

	// Default API settings
	cfg.API.Enabled = false
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 8080

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("inventum")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/inventum")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	v.SetEnvPrefix("INVENTUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only covers keys viper already knows about.
	registerDefaults(v, "", reflect.ValueOf(cfg).Elem())

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// registerDefaults sets a viper default for every leaf key of a mapstructure-tagged
// struct, so environment overrides apply without a config file.
func registerDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		fv := val.Field(i)
		if fv.Kind() == reflect.Struct {
			registerDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

// Validate rejects values the core cannot operate with.
func (c *Config) Validate() error {
	var errs []error

	if c.Terminal.Rows <= 0 || c.Terminal.Cols <= 1 {
		errs = append(errs, fmt.Errorf("terminal size %dx%d out of range", c.Terminal.Rows, c.Terminal.Cols))
	}
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud_rate must be positive"))
	}
	if c.Automation.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("automation.tick_interval must be positive"))
	}
	if c.Automation.StallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("automation.stall_timeout must be positive"))
	}
	if c.Datalogger.HeaderSize <= 0 {
		errs = append(errs, fmt.Errorf("datalogger.header_size must be positive"))
	}
	if c.Datalogger.HeaderMarker == "" {
		errs = append(errs, fmt.Errorf("datalogger.header_marker must not be empty"))
	}
	if c.Datalogger.BufferSize < c.Datalogger.HeaderSize {
		errs = append(errs, fmt.Errorf("datalogger.buffer_size must hold at least one header block"))
	}
	if c.Device.FanMenuIndex < 0 || c.Device.FanMenuIndex > 99 {
		errs = append(errs, fmt.Errorf("device.fan_menu_index %d is not a two digit index", c.Device.FanMenuIndex))
	}

	if c.Schedule.Enabled {
		errs = append(errs, c.Schedule.validate()...)
	}

	markers := map[string]ScreenMarker{
		"login_prompt":  c.Device.Markers.LoginPrompt,
		"pin_prompt":    c.Device.Markers.PinPrompt,
		"main_menu":     c.Device.Markers.MainMenu,
		"io_status":     c.Device.Markers.IOStatus,
		"fan_parameter": c.Device.Markers.FanParameter,
	}
	for name, m := range markers {
		if m.Text == "" {
			errs = append(errs, fmt.Errorf("device.markers.%s.text must not be empty", name))
		}
		if m.Row < 0 || m.Row > c.Terminal.Rows {
			errs = append(errs, fmt.Errorf("device.markers.%s.row %d outside the screen", name, m.Row))
		}
	}

	return errors.Join(errs...)
}

func (s ScheduleConfig) validate() []error {
	var errs []error
	if s.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("schedule.tick_interval must be positive"))
	}
	for i, entry := range s.Entries {
		switch {
		case entry.Command == "":
			errs = append(errs, fmt.Errorf("schedule.entries[%d].command must not be empty", i))
		case (entry.At == "") == (entry.Every <= 0):
			errs = append(errs, fmt.Errorf("schedule.entries[%d] needs exactly one of at and every", i))
		case entry.At != "":
			if _, err := time.Parse("15:04", entry.At); err != nil {
				errs = append(errs, fmt.Errorf("schedule.entries[%d].at %q is not HH:MM", i, entry.At))
			}
		}
	}
	return errs
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-inventum Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")

	logger.Info().
		Str("device", c.Serial.Device).
		Int("baud_rate", c.Serial.BaudRate).
		Dur("read_timeout", c.Serial.ReadTimeout).
		Msg("Serial")

	logger.Info().
		Int("rows", c.Terminal.Rows).
		Int("cols", c.Terminal.Cols).
		Msg("Terminal")

	logger.Info().
		Dur("tick_interval", c.Automation.TickInterval).
		Dur("stall_timeout", c.Automation.StallTimeout).
		Dur("fan_reset_interval", c.Automation.FanResetInterval).
		Msg("Automation")

	logger.Info().
		Str("header_marker", c.Datalogger.HeaderMarker).
		Int("header_size", c.Datalogger.HeaderSize).
		Str("monitored_field", c.Device.MonitoredField).
		Msg("Datalogger")

	logger.Info().
		Bool("enabled", c.Schedule.Enabled).
		Int("entries", len(c.Schedule.Entries)).
		Msg("Schedule")

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Msg("-----------------------------")
}
