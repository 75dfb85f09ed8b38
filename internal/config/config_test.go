package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)

	// Serial defaults
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Device)
	assert.Equal(t, 9600, cfg.Serial.BaudRate)

	// Terminal defaults
	assert.Equal(t, 53, cfg.Terminal.Rows)
	assert.Equal(t, 80, cfg.Terminal.Cols)

	// Device defaults
	assert.Equal(t, "3845", cfg.Device.LoginCode)
	assert.Equal(t, "19", cfg.Device.PinCode)
	assert.Equal(t, "6", cfg.Device.IOMenuKey)
	assert.Equal(t, 17, cfg.Device.FanMenuIndex)
	assert.Equal(t, " EXTRAMENU", cfg.Device.Markers.MainMenu.Text)
	assert.Equal(t, 2, cfg.Device.Markers.MainMenu.Row)
	assert.Equal(t, 51, cfg.Device.Markers.FanParameter.Row)

	// Timing defaults
	assert.Equal(t, 100*time.Millisecond, cfg.Automation.TickInterval)
	assert.Equal(t, 5*time.Second, cfg.Automation.StallTimeout)
	assert.Equal(t, 2*time.Second, cfg.Datalogger.SettleDelay)
	assert.Equal(t, 5*time.Minute, cfg.Datalogger.DeadStreamTimeout)

	// MQTT defaults
	assert.Equal(t, true, cfg.MQTT.Enabled)
	assert.Equal(t, "localhost", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, "ventilation/inventum", cfg.MQTT.Topic)

	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigWithNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent_config.yaml")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config")
}

func TestLoadConfigWithValidYAML(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "test_config.yaml")

	configContent := `
log_level: debug
serial:
  device: /dev/ttyUSB3
  baud_rate: 19200
  read_timeout: 20ms
terminal:
  rows: 60
  cols: 80
device:
  login_code: "1111"
  pin_code: "22"
  fan_menu_index: 12
  monitored_field: ventilator-stand
  markers:
    io_status:
      row: 3
      text: "IO overzicht"
datalogger:
  header_marker: LOG
  header_size: 256
  settle_delay: 500ms
automation:
  tick_interval: 50ms
  fan_reset_interval: 30m
mqtt:
  enabled: false
  host: mqtt.example.com
  port: 8883
  username: testuser
  password: testpass
  topic: test/topic
  retain: true
api:
  enabled: true
  host: 0.0.0.0
  port: 9000
schedule:
  enabled: true
  retry_delay: 2s
  entries:
    - command: fan-high
      at: "07:30"
    - command: data-start
      every: 15m
`

	err := os.WriteFile(configFile, []byte(configContent), 0o644)
	require.NoError(t, err)

	cfg, err := Load(configFile)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "debug", cfg.LogLevel)

	assert.Equal(t, "/dev/ttyUSB3", cfg.Serial.Device)
	assert.Equal(t, 19200, cfg.Serial.BaudRate)
	assert.Equal(t, 20*time.Millisecond, cfg.Serial.ReadTimeout)

	assert.Equal(t, 60, cfg.Terminal.Rows)

	assert.Equal(t, "1111", cfg.Device.LoginCode)
	assert.Equal(t, "22", cfg.Device.PinCode)
	assert.Equal(t, 12, cfg.Device.FanMenuIndex)
	assert.Equal(t, "ventilator-stand", cfg.Device.MonitoredField)
	assert.Equal(t, 3, cfg.Device.Markers.IOStatus.Row)
	assert.Equal(t, "IO overzicht", cfg.Device.Markers.IOStatus.Text)
	// Untouched markers keep their defaults
	assert.Equal(t, " EXTRAMENU", cfg.Device.Markers.MainMenu.Text)

	assert.Equal(t, "LOG", cfg.Datalogger.HeaderMarker)
	assert.Equal(t, 256, cfg.Datalogger.HeaderSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Datalogger.SettleDelay)

	assert.Equal(t, 50*time.Millisecond, cfg.Automation.TickInterval)
	assert.Equal(t, 30*time.Minute, cfg.Automation.FanResetInterval)

	assert.Equal(t, false, cfg.MQTT.Enabled)
	assert.Equal(t, "mqtt.example.com", cfg.MQTT.Host)
	assert.Equal(t, 8883, cfg.MQTT.Port)
	assert.Equal(t, "testuser", cfg.MQTT.Username)
	assert.Equal(t, "testpass", cfg.MQTT.Password)
	assert.Equal(t, "test/topic", cfg.MQTT.Topic)
	assert.Equal(t, true, cfg.MQTT.Retain)

	assert.Equal(t, true, cfg.API.Enabled)
	assert.Equal(t, "0.0.0.0", cfg.API.Host)
	assert.Equal(t, 9000, cfg.API.Port)

	assert.True(t, cfg.Schedule.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Schedule.RetryDelay)
	assert.Equal(t, 3, cfg.Schedule.MaxRetries)
	assert.Equal(t, []ScheduleEntry{
		{Command: "fan-high", At: "07:30"},
		{Command: "data-start", Every: 15 * time.Minute},
	}, cfg.Schedule.Entries)
}

func TestLoadConfigEnvironmentOverride(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "env_config.yaml")

	require.NoError(t, os.WriteFile(configFile, []byte("serial:\n  device: /dev/ttyACM0\n"), 0o644))
	t.Setenv("INVENTUM_SERIAL_DEVICE", "/dev/ttyUSB9")

	cfg, err := Load(configFile)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB9", cfg.Serial.Device)
}

func TestLoadConfigEnvironmentWithoutFile(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("INVENTUM_SERIAL_DEVICE", "/tmp/gateway")
	t.Setenv("INVENTUM_MQTT_HOST", "broker.lan")
	t.Setenv("INVENTUM_MQTT_HOMEASSISTANT_AUTODISCOVERY_ENABLED", "true")
	t.Setenv("INVENTUM_AUTOMATION_TICK_INTERVAL", "250ms")
	t.Setenv("INVENTUM_DEVICE_MARKERS_MAIN_MENU_ROW", "3")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/gateway", cfg.Serial.Device)
	assert.Equal(t, "broker.lan", cfg.MQTT.Host)
	assert.True(t, cfg.MQTT.HomeAssistantAutoDiscovery.Enabled)
	assert.Equal(t, 250*time.Millisecond, cfg.Automation.TickInterval)
	assert.Equal(t, 3, cfg.Device.Markers.MainMenu.Row)

	// Untouched keys keep their defaults
	assert.Equal(t, 9600, cfg.Serial.BaudRate)
	assert.Equal(t, "3845", cfg.Device.LoginCode)
	assert.Empty(t, cfg.Schedule.Entries)
}

func TestLoadConfigWithInvalidYAML(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "invalid_config.yaml")

	invalidContent := `
invalid: yaml: content: [
`

	err := os.WriteFile(configFile, []byte(invalidContent), 0o644)
	require.NoError(t, err)

	_, err = Load(configFile)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config")
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "bad_values.yaml")

	require.NoError(t, os.WriteFile(configFile, []byte("terminal:\n  rows: 0\n"), 0o644))

	_, err := Load(configFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero tick", func(c *Config) { c.Automation.TickInterval = 0 }, "tick_interval"},
		{"empty marker", func(c *Config) { c.Device.Markers.PinPrompt.Text = "" }, "pin_prompt"},
		{"marker row off screen", func(c *Config) { c.Device.Markers.FanParameter.Row = 99 }, "fan_parameter"},
		{"three digit menu index", func(c *Config) { c.Device.FanMenuIndex = 100 }, "fan_menu_index"},
		{"header larger than buffer", func(c *Config) { c.Datalogger.BufferSize = 10 }, "buffer_size"},
		{"empty header marker", func(c *Config) { c.Datalogger.HeaderMarker = "" }, "header_marker"},
		{"schedule entry with both triggers", func(c *Config) {
			c.Schedule.Enabled = true
			c.Schedule.Entries = []ScheduleEntry{{Command: "fan-high", At: "07:00", Every: time.Hour}}
		}, "exactly one of at and every"},
		{"schedule entry with bad time", func(c *Config) {
			c.Schedule.Enabled = true
			c.Schedule.Entries = []ScheduleEntry{{Command: "fan-high", At: "7 o'clock"}}
		}, "is not HH:MM"},
		{"schedule entry without command", func(c *Config) {
			c.Schedule.Enabled = true
			c.Schedule.Entries = []ScheduleEntry{{Every: time.Hour}}
		}, "command must not be empty"},
		{"disabled schedule is not checked", func(c *Config) {
			c.Schedule.Entries = []ScheduleEntry{{At: "bad"}}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPrint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	cfg.API.Enabled = true

	assert.NotPanics(t, func() {
		cfg.Print()
	})
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })
}
