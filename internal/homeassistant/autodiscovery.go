// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/resident-x/go-inventum/internal/domain"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/ventilation_sensors.yaml
var ventilationSensorsYAML []byte

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled            bool
	DiscoveryPrefix    string
	DeviceName         string
	DeviceManufacturer string
	DeviceModel        string
	RetainDiscovery    bool
}

// SensorConfig represents a sensor configuration from the layouts YAML.
type SensorConfig struct {
	Name              string `yaml:"name"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Category          string `yaml:"category"`
	Icon              string `yaml:"icon,omitempty"`
}

// LayoutConfig represents the full layout configuration for Home Assistant sensors.
type LayoutConfig struct {
	Version     string                  `yaml:"version"`
	Description string                  `yaml:"description"`
	Sensors     map[string]SensorConfig `yaml:"sensors"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	ValueTemplate       string     `json:"value_template"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// AutoDiscovery handles Home Assistant MQTT auto-discovery.
type AutoDiscovery struct {
	config       Config
	layoutConfig *LayoutConfig
	baseTopic    string
	deviceID     string
}

// New creates a new Home Assistant auto-discovery instance. Records are expected on
// <baseTopic>/data.
func New(config Config, baseTopic, deviceID string) (*AutoDiscovery, error) {
	ad := &AutoDiscovery{
		config:    config,
		baseTopic: baseTopic,
		deviceID:  deviceID,
	}

	if err := ad.loadLayoutConfig(); err != nil {
		return nil, fmt.Errorf("failed to load layout config: %w", err)
	}

	return ad, nil
}

// loadLayoutConfig loads the Home Assistant sensor configuration from embedded YAML.
func (ad *AutoDiscovery) loadLayoutConfig() error {
	var config LayoutConfig
	if err := yaml.Unmarshal(ventilationSensorsYAML, &config); err != nil {
		return fmt.Errorf("failed to unmarshal Home Assistant sensors config: %w", err)
	}

	ad.layoutConfig = &config
	log.Info().
		Str("version", config.Version).
		Int("sensor_count", len(config.Sensors)).
		Msg("Home Assistant layout configuration loaded from YAML")

	return nil
}

// StateTopic returns the topic decoded records are published on.
func (ad *AutoDiscovery) StateTopic() string {
	return ad.baseTopic + "/data"
}

// GenerateDiscoveryMessages returns one discovery message per field of the record,
// keyed by discovery topic.
func (ad *AutoDiscovery) GenerateDiscoveryMessages(record *domain.Record) map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage, record.Len())

	for _, field := range record.Fields {
		sensorConfig, exists := ad.layoutConfig.Sensors[field]
		if !exists {
			sensorConfig = SensorConfig{Name: displayName(field)}
		}
		messages[ad.getDiscoveryTopic(field)] = ad.createDiscoveryMessage(field, sensorConfig)
	}

	return messages
}

// createDiscoveryMessage creates a discovery message for a specific sensor.
func (ad *AutoDiscovery) createDiscoveryMessage(field string, sensorConfig SensorConfig) DiscoveryMessage {
	var entityCategory string
	if sensorConfig.Category == "diagnostic" {
		entityCategory = "diagnostic"
	}

	return DiscoveryMessage{
		Name:              sensorConfig.Name,
		UniqueID:          fmt.Sprintf("%s_%s", ad.nodeID(), objectName(field)),
		StateTopic:        ad.StateTopic(),
		ValueTemplate:     getValueTemplate(field),
		DeviceClass:       sensorConfig.DeviceClass,
		UnitOfMeasurement: sensorConfig.UnitOfMeasurement,
		StateClass:        sensorConfig.StateClass,
		Icon:              sensorConfig.Icon,
		EntityCategory:    entityCategory,
		Device: DeviceInfo{
			Identifiers:  []string{ad.nodeID()},
			Name:         ad.config.DeviceName,
			Manufacturer: ad.config.DeviceManufacturer,
			Model:        ad.config.DeviceModel,
			SwVersion:    "go-inventum",
		},
		AvailabilityTopic:   ad.GetAvailabilityTopic(),
		PayloadAvailable:    ad.CreateAvailabilityMessage(true),
		PayloadNotAvailable: ad.CreateAvailabilityMessage(false),
	}
}

// getValueTemplate selects the value of a field. Field names contain dashes, so the
// bracket form is required.
func getValueTemplate(field string) string {
	return fmt.Sprintf("{{ value_json['%s'].value }}", field)
}

// getDiscoveryTopic generates the MQTT discovery topic for a sensor.
func (ad *AutoDiscovery) getDiscoveryTopic(field string) string {
	// <discovery_prefix>/sensor/<node_id>/<object_id>/config
	nodeID := ad.nodeID()
	objectID := fmt.Sprintf("%s_%s", nodeID, objectName(field))
	return fmt.Sprintf("%s/sensor/%s/%s/config", ad.config.DiscoveryPrefix, nodeID, objectID)
}

func (ad *AutoDiscovery) nodeID() string {
	nodeID := strings.ReplaceAll(ad.deviceID, " ", "_")
	nodeID = strings.ReplaceAll(nodeID, "/", "_")
	return strings.ToLower(nodeID)
}

func objectName(field string) string {
	return strings.ReplaceAll(field, "-", "_")
}

// displayName turns "fan-speed-mode" into "Fan speed mode".
func displayName(field string) string {
	name := strings.ReplaceAll(field, "-", " ")
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// GetAvailabilityTopic returns the availability topic for the device.
func (ad *AutoDiscovery) GetAvailabilityTopic() string {
	return ad.baseTopic + "/availability"
}

// CreateAvailabilityMessage returns the availability payload.
func (ad *AutoDiscovery) CreateAvailabilityMessage(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// CleanupDiscoveryMessages generates cleanup (empty) messages to remove sensors from Home Assistant.
func (ad *AutoDiscovery) CleanupDiscoveryMessages(fields []string) map[string]string {
	messages := make(map[string]string, len(fields))

	for _, field := range fields {
		messages[ad.getDiscoveryTopic(field)] = "" // Empty payload removes the entity
	}

	return messages
}
