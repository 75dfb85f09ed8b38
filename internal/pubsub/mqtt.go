// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/resident-x/go-inventum/internal/config"
	"github.com/resident-x/go-inventum/internal/domain"
	"github.com/resident-x/go-inventum/internal/homeassistant"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// Subscribe is a no-op for the NoopPublisher.
func (p *NoopPublisher) Subscribe(_ string, _ func(payload []byte)) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// MQTTPublisher implements the MessagePublisher interface for MQTT.
type MQTTPublisher struct {
	config        *config.Config
	client        mqtt.Client
	logger        zerolog.Logger
	clientFactory func(*config.Config, *MQTTPublisher) mqtt.Client
	deviceID      string

	mu                sync.RWMutex
	connected         bool
	subscriptions     map[string]func(payload []byte)
	haDiscovery       *homeassistant.AutoDiscovery
	discoveredSensors map[string]bool // Track which sensors have been discovered
	announcedFields   []string
	birthSubscribed   bool
}

// NewMQTTPublisher creates a new MQTT publisher. deviceID identifies the unit in
// Home Assistant.
func NewMQTTPublisher(cfg *config.Config, deviceID string) *MQTTPublisher {
	return &MQTTPublisher{
		config:            cfg,
		clientFactory:     createMQTTClient,
		deviceID:          deviceID,
		logger:            log.With().Str("component", "mqtt").Logger(),
		subscriptions:     make(map[string]func(payload []byte)),
		discoveredSensors: make(map[string]bool),
	}
}

// NewMQTTPublisherWithClient creates a new MQTT publisher with a custom client (for testing).
func NewMQTTPublisherWithClient(cfg *config.Config, deviceID string, client mqtt.Client) *MQTTPublisher {
	p := NewMQTTPublisher(cfg, deviceID)
	p.client = client
	return p
}

// clientID returns the configured client ID, suffixed when several instances share it.
func clientID(cfg *config.Config) string {
	if !cfg.MQTT.UniqueClientID {
		return cfg.MQTT.ClientID
	}
	return fmt.Sprintf("%s-%s", cfg.MQTT.ClientID, uuid.NewString()[:8])
}

// createMQTTClient is the default factory function for creating MQTT clients.
func createMQTTClient(cfg *config.Config, p *MQTTPublisher) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
		SetClientID(clientID(cfg)).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(true).
		SetWill(availabilityTopic(cfg), "offline", 0, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	// Set credentials if provided
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return mqtt.NewClient(opts)
}

func availabilityTopic(cfg *config.Config) string {
	return cfg.MQTT.Topic + "/availability"
}

// Connect establishes a connection to the MQTT broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	// If MQTT is disabled, do nothing
	if !p.config.MQTT.Enabled {
		return nil
	}

	if p.client == nil {
		p.client = p.clientFactory(p.config, p)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connToken := p.client.Connect()

	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after 10 seconds")
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	p.logger.Info().
		Str("host", p.config.MQTT.Host).
		Int("port", p.config.MQTT.Port).
		Msg("Connected to MQTT broker")

	if err := p.publishBytes(ctx, availabilityTopic(p.config), []byte("online"), true); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to publish availability")
	}

	if p.config.MQTT.HomeAssistantAutoDiscovery.Enabled {
		p.subscribeToBirthMessage()
	}

	return nil
}

// onConnect runs on every (re)connection made by the client.
func (p *MQTTPublisher) onConnect(client mqtt.Client) {
	p.logger.Info().Msg("MQTT connection established")

	p.mu.Lock()
	p.connected = true
	// Clear discovered sensors on reconnect to trigger re-discovery
	p.discoveredSensors = make(map[string]bool)
	subs := make(map[string]func(payload []byte), len(p.subscriptions))
	for topic, handler := range p.subscriptions {
		subs[topic] = handler
	}
	p.mu.Unlock()

	// Clean sessions drop subscriptions, so restore them
	for topic, handler := range subs {
		token := client.Subscribe(topic, p.config.MQTT.QoS, messageHandler(handler))
		if token.Wait() && token.Error() != nil {
			p.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("Failed to restore subscription")
		}
	}
}

func (p *MQTTPublisher) onConnectionLost(_ mqtt.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.birthSubscribed = false
	p.mu.Unlock()
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func messageHandler(handler func(payload []byte)) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	}
}

// Subscribe registers a handler for a topic. Subscriptions made before Connect are
// applied when the connection comes up.
func (p *MQTTPublisher) Subscribe(topic string, handler func(payload []byte)) error {
	if !p.config.MQTT.Enabled {
		return nil
	}

	p.mu.Lock()
	p.subscriptions[topic] = handler
	p.mu.Unlock()

	if !p.isConnected() {
		return nil
	}

	token := p.client.Subscribe(topic, p.config.MQTT.QoS, messageHandler(handler))
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
	}

	p.logger.Info().Str("topic", topic).Msg("Subscribed")
	return nil
}

// subscribeToBirthMessage subscribes to Home Assistant birth messages.
func (p *MQTTPublisher) subscribeToBirthMessage() {
	p.mu.Lock()
	if p.birthSubscribed {
		p.mu.Unlock()
		return
	}
	p.birthSubscribed = true
	p.mu.Unlock()

	birthTopic := fmt.Sprintf("%s/status", p.config.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix)
	if err := p.Subscribe(birthTopic, p.handleBirthMessage); err != nil {
		p.logger.Warn().Err(err).Str("topic", birthTopic).Msg("Failed to subscribe to birth message")
		p.mu.Lock()
		p.birthSubscribed = false
		p.mu.Unlock()
	}
}

// handleBirthMessage clears the discovery cache when Home Assistant comes online.
func (p *MQTTPublisher) handleBirthMessage(payload []byte) {
	p.logger.Debug().Str("payload", string(payload)).Msg("Received Home Assistant birth message")

	if string(payload) == "online" {
		p.logger.Info().Msg("Home Assistant came online, triggering auto-discovery refresh")
		p.mu.Lock()
		p.discoveredSensors = make(map[string]bool)
		p.mu.Unlock()
	}
}

// Publish sends data to the specified topic. Records are encoded in field order
// and announced to Home Assistant first when auto-discovery is enabled.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, data interface{}) error {
	if !p.config.MQTT.Enabled || !p.isConnected() {
		return nil
	}

	if record, ok := data.(*domain.Record); ok && p.config.MQTT.HomeAssistantAutoDiscovery.Enabled {
		if err := p.publishHomeAssistantDiscovery(ctx, record); err != nil {
			return fmt.Errorf("failed to publish Home Assistant discovery: %w", err)
		}
	}

	var payload []byte
	switch v := data.(type) {
	case []byte:
		payload = v
	case string:
		payload = []byte(v)
	default:
		var err error
		payload, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data to JSON: %w", err)
		}
	}

	return p.publishBytes(ctx, topic, payload, p.config.MQTT.Retain)
}

func (p *MQTTPublisher) publishBytes(ctx context.Context, topic string, payload []byte, retain bool) error {
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token := p.client.Publish(topic, p.config.MQTT.QoS, retain, payload)

	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish timeout after 5 seconds")
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}

	return nil
}

// setupHomeAssistantDiscovery initializes Home Assistant auto-discovery.
func (p *MQTTPublisher) setupHomeAssistantDiscovery() error {
	ha := p.config.MQTT.HomeAssistantAutoDiscovery
	haConfig := homeassistant.Config{
		Enabled:            ha.Enabled,
		DiscoveryPrefix:    ha.DiscoveryPrefix,
		DeviceName:         ha.DeviceName,
		DeviceManufacturer: ha.DeviceManufacturer,
		DeviceModel:        ha.DeviceModel,
		RetainDiscovery:    ha.RetainDiscovery,
	}

	discovery, err := homeassistant.New(haConfig, p.config.MQTT.Topic, p.deviceID)
	if err != nil {
		return err
	}
	p.haDiscovery = discovery
	return nil
}

// publishHomeAssistantDiscovery announces every field not yet discovered.
func (p *MQTTPublisher) publishHomeAssistantDiscovery(ctx context.Context, record *domain.Record) error {
	if p.haDiscovery == nil {
		if err := p.setupHomeAssistantDiscovery(); err != nil {
			return fmt.Errorf("failed to setup Home Assistant discovery: %w", err)
		}
	}

	if err := p.removeVanishedSensors(ctx, record); err != nil {
		return err
	}

	for topic, message := range p.haDiscovery.GenerateDiscoveryMessages(record) {
		p.mu.RLock()
		discovered := p.discoveredSensors[topic]
		p.mu.RUnlock()
		if discovered {
			continue
		}

		messageJSON, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal discovery message: %w", err)
		}

		retain := p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery
		if err := p.publishBytes(ctx, topic, messageJSON, retain); err != nil {
			return fmt.Errorf("failed to publish discovery message to %s: %w", topic, err)
		}

		p.mu.Lock()
		p.discoveredSensors[topic] = true
		p.mu.Unlock()

		p.logger.Debug().Str("topic", topic).Str("sensor", message.Name).Msg("Published discovery message")
	}

	p.mu.Lock()
	p.announcedFields = append(p.announcedFields[:0], record.Fields...)
	p.mu.Unlock()

	return nil
}

// removeVanishedSensors clears the discovery config of fields announced earlier that a
// re-read datalogger header no longer carries.
func (p *MQTTPublisher) removeVanishedSensors(ctx context.Context, record *domain.Record) error {
	p.mu.RLock()
	var vanished []string
	for _, field := range p.announcedFields {
		if _, ok := record.Get(field); !ok {
			vanished = append(vanished, field)
		}
	}
	p.mu.RUnlock()

	if len(vanished) == 0 {
		return nil
	}

	for topic, payload := range p.haDiscovery.CleanupDiscoveryMessages(vanished) {
		if err := p.publishBytes(ctx, topic, []byte(payload), true); err != nil {
			return fmt.Errorf("failed to remove discovery message %s: %w", topic, err)
		}
		p.mu.Lock()
		delete(p.discoveredSensors, topic)
		p.mu.Unlock()
	}

	p.logger.Info().Strs("fields", vanished).Msg("Removed sensors missing from datalogger header")
	return nil
}

// Close marks the unit offline and disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	if p.client == nil || !p.isConnected() {
		return nil
	}

	if err := p.publishBytes(context.Background(), availabilityTopic(p.config), []byte("offline"), true); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to publish availability")
	}

	p.client.Disconnect(250) // Disconnect with 250ms timeout

	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}
