// Package telemetry republishes manager traffic to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/linuxdeveloper/ast-api/internal/config"
	"github.com/linuxdeveloper/ast-api/internal/events"
	"github.com/linuxdeveloper/ast-api/internal/util"
)

// Topic suffixes below the configured prefix.
const (
	topicEvents   = "events"
	topicStatus   = "status"
	topicResponse = "responses"

	subscriberName = "mqtt"
	publishQoS     = 1
)

// MQTTHandler publishes bus traffic as JSON messages.
type MQTTHandler struct {
	cfg    config.MQTTConfig
	bus    *events.EventBus
	client mqtt.Client
	logger zerolog.Logger

	// Attached to every message.
	host util.HostInfo
}

// NewMQTTHandler builds a handler for the configured broker. It does not
// connect yet.
func NewMQTTHandler(cfg *config.Config, bus *events.EventBus) (*MQTTHandler, error) {
	mc := cfg.GetMQTT()
	if !mc.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	h := &MQTTHandler{
		cfg:    mc,
		bus:    bus,
		logger: util.ComponentLogger("mqtt"),
		host:   util.GetHostInfo(),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(mc))
	if mc.ClientID != "" {
		opts.SetClientID(mc.ClientID)
	} else {
		opts.SetClientID("astman-" + h.host.Hostname)
	}
	if mc.Username != "" {
		opts.SetUsername(mc.Username)
		opts.SetPassword(mc.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if mc.UseTLS {
		tlsConfig, err := loadTLS(mc.CAFile)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		h.logger.Info().Str("broker", mc.BrokerURL).Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

func brokerURL(mc config.MQTTConfig) string {
	if strings.Contains(mc.BrokerURL, "://") {
		return mc.BrokerURL
	}
	scheme := "tcp"
	if mc.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, mc.BrokerURL, mc.Port)
}

func loadTLS(caFile string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return tlsConfig, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// Start connects to the broker, subscribes to the bus and blocks until ctx
// is done.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().Str("broker", brokerURL(h.cfg)).Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.Attach()
	defer h.Detach()

	<-ctx.Done()

	h.publish(topicStatus, map[string]any{"state": "offline"})
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

// Attach subscribes the handler to manager traffic on the bus.
func (h *MQTTHandler) Attach() {
	h.bus.Subscribe(events.EventManagerEvent, subscriberName, h.onManagerEvent)
	h.bus.Subscribe(events.EventManagerResponse, subscriberName, h.onResponse)
	for _, t := range []events.EventType{
		events.EventManagerConnected,
		events.EventManagerDisconnected,
		events.EventManagerShutdown,
	} {
		h.bus.Subscribe(t, subscriberName, h.onConnection)
	}
}

// Detach removes every subscription made by Attach.
func (h *MQTTHandler) Detach() {
	for _, t := range []events.EventType{
		events.EventManagerEvent,
		events.EventManagerResponse,
		events.EventManagerConnected,
		events.EventManagerDisconnected,
		events.EventManagerShutdown,
	} {
		h.bus.Unsubscribe(t, subscriberName)
	}
}

func (h *MQTTHandler) onManagerEvent(_ context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.ManagerEventPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	h.publish(topicEvents+"/"+topicSegment(p.Name), p)
	return nil
}

func (h *MQTTHandler) onResponse(_ context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.ResponsePayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	h.publish(topicResponse+"/"+topicSegment(p.Action), p)
	return nil
}

func (h *MQTTHandler) onConnection(_ context.Context, ev events.Event) error {
	h.publish(topicStatus, map[string]any{
		"event":   string(ev.Type),
		"payload": ev.Payload,
	})
	return nil
}

// Topic returns the full topic for a suffix.
func (h *MQTTHandler) Topic(suffix string) string {
	prefix := strings.Trim(h.cfg.TopicPrefix, "/")
	if prefix == "" {
		return suffix
	}
	return prefix + "/" + suffix
}

// topicSegment makes an event name safe to use as one topic level.
func topicSegment(name string) string {
	if name == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ':
			return '_'
		}
		return r
	}, strings.ToLower(name))
}

func (h *MQTTHandler) publish(suffix string, payload any) {
	if !h.client.IsConnected() {
		return
	}
	topic := h.Topic(suffix)

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, publishQoS, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (h *MQTTHandler) buildMessage(payload any) map[string]any {
	return map[string]any{
		"host":      h.host.Hostname,
		"platform":  h.host.Platform,
		"pid":       h.host.PID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"payload":   payload,
	}
}
