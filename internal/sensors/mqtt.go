package sensors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"grillmonitor/internal/platform/logger"
	"grillmonitor/internal/platform/metrics"
)

// DefaultMQTTTopic is the topic probe bridges publish snapshots to.
const DefaultMQTTTopic = "grill/sensors"

const (
	mqttConnectTimeout = 10 * time.Second
	mqttQuiesceMillis  = 250
)

// MQTTOptions configures an MQTTSource.
type MQTTOptions struct {
	Broker   string
	Topic    string
	ClientID string
}

// MQTTSource subscribes to a broker topic and feeds every valid payload
// into a Feed, exactly as if it had been posted to /data.
type MQTTSource struct {
	client  mqtt.Client
	topic   string
	feed    *Feed
	ctx     context.Context
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewMQTTSource prepares a subscriber. Nothing connects until Start.
func NewMQTTSource(opts MQTTOptions, feed *Feed, log *slog.Logger, m *metrics.Metrics) (*MQTTSource, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt broker address is required")
	}
	if log == nil {
		log = logger.Discard()
	}
	src := &MQTTSource{
		topic:   opts.Topic,
		feed:    feed,
		ctx:     context.Background(),
		log:     log.With(slog.String("component", "mqtt")),
		metrics: m,
	}
	if src.topic == "" {
		src.topic = DefaultMQTTTopic
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "grillmonitor-" + uuid.NewString()
	}

	co := mqtt.NewClientOptions().AddBroker(opts.Broker)
	co.SetClientID(clientID)
	co.SetAutoReconnect(true)
	co.SetConnectTimeout(mqttConnectTimeout)
	co.SetOnConnectHandler(src.subscribe)
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		src.log.Warn("mqtt connection lost", slog.String("error", err.Error()))
	})
	src.client = mqtt.NewClient(co)
	return src, nil
}

// Start connects to the broker. The subscription is (re)made on every
// successful connect. ctx bounds the readings recorded from messages.
func (s *MQTTSource) Start(ctx context.Context) error {
	s.ctx = ctx
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect mqtt: %w", token.Error())
	}
	s.log.Info("mqtt connected", slog.String("topic", s.topic))
	return nil
}

// Stop unsubscribes and disconnects.
func (s *MQTTSource) Stop() {
	if !s.client.IsConnected() {
		return
	}
	s.client.Unsubscribe(s.topic).Wait()
	s.client.Disconnect(mqttQuiesceMillis)
}

func (s *MQTTSource) subscribe(c mqtt.Client) {
	token := c.Subscribe(s.topic, 0, s.handle)
	token.Wait()
	if err := token.Error(); err != nil {
		s.log.Error("mqtt subscribe failed",
			slog.String("topic", s.topic),
			slog.String("error", err.Error()))
	}
}

func (s *MQTTSource) handle(_ mqtt.Client, msg mqtt.Message) {
	sensors, err := DecodePayload(msg.Payload())
	if err != nil {
		s.metrics.IncErrors()
		s.log.Warn("discarding mqtt payload",
			slog.String("topic", msg.Topic()),
			slog.String("error", err.Error()))
		return
	}
	s.feed.Accept(s.ctx, sensors)
}
