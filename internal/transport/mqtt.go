package transport

import (
	"context"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTSource subscribes to a broker topic. The paho client reconnects on
// its own; the subscription is renewed on every connect.
type MQTTSource struct {
	// NewClient builds the paho client from the prepared options.
	// NewMQTTSource sets it to mqtt.NewClient.
	NewClient func(*mqtt.ClientOptions) mqtt.Client

	broker   string
	topic    string
	clientID string
	maxRetry time.Duration
	logger   *slog.Logger
}

// NewMQTTSource returns a source for topic on broker. A broker without a
// scheme is treated as plain tcp.
func NewMQTTSource(broker, topic, clientID string, maxRetry time.Duration, logger *slog.Logger) *MQTTSource {
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	return &MQTTSource{
		NewClient: mqtt.NewClient,
		broker:    broker,
		topic:     topic,
		clientID:  clientID,
		maxRetry:  maxRetry,
		logger:    logger,
	}
}

// Broker returns the normalized broker URL.
func (m *MQTTSource) Broker() string { return m.broker }

// Run implements Source.
func (m *MQTTSource) Run(ctx context.Context, deliver func(raw string)) error {
	msgs := make(chan string, 64)
	client := m.NewClient(m.options(ctx, msgs))
	client.Connect()
	defer client.Disconnect(250)

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-msgs:
			deliver(raw)
		}
	}
}

// options prepares the client: subscribe on every connect and push each
// payload onto msgs in arrival order.
func (m *MQTTSource) options(ctx context.Context, msgs chan<- string) *mqtt.ClientOptions {
	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case msgs <- string(msg.Payload()):
		case <-ctx.Done():
		}
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.broker)
	opts.SetClientID(m.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(m.maxRetry)
	opts.SetOrderMatters(true)
	opts.OnConnect = func(c mqtt.Client) {
		m.logger.Info("transport: mqtt connected", "broker", m.broker, "topic", m.topic)
		tok := c.Subscribe(m.topic, 1, onMessage)
		go func() {
			if tok.Wait(); tok.Error() != nil {
				m.logger.Error("transport: mqtt subscribe failed", "topic", m.topic, "err", tok.Error())
			}
		}()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.logger.Warn("transport: mqtt connection lost", "broker", m.broker, "err", err)
	}
	return opts
}
