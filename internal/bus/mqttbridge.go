package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the subset of the paho client the bridge depends on, so
// tests can substitute a fake without a broker.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

type defaultMQTTClient struct{ client mqtt.Client }

func (d defaultMQTTClient) Connect() mqtt.Token     { return d.client.Connect() }
func (d defaultMQTTClient) Disconnect(quiesce uint) { d.client.Disconnect(quiesce) }
func (d defaultMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return d.client.Publish(topic, qos, retained, payload)
}
func (d defaultMQTTClient) IsConnected() bool { return d.client.IsConnected() }

// MQTTBridge republishes selected bus channels onto MQTT topics, one
// topic per channel under topicPrefix. It is disabled by default; wiring
// it in is the escape hatch for splitting the Engine and its observers
// (dashboards, external watchers) across processes without changing any
// in-process component.
type MQTTBridge struct {
	bus           *Bus
	broker        string
	port          int
	topicPrefix   string
	logger        *slog.Logger
	client        MQTTClient
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
	subs          []*Subscription
}

// NewMQTTBridge returns a bridge that will connect to broker:port and
// publish under topicPrefix (e.g. "ai-genesis").
func NewMQTTBridge(b *Bus, broker string, port int, topicPrefix string, logger *slog.Logger) *MQTTBridge {
	return newMQTTBridgeWithClient(b, broker, port, topicPrefix, logger, func(opts *mqtt.ClientOptions) MQTTClient {
		return defaultMQTTClient{client: mqtt.NewClient(opts)}
	})
}

func newMQTTBridgeWithClient(b *Bus, broker string, port int, topicPrefix string, logger *slog.Logger,
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient) *MQTTBridge {
	return &MQTTBridge{
		bus:           b,
		broker:        broker,
		port:          port,
		topicPrefix:   topicPrefix,
		logger:        logger.With("component", "mqttbridge"),
		clientFactory: clientFactory,
	}
}

// Start connects to the broker and relays every channel in channels until
// ctx is canceled or Stop is called.
func (br *MQTTBridge) Start(ctx context.Context, channels []Channel) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", br.broker, br.port))
	opts.SetClientID(fmt.Sprintf("ai-genesis-%d", time.Now().UnixNano()))
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		br.logger.Warn("mqtt connection lost", "error", err)
	})

	br.client = br.clientFactory(opts)
	if token := br.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqttbridge: connect: %w", token.Error())
	}

	for _, ch := range channels {
		sub := br.bus.Subscribe(ch)
		br.subs = append(br.subs, sub)
		go br.relay(ctx, ch, sub)
	}
	return nil
}

func (br *MQTTBridge) relay(ctx context.Context, ch Channel, sub *Subscription) {
	defer sub.Cancel()
	topic := fmt.Sprintf("%s/%s", br.topicPrefix, ch)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				br.logger.Warn("mqttbridge: marshal failed", "channel", ch, "err", err)
				continue
			}
			br.client.Publish(topic, 0, false, payload)
		}
	}
}

// Stop unsubscribes from every relayed channel and disconnects.
func (br *MQTTBridge) Stop() {
	for _, sub := range br.subs {
		sub.Cancel()
	}
	br.subs = nil
	if br.client != nil && br.client.IsConnected() {
		br.client.Disconnect(250)
	}
}
