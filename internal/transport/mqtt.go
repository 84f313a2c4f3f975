package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nappa85/Pokifications-sub000/internal/message"
)

// TopicPrefix is prepended to the subscriber id to form the delivery topic.
const TopicPrefix = "notifications/"

// Topic returns the delivery topic for a subscriber.
func Topic(id int64) string { return fmt.Sprintf("%s%d", TopicPrefix, id) }

// Publisher is satisfied by the embedded broker.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// MQTT publishes envelopes on the embedded broker. Clients subscribe to
// their own notifications/<id> topic.
type MQTT struct {
	Broker Publisher
}

func (m MQTT) SendText(ctx context.Context, id int64, text string, action *message.Action) error {
	return m.publish(Envelope{Subscriber: id, Text: text, Action: action})
}

func (m MQTT) SendImage(ctx context.Context, id int64, image []byte, caption string, action *message.Action) error {
	return m.publish(Envelope{Subscriber: id, Image: image, Caption: caption, Action: action})
}

func (m MQTT) publish(env Envelope) error {
	env.SentAt = time.Now().UTC()
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := m.Broker.Publish(Topic(env.Subscriber), data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// ErrPublishTimeout is returned when the external broker does not
// acknowledge a publish in time.
var ErrPublishTimeout = errors.New("transport: mqtt publish timed out")

// MQTTClient publishes envelopes to an external broker with QoS 1.
type MQTTClient struct {
	client  mqtt.Client
	timeout time.Duration
}

// DialMQTT connects to an external broker at url, e.g. tcp://host:1883.
func DialMQTT(url, clientID string, timeout time.Duration) (*MQTTClient, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := mqtt.NewClientOptions().AddBroker(url).SetClientID(clientID)
	opts = opts.SetAutoReconnect(true).SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connect %s: %w", url, ErrPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	return &MQTTClient{client: client, timeout: timeout}, nil
}

func (c *MQTTClient) SendText(ctx context.Context, id int64, text string, action *message.Action) error {
	return c.publish(ctx, Envelope{Subscriber: id, Text: text, Action: action})
}

func (c *MQTTClient) SendImage(ctx context.Context, id int64, image []byte, caption string, action *message.Action) error {
	return c.publish(ctx, Envelope{Subscriber: id, Image: image, Caption: caption, Action: action})
}

func (c *MQTTClient) publish(ctx context.Context, env Envelope) error {
	env.SentAt = time.Now().UTC()
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	token := c.client.Publish(Topic(env.Subscriber), 1, false, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.timeout):
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (c *MQTTClient) Close() {
	c.client.Disconnect(250)
}
