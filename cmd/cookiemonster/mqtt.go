package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/hgi/cookiemonster/core"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTReceiver publishes every broadcast notification to an MQTT
// topic.  Best-effort, QoS 0.
type MQTTReceiver struct {
	Client mqtt.Client
	Topic  string
}

// NewMQTTReceiver connects to the broker.
func NewMQTTReceiver(cfg *MQTTConfig) (*MQTTReceiver, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if cfg.ClientId != "" {
		opts.SetClientID(cfg.ClientId)
	}

	c := mqtt.NewClient(opts)
	if t := c.Connect(); t.Wait() && t.Error() != nil {
		return nil, fmt.Errorf("MQTT connect to %s: %w", cfg.Broker, t.Error())
	}

	topic := cfg.Topic
	if topic == "" {
		topic = "cookiemonster/notifications"
	}

	return &MQTTReceiver{
		Client: c,
		Topic:  topic,
	}, nil
}

// Receive implements core.NotificationReceiver.
func (m *MQTTReceiver) Receive(n core.Notification) {
	js, err := json.Marshal(&n)
	if err != nil {
		log.Printf("MQTTReceiver marshal error %s", err)
		return
	}
	if t := m.Client.Publish(m.Topic, 0, false, js); t.Wait() && t.Error() != nil {
		log.Printf("MQTTReceiver publish error %s", t.Error())
	}
}

// Close disconnects from the broker.
func (m *MQTTReceiver) Close() {
	m.Client.Disconnect(250)
}
