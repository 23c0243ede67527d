package pantry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jack-braga/kitchen-sync/internal/config"
)

// MQTTSink publishes accepted records to the pantry topic. Its connection is
// shared with the control plane.
type MQTTSink struct {
	cfg        config.MQTTConfig
	instanceID string
	Client     mqtt.Client // Exported for control plane

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool
}

// MQTTStats contains sink statistics
type MQTTStats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// batch is the payload published per Add
type batch struct {
	InstanceID string    `json:"instance_id"`
	SentAt     time.Time `json:"sent_at"`
	Items      []Record  `json:"items"`
}

// NewMQTTSink creates an unconnected sink
func NewMQTTSink(instanceID string, cfg config.MQTTConfig) *MQTTSink {
	return &MQTTSink{cfg: cfg, instanceID: instanceID}
}

// Connect establishes connection to the MQTT broker
func (s *MQTTSink) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", s.cfg.Broker))
	opts.SetClientID(s.instanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		s.setConnected(true)
		slog.Info("pantry: mqtt connection established",
			"broker", s.cfg.Broker,
			"client_id", s.instanceID)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		s.setConnected(false)
		slog.Warn("pantry: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", s.cfg.Broker)
	}

	s.Client = mqtt.NewClient(opts)

	slog.Info("pantry: connecting to mqtt broker", "broker", s.cfg.Broker)

	token := s.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("pantry: mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("pantry: mqtt connection failed: %w", err)
	}

	s.setConnected(true)
	return nil
}

// Add publishes the records as one message
func (s *MQTTSink) Add(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	payload, err := json.Marshal(batch{InstanceID: s.instanceID, SentAt: time.Now().UTC(), Items: records})
	if err != nil {
		s.countError()
		return fmt.Errorf("pantry: marshal records: %w", err)
	}
	if err := s.publish(ctx, s.cfg.Topics.Pantry, s.cfg.QoS["pantry"], payload); err != nil {
		return err
	}

	s.mu.Lock()
	s.published += uint64(len(records))
	s.mu.Unlock()

	slog.Debug("pantry: records published", "topic", s.cfg.Topics.Pantry, "count", len(records), "size", len(payload))
	return nil
}

// PublishHealth publishes a control-plane response on the health topic
func (s *MQTTSink) PublishHealth(payload []byte) error {
	return s.publish(context.Background(), s.cfg.Topics.Health, s.cfg.QoS["health"], payload)
}

func (s *MQTTSink) publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if !s.isConnected() {
		s.countError()
		return fmt.Errorf("pantry: mqtt not connected")
	}

	token := s.Client.Publish(topic, qos, false, payload)
	select {
	case <-token.Done():
	case <-time.After(2 * time.Second):
		s.countError()
		return fmt.Errorf("pantry: publish timeout")
	case <-ctx.Done():
		s.countError()
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		s.countError()
		return fmt.Errorf("pantry: publish failed: %w", err)
	}
	return nil
}

// Disconnect closes the MQTT connection
func (s *MQTTSink) Disconnect() {
	if s.Client != nil && s.Client.IsConnected() {
		s.Client.Disconnect(250) // 250ms grace period
		slog.Info("pantry: mqtt disconnected")
	}
	s.setConnected(false)
}

// Stats returns sink statistics
func (s *MQTTSink) Stats() MQTTStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return MQTTStats{Connected: s.connected, Published: s.published, Errors: s.errors}
}

func (s *MQTTSink) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MQTTSink) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *MQTTSink) countError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}
