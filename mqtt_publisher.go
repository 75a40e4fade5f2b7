package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/cwsl/vizctl/vizstate"
)

// MQTTPublisher publishes the confirmed display state, mutation events and
// controller metrics to an MQTT broker
type MQTTPublisher struct {
	client   mqtt.Client
	config   *MQTTConfig
	gatherer prometheus.Gatherer
}

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

// MutationPayload reports one settled mutation
type MutationPayload struct {
	Timestamp  int64       `json:"timestamp"`
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	Target     string      `json:"target"`
	Value      interface{} `json:"value"`
	State      string      `json:"state"`
	Error      string      `json:"error,omitempty"`
	DurationMS float64     `json:"duration_ms"`
}

// StatePayload is the retained snapshot of the display state
type StatePayload struct {
	Timestamp int64             `json:"timestamp"`
	State     vizstate.Snapshot `json:"state"`
}

// generateClientID creates a random client ID for MQTT connection
func generateClientID() string {
	return "vizctl_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the broker
func NewMQTTPublisher(config *MQTTConfig, gatherer prometheus.Gatherer) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Println("MQTT: Attempting to reconnect...")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("MQTT: Successfully connected to broker: %s", config.Broker)

	return &MQTTPublisher{
		client:   client,
		config:   config,
		gatherer: gatherer,
	}, nil
}

// StartPublisher publishes metrics at the configured interval until ctx ends
func (mp *MQTTPublisher) StartPublisher(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
		defer ticker.Stop()

		log.Printf("MQTT: Metrics publisher started with %d second interval", mp.config.PublishInterval)

		mp.publishMetrics()
		for {
			select {
			case <-ctx.Done():
				log.Println("MQTT: Metrics publisher stopped")
				return
			case <-ticker.C:
				mp.publishMetrics()
			}
		}
	}()
}

// MutationStarted implements vizstate.MutationObserver. Only settled
// mutations are published.
func (mp *MQTTPublisher) MutationStarted(*vizstate.PendingMutation) {}

// MutationSettled implements vizstate.MutationObserver
func (mp *MQTTPublisher) MutationSettled(m *vizstate.PendingMutation, snap vizstate.Snapshot) {
	payload := mutationPayload(m)
	confirmed := m.State() == vizstate.StateConfirmed
	go func() {
		mp.publishJSON(mp.topic("mutations"), false, payload)
		if confirmed {
			mp.PublishState(snap)
		}
	}()
}

// PublishState publishes the snapshot as the retained state message
func (mp *MQTTPublisher) PublishState(snap vizstate.Snapshot) {
	mp.publishJSON(mp.topic("state"), mp.config.Retain, StatePayload{
		Timestamp: time.Now().Unix(),
		State:     snap,
	})
}

func mutationPayload(m *vizstate.PendingMutation) MutationPayload {
	p := MutationPayload{
		Timestamp:  time.Now().Unix(),
		ID:         m.ID.String(),
		Kind:       string(m.Kind),
		Target:     m.Target,
		Value:      m.Value,
		State:      m.State().String(),
		DurationMS: float64(m.Duration().Microseconds()) / 1000,
	}
	if err := m.Err(); err != nil {
		p.Error = err.Error()
	}
	return p
}

func (mp *MQTTPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s", mp.config.TopicPrefix, suffix)
}

// publishMetrics gathers the controller's Prometheus metrics and publishes
// them as one flat message
func (mp *MQTTPublisher) publishMetrics() {
	families, err := mp.gatherer.Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}

	payload := MetricPayload{
		Timestamp: time.Now().Unix(),
		Metrics:   flattenMetrics(families),
	}
	if len(payload.Metrics) == 0 {
		return
	}
	mp.publishJSON(mp.topic("metrics"), false, payload)
}

// flattenMetrics turns vizctl_* families into name{labels} -> value
func flattenMetrics(families []*dto.MetricFamily) map[string]float64 {
	out := make(map[string]float64)
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "vizctl_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			v, ok := extractMetricValue(m)
			if !ok {
				continue
			}
			out[metricKey(mf.GetName(), m.GetLabel())] = v
		}
	}
	return out
}

func metricKey(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = l.GetName() + "=" + l.GetValue()
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	if m.GetSummary() != nil {
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

func (mp *MQTTPublisher) publishJSON(topic string, retain bool, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal payload for topic %s: %v", topic, err)
		return
	}

	token := mp.client.Publish(topic, mp.config.QoS, retain, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, token.Error())
	}
}

// Disconnect closes the MQTT connection
func (mp *MQTTPublisher) Disconnect() {
	if mp.client != nil && mp.client.IsConnected() {
		mp.client.Disconnect(250)
		log.Println("MQTT: Disconnected from broker")
	}
}
