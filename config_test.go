package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "http://localhost:8080", config.Remote.URL)
	assert.Equal(t, 5, config.Remote.Timeout)
	assert.Equal(t, ":8090", config.Server.Listen)
	assert.Equal(t, "profiles.json", config.Profiles.File)
	assert.Equal(t, "_vizdisplay._tcp", config.Discovery.Service)
	assert.Equal(t, "local.", config.Discovery.Domain)
	assert.NoError(t, config.Validate())
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
remote:
  url: http://display.lan:9000
  timeout: 2
server:
  listen: ":9999"
  enable_cors: true
prometheus:
  enabled: true
  allowed_hosts: ["127.0.0.1", "10.0.0.0/8"]
mqtt:
  enabled: true
  broker: tcp://broker:1883
  qos: 1
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://display.lan:9000", config.Remote.URL)
	assert.Equal(t, 2*time.Second, config.Remote.RequestTimeout())
	assert.Equal(t, ":9999", config.Server.Listen)
	assert.True(t, config.Server.EnableCORS)
	assert.Equal(t, "vizctl", config.MQTT.TopicPrefix)
	assert.Equal(t, byte(1), config.MQTT.QoS)
	require.NoError(t, config.Validate())

	assert.True(t, config.Prometheus.IsIPAllowed("127.0.0.1"))
	assert.True(t, config.Prometheus.IsIPAllowed("10.1.2.3"))
	assert.False(t, config.Prometheus.IsIPAllowed("192.168.1.1"))
	assert.False(t, config.Prometheus.IsIPAllowed("not-an-ip"))
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadConfigBadAllowedHost(t *testing.T) {
	path := writeConfig(t, `
prometheus:
  enabled: true
  allowed_hosts: ["nonsense"]
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestIsIPAllowedEmptyList(t *testing.T) {
	var pc PrometheusConfig
	assert.True(t, pc.IsIPAllowed("203.0.113.7"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative url", func(c *Config) { c.Remote.URL = "localhost" }},
		{"zero timeout", func(c *Config) { c.Remote.Timeout = 0 }},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }},
		{"mqtt bad qos", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "tcp://b:1883"; c.MQTT.QoS = 3 }},
		{"pushgateway without url", func(c *Config) { c.Prometheus.Pushgateway.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}

	t.Run("simulator ignores url", func(t *testing.T) {
		config := DefaultConfig()
		config.Remote.Simulate = true
		config.Remote.URL = "::"
		assert.NoError(t, config.Validate())
	})
}
