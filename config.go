package main

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Remote     RemoteConfig     `yaml:"remote"`
	Server     ServerConfig     `yaml:"server"`
	Profiles   ProfilesConfig   `yaml:"profiles"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	MCP        MCPConfig        `yaml:"mcp"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
}

// RemoteConfig describes how to reach the display process
type RemoteConfig struct {
	URL       string `yaml:"url"`        // Base URL of the display process (e.g., http://localhost:8080)
	Timeout   int    `yaml:"timeout"`    // HTTP timeout per request in seconds
	UserAgent string `yaml:"user_agent"` // User-Agent sent with every request
	Simulate  bool   `yaml:"simulate"`   // Use the in-process simulator instead of the network
	Latency   int    `yaml:"latency_ms"` // Simulated round-trip latency in milliseconds
}

// ServerConfig contains local API server settings
type ServerConfig struct {
	Listen     string `yaml:"listen"`
	EnableCORS bool   `yaml:"enable_cors"`
	EnableGzip bool   `yaml:"enable_gzip"`
}

// ProfilesConfig contains profile storage settings
type ProfilesConfig struct {
	File string `yaml:"file"` // JSON file holding saved profiles, or ":memory:"
}

// memoryProfiles selects the in-memory profile backend
const memoryProfiles = ":memory:"


// PrometheusConfig contains Prometheus metrics settings
type PrometheusConfig struct {
	Enabled      bool              `yaml:"enabled"`       // Enable/disable Prometheus metrics endpoint
	AllowedHosts []string          `yaml:"allowed_hosts"` // List of IPs/CIDRs allowed to access metrics (empty = allow all)
	Pushgateway  PushgatewayConfig `yaml:"pushgateway"`

	allowedNets []*net.IPNet // Parsed CIDR networks (internal use)
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`      // Pushgateway URL (e.g., http://pushgateway:9091)
	Job      string `yaml:"job"`      // Job name
	Interval int    `yaml:"interval"` // Push interval in seconds
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`          // Enable/disable MQTT publishing
	Broker          string        `yaml:"broker"`           // MQTT broker URL (e.g., tcp://mqtt.example.com:1883)
	Username        string        `yaml:"username"`         // MQTT authentication username
	Password        string        `yaml:"password"`         // MQTT authentication password
	TopicPrefix     string        `yaml:"topic_prefix"`     // Topic prefix for all messages
	PublishInterval int           `yaml:"publish_interval"` // Metrics publishing interval in seconds
	QoS             byte          `yaml:"qos"`              // MQTT Quality of Service level (0, 1, or 2)
	Retain          bool          `yaml:"retain"`           // Retain flag for state messages
	TLS             MQTTTLSConfig `yaml:"tls"`
}

// MQTTTLSConfig contains MQTT TLS settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"`     // Path to CA certificate file
	ClientCert string `yaml:"client_cert"` // Path to client certificate file (optional)
	ClientKey  string `yaml:"client_key"`  // Path to client key file (optional)
}

// MCPConfig contains Model Context Protocol server settings
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DiscoveryConfig contains mDNS settings
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`  // Browse for display processes on the LAN
	Service  string `yaml:"service"`  // mDNS service type
	Domain   string `yaml:"domain"`   // mDNS domain
	Announce bool   `yaml:"announce"` // Announce this controller's API
	Timeout  int    `yaml:"timeout"`  // Reachability check timeout in seconds
}

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() *Config {
	config := &Config{}
	config.applyDefaults()
	return config
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.Prometheus.Enabled {
		if err := config.Prometheus.parseAllowedHosts(); err != nil {
			return nil, fmt.Errorf("failed to parse prometheus.allowed_hosts: %w", err)
		}
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Remote.URL == "" {
		c.Remote.URL = "http://localhost:8080"
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 5
	}
	if c.Remote.UserAgent == "" {
		c.Remote.UserAgent = "vizctl"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8090"
	}
	if c.Profiles.File == "" {
		c.Profiles.File = "profiles.json"
	}
	if c.Prometheus.Pushgateway.Job == "" {
		c.Prometheus.Pushgateway.Job = "vizctl"
	}
	if c.Prometheus.Pushgateway.Interval == 0 {
		c.Prometheus.Pushgateway.Interval = 60
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "vizctl"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = 60
	}
	if c.Discovery.Service == "" {
		c.Discovery.Service = "_vizdisplay._tcp"
	}
	if c.Discovery.Domain == "" {
		c.Discovery.Domain = "local."
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = 3
	}
}

// RequestTimeout returns the per-request timeout for the remote service
func (rc *RemoteConfig) RequestTimeout() time.Duration {
	return time.Duration(rc.Timeout) * time.Second
}

// SimulatedLatency returns the latency applied by the simulator
func (rc *RemoteConfig) SimulatedLatency() time.Duration {
	return time.Duration(rc.Latency) * time.Millisecond
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.Remote.Simulate {
		u, err := url.Parse(c.Remote.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("remote.url must be an absolute URL, got %q", c.Remote.URL)
		}
	}
	if c.Remote.Timeout < 1 {
		return fmt.Errorf("remote.timeout must be at least 1 second")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Profiles.File == "" {
		return fmt.Errorf("profiles.file is required")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if c.Prometheus.Pushgateway.Enabled && c.Prometheus.Pushgateway.URL == "" {
		return fmt.Errorf("prometheus.pushgateway.url is required when the pushgateway is enabled")
	}
	return nil
}

// parseAllowedHosts parses the allowed_hosts list into CIDR networks
func (pc *PrometheusConfig) parseAllowedHosts() error {
	pc.allowedNets = make([]*net.IPNet, 0, len(pc.AllowedHosts))

	for _, ipStr := range pc.AllowedHosts {
		if _, ipNet, err := net.ParseCIDR(ipStr); err == nil {
			pc.allowedNets = append(pc.allowedNets, ipNet)
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("invalid IP address or CIDR: %s", ipStr)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		pc.allowedNets = append(pc.allowedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}

	return nil
}

// IsIPAllowed checks if an IP address may scrape metrics. An empty list
// allows everyone.
func (pc *PrometheusConfig) IsIPAllowed(ipStr string) bool {
	if len(pc.AllowedHosts) == 0 {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	for _, ipNet := range pc.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}

	return false
}
