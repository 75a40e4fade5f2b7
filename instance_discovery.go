package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// controllerService is the mDNS service type this controller announces
const controllerService = "_vizctl._tcp"

// DisplayInstance is a display process discovered on the LAN
type DisplayInstance struct {
	Name       string            `json:"name"`
	Host       string            `json:"host"`
	Port       int               `json:"port"`
	URL        string            `json:"url"`
	TxtRecords map[string]string `json:"txtRecords"`
	Reachable  bool              `json:"reachable"`
	LastSeen   time.Time         `json:"lastSeen"`
}

// InstanceDiscovery browses mDNS for display processes and optionally
// announces this controller
type InstanceDiscovery struct {
	config *DiscoveryConfig
	remote RemoteConfig

	mu        sync.RWMutex
	instances map[string]*DisplayInstance
	server    *zeroconf.Server
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewInstanceDiscovery creates a new instance discovery manager. remote
// supplies the user agent used to check found instances.
func NewInstanceDiscovery(config *DiscoveryConfig, remote RemoteConfig) *InstanceDiscovery {
	ctx, cancel := context.WithCancel(context.Background())
	return &InstanceDiscovery{
		config:    config,
		remote:    remote,
		instances: make(map[string]*DisplayInstance),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins browsing for display processes
func (id *InstanceDiscovery) Start() error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)

	go func() {
		for entry := range entries {
			id.handleServiceEntry(entry)
		}
	}()

	go func() {
		if err := resolver.Browse(id.ctx, id.config.Service, id.config.Domain, entries); err != nil {
			log.Printf("Failed to browse mDNS services: %v", err)
		}
	}()

	log.Printf("Browsing mDNS for %s in %s", id.config.Service, id.config.Domain)
	return nil
}

// Announce registers the controller's API on mDNS
func (id *InstanceDiscovery) Announce(instance string, port int) error {
	server, err := zeroconf.Register(instance, controllerService, id.config.Domain, port, []string{"path=/api"}, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	id.mu.Lock()
	id.server = server
	id.mu.Unlock()

	log.Printf("Announcing %s as %q on port %d", controllerService, instance, port)
	return nil
}

// handleServiceEntry processes a discovered mDNS service
func (id *InstanceDiscovery) handleServiceEntry(entry *zeroconf.ServiceEntry) {
	instance, ok := instanceFromEntry(entry)
	if !ok {
		return
	}

	id.mu.Lock()
	id.instances[entry.Instance] = instance
	id.mu.Unlock()

	go id.checkReachable(entry.Instance, instance.URL)
}

// instanceFromEntry builds a DisplayInstance, preferring IPv4
func instanceFromEntry(entry *zeroconf.ServiceEntry) (*DisplayInstance, bool) {
	if len(entry.AddrIPv4) == 0 && len(entry.AddrIPv6) == 0 {
		return nil, false
	}

	var host string
	if len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	} else {
		host = "[" + entry.AddrIPv6[0].String() + "]"
	}

	txtRecords := parseTxtRecords(entry.Text)
	scheme := "http"
	if txtRecords["tls"] == "true" {
		scheme = "https"
	}

	return &DisplayInstance{
		Name:       unescapeMDNSName(entry.Instance),
		Host:       host,
		Port:       entry.Port,
		URL:        fmt.Sprintf("%s://%s:%d", scheme, host, entry.Port),
		TxtRecords: txtRecords,
		LastSeen:   time.Now(),
	}, true
}

// parseTxtRecords splits key=value TXT records
func parseTxtRecords(text []string) map[string]string {
	records := make(map[string]string)
	for _, txt := range text {
		if key, value, ok := strings.Cut(txt, "="); ok && key != "" {
			records[key] = value
		}
	}
	return records
}

// checkReachable checks that the instance answers a params query
func (id *InstanceDiscovery) checkReachable(key, url string) {
	remote := id.remote
	remote.URL = url
	client := NewGraphQLClient(&remote, nil)

	ctx, cancel := context.WithTimeout(id.ctx, time.Duration(id.config.Timeout)*time.Second)
	defer cancel()

	var out map[string]interface{}
	err := client.do(ctx, "reachable", "query Reachable { params { gbr } }", nil, &out)
	if err != nil && DebugMode {
		log.Printf("DEBUG: Display at %s did not answer: %v", url, err)
	}

	id.mu.Lock()
	defer id.mu.Unlock()
	if instance, ok := id.instances[key]; ok {
		instance.Reachable = err == nil
	}
}

// GetInstances returns the discovered display processes sorted by name
func (id *InstanceDiscovery) GetInstances() []DisplayInstance {
	id.mu.RLock()
	defer id.mu.RUnlock()

	instances := make([]DisplayInstance, 0, len(id.instances))
	for _, instance := range id.instances {
		instances = append(instances, *instance)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })
	return instances
}

// Stop stops browsing and withdraws the announcement
func (id *InstanceDiscovery) Stop() {
	if id.cancel != nil {
		id.cancel()
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.server != nil {
		id.server.Shutdown()
		id.server = nil
	}
}

// unescapeMDNSName removes escape characters from mDNS service names
func unescapeMDNSName(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		if name[i] == '\\' && i < len(name)-1 {
			i++
		}
		b.WriteByte(name[i])
	}
	return b.String()
}
