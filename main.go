package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cwsl/vizctl/vizstate"
)

// DebugMode enables verbose logging
var DebugMode bool

// StartTime is when the controller started
var StartTime time.Time

// envBool reads a boolean environment variable the way the flags do
func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	return v == "true" || v == "1" || v == "yes", true
}

// loadConfiguration reads the config file, falling back to defaults when
// the file does not exist
func loadConfiguration(path string) (*Config, error) {
	config, err := LoadConfig(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("No configuration file at %s, using defaults", path)
			return DefaultConfig(), nil
		}
		return nil, err
	}
	log.Printf("Loaded configuration from %s", path)
	return config, nil
}

// newRemoteService picks the simulator or the GraphQL client
func newRemoteService(config *Config, metrics *PrometheusMetrics) vizstate.RemoteService {
	if config.Remote.Simulate {
		log.Printf("Using simulated display (latency %v)", config.Remote.SimulatedLatency())
		sim := vizstate.NewSimulatedService()
		sim.Latency = config.Remote.SimulatedLatency()
		return sim
	}
	log.Printf("Using display at %s%s", config.Remote.URL, graphqlPath)
	return NewGraphQLClient(&config.Remote, metrics)
}

func main() {
	StartTime = time.Now()

	configFile := flag.String("config-file", "config.yaml", "Path to configuration file")
	apiPort := flag.Int("api-port", 0, "Local API port (overrides server.listen)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	simulate := flag.Bool("simulate", false, "Use the in-process simulated display")
	flag.Parse()

	// Environment variables take precedence over flags
	DebugMode = *debug
	if v, ok := envBool("DEBUG"); ok {
		DebugMode = v
	}
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	configPath := *configFile
	if env := os.Getenv("CONFIG_FILE"); env != "" {
		configPath = env
	}
	config, err := loadConfiguration(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *simulate {
		config.Remote.Simulate = true
	}
	port := *apiPort
	if env := os.Getenv("API_PORT"); env != "" {
		if p, err := strconv.Atoi(env); err == nil {
			port = p
		} else {
			log.Printf("Warning: ignoring invalid API_PORT %q", env)
		}
	}
	if port > 0 {
		config.Server.Listen = fmt.Sprintf(":%d", port)
	}

	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	var metrics *PrometheusMetrics
	if config.Prometheus.Enabled {
		metrics = NewPrometheusMetrics()
		log.Printf("Prometheus metrics enabled at /metrics (allowed hosts: %v)", config.Prometheus.AllowedHosts)
	}

	cache := vizstate.NewCache()
	pipeline := vizstate.NewPipeline(cache, newRemoteService(config, metrics))

	var backend vizstate.ProfileBackend
	if config.Profiles.File == memoryProfiles {
		log.Println("Warning: profiles are kept in memory and lost on exit")
		backend = vizstate.NewMemoryBackend()
	} else {
		fileBackend, err := NewFileProfileBackend(config.Profiles.File)
		if err != nil {
			log.Fatalf("Failed to open profile store: %v", err)
		}
		backend = fileBackend
	}
	profiles := vizstate.NewProfileStore(backend, pipeline)

	hub := NewStateHub(metrics)
	pipeline.AddObserver(hub)
	if metrics != nil {
		pipeline.AddObserver(metrics)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, config.Remote.RequestTimeout()*2)
	if err := pipeline.Refresh(initCtx); err != nil {
		log.Printf("Warning: initial state query failed, starting with an empty cache: %v", err)
	} else {
		snap := cache.Snapshot()
		metrics.UpdateState(snap)
		log.Printf("Loaded display state: %d parameters, %d amp levels, %d diff levels",
			len(snap.Params.Present()), len(snap.Filter.Amp), len(snap.Filter.Diff))
	}
	cancel()

	var mqttPublisher *MQTTPublisher
	if config.MQTT.Enabled {
		mqttPublisher, err = NewMQTTPublisher(&config.MQTT, metrics.Gatherer())
		if err != nil {
			log.Printf("Warning: MQTT disabled: %v", err)
		} else {
			pipeline.AddObserver(mqttPublisher)
			mqttPublisher.PublishState(cache.Snapshot())
			mqttPublisher.StartPublisher(ctx)
		}
	}

	metrics.StartPushgatewayWorker(ctx, &config.Prometheus.Pushgateway)

	var discovery *InstanceDiscovery
	if config.Discovery.Enabled {
		discovery = NewInstanceDiscovery(&config.Discovery, config.Remote)
		if err := discovery.Start(); err != nil {
			log.Printf("Warning: mDNS discovery disabled: %v", err)
			discovery = nil
		}
	}

	apiServer := NewAPIServer(config, pipeline, profiles, hub, metrics, discovery)
	if config.MCP.Enabled {
		mcpServer := NewMCPServer(pipeline, profiles, hub, metrics, discovery)
		apiServer.MountMCP(http.HandlerFunc(mcpServer.HandleMCP))
		log.Println("MCP endpoint enabled at /mcp")
	}

	if discovery != nil && config.Discovery.Announce {
		if _, portStr, err := net.SplitHostPort(config.Server.Listen); err == nil {
			if p, err := strconv.Atoi(portStr); err == nil {
				host, _ := os.Hostname()
				if err := discovery.Announce("vizctl on "+host, p); err != nil {
					log.Printf("Warning: %v", err)
				}
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Printf("Error stopping API server: %v", err)
		}
		if discovery != nil {
			discovery.Stop()
		}

		// Let in-flight mutations settle so observers see the final state
		drained := make(chan struct{})
		go func() {
			pipeline.Drain()
			close(drained)
		}()
		select {
		case <-drained:
		case <-shutdownCtx.Done():
			log.Println("Warning: gave up waiting for in-flight mutations")
		}

		if mqttPublisher != nil {
			mqttPublisher.Disconnect()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("Stopped after %v", time.Since(StartTime).Round(time.Second))
}
