package config

import (
	"fmt"
	"time"

	"github.com/orgflow/orgflow/comms"
	"github.com/orgflow/orgflow/delegation"
	"github.com/orgflow/orgflow/escalation"
	"github.com/orgflow/orgflow/persistence"
	"github.com/orgflow/orgflow/scaling"
	"github.com/orgflow/orgflow/spawn"
)

// DefaultConfig returns the full default configuration. Engine sections
// reuse each package's own defaults so the server and embedded uses of
// the engines agree.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:          8080,
			MetricsPort:       9090,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Hierarchy: HierarchyConfig{
			MaxDepth:  5,
			MaxFanout: 8,
		},
		Router:      comms.DefaultConfig(),
		Spawn:       spawn.DefaultConfig(),
		Delegation:  delegation.DefaultConfig(),
		Escalation:  escalation.DefaultConfig(),
		Scaling:     scaling.DefaultConfig(),
		Persistence: persistence.DefaultStoreConfig(),
		Runtime: RuntimeConfig{
			CPUCores:  64,
			MemoryMB:  131072,
			Workers:   8,
			QueueSize: 256,
		},
		Auth: AuthConfig{
			Enabled: false,
			Issuer:  "orgflow",
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			OutputPaths:  []string{"stdout"},
			EnableCaller: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "orgflow",
			SampleRate:   1.0,
		},
	}
}

// Validate checks cross-field constraints the loader cannot express.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port must be in (0, 65535], got %d", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("server.metrics_port must be in (0, 65535], got %d", c.Server.MetricsPort)
	}
	if c.Hierarchy.MaxDepth < 1 {
		return fmt.Errorf("hierarchy.max_depth must be at least 1, got %d", c.Hierarchy.MaxDepth)
	}
	if c.Hierarchy.MaxFanout < 1 {
		return fmt.Errorf("hierarchy.max_fanout must be at least 1, got %d", c.Hierarchy.MaxFanout)
	}
	if c.Router.MessagesPerSecond <= 0 {
		return fmt.Errorf("router.messages_per_second must be positive, got %g", c.Router.MessagesPerSecond)
	}
	if c.Runtime.CPUCores < 1 || c.Runtime.MemoryMB < 1 {
		return fmt.Errorf("runtime capacity must be positive, got %d cores / %d MB",
			c.Runtime.CPUCores, c.Runtime.MemoryMB)
	}
	if c.Runtime.Workers < 1 {
		return fmt.Errorf("runtime.workers must be at least 1, got %d", c.Runtime.Workers)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Persistence.Type {
	case persistence.StoreTypeMemory, persistence.StoreTypeRedis, persistence.StoreTypeSQL:
	default:
		return fmt.Errorf("persistence.type must be memory, redis, or sql, got %q", c.Persistence.Type)
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	return nil
}
