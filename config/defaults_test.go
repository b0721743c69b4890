package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgflow/orgflow/persistence"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.HTTPPort = 0 }},
		{"port too large", func(c *Config) { c.Server.HTTPPort = 70000 }},
		{"zero metrics port", func(c *Config) { c.Server.MetricsPort = 0 }},
		{"zero depth", func(c *Config) { c.Hierarchy.MaxDepth = 0 }},
		{"zero fanout", func(c *Config) { c.Hierarchy.MaxFanout = 0 }},
		{"zero rate", func(c *Config) { c.Router.MessagesPerSecond = 0 }},
		{"zero runtime capacity", func(c *Config) { c.Runtime.CPUCores = 0 }},
		{"zero runtime workers", func(c *Config) { c.Runtime.Workers = 0 }},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad store type", func(c *Config) { c.Persistence.Type = "etcd" }},
		{"telemetry without endpoint", func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.OTLPEndpoint = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsEveryStoreType(t *testing.T) {
	for _, st := range []persistence.StoreType{
		persistence.StoreTypeMemory,
		persistence.StoreTypeRedis,
		persistence.StoreTypeSQL,
	} {
		cfg := DefaultConfig()
		cfg.Persistence.Type = st
		assert.NoError(t, cfg.Validate(), string(st))
	}
}
