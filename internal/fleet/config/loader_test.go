package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiquitav2/wgfleet/internal/fleet/node"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
)

const testServerKey = "xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg="

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func load(t *testing.T, body string) (*Config, error) {
	t.Helper()
	l := NewLoader()
	l.SetEnvFile("")
	l.SetConfigFile(writeConfig(t, body))
	return l.Load()
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(t, "log:\n  level: info\n")
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "10.8.0.0/24", cfg.Pool.EffectiveRange())
	assert.Equal(t, time.Hour, cfg.Pool.GracePeriod)
	assert.Equal(t, "sqlite", cfg.Registry.Backend)
	assert.Equal(t, "./data/registry.db", cfg.Registry.Path)
	assert.Equal(t, "vpn.example.com:51820", cfg.Client.Endpoint)
	assert.Equal(t, []string{"1.1.1.1"}, cfg.Client.DNS)
	assert.Equal(t, []string{"0.0.0.0/0", "::/0"}, cfg.Client.AllowedIPs)
	assert.Equal(t, 25*time.Second, cfg.Client.Keepalive)
	assert.Equal(t, "generated-configs", cfg.Client.OutputDir)
	assert.Equal(t, 8, cfg.Sync.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Sync.NodeTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, "replace", cfg.Sync.Strategy)
	assert.True(t, cfg.Sync.OnChange)
	assert.Equal(t, 10*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, "root", cfg.SSH.User)
	assert.Equal(t, 22, cfg.SSH.Port)
	assert.Equal(t, "wg0", cfg.WireGuard.Interface)
	assert.Equal(t, 3, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 2*time.Minute, cfg.CircuitBreaker.ResetTimeout)
	assert.Equal(t, InventoryStatic, cfg.Inventory.Source)
	assert.Empty(t, cfg.Inventory.Nodes)
}

func TestLoadFile(t *testing.T) {
	cfg, err := load(t, `
pool:
  range: 10.9.0.10-10.9.0.20
  reserved: ["10.9.0.10"]
  grace_period: 30m
client:
  server_public_key: `+testServerKey+`
  endpoint: gw.example.net:51820
  mtu: 1420
sync:
  strategy: incremental
  concurrency: 2
inventory:
  source: static
  nodes:
    - id: fra1
      host: 203.0.113.10
    - id: local
      transport: local
      interface: wg1
`)
	require.NoError(t, err)

	assert.Equal(t, "10.9.0.10-10.9.0.20", cfg.Pool.EffectiveRange())
	assert.Equal(t, []string{"10.9.0.10"}, cfg.Pool.Reserved)
	assert.Equal(t, 30*time.Minute, cfg.Pool.GracePeriod)
	assert.Equal(t, testServerKey, cfg.Client.ServerPublicKey)
	assert.Equal(t, 1420, cfg.Client.MTU)
	assert.Equal(t, "incremental", cfg.Sync.Strategy)
	assert.Equal(t, 2, cfg.Sync.Concurrency)

	require.Len(t, cfg.Inventory.Nodes, 2)
	assert.Equal(t, node.Node{ID: "fra1", Host: "203.0.113.10"}, cfg.Inventory.Nodes[0])
	assert.Equal(t, node.TransportLocal, cfg.Inventory.Nodes[1].Transport)
	assert.Equal(t, "wg1", cfg.Inventory.Nodes[1].Interface)
	assert.True(t, cfg.HasSSHNodes())
	assert.NoError(t, cfg.RequireServerKey())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("WGFLEET_SYNC_CONCURRENCY", "3")
	t.Setenv("WGFLEET_SYNC_NODE_TIMEOUT", "5s")
	t.Setenv("WGFLEET_LOG_LEVEL", "debug")
	t.Setenv("WGFLEET_REGISTRY_BACKEND", "bolt")
	t.Setenv("HCLOUD_TOKEN", "hc-token")

	cfg, err := load(t, "sync:\n  concurrency: 16\n")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Sync.Concurrency, "environment beats the file")
	assert.Equal(t, 5*time.Second, cfg.Sync.NodeTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "bolt", cfg.Registry.Backend)
	assert.Equal(t, "hc-token", cfg.Inventory.Hetzner.APIToken)
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("WGFLEET_WIREGUARD_INTERFACE=wg7\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("WGFLEET_WIREGUARD_INTERFACE") })

	l := NewLoader()
	l.SetEnvFile(envPath)
	l.SetConfigFile(writeConfig(t, "log:\n  level: info\n"))
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "wg7", cfg.WireGuard.Interface)

	t.Run("missing env file is ignored", func(t *testing.T) {
		l := NewLoader()
		l.SetEnvFile(filepath.Join(dir, "absent.env"))
		l.SetConfigFile(writeConfig(t, "log:\n  level: info\n"))
		_, err := l.Load()
		assert.NoError(t, err)
	})
}

func TestLoadWithPathMissingFile(t *testing.T) {
	_, err := LoadWithPath(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad network", func(c *Config) { c.Pool.Network = "10.8.0.0/33" }, "pool.network"},
		{"reserved outside", func(c *Config) { c.Pool.Reserved = []string{"192.168.1.1"} }, "pool.reserved"},
		{"reserved garbage", func(c *Config) { c.Pool.Reserved = []string{"gateway"} }, "pool.reserved"},
		{"negative grace", func(c *Config) { c.Pool.GracePeriod = -time.Second }, "pool.grace_period"},
		{"unknown backend", func(c *Config) { c.Registry.Backend = "etcd" }, "registry.backend"},
		{"sqlite without path", func(c *Config) { c.Registry.Path = "" }, "registry.path"},
		{"bad server key", func(c *Config) { c.Client.ServerPublicKey = "not-a-key" }, "client.server_public_key"},
		{"endpoint without port", func(c *Config) { c.Client.Endpoint = "vpn.example.com" }, "client.endpoint"},
		{"bad dns", func(c *Config) { c.Client.DNS = []string{"dns.google"} }, "client.dns"},
		{"empty allowed ips", func(c *Config) { c.Client.AllowedIPs = nil }, "client.allowed_ips"},
		{"bad allowed ip", func(c *Config) { c.Client.AllowedIPs = []string{"everything"} }, "client.allowed_ips"},
		{"tiny mtu", func(c *Config) { c.Client.MTU = 100 }, "client.mtu"},
		{"zero concurrency", func(c *Config) { c.Sync.Concurrency = 0 }, "sync.concurrency"},
		{"zero node timeout", func(c *Config) { c.Sync.NodeTimeout = 0 }, "sync.node_timeout"},
		{"negative poll interval", func(c *Config) { c.Sync.PollInterval = -time.Second }, "sync"},
		{"unknown strategy", func(c *Config) { c.Sync.Strategy = "yolo" }, "sync.strategy"},
		{"ssh port", func(c *Config) { c.SSH.Port = 70000 }, "ssh.port"},
		{"empty interface", func(c *Config) { c.WireGuard.Interface = "" }, "wireguard.interface"},
		{"breaker threshold", func(c *Config) { c.CircuitBreaker.FailureThreshold = 0 }, "circuit_breaker.failure_threshold"},
		{"unknown inventory", func(c *Config) { c.Inventory.Source = "aws" }, "inventory.source"},
		{"hetzner without token", func(c *Config) { c.Inventory.Source = InventoryHetzner }, "inventory.hetzner.api_token"},
		{"duplicate node", func(c *Config) {
			c.Inventory.Nodes = []node.Node{{ID: "a", Host: "h1"}, {ID: "a", Host: "h2"}}
		}, "inventory.nodes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := load(t, "log:\n  level: info\n")
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig), "got %v", err)

			var de apperrors.DomainError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.field, de.Metadata()["field"])
		})
	}
}

func TestRequireServerKey(t *testing.T) {
	cfg, err := load(t, "log:\n  level: info\n")
	require.NoError(t, err)

	err = cfg.RequireServerKey()
	assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig))
	assert.False(t, cfg.HasSSHNodes())
}
