// Package config loads and validates wgfleet configuration.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/chiquitav2/wgfleet/internal/fleet/node"
	"github.com/chiquitav2/wgfleet/internal/fleet/nodesync"
	"github.com/chiquitav2/wgfleet/internal/fleet/pool"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	"github.com/chiquitav2/wgfleet/pkg/crypto"
)

// Config is the complete wgfleet configuration.
type Config struct {
	Log            LogConfig            `mapstructure:"log"`
	Pool           PoolConfig           `mapstructure:"pool"`
	Registry       RegistryConfig       `mapstructure:"registry"`
	Client         ClientConfig         `mapstructure:"client"`
	Sync           SyncConfig           `mapstructure:"sync"`
	SSH            SSHConfig            `mapstructure:"ssh"`
	WireGuard      WireGuardConfig      `mapstructure:"wireguard"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Inventory      InventoryConfig      `mapstructure:"inventory"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PoolConfig defines the address range handed to peers.
type PoolConfig struct {
	// Network is a CIDR. Range, when set, takes precedence.
	Network     string        `mapstructure:"network"`
	Range       string        `mapstructure:"range"`
	Reserved    []string      `mapstructure:"reserved"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// EffectiveRange returns Range when set, otherwise Network.
func (p PoolConfig) EffectiveRange() string {
	if p.Range != "" {
		return p.Range
	}
	return p.Network
}

// RegistryConfig selects the record store.
type RegistryConfig struct {
	Backend string       `mapstructure:"backend"`
	Path    string       `mapstructure:"path"`
	Consul  ConsulConfig `mapstructure:"consul"`
}

// ConsulConfig points the consul backend at an agent.
type ConsulConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	Prefix     string `mapstructure:"prefix"`
	Datacenter string `mapstructure:"datacenter"`
}

// ClientConfig is the server half of every generated client bundle.
type ClientConfig struct {
	ServerPublicKey string        `mapstructure:"server_public_key"`
	Endpoint        string        `mapstructure:"endpoint"`
	DNS             []string      `mapstructure:"dns"`
	AllowedIPs      []string      `mapstructure:"allowed_ips"`
	Keepalive       time.Duration `mapstructure:"keepalive"`
	MTU             int           `mapstructure:"mtu"`
	OutputDir       string        `mapstructure:"output_dir"`
}

// SyncConfig bounds fleet synchronization.
type SyncConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	NodeTimeout   time.Duration `mapstructure:"node_timeout"`
	Interval      time.Duration `mapstructure:"interval"`
	Strategy      string        `mapstructure:"strategy"`
	OnChange      bool          `mapstructure:"on_change"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Debounce      time.Duration `mapstructure:"debounce"`
	PeerKeepalive time.Duration `mapstructure:"peer_keepalive"`
}

// SSHConfig holds the settings shared by every SSH node.
type SSHConfig struct {
	User           string        `mapstructure:"user"`
	Port           int           `mapstructure:"port"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	KnownHostsPath string        `mapstructure:"known_hosts_path"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Sudo           bool          `mapstructure:"sudo"`
	SaveConfig     bool          `mapstructure:"save_config"`
	MaxIdle        time.Duration `mapstructure:"max_idle"`
}

// WireGuardConfig names the node interface.
type WireGuardConfig struct {
	Interface string `mapstructure:"interface"`
}

// CircuitBreakerConfig defines circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// Inventory sources.
const (
	InventoryStatic  = "static"
	InventoryHetzner = "hetzner"
)

// InventoryConfig says where the node list comes from.
type InventoryConfig struct {
	Source  string        `mapstructure:"source"`
	Nodes   []node.Node   `mapstructure:"nodes"`
	Hetzner HetznerConfig `mapstructure:"hetzner"`
}

// HetznerConfig selects servers by label.
type HetznerConfig struct {
	APIToken      string `mapstructure:"api_token"`
	LabelSelector string `mapstructure:"label_selector"`
}

var registryBackends = map[string]bool{"memory": true, "sqlite": true, "bolt": true, "consul": true}

// Validate validates the configuration for correctness and completeness
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return invalid("log.level", "invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "invalid log.format: %s (must be json or text)", c.Log.Format)
	}

	if err := c.validatePool(); err != nil {
		return err
	}

	c.Registry.Backend = strings.ToLower(c.Registry.Backend)
	if !registryBackends[c.Registry.Backend] {
		return invalid("registry.backend", "unknown registry.backend %q (must be memory, sqlite, bolt, or consul)", c.Registry.Backend)
	}
	if (c.Registry.Backend == "sqlite" || c.Registry.Backend == "bolt") && c.Registry.Path == "" {
		return invalid("registry.path", "registry.path is required for the %s backend", c.Registry.Backend)
	}

	if err := c.validateClient(); err != nil {
		return err
	}

	if c.Sync.Concurrency < 1 {
		return invalid("sync.concurrency", "sync.concurrency must be at least 1")
	}
	if c.Sync.NodeTimeout <= 0 {
		return invalid("sync.node_timeout", "sync.node_timeout must be positive")
	}
	if c.Sync.Interval < 0 || c.Sync.PollInterval < 0 || c.Sync.Debounce < 0 || c.Sync.PeerKeepalive < 0 {
		return invalid("sync", "sync durations cannot be negative")
	}
	if _, err := nodesync.ParseStrategy(c.Sync.Strategy); err != nil {
		return invalid("sync.strategy", "%v", err)
	}

	if c.SSH.User == "" {
		return invalid("ssh.user", "ssh.user is required")
	}
	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		return invalid("ssh.port", "ssh.port %d out of range", c.SSH.Port)
	}
	if c.SSH.ConnectTimeout <= 0 {
		return invalid("ssh.connect_timeout", "ssh.connect_timeout must be positive")
	}

	if c.WireGuard.Interface == "" {
		return invalid("wireguard.interface", "wireguard.interface is required")
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return invalid("circuit_breaker.failure_threshold", "circuit_breaker.failure_threshold must be at least 1")
	}
	if c.CircuitBreaker.ResetTimeout <= 0 {
		return invalid("circuit_breaker.reset_timeout", "circuit_breaker.reset_timeout must be positive")
	}

	return c.validateInventory()
}

func (c *Config) validatePool() error {
	rng, err := pool.ParseRange(c.Pool.EffectiveRange())
	if err != nil {
		return apperrors.WrapWithDomain(err, apperrors.DomainSystem, apperrors.ErrCodeConfiguration,
			"invalid pool range", false).WithMetadata("field", "pool.network")
	}
	for _, s := range c.Pool.Reserved {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return invalid("pool.reserved", "invalid reserved address %q", s)
		}
		if !rng.Contains(addr) {
			return invalid("pool.reserved", "reserved address %s is outside %s", addr, rng)
		}
	}
	if c.Pool.GracePeriod < 0 {
		return invalid("pool.grace_period", "pool.grace_period cannot be negative")
	}
	return nil
}

func (c *Config) validateClient() error {
	cl := c.Client
	if cl.ServerPublicKey != "" && !crypto.IsValidWireGuardKey(cl.ServerPublicKey) {
		return invalid("client.server_public_key", "client.server_public_key is not a valid WireGuard key")
	}
	if cl.Endpoint == "" {
		return invalid("client.endpoint", "client.endpoint is required")
	}
	if _, _, err := net.SplitHostPort(cl.Endpoint); err != nil {
		return invalid("client.endpoint", "client.endpoint %q must be host:port", cl.Endpoint)
	}
	for _, d := range cl.DNS {
		if _, err := netip.ParseAddr(d); err != nil {
			return invalid("client.dns", "invalid dns server %q", d)
		}
	}
	if len(cl.AllowedIPs) == 0 {
		return invalid("client.allowed_ips", "client.allowed_ips cannot be empty")
	}
	for _, p := range cl.AllowedIPs {
		if _, err := netip.ParsePrefix(p); err != nil {
			return invalid("client.allowed_ips", "invalid allowed ip %q", p)
		}
	}
	if cl.Keepalive < 0 || cl.Keepalive > 65535*time.Second {
		return invalid("client.keepalive", "client.keepalive out of range")
	}
	if cl.MTU != 0 && (cl.MTU < 576 || cl.MTU > 65535) {
		return invalid("client.mtu", "client.mtu %d out of range", cl.MTU)
	}
	if cl.OutputDir == "" {
		return invalid("client.output_dir", "client.output_dir is required")
	}
	return nil
}

func (c *Config) validateInventory() error {
	switch c.Inventory.Source {
	case InventoryStatic:
		seen := make(map[string]bool, len(c.Inventory.Nodes))
		for _, n := range c.Inventory.Nodes {
			if n.ID == "" {
				return invalid("inventory.nodes", "every node needs an id")
			}
			if seen[n.ID] {
				return invalid("inventory.nodes", "duplicate node id %q", n.ID)
			}
			seen[n.ID] = true
		}
	case InventoryHetzner:
		if c.Inventory.Hetzner.APIToken == "" {
			return invalid("inventory.hetzner.api_token",
				"inventory.hetzner.api_token is required (set WGFLEET_INVENTORY_HETZNER_API_TOKEN or HCLOUD_TOKEN)")
		}
	default:
		return invalid("inventory.source", "unknown inventory.source %q (must be static or hetzner)", c.Inventory.Source)
	}
	return nil
}

// RequireServerKey reports whether client bundles can be rendered.
func (c *Config) RequireServerKey() error {
	if c.Client.ServerPublicKey == "" {
		return invalid("client.server_public_key",
			"client.server_public_key is required to generate client configs (set WGFLEET_CLIENT_SERVER_PUBLIC_KEY)")
	}
	return nil
}

// HasSSHNodes reports whether any node may be reached over SSH.
func (c *Config) HasSSHNodes() bool {
	if c.Inventory.Source == InventoryHetzner {
		return true
	}
	for _, n := range c.Inventory.Nodes {
		if n.Transport == "" || n.Transport == node.TransportSSH {
			return true
		}
	}
	return false
}

func invalid(field, format string, args ...any) error {
	return apperrors.NewSystemError(apperrors.ErrCodeConfiguration, fmt.Sprintf(format, args...), false, nil).
		WithMetadata("field", field)
}
