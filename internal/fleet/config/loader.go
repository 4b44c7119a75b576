package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "WGFLEET"

// Loader handles configuration loading from YAML files, a .env file and
// environment variables.
type Loader struct {
	v       *viper.Viper
	envFile string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		v:       viper.New(),
		envFile: ".env",
	}
}

// SetConfigFile pins the loader to one file instead of the search paths.
func (l *Loader) SetConfigFile(path string) {
	l.v.SetConfigFile(path)
}

// SetEnvFile changes the .env file read before the environment. An empty
// path disables it.
func (l *Loader) SetEnvFile(path string) {
	l.envFile = path
}

// Load reads configuration. Precedence, highest first: environment,
// .env file, config file, defaults.
func (l *Loader) Load() (*Config, error) {
	if err := l.loadEnvFile(); err != nil {
		return nil, err
	}

	l.v.SetConfigName("config")
	l.v.SetConfigType("yaml")
	l.v.AddConfigPath("/etc/wgfleet")
	l.v.AddConfigPath("$HOME/.wgfleet")
	l.v.AddConfigPath(".")

	l.bindEnv()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		// Config file not found is OK - defaults and ENV still apply
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the file that was read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// GetString returns a raw setting, mainly for tests and diagnostics.
func (l *Loader) GetString(key string) string {
	return l.v.GetString(key)
}

// GetInt returns a raw setting.
func (l *Loader) GetInt(key string) int {
	return l.v.GetInt(key)
}

func (l *Loader) loadEnvFile() error {
	if l.envFile == "" {
		return nil
	}
	// godotenv never overrides variables that are already set
	if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file %s: %w", l.envFile, err)
	}
	return nil
}

func (l *Loader) bindEnv() {
	l.v.SetEnvPrefix(envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// Alternative names used by the hcloud CLI
	_ = l.v.BindEnv("inventory.hetzner.api_token", envPrefix+"_INVENTORY_HETZNER_API_TOKEN", "HCLOUD_TOKEN")
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "json")

	l.v.SetDefault("pool.network", "10.8.0.0/24")
	l.v.SetDefault("pool.range", "")
	l.v.SetDefault("pool.reserved", []string{})
	l.v.SetDefault("pool.grace_period", "1h")

	l.v.SetDefault("registry.backend", "sqlite")
	l.v.SetDefault("registry.path", "./data/registry.db")
	l.v.SetDefault("registry.consul.address", "")
	l.v.SetDefault("registry.consul.token", "")
	l.v.SetDefault("registry.consul.prefix", "wgfleet")
	l.v.SetDefault("registry.consul.datacenter", "")

	l.v.SetDefault("client.server_public_key", "")
	l.v.SetDefault("client.endpoint", "vpn.example.com:51820")
	l.v.SetDefault("client.dns", []string{"1.1.1.1"})
	l.v.SetDefault("client.allowed_ips", []string{"0.0.0.0/0", "::/0"})
	l.v.SetDefault("client.keepalive", "25s")
	l.v.SetDefault("client.mtu", 0)
	l.v.SetDefault("client.output_dir", "generated-configs")

	l.v.SetDefault("sync.concurrency", 8)
	l.v.SetDefault("sync.node_timeout", "30s")
	l.v.SetDefault("sync.interval", "5m")
	l.v.SetDefault("sync.strategy", "replace")
	l.v.SetDefault("sync.on_change", true)
	l.v.SetDefault("sync.poll_interval", "10s")
	l.v.SetDefault("sync.debounce", "2s")
	l.v.SetDefault("sync.peer_keepalive", "25s")

	l.v.SetDefault("ssh.user", "root")
	l.v.SetDefault("ssh.port", 22)
	l.v.SetDefault("ssh.private_key_path", "")
	l.v.SetDefault("ssh.known_hosts_path", "")
	l.v.SetDefault("ssh.connect_timeout", "10s")
	l.v.SetDefault("ssh.sudo", false)
	l.v.SetDefault("ssh.save_config", true)
	l.v.SetDefault("ssh.max_idle", "5m")

	l.v.SetDefault("wireguard.interface", "wg0")

	l.v.SetDefault("circuit_breaker.failure_threshold", 3)
	l.v.SetDefault("circuit_breaker.reset_timeout", "2m")

	l.v.SetDefault("inventory.source", InventoryStatic)
	l.v.SetDefault("inventory.hetzner.api_token", "")
	l.v.SetDefault("inventory.hetzner.label_selector", "role=wg-gateway")
}

// LoadWithPath loads configuration from a specific file path
func LoadWithPath(configPath string) (*Config, error) {
	loader := NewLoader()
	if configPath != "" {
		loader.SetConfigFile(configPath)
	}
	return loader.Load()
}
