package config

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config represents the top-level configuration structure: the two
// redundant node endpoints and how to reach them. Everything else about
// the nodes is another tool's concern.
type Config struct {
	Global GlobalConfig `yaml:"global" mapstructure:"global"`
	Nodes  []NodeConfig `yaml:"nodes"  mapstructure:"nodes"`
	SSH    SSHConfig    `yaml:"ssh"    mapstructure:"ssh"`
}

// GlobalConfig holds global settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// NodeConfig names one addressable endpoint of the redundant pair.
type NodeConfig struct {
	Address string `yaml:"address" mapstructure:"address"`
}

// SSHConfig holds the credential/identity references for reaching the
// nodes.
type SSHConfig struct {
	User    string `yaml:"user"     mapstructure:"user"`
	KeyFile string `yaml:"key_file" mapstructure:"key_file"`
	Port    int    `yaml:"port"     mapstructure:"port"`
	Timeout string `yaml:"timeout"  mapstructure:"timeout"`
}

// GetUser returns the SSH user.
// Defaults to "ezfw" if not set.
func (s SSHConfig) GetUser() string {
	if s.User == "" {
		return "ezfw"
	}
	return s.User
}

// GetPort returns the SSH port.
// Defaults to 22 if not set.
func (s SSHConfig) GetPort() int {
	if s.Port <= 0 {
		return 22
	}
	return s.Port
}

// GetTimeout parses and returns the per-command SSH timeout.
// Defaults to 10s if not set or invalid.
func (s SSHConfig) GetTimeout() time.Duration {
	if s.Timeout == "" {
		return 10 * time.Second
	}
	duration, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return duration
}

// NodeAddresses returns the two node endpoints in configured order.
func (c *Config) NodeAddresses() []string {
	addresses := make([]string, len(c.Nodes))
	for i, node := range c.Nodes {
		addresses[i] = node.Address
	}
	return addresses
}

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	current    *Config
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial configuration.
func NewManager(configPath string, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigFile(configPath)

	// Set defaults
	viperInstance.SetDefault("global.log_level", "info")

	manager := &Manager{
		viper:      viperInstance,
		configPath: configPath,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = cfg

	return manager, nil
}

// Load reads the config file, unmarshals it, and validates.
func (m *Manager) Load() (*Config, error) {
	if err := m.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for correctness. The node list must
// name exactly the two endpoints of the redundant pair.
func Validate(cfg *Config) error {
	if len(cfg.Nodes) != 2 {
		return fmt.Errorf("exactly two nodes must be configured, got %d", len(cfg.Nodes))
	}

	for i, node := range cfg.Nodes {
		if node.Address == "" {
			return fmt.Errorf("node[%d]: address is required", i)
		}
		if net.ParseIP(node.Address) == nil {
			return fmt.Errorf("node[%d]: invalid IP address %q", i, node.Address)
		}
	}
	if cfg.Nodes[0].Address == cfg.Nodes[1].Address {
		return fmt.Errorf("node addresses must be distinct, both are %q", cfg.Nodes[0].Address)
	}

	if cfg.SSH.KeyFile == "" {
		return fmt.Errorf("ssh.key_file is required")
	}
	// Port 0 means unset; GetPort falls back to 22.
	if cfg.SSH.Port != 0 && (cfg.SSH.Port < 1 || cfg.SSH.Port > 65535) {
		return fmt.Errorf("ssh.port must be in [1, 65535], got %d", cfg.SSH.Port)
	}
	if cfg.SSH.Timeout != "" {
		if _, err := time.ParseDuration(cfg.SSH.Timeout); err != nil {
			return fmt.Errorf("invalid ssh.timeout %q: %w", cfg.SSH.Timeout, err)
		}
	}

	return nil
}

// WatchConfig starts watching the config file for changes.
// On change, it reloads and validates; if valid, updates current config and notifies via onChange channel.
func (m *Manager) WatchConfig() {
	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		cfg, err := m.Load()
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.logger.Info("config reloaded successfully")

		// Non-blocking send to notify listeners
		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
