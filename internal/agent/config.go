package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/relayfabric/tunnel/internal/ferrors"
	"github.com/spf13/viper"
)

// ServerConfig is the `server` section of the Agent's persisted JSON
// (§6): the Gateway's host/data-plane port, and this Agent's own local
// web (control-plane) port.
type ServerConfig struct {
	Host   string `json:"host" mapstructure:"host"`
	Port   int    `json:"port" mapstructure:"port"`
	WebPort int   `json:"web_port" mapstructure:"web_port"`
}

// ConnectionConfig is the `connection` section of §6: idle-pool floor and
// ceiling per Mapping, the maintainer's poll interval, and
// reconnect_delay_ms. ReconnectDelayMS is loaded and persisted but the
// MappingManager does not read it: its reconnect backoff always starts at
// backoff.Default's 1s minimum.
type ConnectionConfig struct {
	MinIdle          int `json:"min_idle" mapstructure:"min_idle"`
	MaxTotal         int `json:"max_total" mapstructure:"max_total"`
	CheckIntervalMS  int `json:"check_interval_ms" mapstructure:"check_interval_ms"`
	ReconnectDelayMS int `json:"reconnect_delay_ms" mapstructure:"reconnect_delay_ms"`
}

// Config is the Agent's full persisted configuration, matching §6.
type Config struct {
	Server      ServerConfig      `json:"server" mapstructure:"server"`
	PortMappings []Mapping        `json:"port_mappings" mapstructure:"port_mappings"`
	Connection  ConnectionConfig  `json:"connection" mapstructure:"connection"`
}

// Validate rejects malformed configuration at edit time (§7).
func (c Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("%w: server.host is required", ferrors.ErrInvalidConfig)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port out of range", ferrors.ErrInvalidConfig)
	}
	if c.Server.WebPort < 1 || c.Server.WebPort > 65535 {
		return fmt.Errorf("%w: server.web_port out of range", ferrors.ErrInvalidConfig)
	}
	if c.Connection.MinIdle < 0 || c.Connection.MaxTotal < c.Connection.MinIdle {
		return fmt.Errorf("%w: connection.min_idle/max_total inconsistent", ferrors.ErrInvalidConfig)
	}
	seen := make(map[string]bool)
	for _, m := range c.PortMappings {
		if seen[m.ID] {
			return fmt.Errorf("%w: duplicate mapping id %q", ferrors.ErrInvalidConfig, m.ID)
		}
		seen[m.ID] = true
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig reads the Agent's persisted JSON from path via viper,
// applying defaults and AGENT_-prefixed environment overrides. A missing
// file is not an error: defaults apply, matching a fresh install.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.web_port", 8081)
	v.SetDefault("connection.min_idle", 2)
	v.SetDefault("connection.max_total", 10)
	v.SetDefault("connection.check_interval_ms", 1000)
	v.SetDefault("connection.reconnect_delay_ms", 1000)
	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read agent config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal agent config: %w", err)
	}
	return &cfg, nil
}

// Save persists cfg as JSON to path.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write agent config %s: %w", path, err)
	}
	return nil
}
