package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/relayfabric/tunnel/internal/ferrors"
	"github.com/spf13/viper"
)

// ServerConfig is the `server` section of the Gateway's persisted JSON
// (§6): `{web_port, data_plane_port}`.
type ServerConfig struct {
	WebPort       int `json:"web_port" mapstructure:"web_port"`
	DataPlanePort int `json:"data_plane_port" mapstructure:"data_plane_port"`
}

// RangeSpec is one entry of the `port_ranges` array.
type RangeSpec struct {
	ID      string `json:"id" mapstructure:"id"`
	Low     int    `json:"low" mapstructure:"low"`
	High    int    `json:"high" mapstructure:"high"`
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
}

// SingletonSpec is one entry of the `specific_ports` array.
type SingletonSpec struct {
	ID      string `json:"id" mapstructure:"id"`
	Port    int    `json:"port" mapstructure:"port"`
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
}

// Config is the Gateway's full persisted configuration, matching §6's
// `{server:{web_port, data_plane_port}, port_ranges:[], specific_ports:[]}`
// exactly.
type Config struct {
	Server        ServerConfig    `json:"server" mapstructure:"server"`
	PortRanges    []RangeSpec     `json:"port_ranges" mapstructure:"port_ranges"`
	SpecificPorts []SingletonSpec `json:"specific_ports" mapstructure:"specific_ports"`
}

// ToPortSpecs converts the persisted ranges/singletons into the Registry's
// PortSpec form.
func (c Config) ToPortSpecs() []PortSpec {
	out := make([]PortSpec, 0, len(c.PortRanges)+len(c.SpecificPorts))
	for _, r := range c.PortRanges {
		out = append(out, PortSpec{ID: r.ID, Kind: PortSpecRange, Low: r.Low, High: r.High, Enabled: r.Enabled})
	}
	for _, s := range c.SpecificPorts {
		out = append(out, PortSpec{ID: s.ID, Kind: PortSpecSingleton, Low: s.Port, High: s.Port, Enabled: s.Enabled})
	}
	return out
}

// Validate rejects malformed configuration at edit time (§7: "Configuration
// ... rejected at edit time; persisted state never contains these").
func (c Config) Validate() error {
	if c.Server.WebPort < 1 || c.Server.WebPort > 65535 {
		return fmt.Errorf("%w: server.web_port out of range", ferrors.ErrInvalidConfig)
	}
	if c.Server.DataPlanePort < 1 || c.Server.DataPlanePort > 65535 {
		return fmt.Errorf("%w: server.data_plane_port out of range", ferrors.ErrInvalidConfig)
	}
	if c.Server.WebPort == c.Server.DataPlanePort {
		return fmt.Errorf("%w: web_port and data_plane_port must differ", ferrors.ErrInvalidConfig)
	}
	seen := make(map[string]bool)
	for _, spec := range c.ToPortSpecs() {
		if seen[spec.ID] {
			return fmt.Errorf("%w: duplicate port spec id %q", ferrors.ErrInvalidConfig, spec.ID)
		}
		seen[spec.ID] = true
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ferrors.ErrInvalidConfig, err)
		}
	}
	return nil
}

// LoadConfig reads the Gateway's persisted JSON from path via viper,
// applying defaults and GATEWAY_-prefixed environment overrides. A
// missing file is not an error: defaults apply, matching a fresh install.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault("server.web_port", 8080)
	v.SetDefault("server.data_plane_port", 9000)
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read gateway config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal gateway config: %w", err)
	}
	return &cfg, nil
}

// Save persists cfg as JSON to path.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal gateway config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write gateway config %s: %w", path, err)
	}
	return nil
}
