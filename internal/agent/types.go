// Package agent implements the private-side half of the fabric: the
// Mapping Manager that requests allocations and maintains an idle Session
// pool per Mapping, and the Forwarder that bridges bytes/datagrams
// between a Session and the local service (§2, §4.6, §4.7).
package agent

import (
	"fmt"

	"github.com/relayfabric/tunnel/internal/ferrors"
	"github.com/relayfabric/tunnel/internal/proto"
)

// Mapping is the Agent's configuration for one local service exposed
// through the fabric (§3). AssignedPublicPort is sticky across reconnects:
// the MappingManager passes it as the preferred port when it requests
// allocation and stores the port the Gateway grants. It is cleared when
// the Mapping's port is released (disable or delete); Sessions that the
// Gateway refuses do not clear it.
type Mapping struct {
	ID                 string        `json:"id" mapstructure:"id"`
	Name               string        `json:"name" mapstructure:"name"`
	LocalHost          string        `json:"local_host" mapstructure:"local_host"`
	LocalPort          int           `json:"local_port" mapstructure:"local_port"`
	Protocol           proto.Protocol `json:"protocol" mapstructure:"protocol"`
	PreferredPublicPort int          `json:"preferred_port" mapstructure:"preferred_port"`
	AssignedPublicPort int           `json:"assigned_public_port" mapstructure:"assigned_public_port"`
	Enabled            bool          `json:"enabled" mapstructure:"enabled"`
	Description        string        `json:"description" mapstructure:"description"`
	AutoReconnect       bool          `json:"auto_reconnect" mapstructure:"auto_reconnect"`
	// UDPFlowIdleMS generalizes the source's hard-coded per-game TTL
	// branch (DESIGN NOTES §9) into a per-Mapping knob. Zero means the
	// 30s default; there is no process-wide setting.
	UDPFlowIdleMS int `json:"udp_flow_idle_ms" mapstructure:"udp_flow_idle_ms"`
}

// Validate rejects malformed Mappings at edit time (§7).
func (m Mapping) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: mapping name is required", ferrors.ErrInvalidConfig)
	}
	if m.LocalPort < 1 || m.LocalPort > 65535 {
		return fmt.Errorf("%w: mapping %q local_port out of range", ferrors.ErrInvalidConfig, m.Name)
	}
	if !m.Protocol.Valid() {
		return fmt.Errorf("%w: mapping %q has invalid protocol %q", ferrors.ErrInvalidConfig, m.Name, m.Protocol)
	}
	if m.PreferredPublicPort != 0 && (m.PreferredPublicPort < 1 || m.PreferredPublicPort > 65535) {
		return fmt.Errorf("%w: mapping %q preferred_port out of range", ferrors.ErrInvalidConfig, m.Name)
	}
	return nil
}
