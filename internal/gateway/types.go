package gateway

import (
	"fmt"

	"github.com/relayfabric/tunnel/internal/proto"
)

// Protocol is the transport a PortSpec or PortBinding declares, per §3.
// Shared with the Agent side via internal/proto so both halves of the
// fabric agree on its values without importing one another.
type Protocol = proto.Protocol

const (
	ProtocolTCP  = proto.TCP
	ProtocolUDP  = proto.UDP
	ProtocolBoth = proto.Both
)

// PortSpecKind distinguishes a contiguous range from a single reserved
// port, per §3.
type PortSpecKind string

const (
	PortSpecRange     PortSpecKind = "range"
	PortSpecSingleton PortSpecKind = "singleton"
)

// PortSpec is a configured, potentially overlapping, declaration of public
// ports the Registry may hand out. Ranges may overlap in configuration;
// the effective allocatable set is their union (§4.2).
type PortSpec struct {
	ID      string       `json:"id" mapstructure:"id"`
	Kind    PortSpecKind `json:"kind" mapstructure:"kind"`
	Low     int          `json:"low" mapstructure:"low"`   // singleton: Low == High
	High    int          `json:"high" mapstructure:"high"`
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
}

// Validate rejects malformed PortSpecs at edit time, per §7's
// "Configuration" error kind: these must never reach persisted state.
func (s PortSpec) Validate() error {
	if s.Kind != PortSpecRange && s.Kind != PortSpecSingleton {
		return fmt.Errorf("port spec %q: invalid kind %q", s.ID, s.Kind)
	}
	if s.Low < 1 || s.Low > 65535 || s.High < 1 || s.High > 65535 {
		return fmt.Errorf("port spec %q: bounds out of range [1,65535]", s.ID)
	}
	if s.Low > s.High {
		return fmt.Errorf("port spec %q: low %d greater than high %d", s.ID, s.Low, s.High)
	}
	if s.Kind == PortSpecSingleton && s.Low != s.High {
		return fmt.Errorf("port spec %q: singleton must have low == high", s.ID)
	}
	return nil
}

// Contains reports whether port falls within [Low, High].
func (s PortSpec) Contains(port int) bool {
	return port >= s.Low && port <= s.High
}

// PortBinding is a live (local_port -> public_port, protocol) association,
// 1:1 with the listening socket(s) on the Gateway's public side (§3).
type PortBinding struct {
	PublicPort    int      `json:"public_port"`
	Protocol      Protocol `json:"protocol"`
	LocalPort     int      `json:"local_port"`
	AgentMappingID string  `json:"agent_mapping_id"`
}
