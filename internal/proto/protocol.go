// Package proto declares the Protocol enum shared by the Gateway and the
// Agent (§3: protocol ∈ {tcp, udp, both}), so both sides of the fabric
// agree on its values and validation without either importing the other.
package proto

// Protocol is the transport a PortSpec, PortBinding, or Mapping declares.
type Protocol string

const (
	TCP  Protocol = "tcp"
	UDP  Protocol = "udp"
	Both Protocol = "both"
)

// Valid reports whether p is one of the three declared protocol kinds.
func (p Protocol) Valid() bool {
	switch p {
	case TCP, UDP, Both:
		return true
	}
	return false
}

// WantsTCP reports whether a listener/session of this protocol is needed
// for TCP traffic.
func (p Protocol) WantsTCP() bool { return p == TCP || p == Both }

// WantsUDP reports whether a listener/session of this protocol is needed
// for UDP traffic.
func (p Protocol) WantsUDP() bool { return p == UDP || p == Both }

// UDPMultiplexTarget resolves the wire header's silence on Session role
// for a "both"-protocol binding: the Gateway routes the first
// UDPMultiplexTarget Sessions it receives on such a binding into its UDP
// multiplexer set, and every later Session into the TCP pairing pool
// (see the Gateway's binding.routeIncomingSession). The Agent mirrors
// this by reserving the first UDPMultiplexTarget Sessions it dials for a
// "both" Mapping as UDP forwarders, since the Agent alone controls dial
// order and the two sides must agree on it without a wire signal.
const UDPMultiplexTarget = 2
