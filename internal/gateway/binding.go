package gateway

import (
	"net"

	"github.com/relayfabric/tunnel/internal/proto"
)

// binding is the Gateway's live view of one PortBinding: the listening
// socket(s), the Session Pool that feeds them, and the means to tear both
// down. One binding exists per allocated public port (§3: "For every
// active PortBinding, exactly one listening socket exists on the Gateway
// for each protocol it declares").
type binding struct {
	PortBinding
	pool        *Pool          // TCP pairing sessions (nil if protocol is udp-only)
	udpSessions *udpSessionSet // UDP multiplexer sessions (nil if protocol is tcp-only)
	tcpLn       net.Listener
	udpConn     *net.UDPConn
	stopTCP     chan struct{}
	stopUDP     chan struct{}
}

// routeIncomingSession decides whether a freshly handshaken Session on
// this binding should serve TCP pairing or UDP multiplexing, and reports
// which it chose so the caller can start the UDP envelope reader task
// when needed.
func (b *binding) routeIncomingSession(s *Session) (udpRole bool) {
	switch b.Protocol {
	case ProtocolTCP:
		b.pool.EnqueueIdle(s)
		return false
	case ProtocolUDP:
		b.udpSessions.Add(s)
		return true
	case ProtocolBoth:
		if b.udpSessions.Len() < proto.UDPMultiplexTarget {
			b.udpSessions.Add(s)
			return true
		}
		b.pool.EnqueueIdle(s)
		return false
	default:
		return false
	}
}

func (b *binding) closeListeners() {
	if b.tcpLn != nil {
		close(b.stopTCP)
		_ = b.tcpLn.Close()
	}
	if b.udpConn != nil {
		close(b.stopUDP)
		_ = b.udpConn.Close()
	}
}
