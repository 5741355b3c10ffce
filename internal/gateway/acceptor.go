package gateway

import (
	"net"
	"strconv"

	"github.com/relayfabric/tunnel/internal/metrics"
	"github.com/relayfabric/tunnel/internal/wire"
	"go.uber.org/zap"
)

// Acceptor is the Control Channel Acceptor of §2/§4.1: the single TCP
// listener on the Gateway's data-plane port that accepts every
// Agent-initiated Session, reads its 4-byte port-selection header, and
// files it into the right binding's pool (or closes it if the declared
// port has no active PortBinding).
type Acceptor struct {
	log        *zap.Logger
	met        *metrics.Gateway
	dispatcher *Dispatcher
	ln         net.Listener
}

// NewAcceptor binds the data-plane TCP listener. A bind failure here is
// Fatal per §7 ("the Gateway data-plane listener is lost") — the caller
// should treat a non-nil error as reason to exit nonzero.
func NewAcceptor(dataPlanePort int, dispatcher *Dispatcher, log *zap.Logger, met *metrics.Gateway) (*Acceptor, error) {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(dataPlanePort))
	if err != nil {
		return nil, err
	}
	return &Acceptor{log: log, met: met, dispatcher: dispatcher, ln: ln}, nil
}

// Addr returns the listener's bound address.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Close stops accepting new Sessions.
func (a *Acceptor) Close() error { return a.ln.Close() }

// Serve runs the accept loop until the listener is closed. Every accepted
// connection is fully handled by its own handleConn while the accept loop
// itself does not block on the handshake, so one slow/malicious dialer
// cannot stall the acceptor for anyone else.
func (a *Acceptor) Serve() error {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			return err
		}
		go a.handleConn(conn)
	}
}

func (a *Acceptor) handleConn(conn net.Conn) {
	publicPort, err := wire.ReadPortHeader(conn)
	if err != nil {
		_ = conn.Close()
		return
	}

	b, ok := a.dispatcher.bindingByPublic(int(publicPort))
	if !ok {
		a.log.Debug("session declared unbound public port, closing", zap.Uint32("public_port", publicPort))
		_ = conn.Close()
		return
	}

	s := NewSession(conn, int(publicPort), b.Protocol)
	udpRole := b.routeIncomingSession(s)
	if udpRole {
		go a.dispatcher.handleAgentEnvelopes(b, s)
	}
}
