package gateway

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/relayfabric/tunnel/internal/ferrors"
	"github.com/relayfabric/tunnel/internal/metrics"
	"github.com/relayfabric/tunnel/internal/wire"
	"go.uber.org/zap"
)

// DrainTimeout bounds how long a draining Session's buffered bytes get to
// flush before the connection is forced closed (§4.8, default 5s).
var DrainTimeout = 5 * time.Second

// Dispatcher owns listener lifecycle and traffic dispatch for every
// allocated public port: bringing up/tearing down listeners atomically
// (§4.3), running the TCP accept loop and TCP pairing (§4.4), and running
// the UDP recv loop and envelope multiplexing (§4.5).
type Dispatcher struct {
	log      *zap.Logger
	met      *metrics.Gateway
	registry *Registry
	mappings *MappingTable

	mu       sync.Mutex
	bindings map[int]*binding // by public port
}

// NewDispatcher wires a Dispatcher to its Registry and MappingTable.
func NewDispatcher(registry *Registry, mappings *MappingTable, log *zap.Logger, met *metrics.Gateway) *Dispatcher {
	return &Dispatcher{
		log:      log,
		met:      met,
		registry: registry,
		mappings: mappings,
		bindings: make(map[int]*binding),
	}
}

// Allocate brings a PortBinding into existence for (localPort, protocol),
// preferring preferredPort if given. Listener bring-up is atomic: if any
// requested listener fails to bind, everything already opened is rolled
// back and the port is released (§4.3).
func (d *Dispatcher) Allocate(localPort, preferredPort int, proto Protocol, agentMappingID string) (*PortBinding, error) {
	if !proto.Valid() {
		return nil, fmt.Errorf("%w: protocol %q", ferrors.ErrInvalidConfig, proto)
	}

	publicPort, err := d.registry.Allocate(preferredPort)
	if err != nil {
		return nil, err
	}

	var tcpLn net.Listener
	var udpConn *net.UDPConn
	rollback := func() {
		if tcpLn != nil {
			_ = tcpLn.Close()
		}
		if udpConn != nil {
			_ = udpConn.Close()
		}
		d.registry.Release(publicPort)
	}

	if proto.WantsTCP() {
		tcpLn, err = net.Listen("tcp", ":"+strconv.Itoa(publicPort))
		if err != nil {
			rollback()
			return nil, fmt.Errorf("%w: tcp listen on %d: %v", ferrors.ErrBindFailed, publicPort, err)
		}
	}
	if proto.WantsUDP() {
		udpConn, err = net.ListenUDP("udp", &net.UDPAddr{Port: publicPort})
		if err != nil {
			rollback()
			return nil, fmt.Errorf("%w: udp listen on %d: %v", ferrors.ErrBindFailed, publicPort, err)
		}
	}

	b := &binding{
		PortBinding: PortBinding{
			PublicPort:     publicPort,
			Protocol:       proto,
			LocalPort:      localPort,
			AgentMappingID: agentMappingID,
		},
		tcpLn:   tcpLn,
		udpConn: udpConn,
		stopTCP: make(chan struct{}),
		stopUDP: make(chan struct{}),
	}
	if proto.WantsTCP() {
		b.pool = NewPool(publicPort, d.log.Named("pool"), d.met, d.onPaired)
	}
	if proto.WantsUDP() {
		b.udpSessions = newUDPSessionSet()
	}

	d.mu.Lock()
	d.bindings[publicPort] = b
	d.mu.Unlock()
	d.mappings.Put(&b.PortBinding)

	if tcpLn != nil {
		go d.acceptTCPLoop(b)
	}
	if udpConn != nil {
		go d.udpRecvLoop(b)
	}

	d.log.Info("port binding allocated",
		zap.Int("public_port", publicPort), zap.Int("local_port", localPort),
		zap.String("protocol", string(proto)), zap.String("agent_mapping_id", agentMappingID))

	pb := b.PortBinding
	return &pb, nil
}

// Release tears a binding down: listeners close, the Session Pool and any
// UDP multiplexer sessions are destroyed, and the port returns to the
// Registry. Idempotent: releasing an unknown local port is a no-op.
func (d *Dispatcher) Release(localPort int) {
	removed := d.mappings.RemoveByLocal(localPort)
	if removed == nil {
		return
	}

	d.mu.Lock()
	b, ok := d.bindings[removed.PublicPort]
	if ok {
		delete(d.bindings, removed.PublicPort)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	b.closeListeners()
	if b.pool != nil {
		b.pool.Drain()
	}
	if b.udpSessions != nil {
		b.udpSessions.Drain()
	}
	d.registry.Release(removed.PublicPort)

	d.log.Info("port binding released", zap.Int("public_port", removed.PublicPort), zap.Int("local_port", localPort))
}

// bindingByPublic returns the live binding for a public port, used by the
// Control Channel Acceptor to validate an incoming Session (§4.1).
func (d *Dispatcher) bindingByPublic(publicPort int) (*binding, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bindings[publicPort]
	return b, ok
}

// ActiveSummary is one row of GET /ports/active.
type ActiveSummary struct {
	PublicPort   int    `json:"public_port"`
	LocalPort    int    `json:"local_port"`
	Protocol     string `json:"protocol"`
	IdleSessions int    `json:"idle_sessions"`
	PendingConns int    `json:"pending_conns"`
}

// Active returns a snapshot of every live binding with pool counts.
func (d *Dispatcher) Active() []ActiveSummary {
	d.mu.Lock()
	bindings := make([]*binding, 0, len(d.bindings))
	for _, b := range d.bindings {
		bindings = append(bindings, b)
	}
	d.mu.Unlock()

	out := make([]ActiveSummary, 0, len(bindings))
	for _, b := range bindings {
		s := ActiveSummary{PublicPort: b.PublicPort, LocalPort: b.LocalPort, Protocol: string(b.Protocol)}
		if b.pool != nil {
			s.IdleSessions += b.pool.IdleLen()
			s.PendingConns = b.pool.PendingLen()
		}
		if b.udpSessions != nil {
			s.IdleSessions += b.udpSessions.Len()
		}
		out = append(out, s)
	}
	return out
}

func (d *Dispatcher) acceptTCPLoop(b *binding) {
	for {
		conn, err := b.tcpLn.Accept()
		if err != nil {
			select {
			case <-b.stopTCP:
				return
			default:
			}
			d.log.Warn("tcp accept failed, binding's listener is degraded",
				zap.Int("public_port", b.PublicPort), zap.Error(err))
			return
		}
		pc := NewPendingConn(conn, b.PublicPort)
		b.pool.EnqueuePending(pc)
	}
}

// onPaired starts the bidirectional byte pump for a freshly paired
// (PendingConn, Session), per §4.4 step 3.
func (d *Dispatcher) onPaired(pc *PendingConn, s *Session) {
	go d.pump(pc, s)
}

func (d *Dispatcher) pump(pc *PendingConn, s *Session) {
	done := make(chan struct{}, 2)
	cp := func(dst io.Writer, src io.Reader) {
		_, _ = io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(s.Conn, pc.Conn)
	go cp(pc.Conn, s.Conn)

	<-done
	s.Drain()
	timer := time.AfterFunc(DrainTimeout, func() {
		_ = pc.Close()
		_ = s.Close()
	})
	<-done
	timer.Stop()
	_ = pc.Close()
	_ = s.Close()
}

func (d *Dispatcher) udpRecvLoop(b *binding) {
	buf := make([]byte, 65535)
	portLabel := strconv.Itoa(b.PublicPort)
	for {
		n, addr, err := b.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.stopUDP:
				return
			default:
			}
			d.log.Warn("udp read failed, binding's listener is degraded",
				zap.Int("public_port", b.PublicPort), zap.Error(err))
			return
		}

		ip4 := addr.IP.To4()
		if ip4 == nil {
			d.met.UDPDropsTotal.WithLabelValues(portLabel, "non_ipv4_client").Inc()
			continue
		}

		s := b.udpSessions.PickOne()
		if s == nil {
			d.met.UDPDropsTotal.WithLabelValues(portLabel, "no_idle_session").Inc()
			d.log.Warn("dropping udp datagram: no idle session", zap.Int("public_port", b.PublicPort))
			continue
		}

		env := wire.Envelope{ClientPort: uint16(addr.Port)}
		copy(env.ClientIP[:], ip4)
		payload := make([]byte, n)
		copy(payload, buf[:n])
		env.Payload = payload

		data, err := wire.Encode(nil, env, wire.MaxUDPPayload)
		if err != nil {
			d.met.UDPDropsTotal.WithLabelValues(portLabel, "encode_error").Inc()
			continue
		}
		if s.TryEnqueueFrame(data) {
			d.met.UDPDropsTotal.WithLabelValues(portLabel, "backpressure").Inc()
		}
	}
}

// handleAgentEnvelopes runs the single reader task for a UDP-role Session
// (§5: "UDP Sessions have exactly one reader task"), decoding envelopes
// arriving from the Agent and emitting them on the public UDP socket.
func (d *Dispatcher) handleAgentEnvelopes(b *binding, s *Session) {
	defer s.Close()
	r := wire.NewReader(s.Conn, wire.MaxUDPPayload)
	for {
		env, err := r.ReadEnvelope()
		if err != nil {
			if err == wire.ErrFrameTooLarge {
				d.met.FramingErrors.Inc()
				d.log.Warn("framing violation from agent, closing session",
					zap.Uint64("session_id", s.ID), zap.Int("public_port", b.PublicPort))
			}
			return
		}
		if env.IsControl() {
			// Reserved for future administrative use; §4.5 forbids using
			// it for user data, so there is nothing to route here yet.
			continue
		}
		addr := &net.UDPAddr{IP: net.IP(env.ClientIP[:]), Port: int(env.ClientPort)}
		_, _ = b.udpConn.WriteToUDP(env.Payload, addr)
	}
}
