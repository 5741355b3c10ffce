package agent

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/relayfabric/tunnel/internal/metrics"
	"github.com/relayfabric/tunnel/internal/wire"
	"go.uber.org/zap"
)

// ForwardUDP runs the single reader task for one UDP-multiplexing Session
// (§4.5, §5), decoding envelopes and fanning each to a per-client local
// UDP socket from a udpFlowCache, then pumping that socket's replies back
// through the Session re-addressed to the originating client (§4.7).
// Exits when the Session's reader errors (closed, framing violation).
// onActive, if non-nil, fires exactly once on the first envelope this
// Session carries, so the caller can eagerly open a replacement to
// preserve its idle-pool floor.
func ForwardUDP(conn net.Conn, m Mapping, log *zap.Logger, met *metrics.Agent, onActive func()) {
	defer conn.Close()

	localAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(m.LocalHost, strconv.Itoa(m.LocalPort)))
	if err != nil {
		log.Warn("cannot resolve mapping local udp address", zap.String("mapping", m.Name), zap.Error(err))
		return
	}

	idleTimeout := time.Duration(m.UDPFlowIdleMS) * time.Millisecond
	out := &sessionWriter{conn: conn}

	var cache *udpFlowCache
	cache = newUDPFlowCache(idleTimeout, func(string) {
		met.UDPFlowsActive.WithLabelValues(m.Name).Set(float64(cache.Len()))
	})
	defer cache.Close()

	r := wire.NewReader(conn, wire.MaxUDPPayload)
	first := true
	for {
		env, err := r.ReadEnvelope()
		if err != nil {
			return
		}
		if env.IsControl() {
			continue
		}
		if first {
			first = false
			if onActive != nil {
				onActive()
			}
		}

		clientIP := net.IP(env.ClientIP[:]).String()
		clientKey := net.JoinHostPort(clientIP, strconv.Itoa(int(env.ClientPort)))

		flow, fresh, err := cache.getOrCreate(clientKey, localAddr)
		if err != nil {
			met.DialFailures.WithLabelValues(m.Name).Inc()
			log.Warn("local udp dial failed", zap.String("mapping", m.Name), zap.String("client", clientKey), zap.Error(err))
			continue
		}
		if fresh {
			met.UDPFlowsActive.WithLabelValues(m.Name).Set(float64(cache.Len()))
			go pumpUDPReplies(flow, env.ClientIP, env.ClientPort, out)
		}

		if _, err := flow.conn.Write(env.Payload); err != nil {
			log.Debug("local udp write failed", zap.String("mapping", m.Name), zap.Error(err))
		}
	}
}

// sessionWriter is the minimal write-serializing wrapper ForwardUDP needs:
// the Session on the Gateway side enforces single-writer discipline with
// its own mutex (§5), and the Agent's outbound side must do the same
// since many pumpUDPReplies goroutines share one Session connection.
type sessionWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *sessionWriter) writeFrame(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.conn.Write(data)
	return err
}

func pumpUDPReplies(flow *udpFlow, clientIP [4]byte, clientPort uint16, out *sessionWriter) {
	buf := make([]byte, wire.MaxUDPPayload)
	for {
		_ = flow.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		n, err := flow.conn.Read(buf)
		if err != nil {
			return
		}
		flow.touch()

		payload := make([]byte, n)
		copy(payload, buf[:n])
		env := wire.Envelope{ClientIP: clientIP, ClientPort: clientPort, Payload: payload}
		data, err := wire.Encode(nil, env, wire.MaxUDPPayload)
		if err != nil {
			continue
		}
		if err := out.writeFrame(data); err != nil {
			return
		}
	}
}
