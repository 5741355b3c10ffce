package agent

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/relayfabric/tunnel/internal/metrics"
	"go.uber.org/zap"
)

// firstByteTimeout bounds how long a freshly paired Session may sit with
// no bytes from the Gateway before the Agent gives up on it. An idle
// Session only starts carrying traffic once the Gateway pairs it with a
// PendingConn, so this is the same as "how long to wait for the
// Gateway's client to speak" but caps a Session that was paired and then
// immediately abandoned.
const firstByteTimeout = 60 * time.Second

// ForwardTCP pumps one paired data-plane Session to the Mapping's local
// TCP service. The local dial is deferred until the first bytes arrive
// from the Gateway side (§4.7): an idle Session may sit unpaired for a
// long time, and dialing the local service only once real traffic
// appears avoids opening local connections that never carry data.
// onActive, if non-nil, fires exactly once the Session starts carrying
// traffic, so the caller can eagerly open a replacement to preserve its
// idle-pool floor.
func ForwardTCP(conn net.Conn, m Mapping, log *zap.Logger, met *metrics.Agent, onActive func()) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(firstByteTimeout))
	buf := make([]byte, 32*1024)
	n, err := conn.Read(buf)
	if err != nil {
		if err != io.EOF {
			log.Debug("session closed before first byte", zap.String("mapping", m.Name), zap.Error(err))
		}
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	if onActive != nil {
		onActive()
	}

	local, err := net.DialTimeout("tcp", net.JoinHostPort(m.LocalHost, strconv.Itoa(m.LocalPort)), 10*time.Second)
	if err != nil {
		met.DialFailures.WithLabelValues(m.Name).Inc()
		log.Warn("local dial failed", zap.String("mapping", m.Name), zap.Error(err))
		return
	}
	defer local.Close()

	if _, err := local.Write(buf[:n]); err != nil {
		return
	}

	// Either direction finishing (EOF or error) means the flow is over;
	// force-close both ends so the other direction's blocked Read
	// unblocks immediately instead of waiting out a half-closed peer.
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = conn.Close()
			_ = local.Close()
		})
	}

	done := make(chan struct{}, 2)
	cp := func(dst io.Writer, src io.Reader) {
		_, _ = io.Copy(dst, src)
		closeBoth()
		done <- struct{}{}
	}
	go cp(local, conn)
	go cp(conn, local)
	<-done
	<-done
}
