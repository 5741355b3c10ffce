package agent

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/relayfabric/tunnel/internal/metrics"
	"github.com/relayfabric/tunnel/internal/proto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEchoServer(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(c)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestForwardTCPDialsOnFirstByteAndEchoes(t *testing.T) {
	host, port := newEchoServer(t)
	m := Mapping{Name: "echo", LocalHost: host, LocalPort: port, Protocol: proto.TCP}

	sessionSide, gatewaySide := net.Pipe()
	met := metrics.NewAgent()
	done := make(chan struct{})
	go func() {
		ForwardTCP(sessionSide, m, zap.NewNop(), met, nil)
		close(done)
	}()

	_, err := gatewaySide.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	require.NoError(t, gatewaySide.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(gatewaySide, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	gatewaySide.Close()
	<-done
}

func TestForwardTCPClosesWithoutDialingWhenNoBytesArrive(t *testing.T) {
	m := Mapping{Name: "unused", LocalHost: "127.0.0.1", LocalPort: 1, Protocol: proto.TCP}
	sessionSide, gatewaySide := net.Pipe()
	met := metrics.NewAgent()

	done := make(chan struct{})
	go func() {
		ForwardTCP(sessionSide, m, zap.NewNop(), met, nil)
		close(done)
	}()

	gatewaySide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ForwardTCP did not return after peer closed with no bytes")
	}
}

func TestForwardTCPLocalDialFailureIncrementsMetric(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close()) // nothing listening now

	m := Mapping{Name: "gone", LocalHost: "127.0.0.1", LocalPort: port, Protocol: proto.TCP}
	sessionSide, gatewaySide := net.Pipe()
	met := metrics.NewAgent()

	done := make(chan struct{})
	go func() {
		ForwardTCP(sessionSide, m, zap.NewNop(), met, nil)
		close(done)
	}()

	_, err = gatewaySide.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ForwardTCP did not return after local dial failure")
	}
	require.Equal(t, float64(1), testutil.ToFloat64(met.DialFailures.WithLabelValues("gone")))
}
