package agent

import (
	"net"
	"testing"
	"time"

	"github.com/relayfabric/tunnel/internal/metrics"
	"github.com/relayfabric/tunnel/internal/proto"
	"github.com/relayfabric/tunnel/internal/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newUDPEchoServer(t *testing.T) (host string, port int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 65535)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(buf[:n], addr)
		}
	}()

	addr := conn.LocalAddr().(*net.UDPAddr)
	return addr.IP.String(), addr.Port
}

func TestForwardUDPRoundTripsThroughLocalEcho(t *testing.T) {
	host, port := newUDPEchoServer(t)
	m := Mapping{Name: "game", LocalHost: host, LocalPort: port, Protocol: proto.UDP, UDPFlowIdleMS: 60000}

	sessionSide, gatewaySide := net.Pipe()
	met := metrics.NewAgent()

	done := make(chan struct{})
	go func() {
		ForwardUDP(sessionSide, m, zap.NewNop(), met, nil)
		close(done)
	}()

	env := wire.Envelope{ClientIP: [4]byte{9, 9, 9, 9}, ClientPort: 4444, Payload: []byte("hello")}
	frame, err := wire.Encode(nil, env, 0)
	require.NoError(t, err)

	writeDone := make(chan error, 1)
	go func() { _, err := gatewaySide.Write(frame); writeDone <- err }()
	require.NoError(t, <-writeDone)

	require.NoError(t, gatewaySide.SetReadDeadline(time.Now().Add(2*time.Second)))
	r := wire.NewReader(gatewaySide, 0)
	got, err := r.ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, [4]byte{9, 9, 9, 9}, got.ClientIP)
	require.Equal(t, uint16(4444), got.ClientPort)
	require.Equal(t, "hello", string(got.Payload))

	gatewaySide.Close()
	<-done
}

func TestForwardUDPMultipleClientsGetSeparateFlows(t *testing.T) {
	host, port := newUDPEchoServer(t)
	m := Mapping{Name: "game", LocalHost: host, LocalPort: port, Protocol: proto.UDP, UDPFlowIdleMS: 60000}

	sessionSide, gatewaySide := net.Pipe()
	met := metrics.NewAgent()

	done := make(chan struct{})
	go func() {
		ForwardUDP(sessionSide, m, zap.NewNop(), met, nil)
		close(done)
	}()

	send := func(ip [4]byte, port uint16, payload string) {
		env := wire.Envelope{ClientIP: ip, ClientPort: port, Payload: []byte(payload)}
		frame, err := wire.Encode(nil, env, 0)
		require.NoError(t, err)
		_, err = gatewaySide.Write(frame)
		require.NoError(t, err)
	}
	send([4]byte{1, 1, 1, 1}, 111, "a")
	send([4]byte{2, 2, 2, 2}, 222, "b")

	require.NoError(t, gatewaySide.SetReadDeadline(time.Now().Add(2*time.Second)))
	r := wire.NewReader(gatewaySide, 0)
	seen := map[string]string{}
	for i := 0; i < 2; i++ {
		env, err := r.ReadEnvelope()
		require.NoError(t, err)
		key := net.IP(env.ClientIP[:]).String()
		seen[key] = string(env.Payload)
	}
	require.Equal(t, "a", seen["1.1.1.1"])
	require.Equal(t, "b", seen["2.2.2.2"])

	gatewaySide.Close()
	<-done
}
