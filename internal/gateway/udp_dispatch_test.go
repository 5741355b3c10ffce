package gateway

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/relayfabric/tunnel/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestUDPFanOutNoCrossTalk(t *testing.T) {
	disp, acc := newTestFabric(t, 24700, 24710)
	pb, err := disp.Allocate(27015, 24700, ProtocolUDP, "map-game")
	require.NoError(t, err)

	agentConn := dialAgentSession(t, acc.Addr(), pb.PublicPort)
	defer agentConn.Close()
	require.Eventually(t, func() bool { return true }, 30*time.Millisecond, 5*time.Millisecond)

	// emulate the Agent forwarder: echo every envelope back with "reply:"
	// prefixed to the payload so replies are distinguishable.
	go func() {
		r := wire.NewReader(agentConn, 0)
		for {
			env, err := r.ReadEnvelope()
			if err != nil {
				return
			}
			reply := wire.Envelope{ClientIP: env.ClientIP, ClientPort: env.ClientPort, Payload: append([]byte("reply:"), env.Payload...)}
			data, _ := wire.Encode(nil, reply, 0)
			_, _ = agentConn.Write(data)
		}
	}()

	publicAddr := fmt.Sprintf("127.0.0.1:%d", pb.PublicPort)

	type client struct {
		conn net.PacketConn
		want string
	}
	clients := make([]client, 2)
	for i := range clients {
		c, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		defer c.Close()
		clients[i] = client{conn: c, want: fmt.Sprintf("reply:hello-from-%d", i)}
	}

	dst, err := net.ResolveUDPAddr("udp", publicAddr)
	require.NoError(t, err)

	for i, c := range clients {
		_, err := c.conn.WriteTo([]byte(fmt.Sprintf("hello-from-%d", i)), dst)
		require.NoError(t, err)
	}

	for _, c := range clients {
		buf := make([]byte, 256)
		require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := c.conn.ReadFrom(buf)
		require.NoError(t, err)
		require.Equal(t, c.want, string(buf[:n]))
	}
}

func TestUDPDatagramDroppedWhenNoIdleSession(t *testing.T) {
	disp, _ := newTestFabric(t, 24800, 24810)
	pb, err := disp.Allocate(27016, 24800, ProtocolUDP, "map-none")
	require.NoError(t, err)

	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer c.Close()

	dst, err := net.ResolveUDPAddr("udp", fmt.Sprintf("127.0.0.1:%d", pb.PublicPort))
	require.NoError(t, err)
	_, err = c.WriteTo([]byte("nobody home"), dst)
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	buf := make([]byte, 16)
	_, _, err = c.ReadFrom(buf)
	require.Error(t, err) // dropped, never queued — no reply ever arrives
}
