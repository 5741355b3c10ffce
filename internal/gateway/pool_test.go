package gateway

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T, onPaired func(*PendingConn, *Session)) *Pool {
	t.Helper()
	if onPaired == nil {
		onPaired = func(*PendingConn, *Session) {}
	}
	return NewPool(1234, zap.NewNop(), nil, onPaired)
}

func fakeConnPair() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestPoolPairsFIFOPendingWithAnyIdle(t *testing.T) {
	var mu sync.Mutex
	var pairs [][2]uint64
	p := newTestPool(t, func(pc *PendingConn, s *Session) {
		mu.Lock()
		pairs = append(pairs, [2]uint64{pc.ID, s.ID})
		mu.Unlock()
	})

	c1a, c1b := fakeConnPair()
	c2a, c2b := fakeConnPair()
	defer c1a.Close()
	defer c1b.Close()
	defer c2a.Close()
	defer c2b.Close()

	pc1 := NewPendingConn(c1a, 1234)
	pc2 := NewPendingConn(c2a, 1234)
	p.EnqueuePending(pc1)
	p.EnqueuePending(pc2)

	s1 := NewSession(c1b, 1234, ProtocolTCP)
	p.EnqueueIdle(s1)

	mu.Lock()
	require.Len(t, pairs, 1)
	require.Equal(t, pc1.ID, pairs[0][0]) // FIFO: oldest pending paired first
	mu.Unlock()

	s2 := NewSession(c2b, 1234, ProtocolTCP)
	p.EnqueueIdle(s2)

	mu.Lock()
	require.Len(t, pairs, 2)
	require.Equal(t, pc2.ID, pairs[1][0])
	mu.Unlock()
}

func TestPoolDiscardsClosedEndpointsAndContinuesPairing(t *testing.T) {
	var paired []uint64
	var mu sync.Mutex
	p := newTestPool(t, func(pc *PendingConn, s *Session) {
		mu.Lock()
		paired = append(paired, pc.ID)
		mu.Unlock()
	})

	deadA, deadB := fakeConnPair()
	deadPC := NewPendingConn(deadA, 1234)
	_ = deadPC.Close()
	deadB.Close()

	liveA, liveB := fakeConnPair()
	defer liveA.Close()
	defer liveB.Close()
	livePC := NewPendingConn(liveA, 1234)

	p.EnqueuePending(deadPC)
	p.EnqueuePending(livePC)

	s := NewSession(liveB, 1234, ProtocolTCP)
	p.EnqueueIdle(s)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{livePC.ID}, paired)
}

func TestSessionRemovedFromIdleBeforePairing(t *testing.T) {
	p := newTestPool(t, nil)
	a, b := fakeConnPair()
	defer a.Close()
	defer b.Close()

	s := NewSession(b, 1234, ProtocolTCP)
	p.EnqueueIdle(s)
	require.Equal(t, 1, p.IdleLen())

	pc := NewPendingConn(a, 1234)
	p.EnqueuePending(pc)

	require.Equal(t, 0, p.IdleLen())
	require.Equal(t, SessionActive, s.State())
}

func TestPendingConnExpiresAfterTPair(t *testing.T) {
	p := newTestPool(t, nil)
	orig := TPair
	TPair = 5 * time.Millisecond
	defer func() { TPair = orig }()

	a, b := fakeConnPair()
	defer b.Close()
	pc := NewPendingConn(a, 1234)
	p.EnqueuePending(pc)

	require.Eventually(t, func() bool { return pc.IsClosed() }, time.Second, time.Millisecond)
}

func TestDrainClosesEverything(t *testing.T) {
	p := newTestPool(t, nil)
	a, b := fakeConnPair()
	pc := NewPendingConn(a, 1234)
	p.EnqueuePending(pc)

	c, d := fakeConnPair()
	s := NewSession(d, 1234, ProtocolTCP)
	p.EnqueueIdle(s)
	defer c.Close()
	defer b.Close()

	p.Drain()
	require.True(t, pc.IsClosed())
	require.True(t, s.IsClosed())
}
