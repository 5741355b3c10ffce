package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var pendingIDCounter uint64

func nextPendingID() uint64 {
	return atomic.AddUint64(&pendingIDCounter, 1)
}

// PendingConn is an accepted-but-unpaired end-user TCP connection (§3).
type PendingConn struct {
	ID         uint64
	PublicPort int
	RemoteAddr net.Addr
	EnqueuedAt time.Time
	Conn       net.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPendingConn wraps an accepted connection awaiting pairing.
func NewPendingConn(conn net.Conn, publicPort int) *PendingConn {
	return &PendingConn{
		ID:         nextPendingID(),
		PublicPort: publicPort,
		RemoteAddr: conn.RemoteAddr(),
		EnqueuedAt: time.Now(),
		Conn:       conn,
		closed:     make(chan struct{}),
	}
}

// Close idempotently closes the underlying socket, used both on graceful
// T_pair timeout and on discard-because-peer-closed.
func (p *PendingConn) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.Conn.Close()
	})
	return err
}

// IsClosed reports whether Close has run.
func (p *PendingConn) IsClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
