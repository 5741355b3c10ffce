package gateway

import (
	"container/list"
	"strconv"
	"sync"
	"time"

	"github.com/relayfabric/tunnel/internal/metrics"
	"go.uber.org/zap"
)

// TPair is the default PendingConn pairing timeout (§4.4). A var, not a
// const, so tests can shrink it instead of sleeping 60 real seconds.
var TPair = 60 * time.Second

// Pool is the per-public-port Session Pool of §3/§4.4: a FIFO of pending
// end-user connections and a pool of idle Agent-side Sessions, paired
// under a single mutex so no operation blocks on network I/O while
// holding the lock (§5). This replaces the "ad-hoc maps + scattered
// counters" DESIGN NOTES §9 calls out, with one actor per port instead.
type Pool struct {
	publicPort int
	log        *zap.Logger
	met        *metrics.Gateway
	portLabel  string

	mu      sync.Mutex
	pending *list.List // of *PendingConn, FIFO: front = oldest
	idle    *list.List // of *Session, LIFO: front = most recently pushed

	onPaired func(pc *PendingConn, s *Session)
}

// NewPool creates an empty Pool for publicPort. onPaired is invoked
// (outside the pool's lock) each time a PendingConn and Session are
// successfully paired; it is expected to start the bidirectional pump.
func NewPool(publicPort int, log *zap.Logger, met *metrics.Gateway, onPaired func(*PendingConn, *Session)) *Pool {
	return &Pool{
		publicPort: publicPort,
		log:        log,
		met:        met,
		portLabel:  strconv.Itoa(publicPort),
		pending:    list.New(),
		idle:       list.New(),
		onPaired:   onPaired,
	}
}

// EnqueuePending files a newly accepted TCP connection and attempts to
// pair it immediately. It also arms the T_pair timeout.
func (p *Pool) EnqueuePending(pc *PendingConn) {
	p.mu.Lock()
	el := p.pending.PushBack(pc)
	p.updateDepthLocked()
	p.mu.Unlock()

	time.AfterFunc(TPair, func() { p.expirePending(el, pc) })
	p.tryPair()
}

func (p *Pool) expirePending(el *list.Element, pc *PendingConn) {
	p.mu.Lock()
	removed := false
	// el may already have been removed by a successful pairing; only
	// remove it here if it is still exactly this element in the list.
	for e := p.pending.Front(); e != nil; e = e.Next() {
		if e == el {
			p.pending.Remove(e)
			removed = true
			break
		}
	}
	p.updateDepthLocked()
	p.mu.Unlock()

	if removed && !pc.IsClosed() {
		p.log.Debug("pending connection timed out waiting for pairing",
			zap.Int("public_port", p.publicPort), zap.Uint64("pending_id", pc.ID))
		_ = pc.Close()
	}
}

// EnqueueIdle files a newly handshaken Session and attempts to pair it.
func (p *Pool) EnqueueIdle(s *Session) {
	p.mu.Lock()
	p.idle.PushFront(s) // LIFO: favor warm, recently-returned sessions (§4.4)
	p.updateDepthLocked()
	p.mu.Unlock()

	p.tryPair()
}

// tryPair drains both queues while both are non-empty, discarding any
// endpoint that turns out closed and continuing, exactly per §4.4's
// algorithm. The Session is removed from idle before any bytes are
// forwarded (invariant in §4.4), enforced here because onPaired only runs
// after the Session has already been unlinked.
func (p *Pool) tryPair() {
	for {
		var pc *PendingConn
		var s *Session

		p.mu.Lock()
		for {
			pe := p.pending.Front()
			se := p.idle.Front()
			if pe == nil || se == nil {
				p.updateDepthLocked()
				p.mu.Unlock()
				return
			}
			candidatePC := pe.Value.(*PendingConn)
			candidateS := se.Value.(*Session)

			if candidatePC.IsClosed() {
				p.pending.Remove(pe)
				continue
			}
			if candidateS.IsClosed() || !candidateS.MarkActive() {
				p.idle.Remove(se)
				continue
			}
			p.pending.Remove(pe)
			p.idle.Remove(se)
			pc, s = candidatePC, candidateS
			break
		}
		p.updateDepthLocked()
		p.mu.Unlock()

		p.onPaired(pc, s)
	}
}

// Drain empties both queues, closing every contained endpoint. Used when
// a PortBinding is released (§4.3: "Session Pool contents are destroyed").
func (p *Pool) Drain() {
	p.mu.Lock()
	pendings := make([]*PendingConn, 0, p.pending.Len())
	for e := p.pending.Front(); e != nil; e = e.Next() {
		pendings = append(pendings, e.Value.(*PendingConn))
	}
	p.pending.Init()

	sessions := make([]*Session, 0, p.idle.Len())
	for e := p.idle.Front(); e != nil; e = e.Next() {
		sessions = append(sessions, e.Value.(*Session))
	}
	p.idle.Init()
	p.updateDepthLocked()
	p.mu.Unlock()

	for _, pc := range pendings {
		_ = pc.Close()
	}
	for _, s := range sessions {
		_ = s.Close()
	}
}

// IdleLen and PendingLen report current queue depths, used by tests and
// by the control plane's /ports/active summary.
func (p *Pool) IdleLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle.Len()
}

func (p *Pool) PendingLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.Len()
}

// updateDepthLocked refreshes the exported gauges. Caller must hold p.mu.
func (p *Pool) updateDepthLocked() {
	if p.met == nil {
		return
	}
	p.met.PendingDepth.WithLabelValues(p.portLabel).Set(float64(p.pending.Len()))
	p.met.IdleDepth.WithLabelValues(p.portLabel).Set(float64(p.idle.Len()))
}
