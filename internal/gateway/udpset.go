package gateway

import "sync"

// udpSessionSet holds the Sessions available to multiplex UDP traffic for
// one PortBinding. Unlike Pool, membership here is never consumed by a
// single flow: §4.5 is explicit that "the Session remains in the pool —
// UDP Sessions are not consumed by a single flow; they are shared
// multiplexers." Kept separate from Pool (rather than overloading it)
// because the wire's 4-byte port header carries no signal distinguishing
// a Session meant for TCP pairing from one meant for UDP multiplexing on
// a "both"-protocol binding — see DESIGN.md for how that routing decision
// is made.
type udpSessionSet struct {
	mu   sync.Mutex
	sess []*Session
	next int
}

func newUDPSessionSet() *udpSessionSet {
	return &udpSessionSet{}
}

// Add files a newly handshaken Session as available for UDP dispatch.
func (u *udpSessionSet) Add(s *Session) {
	s.MarkMultiplex()
	u.mu.Lock()
	u.sess = append(u.sess, s)
	u.mu.Unlock()
}

// PickOne returns one live Session, round-robin, pruning closed entries
// lazily. Returns nil if none is available — the caller must drop the
// datagram per §4.5 ("If none exists, drop the datagram and log at
// warning level (no queueing)").
func (u *udpSessionSet) PickOne() *Session {
	u.mu.Lock()
	defer u.mu.Unlock()

	live := u.sess[:0]
	for _, s := range u.sess {
		if !s.IsClosed() {
			live = append(live, s)
		}
	}
	u.sess = live
	if len(u.sess) == 0 {
		u.next = 0
		return nil
	}
	u.next %= len(u.sess)
	chosen := u.sess[u.next]
	u.next++
	return chosen
}

// Len reports the number of live sessions currently tracked.
func (u *udpSessionSet) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, s := range u.sess {
		if !s.IsClosed() {
			n++
		}
	}
	return n
}

// Drain closes every tracked Session.
func (u *udpSessionSet) Drain() {
	u.mu.Lock()
	sess := u.sess
	u.sess = nil
	u.mu.Unlock()
	for _, s := range sess {
		_ = s.Close()
	}
}
