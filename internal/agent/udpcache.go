package agent

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// udpFlow is one local UDP socket dedicated to a single public-side
// client address, so the local service's replies land back on a
// consistent source port it can correlate (grounded on the per-client
// socket cache idiom in lekliu-liuproxy_go's UDPSession/forwardMap).
type udpFlow struct {
	conn     *net.UDPConn
	lastSeen atomic.Int64 // unix nano, updated on every packet either direction
}

func (f *udpFlow) touch() {
	f.lastSeen.Store(time.Now().UnixNano())
}

func (f *udpFlow) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, f.lastSeen.Load()))
}

// udpFlowCache holds one udpFlow per public-side client address
// (ip:port string) for the lifetime of one UDP-role Session's forwarding
// (ForwardUDP builds one cache per Session). A
// background sweep closes flows idle past idleTimeout, mirroring
// cleanupNatMap's periodic scan in the grounding source rather than a
// per-packet timer per flow.
type udpFlowCache struct {
	mu          sync.Mutex
	flows       map[string]*udpFlow
	idleTimeout time.Duration
	onExpire    func(clientKey string)

	stop chan struct{}
	done chan struct{}
}

func newUDPFlowCache(idleTimeout time.Duration, onExpire func(string)) *udpFlowCache {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	c := &udpFlowCache{
		flows:       make(map[string]*udpFlow),
		idleTimeout: idleTimeout,
		onExpire:    onExpire,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// getOrCreate returns the existing flow for clientKey, or dials a fresh
// local UDP socket toward localAddr and registers it.
func (c *udpFlowCache) getOrCreate(clientKey string, localAddr *net.UDPAddr) (*udpFlow, bool, error) {
	c.mu.Lock()
	if f, ok := c.flows[clientKey]; ok {
		c.mu.Unlock()
		f.touch()
		return f, false, nil
	}
	c.mu.Unlock()

	conn, err := net.DialUDP("udp", nil, localAddr)
	if err != nil {
		return nil, false, err
	}
	f := &udpFlow{conn: conn}
	f.touch()

	c.mu.Lock()
	if existing, ok := c.flows[clientKey]; ok {
		c.mu.Unlock()
		_ = conn.Close()
		existing.touch()
		return existing, false, nil
	}
	c.flows[clientKey] = f
	c.mu.Unlock()
	return f, true, nil
}

func (c *udpFlowCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flows)
}

func (c *udpFlowCache) sweepLoop() {
	defer close(c.done)
	t := time.NewTicker(c.idleTimeout / 2)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-t.C:
			c.sweep(now)
		}
	}
}

// sweep evicts flows idle past idleTimeout. Expiry closes the flow's
// local socket only, never the Session the flow was reached through.
func (c *udpFlowCache) sweep(now time.Time) {
	var expired []*udpFlow
	var expiredKeys []string
	c.mu.Lock()
	for key, f := range c.flows {
		if f.idleSince(now) > c.idleTimeout {
			expired = append(expired, f)
			expiredKeys = append(expiredKeys, key)
			delete(c.flows, key)
		}
	}
	c.mu.Unlock()

	for _, f := range expired {
		_ = f.conn.Close()
	}
	for _, key := range expiredKeys {
		if c.onExpire != nil {
			c.onExpire(key)
		}
	}
}

// Close tears down the sweep loop and every cached flow's socket.
func (c *udpFlowCache) Close() {
	close(c.stop)
	<-c.done
	c.mu.Lock()
	flows := c.flows
	c.flows = make(map[string]*udpFlow)
	c.mu.Unlock()
	for _, f := range flows {
		_ = f.conn.Close()
	}
}
