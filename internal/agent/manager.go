package agent

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/relayfabric/tunnel/internal/backoff"
	"github.com/relayfabric/tunnel/internal/ferrors"
	"github.com/relayfabric/tunnel/internal/metrics"
	"github.com/relayfabric/tunnel/internal/proto"
	"go.uber.org/zap"
)

// MappingManager maintains one Mapping end-to-end: requesting allocation
// from the Gateway's Control Plane, keeping its idle Session pool between
// Connection.MinIdle and Connection.MaxTotal, and handing every freshly
// dialed Session to the right forwarder once it starts carrying traffic.
// The backoff-driven reconnect loop generalizes "restart one process" to
// "maintain N idle Sessions toward one Gateway".
type MappingManager struct {
	gatewayAddr string
	client      *GatewayClient
	store       *Store
	log         *zap.Logger
	met         *metrics.Agent

	checkInterval time.Duration
	minIdle       int
	maxTotal      int

	mu        sync.Mutex
	mapping   Mapping
	idle      int // Sessions dialed but not yet carrying traffic
	total     int // all live Sessions toward the Gateway (idle + active)
	udpDialed int // count of Sessions dialed for the "both" udp-role reservation
	conns     map[net.Conn]struct{}

	stop chan struct{}
	done chan struct{}
}

// NewMappingManager builds a maintainer for one Mapping. m is a snapshot;
// call Reconfigure to push edits made through the Store while it runs.
func NewMappingManager(gatewayAddr string, client *GatewayClient, store *Store, m Mapping, checkInterval time.Duration, minIdle, maxTotal int, log *zap.Logger, met *metrics.Agent) *MappingManager {
	return &MappingManager{
		gatewayAddr:   gatewayAddr,
		client:        client,
		store:         store,
		mapping:       m,
		checkInterval: checkInterval,
		minIdle:       minIdle,
		maxTotal:      maxTotal,
		log:           log.With(zap.String("mapping", m.Name)),
		met:           met,
		conns:         make(map[net.Conn]struct{}),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Reconfigure swaps in an edited Mapping (name unchanged, everything else
// may differ). Takes effect on the maintainer's next tick.
func (mgr *MappingManager) Reconfigure(m Mapping) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.mapping = m
}

func (mgr *MappingManager) snapshot() Mapping {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.mapping
}

// Run drives the maintainer loop until ctx is cancelled or Stop is
// called. It blocks the calling goroutine; the caller should run it in
// its own goroutine per Mapping.
func (mgr *MappingManager) Run(ctx context.Context) {
	defer close(mgr.done)
	bo := backoff.New(backoff.Default)
	allocated := false

	for {
		m := mgr.snapshot()
		if !m.Enabled {
			// §4.6 step 5: a disabled Mapping holds neither Sessions nor a
			// public port binding. teardown is a no-op once both are
			// already clear, so this is safe to repeat every tick.
			mgr.teardown(ctx)
			if !mgr.sleep(ctx, mgr.checkInterval) {
				return
			}
			continue
		}

		if !allocated || m.AssignedPublicPort == 0 {
			if err := mgr.allocate(ctx, &m); err != nil {
				mgr.log.Warn("allocation failed, backing off", zap.Error(err))
				mgr.met.ReconnectsTotal.WithLabelValues(m.Name).Inc()
				if !mgr.sleep(ctx, bo.Next()) {
					return
				}
				continue
			}
			allocated = true
			bo.Reset()
		}

		mgr.maintainPool(ctx, m)

		if !mgr.sleep(ctx, mgr.checkInterval) {
			return
		}
	}
}

// Stop requests the maintainer loop exit and waits for it to finish. It
// leaves any live Sessions and the Gateway port binding untouched — for a
// Mapping that is merely being suspended along with the rest of the
// process, not disabled or removed. Use Close to tear those down too.
func (mgr *MappingManager) Stop() {
	select {
	case <-mgr.stop:
	default:
		close(mgr.stop)
	}
	<-mgr.done
}

// Close stops the maintainer loop, closes every Session it opened, and
// releases the Mapping's public port via the Gateway's Control Plane
// (§4.6 step 5). Use this when the Mapping itself is removed.
func (mgr *MappingManager) Close(ctx context.Context) {
	mgr.Stop()
	mgr.teardown(ctx)
}

// teardown closes every Session this manager currently owns and, if the
// Mapping still holds a public port, releases it via the Gateway's
// Control Plane. Safe to call repeatedly: once the port is released it
// clears AssignedPublicPort, making later calls a no-op.
func (mgr *MappingManager) teardown(ctx context.Context) {
	mgr.closeSessions()

	mgr.mu.Lock()
	port := mgr.mapping.AssignedPublicPort
	localPort := mgr.mapping.LocalPort
	id := mgr.mapping.ID
	mgr.mu.Unlock()
	if port == 0 {
		return
	}

	if err := mgr.client.Release(ctx, localPort); err != nil {
		mgr.log.Warn("release failed", zap.Error(err))
		return
	}

	mgr.mu.Lock()
	mgr.mapping.AssignedPublicPort = 0
	mgr.mu.Unlock()
	mgr.store.SetAssignedPublicPort(id, 0)
}

// closeSessions force-closes every Session dialed for this Mapping.
// Each Session's forwarder goroutine observes the resulting read error
// and exits on its own, decrementing idle/total as it unwinds.
func (mgr *MappingManager) closeSessions() {
	mgr.mu.Lock()
	conns := make([]net.Conn, 0, len(mgr.conns))
	for c := range mgr.conns {
		conns = append(conns, c)
	}
	mgr.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (mgr *MappingManager) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-mgr.stop:
		return false
	case <-t.C:
		return true
	}
}

// allocate performs §4.6 step 1: request a public port from the Gateway,
// preferring the Mapping's sticky AssignedPublicPort, else its
// PreferredPublicPort, and retrying once with no preference if the
// Gateway refuses that request. The granted port replaces the sticky
// field.
func (mgr *MappingManager) allocate(ctx context.Context, m *Mapping) error {
	preferred := m.PreferredPublicPort
	if m.AssignedPublicPort != 0 {
		preferred = m.AssignedPublicPort
	}

	public, err := mgr.client.Allocate(ctx, m.LocalPort, preferred, m.Protocol)
	if err != nil && errors.Is(err, ferrors.ErrNoPortAvailable) && preferred != 0 {
		// retry once with no preference, mirroring the Gateway's own
		// preferred-then-fallback allocation order (§4.2).
		public, err = mgr.client.Allocate(ctx, m.LocalPort, 0, m.Protocol)
	}
	if err != nil {
		return err
	}

	m.AssignedPublicPort = public
	mgr.mu.Lock()
	mgr.mapping.AssignedPublicPort = public
	mgr.mu.Unlock()
	mgr.store.SetAssignedPublicPort(m.ID, public)
	mgr.log.Info("mapping allocated", zap.Int("public_port", public))
	return nil
}

// maintainPool implements §4.6 steps 2-3: while the idle Session count is
// below minIdle and the total is below maxTotal, dial a new Session
// toward the Gateway and hand it to the forwarder appropriate for the
// Mapping's protocol and, for "both", the Agent's own udpDialed
// reservation counter (mirroring proto.UDPMultiplexTarget, see that
// constant's doc). A Session counts toward idle only until it starts
// carrying real traffic (runSession's onActive callback), at which point
// replenish dials its replacement immediately rather than waiting for
// this loop's next tick.
func (mgr *MappingManager) maintainPool(ctx context.Context, m Mapping) {
	for mgr.needsMore() {
		if !mgr.dialOne(m) {
			return
		}
	}
}

func (mgr *MappingManager) needsMore() bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.idle < mgr.minIdle && mgr.total < mgr.maxTotal
}

// dialOne dials a single Session toward the Gateway and spawns its
// forwarder. Returns false if the dial failed.
func (mgr *MappingManager) dialOne(m Mapping) bool {
	conn, err := dialSession(mgr.gatewayAddr, m.AssignedPublicPort)
	if err != nil {
		mgr.log.Warn("session dial failed", zap.Error(err))
		mgr.met.ReconnectsTotal.WithLabelValues(m.Name).Inc()
		return false
	}

	mgr.mu.Lock()
	mgr.idle++
	mgr.total++
	mgr.conns[conn] = struct{}{}
	role := mgr.roleForNextSessionLocked(m.Protocol)
	mgr.mu.Unlock()
	mgr.reportIdlePoolSize(m.Name)

	go mgr.runSession(conn, m, role)
	return true
}

// replenish opens one replacement Session if the idle floor or total
// ceiling allow it. Called from runSession's onActive hook, outside
// mgr.mu, so a Session transitioning idle->active can eagerly restore
// the floor instead of waiting for maintainPool's next tick.
func (mgr *MappingManager) replenish(m Mapping) {
	if mgr.needsMore() {
		mgr.dialOne(m)
	}
}

type sessionRole int

const (
	roleTCP sessionRole = iota
	roleUDP
)

// roleForNextSessionLocked decides how the Session just dialed will be
// used. Caller must hold mgr.mu.
func (mgr *MappingManager) roleForNextSessionLocked(p proto.Protocol) sessionRole {
	switch p {
	case proto.UDP:
		return roleUDP
	case proto.TCP:
		return roleTCP
	default: // both
		if mgr.udpDialed < proto.UDPMultiplexTarget {
			mgr.udpDialed++
			return roleUDP
		}
		return roleTCP
	}
}

func (mgr *MappingManager) reportIdlePoolSize(name string) {
	mgr.mu.Lock()
	idle := mgr.idle
	mgr.mu.Unlock()
	mgr.met.IdlePoolSize.WithLabelValues(name).Set(float64(idle))
}

// runSession owns one dialed Session end to end: it starts counted as
// idle, transitions to active the moment its forwarder reports real
// traffic (eagerly triggering a replacement, §4.6 step 2), and is
// forgotten on exit either way.
func (mgr *MappingManager) runSession(conn net.Conn, m Mapping, role sessionRole) {
	var becameActive bool
	onActive := func() {
		mgr.mu.Lock()
		if becameActive {
			mgr.mu.Unlock()
			return
		}
		becameActive = true
		mgr.idle--
		mgr.mu.Unlock()
		mgr.reportIdlePoolSize(m.Name)
		mgr.replenish(m)
	}

	defer func() {
		mgr.mu.Lock()
		if !becameActive {
			mgr.idle--
		}
		mgr.total--
		delete(mgr.conns, conn)
		mgr.mu.Unlock()
		mgr.reportIdlePoolSize(m.Name)
	}()

	switch role {
	case roleUDP:
		ForwardUDP(conn, m, mgr.log, mgr.met, onActive)
	default:
		ForwardTCP(conn, m, mgr.log, mgr.met, onActive)
	}
}
