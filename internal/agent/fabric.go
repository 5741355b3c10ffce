package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/relayfabric/tunnel/internal/metrics"
	"go.uber.org/zap"
)

// Fabric is the single owning value for agent-side process state: the
// Store of persisted Mapping configuration, the client toward the
// Gateway's control plane, and one MappingManager goroutine per Mapping
// (a disabled Mapping's manager holds no Sessions), replacing scattered
// globals the same way the Gateway's Fabric does for its own side.
type Fabric struct {
	log *zap.Logger
	met *metrics.Agent

	store  *Store
	client *GatewayClient

	mu       sync.Mutex
	managers map[string]*MappingManager // by mapping id

	controlPlane *ControlPlane
	httpServer   *http.Server
}

// New constructs a Fabric from a Store already loaded from the Agent's
// persisted JSON file.
func New(store *Store, log *zap.Logger) *Fabric {
	met := metrics.NewAgent()
	server := store.Server()
	client := NewGatewayClient(fmt.Sprintf("http://%s:%d", server.Host, server.WebPort))

	f := &Fabric{
		log:      log,
		met:      met,
		store:    store,
		client:   client,
		managers: make(map[string]*MappingManager),
	}
	f.controlPlane = NewControlPlane(log.Named("controlplane"), store, f.onMappingChanged, f.onMappingDeleted)
	return f
}

// Metrics exposes the Prometheus collectors for wiring into the control
// plane router by cmd/agent.
func (f *Fabric) Metrics() *metrics.Agent { return f.met }

// ControlPlaneRouter returns the control plane's chi router.
func (f *Fabric) ControlPlaneRouter() http.Handler { return f.controlPlane.Router() }

// Run starts one MappingManager per currently-known Mapping and the
// control-plane HTTP server, blocking until ctx is cancelled.
func (f *Fabric) Run(ctx context.Context, webAddr string) error {
	conn := f.store.Connection()
	gatewayAddr := f.gatewayDataPlaneAddr()

	for _, m := range f.store.All() {
		f.startManager(ctx, gatewayAddr, conn, m)
	}

	mux := http.NewServeMux()
	mux.Handle("/", f.controlPlane.Router())
	mux.Handle("/metrics", f.met.Handler())
	f.httpServer = &http.Server{Addr: webAddr, Handler: mux}

	httpErrs := make(chan error, 1)
	go func() { httpErrs <- f.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		f.log.Info("agent shutting down")
		return f.shutdown()
	case err := <-httpErrs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (f *Fabric) gatewayDataPlaneAddr() string {
	s := f.store.Server()
	return s.Host + ":" + strconv.Itoa(s.Port)
}

func (f *Fabric) startManager(ctx context.Context, gatewayAddr string, conn ConnectionConfig, m Mapping) {
	f.mu.Lock()
	if _, exists := f.managers[m.ID]; exists {
		f.mu.Unlock()
		return
	}
	mgr := NewMappingManager(gatewayAddr, f.client, f.store, m,
		time.Duration(conn.CheckIntervalMS)*time.Millisecond, conn.MinIdle, conn.MaxTotal, f.log, f.met)
	f.managers[m.ID] = mgr
	f.mu.Unlock()

	go mgr.Run(ctx)
}

// onMappingChanged is the Store's change hook (§6): a Create/Update/
// start/stop causes the corresponding MappingManager to pick up the new
// shape on its next tick, or to be (re)started if it didn't exist yet.
func (f *Fabric) onMappingChanged(m Mapping) {
	f.mu.Lock()
	mgr, exists := f.managers[m.ID]
	f.mu.Unlock()
	if exists {
		mgr.Reconfigure(m)
		return
	}
	f.startManager(context.Background(), f.gatewayDataPlaneAddr(), f.store.Connection(), m)
}

// onMappingDeleted forgets id's MappingManager and tears it down: closes
// its live Sessions and releases its public port via the Gateway's
// Control Plane (§4.6 step 5).
func (f *Fabric) onMappingDeleted(id string) {
	f.mu.Lock()
	mgr, exists := f.managers[id]
	delete(f.managers, id)
	f.mu.Unlock()
	if exists {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			mgr.Close(ctx)
		}()
	}
}

func (f *Fabric) shutdown() error {
	f.mu.Lock()
	managers := make([]*MappingManager, 0, len(f.managers))
	for _, mgr := range f.managers {
		managers = append(managers, mgr)
	}
	f.mu.Unlock()

	var wg sync.WaitGroup
	for _, mgr := range managers {
		wg.Add(1)
		go func(m *MappingManager) { defer wg.Done(); m.Stop() }(mgr)
	}
	wg.Wait()

	if f.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.httpServer.Shutdown(shutdownCtx)
	}
	return nil
}
