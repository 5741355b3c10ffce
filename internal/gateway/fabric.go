// Package gateway implements the public-facing half of the fabric: port
// allocation, the multi-protocol dispatcher, the Control Channel Acceptor,
// and the Control Plane HTTP/JSON API, all wired together by Fabric.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/relayfabric/tunnel/internal/metrics"
	"go.uber.org/zap"
)

// Fabric is the single owning value for gateway-side process state,
// replacing the "global singletons" DESIGN NOTES §9 flags: Registry,
// MappingTable, Dispatcher, Acceptor, and the live Config all live here
// and are passed to components explicitly instead of living at package
// scope.
type Fabric struct {
	log *zap.Logger
	met *metrics.Gateway

	mu         sync.RWMutex
	cfg        Config
	configPath string

	Registry   *Registry
	Mappings   *MappingTable
	Dispatcher *Dispatcher
	Acceptor   *Acceptor

	controlPlane *ControlPlane
	httpServer   *http.Server
}

// New constructs a Fabric from a loaded Config. It opens the data-plane
// Acceptor immediately since its bind failure is Fatal (§7); callers
// should exit nonzero if New returns an error.
func New(cfg Config, configPath string, log *zap.Logger) (*Fabric, error) {
	met := metrics.NewGateway()
	registry := NewRegistry(cfg.Server.DataPlanePort, cfg.Server.WebPort)
	registry.SetSpecs(cfg.ToPortSpecs())
	mappings := NewMappingTable()
	dispatcher := NewDispatcher(registry, mappings, log.Named("dispatcher"), met)

	acceptor, err := NewAcceptor(cfg.Server.DataPlanePort, dispatcher, log.Named("acceptor"), met)
	if err != nil {
		return nil, err
	}

	f := &Fabric{
		log:        log,
		met:        met,
		cfg:        cfg,
		configPath: configPath,
		Registry:   registry,
		Mappings:   mappings,
		Dispatcher: dispatcher,
		Acceptor:   acceptor,
	}
	f.controlPlane = NewControlPlane(log.Named("controlplane"), registry, dispatcher, f.getConfig, f.setConfig)
	return f, nil
}

func (f *Fabric) getConfig() Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cfg
}

func (f *Fabric) setConfig(cfg Config) error {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
	f.Registry.SetSpecs(cfg.ToPortSpecs())
	if f.configPath != "" {
		return cfg.Save(f.configPath)
	}
	return nil
}

// Metrics exposes the Prometheus collectors for wiring into the control
// plane router by cmd/gateway.
func (f *Fabric) Metrics() *metrics.Gateway { return f.met }

// ControlPlaneRouter returns the control plane's chi router.
func (f *Fabric) ControlPlaneRouter() http.Handler { return f.controlPlane.Router() }

// Run starts the data-plane acceptor and the control-plane HTTP server,
// blocking until ctx is cancelled, then drains for up to §6's 5s budget
// before returning.
func (f *Fabric) Run(ctx context.Context, webAddr string) error {
	acceptErrs := make(chan error, 1)
	go func() { acceptErrs <- f.Acceptor.Serve() }()

	mux := http.NewServeMux()
	mux.Handle("/", f.controlPlane.Router())
	mux.Handle("/metrics", f.met.Handler())
	f.httpServer = &http.Server{Addr: webAddr, Handler: mux}

	httpErrs := make(chan error, 1)
	go func() { httpErrs <- f.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		f.log.Info("gateway shutting down")
		return f.shutdown()
	case err := <-acceptErrs:
		// Losing the data-plane listener is Fatal per §7: the process
		// should exit, not limp along accepting no new Sessions.
		f.log.Error("data-plane acceptor failed, exiting", zap.Error(err))
		_ = f.shutdown()
		return err
	case err := <-httpErrs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (f *Fabric) shutdown() error {
	_ = f.Acceptor.Close()
	if f.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.httpServer.Shutdown(shutdownCtx)
	}
	return nil
}
