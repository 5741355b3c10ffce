// Package gateway's controlplane.go implements the minimal HTTP/JSON
// surface of §6, using chi for its path-parameter routing
// (DELETE /ports/mapping/{local_port}).
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/relayfabric/tunnel/internal/ferrors"
	"go.uber.org/zap"
)

// ControlPlane serves the Gateway's administrative HTTP/JSON API.
type ControlPlane struct {
	log        *zap.Logger
	registry   *Registry
	dispatcher *Dispatcher
	configPath string

	getConfig func() Config
	setConfig func(Config) error
}

// NewControlPlane builds the router. getConfig/setConfig let the caller
// (Fabric) own the single source of truth for the live Config while the
// control plane only reads/writes through these hooks.
func NewControlPlane(log *zap.Logger, registry *Registry, dispatcher *Dispatcher, getConfig func() Config, setConfig func(Config) error) *ControlPlane {
	return &ControlPlane{log: log, registry: registry, dispatcher: dispatcher, getConfig: getConfig, setConfig: setConfig}
}

// Router returns the chi.Router to mount (directly, or under a prefix).
func (cp *ControlPlane) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/ports/available", cp.handleAvailable)
	r.Get("/ports/active", cp.handleActive)
	r.Post("/ports/allocate", cp.handleAllocate)
	r.Delete("/ports/mapping/{local_port}", cp.handleReleaseMapping)
	r.Get("/config", cp.handleGetConfig)
	r.Post("/config", cp.handlePostConfig)
	r.Get("/healthz", cp.handleHealthz)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type availablePort struct {
	Port   int    `json:"port"`
	Kind   string `json:"kind"`
	Source string `json:"source"`
}

func (cp *ControlPlane) handleAvailable(w http.ResponseWriter, r *http.Request) {
	specs := cp.registry.Specs()
	byPort := make(map[int]PortSpec)
	for _, s := range specs {
		if !s.Enabled {
			continue
		}
		for p := s.Low; p <= s.High; p++ {
			byPort[p] = s
		}
	}
	out := make([]availablePort, 0, len(cp.registry.ListAvailable()))
	for _, p := range cp.registry.ListAvailable() {
		spec := byPort[p]
		out = append(out, availablePort{Port: p, Kind: string(spec.Kind), Source: spec.ID})
	}
	writeJSON(w, http.StatusOK, out)
}

func (cp *ControlPlane) handleActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cp.dispatcher.Active())
}

type allocateRequest struct {
	LocalPort     int    `json:"local_port"`
	PreferredPort int    `json:"preferred_port,omitempty"`
	Protocol      string `json:"protocol"`
}

type allocateResponse struct {
	Success  bool   `json:"success"`
	Public   int    `json:"public_port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (cp *ControlPlane) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, allocateResponse{Success: false, Message: "invalid request body"})
		return
	}
	proto := Protocol(req.Protocol)
	if !proto.Valid() {
		writeJSON(w, http.StatusBadRequest, allocateResponse{Success: false, Message: "invalid protocol"})
		return
	}

	// Idempotent with respect to identical (local_port, preferred_port) if
	// the binding still exists (§6).
	if existing, ok := cp.dispatcher.mappings.ByLocal(req.LocalPort); ok {
		writeJSON(w, http.StatusOK, allocateResponse{Success: true, Public: existing.PublicPort, Protocol: string(existing.Protocol)})
		return
	}

	pb, err := cp.dispatcher.Allocate(req.LocalPort, req.PreferredPort, proto, "")
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, ferrors.ErrInvalidConfig) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, allocateResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, allocateResponse{Success: true, Public: pb.PublicPort, Protocol: string(pb.Protocol)})
}

func (cp *ControlPlane) handleReleaseMapping(w http.ResponseWriter, r *http.Request) {
	localPortStr := chi.URLParam(r, "local_port")
	localPort, err := strconv.Atoi(localPortStr)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	cp.dispatcher.Release(localPort)
	w.WriteHeader(http.StatusNoContent)
}

func (cp *ControlPlane) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cp.getConfig())
}

func (cp *ControlPlane) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var cfg Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return
	}
	if err := cfg.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	if err := cp.setConfig(cfg); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (cp *ControlPlane) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
