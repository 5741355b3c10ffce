// controlplane.go implements the Agent-side mirror endpoints of §6: CRUD
// plus start/stop per Mapping, backed by the Store's persisted JSON file
// as the authoritative source. Mirrors the Gateway's chi-based control
// plane shape (internal/gateway/controlplane.go) rather than introducing
// a second HTTP idiom.
package agent

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ControlPlane serves the Agent's administrative HTTP/JSON API.
type ControlPlane struct {
	log   *zap.Logger
	store *Store

	// onChange is invoked after any Create/Update/SetEnabled so the
	// Fabric can (re)start or reconfigure that Mapping's MappingManager;
	// onDelete is invoked after a Delete so the Fabric can tear it down.
	onChange func(Mapping)
	onDelete func(id string)
}

// NewControlPlane builds the router against store, notifying onChange and
// onDelete of mutations so the Fabric can keep its MappingManagers in sync.
func NewControlPlane(log *zap.Logger, store *Store, onChange func(Mapping), onDelete func(string)) *ControlPlane {
	return &ControlPlane{log: log, store: store, onChange: onChange, onDelete: onDelete}
}

// Router returns the chi.Router to mount.
func (cp *ControlPlane) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/mappings", cp.handleList)
	r.Post("/mappings", cp.handleCreate)
	r.Get("/mappings/{id}", cp.handleGet)
	r.Put("/mappings/{id}", cp.handleUpdate)
	r.Delete("/mappings/{id}", cp.handleDelete)
	r.Post("/mappings/{id}/start", cp.handleStart)
	r.Post("/mappings/{id}/stop", cp.handleStop)
	r.Get("/healthz", cp.handleHealthz)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (cp *ControlPlane) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cp.store.All())
}

func (cp *ControlPlane) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := cp.store.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (cp *ControlPlane) handleCreate(w http.ResponseWriter, r *http.Request) {
	var m Mapping
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return
	}
	created, err := cp.store.Create(m)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	if cp.onChange != nil {
		cp.onChange(created)
	}
	writeJSON(w, http.StatusCreated, created)
}

func (cp *ControlPlane) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var m Mapping
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return
	}
	updated, err := cp.store.Update(id, m)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	if cp.onChange != nil {
		cp.onChange(updated)
	}
	writeJSON(w, http.StatusOK, updated)
}

func (cp *ControlPlane) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := cp.store.Delete(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": err.Error()})
		return
	}
	if cp.onDelete != nil {
		cp.onDelete(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (cp *ControlPlane) handleStart(w http.ResponseWriter, r *http.Request) {
	cp.setEnabled(w, r, true)
}

func (cp *ControlPlane) handleStop(w http.ResponseWriter, r *http.Request) {
	cp.setEnabled(w, r, false)
}

func (cp *ControlPlane) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	m, err := cp.store.SetEnabled(id, enabled)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": err.Error()})
		return
	}
	if cp.onChange != nil {
		cp.onChange(m)
	}
	writeJSON(w, http.StatusOK, m)
}

func (cp *ControlPlane) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
