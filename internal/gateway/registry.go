package gateway

import (
	"sort"
	"sync"

	"github.com/relayfabric/tunnel/internal/ferrors"
)

// Registry computes the set of currently allocatable public ports and
// reserves one on request (§4.2). It knows nothing about listeners or
// Sessions; it is purely the set-arithmetic over configured PortSpecs
// minus what the MappingTable currently holds and minus ports the process
// has reserved for itself (its own control/data-plane ports).
type Registry struct {
	mu        sync.Mutex
	specs     map[string]PortSpec
	reserved  map[int]struct{} // process-reserved ports, e.g. data-plane port
	allocated map[int]struct{} // ports currently held by a PortBinding
}

// NewRegistry builds an empty Registry. reservedPorts are ports the
// Registry must never hand out (the Gateway's own web/data-plane ports).
func NewRegistry(reservedPorts ...int) *Registry {
	r := &Registry{
		specs:     make(map[string]PortSpec),
		reserved:  make(map[int]struct{}, len(reservedPorts)),
		allocated: make(map[int]struct{}),
	}
	for _, p := range reservedPorts {
		r.reserved[p] = struct{}{}
	}
	return r
}

// SetSpecs replaces the configured PortSpecs wholesale, e.g. after a
// POST /config. Specs are not validated here; callers must call
// PortSpec.Validate at edit time per §7.
func (r *Registry) SetSpecs(specs []PortSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = make(map[string]PortSpec, len(specs))
	for _, s := range specs {
		r.specs[s.ID] = s
	}
}

// Specs returns a snapshot of the configured PortSpecs.
func (r *Registry) Specs() []PortSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PortSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// listAvailableLocked enumerates every port covered by an enabled
// PortSpec, minus allocated and reserved ports. Caller must hold r.mu.
func (r *Registry) listAvailableLocked() []int {
	set := make(map[int]struct{})
	for _, s := range r.specs {
		if !s.Enabled {
			continue
		}
		for p := s.Low; p <= s.High; p++ {
			if _, taken := r.allocated[p]; taken {
				continue
			}
			if _, rsv := r.reserved[p]; rsv {
				continue
			}
			set[p] = struct{}{}
		}
	}
	out := make([]int, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// ListAvailable enumerates the currently allocatable ports, ascending.
func (r *Registry) ListAvailable() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listAvailableLocked()
}

// Allocate reserves a public port. If preferred is non-zero, available,
// and inside an enabled PortSpec, it is returned; otherwise the
// numerically smallest available port is returned. Returns
// ferrors.ErrNoPortAvailable when the available set is empty, or if a
// non-zero preferred port was requested but is unavailable and there is
// no fallback in the enabled set either — callers that only care about
// "was my preference honored" should compare the returned port.
func (r *Registry) Allocate(preferred int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	available := r.listAvailableLocked()
	if len(available) == 0 {
		return 0, ferrors.ErrNoPortAvailable
	}

	if preferred > 0 {
		for _, p := range available {
			if p == preferred {
				r.allocated[preferred] = struct{}{}
				return preferred, nil
			}
		}
		// preferred is unavailable (bound elsewhere, disabled, or out of
		// any spec); fall through to the deterministic ascending choice.
	}

	chosen := available[0]
	r.allocated[chosen] = struct{}{}
	return chosen, nil
}

// Release idempotently returns a port to the available pool.
func (r *Registry) Release(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.allocated, port)
}

// IsAllocated reports whether port is currently held.
func (r *Registry) IsAllocated(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.allocated[port]
	return ok
}
