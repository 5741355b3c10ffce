package agent

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/relayfabric/tunnel/internal/ferrors"
)

// Store owns the Agent's persisted Mapping configuration — "the Agent's
// persisted JSON file" that §6 names as the authoritative source for CRUD
// plus start/stop of Mappings. Mapping ids are UUIDs (google/uuid):
// stable and persisted, unlike Session/PendingConn ids which must be
// monotone (see DESIGN.md).
type Store struct {
	mu   sync.Mutex
	path string
	cfg  Config
}

// NewStore loads (or defaults) the Agent's config at path.
func NewStore(path string) (*Store, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: *cfg}, nil
}

// Server returns the server section of the live config.
func (s *Store) Server() ServerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Server
}

// Connection returns the connection section of the live config.
func (s *Store) Connection() ConnectionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Connection
}

// All returns a snapshot of every configured Mapping.
func (s *Store) All() []Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Mapping, len(s.cfg.PortMappings))
	copy(out, s.cfg.PortMappings)
	return out
}

// Get returns the Mapping with the given id.
func (s *Store) Get(id string) (Mapping, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.cfg.PortMappings {
		if m.ID == id {
			return m, true
		}
	}
	return Mapping{}, false
}

// Create validates, assigns an id if absent, persists, and returns m.
func (s *Store) Create(m Mapping) (Mapping, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := m.Validate(); err != nil {
		return Mapping{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.cfg.PortMappings {
		if existing.ID == m.ID {
			return Mapping{}, fmt.Errorf("%w: mapping id %q already exists", ferrors.ErrInvalidConfig, m.ID)
		}
	}
	s.cfg.PortMappings = append(s.cfg.PortMappings, m)
	if err := s.persistLocked(); err != nil {
		return Mapping{}, err
	}
	return m, nil
}

// Update replaces the Mapping with id, preserving AssignedPublicPort
// unless the caller explicitly clears it with SetAssignedPublicPort
// (sticky per §3).
func (s *Store) Update(id string, m Mapping) (Mapping, error) {
	m.ID = id
	if err := m.Validate(); err != nil {
		return Mapping{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.cfg.PortMappings {
		if existing.ID == id {
			m.AssignedPublicPort = existing.AssignedPublicPort
			s.cfg.PortMappings[i] = m
			if err := s.persistLocked(); err != nil {
				return Mapping{}, err
			}
			return m, nil
		}
	}
	return Mapping{}, fmt.Errorf("%w: mapping id %q not found", ferrors.ErrInvalidConfig, id)
}

// SetAssignedPublicPort updates just the sticky assigned port field,
// called by the MappingManager after a (re)allocation (§4.6).
func (s *Store) SetAssignedPublicPort(id string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.cfg.PortMappings {
		if existing.ID == id {
			s.cfg.PortMappings[i].AssignedPublicPort = port
			_ = s.persistLocked()
			return
		}
	}
}

// SetEnabled flips a Mapping's Enabled flag (the start/stop operation
// §6's Agent-side mirror endpoints expose).
func (s *Store) SetEnabled(id string, enabled bool) (Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.cfg.PortMappings {
		if existing.ID == id {
			s.cfg.PortMappings[i].Enabled = enabled
			if err := s.persistLocked(); err != nil {
				return Mapping{}, err
			}
			return s.cfg.PortMappings[i], nil
		}
	}
	return Mapping{}, fmt.Errorf("%w: mapping id %q not found", ferrors.ErrInvalidConfig, id)
}

// Delete removes a Mapping.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.cfg.PortMappings {
		if existing.ID == id {
			s.cfg.PortMappings = append(s.cfg.PortMappings[:i], s.cfg.PortMappings[i+1:]...)
			return s.persistLocked()
		}
	}
	return fmt.Errorf("%w: mapping id %q not found", ferrors.ErrInvalidConfig, id)
}

// persistLocked writes the current config to disk. Caller must hold s.mu.
func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	return s.cfg.Save(s.path)
}
