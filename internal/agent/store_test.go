package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relayfabric/tunnel/internal/proto"
	"github.com/stretchr/testify/require"
)

func newTempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.json")
	s, err := NewStore(path)
	require.NoError(t, err)
	return s, path
}

func TestStoreCreateAssignsIDAndPersists(t *testing.T) {
	s, path := newTempStore(t)
	m, err := s.Create(Mapping{Name: "ssh", LocalHost: "127.0.0.1", LocalPort: 22, Protocol: proto.TCP})
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)

	_, err = os.Stat(path)
	require.NoError(t, err)

	reloaded, err := NewStore(path)
	require.NoError(t, err)
	got, ok := reloaded.Get(m.ID)
	require.True(t, ok)
	require.Equal(t, "ssh", got.Name)
}

func TestStoreCreateDuplicateIDRejected(t *testing.T) {
	s, _ := newTempStore(t)
	m, err := s.Create(Mapping{ID: "fixed", Name: "a", LocalHost: "h", LocalPort: 1, Protocol: proto.TCP})
	require.NoError(t, err)

	_, err = s.Create(Mapping{ID: m.ID, Name: "b", LocalHost: "h", LocalPort: 2, Protocol: proto.TCP})
	require.Error(t, err)
}

func TestStoreUpdateUnknownIDRejected(t *testing.T) {
	s, _ := newTempStore(t)
	_, err := s.Update("nope", Mapping{Name: "x", LocalHost: "h", LocalPort: 1, Protocol: proto.TCP})
	require.Error(t, err)
}

func TestStoreSetAssignedPublicPortRoundTrips(t *testing.T) {
	s, _ := newTempStore(t)
	m, err := s.Create(Mapping{Name: "svc", LocalHost: "127.0.0.1", LocalPort: 80, Protocol: proto.TCP})
	require.NoError(t, err)

	s.SetAssignedPublicPort(m.ID, 25565)
	got, ok := s.Get(m.ID)
	require.True(t, ok)
	require.Equal(t, 25565, got.AssignedPublicPort)
}

func TestStoreSetEnabledToggles(t *testing.T) {
	s, _ := newTempStore(t)
	m, err := s.Create(Mapping{Name: "svc", LocalHost: "127.0.0.1", LocalPort: 80, Protocol: proto.TCP, Enabled: true})
	require.NoError(t, err)

	updated, err := s.SetEnabled(m.ID, false)
	require.NoError(t, err)
	require.False(t, updated.Enabled)
}

func TestStoreDeleteRemovesMapping(t *testing.T) {
	s, _ := newTempStore(t)
	m, err := s.Create(Mapping{Name: "svc", LocalHost: "127.0.0.1", LocalPort: 80, Protocol: proto.TCP})
	require.NoError(t, err)

	require.NoError(t, s.Delete(m.ID))
	_, ok := s.Get(m.ID)
	require.False(t, ok)

	require.Error(t, s.Delete(m.ID))
}

func TestStoreCreateValidatesMapping(t *testing.T) {
	s, _ := newTempStore(t)
	_, err := s.Create(Mapping{Name: "", LocalHost: "127.0.0.1", LocalPort: 80, Protocol: proto.TCP})
	require.Error(t, err)

	_, err = s.Create(Mapping{Name: "x", LocalHost: "127.0.0.1", LocalPort: 0, Protocol: proto.TCP})
	require.Error(t, err)

	_, err = s.Create(Mapping{Name: "x", LocalHost: "127.0.0.1", LocalPort: 80, Protocol: "bogus"})
	require.Error(t, err)
}

func TestNewStoreMissingFileUsesDefaults(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", s.Server().Host)
	require.Equal(t, 2, s.Connection().MinIdle)
	require.Empty(t, s.All())
}
