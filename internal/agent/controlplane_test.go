package agent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/relayfabric/tunnel/internal/proto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestControlPlane(t *testing.T) (*ControlPlane, *Store, []Mapping) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "agent.json"))
	require.NoError(t, err)
	var changed []Mapping
	cp := NewControlPlane(zap.NewNop(), store, func(m Mapping) { changed = append(changed, m) }, func(string) {})
	return cp, store, changed
}

func TestControlPlaneCreateListGet(t *testing.T) {
	cp, _, _ := newTestControlPlane(t)
	srv := httptest.NewServer(cp.Router())
	defer srv.Close()

	body, _ := json.Marshal(Mapping{Name: "svc", LocalHost: "127.0.0.1", LocalPort: 80, Protocol: proto.TCP})
	resp, err := http.Post(srv.URL+"/mappings", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created Mapping
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)

	listResp, err := http.Get(srv.URL + "/mappings")
	require.NoError(t, err)
	var list []Mapping
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list, 1)

	getResp, err := http.Get(srv.URL + "/mappings/" + created.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestControlPlaneStartSetsEnabled(t *testing.T) {
	cp, store, _ := newTestControlPlane(t)
	m, err := store.Create(Mapping{Name: "svc", LocalHost: "127.0.0.1", LocalPort: 80, Protocol: proto.TCP, Enabled: false})
	require.NoError(t, err)

	srv := httptest.NewServer(cp.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/mappings/"+m.ID+"/start", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, ok := store.Get(m.ID)
	require.True(t, ok)
	require.True(t, got.Enabled)
}

func TestControlPlaneDeleteUnknownReturnsNotFound(t *testing.T) {
	cp, _, _ := newTestControlPlane(t)
	srv := httptest.NewServer(cp.Router())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/mappings/nope", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestControlPlaneHealthz(t *testing.T) {
	cp, _, _ := newTestControlPlane(t)
	srv := httptest.NewServer(cp.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
