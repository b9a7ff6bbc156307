package discovery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/strait/internal/registry"
)

// fakeConsul serves just enough of the Consul HTTP API for the syncer.
type fakeConsul struct {
	mu       sync.Mutex
	services map[string][]string      // name → tags
	health   map[string][]healthEntry // name → healthy instances
}

type healthEntry struct {
	Address string
	Port    int
	Meta    map[string]string
}

func (f *fakeConsul) set(name string, tags []string, entries []healthEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.services == nil {
		f.services = make(map[string][]string)
		f.health = make(map[string][]healthEntry)
	}
	f.services[name] = tags
	f.health[name] = entries
}

func (f *fakeConsul) remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.services, name)
	delete(f.health, name)
}

func (f *fakeConsul) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/catalog/services", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(f.services)
	})
	mux.HandleFunc("/v1/health/service/", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[len("/v1/health/service/"):]
		f.mu.Lock()
		defer f.mu.Unlock()
		out := make([]map[string]any, 0, len(f.health[name]))
		for _, e := range f.health[name] {
			out = append(out, map[string]any{
				"Node": map[string]any{"Node": "n1", "Address": "10.0.0.1"},
				"Service": map[string]any{
					"ID":      name,
					"Service": name,
					"Address": e.Address,
					"Port":    e.Port,
					"Meta":    e.Meta,
				},
			})
		}
		json.NewEncoder(w).Encode(out)
	})
	return mux
}

func newSyncer(t *testing.T, f *fakeConsul, reg *registry.Registry) *Syncer {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	s, err := New(srv.URL, reg, time.Second)
	require.NoError(t, err)
	return s
}

func TestSyncRegistersTaggedServices(t *testing.T) {
	f := &fakeConsul{}
	f.set("api", []string{Tag}, []healthEntry{
		{Address: "127.0.0.1", Port: 9000},
		{Address: "127.0.0.1", Port: 9001},
	})
	f.set("untagged", []string{"other"}, []healthEntry{{Address: "127.0.0.1", Port: 1}})

	reg := registry.New()
	s := newSyncer(t, f, reg)
	require.NoError(t, s.Sync())

	assert.ElementsMatch(t, []string{"http://127.0.0.1:9000", "http://127.0.0.1:9001"}, reg.List("api"))
	assert.Empty(t, reg.List("untagged"))
}

func TestSyncDeregistersVanishedInstances(t *testing.T) {
	f := &fakeConsul{}
	f.set("api", []string{Tag}, []healthEntry{
		{Address: "127.0.0.1", Port: 9000},
		{Address: "127.0.0.1", Port: 9001},
	})

	reg := registry.New()
	s := newSyncer(t, f, reg)
	require.NoError(t, s.Sync())
	require.Len(t, reg.List("api"), 2)

	f.set("api", []string{Tag}, []healthEntry{{Address: "127.0.0.1", Port: 9000}})
	require.NoError(t, s.Sync())
	assert.Equal(t, []string{"http://127.0.0.1:9000"}, reg.List("api"))

	f.remove("api")
	require.NoError(t, s.Sync())
	assert.Empty(t, reg.List("api"))
}

func TestSyncLeavesStaticEntriesAlone(t *testing.T) {
	f := &fakeConsul{}
	f.set("api", []string{Tag}, []healthEntry{{Address: "127.0.0.1", Port: 9000}})

	reg := registry.New()
	reg.Register("api", "http://static:1")

	s := newSyncer(t, f, reg)
	require.NoError(t, s.Sync())
	f.remove("api")
	require.NoError(t, s.Sync())

	assert.Equal(t, []string{"http://static:1"}, reg.List("api"), "static registration survives")
}

func TestSyncProtocolMeta(t *testing.T) {
	f := &fakeConsul{}
	f.set("tcpsvc", []string{Tag}, []healthEntry{
		{Address: "127.0.0.1", Port: 7000, Meta: map[string]string{"strait-protocol": "tcp"}},
	})
	f.set("secure", []string{Tag}, []healthEntry{
		{Address: "127.0.0.1", Port: 8443, Meta: map[string]string{"strait-protocol": "https"}},
	})

	reg := registry.New()
	s := newSyncer(t, f, reg)
	require.NoError(t, s.Sync())

	assert.Equal(t, []string{"127.0.0.1:7000"}, reg.List("tcpsvc"))
	assert.Equal(t, []string{"https://127.0.0.1:8443"}, reg.List("secure"))
}

func TestSyncNodeAddressFallback(t *testing.T) {
	f := &fakeConsul{}
	f.set("api", []string{Tag}, []healthEntry{{Address: "", Port: 9000}})

	reg := registry.New()
	s := newSyncer(t, f, reg)
	require.NoError(t, s.Sync())

	assert.Equal(t, []string{"http://10.0.0.1:9000"}, reg.List("api"))
}

func TestSyncUnreachableConsul(t *testing.T) {
	s, err := New("http://127.0.0.1:1", registry.New(), time.Second)
	require.NoError(t, err)
	assert.Error(t, s.Sync())
}
