// Package registry implements the shared service directory.
// It is transport-agnostic: every listener surface resolves a service name
// to a concrete upstream through the same Registry, and external
// collaborators (config at startup, the discovery syncer at runtime) feed
// it via Register/Deregister.
package registry

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// ServiceEntry pairs a service name with one backend URL.
type ServiceEntry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Registry maps service names to ordered backend URL lists with a
// per-service round-robin cursor.
//
// The URL map is read-mostly and guarded by a RWMutex; cursors advance via
// atomic fetch-add so concurrent PickOne calls on the same service return
// consecutive indices without blocking each other. The cursor is reduced
// modulo the current list length on every pick, so deregistration can never
// surface a stale out-of-range index.
type Registry struct {
	mu       sync.RWMutex
	backends map[string][]string
	cursors  map[string]*atomic.Uint64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		backends: make(map[string][]string),
		cursors:  make(map[string]*atomic.Uint64),
	}
}

// Register appends url to the backend list for name. Duplicates are kept:
// registering the same URL twice doubles its round-robin weight.
func (r *Registry) Register(name, url string) {
	r.mu.Lock()
	r.backends[name] = append(r.backends[name], url)
	if _, ok := r.cursors[name]; !ok {
		r.cursors[name] = new(atomic.Uint64)
	}
	total := len(r.backends[name])
	r.mu.Unlock()

	slog.Info("backend registered", "service", name, "url", url, "total", total)
}

// Deregister removes every exact url match from the backend list for name.
// A subsequent PickOne never returns the removed URL.
func (r *Registry) Deregister(name, url string) {
	r.mu.Lock()
	list, ok := r.backends[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	kept := slices.DeleteFunc(slices.Clone(list), func(u string) bool { return u == url })
	r.backends[name] = kept
	total := len(kept)
	r.mu.Unlock()

	slog.Info("backend deregistered", "service", name, "url", url, "total", total)
}

// PickOne returns the next backend URL for name in round-robin order.
// It reports false when the service is unknown or has no backends; the
// cursor does not advance in that case.
func (r *Registry) PickOne(name string) (string, bool) {
	r.mu.RLock()
	list := r.backends[name]
	ctr := r.cursors[name]
	r.mu.RUnlock()

	if len(list) == 0 || ctr == nil {
		return "", false
	}
	n := ctr.Add(1) - 1
	return list[n%uint64(len(list))], true
}

// List returns a snapshot copy of the backend URLs for name, in
// registration order.
func (r *Registry) List(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.backends[name])
}

// Entries returns the backends for name as ServiceEntry values.
func (r *Registry) Entries(name string) []ServiceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceEntry, 0, len(r.backends[name]))
	for _, u := range r.backends[name] {
		out = append(out, ServiceEntry{Name: name, URL: u})
	}
	return out
}

// Services returns the sorted names of all services that currently have at
// least one backend.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for name, list := range r.backends {
		if len(list) > 0 {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}
