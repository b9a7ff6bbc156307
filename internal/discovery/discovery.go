// Package discovery keeps the backend registry in sync with Consul.
//
// Only services carrying the gateway tag are mirrored. The syncer is an
// optional collaborator: it polls, registers instances that appeared and
// deregisters instances that vanished, and backs off on errors. The
// gateway never depends on Consul being reachable.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hashicorp/consul/api"

	"go.klb.dev/strait/internal/registry"
)

const (
	// Tag marks Consul services the gateway should mirror.
	Tag = "strait"

	// DefaultInterval is the poll cadence.
	DefaultInterval = 15 * time.Second

	maxBackoff = 2 * time.Minute
)

// protocolMeta is the Consul service-meta key naming the backend protocol;
// absent means http.
const protocolMeta = "strait-protocol"

// Syncer mirrors tagged Consul services into the registry.
type Syncer struct {
	client   *api.Client
	reg      *registry.Registry
	interval time.Duration

	// known tracks what this syncer itself registered, per service, so
	// deregistration only ever touches discovered entries — never the
	// statically configured ones.
	known map[string]map[string]struct{}
}

// New builds a Syncer polling the Consul agent at addr.
func New(addr string, reg *registry.Registry, interval time.Duration) (*Syncer, error) {
	cfg := api.DefaultConfig()
	cfg.Address = addr
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("discovery: consul client: %w", err)
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Syncer{
		client:   client,
		reg:      reg,
		interval: interval,
		known:    make(map[string]map[string]struct{}),
	}, nil
}

// Run polls until ctx is cancelled, doubling the delay after consecutive
// failures up to a cap.
func (s *Syncer) Run(ctx context.Context) {
	delay := s.interval
	for {
		if err := s.Sync(); err != nil {
			if delay < maxBackoff {
				delay = min(delay*2, maxBackoff)
			}
			slog.Warn("consul sync failed", "err", err, "retry_in", delay)
		} else {
			delay = s.interval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Sync performs one reconciliation pass.
func (s *Syncer) Sync() error {
	names, _, err := s.client.Catalog().Services(nil)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	for name, tags := range names {
		if !hasTag(tags) {
			continue
		}
		entries, _, err := s.client.Health().Service(name, Tag, true, nil)
		if err != nil {
			return fmt.Errorf("health %s: %w", name, err)
		}

		current := make(map[string]struct{}, len(entries))
		for _, e := range entries {
			current[backendURL(e)] = struct{}{}
		}
		s.reconcile(name, current)
	}

	// Services that disappeared from the catalog entirely.
	for name := range s.known {
		if tags, ok := names[name]; !ok || !hasTag(tags) {
			s.reconcile(name, nil)
		}
	}
	return nil
}

// reconcile diffs the discovered instance set for name against what this
// syncer previously registered.
func (s *Syncer) reconcile(name string, current map[string]struct{}) {
	prev := s.known[name]
	existing := s.reg.List(name)
	owned := make(map[string]struct{}, len(current))
	for url := range current {
		if _, ok := prev[url]; ok {
			owned[url] = struct{}{}
			continue
		}
		if slices.Contains(existing, url) {
			continue // already registered by someone else, e.g. static config
		}
		s.reg.Register(name, url)
		owned[url] = struct{}{}
	}
	for url := range prev {
		if _, ok := current[url]; !ok {
			s.reg.Deregister(name, url)
		}
	}
	if len(owned) == 0 {
		delete(s.known, name)
		return
	}
	s.known[name] = owned
}

// backendURL derives the registry URL for one Consul service entry. The
// service address wins over the node address when set.
func backendURL(e *api.ServiceEntry) string {
	host := e.Service.Address
	if host == "" {
		host = e.Node.Address
	}
	addr := fmt.Sprintf("%s:%d", host, e.Service.Port)

	switch e.Service.Meta[protocolMeta] {
	case "", "http", "grpc":
		return "http://" + addr
	case "https":
		return "https://" + addr
	default:
		// tcp/udp backends register bare addresses.
		return addr
	}
}

func hasTag(tags []string) bool {
	for _, t := range tags {
		if t == Tag {
			return true
		}
	}
	return false
}
