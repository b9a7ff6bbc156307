// Package admin serves the plaintext introspection endpoints that share
// the gRPC port: the current registry contents and the advertised OIDC
// providers.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"go.klb.dev/strait/internal/config"
	"go.klb.dev/strait/internal/registry"
)

// Handler returns the admin HTTP mux.
func Handler(reg *registry.Registry, providers []config.OidcProvider) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /services", func(w http.ResponseWriter, _ *http.Request) {
		out := make(map[string][]registry.ServiceEntry)
		for _, name := range reg.Services() {
			out[name] = reg.Entries(name)
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("GET /providers", func(w http.ResponseWriter, _ *http.Request) {
		if providers == nil {
			providers = []config.OidcProvider{}
		}
		writeJSON(w, providers)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("admin response write failed", "err", err)
	}
}
