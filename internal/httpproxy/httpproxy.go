// Package httpproxy implements the HTTP/HTTPS routing engine.
//
// The first path segment selects the service; the registry picks the
// upstream; the request is rewritten and replayed against it through a
// shared client. Both listener surfaces run the same handler — the TLS one
// only differs by the acceptor in front, with ALPN offering h2 and
// http/1.1.
package httpproxy

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds the full upstream round-trip.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxBody caps the buffered request body at 1 MiB.
	DefaultMaxBody = 1 << 20
)

// Picker resolves a service name to one upstream URL.
type Picker interface {
	PickOne(name string) (string, bool)
}

// Proxy routes HTTP requests to registry-selected upstreams.
type Proxy struct {
	picker  Picker
	client  *http.Client
	maxBody int64
}

// Option tweaks a Proxy.
type Option func(*Proxy)

// WithTimeout overrides the upstream round-trip timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Proxy) { p.client.Timeout = d }
}

// WithMaxBody overrides the request body cap in bytes.
func WithMaxBody(n int64) Option {
	return func(p *Proxy) { p.maxBody = n }
}

// New returns a Proxy picking upstreams from picker. The upstream client
// and its connection pool are shared across both listener surfaces.
func New(picker Picker, opts ...Option) *Proxy {
	p := &Proxy{
		picker: picker,
		client: &http.Client{
			Timeout: DefaultTimeout,
			// The gateway forwards upstream redirects to the caller
			// instead of chasing them.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBody: DefaultMaxBody,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ServeHTTP implements the routing engine.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service, suffix := splitPath(r.URL.Path)
	if service == "" {
		http.Error(w, "No service specified", http.StatusNotFound)
		return
	}

	upstream, ok := p.picker.PickOne(service)
	if !ok {
		http.Error(w, "Service not found", http.StatusNotFound)
		return
	}

	target := strings.TrimRight(upstream, "/") + "/" + suffix
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, p.maxBody+1))
	if err != nil {
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}
	if int64(len(body)) > p.maxBody {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		slog.Warn("upstream url rejected", "service", service, "target", target, "err", err)
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}
	copyHeader(out.Header, r.Header)
	out.ContentLength = int64(len(body))

	resp, err := p.client.Do(out)
	if err != nil {
		slog.Warn("upstream request failed", "service", service, "upstream", upstream, "err", err)
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(clampStatus(resp.StatusCode))
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Debug("response copy aborted", "service", service, "err", err)
	}
}

// Serve runs the plain HTTP surface on ln with handler (the proxy wrapped
// in its middleware chain).
func Serve(ln net.Listener, handler http.Handler) error {
	slog.Info("http gateway listening", "addr", ln.Addr())
	srv := &http.Server{Handler: handler}
	return srv.Serve(ln)
}

// ServeTLS runs the HTTPS surface on ln behind tlsCfg. ALPN picks h2 or
// http/1.1; both end up at the same handler.
func ServeTLS(ln net.Listener, tlsCfg *tls.Config, handler http.Handler) error {
	slog.Info("https gateway listening", "addr", ln.Addr())
	srv := &http.Server{Handler: handler, TLSConfig: tlsCfg}
	return srv.ServeTLS(ln, "", "")
}

// ListenAndServe binds addr and runs the plain HTTP surface.
func ListenAndServe(addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpproxy: listen %s: %w", addr, err)
	}
	return Serve(ln, handler)
}

// ListenAndServeTLS binds addr and runs the HTTPS surface behind tlsCfg.
func ListenAndServeTLS(addr string, tlsCfg *tls.Config, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpproxy: listen %s: %w", addr, err)
	}
	return ServeTLS(ln, tlsCfg, handler)
}

// splitPath strips the leading slash and splits once: head is the service
// name, tail the suffix forwarded upstream.
func splitPath(path string) (service, suffix string) {
	trimmed := strings.TrimPrefix(path, "/")
	service, suffix, _ = strings.Cut(trimmed, "/")
	return service, suffix
}

// clampStatus maps out-of-range upstream status codes to 500.
func clampStatus(code int) int {
	if code < 100 || code > 599 {
		return http.StatusInternalServerError
	}
	return code
}

func copyHeader(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}
