package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/soheilhy/cmux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	echov1 "go.klb.dev/strait/gen/echo/v1"
	"go.klb.dev/strait/internal/admin"
	"go.klb.dev/strait/internal/config"
	"go.klb.dev/strait/internal/discovery"
	"go.klb.dev/strait/internal/grpcproxy"
	"go.klb.dev/strait/internal/httpproxy"
	"go.klb.dev/strait/internal/middleware"
	"go.klb.dev/strait/internal/registry"
	"go.klb.dev/strait/internal/relay"
	"go.klb.dev/strait/internal/tlsconf"
)

// keepalive timing constants.
const (
	kaTime    = 30 * time.Second
	kaTimeout = 10 * time.Second
	kaMinTime = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Starts every configured listener surface and keeps them alive for
the process lifetime. A failing listener is logged and does not bring
down its peers.

Surfaces
  HTTP      routes /<service>/<suffix> by first path segment
  HTTPS     same engine behind the TLS acceptor (ALPN h2, http/1.1)
  gRPC      one unary Echo method, upstream picked via the
            "service-name" metadata key; the same port answers plain
            HTTP requests on /services and /providers
  TCP/UDP   raw relays, one listener per configured tcp/udp service

Flags, environment variables, and config-file keys
  Flag                Env var                   Purpose
  ─────────────────────────────────────────────────────────────
  --config            STRAIT_CONFIG             gateway config file
  --log-level         STRAIT_LOG_LEVEL          debug|info|warn|error
  --log-format        STRAIT_LOG_FORMAT         auto|text|json

Listener ports, backends, TLS material, the bearer token, and rate
limits all come from the config file (default ./config.yaml).`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runServe(v) },
	}

	cmd.Flags().String("config", "config.yaml", "path to the gateway config file")
	addLoggingFlags(cmd)

	return cmd
}

func runServe(v *viper.Viper) error {
	setupLogging(v)

	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return err
	}

	slog.Info("strait starting",
		"version", Version,
		"http_port", cfg.HTTPPort,
		"https_port", cfg.HTTPSPort,
		"grpc_port", cfg.GRPCPort,
		"backends", len(cfg.Backends),
	)
	for _, p := range cfg.Auth.OidcProviders {
		slog.Info("oidc provider advertised", "name", p.Name, "issuer", p.IssuerURL)
	}

	// TLS material is loaded once and shared; broken material is fatal.
	var serverTLS *tls.Config
	if cfg.HasTLS() {
		serverTLS, err = tlsconf.Load(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			return err
		}
	} else {
		slog.Warn("no TLS material configured, https listener disabled")
	}

	reg := registry.New()
	registerBackends(reg, cfg)

	if cfg.ConsulURL != "" {
		syncer, err := discovery.New(cfg.ConsulURL, reg, discovery.DefaultInterval)
		if err != nil {
			return err
		}
		go syncer.Run(context.Background())
		slog.Info("consul discovery enabled", "addr", cfg.ConsulURL)
	}

	// One limiter and one proxy handler back both HTTP surfaces.
	limiter := middleware.NewLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst)
	if cfg.RateLimitPerSec <= 0 {
		limiter = nil
	}
	handler := middleware.Chain(cfg.BearerToken, limiter, httpproxy.New(reg))

	spawn := func(name string, run func() error) {
		go func() {
			if err := run(); err != nil {
				slog.Error("listener failed", "listener", name, "err", err)
			}
		}()
	}

	spawn("http", func() error {
		return httpproxy.ListenAndServe(fmt.Sprintf(":%d", cfg.HTTPPort), handler)
	})
	if serverTLS != nil {
		spawn("https", func() error {
			return httpproxy.ListenAndServeTLS(fmt.Sprintf(":%d", cfg.HTTPSPort), serverTLS, handler)
		})
	}
	spawn("grpc", func() error {
		return serveGRPC(fmt.Sprintf(":%d", cfg.GRPCPort), reg, cfg)
	})
	for _, svc := range relayServices(cfg, config.ProtocolTCP, cfg.TCPPort) {
		t := &relay.TCP{Service: svc.name, Picker: reg}
		spawn("tcp/"+svc.name, func() error {
			return t.ListenAndServe(fmt.Sprintf(":%d", svc.port))
		})
	}
	for _, svc := range relayServices(cfg, config.ProtocolUDP, cfg.UDPPort) {
		u := &relay.UDP{Service: svc.name, Picker: reg}
		spawn("udp/"+svc.name, func() error {
			return u.ListenAndServe(fmt.Sprintf(":%d", svc.port))
		})
	}

	select {} // listeners run for the process lifetime
}

// registerBackends seeds the registry from the static configuration: every
// backend under its declared name, plus the head segment of each declared
// route when it differs.
func registerBackends(reg *registry.Registry, cfg *config.Config) {
	for _, b := range cfg.Backends {
		url := backendURL(b)
		reg.Register(b.Name, url)
		for _, route := range b.Routes {
			head, _, _ := strings.Cut(strings.TrimPrefix(route, "/"), "/")
			if head != "" && head != b.Name {
				reg.Register(head, url)
			}
		}
	}
}

// backendURL normalises a configured address into the registry form:
// protocol-qualified for http/https/grpc, bare host:port for tcp/udp.
func backendURL(b config.Backend) string {
	switch b.Protocol {
	case config.ProtocolHTTP, config.ProtocolGRPC:
		if !strings.Contains(b.Address, "://") {
			return "http://" + b.Address
		}
	case config.ProtocolHTTPS:
		if !strings.Contains(b.Address, "://") {
			return "https://" + b.Address
		}
	}
	return b.Address
}

// relayService pairs a relay-bound service with its listener port.
type relayService struct {
	name string
	port int
}

// relayServices groups the tcp or udp backends by service name. The
// per-backend listen_port wins; a service without one takes the global
// default port, which only one such service can hold — the listeners start
// concurrently, and any other one fails to bind and is logged by the
// supervisor like any listener failure.
func relayServices(cfg *config.Config, proto config.Protocol, defaultPort int) []relayService {
	var out []relayService
	seen := make(map[string]bool)
	for _, b := range cfg.ByProtocol(proto) {
		if seen[b.Name] {
			continue
		}
		seen[b.Name] = true
		port := b.ListenPort
		if port == 0 {
			port = defaultPort
		}
		out = append(out, relayService{name: b.Name, port: port})
	}
	return out
}

// serveGRPC runs the gRPC proxy and the plaintext admin endpoints on one
// listener, split by cmux.
func serveGRPC(addr string, reg *registry.Registry, cfg *config.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	slog.Info("grpc gateway listening", "addr", ln.Addr())

	grpcSrv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    kaTime,
			Timeout: kaTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             kaMinTime,
			PermitWithoutStream: true,
		}),
	)
	echov1.RegisterEchoServer(grpcSrv, grpcproxy.New(reg))
	reflection.Register(grpcSrv)

	m := cmux.New(ln)
	grpcLn := m.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpLn := m.Match(cmux.Any())

	go grpcSrv.Serve(grpcLn) //nolint:errcheck
	httpSrv := &http.Server{Handler: admin.Handler(reg, cfg.Auth.OidcProviders)}
	go httpSrv.Serve(httpLn) //nolint:errcheck

	return m.Serve()
}
