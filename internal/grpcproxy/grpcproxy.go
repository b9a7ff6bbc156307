// Package grpcproxy implements the gRPC proxying surface: one unary Echo
// method whose upstream is selected per call by the "service-name" request
// metadata key. All incoming metadata, ASCII and binary, is forwarded to
// the upstream call, and the upstream status comes back to the caller
// untranslated.
package grpcproxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"unicode"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	echov1 "go.klb.dev/strait/gen/echo/v1"
)

// MetadataKey selects the upstream service for a call.
const MetadataKey = "service-name"

// Picker resolves a service name to one upstream URL.
type Picker interface {
	PickOne(name string) (string, bool)
}

// Service implements echov1.EchoServer by forwarding every call upstream.
type Service struct {
	echov1.UnimplementedEchoServer
	picker Picker

	// Upstream channels are cached per URL. grpc.NewClient is lazy, so a
	// cached entry costs nothing until the first call goes out on it.
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// New returns a Service picking upstreams from picker.
func New(picker Picker) *Service {
	return &Service{
		picker: picker,
		conns:  make(map[string]*grpc.ClientConn),
	}
}

// Echo implements the proxied unary method.
func (s *Service) Echo(ctx context.Context, req *echov1.EchoRequest) (*echov1.EchoResponse, error) {
	md, _ := metadata.FromIncomingContext(ctx)

	vals := md.Get(MetadataKey)
	if len(vals) == 0 {
		return nil, status.Error(codes.InvalidArgument, "Missing service-name header")
	}
	service := vals[0]
	if !isASCII(service) {
		return nil, status.Error(codes.InvalidArgument, "Invalid service-name header")
	}

	upstream, ok := s.picker.PickOne(service)
	if !ok {
		return nil, status.Error(codes.Unavailable, "No backend available")
	}

	conn, err := s.conn(upstream)
	if err != nil {
		slog.Warn("upstream channel failed", "service", service, "upstream", upstream, "err", err)
		return nil, status.Error(codes.Internal, err.Error())
	}

	// The whole incoming metadata set rides along, binary entries included.
	outCtx := metadata.NewOutgoingContext(ctx, md.Copy())

	resp, err := echov1.NewEchoClient(conn).Echo(outCtx, req)
	if err != nil {
		// Upstream status passes through as-is.
		return nil, err
	}
	return resp, nil
}

// conn returns the cached channel for upstream, dialling lazily.
func (s *Service) conn(upstream string) (*grpc.ClientConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conns[upstream]; ok {
		return c, nil
	}

	target, creds, err := dialTarget(upstream)
	if err != nil {
		return nil, err
	}
	c, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", upstream, err)
	}
	s.conns[upstream] = c
	return c, nil
}

// Close releases all cached upstream channels.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for upstream, c := range s.conns {
		c.Close()
		delete(s.conns, upstream)
	}
}

// dialTarget translates a backend URL into a gRPC dial target and matching
// transport credentials. Plain host:port is accepted as http.
func dialTarget(upstream string) (string, credentials.TransportCredentials, error) {
	if !strings.Contains(upstream, "://") {
		return upstream, insecure.NewCredentials(), nil
	}
	u, err := url.Parse(upstream)
	if err != nil {
		return "", nil, fmt.Errorf("upstream url %q: %w", upstream, err)
	}
	if u.Host == "" {
		return "", nil, fmt.Errorf("upstream url %q: missing host", upstream)
	}
	switch u.Scheme {
	case "http":
		return u.Host, insecure.NewCredentials(), nil
	case "https":
		return u.Host, credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}), nil
	default:
		return "", nil, fmt.Errorf("upstream url %q: unsupported scheme %q", upstream, u.Scheme)
	}
}

func isASCII(s string) bool {
	for _, c := range s {
		if c > unicode.MaxASCII {
			return false
		}
	}
	return true
}
