// Package config loads the gateway configuration from config.yaml.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Default listener ports for surfaces whose port is not configured.
const (
	DefaultGRPCPort = 50051
	DefaultTCPPort  = 9100
	DefaultUDPPort  = 9200
)

// Protocol is the transport a backend speaks.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolGRPC  Protocol = "grpc"
	ProtocolTCP   Protocol = "tcp"
	ProtocolUDP   Protocol = "udp"
)

func (p Protocol) valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolGRPC, ProtocolTCP, ProtocolUDP:
		return true
	}
	return false
}

// Backend declares one upstream endpoint.
type Backend struct {
	Name     string   `mapstructure:"name"`
	Protocol Protocol `mapstructure:"protocol"`
	Address  string   `mapstructure:"address"`
	Routes   []string `mapstructure:"routes"`

	// ListenPort binds a dedicated relay listener for tcp/udp backends.
	// When zero, the service uses the global tcp_port/udp_port default,
	// which only one service of the protocol can bind.
	ListenPort int `mapstructure:"listen_port"`
}

// OidcProvider is advertised via the admin surface; tokens are not
// validated against it.
type OidcProvider struct {
	Name      string `mapstructure:"name" json:"name"`
	IssuerURL string `mapstructure:"issuer_url" json:"issuer_url"`
	Audience  string `mapstructure:"audience" json:"audience"`
}

// Auth groups the advertised identity providers.
type Auth struct {
	OidcProviders []OidcProvider `mapstructure:"oidc_providers"`
}

// TLS points at the PEM material on disk.
type TLS struct {
	CertPath string `mapstructure:"cert_path"`
	KeyPath  string `mapstructure:"key_path"`
}

// Config is the full gateway configuration.
type Config struct {
	HTTPPort  int `mapstructure:"http_port"`
	HTTPSPort int `mapstructure:"https_port"`
	GRPCPort  int `mapstructure:"grpc_port"`
	TCPPort   int `mapstructure:"tcp_port"`
	UDPPort   int `mapstructure:"udp_port"`

	Auth     Auth      `mapstructure:"auth"`
	TLS      TLS       `mapstructure:"tls"`
	Backends []Backend `mapstructure:"backends"`

	BearerToken     string `mapstructure:"bearer_token"`
	RateLimitPerSec int    `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int    `mapstructure:"rate_limit_burst"`

	// Reserved for external collaborators.
	ConsulURL string `mapstructure:"consul_url"`
	TLSMode   string `mapstructure:"tls_mode"`
	TLSDomain string `mapstructure:"tls_domain"`
	TLSEmail  string `mapstructure:"tls_email"`
}

// HasTLS reports whether both PEM paths are configured.
func (c *Config) HasTLS() bool {
	return c.TLS.CertPath != "" && c.TLS.KeyPath != ""
}

// ByProtocol returns the configured backends speaking p, in declaration order.
func (c *Config) ByProtocol(p Protocol) []Backend {
	var out []Backend
	for _, b := range c.Backends {
		if b.Protocol == p {
			out = append(out, b)
		}
	}
	return out
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("STRAIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("grpc_port", DefaultGRPCPort)
	v.SetDefault("tcp_port", DefaultTCPPort)
	v.SetDefault("udp_port", DefaultUDPPort)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	// HTTPS rides one port above HTTP unless pinned.
	if cfg.HTTPSPort == 0 {
		cfg.HTTPSPort = cfg.HTTPPort + 1
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPPort == 0 {
		return fmt.Errorf("http_port is required")
	}
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d]: name is required", i)
		}
		if b.Address == "" {
			return fmt.Errorf("backends[%d] (%s): address is required", i, b.Name)
		}
		if !b.Protocol.valid() {
			return fmt.Errorf("backends[%d] (%s): unknown protocol %q", i, b.Name, b.Protocol)
		}
	}
	return nil
}
