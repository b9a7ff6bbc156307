// Package tlsconf loads the gateway's server-side TLS material from PEM
// files on disk.
//
// The certificate file may contain a full chain; every CERTIFICATE block is
// kept in file order (leaf first). The key file may contain unrelated blocks
// too — the first block whose type ends in "PRIVATE KEY" is used, which
// covers "PRIVATE KEY" (PKCS#8), "RSA PRIVATE KEY" and "EC PRIVATE KEY".
//
// The resulting *tls.Config advertises ALPN ["h2", "http/1.1"] in that
// preference order and does not request client certificates. It is built
// once at startup and shared by every TLS listener.
package tlsconf

import (
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Sentinel errors, wrapped with file context by Load.
var (
	ErrMalformedPEM  = errors.New("no PEM data found")
	ErrNoCertificate = errors.New("no CERTIFICATE block found")
	ErrNoPrivateKey  = errors.New("no private key block found")
	ErrKeyPair       = errors.New("certificate/key pair rejected")
)

// Load reads certPath and keyPath and builds the shared server TLS config.
func Load(certPath, keyPath string) (*tls.Config, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: read key: %w", err)
	}

	chain, err := certChain(certPEM)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: %s: %w", certPath, err)
	}
	key, err := privateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: %s: %w", keyPath, err)
	}

	// Let crypto/tls validate that the key matches the leaf certificate.
	cert, err := tls.X509KeyPair(chain, key)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: %s + %s: %w: %v", certPath, keyPath, ErrKeyPair, err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
		NextProtos:   []string{"h2", "http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// certChain re-encodes every CERTIFICATE block of data, preserving order.
func certChain(data []byte) ([]byte, error) {
	var out []byte
	found := false
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		found = true
		if block.Type != "CERTIFICATE" {
			continue
		}
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: block.Bytes})...)
	}
	if !found {
		return nil, ErrMalformedPEM
	}
	if len(out) == 0 {
		return nil, ErrNoCertificate
	}
	return out, nil
}

// privateKey re-encodes the first *PRIVATE KEY block of data.
func privateKey(data []byte) ([]byte, error) {
	found := false
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		found = true
		if strings.HasSuffix(block.Type, "PRIVATE KEY") {
			return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: block.Bytes}), nil
		}
	}
	if !found {
		return nil, ErrMalformedPEM
	}
	return nil, ErrNoPrivateKey
}
