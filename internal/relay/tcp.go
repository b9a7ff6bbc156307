// Package relay implements the raw byte-level proxy surfaces. Each relay
// listener is permanently bound to one service name; the registry picks a
// concrete upstream per connection (TCP) or per datagram (UDP).
package relay

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

const dialTimeout = 10 * time.Second

// Picker resolves a service name to one upstream address.
type Picker interface {
	PickOne(name string) (string, bool)
}

// TCP relays whole connections for one service.
type TCP struct {
	Service string
	Picker  Picker
}

// Serve accepts connections on ln until the listener closes. Per-connection
// failures never stop the accept loop.
func (t *TCP) Serve(ln net.Listener) error {
	slog.Info("tcp relay listening", "addr", ln.Addr(), "service", t.Service)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go t.handle(conn)
	}
}

// ListenAndServe binds addr and serves.
func (t *TCP) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return t.Serve(ln)
}

func (t *TCP) handle(inbound net.Conn) {
	log := slog.With("service", t.Service, "peer", inbound.RemoteAddr())

	backend, ok := t.Picker.PickOne(t.Service)
	if !ok {
		log.Warn("no backend available, dropping connection")
		inbound.Close()
		return
	}

	outbound, err := net.DialTimeout("tcp", backend, dialTimeout)
	if err != nil {
		log.Warn("backend dial failed", "backend", backend, "err", err)
		inbound.Close()
		return
	}

	log.Debug("relaying", "backend", backend)
	splice(inbound, outbound)
}

// splice copies bytes in both directions until each side has finished.
// Half-close is honoured: when one direction hits EOF only the write side
// of its destination is shut down, so the opposite direction keeps flowing.
func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyAndCloseWrite(b, a)
	}()
	go func() {
		defer wg.Done()
		copyAndCloseWrite(a, b)
	}()
	wg.Wait()
	a.Close()
	b.Close()
}

func copyAndCloseWrite(dst, src net.Conn) {
	if _, err := io.Copy(dst, src); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Debug("relay copy ended", "err", err)
	}
	if tc, ok := dst.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
}
