package relay

import (
	"errors"
	"log/slog"
	"net"
	"time"
)

const (
	// DefaultUDPBufSize is the per-datagram buffer size.
	DefaultUDPBufSize = 2048

	// DefaultUDPTimeout bounds the wait for the backend's reply.
	DefaultUDPTimeout = 5 * time.Second
)

// UDP relays request/response datagram exchanges for one service. Each
// inbound datagram gets its own ephemeral socket toward the backend; only
// the first reply is forwarded back to the originating peer.
type UDP struct {
	Service string
	Picker  Picker

	// BufSize overrides DefaultUDPBufSize when positive.
	BufSize int
	// Timeout overrides DefaultUDPTimeout when positive.
	Timeout time.Duration
}

func (u *UDP) bufSize() int {
	if u.BufSize > 0 {
		return u.BufSize
	}
	return DefaultUDPBufSize
}

func (u *UDP) timeout() time.Duration {
	if u.Timeout > 0 {
		return u.Timeout
	}
	return DefaultUDPTimeout
}

// Serve reads datagrams from conn until it closes. Per-datagram failures
// are logged and dropped; the socket stays up.
func (u *UDP) Serve(conn net.PacketConn) error {
	slog.Info("udp relay listening", "addr", conn.LocalAddr(), "service", u.Service)
	buf := make([]byte, u.bufSize())
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go u.forward(conn, peer, data)
	}
}

// ListenAndServe binds addr and serves.
func (u *UDP) ListenAndServe(addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	return u.Serve(conn)
}

// forward sends one datagram to a picked backend over an ephemeral socket
// and relays the first reply back to peer.
func (u *UDP) forward(listener net.PacketConn, peer net.Addr, data []byte) {
	log := slog.With("service", u.Service, "peer", peer)

	backend, ok := u.Picker.PickOne(u.Service)
	if !ok {
		log.Warn("no backend available, dropping datagram")
		return
	}

	backendAddr, err := net.ResolveUDPAddr("udp", backend)
	if err != nil {
		log.Warn("bad backend address", "backend", backend, "err", err)
		return
	}

	eph, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		log.Warn("ephemeral socket bind failed", "err", err)
		return
	}
	defer eph.Close()

	if _, err := eph.WriteToUDP(data, backendAddr); err != nil {
		log.Warn("backend send failed", "backend", backend, "err", err)
		return
	}

	eph.SetReadDeadline(time.Now().Add(u.timeout()))
	buf := make([]byte, u.bufSize())
	n, _, err := eph.ReadFromUDP(buf)
	if err != nil {
		log.Warn("no reply from backend", "backend", backend, "err", err)
		return
	}

	if _, err := listener.WriteTo(buf[:n], peer); err != nil {
		log.Warn("reply to peer failed", "err", err)
	}
}
