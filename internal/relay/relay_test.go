package relay

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/strait/internal/registry"
)

// tcpEchoServer echoes everything it reads, then closes its write side.
func tcpEchoServer(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn)
				conn.(*net.TCPConn).CloseWrite()
			}()
		}
	}()
	return ln.Addr()
}

func TestTCPRelay(t *testing.T) {
	backend := tcpEchoServer(t)

	reg := registry.New()
	reg.Register("tcpsvc", backend.String())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	relay := &TCP{Service: "tcpsvc", Picker: reg}
	go relay.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	// Half-close: after we stop writing, the echo server's close must
	// propagate back as EOF.
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestTCPRelayNoBackend(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	relay := &TCP{Service: "ghost", Picker: registry.New()}
	go relay.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// The relay closes the inbound connection straight away.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)

	// The listener must survive the dropped connection.
	conn2, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn2.Close()
}

func TestTCPRelayBackendDialFailure(t *testing.T) {
	reg := registry.New()
	reg.Register("tcpsvc", "127.0.0.1:1")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	relay := &TCP{Service: "tcpsvc", Picker: reg}
	go relay.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "inbound closed after failed backend dial")
}

// udpReverseServer replies to each datagram with its bytes reversed.
func udpReverseServer(t *testing.T) net.Addr {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, peer, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			rev := make([]byte, n)
			for i := range n {
				rev[i] = buf[n-1-i]
			}
			conn.WriteTo(rev, peer)
		}
	}()
	return conn.LocalAddr()
}

func TestUDPRelay(t *testing.T) {
	backend := udpReverseServer(t)

	reg := registry.New()
	reg.Register("udpsvc", backend.String())

	lconn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lconn.Close() })

	relay := &UDP{Service: "udpsvc", Picker: reg, Timeout: 5 * time.Second}
	go relay.Serve(lconn)

	client, err := net.Dial("udp", lconn.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("abc"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "cba", string(buf[:n]))
}

func TestUDPRelayNoBackendDrops(t *testing.T) {
	lconn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lconn.Close() })

	relay := &UDP{Service: "ghost", Picker: registry.New()}
	go relay.Serve(lconn)

	client, err := net.Dial("udp", lconn.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("abc"))
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = client.Read(make([]byte, 16))
	assert.Error(t, err, "dropped datagram produces no reply")
}
