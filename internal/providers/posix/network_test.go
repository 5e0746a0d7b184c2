//go:build unix

package posix

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostcap/hostcap/platform"
)

var loopback = netip.MustParseAddr("127.0.0.1")

// listenStream binds a fresh stream socket on an ephemeral loopback
// port and returns the handle with its bound address.
func listenStream(t *testing.T, p *Provider) (platform.SocketHandle, netip.AddrPort) {
	t.Helper()
	srv, err := p.CreateSocket(platform.IPv4, platform.Stream, platform.TCP)
	require.NoError(t, err)
	require.NoError(t, p.BindSocket(srv, netip.AddrPortFrom(loopback, 0)))
	require.NoError(t, p.ListenSocket(srv, 4))
	addr, err := p.LocalEndpoint(srv)
	require.NoError(t, err)
	require.NotZero(t, addr.Port())
	return srv, addr
}

func TestStreamLoopback(t *testing.T) {
	p := newProvider(t)

	srv, addr := listenStream(t, p)
	client, err := p.CreateSocket(platform.IPv4, platform.Stream, platform.TCP)
	require.NoError(t, err)
	require.NoError(t, p.ConnectSocket(client, addr))

	events, err := p.Poll(srv, platform.PollIn, time.Second)
	require.NoError(t, err)
	require.NotZero(t, events&platform.PollIn, "pending connection wakes the listener")

	conn, peer, err := p.AcceptSocket(srv)
	require.NoError(t, err)
	require.False(t, conn.IsZero())
	assert.Equal(t, loopback, peer.Addr())

	remote, err := p.RemoteEndpoint(client)
	require.NoError(t, err)
	assert.Equal(t, addr.Port(), remote.Port())

	n, err := p.SendSocket(client, []byte("over the wire"))
	require.NoError(t, err)
	assert.Equal(t, 13, n)

	_, err = p.Poll(conn, platform.PollIn, time.Second)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, closed, err := p.ReceiveSocket(conn, buf)
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Equal(t, []byte("over the wire"), buf[:n])

	require.NoError(t, p.CloseSocket(client))
	_, err = p.Poll(conn, platform.PollIn, time.Second)
	require.NoError(t, err)
	_, closed, err = p.ReceiveSocket(conn, buf)
	require.NoError(t, err)
	assert.True(t, closed, "orderly shutdown surfaces as closed, not as an error")
}

func TestAcceptWithNonePending(t *testing.T) {
	p := newProvider(t)

	srv, _ := listenStream(t, p)
	conn, peer, err := p.AcceptSocket(srv)
	require.NoError(t, err)
	assert.True(t, conn.IsZero())
	assert.False(t, peer.IsValid())
}

func TestDatagramRoundTrip(t *testing.T) {
	p := newProvider(t)

	mk := func() (platform.SocketHandle, netip.AddrPort) {
		h, err := p.CreateSocket(platform.IPv4, platform.Datagram, platform.UDP)
		require.NoError(t, err)
		require.NoError(t, p.BindSocket(h, netip.AddrPortFrom(loopback, 0)))
		addr, err := p.LocalEndpoint(h)
		require.NoError(t, err)
		return h, addr
	}
	a, aAddr := mk()
	b, bAddr := mk()
	require.NoError(t, p.ConnectSocket(a, bAddr))
	require.NoError(t, p.ConnectSocket(b, aAddr))

	_, err := p.SendSocket(a, []byte("datagram"))
	require.NoError(t, err)

	_, err = p.Poll(b, platform.PollIn, time.Second)
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, closed, err := p.ReceiveSocket(b, buf)
	require.NoError(t, err)
	assert.False(t, closed, "datagram sockets never report closed")
	assert.Equal(t, []byte("datagram"), buf[:n])
}

func TestSocketTypeProtocolMismatch(t *testing.T) {
	p := newProvider(t)

	_, err := p.CreateSocket(platform.IPv4, platform.Stream, platform.UDP)
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
	_, err = p.CreateSocket(platform.IPv4, platform.Datagram, platform.TCP)
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
}

func TestSocketStateErrors(t *testing.T) {
	p := newProvider(t)

	h, err := p.CreateSocket(platform.IPv4, platform.Stream, platform.TCP)
	require.NoError(t, err)

	_, err = p.SendSocket(h, []byte("x"))
	assert.Equal(t, platform.KindInvalidState, platform.ErrKind(err))
	_, _, err = p.ReceiveSocket(h, make([]byte, 4))
	assert.Equal(t, platform.KindInvalidState, platform.ErrKind(err))
	_, _, err = p.AcceptSocket(h)
	assert.Equal(t, platform.KindInvalidState, platform.ErrKind(err), "accept needs a listening socket")

	dgram, err := p.CreateSocket(platform.IPv4, platform.Datagram, platform.UDP)
	require.NoError(t, err)
	err = p.ListenSocket(dgram, 1)
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))

	err = p.BindSocket(h, netip.AddrPortFrom(netip.MustParseAddr("::1"), 0))
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err), "family mismatch")

	srv, addr := listenStream(t, p)
	err = p.ConnectSocket(srv, addr)
	assert.Equal(t, platform.KindInvalidState, platform.ErrKind(err), "listener cannot connect")

	client, err := p.CreateSocket(platform.IPv4, platform.Stream, platform.TCP)
	require.NoError(t, err)
	require.NoError(t, p.ConnectSocket(client, addr))
	err = p.ConnectSocket(client, addr)
	assert.Equal(t, platform.KindInvalidState, platform.ErrKind(err), "already connected")
}

func TestConnectRefused(t *testing.T) {
	p := newProvider(t)

	srv, addr := listenStream(t, p)
	require.NoError(t, p.CloseSocket(srv))

	client, err := p.CreateSocket(platform.IPv4, platform.Stream, platform.TCP)
	require.NoError(t, err)
	err = p.ConnectSocket(client, addr)
	assert.Equal(t, platform.KindBroken, platform.ErrKind(err))
}

func TestShutdownWriteHalf(t *testing.T) {
	p := newProvider(t)

	srv, addr := listenStream(t, p)
	client, err := p.CreateSocket(platform.IPv4, platform.Stream, platform.TCP)
	require.NoError(t, err)
	require.NoError(t, p.ConnectSocket(client, addr))

	_, err = p.Poll(srv, platform.PollIn, time.Second)
	require.NoError(t, err)
	conn, _, err := p.AcceptSocket(srv)
	require.NoError(t, err)
	require.False(t, conn.IsZero())

	require.NoError(t, p.ShutdownSocket(client, platform.ShutWrite))
	_, err = p.Poll(conn, platform.PollIn, time.Second)
	require.NoError(t, err)
	_, closed, err := p.ReceiveSocket(conn, make([]byte, 8))
	require.NoError(t, err)
	assert.True(t, closed)
}

func TestSocketOptions(t *testing.T) {
	p := newProvider(t)

	h, err := p.CreateSocket(platform.IPv4, platform.Stream, platform.TCP)
	require.NoError(t, err)

	require.NoError(t, p.SetSocketOption(h, platform.OptReuseAddr, 1))
	v, err := p.GetSocketOption(h, platform.OptReuseAddr)
	require.NoError(t, err)
	assert.NotZero(t, v)

	require.NoError(t, p.SetSocketOption(h, platform.OptNoDelay, 1))
	v, err = p.GetSocketOption(h, platform.OptNoDelay)
	require.NoError(t, err)
	assert.NotZero(t, v)

	// Kernels may round buffer sizes up, never below the request.
	require.NoError(t, p.SetSocketOption(h, platform.OptRecvBuffer, 8192))
	v, err = p.GetSocketOption(h, platform.OptRecvBuffer)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, 8192)

	err = p.SetSocketOption(h, platform.SocketOption(99), 1)
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
}

func TestPollTimeout(t *testing.T) {
	p := newProvider(t)

	srv, _ := listenStream(t, p)
	start := time.Now()
	events, err := p.Poll(srv, platform.PollIn, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, events)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	events, err = p.Poll(srv, platform.PollIn, platform.NoWait)
	require.NoError(t, err)
	assert.Zero(t, events)
}

func TestResolveHostName(t *testing.T) {
	p := newProvider(t)

	addrs, err := p.ResolveHostName("localhost")
	require.NoError(t, err)
	require.NotEmpty(t, addrs)
	for _, a := range addrs {
		assert.True(t, a.IsLoopback(), "resolved %s", a)
	}

	_, err = p.ResolveHostName("")
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
}

func TestSocketUnknownHandle(t *testing.T) {
	p := newProvider(t)

	_, err := p.SendSocket(platform.SocketHandle(77), []byte("x"))
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
	err = p.CloseSocket(platform.SocketHandle(77))
	assert.Equal(t, platform.KindInvalidValue, platform.ErrKind(err))
}
