//go:build unix

package posix

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"golang.org/x/sys/unix"

	"github.com/hostcap/hostcap/platform"
)

const defaultBacklog = 16

// socket wraps one descriptor. Every socket is switched to
// non-blocking at creation; the blocking calls of the contract
// (ConnectSocket, Poll) are layered on poll(2). The state mutex
// serializes flag changes; Poll and CloseSocket stay outside it so a
// parked poll cannot wedge shutdown.
type socket struct {
	fd     int
	domain platform.SocketDomain
	typ    platform.SocketType

	mu        sync.Mutex
	connected bool
	listening bool
}

func (s *socket) release() error {
	return unix.Close(s.fd)
}

func (p *Provider) CreateSocket(domain platform.SocketDomain, typ platform.SocketType, proto platform.Protocol) (platform.SocketHandle, error) {
	const op = "create_socket"
	if typ == platform.Stream && proto == platform.UDP {
		return 0, platform.NewError(platform.KindInvalidValue, op, errors.New("stream sockets require tcp"))
	}
	if typ == platform.Datagram && proto == platform.TCP {
		return 0, platform.NewError(platform.KindInvalidValue, op, errors.New("datagram sockets require udp"))
	}

	af := unix.AF_INET
	if domain == platform.IPv6 {
		af = unix.AF_INET6
	}
	st := unix.SOCK_STREAM
	pr := unix.IPPROTO_TCP
	if typ == platform.Datagram {
		st = unix.SOCK_DGRAM
		pr = unix.IPPROTO_UDP
	}

	fd, err := unix.Socket(af, st, pr)
	if err != nil {
		return 0, errnoError(op, "", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, errnoError(op, "", err)
	}

	p.mu.Lock()
	h := platform.SocketHandle(p.next())
	p.sockets[h] = &socket{fd: fd, domain: domain, typ: typ}
	p.mu.Unlock()

	p.log.Debug("created socket",
		zap.Uint64("handle", uint64(h)),
		zap.String("type", typ.String()),
		zap.String("proto", proto.String()))
	return h, nil
}

func (p *Provider) socket(op string, h platform.SocketHandle) (*socket, *platform.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sockets[h]
	if !ok {
		return nil, badHandle(op)
	}
	return s, nil
}

func (p *Provider) BindSocket(h platform.SocketHandle, addr netip.AddrPort) error {
	const op = "bind_socket"
	s, perr := p.socket(op, h)
	if perr != nil {
		return perr
	}
	sa, perr := toSockaddr(op, s.domain, addr)
	if perr != nil {
		return perr
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		return errnoError(op, addr.String(), err)
	}
	return nil
}

func (p *Provider) ListenSocket(h platform.SocketHandle, backlog int) error {
	const op = "listen_socket"
	s, perr := p.socket(op, h)
	if perr != nil {
		return perr
	}
	if s.typ != platform.Stream {
		return platform.NewError(platform.KindInvalidValue, op, errors.New("datagram sockets cannot listen"))
	}
	if backlog <= 0 {
		backlog = defaultBacklog
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := unix.Listen(s.fd, backlog); err != nil {
		return errnoError(op, "", err)
	}
	s.listening = true
	return nil
}

func (p *Provider) AcceptSocket(h platform.SocketHandle) (platform.SocketHandle, netip.AddrPort, error) {
	const op = "accept_socket"
	s, perr := p.socket(op, h)
	if perr != nil {
		return 0, netip.AddrPort{}, perr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.listening {
		return 0, netip.AddrPort{}, platform.NewError(platform.KindInvalidState, op, errors.New("socket not listening"))
	}

	nfd, sa, err := unix.Accept(s.fd)
	if err != nil {
		// A connection aborted before accept is the same as none
		// pending.
		if isWouldBlock(err) || errors.Is(err, unix.ECONNABORTED) {
			return 0, netip.AddrPort{}, nil
		}
		return 0, netip.AddrPort{}, errnoError(op, "", err)
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return 0, netip.AddrPort{}, errnoError(op, "", err)
	}

	p.mu.Lock()
	nh := platform.SocketHandle(p.next())
	p.sockets[nh] = &socket{fd: nfd, domain: s.domain, typ: platform.Stream, connected: true}
	p.mu.Unlock()
	return nh, fromSockaddr(sa), nil
}

func (p *Provider) ConnectSocket(h platform.SocketHandle, addr netip.AddrPort) error {
	const op = "connect_socket"
	s, perr := p.socket(op, h)
	if perr != nil {
		return perr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return platform.NewError(platform.KindInvalidState, op, errors.New("already connected"))
	}
	if s.listening {
		return platform.NewError(platform.KindInvalidState, op, errors.New("listening socket cannot connect"))
	}
	sa, perr := toSockaddr(op, s.domain, addr)
	if perr != nil {
		return perr
	}

	err := unix.Connect(s.fd, sa)
	if errors.Is(err, unix.EINPROGRESS) {
		err = awaitConnect(s.fd)
	}
	if err != nil {
		return errnoError(op, addr.String(), err)
	}
	s.connected = true
	return nil
}

// awaitConnect completes a non-blocking connect: wait for writability,
// then read the socket's resolved error.
func awaitConnect(fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		break
	}
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return syscall.Errno(soerr)
	}
	return nil
}

func (p *Provider) SendSocket(h platform.SocketHandle, data []byte) (int, error) {
	const op = "send_socket"
	s, perr := p.socket(op, h)
	if perr != nil {
		return 0, perr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, platform.NewError(platform.KindInvalidState, op, errors.New("socket not connected"))
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := unix.Write(s.fd, data)
	if err != nil {
		if isWouldBlock(err) {
			return 0, nil
		}
		return 0, errnoError(op, "", err)
	}
	return n, nil
}

func (p *Provider) ReceiveSocket(h platform.SocketHandle, buf []byte) (int, bool, error) {
	const op = "receive_socket"
	s, perr := p.socket(op, h)
	if perr != nil {
		return 0, false, perr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, false, platform.NewError(platform.KindInvalidState, op, errors.New("socket not connected"))
	}
	if len(buf) == 0 {
		return 0, false, nil
	}

	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if isWouldBlock(err) {
			return 0, false, nil
		}
		return 0, false, errnoError(op, "", err)
	}
	if n == 0 && s.typ == platform.Stream {
		return 0, true, nil
	}
	return n, false, nil
}

func (p *Provider) CloseSocket(h platform.SocketHandle) error {
	const op = "close_socket"

	p.mu.Lock()
	s, ok := p.sockets[h]
	if ok {
		delete(p.sockets, h)
	}
	p.mu.Unlock()

	if !ok {
		return badHandle(op)
	}
	if err := unix.Close(s.fd); err != nil {
		return errnoError(op, "", err)
	}
	return nil
}

func (p *Provider) ShutdownSocket(h platform.SocketHandle, how platform.ShutdownHow) error {
	const op = "shutdown_socket"
	s, perr := p.socket(op, h)
	if perr != nil {
		return perr
	}

	native := unix.SHUT_RDWR
	switch how {
	case platform.ShutRead:
		native = unix.SHUT_RD
	case platform.ShutWrite:
		native = unix.SHUT_WR
	}
	if err := unix.Shutdown(s.fd, native); err != nil {
		return errnoError(op, "", err)
	}
	return nil
}

// optLevel translates a portable option into its level and name.
func optLevel(op string, opt platform.SocketOption) (int, int, *platform.Error) {
	switch opt {
	case platform.OptReuseAddr:
		return unix.SOL_SOCKET, unix.SO_REUSEADDR, nil
	case platform.OptKeepAlive:
		return unix.SOL_SOCKET, unix.SO_KEEPALIVE, nil
	case platform.OptRecvBuffer:
		return unix.SOL_SOCKET, unix.SO_RCVBUF, nil
	case platform.OptSendBuffer:
		return unix.SOL_SOCKET, unix.SO_SNDBUF, nil
	case platform.OptNoDelay:
		return unix.IPPROTO_TCP, unix.TCP_NODELAY, nil
	case platform.OptBroadcast:
		return unix.SOL_SOCKET, unix.SO_BROADCAST, nil
	default:
		return 0, 0, platform.Errorf(platform.KindInvalidValue, op, "unknown option %d", opt)
	}
}

func (p *Provider) SetSocketOption(h platform.SocketHandle, opt platform.SocketOption, value int) error {
	const op = "set_socket_option"
	s, perr := p.socket(op, h)
	if perr != nil {
		return perr
	}
	level, name, perr := optLevel(op, opt)
	if perr != nil {
		return perr
	}
	if err := unix.SetsockoptInt(s.fd, level, name, value); err != nil {
		return errnoError(op, opt.String(), err)
	}
	return nil
}

func (p *Provider) GetSocketOption(h platform.SocketHandle, opt platform.SocketOption) (int, error) {
	const op = "get_socket_option"
	s, perr := p.socket(op, h)
	if perr != nil {
		return 0, perr
	}
	level, name, perr := optLevel(op, opt)
	if perr != nil {
		return 0, perr
	}
	v, err := unix.GetsockoptInt(s.fd, level, name)
	if err != nil {
		return 0, errnoError(op, opt.String(), err)
	}
	return v, nil
}

func (p *Provider) LocalEndpoint(h platform.SocketHandle) (netip.AddrPort, error) {
	const op = "local_endpoint"
	s, perr := p.socket(op, h)
	if perr != nil {
		return netip.AddrPort{}, perr
	}
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}, errnoError(op, "", err)
	}
	return fromSockaddr(sa), nil
}

func (p *Provider) RemoteEndpoint(h platform.SocketHandle) (netip.AddrPort, error) {
	const op = "remote_endpoint"
	s, perr := p.socket(op, h)
	if perr != nil {
		return netip.AddrPort{}, perr
	}
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return netip.AddrPort{}, errnoError(op, "", err)
	}
	return fromSockaddr(sa), nil
}

func (p *Provider) Poll(h platform.SocketHandle, events platform.PollEvents, timeout time.Duration) (platform.PollEvents, error) {
	const op = "poll"
	s, perr := p.socket(op, h)
	if perr != nil {
		return 0, perr
	}

	var want int16
	if events&platform.PollIn != 0 {
		want |= unix.POLLIN
	}
	if events&platform.PollOut != 0 {
		want |= unix.POLLOUT
	}
	if events&platform.PollErr != 0 {
		want |= unix.POLLERR
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		ms := -1
		switch {
		case timeout == platform.NoWait:
			ms = 0
		case timeout > 0:
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, nil
			}
			ms = int(remaining / time.Millisecond)
			if ms == 0 {
				ms = 1
			}
		}

		fds := []unix.PollFd{{Fd: int32(s.fd), Events: want}}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, errnoError(op, "", err)
		}
		if n == 0 {
			return 0, nil
		}

		var ready platform.PollEvents
		re := fds[0].Revents
		if re&unix.POLLIN != 0 {
			ready |= platform.PollIn
		}
		if re&unix.POLLOUT != 0 {
			ready |= platform.PollOut
		}
		if re&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			ready |= platform.PollErr
		}
		return ready, nil
	}
}

func (p *Provider) ResolveHostName(host string) ([]netip.Addr, error) {
	const op = "resolve_host_name"
	if host == "" {
		return nil, platform.NewError(platform.KindInvalidValue, op, errors.New("empty host name"))
	}

	addrs, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip", host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			switch {
			case dnsErr.IsNotFound:
				return nil, platform.NamedError(platform.KindNotFound, op, host, err)
			case dnsErr.IsTimeout:
				return nil, platform.NamedError(platform.KindTimeout, op, host, err)
			}
		}
		return nil, platform.NamedError(platform.KindUnknown, op, host, err)
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return addrs, nil
}

func toSockaddr(op string, domain platform.SocketDomain, addr netip.AddrPort) (unix.Sockaddr, *platform.Error) {
	if !addr.IsValid() {
		return nil, platform.NewError(platform.KindInvalidValue, op, errors.New("invalid address"))
	}
	is4 := addr.Addr().Is4() || addr.Addr().Is4In6()
	if domain == platform.IPv4 && !is4 {
		return nil, platform.Errorf(platform.KindInvalidValue, op, "ipv6 address %s on ipv4 socket", addr)
	}
	if domain == platform.IPv6 && is4 {
		return nil, platform.Errorf(platform.KindInvalidValue, op, "ipv4 address %s on ipv6 socket", addr)
	}
	if domain == platform.IPv4 {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().Unmap().As4()}, nil
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}, nil
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
