//go:build windows

package win

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"golang.org/x/sys/windows"

	"github.com/hostcap/hostcap/platform"
)

const defaultBacklog = 16

// Winsock constants x/sys/windows leaves out. The poll event bits are
// the WSAPoll ones, which differ from the POSIX values.
const (
	soError = 0x1007
	fionbio = 0x8004667e

	pollRDNorm = 0x0100
	pollRDBand = 0x0200
	pollWRNorm = 0x0010
	pollErr    = 0x0001
	pollHup    = 0x0002
	pollNval   = 0x0004
)

// wsaPollFD mirrors WSAPOLLFD.
type wsaPollFD struct {
	fd      windows.Handle
	events  int16
	revents int16
}

// socket wraps one winsock handle. Every socket is switched to
// non-blocking at creation; the blocking calls of the contract
// (ConnectSocket, Poll) are layered on WSAPoll. The state mutex
// serializes flag changes; Poll and CloseSocket stay outside it so a
// parked poll cannot wedge shutdown.
type socket struct {
	h      windows.Handle
	domain platform.SocketDomain
	typ    platform.SocketType

	mu        sync.Mutex
	connected bool
	listening bool
}

func (s *socket) release() error {
	return windows.Closesocket(s.h)
}

func setNonblock(h windows.Handle) error {
	flag := uint32(1)
	r1, _, e1 := procioctlsocket.Call(uintptr(h), fionbio, uintptr(unsafe.Pointer(&flag)))
	if r1 != 0 {
		return e1
	}
	return nil
}

func acceptConn(h windows.Handle, rsa *windows.RawSockaddrAny, rlen *int32) (windows.Handle, error) {
	r1, _, e1 := procaccept.Call(uintptr(h), uintptr(unsafe.Pointer(rsa)), uintptr(unsafe.Pointer(rlen)))
	if r1 == ^uintptr(0) {
		return 0, e1
	}
	return windows.Handle(r1), nil
}

func wsaPoll(fds []wsaPollFD, timeoutMillis int) (int, error) {
	r1, _, e1 := procWSAPoll.Call(uintptr(unsafe.Pointer(&fds[0])), uintptr(len(fds)), uintptr(timeoutMillis))
	if int32(r1) == -1 {
		return 0, e1
	}
	return int(int32(r1)), nil
}

func isWouldBlock(err error) bool {
	return err == windows.WSAEWOULDBLOCK
}

func (p *Provider) CreateSocket(domain platform.SocketDomain, typ platform.SocketType, proto platform.Protocol) (platform.SocketHandle, error) {
	const op = "create_socket"
	if typ == platform.Stream && proto == platform.UDP {
		return 0, platform.NewError(platform.KindInvalidValue, op, errors.New("stream sockets require tcp"))
	}
	if typ == platform.Datagram && proto == platform.TCP {
		return 0, platform.NewError(platform.KindInvalidValue, op, errors.New("datagram sockets require udp"))
	}

	af := int(windows.AF_INET)
	if domain == platform.IPv6 {
		af = windows.AF_INET6
	}
	st := int(windows.SOCK_STREAM)
	pr := int(windows.IPPROTO_TCP)
	if typ == platform.Datagram {
		st = windows.SOCK_DGRAM
		pr = windows.IPPROTO_UDP
	}

	fd, err := windows.Socket(af, st, pr)
	if err != nil {
		return 0, winError(op, "", err)
	}
	if err := setNonblock(fd); err != nil {
		windows.Closesocket(fd)
		return 0, winError(op, "", err)
	}

	p.mu.Lock()
	h := platform.SocketHandle(p.next())
	p.sockets[h] = &socket{h: fd, domain: domain, typ: typ}
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
	if err := windows.Bind(s.h, sa); err != nil {
		return winError(op, addr.String(), err)
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
	if err := windows.Listen(s.h, backlog); err != nil {
		return winError(op, "", err)
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

	var rsa windows.RawSockaddrAny
	rlen := int32(unsafe.Sizeof(rsa))
	nfd, err := acceptConn(s.h, &rsa, &rlen)
	if err != nil {
		// A connection aborted before accept is the same as none
		// pending.
		if isWouldBlock(err) || err == windows.WSAECONNABORTED {
			return 0, netip.AddrPort{}, nil
		}
		return 0, netip.AddrPort{}, winError(op, "", err)
	}
	// Accepted sockets inherit the non-blocking mode, but the contract
	// is worth more than the inheritance rule.
	if err := setNonblock(nfd); err != nil {
		windows.Closesocket(nfd)
		return 0, netip.AddrPort{}, winError(op, "", err)
	}
	sa, err := rsa.Sockaddr()
	if err != nil {
		windows.Closesocket(nfd)
		return 0, netip.AddrPort{}, winError(op, "", err)
	}

	p.mu.Lock()
	nh := platform.SocketHandle(p.next())
	p.sockets[nh] = &socket{h: nfd, domain: s.domain, typ: platform.Stream, connected: true}
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

	err := windows.Connect(s.h, sa)
	if err == windows.WSAEWOULDBLOCK {
		err = awaitConnect(s.h)
	}
	if err != nil {
		return winError(op, addr.String(), err)
	}
	s.connected = true
	return nil
}

// awaitConnect completes a non-blocking connect: wait for writability,
// then read the socket's resolved error.
func awaitConnect(h windows.Handle) error {
	fds := []wsaPollFD{{fd: h, events: pollWRNorm}}
	for {
		n, err := wsaPoll(fds, 1000)
		if err != nil {
			return err
		}
		if n > 0 {
			break
		}
	}
	soerr, err := windows.GetsockoptInt(h, windows.SOL_SOCKET, soError)
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

	buf := windows.WSABuf{Len: uint32(len(data)), Buf: &data[0]}
	var sent uint32
	err := windows.WSASend(s.h, &buf, 1, &sent, 0, nil, nil)
	if err != nil {
		if isWouldBlock(err) {
			return 0, nil
		}
		return 0, winError(op, "", err)
	}
	return int(sent), nil
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

	wbuf := windows.WSABuf{Len: uint32(len(buf)), Buf: &buf[0]}
	var recvd, flags uint32
	err := windows.WSARecv(s.h, &wbuf, 1, &recvd, &flags, nil, nil)
	if err != nil {
		if isWouldBlock(err) {
			return 0, false, nil
		}
		// An oversized datagram fills the buffer and drops the rest,
		// the same truncation posix recv does silently.
		if err == windows.WSAEMSGSIZE && s.typ == platform.Datagram {
			return len(buf), false, nil
		}
		return 0, false, winError(op, "", err)
	}
	if recvd == 0 && s.typ == platform.Stream {
		return 0, true, nil
	}
	return int(recvd), false, nil
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
	if err := windows.Closesocket(s.h); err != nil {
		return winError(op, "", err)
	}
	return nil
}

func (p *Provider) ShutdownSocket(h platform.SocketHandle, how platform.ShutdownHow) error {
	const op = "shutdown_socket"
	s, perr := p.socket(op, h)
	if perr != nil {
		return perr
	}

	native := windows.SHUT_RDWR
	switch how {
	case platform.ShutRead:
		native = windows.SHUT_RD
	case platform.ShutWrite:
		native = windows.SHUT_WR
	}
	if err := windows.Shutdown(s.h, native); err != nil {
		return winError(op, "", err)
	}
	return nil
}

// optLevel translates a portable option into its level and name.
func optLevel(op string, opt platform.SocketOption) (int, int, *platform.Error) {
	switch opt {
	case platform.OptReuseAddr:
		return windows.SOL_SOCKET, windows.SO_REUSEADDR, nil
	case platform.OptKeepAlive:
		return windows.SOL_SOCKET, windows.SO_KEEPALIVE, nil
	case platform.OptRecvBuffer:
		return windows.SOL_SOCKET, windows.SO_RCVBUF, nil
	case platform.OptSendBuffer:
		return windows.SOL_SOCKET, windows.SO_SNDBUF, nil
	case platform.OptNoDelay:
		return windows.IPPROTO_TCP, windows.TCP_NODELAY, nil
	case platform.OptBroadcast:
		return windows.SOL_SOCKET, windows.SO_BROADCAST, nil
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
	if err := windows.SetsockoptInt(s.h, level, name, value); err != nil {
		return winError(op, opt.String(), err)
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
	v, err := windows.GetsockoptInt(s.h, level, name)
	if err != nil {
		return 0, winError(op, opt.String(), err)
	}
	return v, nil
}

func (p *Provider) LocalEndpoint(h platform.SocketHandle) (netip.AddrPort, error) {
	const op = "local_endpoint"
	s, perr := p.socket(op, h)
	if perr != nil {
		return netip.AddrPort{}, perr
	}
	sa, err := windows.Getsockname(s.h)
	if err != nil {
		return netip.AddrPort{}, winError(op, "", err)
	}
	return fromSockaddr(sa), nil
}

func (p *Provider) RemoteEndpoint(h platform.SocketHandle) (netip.AddrPort, error) {
	const op = "remote_endpoint"
	s, perr := p.socket(op, h)
	if perr != nil {
		return netip.AddrPort{}, perr
	}
	sa, err := windows.Getpeername(s.h)
	if err != nil {
		return netip.AddrPort{}, winError(op, "", err)
	}
	return fromSockaddr(sa), nil
}

func (p *Provider) Poll(h platform.SocketHandle, events platform.PollEvents, timeout time.Duration) (platform.PollEvents, error) {
	const op = "poll"
	s, perr := p.socket(op, h)
	if perr != nil {
		return 0, perr
	}

	// Error conditions are always reported; winsock rejects them when
	// asked for explicitly.
	var want int16
	if events&platform.PollIn != 0 {
		want |= pollRDNorm | pollRDBand
	}
	if events&platform.PollOut != 0 {
		want |= pollWRNorm
	}

	ms := -1
	switch {
	case timeout == platform.NoWait:
		ms = 0
	case timeout > 0:
		ms = int(timeout / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
	}

	fds := []wsaPollFD{{fd: s.h, events: want}}
	n, err := wsaPoll(fds, ms)
	if err != nil {
		return 0, winError(op, "", err)
	}
	if n == 0 {
		return 0, nil
	}

	var ready platform.PollEvents
	re := fds[0].revents
	if re&(pollRDNorm|pollRDBand) != 0 {
		ready |= platform.PollIn
	}
	if re&pollWRNorm != 0 {
		ready |= platform.PollOut
	}
	if re&(pollErr|pollHup|pollNval) != 0 {
		ready |= platform.PollErr
	}
	return ready, nil
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

func toSockaddr(op string, domain platform.SocketDomain, addr netip.AddrPort) (windows.Sockaddr, *platform.Error) {
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
		return &windows.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().Unmap().As4()}, nil
	}
	return &windows.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}, nil
}

func fromSockaddr(sa windows.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *windows.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *windows.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
