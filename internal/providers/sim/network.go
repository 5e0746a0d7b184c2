package sim

import (
	"bytes"
	"errors"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/hostcap/hostcap/platform"
)

const defaultBacklog = 16

// socket models one loopback socket. Stream pairs share crossed
// receive buffers; datagram sockets resolve their target at send
// time, as real UDP does.
type socket struct {
	domain platform.SocketDomain
	typ    platform.SocketType
	proto  platform.Protocol

	bound     bool
	listening bool
	connected bool
	closed    bool

	local  netip.AddrPort
	remote netip.AddrPort

	stream bytes.Buffer
	dgrams [][]byte

	peer     *socket
	peerEOF  bool // orderly shutdown: drain buffer, then closed=true
	reset    bool // hard break: KindBroken
	readShut bool

	backlog    []*socket
	maxBacklog int

	opts map[platform.SocketOption]int
}

func (p *Provider) CreateSocket(domain platform.SocketDomain, typ platform.SocketType, proto platform.Protocol) (platform.SocketHandle, error) {
	const op = "create_socket"
	if typ == platform.Stream && proto == platform.UDP {
		return 0, platform.NewError(platform.KindInvalidValue, op, errors.New("stream sockets require tcp"))
	}
	if typ == platform.Datagram && proto == platform.TCP {
		return 0, platform.NewError(platform.KindInvalidValue, op, errors.New("datagram sockets require udp"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := &socket{
		domain: domain,
		typ:    typ,
		proto:  proto,
		opts: map[platform.SocketOption]int{
			platform.OptRecvBuffer: 1 << 16,
			platform.OptSendBuffer: 1 << 16,
		},
	}
	h := platform.SocketHandle(p.next())
	p.sockets[h] = s

	p.log.Debug("created socket",
		zap.Uint64("handle", uint64(h)),
		zap.String("type", typ.String()),
		zap.String("proto", proto.String()))
	return h, nil
}

func (p *Provider) BindSocket(h platform.SocketHandle, addr netip.AddrPort) error {
	const op = "bind_socket"

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sockets[h]
	if !ok {
		return badHandle(op)
	}
	if s.bound {
		return platform.NewError(platform.KindInvalidState, op, errors.New("already bound"))
	}
	if err := checkFamily(op, s.domain, addr); err != nil {
		return err
	}

	if addr.Port() == 0 {
		addr = p.ephemeralPort(addr.Addr())
	}
	if _, used := p.bound[addr]; used {
		return platform.Errorf(platform.KindResource, op, "address %s in use", addr)
	}

	s.local = addr
	s.bound = true
	p.bound[addr] = s
	return nil
}

func (p *Provider) ListenSocket(h platform.SocketHandle, backlog int) error {
	const op = "listen_socket"

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sockets[h]
	if !ok {
		return badHandle(op)
	}
	if s.typ != platform.Stream {
		return platform.NewError(platform.KindInvalidValue, op, errors.New("datagram sockets cannot listen"))
	}
	if !s.bound {
		return platform.NewError(platform.KindInvalidState, op, errors.New("socket not bound"))
	}
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	s.listening = true
	s.maxBacklog = backlog
	return nil
}

func (p *Provider) AcceptSocket(h platform.SocketHandle) (platform.SocketHandle, netip.AddrPort, error) {
	const op = "accept_socket"

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sockets[h]
	if !ok {
		return 0, netip.AddrPort{}, badHandle(op)
	}
	if !s.listening {
		return 0, netip.AddrPort{}, platform.NewError(platform.KindInvalidState, op, errors.New("socket not listening"))
	}
	if len(s.backlog) == 0 {
		return 0, netip.AddrPort{}, nil
	}

	accepted := s.backlog[0]
	s.backlog = s.backlog[1:]
	nh := platform.SocketHandle(p.next())
	p.sockets[nh] = accepted
	return nh, accepted.remote, nil
}

func (p *Provider) ConnectSocket(h platform.SocketHandle, addr netip.AddrPort) error {
	const op = "connect_socket"

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sockets[h]
	if !ok {
		return badHandle(op)
	}
	if s.connected {
		return platform.NewError(platform.KindInvalidState, op, errors.New("already connected"))
	}
	if s.listening {
		return platform.NewError(platform.KindInvalidState, op, errors.New("listening socket cannot connect"))
	}
	if err := checkFamily(op, s.domain, addr); err != nil {
		return err
	}

	if !s.bound {
		local := p.ephemeralPort(loopback(s.domain))
		s.local = local
		s.bound = true
		p.bound[local] = s
	}

	if s.typ == platform.Datagram {
		// Connected-UDP: fix the remote; delivery resolves per send.
		s.remote = addr
		s.connected = true
		return nil
	}

	listener := p.lookupBound(addr, platform.Stream)
	if listener == nil || !listener.listening {
		return platform.Errorf(platform.KindBroken, op, "connection refused: %s", addr)
	}
	if len(listener.backlog) >= listener.maxBacklog {
		return platform.Errorf(platform.KindBroken, op, "connection refused: %s backlog full", addr)
	}

	serverSide := &socket{
		domain:    s.domain,
		typ:       platform.Stream,
		proto:     platform.TCP,
		bound:     true,
		connected: true,
		local:     listener.local,
		remote:    s.local,
		peer:      s,
		opts: map[platform.SocketOption]int{
			platform.OptRecvBuffer: 1 << 16,
			platform.OptSendBuffer: 1 << 16,
		},
	}
	s.peer = serverSide
	s.remote = addr
	s.connected = true
	listener.backlog = append(listener.backlog, serverSide)
	return nil
}

func (p *Provider) SendSocket(h platform.SocketHandle, data []byte) (int, error) {
	const op = "send_socket"

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sockets[h]
	if !ok {
		return 0, badHandle(op)
	}
	if !s.connected {
		return 0, platform.NewError(platform.KindInvalidState, op, errors.New("socket not connected"))
	}
	if s.reset {
		return 0, platform.NewError(platform.KindBroken, op, errors.New("connection reset"))
	}

	if s.typ == platform.Datagram {
		if target := p.lookupBound(s.remote, platform.Datagram); target != nil {
			msg := make([]byte, len(data))
			copy(msg, data)
			target.dgrams = append(target.dgrams, msg)
		}
		// No receiver means the datagram is dropped, as UDP drops it.
		return len(data), nil
	}

	if s.peer == nil || s.peer.closed {
		return 0, platform.NewError(platform.KindBroken, op, errors.New("peer closed"))
	}
	s.peer.stream.Write(data)
	return len(data), nil
}

func (p *Provider) ReceiveSocket(h platform.SocketHandle, buf []byte) (int, bool, error) {
	const op = "receive_socket"

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sockets[h]
	if !ok {
		return 0, false, badHandle(op)
	}
	if !s.connected {
		return 0, false, platform.NewError(platform.KindInvalidState, op, errors.New("socket not connected"))
	}

	if s.typ == platform.Datagram {
		if len(s.dgrams) == 0 {
			return 0, false, nil
		}
		msg := s.dgrams[0]
		s.dgrams = s.dgrams[1:]
		return copy(buf, msg), false, nil
	}

	if s.stream.Len() > 0 {
		n, _ := s.stream.Read(buf)
		return n, false, nil
	}
	if s.reset {
		return 0, false, platform.NewError(platform.KindBroken, op, errors.New("connection reset"))
	}
	if s.peerEOF || s.readShut {
		return 0, true, nil
	}
	return 0, false, nil
}

func (p *Provider) CloseSocket(h platform.SocketHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sockets[h]
	if !ok {
		return badHandle("close_socket")
	}
	delete(p.sockets, h)
	s.closed = true

	if s.bound && p.bound[s.local] == s {
		delete(p.bound, s.local)
	}
	if s.peer != nil {
		// Close behaves as an orderly FIN toward the peer.
		s.peer.peerEOF = true
	}
	for _, pending := range s.backlog {
		if pending.peer != nil {
			pending.peer.reset = true
		}
	}
	s.backlog = nil
	return nil
}

func (p *Provider) ShutdownSocket(h platform.SocketHandle, how platform.ShutdownHow) error {
	const op = "shutdown_socket"

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sockets[h]
	if !ok {
		return badHandle(op)
	}
	if !s.connected {
		return platform.NewError(platform.KindInvalidState, op, errors.New("socket not connected"))
	}

	if how == platform.ShutWrite || how == platform.ShutBoth {
		if s.peer != nil {
			s.peer.peerEOF = true
		}
	}
	if how == platform.ShutRead || how == platform.ShutBoth {
		s.readShut = true
	}
	return nil
}

func (p *Provider) SetSocketOption(h platform.SocketHandle, opt platform.SocketOption, value int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sockets[h]
	if !ok {
		return badHandle("set_socket_option")
	}
	if opt > platform.OptBroadcast {
		return platform.Errorf(platform.KindInvalidValue, "set_socket_option", "unknown option %d", opt)
	}
	s.opts[opt] = value
	return nil
}

func (p *Provider) GetSocketOption(h platform.SocketHandle, opt platform.SocketOption) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sockets[h]
	if !ok {
		return 0, badHandle("get_socket_option")
	}
	if opt > platform.OptBroadcast {
		return 0, platform.Errorf(platform.KindInvalidValue, "get_socket_option", "unknown option %d", opt)
	}
	return s.opts[opt], nil
}

func (p *Provider) LocalEndpoint(h platform.SocketHandle) (netip.AddrPort, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sockets[h]
	if !ok {
		return netip.AddrPort{}, badHandle("local_endpoint")
	}
	if !s.bound {
		return netip.AddrPort{}, platform.NewError(platform.KindInvalidState, "local_endpoint", errors.New("socket not bound"))
	}
	return s.local, nil
}

func (p *Provider) RemoteEndpoint(h platform.SocketHandle) (netip.AddrPort, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sockets[h]
	if !ok {
		return netip.AddrPort{}, badHandle("remote_endpoint")
	}
	if !s.connected {
		return netip.AddrPort{}, platform.NewError(platform.KindInvalidState, "remote_endpoint", errors.New("socket not connected"))
	}
	return s.remote, nil
}

func (p *Provider) Poll(h platform.SocketHandle, events platform.PollEvents, timeout time.Duration) (platform.PollEvents, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sockets[h]
	if !ok {
		return 0, badHandle("poll")
	}

	ready := func() platform.PollEvents {
		var out platform.PollEvents
		if events&platform.PollIn != 0 {
			if s.stream.Len() > 0 || len(s.dgrams) > 0 || len(s.backlog) > 0 || s.peerEOF || s.reset {
				out |= platform.PollIn
			}
		}
		if events&platform.PollOut != 0 && s.connected && !s.reset {
			out |= platform.PollOut
		}
		if events&platform.PollErr != 0 && s.reset {
			out |= platform.PollErr
		}
		return out
	}

	p.waitUntil(timeout, func() bool { return ready() != 0 })
	return ready(), nil
}

func (p *Provider) ResolveHostName(host string) ([]netip.Addr, error) {
	const op = "resolve_host_name"
	if host == "" {
		return nil, platform.NewError(platform.KindInvalidValue, op, errors.New("empty host name"))
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	if host == "localhost" {
		return []netip.Addr{
			netip.AddrFrom4([4]byte{127, 0, 0, 1}),
			netip.IPv6Loopback(),
		}, nil
	}
	// The simulation resolves literals only; there is no resolver to
	// consult.
	return nil, platform.NamedError(platform.KindNotFound, op, host, errors.New("unknown host"))
}

// lookupBound finds the socket bound at addr, trying the exact
// address first and the wildcard address on the same port second.
func (p *Provider) lookupBound(addr netip.AddrPort, typ platform.SocketType) *socket {
	if s, ok := p.bound[addr]; ok && s.typ == typ {
		return s
	}
	wildcard := netip.IPv4Unspecified()
	if addr.Addr().Is6() && !addr.Addr().Is4In6() {
		wildcard = netip.IPv6Unspecified()
	}
	if s, ok := p.bound[netip.AddrPortFrom(wildcard, addr.Port())]; ok && s.typ == typ {
		return s
	}
	return nil
}

func loopback(domain platform.SocketDomain) netip.Addr {
	if domain == platform.IPv6 {
		return netip.IPv6Loopback()
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1})
}

func checkFamily(op string, domain platform.SocketDomain, addr netip.AddrPort) error {
	if !addr.IsValid() {
		return platform.NewError(platform.KindInvalidValue, op, errors.New("invalid address"))
	}
	is4 := addr.Addr().Is4() || addr.Addr().Is4In6()
	if domain == platform.IPv4 && !is4 {
		return platform.Errorf(platform.KindInvalidValue, op, "ipv6 address %s on ipv4 socket", addr)
	}
	if domain == platform.IPv6 && is4 {
		return platform.Errorf(platform.KindInvalidValue, op, "ipv4 address %s on ipv6 socket", addr)
	}
	return nil
}
