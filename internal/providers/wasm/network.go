//go:build js && wasm

package wasm

import (
	"errors"
	"net/netip"
	"sync"
	"syscall/js"
	"time"

	"go.uber.org/zap"

	"github.com/hostcap/hostcap/platform"
)

// Outbound stream sockets ride the host WebSocket object. The browser
// owns the handshake, the local endpoint, and every socket option, so
// only connect, send, receive, poll and close surface here. Datagram
// sockets have no host transport at all.

// sendHighWater caps the host's unsent backlog before writes report
// would-block.
const sendHighWater = 1 << 20

type wsState int

const (
	wsIdle wsState = iota
	wsConnecting
	wsOpen
	wsClosed
	wsFailed
)

type socket struct {
	domain platform.SocketDomain
	typ    platform.SocketType

	mu         sync.Mutex
	state      wsState
	remote     netip.AddrPort
	ws         js.Value
	frames     [][]byte
	closedSeen bool
	broken     bool
	funcs      []js.Func
}

func (s *socket) release() {
	s.mu.Lock()
	if s.state == wsConnecting || s.state == wsOpen {
		s.ws.Call("close")
	}
	s.state = wsClosed
	funcs := s.funcs
	s.funcs = nil
	s.mu.Unlock()

	for _, f := range funcs {
		f.Release()
	}
}

// readiness reports which of the requested events are ready now.
// Error conditions are always reported.
func (s *socket) readiness(events platform.PollEvents) platform.PollEvents {
	s.mu.Lock()
	defer s.mu.Unlock()

	var got platform.PollEvents
	if events&platform.PollIn != 0 && (len(s.frames) > 0 || s.closedSeen) {
		got |= platform.PollIn
	}
	if events&platform.PollOut != 0 && s.state == wsOpen && s.ws.Get("bufferedAmount").Int() < sendHighWater {
		got |= platform.PollOut
	}
	if s.broken || s.state == wsFailed {
		got |= platform.PollErr
	}
	return got
}

// newWebSocket wraps the constructor, which throws instead of
// returning an error when the page's origin policy forbids the target.
func newWebSocket(op, url string) (ws js.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = platform.Errorf(platform.KindAccess, op, "host rejected websocket to %s: %v", url, r)
		}
	}()
	return jsGlobal.Get("WebSocket").New(url), nil
}

func (p *Provider) CreateSocket(domain platform.SocketDomain, typ platform.SocketType, proto platform.Protocol) (platform.SocketHandle, error) {
	const op = "create_socket"

	switch typ {
	case platform.Stream:
		if proto != platform.TCP {
			return 0, platform.Errorf(platform.KindInvalidValue, op, "stream sockets require tcp")
		}
	case platform.Datagram:
		if proto != platform.UDP {
			return 0, platform.Errorf(platform.KindInvalidValue, op, "datagram sockets require udp")
		}
		return 0, platform.Unsupported(op, platform.Wasm)
	default:
		return 0, platform.Errorf(platform.KindInvalidValue, op, "unknown socket type %d", typ)
	}

	p.mu.Lock()
	h := platform.SocketHandle(p.next())
	p.sockets[h] = &socket{domain: domain, typ: typ}
	p.mu.Unlock()

	p.log.Debug("created socket", zap.Uint64("handle", uint64(h)))
	return h, nil
}

func (p *Provider) socket(op string, h platform.SocketHandle) (*socket, error) {
	p.mu.Lock()
	s, ok := p.sockets[h]
	p.mu.Unlock()
	if !ok {
		return nil, badHandle(op)
	}
	return s, nil
}

func (p *Provider) BindSocket(h platform.SocketHandle, addr netip.AddrPort) error {
	return platform.Unsupported("bind_socket", platform.Wasm)
}

func (p *Provider) ListenSocket(h platform.SocketHandle, backlog int) error {
	return platform.Unsupported("listen_socket", platform.Wasm)
}

func (p *Provider) AcceptSocket(h platform.SocketHandle) (platform.SocketHandle, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, platform.Unsupported("accept_socket", platform.Wasm)
}

func (p *Provider) ConnectSocket(h platform.SocketHandle, addr netip.AddrPort) error {
	const op = "connect_socket"

	s, err := p.socket(op, h)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != wsIdle {
		s.mu.Unlock()
		return platform.NewError(platform.KindInvalidState, op, errors.New("already connected"))
	}

	ws, err := newWebSocket(op, "ws://"+addr.String()+"/")
	if err != nil {
		s.mu.Unlock()
		return err
	}
	ws.Set("binaryType", "arraybuffer")

	onOpen := js.FuncOf(func(js.Value, []js.Value) any {
		s.mu.Lock()
		if s.state == wsConnecting {
			s.state = wsOpen
		}
		s.mu.Unlock()
		return nil
	})
	onMessage := js.FuncOf(func(_ js.Value, args []js.Value) any {
		data := args[0].Get("data")
		var frame []byte
		if data.Type() == js.TypeString {
			frame = []byte(data.String())
		} else {
			view := jsUint8Array.New(data)
			frame = make([]byte, view.Get("byteLength").Int())
			js.CopyBytesToGo(frame, view)
		}
		s.mu.Lock()
		s.frames = append(s.frames, frame)
		s.mu.Unlock()
		return nil
	})
	onError := js.FuncOf(func(js.Value, []js.Value) any {
		s.mu.Lock()
		s.broken = true
		s.mu.Unlock()
		return nil
	})
	onClose := js.FuncOf(func(js.Value, []js.Value) any {
		s.mu.Lock()
		s.closedSeen = true
		if s.state == wsConnecting {
			s.state = wsFailed
		} else if s.state == wsOpen {
			s.state = wsClosed
		}
		s.mu.Unlock()
		return nil
	})
	ws.Set("onopen", onOpen)
	ws.Set("onmessage", onMessage)
	ws.Set("onerror", onError)
	ws.Set("onclose", onClose)

	s.ws = ws
	s.remote = addr
	s.state = wsConnecting
	s.funcs = []js.Func{onOpen, onMessage, onError, onClose}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		state := s.state
		s.mu.Unlock()
		switch state {
		case wsOpen:
			p.log.Debug("socket connected", zap.String("remote", addr.String()))
			return nil
		case wsFailed, wsClosed:
			return platform.NewError(platform.KindBroken, op, errors.New("websocket handshake failed"))
		}
		time.Sleep(pollInterval)
	}
}

func (p *Provider) SendSocket(h platform.SocketHandle, buf []byte) (int, error) {
	const op = "send_socket"

	s, err := p.socket(op, h)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case wsIdle, wsConnecting:
		return 0, platform.NewError(platform.KindInvalidState, op, errors.New("socket not connected"))
	case wsClosed, wsFailed:
		return 0, platform.NewError(platform.KindBroken, op, errors.New("connection closed"))
	}
	if s.ws.Get("bufferedAmount").Int() >= sendHighWater {
		return 0, nil
	}

	view := jsUint8Array.New(len(buf))
	js.CopyBytesToJS(view, buf)
	s.ws.Call("send", view)
	return len(buf), nil
}

func (p *Provider) ReceiveSocket(h platform.SocketHandle, buf []byte) (int, bool, error) {
	const op = "receive_socket"

	s, err := p.socket(op, h)
	if err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == wsIdle || s.state == wsConnecting {
		return 0, false, platform.NewError(platform.KindInvalidState, op, errors.New("socket not connected"))
	}

	if len(s.frames) == 0 {
		if s.state == wsFailed || s.broken {
			return 0, false, platform.NewError(platform.KindBroken, op, errors.New("connection reset by host"))
		}
		if s.closedSeen {
			return 0, true, nil
		}
		return 0, false, nil
	}

	n := 0
	for n < len(buf) && len(s.frames) > 0 {
		c := copy(buf[n:], s.frames[0])
		n += c
		if c == len(s.frames[0]) {
			s.frames = s.frames[1:]
		} else {
			s.frames[0] = s.frames[0][c:]
		}
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
	s.release()
	return nil
}

func (p *Provider) ShutdownSocket(h platform.SocketHandle, how platform.ShutdownHow) error {
	const op = "shutdown_socket"
	if _, err := p.socket(op, h); err != nil {
		return err
	}
	return platform.Unsupported(op, platform.Wasm)
}

func (p *Provider) SetSocketOption(h platform.SocketHandle, opt platform.SocketOption, value int) error {
	const op = "set_socket_option"
	if _, err := p.socket(op, h); err != nil {
		return err
	}
	return platform.Unsupported(op, platform.Wasm)
}

func (p *Provider) GetSocketOption(h platform.SocketHandle, opt platform.SocketOption) (int, error) {
	const op = "get_socket_option"
	if _, err := p.socket(op, h); err != nil {
		return 0, err
	}
	return 0, platform.Unsupported(op, platform.Wasm)
}

func (p *Provider) LocalEndpoint(h platform.SocketHandle) (netip.AddrPort, error) {
	const op = "local_endpoint"
	if _, err := p.socket(op, h); err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPort{}, platform.Unsupported(op, platform.Wasm)
}

func (p *Provider) RemoteEndpoint(h platform.SocketHandle) (netip.AddrPort, error) {
	const op = "remote_endpoint"

	s, err := p.socket(op, h)
	if err != nil {
		return netip.AddrPort{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == wsIdle {
		return netip.AddrPort{}, platform.NewError(platform.KindInvalidState, op, errors.New("socket not connected"))
	}
	return s.remote, nil
}

func (p *Provider) Poll(h platform.SocketHandle, events platform.PollEvents, timeout time.Duration) (platform.PollEvents, error) {
	const op = "poll"

	s, err := p.socket(op, h)
	if err != nil {
		return 0, err
	}

	var got platform.PollEvents
	ok, err := waitUntil(timeout, func() (bool, error) {
		got = s.readiness(events)
		return got != 0, nil
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return got, nil
}

func (p *Provider) ResolveHostName(host string) ([]netip.Addr, error) {
	return nil, platform.Unsupported("resolve_host_name", platform.Wasm)
}
