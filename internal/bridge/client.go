package bridge

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hostcap/hostcap/internal/logging"
	"github.com/hostcap/hostcap/internal/resilience"
	"github.com/hostcap/hostcap/platform"
)

// Client speaks the bridge protocol to a remote daemon and satisfies
// the four capability contracts. Calls run one at a time per client;
// transport failures feed the circuit breaker, remote capability
// errors do not.
type Client struct {
	conn *websocket.Conn
	log  *logging.Logger

	breaker  *resilience.Breaker
	session  string
	platform platform.OS

	mu      sync.Mutex
	nextID  uint64
	closed  bool
	regions map[platform.MemoryHandle]*platform.MappedRegion
	shms    map[platform.ShmHandle]*platform.SharedRegion
}

var (
	_ platform.Memory  = (*Client)(nil)
	_ platform.IPC     = (*Client)(nil)
	_ platform.Network = (*Client)(nil)
	_ platform.Sync    = (*Client)(nil)
)

// Dial connects to a bridge endpoint and reads the welcome frame.
func Dial(url string, log *logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.Nop()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}

	_, buf, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	var w welcome
	if err := sonic.Unmarshal(buf, &w); err != nil || w.Type != welcomeType {
		conn.Close()
		return nil, errors.New("unexpected greeting from bridge")
	}

	c := &Client{
		conn:     conn,
		log:      log.Named("bridge-client"),
		session:  w.Session,
		platform: platform.ParseOS(w.Platform),
		regions:  make(map[platform.MemoryHandle]*platform.MappedRegion),
		shms:     make(map[platform.ShmHandle]*platform.SharedRegion),
	}
	c.breaker = resilience.New(resilience.Settings{
		Name:        "bridge",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.5)
		},
	})

	c.log.Info("connected",
		zap.String("session", c.session),
		zap.String("platform", w.Platform))
	return c, nil
}

// Session returns the id the daemon assigned this connection.
func (c *Client) Session() string { return c.session }

// Platform reports the daemon's provider platform.
func (c *Client) Platform() platform.OS { return c.platform }

// Close shuts the connection down. Handles still open on the daemon
// are disposed there when the session ends.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

func (c *Client) call(op string, a args) (result, error) {
	var resp response
	err := c.breaker.Do(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return errors.New("client closed")
		}
		c.nextID++
		id := c.nextID

		buf, err := sonic.Marshal(request{ID: id, Op: op, Args: a})
		if err != nil {
			return err
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
			return err
		}
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := sonic.Unmarshal(msg, &resp); err != nil {
			return err
		}
		if resp.ID != id {
			return fmt.Errorf("response id %d for request %d", resp.ID, id)
		}
		return nil
	})
	if err != nil {
		return result{}, platform.NewError(platform.KindBroken, op, err)
	}
	if !resp.OK {
		if resp.Error == nil {
			return result{}, platform.NewError(platform.KindUnknown, op, errors.New("malformed failure response"))
		}
		return result{}, resp.Error.platformError()
	}
	if resp.Result == nil {
		return result{}, nil
	}
	return *resp.Result, nil
}

func (c *Client) badHandle(op string) *platform.Error {
	return platform.NewError(platform.KindInvalidValue, op, errors.New("unknown or closed handle"))
}

func (c *Client) MapMemory(size int, mapping platform.MappingType, access platform.AccessType) (*platform.MappedRegion, error) {
	res, err := c.call(opMapMemory, args{Size: size, Mapping: uint8(mapping), Access: uint8(access)})
	if err != nil {
		return nil, err
	}
	region := &platform.MappedRegion{
		Handle: platform.MemoryHandle(res.Handle),
		Data:   make([]byte, res.Size),
	}
	c.mu.Lock()
	c.regions[region.Handle] = region
	c.mu.Unlock()
	return region, nil
}

func (c *Client) UnmapMemory(h platform.MemoryHandle) error {
	if _, err := c.call(opUnmap, args{Handle: uint64(h)}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.regions, h)
	c.mu.Unlock()
	return nil
}

func (c *Client) MapFile(path string, offset int64, length int, access platform.AccessType) (*platform.MappedRegion, error) {
	res, err := c.call(opMapFile, args{Path: path, Offset: offset, Length: length, Access: uint8(access)})
	if err != nil {
		return nil, err
	}
	data := res.Data
	if data == nil {
		data = make([]byte, res.Size)
	}
	region := &platform.MappedRegion{Handle: platform.MemoryHandle(res.Handle), Data: data}
	c.mu.Lock()
	c.regions[region.Handle] = region
	c.mu.Unlock()
	return region, nil
}

// FlushMappedFile sends the caller's view back to the daemon before
// asking it to flush.
func (c *Client) FlushMappedFile(h platform.MemoryHandle) error {
	c.mu.Lock()
	region, ok := c.regions[h]
	c.mu.Unlock()
	if !ok {
		return c.badHandle(opFlush)
	}
	_, err := c.call(opFlush, args{Handle: uint64(h), Data: region.Data})
	return err
}

func (c *Client) LockMemory(h platform.MemoryHandle) error {
	_, err := c.call(opLock, args{Handle: uint64(h)})
	return err
}

func (c *Client) UnlockMemory(h platform.MemoryHandle) error {
	_, err := c.call(opUnlock, args{Handle: uint64(h)})
	return err
}

func (c *Client) CreateNamedPipe(name string, dir platform.PipeDirection, mode platform.PipeMode, bufferSize int) (platform.PipeHandle, error) {
	res, err := c.call(opCreatePipe, args{Name: name, Direction: uint8(dir), Mode: uint8(mode), BufferSize: bufferSize})
	if err != nil {
		return 0, err
	}
	return platform.PipeHandle(res.Handle), nil
}

func (c *Client) ConnectNamedPipe(name string, dir platform.PipeDirection) (platform.PipeHandle, error) {
	res, err := c.call(opConnPipe, args{Name: name, Direction: uint8(dir)})
	if err != nil {
		return 0, err
	}
	return platform.PipeHandle(res.Handle), nil
}

func (c *Client) WaitForNamedPipeConnection(h platform.PipeHandle, timeout time.Duration) error {
	_, err := c.call(opWaitPipe, args{Handle: uint64(h), TimeoutNS: int64(timeout)})
	return err
}

func (c *Client) WriteNamedPipe(h platform.PipeHandle, p []byte) (int, error) {
	res, err := c.call(opWritePipe, args{Handle: uint64(h), Data: p})
	if err != nil {
		return 0, err
	}
	return res.N, nil
}

func (c *Client) ReadNamedPipe(h platform.PipeHandle, p []byte) (int, error) {
	res, err := c.call(opReadPipe, args{Handle: uint64(h), Capacity: len(p)})
	if err != nil {
		return 0, err
	}
	return copy(p, res.Data), nil
}

func (c *Client) CloseNamedPipe(h platform.PipeHandle) error {
	_, err := c.call(opClosePipe, args{Handle: uint64(h)})
	return err
}

func (c *Client) CreateSharedMemory(name string, size int, access platform.AccessType) (*platform.SharedRegion, error) {
	res, err := c.call(opCreateShm, args{Name: name, Size: size, Access: uint8(access)})
	if err != nil {
		return nil, err
	}
	region := &platform.SharedRegion{
		Handle: platform.ShmHandle(res.Handle),
		Name:   name,
		Data:   make([]byte, res.Size),
	}
	c.mu.Lock()
	c.shms[region.Handle] = region
	c.mu.Unlock()
	return region, nil
}

func (c *Client) OpenSharedMemory(name string, access platform.AccessType) (*platform.SharedRegion, error) {
	res, err := c.call(opOpenShm, args{Name: name, Access: uint8(access)})
	if err != nil {
		return nil, err
	}
	data := res.Data
	if data == nil {
		data = make([]byte, res.Size)
	}
	region := &platform.SharedRegion{Handle: platform.ShmHandle(res.Handle), Name: name, Data: data}
	c.mu.Lock()
	c.shms[region.Handle] = region
	c.mu.Unlock()
	return region, nil
}

// CloseSharedMemory pushes the caller's view so attaches that remain
// on the daemon observe the final content.
func (c *Client) CloseSharedMemory(h platform.ShmHandle) error {
	c.mu.Lock()
	region, ok := c.shms[h]
	c.mu.Unlock()
	if !ok {
		return c.badHandle(opCloseShm)
	}
	if _, err := c.call(opCloseShm, args{Handle: uint64(h), Data: region.Data}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.shms, h)
	c.mu.Unlock()
	return nil
}

func (c *Client) ResourceExists(name string, typ platform.ResourceType) (bool, error) {
	res, err := c.call(opExists, args{Name: name, Resource: uint8(typ)})
	if err != nil {
		return false, err
	}
	return res.Exists, nil
}

func (c *Client) CreateSocket(domain platform.SocketDomain, typ platform.SocketType, proto platform.Protocol) (platform.SocketHandle, error) {
	res, err := c.call(opCreateSocket, args{Domain: uint8(domain), Type: uint8(typ), Proto: uint8(proto)})
	if err != nil {
		return 0, err
	}
	return platform.SocketHandle(res.Handle), nil
}

func (c *Client) BindSocket(h platform.SocketHandle, addr netip.AddrPort) error {
	_, err := c.call(opBind, args{Handle: uint64(h), Addr: addr.String()})
	return err
}

func (c *Client) ListenSocket(h platform.SocketHandle, backlog int) error {
	_, err := c.call(opListen, args{Handle: uint64(h), Backlog: backlog})
	return err
}

func (c *Client) AcceptSocket(h platform.SocketHandle) (platform.SocketHandle, netip.AddrPort, error) {
	res, err := c.call(opAccept, args{Handle: uint64(h)})
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if res.Handle == 0 {
		return 0, netip.AddrPort{}, nil
	}
	addr, perr := netip.ParseAddrPort(res.Addr)
	if perr != nil {
		return 0, netip.AddrPort{}, platform.NewError(platform.KindUnknown, opAccept, perr)
	}
	return platform.SocketHandle(res.Handle), addr, nil
}

func (c *Client) ConnectSocket(h platform.SocketHandle, addr netip.AddrPort) error {
	_, err := c.call(opConnect, args{Handle: uint64(h), Addr: addr.String()})
	return err
}

func (c *Client) SendSocket(h platform.SocketHandle, p []byte) (int, error) {
	res, err := c.call(opSend, args{Handle: uint64(h), Data: p})
	if err != nil {
		return 0, err
	}
	return res.N, nil
}

func (c *Client) ReceiveSocket(h platform.SocketHandle, p []byte) (int, bool, error) {
	res, err := c.call(opReceive, args{Handle: uint64(h), Capacity: len(p)})
	if err != nil {
		return 0, false, err
	}
	return copy(p, res.Data), res.Closed, nil
}

func (c *Client) CloseSocket(h platform.SocketHandle) error {
	_, err := c.call(opCloseSocket, args{Handle: uint64(h)})
	return err
}

func (c *Client) ShutdownSocket(h platform.SocketHandle, how platform.ShutdownHow) error {
	_, err := c.call(opShutdown, args{Handle: uint64(h), How: uint8(how)})
	return err
}

func (c *Client) SetSocketOption(h platform.SocketHandle, opt platform.SocketOption, value int) error {
	_, err := c.call(opSetOption, args{Handle: uint64(h), Option: uint8(opt), Value: value})
	return err
}

func (c *Client) GetSocketOption(h platform.SocketHandle, opt platform.SocketOption) (int, error) {
	res, err := c.call(opGetOption, args{Handle: uint64(h), Option: uint8(opt)})
	if err != nil {
		return 0, err
	}
	return res.Value, nil
}

func (c *Client) LocalEndpoint(h platform.SocketHandle) (netip.AddrPort, error) {
	res, err := c.call(opLocalEnd, args{Handle: uint64(h)})
	if err != nil {
		return netip.AddrPort{}, err
	}
	addr, perr := netip.ParseAddrPort(res.Addr)
	if perr != nil {
		return netip.AddrPort{}, platform.NewError(platform.KindUnknown, opLocalEnd, perr)
	}
	return addr, nil
}

func (c *Client) RemoteEndpoint(h platform.SocketHandle) (netip.AddrPort, error) {
	res, err := c.call(opRemoteEnd, args{Handle: uint64(h)})
	if err != nil {
		return netip.AddrPort{}, err
	}
	addr, perr := netip.ParseAddrPort(res.Addr)
	if perr != nil {
		return netip.AddrPort{}, platform.NewError(platform.KindUnknown, opRemoteEnd, perr)
	}
	return addr, nil
}

func (c *Client) Poll(h platform.SocketHandle, events platform.PollEvents, timeout time.Duration) (platform.PollEvents, error) {
	res, err := c.call(opPoll, args{Handle: uint64(h), Events: uint8(events), TimeoutNS: int64(timeout)})
	if err != nil {
		return 0, err
	}
	return platform.PollEvents(res.Events), nil
}

func (c *Client) ResolveHostName(host string) ([]netip.Addr, error) {
	res, err := c.call(opResolve, args{Host: host})
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(res.Addrs))
	for _, s := range res.Addrs {
		addr, perr := netip.ParseAddr(s)
		if perr != nil {
			return nil, platform.NewError(platform.KindUnknown, opResolve, perr)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func (c *Client) CreateMutex(name string) (platform.MutexHandle, error) {
	res, err := c.call(opCreateMutex, args{Name: name})
	if err != nil {
		return 0, err
	}
	return platform.MutexHandle(res.Handle), nil
}

func (c *Client) OpenMutex(name string) (platform.MutexHandle, error) {
	res, err := c.call(opOpenMutex, args{Name: name})
	if err != nil {
		return 0, err
	}
	return platform.MutexHandle(res.Handle), nil
}

func (c *Client) AcquireMutex(h platform.MutexHandle, timeout time.Duration) (bool, error) {
	res, err := c.call(opAcqMutex, args{Handle: uint64(h), TimeoutNS: int64(timeout)})
	if err != nil {
		return false, err
	}
	return res.Acquired, nil
}

func (c *Client) ReleaseMutex(h platform.MutexHandle) error {
	_, err := c.call(opRelMutex, args{Handle: uint64(h)})
	return err
}

func (c *Client) CloseMutex(h platform.MutexHandle) error {
	_, err := c.call(opCloseMutex, args{Handle: uint64(h)})
	return err
}

func (c *Client) CreateSemaphore(name string, initial, maximum int) (platform.SemHandle, error) {
	res, err := c.call(opCreateSem, args{Name: name, Initial: initial, Maximum: maximum})
	if err != nil {
		return 0, err
	}
	return platform.SemHandle(res.Handle), nil
}

func (c *Client) OpenSemaphore(name string) (platform.SemHandle, error) {
	res, err := c.call(opOpenSem, args{Name: name})
	if err != nil {
		return 0, err
	}
	return platform.SemHandle(res.Handle), nil
}

func (c *Client) AcquireSemaphore(h platform.SemHandle, timeout time.Duration) (bool, error) {
	res, err := c.call(opAcqSem, args{Handle: uint64(h), TimeoutNS: int64(timeout)})
	if err != nil {
		return false, err
	}
	return res.Acquired, nil
}

func (c *Client) ReleaseSemaphore(h platform.SemHandle, count int) (int, error) {
	res, err := c.call(opRelSem, args{Handle: uint64(h), Count: count})
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (c *Client) CloseSemaphore(h platform.SemHandle) error {
	_, err := c.call(opCloseSem, args{Handle: uint64(h)})
	return err
}
