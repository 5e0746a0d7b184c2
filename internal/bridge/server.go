package bridge

import (
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hostcap/hostcap/internal/logging"
	"github.com/hostcap/hostcap/platform"
	"github.com/hostcap/hostcap/services"
)

// defaultReadLimit caps one inbound frame.
const defaultReadLimit = 16 << 20

// Observer receives named-resource lifecycle events. Created fires
// when a session brings a name into existence, Removed when a close
// retires it.
type Observer interface {
	ResourceCreated(typ platform.ResourceType, name string)
	ResourceRemoved(typ platform.ResourceType, name string)
}

// Config tunes a bridge Server.
type Config struct {
	// Allow lists doublestar patterns for named-resource names. Empty
	// permits every name.
	Allow []string

	// AllowPaths lists doublestar patterns for file-mapping paths,
	// matched with forward slashes. Empty denies file mappings.
	AllowPaths []string

	// Rate caps operations per second per connection. Zero disables
	// limiting.
	Rate float64

	// Burst is the token bucket depth when Rate is set. Zero means 1.
	Burst int

	// MaxMessageBytes caps one inbound frame. Zero means 16 MiB.
	MaxMessageBytes int64

	// WriteTimeout bounds one outbound frame write. Zero leaves writes
	// unbounded.
	WriteTimeout time.Duration

	// Observer, when set, is notified of named-resource creation and
	// removal, typically to keep a ledger.
	Observer Observer
}

// Server serves the bridge protocol on upgraded connections.
type Server struct {
	svc   *services.Services
	log   *logging.Logger
	cfg   Config
	names *acl
	paths *acl

	upgrader websocket.Upgrader
}

// NewServer builds a Server over initialized services.
func NewServer(svc *services.Services, log *logging.Logger, cfg Config) (*Server, error) {
	if !svc.Initialized() {
		return nil, errors.New("bridge requires initialized services")
	}
	if log == nil {
		log = logging.Nop()
	}
	names, err := newACL(cfg.Allow, true)
	if err != nil {
		return nil, err
	}
	paths, err := newACL(cfg.AllowPaths, false)
	if err != nil {
		return nil, err
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = defaultReadLimit
	}
	return &Server{
		svc:   svc,
		log:   log.Named("bridge"),
		cfg:   cfg,
		names: names,
		paths: paths,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// NameAllowed reports whether the resource-name policy admits name.
// Daemon surfaces outside the frame protocol share the same policy.
func (s *Server) NameAllowed(name string) bool {
	return s.names.allowed(name)
}

// Handle upgrades the request and serves frames until the peer
// disconnects. It satisfies http.HandlerFunc so the daemon router and
// httptest can both mount it.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	sess := newSession(s)
	defer sess.dispose()

	host, err := s.svc.Platform()
	if err != nil {
		s.log.Warn("platform lookup failed", zap.Error(err))
		return
	}
	if err := s.write(conn, welcome{Type: welcomeType, Session: sess.id, Platform: host.String()}); err != nil {
		return
	}

	s.log.Info("session opened",
		zap.String("session", sess.id),
		zap.String("remote", conn.RemoteAddr().String()))

	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var req request
		if err := sonic.Unmarshal(buf, &req); err != nil {
			resp := response{ID: req.ID, Error: encodeError(
				platform.NewError(platform.KindInvalidValue, "dispatch", errors.New("malformed frame")))}
			if s.write(conn, resp) != nil {
				break
			}
			continue
		}

		var resp response
		if sess.limiter != nil && !sess.limiter.Allow() {
			resp = response{ID: req.ID, Error: encodeError(
				platform.NewError(platform.KindResource, req.Op, errors.New("rate limit exceeded")))}
		} else {
			resp = sess.dispatch(req)
		}
		if s.write(conn, resp) != nil {
			break
		}
	}

	s.log.Info("session closed", zap.String("session", sess.id))
}

func (s *Server) write(conn *websocket.Conn, v any) error {
	buf, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, buf)
}

// nameKey addresses a created name by the handle that created it.
type nameKey struct {
	typ platform.ResourceType
	h   uint64
}

// session is one connection's state: its rate budget and every handle
// it has created and not yet closed.
type session struct {
	id  string
	srv *Server
	log *logging.Logger

	limiter *rate.Limiter

	regions map[uint64]*platform.MappedRegion
	shms    map[uint64]*platform.SharedRegion
	pipes   map[uint64]struct{}
	sockets map[uint64]struct{}
	mutexes map[uint64]struct{}
	sems    map[uint64]struct{}
	created map[nameKey]string
}

func newSession(s *Server) *session {
	sess := &session{
		id:      uuid.NewString(),
		srv:     s,
		regions: make(map[uint64]*platform.MappedRegion),
		shms:    make(map[uint64]*platform.SharedRegion),
		pipes:   make(map[uint64]struct{}),
		sockets: make(map[uint64]struct{}),
		mutexes: make(map[uint64]struct{}),
		sems:    make(map[uint64]struct{}),
		created: make(map[nameKey]string),
	}
	sess.log = s.log.With(zap.String("session", sess.id))
	if s.cfg.Rate > 0 {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		sess.limiter = rate.NewLimiter(rate.Limit(s.cfg.Rate), burst)
	}
	return sess
}

func (t *session) dispatch(req request) response {
	res, err := t.serve(req.Op, req.Args)
	if err != nil {
		return response{ID: req.ID, Error: encodeError(err)}
	}
	return response{ID: req.ID, OK: true, Result: res}
}

func (t *session) owned(set map[uint64]struct{}, h uint64, op string) error {
	if _, ok := set[h]; !ok {
		return platform.NewError(platform.KindInvalidValue, op, errors.New("unknown or closed handle"))
	}
	return nil
}

func (t *session) checkName(op, name string) error {
	if !t.srv.names.allowed(name) {
		return platform.NamedError(platform.KindAccess, op, name, errors.New("name not permitted by policy"))
	}
	return nil
}

func (t *session) trackCreated(typ platform.ResourceType, h uint64, name string) {
	if name == "" {
		return
	}
	t.created[nameKey{typ: typ, h: h}] = name
	if t.srv.cfg.Observer != nil {
		t.srv.cfg.Observer.ResourceCreated(typ, name)
	}
}

// closeTracked reports the name removed once the creating handle is
// closed and no other handle keeps the name alive.
func (t *session) closeTracked(typ platform.ResourceType, h uint64) {
	key := nameKey{typ: typ, h: h}
	name, ok := t.created[key]
	if !ok {
		return
	}
	delete(t.created, key)
	if t.srv.cfg.Observer != nil && t.nameGone(typ, name) {
		t.srv.cfg.Observer.ResourceRemoved(typ, name)
	}
}

func (t *session) nameGone(typ platform.ResourceType, name string) bool {
	ipc, err := t.srv.svc.IPC()
	if err != nil {
		return false
	}
	exists, err := ipc.ResourceExists(name, typ)
	return err == nil && !exists
}

func (t *session) serve(op string, a args) (*result, error) {
	switch op {
	case opMapMemory, opUnmap, opMapFile, opFlush, opLock, opUnlock:
		mem, err := t.srv.svc.Memory()
		if err != nil {
			return nil, err
		}
		return t.serveMemory(mem, op, a)
	case opCreatePipe, opConnPipe, opWaitPipe, opWritePipe, opReadPipe, opClosePipe,
		opCreateShm, opOpenShm, opCloseShm, opExists:
		ipc, err := t.srv.svc.IPC()
		if err != nil {
			return nil, err
		}
		return t.serveIPC(ipc, op, a)
	case opCreateSocket, opBind, opListen, opAccept, opConnect, opSend, opReceive,
		opCloseSocket, opShutdown, opSetOption, opGetOption, opLocalEnd, opRemoteEnd,
		opPoll, opResolve:
		nw, err := t.srv.svc.Network()
		if err != nil {
			return nil, err
		}
		return t.serveNetwork(nw, op, a)
	case opCreateMutex, opOpenMutex, opAcqMutex, opRelMutex, opCloseMutex,
		opCreateSem, opOpenSem, opAcqSem, opRelSem, opCloseSem:
		sy, err := t.srv.svc.Sync()
		if err != nil {
			return nil, err
		}
		return t.serveSync(sy, op, a)
	default:
		return nil, platform.Errorf(platform.KindInvalidValue, "dispatch", "unknown operation %q", op)
	}
}

func (t *session) serveMemory(mem platform.Memory, op string, a args) (*result, error) {
	switch op {
	case opMapMemory:
		region, err := mem.MapMemory(a.Size, platform.MappingType(a.Mapping), platform.AccessType(a.Access))
		if err != nil {
			return nil, err
		}
		t.regions[uint64(region.Handle)] = region
		return &result{Handle: uint64(region.Handle), Size: region.Size()}, nil

	case opMapFile:
		if !t.srv.paths.allowedPath(a.Path) {
			return nil, platform.NamedError(platform.KindAccess, op, a.Path, errors.New("path not permitted by policy"))
		}
		region, err := mem.MapFile(a.Path, a.Offset, a.Length, platform.AccessType(a.Access))
		if err != nil {
			return nil, err
		}
		t.regions[uint64(region.Handle)] = region
		return &result{Handle: uint64(region.Handle), Size: region.Size(), Data: region.Data}, nil

	case opFlush:
		region, ok := t.regions[a.Handle]
		if !ok {
			return nil, platform.NewError(platform.KindInvalidValue, op, errors.New("unknown or closed handle"))
		}
		if len(a.Data) != len(region.Data) {
			return nil, platform.Errorf(platform.KindInvalidValue, op,
				"flush payload of %d bytes does not match region size %d", len(a.Data), len(region.Data))
		}
		copy(region.Data, a.Data)
		return nil, mem.FlushMappedFile(platform.MemoryHandle(a.Handle))

	case opUnmap:
		if _, ok := t.regions[a.Handle]; !ok {
			return nil, platform.NewError(platform.KindInvalidValue, op, errors.New("unknown or closed handle"))
		}
		if err := mem.UnmapMemory(platform.MemoryHandle(a.Handle)); err != nil {
			return nil, err
		}
		delete(t.regions, a.Handle)
		return nil, nil

	case opLock:
		if _, ok := t.regions[a.Handle]; !ok {
			return nil, platform.NewError(platform.KindInvalidValue, op, errors.New("unknown or closed handle"))
		}
		return nil, mem.LockMemory(platform.MemoryHandle(a.Handle))

	default: // opUnlock
		if _, ok := t.regions[a.Handle]; !ok {
			return nil, platform.NewError(platform.KindInvalidValue, op, errors.New("unknown or closed handle"))
		}
		return nil, mem.UnlockMemory(platform.MemoryHandle(a.Handle))
	}
}

func (t *session) serveIPC(ipc platform.IPC, op string, a args) (*result, error) {
	switch op {
	case opCreatePipe:
		if err := t.checkName(op, a.Name); err != nil {
			return nil, err
		}
		h, err := ipc.CreateNamedPipe(a.Name, platform.PipeDirection(a.Direction), platform.PipeMode(a.Mode), a.BufferSize)
		if err != nil {
			return nil, err
		}
		t.pipes[uint64(h)] = struct{}{}
		t.trackCreated(platform.ResourcePipe, uint64(h), a.Name)
		return &result{Handle: uint64(h)}, nil

	case opConnPipe:
		if err := t.checkName(op, a.Name); err != nil {
			return nil, err
		}
		h, err := ipc.ConnectNamedPipe(a.Name, platform.PipeDirection(a.Direction))
		if err != nil {
			return nil, err
		}
		t.pipes[uint64(h)] = struct{}{}
		return &result{Handle: uint64(h)}, nil

	case opWaitPipe:
		if err := t.owned(t.pipes, a.Handle, op); err != nil {
			return nil, err
		}
		return nil, ipc.WaitForNamedPipeConnection(platform.PipeHandle(a.Handle), time.Duration(a.TimeoutNS))

	case opWritePipe:
		if err := t.owned(t.pipes, a.Handle, op); err != nil {
			return nil, err
		}
		n, err := ipc.WriteNamedPipe(platform.PipeHandle(a.Handle), a.Data)
		if err != nil {
			return nil, err
		}
		return &result{N: n}, nil

	case opReadPipe:
		if err := t.owned(t.pipes, a.Handle, op); err != nil {
			return nil, err
		}
		buf := make([]byte, a.Capacity)
		n, err := ipc.ReadNamedPipe(platform.PipeHandle(a.Handle), buf)
		if err != nil {
			return nil, err
		}
		return &result{Data: buf[:n]}, nil

	case opClosePipe:
		if err := t.owned(t.pipes, a.Handle, op); err != nil {
			return nil, err
		}
		if err := ipc.CloseNamedPipe(platform.PipeHandle(a.Handle)); err != nil {
			return nil, err
		}
		delete(t.pipes, a.Handle)
		t.closeTracked(platform.ResourcePipe, a.Handle)
		return nil, nil

	case opCreateShm:
		if err := t.checkName(op, a.Name); err != nil {
			return nil, err
		}
		region, err := ipc.CreateSharedMemory(a.Name, a.Size, platform.AccessType(a.Access))
		if err != nil {
			return nil, err
		}
		t.shms[uint64(region.Handle)] = region
		t.trackCreated(platform.ResourceSharedMemory, uint64(region.Handle), a.Name)
		return &result{Handle: uint64(region.Handle), Size: region.Size()}, nil

	case opOpenShm:
		if err := t.checkName(op, a.Name); err != nil {
			return nil, err
		}
		region, err := ipc.OpenSharedMemory(a.Name, platform.AccessType(a.Access))
		if err != nil {
			return nil, err
		}
		t.shms[uint64(region.Handle)] = region
		return &result{Handle: uint64(region.Handle), Size: region.Size(), Data: region.Data}, nil

	case opCloseShm:
		region, ok := t.shms[a.Handle]
		if !ok {
			return nil, platform.NewError(platform.KindInvalidValue, op, errors.New("unknown or closed handle"))
		}
		if len(a.Data) > 0 {
			if len(a.Data) != len(region.Data) {
				return nil, platform.Errorf(platform.KindInvalidValue, op,
					"close payload of %d bytes does not match region size %d", len(a.Data), len(region.Data))
			}
			copy(region.Data, a.Data)
		}
		if err := ipc.CloseSharedMemory(platform.ShmHandle(a.Handle)); err != nil {
			return nil, err
		}
		delete(t.shms, a.Handle)
		t.closeTracked(platform.ResourceSharedMemory, a.Handle)
		return nil, nil

	default: // opExists
		if err := t.checkName(op, a.Name); err != nil {
			return nil, err
		}
		exists, err := ipc.ResourceExists(a.Name, platform.ResourceType(a.Resource))
		if err != nil {
			return nil, err
		}
		return &result{Exists: exists}, nil
	}
}

func (t *session) serveNetwork(nw platform.Network, op string, a args) (*result, error) {
	switch op {
	case opCreateSocket:
		h, err := nw.CreateSocket(platform.SocketDomain(a.Domain), platform.SocketType(a.Type), platform.Protocol(a.Proto))
		if err != nil {
			return nil, err
		}
		t.sockets[uint64(h)] = struct{}{}
		return &result{Handle: uint64(h)}, nil

	case opBind:
		if err := t.owned(t.sockets, a.Handle, op); err != nil {
			return nil, err
		}
		addr, err := parseAddr(op, a.Addr)
		if err != nil {
			return nil, err
		}
		return nil, nw.BindSocket(platform.SocketHandle(a.Handle), addr)

	case opListen:
		if err := t.owned(t.sockets, a.Handle, op); err != nil {
			return nil, err
		}
		return nil, nw.ListenSocket(platform.SocketHandle(a.Handle), a.Backlog)

	case opAccept:
		if err := t.owned(t.sockets, a.Handle, op); err != nil {
			return nil, err
		}
		h, addr, err := nw.AcceptSocket(platform.SocketHandle(a.Handle))
		if err != nil {
			return nil, err
		}
		if h == 0 {
			return &result{}, nil
		}
		t.sockets[uint64(h)] = struct{}{}
		return &result{Handle: uint64(h), Addr: addr.String()}, nil

	case opConnect:
		if err := t.owned(t.sockets, a.Handle, op); err != nil {
			return nil, err
		}
		addr, err := parseAddr(op, a.Addr)
		if err != nil {
			return nil, err
		}
		return nil, nw.ConnectSocket(platform.SocketHandle(a.Handle), addr)

	case opSend:
		if err := t.owned(t.sockets, a.Handle, op); err != nil {
			return nil, err
		}
		n, err := nw.SendSocket(platform.SocketHandle(a.Handle), a.Data)
		if err != nil {
			return nil, err
		}
		return &result{N: n}, nil

	case opReceive:
		if err := t.owned(t.sockets, a.Handle, op); err != nil {
			return nil, err
		}
		buf := make([]byte, a.Capacity)
		n, closed, err := nw.ReceiveSocket(platform.SocketHandle(a.Handle), buf)
		if err != nil {
			return nil, err
		}
		return &result{Data: buf[:n], Closed: closed}, nil

	case opCloseSocket:
		if err := t.owned(t.sockets, a.Handle, op); err != nil {
			return nil, err
		}
		if err := nw.CloseSocket(platform.SocketHandle(a.Handle)); err != nil {
			return nil, err
		}
		delete(t.sockets, a.Handle)
		return nil, nil

	case opShutdown:
		if err := t.owned(t.sockets, a.Handle, op); err != nil {
			return nil, err
		}
		return nil, nw.ShutdownSocket(platform.SocketHandle(a.Handle), platform.ShutdownHow(a.How))

	case opSetOption:
		if err := t.owned(t.sockets, a.Handle, op); err != nil {
			return nil, err
		}
		return nil, nw.SetSocketOption(platform.SocketHandle(a.Handle), platform.SocketOption(a.Option), a.Value)

	case opGetOption:
		if err := t.owned(t.sockets, a.Handle, op); err != nil {
			return nil, err
		}
		v, err := nw.GetSocketOption(platform.SocketHandle(a.Handle), platform.SocketOption(a.Option))
		if err != nil {
			return nil, err
		}
		return &result{Value: v}, nil

	case opLocalEnd:
		if err := t.owned(t.sockets, a.Handle, op); err != nil {
			return nil, err
		}
		addr, err := nw.LocalEndpoint(platform.SocketHandle(a.Handle))
		if err != nil {
			return nil, err
		}
		return &result{Addr: addr.String()}, nil

	case opRemoteEnd:
		if err := t.owned(t.sockets, a.Handle, op); err != nil {
			return nil, err
		}
		addr, err := nw.RemoteEndpoint(platform.SocketHandle(a.Handle))
		if err != nil {
			return nil, err
		}
		return &result{Addr: addr.String()}, nil

	case opPoll:
		if err := t.owned(t.sockets, a.Handle, op); err != nil {
			return nil, err
		}
		events, err := nw.Poll(platform.SocketHandle(a.Handle), platform.PollEvents(a.Events), time.Duration(a.TimeoutNS))
		if err != nil {
			return nil, err
		}
		return &result{Events: uint8(events)}, nil

	default: // opResolve
		addrs, err := nw.ResolveHostName(a.Host)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(addrs))
		for i, addr := range addrs {
			out[i] = addr.String()
		}
		return &result{Addrs: out}, nil
	}
}

func (t *session) serveSync(sy platform.Sync, op string, a args) (*result, error) {
	switch op {
	case opCreateMutex:
		if a.Name != "" {
			if err := t.checkName(op, a.Name); err != nil {
				return nil, err
			}
		}
		h, err := sy.CreateMutex(a.Name)
		if err != nil {
			return nil, err
		}
		t.mutexes[uint64(h)] = struct{}{}
		t.trackCreated(platform.ResourceMutex, uint64(h), a.Name)
		return &result{Handle: uint64(h)}, nil

	case opOpenMutex:
		if err := t.checkName(op, a.Name); err != nil {
			return nil, err
		}
		h, err := sy.OpenMutex(a.Name)
		if err != nil {
			return nil, err
		}
		t.mutexes[uint64(h)] = struct{}{}
		return &result{Handle: uint64(h)}, nil

	case opAcqMutex:
		if err := t.owned(t.mutexes, a.Handle, op); err != nil {
			return nil, err
		}
		ok, err := sy.AcquireMutex(platform.MutexHandle(a.Handle), time.Duration(a.TimeoutNS))
		if err != nil {
			return nil, err
		}
		return &result{Acquired: ok}, nil

	case opRelMutex:
		if err := t.owned(t.mutexes, a.Handle, op); err != nil {
			return nil, err
		}
		return nil, sy.ReleaseMutex(platform.MutexHandle(a.Handle))

	case opCloseMutex:
		if err := t.owned(t.mutexes, a.Handle, op); err != nil {
			return nil, err
		}
		if err := sy.CloseMutex(platform.MutexHandle(a.Handle)); err != nil {
			return nil, err
		}
		delete(t.mutexes, a.Handle)
		t.closeTracked(platform.ResourceMutex, a.Handle)
		return nil, nil

	case opCreateSem:
		if a.Name != "" {
			if err := t.checkName(op, a.Name); err != nil {
				return nil, err
			}
		}
		h, err := sy.CreateSemaphore(a.Name, a.Initial, a.Maximum)
		if err != nil {
			return nil, err
		}
		t.sems[uint64(h)] = struct{}{}
		t.trackCreated(platform.ResourceSemaphore, uint64(h), a.Name)
		return &result{Handle: uint64(h)}, nil

	case opOpenSem:
		if err := t.checkName(op, a.Name); err != nil {
			return nil, err
		}
		h, err := sy.OpenSemaphore(a.Name)
		if err != nil {
			return nil, err
		}
		t.sems[uint64(h)] = struct{}{}
		return &result{Handle: uint64(h)}, nil

	case opAcqSem:
		if err := t.owned(t.sems, a.Handle, op); err != nil {
			return nil, err
		}
		ok, err := sy.AcquireSemaphore(platform.SemHandle(a.Handle), time.Duration(a.TimeoutNS))
		if err != nil {
			return nil, err
		}
		return &result{Acquired: ok}, nil

	case opRelSem:
		if err := t.owned(t.sems, a.Handle, op); err != nil {
			return nil, err
		}
		prev, err := sy.ReleaseSemaphore(platform.SemHandle(a.Handle), a.Count)
		if err != nil {
			return nil, err
		}
		return &result{Count: prev}, nil

	default: // opCloseSem
		if err := t.owned(t.sems, a.Handle, op); err != nil {
			return nil, err
		}
		if err := sy.CloseSemaphore(platform.SemHandle(a.Handle)); err != nil {
			return nil, err
		}
		delete(t.sems, a.Handle)
		t.closeTracked(platform.ResourceSemaphore, a.Handle)
		return nil, nil
	}
}

// dispose closes everything the session still owns, in the same order
// providers tear themselves down.
func (t *session) dispose() {
	mem, memErr := t.srv.svc.Memory()
	if memErr == nil {
		for h := range t.regions {
			if err := mem.UnmapMemory(platform.MemoryHandle(h)); err != nil {
				t.log.Debug("dispose unmap failed", zap.Uint64("handle", h), zap.Error(err))
			}
		}
	}
	ipc, ipcErr := t.srv.svc.IPC()
	if ipcErr == nil {
		for h := range t.pipes {
			if err := ipc.CloseNamedPipe(platform.PipeHandle(h)); err != nil {
				t.log.Debug("dispose pipe close failed", zap.Uint64("handle", h), zap.Error(err))
			}
		}
		for h := range t.shms {
			if err := ipc.CloseSharedMemory(platform.ShmHandle(h)); err != nil {
				t.log.Debug("dispose shm close failed", zap.Uint64("handle", h), zap.Error(err))
			}
		}
	}
	nw, nwErr := t.srv.svc.Network()
	if nwErr == nil {
		for h := range t.sockets {
			if err := nw.CloseSocket(platform.SocketHandle(h)); err != nil {
				t.log.Debug("dispose socket close failed", zap.Uint64("handle", h), zap.Error(err))
			}
		}
	}
	sy, syErr := t.srv.svc.Sync()
	if syErr == nil {
		for h := range t.mutexes {
			if err := sy.CloseMutex(platform.MutexHandle(h)); err != nil {
				t.log.Debug("dispose mutex close failed", zap.Uint64("handle", h), zap.Error(err))
			}
		}
		for h := range t.sems {
			if err := sy.CloseSemaphore(platform.SemHandle(h)); err != nil {
				t.log.Debug("dispose semaphore close failed", zap.Uint64("handle", h), zap.Error(err))
			}
		}
	}

	if t.srv.cfg.Observer != nil {
		for key, name := range t.created {
			if t.nameGone(key.typ, name) {
				t.srv.cfg.Observer.ResourceRemoved(key.typ, name)
			}
		}
	}
}

func parseAddr(op, s string) (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, platform.Errorf(platform.KindInvalidValue, op, "bad address %q", s)
	}
	return addr, nil
}
