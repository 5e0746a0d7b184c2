//go:build windows

// Package win implements the capability contracts on the Win32 API:
// VirtualAlloc and file-mapping views for memory, named pipes under
// \\.\pipe, named file mappings for shared memory, winsock sockets
// and kernel mutex and semaphore objects. Win32 error codes never
// escape; they are folded into platform error kinds and kept as
// causes.
package win

import (
	"errors"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/windows"

	"github.com/hostcap/hostcap/internal/logging"
	"github.com/hostcap/hostcap/platform"
)

// pollInterval paces bounded waits on primitives without a native
// timed wait.
const pollInterval = time.Millisecond

// Procedures x/sys/windows has no wrapper for. ws2_32 carries the
// classic BSD-shaped socket calls next to the WSA ones.
var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")
	modws2_32   = windows.NewLazySystemDLL("ws2_32.dll")

	procOpenFileMappingW = modkernel32.NewProc("OpenFileMappingW")
	procCreateSemaphoreW = modkernel32.NewProc("CreateSemaphoreW")
	procOpenSemaphoreW   = modkernel32.NewProc("OpenSemaphoreW")
	procReleaseSemaphore = modkernel32.NewProc("ReleaseSemaphore")

	procaccept      = modws2_32.NewProc("accept")
	procWSAPoll     = modws2_32.NewProc("WSAPoll")
	procioctlsocket = modws2_32.NewProc("ioctlsocket")
)

// Provider implements platform.Memory, platform.IPC, platform.Network
// and platform.Sync over Win32 calls. The provider lock guards only
// the handle tables; blocking operations never hold it.
type Provider struct {
	log *logging.Logger

	mu     sync.Mutex
	nextID uint64

	mappings map[platform.MemoryHandle]*mapping
	pipes    map[platform.PipeHandle]*pipeEnd
	shms     map[platform.ShmHandle]*shmView
	sockets  map[platform.SocketHandle]*socket
	mutexes  map[platform.MutexHandle]*mutexObject
	sems     map[platform.SemHandle]*semObject
}

var (
	_ platform.Memory  = (*Provider)(nil)
	_ platform.IPC     = (*Provider)(nil)
	_ platform.Network = (*Provider)(nil)
	_ platform.Sync    = (*Provider)(nil)
)

// New builds the Windows provider. Winsock is initialized here and
// torn down by Close.
func New(log *logging.Logger) (*Provider, error) {
	if log == nil {
		log = logging.Nop()
	}

	var wsa windows.WSAData
	if err := windows.WSAStartup(uint32(0x202), &wsa); err != nil {
		return nil, platform.NewError(platform.KindResource, "initialize", err)
	}

	return &Provider{
		log:      log.Named("win"),
		mappings: make(map[platform.MemoryHandle]*mapping),
		pipes:    make(map[platform.PipeHandle]*pipeEnd),
		shms:     make(map[platform.ShmHandle]*shmView),
		sockets:  make(map[platform.SocketHandle]*socket),
		mutexes:  make(map[platform.MutexHandle]*mutexObject),
		sems:     make(map[platform.SemHandle]*semObject),
	}, nil
}

// Close releases every native object still held and tears winsock
// down. Live handles become invalid.
func (p *Provider) Close() error {
	p.mu.Lock()
	mappings := p.mappings
	pipes := p.pipes
	shms := p.shms
	sockets := p.sockets
	mutexes := p.mutexes
	sems := p.sems
	p.mappings = make(map[platform.MemoryHandle]*mapping)
	p.pipes = make(map[platform.PipeHandle]*pipeEnd)
	p.shms = make(map[platform.ShmHandle]*shmView)
	p.sockets = make(map[platform.SocketHandle]*socket)
	p.mutexes = make(map[platform.MutexHandle]*mutexObject)
	p.sems = make(map[platform.SemHandle]*semObject)
	p.mu.Unlock()

	var err error
	for _, m := range mappings {
		err = errors.Join(err, m.release())
	}
	for _, e := range pipes {
		err = errors.Join(err, e.release())
	}
	for _, v := range shms {
		err = errors.Join(err, v.release())
	}
	for _, s := range sockets {
		err = errors.Join(err, s.release())
	}
	for _, m := range mutexes {
		err = errors.Join(err, m.release())
	}
	for _, s := range sems {
		err = errors.Join(err, s.release())
	}
	return errors.Join(err, windows.WSACleanup())
}

// OpenHandles reports live handles per capability.
func (p *Provider) OpenHandles() map[platform.Capability]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[platform.Capability]int{
		platform.CapMemory:  len(p.mappings),
		platform.CapIPC:     len(p.pipes) + len(p.shms),
		platform.CapNetwork: len(p.sockets),
		platform.CapSync:    len(p.mutexes) + len(p.sems),
	}
}

// next returns a fresh handle value. Callers hold p.mu.
func (p *Provider) next() uint64 {
	p.nextID++
	return p.nextID
}

// validName rejects names that cannot become a single path component
// of the pipe or kernel object namespace.
func validName(op, name string) *platform.Error {
	if name == "" {
		return platform.NewError(platform.KindInvalidValue, op, errors.New("empty name"))
	}
	if len(name) > 192 {
		return platform.Errorf(platform.KindInvalidValue, op, "name of %d bytes too long", len(name))
	}
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '/', '\\', 0:
			return platform.NamedError(platform.KindInvalidValue, op, name, errors.New("name contains path separators"))
		}
	}
	return nil
}

// utf16Name converts a validated object name for the Win32 API.
func utf16Name(op, name string) (*uint16, *platform.Error) {
	ptr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, platform.NamedError(platform.KindInvalidValue, op, name, err)
	}
	return ptr, nil
}

// waitUntil polls ready until it reports true, fails, or timeout
// expires. ready must not block.
func waitUntil(timeout time.Duration, ready func() (bool, error)) (bool, error) {
	ok, err := ready()
	if ok || err != nil {
		return ok, err
	}
	if timeout == platform.NoWait {
		return false, nil
	}
	var deadline time.Time
	if timeout != platform.Infinite {
		deadline = time.Now().Add(timeout)
	}
	for {
		time.Sleep(pollInterval)
		ok, err := ready()
		if ok || err != nil {
			return ok, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false, nil
		}
	}
}

// waitMillis converts a timeout into the millisecond argument of the
// native wait calls.
func waitMillis(timeout time.Duration) uint32 {
	switch {
	case timeout == platform.NoWait:
		return 0
	case timeout < 0:
		return windows.INFINITE
	default:
		ms := timeout.Milliseconds()
		if ms == 0 {
			ms = 1
		}
		return uint32(ms)
	}
}

func badHandle(op string) *platform.Error {
	return platform.NewError(platform.KindInvalidValue, op, errors.New("unknown or closed handle"))
}

// winError folds a native failure into a platform error, keeping the
// Win32 code as the cause.
func winError(op, name string, err error) *platform.Error {
	kind := platform.KindUnknown
	var errno syscall.Errno
	if errors.As(err, &errno) {
		kind = winKind(errno)
	}
	return platform.NamedError(kind, op, name, err)
}

func winKind(errno syscall.Errno) platform.Kind {
	switch errno {
	case windows.ERROR_ACCESS_DENIED:
		return platform.KindAccess
	case windows.ERROR_FILE_NOT_FOUND, windows.ERROR_PATH_NOT_FOUND:
		return platform.KindNotFound
	case windows.ERROR_ALREADY_EXISTS, windows.ERROR_FILE_EXISTS,
		windows.ERROR_PIPE_BUSY, windows.ERROR_TOO_MANY_POSTS,
		windows.ERROR_NOT_ENOUGH_MEMORY, windows.ERROR_COMMITMENT_LIMIT,
		windows.WSAEMFILE, windows.WSAENOBUFS, windows.WSAEADDRINUSE:
		return platform.KindResource
	case windows.ERROR_BROKEN_PIPE, windows.ERROR_PIPE_NOT_CONNECTED,
		windows.WSAECONNRESET, windows.WSAECONNABORTED, windows.WSAECONNREFUSED,
		windows.WSAENETRESET, windows.WSAESHUTDOWN:
		return platform.KindBroken
	case windows.ERROR_SEM_TIMEOUT, windows.WSAETIMEDOUT:
		return platform.KindTimeout
	case windows.ERROR_INVALID_PARAMETER, windows.ERROR_INVALID_HANDLE,
		windows.WSAEINVAL, windows.WSAEFAULT, windows.WSAEMSGSIZE,
		windows.WSAEADDRNOTAVAIL:
		return platform.KindInvalidValue
	case windows.ERROR_NOT_OWNER, windows.ERROR_PIPE_LISTENING,
		windows.ERROR_PIPE_CONNECTED, windows.WSAENOTCONN, windows.WSAEISCONN,
		windows.WSAEALREADY, windows.WSAEINPROGRESS:
		return platform.KindInvalidState
	case windows.ERROR_NOT_SUPPORTED, windows.ERROR_CALL_NOT_IMPLEMENTED,
		windows.WSAEAFNOSUPPORT, windows.WSAEPROTONOSUPPORT, windows.WSAEOPNOTSUPP:
		return platform.KindUnsupported
	default:
		return platform.KindUnknown
	}
}
