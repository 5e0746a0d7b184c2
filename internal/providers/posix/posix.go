//go:build unix

// Package posix implements the capability contracts for the POSIX
// family: Linux and macOS, plus Android and iOS with their capability
// gaps applied. Memory uses mmap, pipes are FIFOs, shared memory is
// file-backed regions, and the named sync primitives are lock files
// driven by flock. Native errno values never escape; they are folded
// into platform error kinds and kept only as causes.
package posix

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hostcap/hostcap/internal/logging"
	"github.com/hostcap/hostcap/platform"
)

// pollInterval paces bounded waits on primitives that have no native
// blocking wait with timeout.
const pollInterval = time.Millisecond

// Provider implements platform.Memory, platform.IPC, platform.Network
// and platform.Sync over POSIX calls. The provider lock guards only
// the handle tables; blocking operations never hold it.
type Provider struct {
	host   platform.OS
	log    *logging.Logger
	dir    string // per-user runtime dir for FIFOs and lock files
	shmDir string // shared memory dir, tmpfs-backed where the host has one

	mu     sync.Mutex
	nextID uint64

	mappings map[platform.MemoryHandle]*mapping
	pipes    map[platform.PipeHandle]*pipeEnd
	shms     map[platform.ShmHandle]*shmAttach
	sockets  map[platform.SocketHandle]*socket
	mutexes  map[platform.MutexHandle]*mutexFile
	sems     map[platform.SemHandle]*semFile
}

var (
	_ platform.Memory  = (*Provider)(nil)
	_ platform.IPC     = (*Provider)(nil)
	_ platform.Network = (*Provider)(nil)
	_ platform.Sync    = (*Provider)(nil)
)

// New builds a provider for one of the POSIX-family platforms. The
// per-user runtime directory is created on first use.
func New(host platform.OS, log *logging.Logger) (*Provider, error) {
	switch host {
	case platform.Linux, platform.Darwin, platform.Android, platform.IOS:
	default:
		return nil, platform.Errorf(platform.KindInvalidValue, "initialize", "%s is not a posix platform", host)
	}
	if log == nil {
		log = logging.Nop()
	}

	dir := filepath.Join(os.TempDir(), "hostcap-"+strconv.Itoa(os.Getuid()))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, platform.NamedError(platform.KindResource, "initialize", dir, err)
	}

	// Regions go on tmpfs when the host has one so they never touch
	// disk; otherwise they share the runtime dir.
	shmDir := dir
	if host == platform.Linux {
		shmDir = filepath.Join("/dev/shm", "hostcap-"+strconv.Itoa(os.Getuid()))
		if err := os.MkdirAll(shmDir, 0o700); err != nil {
			shmDir = dir
		}
	}

	return &Provider{
		host:     host,
		log:      log.Named("posix"),
		dir:      dir,
		shmDir:   shmDir,
		mappings: make(map[platform.MemoryHandle]*mapping),
		pipes:    make(map[platform.PipeHandle]*pipeEnd),
		shms:     make(map[platform.ShmHandle]*shmAttach),
		sockets:  make(map[platform.SocketHandle]*socket),
		mutexes:  make(map[platform.MutexHandle]*mutexFile),
		sems:     make(map[platform.SemHandle]*semFile),
	}, nil
}

// Close releases every native resource still held: mappings, pipe and
// socket descriptors, lock files. Live handles become invalid.
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
	p.shms = make(map[platform.ShmHandle]*shmAttach)
	p.sockets = make(map[platform.SocketHandle]*socket)
	p.mutexes = make(map[platform.MutexHandle]*mutexFile)
	p.sems = make(map[platform.SemHandle]*semFile)
	p.mu.Unlock()

	var err error
	for _, m := range mappings {
		err = errors.Join(err, m.release())
	}
	for _, e := range pipes {
		err = errors.Join(err, e.release())
	}
	for _, a := range shms {
		err = errors.Join(err, a.release())
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
	return err
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

// pipeCapable reports whether the host exposes a FIFO namespace
// reachable by name. Mobile app sandboxes do not.
func pipeCapable(host platform.OS) bool {
	return host != platform.Android && host != platform.IOS
}

// shmCapable reports whether named shared memory is addressable by
// name alone. Android replaces shm_open with ashmem regions that need
// a descriptor handed over a binder channel.
func shmCapable(host platform.OS) bool {
	return host != platform.Android
}

// validName rejects names that cannot become a single path component.
func validName(op, name string) *platform.Error {
	if name == "" {
		return platform.NewError(platform.KindInvalidValue, op, errors.New("empty name"))
	}
	if len(name) > 192 {
		return platform.Errorf(platform.KindInvalidValue, op, "name of %d bytes too long", len(name))
	}
	if strings.ContainsAny(name, "/\x00") {
		return platform.NamedError(platform.KindInvalidValue, op, name, errors.New("name contains path separators"))
	}
	return nil
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

func badHandle(op string) *platform.Error {
	return platform.NewError(platform.KindInvalidValue, op, errors.New("unknown or closed handle"))
}

// errnoError folds a native failure into a platform error, keeping the
// errno as the cause.
func errnoError(op, name string, err error) *platform.Error {
	kind := platform.KindUnknown
	var errno syscall.Errno
	if errors.As(err, &errno) {
		kind = errnoKind(errno)
	} else if os.IsNotExist(err) {
		kind = platform.KindNotFound
	} else if os.IsPermission(err) {
		kind = platform.KindAccess
	} else if os.IsExist(err) {
		kind = platform.KindResource
	}
	return platform.NamedError(kind, op, name, err)
}

func errnoKind(errno syscall.Errno) platform.Kind {
	switch errno {
	case unix.EACCES, unix.EPERM, unix.EROFS:
		return platform.KindAccess
	case unix.ENOENT, unix.ENXIO:
		return platform.KindNotFound
	case unix.EEXIST, unix.EMFILE, unix.ENFILE, unix.ENOMEM, unix.ENOSPC,
		unix.ENOBUFS, unix.EADDRINUSE, unix.EDQUOT:
		return platform.KindResource
	case unix.EPIPE, unix.ECONNRESET, unix.ECONNABORTED, unix.ECONNREFUSED,
		unix.ENETRESET, unix.ESHUTDOWN:
		return platform.KindBroken
	case unix.ETIMEDOUT:
		return platform.KindTimeout
	case unix.EINVAL, unix.EBADF, unix.EFAULT, unix.ERANGE, unix.EMSGSIZE,
		unix.EADDRNOTAVAIL, unix.EOVERFLOW:
		return platform.KindInvalidValue
	case unix.ENOTCONN, unix.EISCONN, unix.EALREADY, unix.EDESTADDRREQ, unix.EINPROGRESS:
		return platform.KindInvalidState
	case unix.EAFNOSUPPORT, unix.EPROTONOSUPPORT, unix.EOPNOTSUPP,
		unix.ENOSYS, unix.ENOPROTOOPT:
		return platform.KindUnsupported
	default:
		return platform.KindUnknown
	}
}

// isWouldBlock reports the non-blocking "try again" errnos.
func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
