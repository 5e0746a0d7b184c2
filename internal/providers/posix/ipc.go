//go:build unix

package posix

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"golang.org/x/sys/unix"

	"github.com/hostcap/hostcap/platform"
)

const defaultPipeBuffer = 4096

// errPeerClosed reports a FIFO whose opposite end went away after the
// pipe had connected.
var errPeerClosed = errors.New("pipe closed by peer")

// pipeEnd is one open end of a FIFO-backed named pipe. pipeDir is the
// creator-relative direction; which side this end is on decides what
// it may read or write. Server write ends open lazily because a FIFO
// cannot be opened for writing before a reader exists.
type pipeEnd struct {
	name     string
	path     string
	server   bool
	pipeDir  platform.PipeDirection
	mode     platform.PipeMode
	capacity int

	mu        sync.Mutex
	fd        int
	connected bool
	pending   []byte // inbound bytes buffered by probes and frame reassembly
	outbox    []byte // unsent tail of a partially written frame
}

func (e *pipeEnd) readable() bool {
	return e.pipeDir == platform.PipeInOut ||
		(e.server && e.pipeDir == platform.PipeIn) ||
		(!e.server && e.pipeDir == platform.PipeOut)
}

func (e *pipeEnd) writable() bool {
	return e.pipeDir == platform.PipeInOut ||
		(e.server && e.pipeDir == platform.PipeOut) ||
		(!e.server && e.pipeDir == platform.PipeIn)
}

// ensureOpenLocked opens a lazy write end once a reader exists. A
// false result means no reader has attached yet.
func (e *pipeEnd) ensureOpenLocked() (bool, error) {
	if e.fd >= 0 {
		return true, nil
	}
	fd, err := unix.Open(e.path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			return false, nil
		}
		return false, err
	}
	e.fd = fd
	e.connected = true
	return true, nil
}

// probeLocked checks for an attached writer without losing data: a
// nonblocking read distinguishes "no writer" (0 bytes) from "writer
// attached, nothing queued" (EAGAIN). Bytes the probe drains land in
// pending so later reads see them.
func (e *pipeEnd) probeLocked() (bool, error) {
	if e.connected {
		return true, nil
	}
	var buf [512]byte
	n, err := unix.Read(e.fd, buf[:])
	if err != nil {
		if isWouldBlock(err) {
			e.connected = true
			return true, nil
		}
		return false, err
	}
	if n > 0 {
		e.pending = append(e.pending, buf[:n]...)
		e.connected = true
		return true, nil
	}
	return false, nil
}

func (e *pipeEnd) connectedLocked() (bool, error) {
	if e.connected {
		return true, nil
	}
	if e.fd < 0 {
		return e.ensureOpenLocked()
	}
	return e.probeLocked()
}

// takeFrame pops one complete length-prefixed message from pending,
// truncated to dst.
func (e *pipeEnd) takeFrame(dst []byte) (int, bool) {
	if len(e.pending) < 4 {
		return 0, false
	}
	size := int(binary.LittleEndian.Uint32(e.pending))
	if len(e.pending) < 4+size {
		return 0, false
	}
	n := copy(dst, e.pending[4:4+size])
	e.pending = e.pending[4+size:]
	if len(e.pending) == 0 {
		e.pending = nil
	}
	return n, true
}

// flushLocked drains the outbox of a partially written frame.
func (e *pipeEnd) flushLocked() error {
	for len(e.outbox) > 0 {
		n, err := unix.Write(e.fd, e.outbox)
		if err != nil {
			if isWouldBlock(err) {
				return nil
			}
			return err
		}
		e.outbox = e.outbox[n:]
	}
	e.outbox = nil
	return nil
}

func (e *pipeEnd) release() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	if e.fd >= 0 {
		err = unix.Close(e.fd)
		e.fd = -1
	}
	if e.server {
		os.Remove(e.path)
		os.Remove(e.path + ".meta")
	} else {
		os.Remove(e.path + ".client")
	}
	return err
}

func (p *Provider) fifoPath(name string) string {
	return filepath.Join(p.dir, "fifo-"+name)
}

// writeMeta records mode, direction and capacity next to the FIFO so a
// connecting process can honor the creator's framing.
func writeMeta(path string, mode platform.PipeMode, dir platform.PipeDirection, capacity int) error {
	meta := fmt.Sprintf("%s %s %d\n", mode, dir, capacity)
	return os.WriteFile(path+".meta", []byte(meta), 0o600)
}

func readMeta(path string) (platform.PipeMode, platform.PipeDirection, int, error) {
	raw, err := os.ReadFile(path + ".meta")
	if err != nil {
		return 0, 0, 0, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) != 3 {
		return 0, 0, 0, errors.New("malformed pipe metadata")
	}
	mode := platform.PipeByte
	if fields[0] == "message" {
		mode = platform.PipeMessage
	}
	var dir platform.PipeDirection
	switch fields[1] {
	case "in":
		dir = platform.PipeIn
	case "out":
		dir = platform.PipeOut
	case "in_out":
		dir = platform.PipeInOut
	default:
		return 0, 0, 0, fmt.Errorf("bad pipe direction %q", fields[1])
	}
	capacity, err := strconv.Atoi(fields[2])
	if err != nil || capacity <= 0 {
		return 0, 0, 0, fmt.Errorf("bad pipe capacity %q", fields[2])
	}
	return mode, dir, capacity, nil
}

func (p *Provider) CreateNamedPipe(name string, dir platform.PipeDirection, mode platform.PipeMode, bufferSize int) (platform.PipeHandle, error) {
	const op = "create_named_pipe"
	if !pipeCapable(p.host) {
		return 0, platform.Unsupported(op, p.host)
	}
	if err := validName(op, name); err != nil {
		return 0, err
	}
	if bufferSize < 0 {
		return 0, platform.Errorf(platform.KindInvalidValue, op, "negative buffer size %d", bufferSize)
	}
	if bufferSize == 0 {
		bufferSize = defaultPipeBuffer
	}

	path := p.fifoPath(name)
	if err := unix.Mkfifo(path, 0o600); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return 0, platform.NamedError(platform.KindResource, op, name, errors.New("already exists"))
		}
		return 0, errnoError(op, name, err)
	}
	if err := writeMeta(path, mode, dir, bufferSize); err != nil {
		os.Remove(path)
		return 0, errnoError(op, name, err)
	}

	end := &pipeEnd{
		name:     name,
		path:     path,
		server:   true,
		pipeDir:  dir,
		mode:     mode,
		capacity: bufferSize,
		fd:       -1,
	}
	switch dir {
	case platform.PipeIn:
		fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			os.Remove(path)
			os.Remove(path + ".meta")
			return 0, errnoError(op, name, err)
		}
		end.fd = fd
	case platform.PipeInOut:
		// Opening both sides at once keeps the FIFO alive and counts as
		// the connected state a bidirectional pipe starts in.
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			os.Remove(path)
			os.Remove(path + ".meta")
			return 0, errnoError(op, name, err)
		}
		end.fd = fd
		end.connected = true
	}
	if end.fd >= 0 {
		setPipeBuffer(end.fd, bufferSize)
	}

	p.mu.Lock()
	h := platform.PipeHandle(p.next())
	p.pipes[h] = end
	p.mu.Unlock()

	p.log.Debug("created named pipe",
		zap.String("name", name),
		zap.String("direction", dir.String()),
		zap.String("mode", mode.String()))
	return h, nil
}

func (p *Provider) ConnectNamedPipe(name string, dir platform.PipeDirection) (platform.PipeHandle, error) {
	const op = "connect_named_pipe"
	if !pipeCapable(p.host) {
		return 0, platform.Unsupported(op, p.host)
	}
	if err := validName(op, name); err != nil {
		return 0, err
	}

	path := p.fifoPath(name)
	mode, pipeDir, capacity, err := readMeta(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, platform.NamedError(platform.KindNotFound, op, name, errors.New("no such pipe"))
		}
		return 0, errnoError(op, name, err)
	}

	compatible := pipeDir == platform.PipeInOut ||
		(pipeDir == platform.PipeIn && dir == platform.PipeOut) ||
		(pipeDir == platform.PipeOut && dir == platform.PipeIn)
	if !compatible {
		return 0, platform.NamedError(platform.KindAccess, op, name, errors.New("direction not permitted by pipe"))
	}

	// One client at a time; the marker carries the owner pid so stale
	// markers can be swept.
	marker, err := unix.Open(path+".client", unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return 0, platform.NamedError(platform.KindResource, op, name, errors.New("pipe busy"))
		}
		return 0, errnoError(op, name, err)
	}
	_, _ = unix.Write(marker, []byte(strconv.Itoa(os.Getpid())))
	unix.Close(marker)

	var flags int
	connected := false
	switch pipeDir {
	case platform.PipeIn: // client writes
		flags = unix.O_WRONLY | unix.O_NONBLOCK | unix.O_CLOEXEC
		connected = true
	case platform.PipeOut: // client reads
		flags = unix.O_RDONLY | unix.O_NONBLOCK | unix.O_CLOEXEC
	default:
		flags = unix.O_RDWR | unix.O_NONBLOCK | unix.O_CLOEXEC
		connected = true
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		os.Remove(path + ".client")
		if errors.Is(err, unix.ENXIO) {
			return 0, platform.NamedError(platform.KindNotFound, op, name, errors.New("no reader on pipe"))
		}
		return 0, errnoError(op, name, err)
	}

	end := &pipeEnd{
		name:      name,
		path:      path,
		pipeDir:   pipeDir,
		mode:      mode,
		capacity:  capacity,
		fd:        fd,
		connected: connected,
	}

	p.mu.Lock()
	h := platform.PipeHandle(p.next())
	p.pipes[h] = end
	p.mu.Unlock()
	return h, nil
}

func (p *Provider) WaitForNamedPipeConnection(h platform.PipeHandle, timeout time.Duration) error {
	const op = "wait_for_named_pipe_connection"

	p.mu.Lock()
	e, ok := p.pipes[h]
	p.mu.Unlock()
	if !ok {
		return badHandle(op)
	}

	connected, err := waitUntil(timeout, func() (bool, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.connectedLocked()
	})
	if err != nil {
		return errnoError(op, e.name, err)
	}
	if !connected {
		return platform.NamedError(platform.KindTimeout, op, e.name, errors.New("connection wait expired"))
	}
	return nil
}

func (p *Provider) WriteNamedPipe(h platform.PipeHandle, data []byte) (int, error) {
	const op = "write_named_pipe"

	p.mu.Lock()
	e, ok := p.pipes[h]
	p.mu.Unlock()
	if !ok {
		return 0, badHandle(op)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.writable() {
		return 0, platform.NamedError(platform.KindAccess, op, e.name, errors.New("pipe end not writable"))
	}
	if e.fd < 0 {
		open, err := e.ensureOpenLocked()
		if err != nil {
			return 0, errnoError(op, e.name, err)
		}
		if !open {
			return 0, nil
		}
	}
	if len(data) == 0 {
		return 0, nil
	}

	if e.mode == platform.PipeMessage {
		if len(data) > e.capacity {
			return 0, platform.Errorf(platform.KindInvalidValue, op, "message of %d bytes exceeds pipe buffer %d", len(data), e.capacity)
		}
		n, err := e.writeMessageLocked(data)
		if err != nil {
			return 0, errnoError(op, e.name, err)
		}
		return n, nil
	}

	n, err := unix.Write(e.fd, data)
	if err != nil {
		if isWouldBlock(err) {
			return 0, nil
		}
		return 0, errnoError(op, e.name, err)
	}
	e.connected = true
	return n, nil
}

func (e *pipeEnd) writeMessageLocked(data []byte) (int, error) {
	if err := e.flushLocked(); err != nil {
		return 0, err
	}
	if len(e.outbox) > 0 {
		return 0, nil
	}

	frame := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	n, err := unix.Write(e.fd, frame)
	if err != nil {
		if isWouldBlock(err) {
			return 0, nil
		}
		return 0, err
	}
	if n < len(frame) {
		// The frame is committed; keeping the unsent tail preserves the
		// framing for the reader.
		e.outbox = append(e.outbox, frame[n:]...)
	}
	e.connected = true
	return len(data), nil
}

func (p *Provider) ReadNamedPipe(h platform.PipeHandle, buf []byte) (int, error) {
	const op = "read_named_pipe"

	p.mu.Lock()
	e, ok := p.pipes[h]
	p.mu.Unlock()
	if !ok {
		return 0, badHandle(op)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.readable() {
		return 0, platform.NamedError(platform.KindAccess, op, e.name, errors.New("pipe end not readable"))
	}
	if len(buf) == 0 {
		return 0, nil
	}

	var n int
	var err error
	if e.mode == platform.PipeMessage {
		n, err = e.readMessageLocked(buf)
	} else {
		n, err = e.readBytesLocked(buf)
	}
	if err != nil {
		if errors.Is(err, errPeerClosed) {
			return 0, platform.NamedError(platform.KindBroken, op, e.name, err)
		}
		return 0, errnoError(op, e.name, err)
	}
	return n, nil
}

func (e *pipeEnd) readBytesLocked(buf []byte) (int, error) {
	if len(e.pending) > 0 {
		n := copy(buf, e.pending)
		e.pending = e.pending[n:]
		if len(e.pending) == 0 {
			e.pending = nil
		}
		return n, nil
	}

	n, err := unix.Read(e.fd, buf)
	if err != nil {
		if isWouldBlock(err) {
			e.connected = true
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		// A FIFO read of zero bytes means no writer is attached: not
		// yet connected, or severed after it was.
		if e.connected {
			return 0, errPeerClosed
		}
		return 0, nil
	}
	e.connected = true
	return n, nil
}

func (e *pipeEnd) readMessageLocked(buf []byte) (int, error) {
	for {
		if n, ok := e.takeFrame(buf); ok {
			return n, nil
		}
		var tmp [4096]byte
		n, err := unix.Read(e.fd, tmp[:])
		if err != nil {
			if isWouldBlock(err) {
				e.connected = true
				return 0, nil
			}
			return 0, err
		}
		if n == 0 {
			if e.connected {
				return 0, errPeerClosed
			}
			return 0, nil
		}
		e.pending = append(e.pending, tmp[:n]...)
		e.connected = true
	}
}

func (p *Provider) CloseNamedPipe(h platform.PipeHandle) error {
	const op = "close_named_pipe"

	p.mu.Lock()
	e, ok := p.pipes[h]
	if ok {
		delete(p.pipes, h)
	}
	p.mu.Unlock()

	if !ok {
		return badHandle(op)
	}
	if err := e.release(); err != nil {
		return errnoError(op, e.name, err)
	}
	return nil
}

// shmAttach is one mapping of a named shared memory region. Regions
// are plain files in a shared namespace; the creator removes the name
// when it closes, as shm_unlink would.
type shmAttach struct {
	name    string
	path    string
	data    []byte
	creator bool
}

func (a *shmAttach) release() error {
	err := unix.Munmap(a.data)
	if a.creator {
		os.Remove(a.path)
	}
	return err
}

func (p *Provider) shmPath(name string) string {
	return filepath.Join(p.shmDir, "shm-"+name)
}

func (p *Provider) CreateSharedMemory(name string, size int, access platform.AccessType) (*platform.SharedRegion, error) {
	const op = "create_shared_memory"
	if !shmCapable(p.host) {
		return nil, platform.Unsupported(op, p.host)
	}
	if err := validName(op, name); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, platform.Errorf(platform.KindInvalidValue, op, "size %d must be positive", size)
	}

	path := p.shmPath(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, platform.NamedError(platform.KindResource, op, name, errors.New("already exists"))
		}
		return nil, errnoError(op, name, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, errnoError(op, name, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, protFor(access), unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, errnoError(op, name, err)
	}

	p.mu.Lock()
	h := platform.ShmHandle(p.next())
	p.shms[h] = &shmAttach{name: name, path: path, data: data, creator: true}
	p.mu.Unlock()

	p.log.Debug("created shared memory", zap.String("name", name), zap.Int("size", size))
	return &platform.SharedRegion{Handle: h, Name: name, Data: data}, nil
}

func (p *Provider) OpenSharedMemory(name string, access platform.AccessType) (*platform.SharedRegion, error) {
	const op = "open_shared_memory"
	if !shmCapable(p.host) {
		return nil, platform.Unsupported(op, p.host)
	}
	if err := validName(op, name); err != nil {
		return nil, err
	}

	path := p.shmPath(name)
	flag := os.O_RDONLY
	if access == platform.ReadWrite {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, platform.NamedError(platform.KindNotFound, op, name, errors.New("no such region"))
		}
		return nil, errnoError(op, name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errnoError(op, name, err)
	}
	size := int(info.Size())
	if size == 0 {
		return nil, platform.NamedError(platform.KindResource, op, name, errors.New("region has zero size"))
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, protFor(access), unix.MAP_SHARED)
	if err != nil {
		return nil, errnoError(op, name, err)
	}

	p.mu.Lock()
	h := platform.ShmHandle(p.next())
	p.shms[h] = &shmAttach{name: name, path: path, data: data}
	p.mu.Unlock()
	return &platform.SharedRegion{Handle: h, Name: name, Data: data}, nil
}

func (p *Provider) CloseSharedMemory(h platform.ShmHandle) error {
	const op = "close_shared_memory"

	p.mu.Lock()
	a, ok := p.shms[h]
	if ok {
		delete(p.shms, h)
	}
	p.mu.Unlock()

	if !ok {
		return badHandle(op)
	}
	if err := a.release(); err != nil {
		return errnoError(op, a.name, err)
	}
	return nil
}

func (p *Provider) ResourceExists(name string, typ platform.ResourceType) (bool, error) {
	const op = "resource_exists"
	if err := validName(op, name); err != nil {
		return false, err
	}

	var path string
	switch typ {
	case platform.ResourcePipe:
		if !pipeCapable(p.host) {
			return false, nil
		}
		path = p.fifoPath(name)
	case platform.ResourceSharedMemory:
		if !shmCapable(p.host) {
			return false, nil
		}
		path = p.shmPath(name)
	case platform.ResourceMutex:
		path = p.lockPath(name)
	case platform.ResourceSemaphore:
		path = p.semPath(name)
	default:
		return false, platform.Errorf(platform.KindInvalidValue, op, "unknown resource type %d", typ)
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errnoError(op, name, err)
	}
	return true, nil
}

// RemoveResource unlinks the backing files of a named object without
// going through a handle. Orphan sweepers use it to reclaim objects
// whose creating process died; a name that is already gone is not an
// error.
func (p *Provider) RemoveResource(name string, typ platform.ResourceType) error {
	const op = "remove_resource"
	if err := validName(op, name); err != nil {
		return err
	}

	var paths []string
	switch typ {
	case platform.ResourcePipe:
		fifo := p.fifoPath(name)
		paths = []string{fifo, fifo + ".meta", fifo + ".client"}
	case platform.ResourceSharedMemory:
		paths = []string{p.shmPath(name)}
	case platform.ResourceMutex:
		paths = []string{p.lockPath(name)}
	case platform.ResourceSemaphore:
		paths = []string{p.semPath(name)}
	default:
		return platform.Errorf(platform.KindInvalidValue, op, "unknown resource type %d", typ)
	}

	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errnoError(op, name, err)
		}
	}
	return nil
}
