//go:build windows

package win

import (
	"errors"
	"os"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"golang.org/x/sys/windows"

	"github.com/hostcap/hostcap/platform"
)

const defaultPipeBuffer = 4096

func pipePath(name string) string {
	return `\\.\pipe\hostcap-` + name
}

// pipeEnd is one end of a named pipe. The server handle is opened
// overlapped so the connect wait can be bounded; client handles are
// plain synchronous ones. Both run in PIPE_NOWAIT mode once connected
// so reads and writes honor the would-block contract.
type pipeEnd struct {
	name     string
	server   bool
	mode     platform.PipeMode
	capacity int
	canRead  bool
	canWrite bool

	mu        sync.Mutex
	h         windows.Handle
	ev        windows.Handle // connect completion event, server only
	ioEv      windows.Handle // overlapped read/write event, server only
	connect   windows.Overlapped
	connected bool
	pending   bool
}

// armConnect starts the overlapped wait for a client. A client that
// raced the call shows up as ERROR_PIPE_CONNECTED, which is success.
func (e *pipeEnd) armConnect() error {
	ev, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return err
	}
	ioEv, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		windows.CloseHandle(ev)
		return err
	}
	e.ev, e.ioEv = ev, ioEv
	e.connect = windows.Overlapped{HEvent: ev}

	switch err := windows.ConnectNamedPipe(e.h, &e.connect); err {
	case nil, windows.ERROR_PIPE_CONNECTED:
		return e.establish()
	case windows.ERROR_IO_PENDING:
		e.pending = true
		return nil
	default:
		return err
	}
}

// establish records the connection and switches the handle to
// non-blocking mode.
func (e *pipeEnd) establish() error {
	state := uint32(windows.PIPE_READMODE_BYTE | windows.PIPE_NOWAIT)
	if e.mode == platform.PipeMessage {
		state = windows.PIPE_READMODE_MESSAGE | windows.PIPE_NOWAIT
	}
	if err := windows.SetNamedPipeHandleState(e.h, &state, nil, nil); err != nil {
		return err
	}
	e.connected = true
	e.pending = false
	return nil
}

// connectedLocked reports whether the armed connect has completed,
// without waiting.
func (e *pipeEnd) connectedLocked() (bool, error) {
	if e.connected {
		return true, nil
	}
	if !e.pending {
		return false, nil
	}
	s, err := windows.WaitForSingleObject(e.ev, 0)
	if err != nil {
		return false, err
	}
	if s != windows.WAIT_OBJECT_0 {
		return false, nil
	}
	var done uint32
	if err := windows.GetOverlappedResult(e.h, &e.connect, &done, false); err != nil && err != windows.ERROR_PIPE_CONNECTED {
		return false, err
	}
	if err := e.establish(); err != nil {
		return false, err
	}
	return true, nil
}

// read runs one native read, through the overlapped machinery on
// server handles.
func (e *pipeEnd) read(buf []byte) (uint32, error) {
	var done uint32
	if e.server {
		ov := windows.Overlapped{HEvent: e.ioEv}
		err := windows.ReadFile(e.h, buf, &done, &ov)
		if err == windows.ERROR_IO_PENDING {
			err = windows.GetOverlappedResult(e.h, &ov, &done, true)
		}
		return done, err
	}
	err := windows.ReadFile(e.h, buf, &done, nil)
	return done, err
}

func (e *pipeEnd) write(data []byte) (uint32, error) {
	var done uint32
	if e.server {
		ov := windows.Overlapped{HEvent: e.ioEv}
		err := windows.WriteFile(e.h, data, &done, &ov)
		if err == windows.ERROR_IO_PENDING {
			err = windows.GetOverlappedResult(e.h, &ov, &done, true)
		}
		return done, err
	}
	err := windows.WriteFile(e.h, data, &done, nil)
	return done, err
}

// drainRemainder discards the tail of a message that exceeded the
// caller's buffer.
func (e *pipeEnd) drainRemainder() {
	var scratch [4096]byte
	for {
		if _, err := e.read(scratch[:]); err != windows.ERROR_MORE_DATA {
			return
		}
	}
}

func (e *pipeEnd) release() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	if e.h != 0 {
		// Closing the handle cancels a pending connect; closing the last
		// server instance retires the pipe name.
		err = windows.CloseHandle(e.h)
		e.h = 0
	}
	if e.ev != 0 {
		windows.CloseHandle(e.ev)
		e.ev = 0
	}
	if e.ioEv != 0 {
		windows.CloseHandle(e.ioEv)
		e.ioEv = 0
	}
	return err
}

func (p *Provider) CreateNamedPipe(name string, dir platform.PipeDirection, mode platform.PipeMode, bufferSize int) (platform.PipeHandle, error) {
	const op = "create_named_pipe"
	if err := validName(op, name); err != nil {
		return 0, err
	}
	if bufferSize < 0 {
		return 0, platform.Errorf(platform.KindInvalidValue, op, "negative buffer size %d", bufferSize)
	}
	if bufferSize == 0 {
		bufferSize = defaultPipeBuffer
	}
	namep, perr := utf16Name(op, pipePath(name))
	if perr != nil {
		return 0, perr
	}

	openMode := uint32(windows.FILE_FLAG_OVERLAPPED | windows.FILE_FLAG_FIRST_PIPE_INSTANCE)
	switch dir {
	case platform.PipeIn:
		openMode |= windows.PIPE_ACCESS_INBOUND
	case platform.PipeOut:
		openMode |= windows.PIPE_ACCESS_OUTBOUND
	default:
		openMode |= windows.PIPE_ACCESS_DUPLEX
	}
	pipeMode := uint32(windows.PIPE_TYPE_BYTE | windows.PIPE_READMODE_BYTE | windows.PIPE_WAIT)
	if mode == platform.PipeMessage {
		pipeMode = windows.PIPE_TYPE_MESSAGE | windows.PIPE_READMODE_MESSAGE | windows.PIPE_WAIT
	}

	h, err := windows.CreateNamedPipe(namep, openMode, pipeMode, 1,
		uint32(bufferSize), uint32(bufferSize), 0, nil)
	if err != nil {
		// The first-instance flag turns a name collision into access
		// denied.
		if err == windows.ERROR_ACCESS_DENIED {
			return 0, platform.NamedError(platform.KindResource, op, name, errors.New("already exists"))
		}
		return 0, winError(op, name, err)
	}

	end := &pipeEnd{
		name:     name,
		server:   true,
		mode:     mode,
		capacity: bufferSize,
		canRead:  dir == platform.PipeIn || dir == platform.PipeInOut,
		canWrite: dir == platform.PipeOut || dir == platform.PipeInOut,
		h:        h,
	}
	if err := end.armConnect(); err != nil {
		windows.CloseHandle(h)
		return 0, winError(op, name, err)
	}

	p.mu.Lock()
	ph := platform.PipeHandle(p.next())
	p.pipes[ph] = end
	p.mu.Unlock()

	p.log.Debug("created named pipe",
		zap.String("name", name),
		zap.String("direction", dir.String()),
		zap.String("mode", mode.String()))
	return ph, nil
}

func (p *Provider) ConnectNamedPipe(name string, dir platform.PipeDirection) (platform.PipeHandle, error) {
	const op = "connect_named_pipe"
	if err := validName(op, name); err != nil {
		return 0, err
	}
	namep, perr := utf16Name(op, pipePath(name))
	if perr != nil {
		return 0, perr
	}

	// Attribute rights ride along with the data rights: reading pipe
	// info needs read attributes and switching the read mode needs
	// write attributes.
	var access uint32
	switch dir {
	case platform.PipeIn:
		access = windows.GENERIC_READ | windows.FILE_WRITE_ATTRIBUTES
	case platform.PipeOut:
		access = windows.GENERIC_WRITE | windows.FILE_READ_ATTRIBUTES
	default:
		access = windows.GENERIC_READ | windows.GENERIC_WRITE
	}

	h, err := windows.CreateFile(namep, access, 0, nil, windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		switch err {
		case windows.ERROR_FILE_NOT_FOUND:
			return 0, platform.NamedError(platform.KindNotFound, op, name, errors.New("no such pipe"))
		case windows.ERROR_PIPE_BUSY:
			return 0, platform.NamedError(platform.KindResource, op, name, errors.New("pipe busy"))
		case windows.ERROR_ACCESS_DENIED:
			return 0, platform.NamedError(platform.KindAccess, op, name, errors.New("direction not permitted by pipe"))
		}
		return 0, winError(op, name, err)
	}

	// The server's framing travels with the pipe; adopt it.
	var flags, outSize, inSize uint32
	if err := windows.GetNamedPipeInfo(h, &flags, &outSize, &inSize, nil); err != nil {
		windows.CloseHandle(h)
		return 0, winError(op, name, err)
	}
	mode := platform.PipeByte
	if flags&windows.PIPE_TYPE_MESSAGE != 0 {
		mode = platform.PipeMessage
	}
	capacity := int(inSize)
	if capacity == 0 {
		capacity = int(outSize)
	}
	if capacity == 0 {
		capacity = defaultPipeBuffer
	}

	end := &pipeEnd{
		name:     name,
		mode:     mode,
		capacity: capacity,
		canRead:  dir == platform.PipeIn || dir == platform.PipeInOut,
		canWrite: dir == platform.PipeOut || dir == platform.PipeInOut,
		h:        h,
	}
	if err := end.establish(); err != nil {
		windows.CloseHandle(h)
		return 0, winError(op, name, err)
	}

	p.mu.Lock()
	ph := platform.PipeHandle(p.next())
	p.pipes[ph] = end
	p.mu.Unlock()
	return ph, nil
}

func (p *Provider) WaitForNamedPipeConnection(h platform.PipeHandle, timeout time.Duration) error {
	const op = "wait_for_named_pipe_connection"

	p.mu.Lock()
	e, ok := p.pipes[h]
	p.mu.Unlock()
	if !ok {
		return badHandle(op)
	}

	e.mu.Lock()
	if e.connected {
		e.mu.Unlock()
		return nil
	}
	if !e.pending {
		e.mu.Unlock()
		return platform.NamedError(platform.KindInvalidState, op, e.name, errors.New("pipe not awaiting connection"))
	}
	ev := e.ev
	e.mu.Unlock()

	// The native wait happens outside the end lock so reads can still
	// probe the connect state.
	s, err := windows.WaitForSingleObject(ev, waitMillis(timeout))
	if err != nil {
		return winError(op, e.name, err)
	}
	switch s {
	case windows.WAIT_OBJECT_0:
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, err := e.connectedLocked(); err != nil {
			return winError(op, e.name, err)
		}
		return nil
	case uint32(windows.WAIT_TIMEOUT):
		return platform.NamedError(platform.KindTimeout, op, e.name, errors.New("connection wait expired"))
	default:
		return platform.Errorf(platform.KindUnknown, op, "connection wait returned %#x", s)
	}
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

	if !e.canWrite {
		return 0, platform.NamedError(platform.KindAccess, op, e.name, errors.New("pipe end not writable"))
	}
	if !e.connected {
		ok, err := e.connectedLocked()
		if err != nil {
			return 0, winError(op, e.name, err)
		}
		if !ok {
			return 0, nil
		}
	}
	if len(data) == 0 {
		return 0, nil
	}
	if e.mode == platform.PipeMessage && len(data) > e.capacity {
		return 0, platform.Errorf(platform.KindInvalidValue, op, "message of %d bytes exceeds pipe buffer %d", len(data), e.capacity)
	}

	done, err := e.write(data)
	if err != nil {
		switch err {
		case windows.ERROR_PIPE_LISTENING:
			return 0, nil
		case windows.ERROR_NO_DATA, windows.ERROR_BROKEN_PIPE, windows.ERROR_PIPE_NOT_CONNECTED:
			// On the write side ERROR_NO_DATA means the read end is gone.
			return 0, platform.NamedError(platform.KindBroken, op, e.name, errors.New("pipe closed by peer"))
		}
		return 0, winError(op, e.name, err)
	}
	return int(done), nil
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

	if !e.canRead {
		return 0, platform.NamedError(platform.KindAccess, op, e.name, errors.New("pipe end not readable"))
	}
	if !e.connected {
		ok, err := e.connectedLocked()
		if err != nil {
			return 0, winError(op, e.name, err)
		}
		if !ok {
			return 0, nil
		}
	}
	if len(buf) == 0 {
		return 0, nil
	}

	done, err := e.read(buf)
	if err != nil {
		switch err {
		case windows.ERROR_NO_DATA, windows.ERROR_PIPE_LISTENING:
			return 0, nil
		case windows.ERROR_MORE_DATA:
			// The message was longer than buf: keep what fits, drop the
			// rest.
			e.drainRemainder()
			return int(done), nil
		case windows.ERROR_BROKEN_PIPE, windows.ERROR_PIPE_NOT_CONNECTED:
			return 0, platform.NamedError(platform.KindBroken, op, e.name, errors.New("pipe closed by peer"))
		}
		return 0, winError(op, e.name, err)
	}
	return int(done), nil
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
		return winError(op, e.name, err)
	}
	return nil
}

// shmView is one mapped view of a named pagefile-backed mapping
// object. The name lives while any handle to the object is open.
type shmView struct {
	name   string
	object windows.Handle
	data   []byte
}

func (v *shmView) release() error {
	err := windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&v.data[0])))
	windows.CloseHandle(v.object)
	return err
}

func shmName(name string) string {
	return `Local\hostcap-shm-` + name
}

func (p *Provider) CreateSharedMemory(name string, size int, access platform.AccessType) (*platform.SharedRegion, error) {
	const op = "create_shared_memory"
	if err := validName(op, name); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, platform.Errorf(platform.KindInvalidValue, op, "size %d must be positive", size)
	}
	namep, perr := utf16Name(op, shmName(name))
	if perr != nil {
		return nil, perr
	}

	object, err := windows.CreateFileMapping(windows.InvalidHandle, nil, pageProt(access),
		uint32(uint64(size)>>32), uint32(size), namep)
	if err != nil {
		if err == windows.ERROR_ALREADY_EXISTS {
			if object != 0 {
				windows.CloseHandle(object)
			}
			return nil, platform.NamedError(platform.KindResource, op, name, errors.New("already exists"))
		}
		return nil, winError(op, name, err)
	}
	addr, err := windows.MapViewOfFile(object, viewAccess(access), 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(object)
		return nil, winError(op, name, err)
	}
	data := viewSlice(addr, size)

	p.mu.Lock()
	h := platform.ShmHandle(p.next())
	p.shms[h] = &shmView{name: name, object: object, data: data}
	p.mu.Unlock()

	p.log.Debug("created shared memory", zap.String("name", name), zap.Int("size", size))
	return &platform.SharedRegion{Handle: h, Name: name, Data: data}, nil
}

func openFileMapping(access uint32, name *uint16) (windows.Handle, error) {
	r1, _, e1 := procOpenFileMappingW.Call(uintptr(access), 0, uintptr(unsafe.Pointer(name)))
	if r1 == 0 {
		return 0, e1
	}
	return windows.Handle(r1), nil
}

func (p *Provider) OpenSharedMemory(name string, access platform.AccessType) (*platform.SharedRegion, error) {
	const op = "open_shared_memory"
	if err := validName(op, name); err != nil {
		return nil, err
	}
	namep, perr := utf16Name(op, shmName(name))
	if perr != nil {
		return nil, perr
	}

	object, err := openFileMapping(viewAccess(access), namep)
	if err != nil {
		if err == windows.ERROR_FILE_NOT_FOUND {
			return nil, platform.NamedError(platform.KindNotFound, op, name, errors.New("no such region"))
		}
		return nil, winError(op, name, err)
	}
	addr, err := windows.MapViewOfFile(object, viewAccess(access), 0, 0, 0)
	if err != nil {
		windows.CloseHandle(object)
		return nil, winError(op, name, err)
	}

	// A whole-object view; the region size comes from the mapping.
	var info windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &info, unsafe.Sizeof(info)); err != nil {
		windows.UnmapViewOfFile(addr)
		windows.CloseHandle(object)
		return nil, winError(op, name, err)
	}
	data := viewSlice(addr, int(info.RegionSize))

	p.mu.Lock()
	h := platform.ShmHandle(p.next())
	p.shms[h] = &shmView{name: name, object: object, data: data}
	p.mu.Unlock()
	return &platform.SharedRegion{Handle: h, Name: name, Data: data}, nil
}

func (p *Provider) CloseSharedMemory(h platform.ShmHandle) error {
	const op = "close_shared_memory"

	p.mu.Lock()
	v, ok := p.shms[h]
	if ok {
		delete(p.shms, h)
	}
	p.mu.Unlock()

	if !ok {
		return badHandle(op)
	}
	if err := v.release(); err != nil {
		return winError(op, v.name, err)
	}
	return nil
}

func (p *Provider) ResourceExists(name string, typ platform.ResourceType) (bool, error) {
	const op = "resource_exists"
	if err := validName(op, name); err != nil {
		return false, err
	}

	switch typ {
	case platform.ResourcePipe:
		_, err := os.Stat(pipePath(name))
		if err == nil {
			return true, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		// A busy single-instance pipe refuses the probe but exists.
		if errors.Is(err, windows.ERROR_PIPE_BUSY) {
			return true, nil
		}
		return false, winError(op, name, err)

	case platform.ResourceSharedMemory:
		namep, perr := utf16Name(op, shmName(name))
		if perr != nil {
			return false, perr
		}
		object, err := openFileMapping(windows.FILE_MAP_READ, namep)
		if err != nil {
			if err == windows.ERROR_FILE_NOT_FOUND {
				return false, nil
			}
			return false, winError(op, name, err)
		}
		windows.CloseHandle(object)
		return true, nil

	case platform.ResourceMutex:
		namep, perr := utf16Name(op, mutexName(name))
		if perr != nil {
			return false, perr
		}
		h, err := windows.OpenMutex(windows.SYNCHRONIZE, false, namep)
		if err != nil {
			if err == windows.ERROR_FILE_NOT_FOUND {
				return false, nil
			}
			return false, winError(op, name, err)
		}
		windows.CloseHandle(h)
		return true, nil

	case platform.ResourceSemaphore:
		namep, perr := utf16Name(op, semName(name))
		if perr != nil {
			return false, perr
		}
		h, err := openSemaphore(windows.SYNCHRONIZE, namep)
		if err != nil {
			if err == windows.ERROR_FILE_NOT_FOUND {
				return false, nil
			}
			return false, winError(op, name, err)
		}
		windows.CloseHandle(h)
		return true, nil

	default:
		return false, platform.Errorf(platform.KindInvalidValue, op, "unknown resource type %d", typ)
	}
}
