package sim

import (
	"bytes"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hostcap/hostcap/platform"
)

const defaultPipeBuffer = 4096

// pipe is the shared state behind both ends of a simulated named
// pipe. Direction is creator-relative, as on the native platforms.
type pipe struct {
	name     string
	dir      platform.PipeDirection
	mode     platform.PipeMode
	capacity int

	toServer inbox // written by the client end
	toClient inbox // written by the server end

	serverOpen, clientOpen     bool
	serverClosed, clientClosed bool
}

type pipeEnd struct {
	pipe   *pipe
	server bool
}

// inbox buffers pipe traffic in one direction: a byte stream or a
// message queue depending on the pipe mode.
type inbox struct {
	stream bytes.Buffer
	msgs   [][]byte
	queued int
}

func (b *inbox) put(mode platform.PipeMode, capacity int, data []byte) int {
	if mode == platform.PipeMessage {
		if b.queued+len(data) > capacity {
			return 0
		}
		msg := make([]byte, len(data))
		copy(msg, data)
		b.msgs = append(b.msgs, msg)
		b.queued += len(msg)
		return len(msg)
	}
	free := capacity - b.stream.Len()
	if free <= 0 {
		return 0
	}
	n := len(data)
	if n > free {
		n = free
	}
	b.stream.Write(data[:n])
	return n
}

// take drains one message, truncated to dst, or up to len(dst) stream
// bytes.
func (b *inbox) take(mode platform.PipeMode, dst []byte) int {
	if mode == platform.PipeMessage {
		if len(b.msgs) == 0 {
			return 0
		}
		msg := b.msgs[0]
		b.msgs = b.msgs[1:]
		b.queued -= len(msg)
		return copy(dst, msg)
	}
	n, _ := b.stream.Read(dst)
	return n
}

func (b *inbox) empty() bool {
	return b.stream.Len() == 0 && len(b.msgs) == 0
}

func (p *Provider) CreateNamedPipe(name string, dir platform.PipeDirection, mode platform.PipeMode, bufferSize int) (platform.PipeHandle, error) {
	const op = "create_named_pipe"
	if name == "" {
		return 0, platform.NewError(platform.KindInvalidValue, op, errors.New("empty pipe name"))
	}
	if bufferSize < 0 {
		return 0, platform.Errorf(platform.KindInvalidValue, op, "negative buffer size %d", bufferSize)
	}
	if bufferSize == 0 {
		bufferSize = defaultPipeBuffer
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.pipeNames[name]; exists {
		return 0, platform.NamedError(platform.KindResource, op, name, errors.New("already exists"))
	}

	pi := &pipe{name: name, dir: dir, mode: mode, capacity: bufferSize, serverOpen: true}
	p.pipeNames[name] = pi
	h := platform.PipeHandle(p.next())
	p.pipes[h] = &pipeEnd{pipe: pi, server: true}

	p.log.Debug("created named pipe",
		zap.String("name", name),
		zap.String("direction", dir.String()),
		zap.String("mode", mode.String()))
	return h, nil
}

func (p *Provider) ConnectNamedPipe(name string, dir platform.PipeDirection) (platform.PipeHandle, error) {
	const op = "connect_named_pipe"
	if name == "" {
		return 0, platform.NewError(platform.KindInvalidValue, op, errors.New("empty pipe name"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pi, ok := p.pipeNames[name]
	if !ok {
		return 0, platform.NamedError(platform.KindNotFound, op, name, errors.New("no such pipe"))
	}
	if pi.clientOpen {
		return 0, platform.NamedError(platform.KindResource, op, name, errors.New("pipe busy"))
	}

	// The client's requested direction must be satisfiable: a pipe the
	// creator reads from can only be written by the client, and vice
	// versa.
	compatible := pi.dir == platform.PipeInOut ||
		(pi.dir == platform.PipeIn && dir == platform.PipeOut) ||
		(pi.dir == platform.PipeOut && dir == platform.PipeIn)
	if !compatible {
		return 0, platform.NamedError(platform.KindAccess, op, name, errors.New("direction not permitted by pipe"))
	}

	pi.clientOpen = true
	// A fresh client supersedes a departed one; the server must not
	// keep seeing the old disconnect.
	pi.clientClosed = false
	h := platform.PipeHandle(p.next())
	p.pipes[h] = &pipeEnd{pipe: pi, server: false}
	return h, nil
}

func (p *Provider) WaitForNamedPipeConnection(h platform.PipeHandle, timeout time.Duration) error {
	const op = "wait_for_named_pipe_connection"

	p.mu.Lock()
	defer p.mu.Unlock()

	end, ok := p.pipes[h]
	if !ok {
		return badHandle(op)
	}
	pi := end.pipe
	connected := p.waitUntil(timeout, func() bool {
		return pi.serverOpen && pi.clientOpen
	})
	if !connected {
		return platform.NamedError(platform.KindTimeout, op, pi.name, errors.New("connection wait expired"))
	}
	return nil
}

func (p *Provider) WriteNamedPipe(h platform.PipeHandle, data []byte) (int, error) {
	const op = "write_named_pipe"

	p.mu.Lock()
	defer p.mu.Unlock()

	end, ok := p.pipes[h]
	if !ok {
		return 0, badHandle(op)
	}
	pi := end.pipe

	writable := pi.dir == platform.PipeInOut ||
		(end.server && pi.dir == platform.PipeOut) ||
		(!end.server && pi.dir == platform.PipeIn)
	if !writable {
		return 0, platform.NamedError(platform.KindAccess, op, pi.name, errors.New("pipe end not writable"))
	}

	peerClosed := pi.clientClosed
	if !end.server {
		peerClosed = pi.serverClosed
	}
	if peerClosed {
		return 0, platform.NamedError(platform.KindBroken, op, pi.name, errors.New("pipe closed by peer"))
	}

	if len(data) == 0 {
		return 0, nil
	}
	if pi.mode == platform.PipeMessage && len(data) > pi.capacity {
		return 0, platform.Errorf(platform.KindInvalidValue, op, "message of %d bytes exceeds pipe buffer %d", len(data), pi.capacity)
	}

	dst := &pi.toClient
	if !end.server {
		dst = &pi.toServer
	}
	return dst.put(pi.mode, pi.capacity, data), nil
}

func (p *Provider) ReadNamedPipe(h platform.PipeHandle, buf []byte) (int, error) {
	const op = "read_named_pipe"

	p.mu.Lock()
	defer p.mu.Unlock()

	end, ok := p.pipes[h]
	if !ok {
		return 0, badHandle(op)
	}
	pi := end.pipe

	readable := pi.dir == platform.PipeInOut ||
		(end.server && pi.dir == platform.PipeIn) ||
		(!end.server && pi.dir == platform.PipeOut)
	if !readable {
		return 0, platform.NamedError(platform.KindAccess, op, pi.name, errors.New("pipe end not readable"))
	}

	src := &pi.toServer
	peerClosed := pi.clientClosed
	if !end.server {
		src = &pi.toClient
		peerClosed = pi.serverClosed
	}

	if n := src.take(pi.mode, buf); n > 0 {
		return n, nil
	}
	if peerClosed {
		return 0, platform.NamedError(platform.KindBroken, op, pi.name, errors.New("pipe closed by peer"))
	}
	return 0, nil
}

func (p *Provider) CloseNamedPipe(h platform.PipeHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	end, ok := p.pipes[h]
	if !ok {
		return badHandle("close_named_pipe")
	}
	delete(p.pipes, h)

	pi := end.pipe
	if end.server {
		pi.serverOpen = false
		pi.serverClosed = true
		// The name dies with the server end; a drained client may
		// still read buffered data.
		if p.pipeNames[pi.name] == pi {
			delete(p.pipeNames, pi.name)
		}
	} else {
		pi.clientOpen = false
		pi.clientClosed = true
	}
	return nil
}

type shmRegion struct {
	name     string
	data     []byte
	attached int
}

type shmAttach struct {
	region  *shmRegion
	access  platform.AccessType
	creator bool
}

func (p *Provider) CreateSharedMemory(name string, size int, access platform.AccessType) (*platform.SharedRegion, error) {
	const op = "create_shared_memory"
	if name == "" {
		return nil, platform.NewError(platform.KindInvalidValue, op, errors.New("empty region name"))
	}
	if size <= 0 {
		return nil, platform.Errorf(platform.KindInvalidValue, op, "size %d must be positive", size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.shmNames[name]; exists {
		return nil, platform.NamedError(platform.KindResource, op, name, errors.New("already exists"))
	}

	region := &shmRegion{name: name, data: make([]byte, size), attached: 1}
	p.shmNames[name] = region
	h := platform.ShmHandle(p.next())
	p.shms[h] = &shmAttach{region: region, access: access, creator: true}

	p.log.Debug("created shared memory", zap.String("name", name), zap.Int("size", size))
	return &platform.SharedRegion{Handle: h, Name: name, Data: region.data}, nil
}

func (p *Provider) OpenSharedMemory(name string, access platform.AccessType) (*platform.SharedRegion, error) {
	const op = "open_shared_memory"
	if name == "" {
		return nil, platform.NewError(platform.KindInvalidValue, op, errors.New("empty region name"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	region, ok := p.shmNames[name]
	if !ok {
		return nil, platform.NamedError(platform.KindNotFound, op, name, errors.New("no such region"))
	}

	region.attached++
	h := platform.ShmHandle(p.next())
	p.shms[h] = &shmAttach{region: region, access: access}
	return &platform.SharedRegion{Handle: h, Name: name, Data: region.data}, nil
}

func (p *Provider) CloseSharedMemory(h platform.ShmHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	attach, ok := p.shms[h]
	if !ok {
		return badHandle("close_shared_memory")
	}
	delete(p.shms, h)

	region := attach.region
	region.attached--
	if region.attached == 0 && p.shmNames[region.name] == region {
		delete(p.shmNames, region.name)
	}
	return nil
}

func (p *Provider) ResourceExists(name string, typ platform.ResourceType) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch typ {
	case platform.ResourcePipe:
		_, ok := p.pipeNames[name]
		return ok, nil
	case platform.ResourceSharedMemory:
		_, ok := p.shmNames[name]
		return ok, nil
	case platform.ResourceMutex:
		_, ok := p.mutexNames[name]
		return ok, nil
	case platform.ResourceSemaphore:
		_, ok := p.semNames[name]
		return ok, nil
	default:
		return false, platform.Errorf(platform.KindInvalidValue, "resource_exists", "unknown resource type %d", typ)
	}
}
