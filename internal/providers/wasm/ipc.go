//go:build js && wasm

package wasm

import (
	"errors"
	"syscall/js"
	"time"

	"go.uber.org/zap"

	"github.com/hostcap/hostcap/platform"
)

// Named pipes need a host rendezvous primitive the browser does not
// offer; the capability is absent rather than simulated.

func (p *Provider) CreateNamedPipe(name string, dir platform.PipeDirection, mode platform.PipeMode, bufferSize int) (platform.PipeHandle, error) {
	return 0, platform.Unsupported("create_named_pipe", platform.Wasm)
}

func (p *Provider) ConnectNamedPipe(name string, dir platform.PipeDirection) (platform.PipeHandle, error) {
	return 0, platform.Unsupported("connect_named_pipe", platform.Wasm)
}

func (p *Provider) WaitForNamedPipeConnection(h platform.PipeHandle, timeout time.Duration) error {
	return badHandle("wait_for_named_pipe_connection")
}

func (p *Provider) WriteNamedPipe(h platform.PipeHandle, data []byte) (int, error) {
	return 0, badHandle("write_named_pipe")
}

func (p *Provider) ReadNamedPipe(h platform.PipeHandle, buf []byte) (int, error) {
	return 0, badHandle("read_named_pipe")
}

func (p *Provider) CloseNamedPipe(h platform.PipeHandle) error {
	return badHandle("close_named_pipe")
}

// shmRegion is the runtime-local face of one named region: the host
// buffer other workers can reach, and a Go working copy every local
// attach shares. The copies meet at the host-call boundary: create and
// close push, open pulls.
type shmRegion struct {
	name string
	buf  js.Value
	view js.Value
	data []byte
}

func (r *shmRegion) push() {
	js.CopyBytesToJS(r.view, r.data)
}

func (r *shmRegion) pull() {
	js.CopyBytesToGo(r.data, r.view)
}

type shmAttach struct {
	region  *shmRegion
	creator bool
}

func (a *shmAttach) release() {
	a.region.push()
	if a.creator {
		registry("shm").Delete(a.region.name)
	}
}

func (p *Provider) CreateSharedMemory(name string, size int, access platform.AccessType) (*platform.SharedRegion, error) {
	const op = "create_shared_memory"
	if err := validName(op, name); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, platform.Errorf(platform.KindInvalidValue, op, "size %d must be positive", size)
	}

	reg := registry("shm")
	if !reg.Get(name).IsUndefined() {
		return nil, platform.NamedError(platform.KindResource, op, name, errors.New("already exists"))
	}
	buf := newSharedBuffer(size)
	view := jsUint8Array.New(buf)
	reg.Set(name, buf)

	region := &shmRegion{name: name, buf: buf, view: view, data: make([]byte, size)}

	p.mu.Lock()
	h := platform.ShmHandle(p.next())
	p.shms[h] = &shmAttach{region: region, creator: true}
	p.shmNames[name] = region
	p.mu.Unlock()

	p.log.Debug("created shared memory", zap.String("name", name), zap.Int("size", size))
	return &platform.SharedRegion{Handle: h, Name: name, Data: region.data}, nil
}

func (p *Provider) OpenSharedMemory(name string, access platform.AccessType) (*platform.SharedRegion, error) {
	const op = "open_shared_memory"
	if err := validName(op, name); err != nil {
		return nil, err
	}

	// A region created in this runtime shares its working copy, so
	// local attaches see each other's writes immediately.
	p.mu.Lock()
	if region, ok := p.shmNames[name]; ok {
		h := platform.ShmHandle(p.next())
		p.shms[h] = &shmAttach{region: region}
		p.mu.Unlock()
		return &platform.SharedRegion{Handle: h, Name: name, Data: region.data}, nil
	}
	p.mu.Unlock()

	buf := registry("shm").Get(name)
	if buf.IsUndefined() {
		return nil, platform.NamedError(platform.KindNotFound, op, name, errors.New("no such region"))
	}
	view := jsUint8Array.New(buf)
	region := &shmRegion{
		name: name,
		buf:  buf,
		view: view,
		data: make([]byte, buf.Get("byteLength").Int()),
	}
	region.pull()

	p.mu.Lock()
	h := platform.ShmHandle(p.next())
	p.shms[h] = &shmAttach{region: region}
	p.shmNames[name] = region
	p.mu.Unlock()
	return &platform.SharedRegion{Handle: h, Name: name, Data: region.data}, nil
}

func (p *Provider) CloseSharedMemory(h platform.ShmHandle) error {
	const op = "close_shared_memory"

	p.mu.Lock()
	a, ok := p.shms[h]
	if ok {
		delete(p.shms, h)
		if a.creator {
			delete(p.shmNames, a.region.name)
		}
	}
	p.mu.Unlock()

	if !ok {
		return badHandle(op)
	}
	a.release()
	return nil
}

func (p *Provider) ResourceExists(name string, typ platform.ResourceType) (bool, error) {
	const op = "resource_exists"
	if err := validName(op, name); err != nil {
		return false, err
	}

	switch typ {
	case platform.ResourcePipe:
		return false, nil
	case platform.ResourceSharedMemory:
		return !registry("shm").Get(name).IsUndefined(), nil
	case platform.ResourceMutex:
		return !registry("sync").Get("lock-"+name).IsUndefined(), nil
	case platform.ResourceSemaphore:
		return !registry("sync").Get("sem-"+name).IsUndefined(), nil
	default:
		return false, platform.Errorf(platform.KindInvalidValue, op, "unknown resource type %d", typ)
	}
}
