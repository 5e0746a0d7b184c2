//go:build js && wasm

// Package wasm implements the capability contracts inside a
// browser-class WebAssembly runtime. Anonymous mappings are linear
// memory buffers, shared memory and sync counters live in a registry
// of SharedArrayBuffers hung off globalThis so workers loading the
// same module can reach them, and sockets are connect-only
// WebSockets. Named pipes have no host primitive and stay
// unsupported.
package wasm

import (
	"errors"
	"sync"
	"syscall/js"
	"time"

	"github.com/hostcap/hostcap/internal/logging"
	"github.com/hostcap/hostcap/platform"
)

// pollInterval paces bounded waits. Sleeping yields to the host event
// loop, which is what lets callbacks fire while a wait spins;
// Atomics.wait would park the only thread the events arrive on.
const pollInterval = time.Millisecond

// registryKey names the global object carrying the name registries.
const registryKey = "__hostcap"

var (
	jsGlobal     = js.Global()
	jsObject     = jsGlobal.Get("Object")
	jsAtomics    = jsGlobal.Get("Atomics")
	jsUint8Array = jsGlobal.Get("Uint8Array")
	jsInt32Array = jsGlobal.Get("Int32Array")
)

// Provider implements platform.Memory, platform.IPC, platform.Network
// and platform.Sync on browser primitives. The provider lock guards
// the handle tables; blocking operations never hold it.
type Provider struct {
	log *logging.Logger

	mu     sync.Mutex
	nextID uint64

	mappings map[platform.MemoryHandle]*mapping

	shms     map[platform.ShmHandle]*shmAttach
	shmNames map[string]*shmRegion

	sockets map[platform.SocketHandle]*socket

	mutexes map[platform.MutexHandle]*mutexCell
	sems    map[platform.SemHandle]*semCell
}

var (
	_ platform.Memory  = (*Provider)(nil)
	_ platform.IPC     = (*Provider)(nil)
	_ platform.Network = (*Provider)(nil)
	_ platform.Sync    = (*Provider)(nil)
)

// New builds the browser provider.
func New(log *logging.Logger) (*Provider, error) {
	if log == nil {
		log = logging.Nop()
	}
	return &Provider{
		log:      log.Named("wasm"),
		mappings: make(map[platform.MemoryHandle]*mapping),
		shms:     make(map[platform.ShmHandle]*shmAttach),
		shmNames: make(map[string]*shmRegion),
		sockets:  make(map[platform.SocketHandle]*socket),
		mutexes:  make(map[platform.MutexHandle]*mutexCell),
		sems:     make(map[platform.SemHandle]*semCell),
	}, nil
}

// Close releases every live handle. Registry entries created here are
// removed the same way individual closes would remove them.
func (p *Provider) Close() error {
	p.mu.Lock()
	shms := p.shms
	sockets := p.sockets
	mutexes := p.mutexes
	sems := p.sems
	p.mappings = make(map[platform.MemoryHandle]*mapping)
	p.shms = make(map[platform.ShmHandle]*shmAttach)
	p.shmNames = make(map[string]*shmRegion)
	p.sockets = make(map[platform.SocketHandle]*socket)
	p.mutexes = make(map[platform.MutexHandle]*mutexCell)
	p.sems = make(map[platform.SemHandle]*semCell)
	p.mu.Unlock()

	for _, a := range shms {
		a.release()
	}
	for _, s := range sockets {
		s.release()
	}
	for _, m := range mutexes {
		m.release()
	}
	for _, s := range sems {
		s.release()
	}
	return nil
}

// OpenHandles reports live handles per capability.
func (p *Provider) OpenHandles() map[platform.Capability]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[platform.Capability]int{
		platform.CapMemory:  len(p.mappings),
		platform.CapIPC:     len(p.shms),
		platform.CapNetwork: len(p.sockets),
		platform.CapSync:    len(p.mutexes) + len(p.sems),
	}
}

// next returns a fresh handle value. Callers hold p.mu.
func (p *Provider) next() uint64 {
	p.nextID++
	return p.nextID
}

// registry returns the global name registry, creating it on first use.
// Each concern gets its own sub-object so keys cannot collide.
func registry(concern string) js.Value {
	reg := jsGlobal.Get(registryKey)
	if reg.IsUndefined() {
		reg = jsObject.New()
		jsGlobal.Set(registryKey, reg)
	}
	sub := reg.Get(concern)
	if sub.IsUndefined() {
		sub = jsObject.New()
		reg.Set(concern, sub)
	}
	return sub
}

// newSharedBuffer allocates a buffer other workers can observe.
// Without cross-origin isolation the host hides SharedArrayBuffer; a
// plain ArrayBuffer still gives name-keyed sharing inside this
// runtime.
func newSharedBuffer(size int) js.Value {
	ctor := jsGlobal.Get("SharedArrayBuffer")
	if ctor.IsUndefined() {
		ctor = jsGlobal.Get("ArrayBuffer")
	}
	return ctor.New(size)
}

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

func atomicLoad(arr js.Value, idx int) int {
	return jsAtomics.Call("load", arr, idx).Int()
}

func atomicStore(arr js.Value, idx, v int) {
	jsAtomics.Call("store", arr, idx, v)
}

// atomicCAS swaps old for repl at idx and reports whether it won.
func atomicCAS(arr js.Value, idx, old, repl int) bool {
	return jsAtomics.Call("compareExchange", arr, idx, old, repl).Int() == old
}
