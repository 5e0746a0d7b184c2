// Package sim implements every capability with in-process state:
// maps keyed by generated handles behind one coarse lock. It backs
// unknown platforms and serves as the deterministic reference
// implementation for conformance tests.
package sim

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/hostcap/hostcap/internal/logging"
	"github.com/hostcap/hostcap/platform"
)

// pollInterval paces bounded waits; the simulation has no native wait
// primitive to park on.
const pollInterval = time.Millisecond

// Provider implements platform.Memory, platform.IPC, platform.Network
// and platform.Sync without native calls. One lock guards all state;
// every operation holds it for its full duration.
type Provider struct {
	log *logging.Logger

	mu       sync.Mutex
	nextID   uint64
	nextPort uint16

	mappings map[platform.MemoryHandle]*mapping

	pipes     map[platform.PipeHandle]*pipeEnd
	pipeNames map[string]*pipe

	shms     map[platform.ShmHandle]*shmAttach
	shmNames map[string]*shmRegion

	sockets map[platform.SocketHandle]*socket
	bound   map[netip.AddrPort]*socket

	mutexes    map[platform.MutexHandle]*mutexState
	mutexNames map[string]*mutexState

	sems     map[platform.SemHandle]*semState
	semNames map[string]*semState
}

var (
	_ platform.Memory  = (*Provider)(nil)
	_ platform.IPC     = (*Provider)(nil)
	_ platform.Network = (*Provider)(nil)
	_ platform.Sync    = (*Provider)(nil)
)

// New builds an empty simulation provider. A nil logger discards logs.
func New(log *logging.Logger) *Provider {
	if log == nil {
		log = logging.Nop()
	}
	return &Provider{
		log:        log.Named("sim"),
		nextPort:   49152,
		mappings:   make(map[platform.MemoryHandle]*mapping),
		pipes:      make(map[platform.PipeHandle]*pipeEnd),
		pipeNames:  make(map[string]*pipe),
		shms:       make(map[platform.ShmHandle]*shmAttach),
		shmNames:   make(map[string]*shmRegion),
		sockets:    make(map[platform.SocketHandle]*socket),
		bound:      make(map[netip.AddrPort]*socket),
		mutexes:    make(map[platform.MutexHandle]*mutexState),
		mutexNames: make(map[string]*mutexState),
		sems:       make(map[platform.SemHandle]*semState),
		semNames:   make(map[string]*semState),
	}
}

// OpenHandles reports live handles per capability. Conformance tests
// use it to verify nothing stays registered after release.
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

// ephemeralPort hands out client ports. Callers hold p.mu.
func (p *Provider) ephemeralPort(addr netip.Addr) netip.AddrPort {
	for {
		port := p.nextPort
		p.nextPort++
		if p.nextPort == 0 {
			p.nextPort = 49152
		}
		candidate := netip.AddrPortFrom(addr, port)
		if _, used := p.bound[candidate]; !used {
			return candidate
		}
	}
}

// waitUntil polls ready until it reports true or timeout expires.
// Callers hold p.mu on entry; the lock is held again on return.
func (p *Provider) waitUntil(timeout time.Duration, ready func() bool) bool {
	if ready() {
		return true
	}
	if timeout == platform.NoWait {
		return false
	}
	var deadline time.Time
	if timeout != platform.Infinite {
		deadline = time.Now().Add(timeout)
	}
	for {
		p.mu.Unlock()
		time.Sleep(pollInterval)
		p.mu.Lock()
		if ready() {
			return true
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
	}
}

func badHandle(op string) *platform.Error {
	return platform.NewError(platform.KindInvalidValue, op, errors.New("unknown or closed handle"))
}
