package services

import (
	"errors"
	"io"
	"sync"

	"github.com/hostcap/hostcap/platform"
)

// Registry owns the provider instances registered for one platform.
// One instance per capability serves the whole process; handles are
// valid only with the provider that issued them.
type Registry struct {
	mu      sync.RWMutex
	host    platform.OS
	memory  platform.Memory
	ipc     platform.IPC
	network platform.Network
	syncp   platform.Sync
}

// NewRegistry builds an empty registry for the given platform.
func NewRegistry(host platform.OS) *Registry {
	return &Registry{host: host}
}

// Host reports the platform this registry was built for.
func (r *Registry) Host() platform.OS {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.host
}

// RegisterMemory installs the memory provider.
func (r *Registry) RegisterMemory(p platform.Memory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memory = p
}

// RegisterIPC installs the IPC provider.
func (r *Registry) RegisterIPC(p platform.IPC) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ipc = p
}

// RegisterNetwork installs the network provider.
func (r *Registry) RegisterNetwork(p platform.Network) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.network = p
}

// RegisterSync installs the sync provider.
func (r *Registry) RegisterSync(p platform.Sync) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncp = p
}

// Memory returns the registered memory provider.
func (r *Registry) Memory() (platform.Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.memory == nil {
		return nil, missingProvider("get_memory_provider")
	}
	return r.memory, nil
}

// IPC returns the registered IPC provider.
func (r *Registry) IPC() (platform.IPC, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ipc == nil {
		return nil, missingProvider("get_ipc_provider")
	}
	return r.ipc, nil
}

// Network returns the registered network provider.
func (r *Registry) Network() (platform.Network, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.network == nil {
		return nil, missingProvider("get_network_provider")
	}
	return r.network, nil
}

// Sync returns the registered sync provider.
func (r *Registry) Sync() (platform.Sync, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.syncp == nil {
		return nil, missingProvider("get_sync_provider")
	}
	return r.syncp, nil
}

func missingProvider(op string) *platform.Error {
	return platform.NewError(platform.KindInvalidState, op, errors.New("no provider registered"))
}

// providerSet bundles the four capabilities one platform contributes.
// A single value may back several slots, as the simulation does.
type providerSet struct {
	memory  platform.Memory
	ipc     platform.IPC
	network platform.Network
	syncp   platform.Sync
}

// close releases every distinct provider in the set that holds native
// state.
func (ps providerSet) close() error {
	seen := make(map[any]struct{}, 4)
	var err error
	for _, p := range []any{ps.memory, ps.ipc, ps.network, ps.syncp} {
		if p == nil {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if closer, ok := p.(io.Closer); ok {
			err = errors.Join(err, closer.Close())
		}
	}
	return err
}
