package services

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hostcap/hostcap/internal/logging"
	"github.com/hostcap/hostcap/internal/monitoring"
	"github.com/hostcap/hostcap/internal/providers/sim"
	"github.com/hostcap/hostcap/platform"
)

// Config controls Services construction.
type Config struct {
	// Platform forces a provider set instead of host detection. The
	// zero value detects. Forcing a family the binary was not built
	// for fails at Initialize.
	Platform platform.OS

	// ForceSim runs the in-memory simulation regardless of host.
	ForceSim bool

	// Logger receives provider and lifecycle logs. Nil discards.
	Logger *logging.Logger

	// Metrics, when set, wraps every provider with instrumentation.
	Metrics *monitoring.Metrics
}

// Services is the process-wide context object callers hold instead of
// package-level state. Construct once, Initialize once, then use the
// capability accessors from any goroutine.
type Services struct {
	log *logging.Logger
	cfg Config

	initMu      sync.Mutex
	initialized atomic.Bool
	registry    *Registry
	raw         providerSet
}

// New builds an uninitialized Services.
func New(cfg Config) *Services {
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Services{log: log.Named("services"), cfg: cfg}
}

// Initialize detects the platform (or applies the override), builds
// its provider set and registers one provider per capability. The
// first call does the work; concurrent first calls are safe, and any
// later call reports already=true without re-registering. A failed
// initialization leaves Services uninitialized so it can be retried.
func (s *Services) Initialize() (already bool, err error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.initialized.Load() {
		return true, nil
	}

	host := s.cfg.Platform
	if host == platform.Unknown && !s.cfg.ForceSim {
		host = Detect()
	}

	var set providerSet
	if s.cfg.ForceSim || host == platform.Unknown {
		host = platform.Unknown
		sp := sim.New(s.log)
		set = providerSet{memory: sp, ipc: sp, network: sp, syncp: sp}
	} else {
		set, err = nativeProviders(host, s.log)
		if err != nil {
			return false, err
		}
	}

	registry := NewRegistry(host)
	registry.RegisterMemory(s.instrumentMemory(set.memory))
	registry.RegisterIPC(s.instrumentIPC(set.ipc))
	registry.RegisterNetwork(s.instrumentNetwork(set.network))
	registry.RegisterSync(s.instrumentSync(set.syncp))

	s.raw = set
	s.registry = registry
	s.initialized.Store(true)

	s.log.Info("platform services initialized", zap.String("platform", host.String()))
	return false, nil
}

// Initialized reports whether Initialize has completed.
func (s *Services) Initialized() bool {
	return s.initialized.Load()
}

// Platform reports the platform the providers were built for.
func (s *Services) Platform() (platform.OS, error) {
	if !s.initialized.Load() {
		return platform.Unknown, notInitialized("get_platform")
	}
	return s.registry.Host(), nil
}

// Memory returns the memory provider.
func (s *Services) Memory() (platform.Memory, error) {
	if !s.initialized.Load() {
		return nil, notInitialized("get_memory_provider")
	}
	return s.registry.Memory()
}

// IPC returns the IPC provider.
func (s *Services) IPC() (platform.IPC, error) {
	if !s.initialized.Load() {
		return nil, notInitialized("get_ipc_provider")
	}
	return s.registry.IPC()
}

// Network returns the network provider.
func (s *Services) Network() (platform.Network, error) {
	if !s.initialized.Load() {
		return nil, notInitialized("get_network_provider")
	}
	return s.registry.Network()
}

// Sync returns the sync provider.
func (s *Services) Sync() (platform.Sync, error) {
	if !s.initialized.Load() {
		return nil, notInitialized("get_sync_provider")
	}
	return s.registry.Sync()
}

// ResourceRemover is implemented by providers whose named objects have
// filesystem backing that can outlive the creating process.
type ResourceRemover interface {
	RemoveResource(name string, typ platform.ResourceType) error
}

// Remover returns the active provider's orphan-removal hook, or nil
// when its named objects die with the process and there is nothing to
// reclaim.
func (s *Services) Remover() ResourceRemover {
	if !s.initialized.Load() {
		return nil
	}
	if r, ok := s.raw.ipc.(ResourceRemover); ok {
		return r
	}
	return nil
}

// OpenHandles reports live handles per capability, nil before
// Initialize. Instrumentation wrappers are bypassed; the counts come
// from the raw provider tables.
func (s *Services) OpenHandles() map[platform.Capability]int {
	if !s.initialized.Load() {
		return nil
	}
	if c, ok := s.raw.ipc.(interface {
		OpenHandles() map[platform.Capability]int
	}); ok {
		return c.OpenHandles()
	}
	return nil
}

// Close tears down the provider set and returns Services to the
// uninitialized state. Meant for tests and daemon shutdown.
func (s *Services) Close() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if !s.initialized.Load() {
		return nil
	}
	err := s.raw.close()
	s.raw = providerSet{}
	s.registry = nil
	s.initialized.Store(false)
	return err
}

func notInitialized(op string) *platform.Error {
	return platform.NewError(platform.KindInvalidState, op, errors.New("services not initialized"))
}
