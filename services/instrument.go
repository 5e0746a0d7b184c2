package services

import (
	"net/netip"
	"sync"
	"time"

	"github.com/hostcap/hostcap/internal/monitoring"
	"github.com/hostcap/hostcap/platform"
)

// Instrumentation decorators. Each wraps a provider and records an
// operation counter and latency per call, plus handle and mapped-byte
// gauges on lifecycle operations. With no Metrics configured the raw
// provider is registered directly.

func status(err error) string {
	if err == nil {
		return monitoring.StatusOK
	}
	return platform.ErrKind(err).String()
}

func (s *Services) instrumentMemory(next platform.Memory) platform.Memory {
	if s.cfg.Metrics == nil {
		return next
	}
	return &instrumentedMemory{
		next:    next,
		metrics: s.cfg.Metrics,
		sizes:   make(map[platform.MemoryHandle]int),
	}
}

func (s *Services) instrumentIPC(next platform.IPC) platform.IPC {
	if s.cfg.Metrics == nil {
		return next
	}
	return &instrumentedIPC{next: next, metrics: s.cfg.Metrics}
}

func (s *Services) instrumentNetwork(next platform.Network) platform.Network {
	if s.cfg.Metrics == nil {
		return next
	}
	return &instrumentedNetwork{next: next, metrics: s.cfg.Metrics}
}

func (s *Services) instrumentSync(next platform.Sync) platform.Sync {
	if s.cfg.Metrics == nil {
		return next
	}
	return &instrumentedSync{next: next, metrics: s.cfg.Metrics}
}

type instrumentedMemory struct {
	next    platform.Memory
	metrics *monitoring.Metrics

	mu    sync.Mutex
	sizes map[platform.MemoryHandle]int
}

const labelMemory = "memory"

func (p *instrumentedMemory) record(op string, start time.Time, err error) {
	p.metrics.RecordOperation(labelMemory, op, status(err), time.Since(start))
}

func (p *instrumentedMemory) opened(region *platform.MappedRegion) {
	p.metrics.HandleOpened(labelMemory)
	p.metrics.MappedBytesAdd(float64(region.Size()))
	p.mu.Lock()
	p.sizes[region.Handle] = region.Size()
	p.mu.Unlock()
}

func (p *instrumentedMemory) MapMemory(size int, mt platform.MappingType, access platform.AccessType) (region *platform.MappedRegion, err error) {
	start := time.Now()
	defer func() { p.record("map_memory", start, err) }()
	region, err = p.next.MapMemory(size, mt, access)
	if err == nil {
		p.opened(region)
	}
	return region, err
}

func (p *instrumentedMemory) UnmapMemory(h platform.MemoryHandle) (err error) {
	start := time.Now()
	defer func() { p.record("unmap_memory", start, err) }()
	err = p.next.UnmapMemory(h)
	if err == nil {
		p.metrics.HandleClosed(labelMemory)
		p.mu.Lock()
		if size, ok := p.sizes[h]; ok {
			p.metrics.MappedBytesAdd(-float64(size))
			delete(p.sizes, h)
		}
		p.mu.Unlock()
	}
	return err
}

func (p *instrumentedMemory) MapFile(path string, offset int64, length int, access platform.AccessType) (region *platform.MappedRegion, err error) {
	start := time.Now()
	defer func() { p.record("map_file", start, err) }()
	region, err = p.next.MapFile(path, offset, length, access)
	if err == nil {
		p.opened(region)
	}
	return region, err
}

func (p *instrumentedMemory) FlushMappedFile(h platform.MemoryHandle) (err error) {
	start := time.Now()
	defer func() { p.record("flush_mapped_file", start, err) }()
	return p.next.FlushMappedFile(h)
}

func (p *instrumentedMemory) LockMemory(h platform.MemoryHandle) (err error) {
	start := time.Now()
	defer func() { p.record("lock_memory", start, err) }()
	return p.next.LockMemory(h)
}

func (p *instrumentedMemory) UnlockMemory(h platform.MemoryHandle) (err error) {
	start := time.Now()
	defer func() { p.record("unlock_memory", start, err) }()
	return p.next.UnlockMemory(h)
}

type instrumentedIPC struct {
	next    platform.IPC
	metrics *monitoring.Metrics
}

const labelIPC = "ipc"

func (p *instrumentedIPC) record(op string, start time.Time, err error) {
	p.metrics.RecordOperation(labelIPC, op, status(err), time.Since(start))
}

func (p *instrumentedIPC) CreateNamedPipe(name string, dir platform.PipeDirection, mode platform.PipeMode, bufferSize int) (h platform.PipeHandle, err error) {
	start := time.Now()
	defer func() { p.record("create_named_pipe", start, err) }()
	h, err = p.next.CreateNamedPipe(name, dir, mode, bufferSize)
	if err == nil {
		p.metrics.HandleOpened(labelIPC)
	}
	return h, err
}

func (p *instrumentedIPC) ConnectNamedPipe(name string, dir platform.PipeDirection) (h platform.PipeHandle, err error) {
	start := time.Now()
	defer func() { p.record("connect_named_pipe", start, err) }()
	h, err = p.next.ConnectNamedPipe(name, dir)
	if err == nil {
		p.metrics.HandleOpened(labelIPC)
	}
	return h, err
}

func (p *instrumentedIPC) WaitForNamedPipeConnection(h platform.PipeHandle, timeout time.Duration) (err error) {
	start := time.Now()
	defer func() { p.record("wait_for_named_pipe_connection", start, err) }()
	return p.next.WaitForNamedPipeConnection(h, timeout)
}

func (p *instrumentedIPC) WriteNamedPipe(h platform.PipeHandle, data []byte) (n int, err error) {
	start := time.Now()
	defer func() { p.record("write_named_pipe", start, err) }()
	return p.next.WriteNamedPipe(h, data)
}

func (p *instrumentedIPC) ReadNamedPipe(h platform.PipeHandle, buf []byte) (n int, err error) {
	start := time.Now()
	defer func() { p.record("read_named_pipe", start, err) }()
	return p.next.ReadNamedPipe(h, buf)
}

func (p *instrumentedIPC) CloseNamedPipe(h platform.PipeHandle) (err error) {
	start := time.Now()
	defer func() { p.record("close_named_pipe", start, err) }()
	err = p.next.CloseNamedPipe(h)
	if err == nil {
		p.metrics.HandleClosed(labelIPC)
	}
	return err
}

func (p *instrumentedIPC) CreateSharedMemory(name string, size int, access platform.AccessType) (region *platform.SharedRegion, err error) {
	start := time.Now()
	defer func() { p.record("create_shared_memory", start, err) }()
	region, err = p.next.CreateSharedMemory(name, size, access)
	if err == nil {
		p.metrics.HandleOpened(labelIPC)
	}
	return region, err
}

func (p *instrumentedIPC) OpenSharedMemory(name string, access platform.AccessType) (region *platform.SharedRegion, err error) {
	start := time.Now()
	defer func() { p.record("open_shared_memory", start, err) }()
	region, err = p.next.OpenSharedMemory(name, access)
	if err == nil {
		p.metrics.HandleOpened(labelIPC)
	}
	return region, err
}

func (p *instrumentedIPC) CloseSharedMemory(h platform.ShmHandle) (err error) {
	start := time.Now()
	defer func() { p.record("close_shared_memory", start, err) }()
	err = p.next.CloseSharedMemory(h)
	if err == nil {
		p.metrics.HandleClosed(labelIPC)
	}
	return err
}

func (p *instrumentedIPC) ResourceExists(name string, typ platform.ResourceType) (ok bool, err error) {
	start := time.Now()
	defer func() { p.record("resource_exists", start, err) }()
	return p.next.ResourceExists(name, typ)
}

type instrumentedNetwork struct {
	next    platform.Network
	metrics *monitoring.Metrics
}

const labelNetwork = "network"

func (p *instrumentedNetwork) record(op string, start time.Time, err error) {
	p.metrics.RecordOperation(labelNetwork, op, status(err), time.Since(start))
}

func (p *instrumentedNetwork) CreateSocket(domain platform.SocketDomain, typ platform.SocketType, proto platform.Protocol) (h platform.SocketHandle, err error) {
	start := time.Now()
	defer func() { p.record("create_socket", start, err) }()
	h, err = p.next.CreateSocket(domain, typ, proto)
	if err == nil {
		p.metrics.HandleOpened(labelNetwork)
	}
	return h, err
}

func (p *instrumentedNetwork) BindSocket(h platform.SocketHandle, addr netip.AddrPort) (err error) {
	start := time.Now()
	defer func() { p.record("bind_socket", start, err) }()
	return p.next.BindSocket(h, addr)
}

func (p *instrumentedNetwork) ListenSocket(h platform.SocketHandle, backlog int) (err error) {
	start := time.Now()
	defer func() { p.record("listen_socket", start, err) }()
	return p.next.ListenSocket(h, backlog)
}

func (p *instrumentedNetwork) AcceptSocket(h platform.SocketHandle) (nh platform.SocketHandle, addr netip.AddrPort, err error) {
	start := time.Now()
	defer func() { p.record("accept_socket", start, err) }()
	nh, addr, err = p.next.AcceptSocket(h)
	if err == nil && !nh.IsZero() {
		p.metrics.HandleOpened(labelNetwork)
	}
	return nh, addr, err
}

func (p *instrumentedNetwork) ConnectSocket(h platform.SocketHandle, addr netip.AddrPort) (err error) {
	start := time.Now()
	defer func() { p.record("connect_socket", start, err) }()
	return p.next.ConnectSocket(h, addr)
}

func (p *instrumentedNetwork) SendSocket(h platform.SocketHandle, data []byte) (n int, err error) {
	start := time.Now()
	defer func() { p.record("send_socket", start, err) }()
	return p.next.SendSocket(h, data)
}

func (p *instrumentedNetwork) ReceiveSocket(h platform.SocketHandle, buf []byte) (n int, closed bool, err error) {
	start := time.Now()
	defer func() { p.record("receive_socket", start, err) }()
	return p.next.ReceiveSocket(h, buf)
}

func (p *instrumentedNetwork) CloseSocket(h platform.SocketHandle) (err error) {
	start := time.Now()
	defer func() { p.record("close_socket", start, err) }()
	err = p.next.CloseSocket(h)
	if err == nil {
		p.metrics.HandleClosed(labelNetwork)
	}
	return err
}

func (p *instrumentedNetwork) ShutdownSocket(h platform.SocketHandle, how platform.ShutdownHow) (err error) {
	start := time.Now()
	defer func() { p.record("shutdown_socket", start, err) }()
	return p.next.ShutdownSocket(h, how)
}

func (p *instrumentedNetwork) SetSocketOption(h platform.SocketHandle, opt platform.SocketOption, value int) (err error) {
	start := time.Now()
	defer func() { p.record("set_socket_option", start, err) }()
	return p.next.SetSocketOption(h, opt, value)
}

func (p *instrumentedNetwork) GetSocketOption(h platform.SocketHandle, opt platform.SocketOption) (v int, err error) {
	start := time.Now()
	defer func() { p.record("get_socket_option", start, err) }()
	return p.next.GetSocketOption(h, opt)
}

func (p *instrumentedNetwork) LocalEndpoint(h platform.SocketHandle) (ep netip.AddrPort, err error) {
	start := time.Now()
	defer func() { p.record("local_endpoint", start, err) }()
	return p.next.LocalEndpoint(h)
}

func (p *instrumentedNetwork) RemoteEndpoint(h platform.SocketHandle) (ep netip.AddrPort, err error) {
	start := time.Now()
	defer func() { p.record("remote_endpoint", start, err) }()
	return p.next.RemoteEndpoint(h)
}

func (p *instrumentedNetwork) Poll(h platform.SocketHandle, events platform.PollEvents, timeout time.Duration) (ready platform.PollEvents, err error) {
	start := time.Now()
	defer func() { p.record("poll", start, err) }()
	return p.next.Poll(h, events, timeout)
}

func (p *instrumentedNetwork) ResolveHostName(host string) (addrs []netip.Addr, err error) {
	start := time.Now()
	defer func() { p.record("resolve_host_name", start, err) }()
	return p.next.ResolveHostName(host)
}

type instrumentedSync struct {
	next    platform.Sync
	metrics *monitoring.Metrics
}

const labelSync = "sync"

func (p *instrumentedSync) record(op string, start time.Time, err error) {
	p.metrics.RecordOperation(labelSync, op, status(err), time.Since(start))
}

func (p *instrumentedSync) CreateMutex(name string) (h platform.MutexHandle, err error) {
	start := time.Now()
	defer func() { p.record("create_mutex", start, err) }()
	h, err = p.next.CreateMutex(name)
	if err == nil {
		p.metrics.HandleOpened(labelSync)
	}
	return h, err
}

func (p *instrumentedSync) OpenMutex(name string) (h platform.MutexHandle, err error) {
	start := time.Now()
	defer func() { p.record("open_mutex", start, err) }()
	h, err = p.next.OpenMutex(name)
	if err == nil {
		p.metrics.HandleOpened(labelSync)
	}
	return h, err
}

func (p *instrumentedSync) AcquireMutex(h platform.MutexHandle, timeout time.Duration) (acquired bool, err error) {
	start := time.Now()
	defer func() { p.record("acquire_mutex", start, err) }()
	return p.next.AcquireMutex(h, timeout)
}

func (p *instrumentedSync) ReleaseMutex(h platform.MutexHandle) (err error) {
	start := time.Now()
	defer func() { p.record("release_mutex", start, err) }()
	return p.next.ReleaseMutex(h)
}

func (p *instrumentedSync) CloseMutex(h platform.MutexHandle) (err error) {
	start := time.Now()
	defer func() { p.record("close_mutex", start, err) }()
	err = p.next.CloseMutex(h)
	if err == nil {
		p.metrics.HandleClosed(labelSync)
	}
	return err
}

func (p *instrumentedSync) CreateSemaphore(name string, initial, maximum int) (h platform.SemHandle, err error) {
	start := time.Now()
	defer func() { p.record("create_semaphore", start, err) }()
	h, err = p.next.CreateSemaphore(name, initial, maximum)
	if err == nil {
		p.metrics.HandleOpened(labelSync)
	}
	return h, err
}

func (p *instrumentedSync) OpenSemaphore(name string) (h platform.SemHandle, err error) {
	start := time.Now()
	defer func() { p.record("open_semaphore", start, err) }()
	h, err = p.next.OpenSemaphore(name)
	if err == nil {
		p.metrics.HandleOpened(labelSync)
	}
	return h, err
}

func (p *instrumentedSync) AcquireSemaphore(h platform.SemHandle, timeout time.Duration) (acquired bool, err error) {
	start := time.Now()
	defer func() { p.record("acquire_semaphore", start, err) }()
	return p.next.AcquireSemaphore(h, timeout)
}

func (p *instrumentedSync) ReleaseSemaphore(h platform.SemHandle, count int) (previous int, err error) {
	start := time.Now()
	defer func() { p.record("release_semaphore", start, err) }()
	return p.next.ReleaseSemaphore(h, count)
}

func (p *instrumentedSync) CloseSemaphore(h platform.SemHandle) (err error) {
	start := time.Now()
	defer func() { p.record("close_semaphore", start, err) }()
	err = p.next.CloseSemaphore(h)
	if err == nil {
		p.metrics.HandleClosed(labelSync)
	}
	return err
}
