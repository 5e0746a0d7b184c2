package platform

import (
	"net/netip"
	"time"
)

// Memory provides virtual memory mapping, file-backed mapping, and
// page-residency control. Operations are synchronous; a mapping is
// either fully established or the call fails with nothing to clean up.
type Memory interface {
	// MapMemory creates an anonymous mapping of size bytes.
	MapMemory(size int, mapping MappingType, access AccessType) (*MappedRegion, error)

	// UnmapMemory releases a mapping. The region's Data must not be
	// dereferenced afterward; a second call on the same handle fails.
	UnmapMemory(h MemoryHandle) error

	// MapFile maps length bytes of the file at path starting at
	// offset. length 0 maps through the end of the file. The mapping
	// is shared: writes reach the file.
	MapFile(path string, offset int64, length int, access AccessType) (*MappedRegion, error)

	// FlushMappedFile forces modified pages of a file mapping to the
	// backing file.
	FlushMappedFile(h MemoryHandle) error

	// LockMemory pins the region's pages against swapping. Platforms
	// without page pinning, or without the privilege for it, treat
	// this as a successful no-op.
	LockMemory(h MemoryHandle) error

	// UnlockMemory releases a LockMemory pin.
	UnlockMemory(h MemoryHandle) error
}

// IPC provides named pipes and named shared memory.
type IPC interface {
	// CreateNamedPipe creates the server end of a named pipe. The name
	// is logical; platform path conventions stay internal.
	CreateNamedPipe(name string, dir PipeDirection, mode PipeMode, bufferSize int) (PipeHandle, error)

	// ConnectNamedPipe opens the client end of an existing named pipe.
	ConnectNamedPipe(name string, dir PipeDirection) (PipeHandle, error)

	// WaitForNamedPipeConnection blocks until the pipe has both ends
	// attached, up to timeout. NoWait polls once.
	WaitForNamedPipeConnection(h PipeHandle, timeout time.Duration) error

	// WriteNamedPipe writes p and reports bytes accepted. (0, nil)
	// means the pipe cannot take data right now.
	WriteNamedPipe(h PipeHandle, p []byte) (int, error)

	// ReadNamedPipe reads into p. (0, nil) means no data is available
	// right now, not end of stream; a severed pipe is KindBroken.
	ReadNamedPipe(h PipeHandle, p []byte) (int, error)

	// CloseNamedPipe releases one end of a pipe.
	CloseNamedPipe(h PipeHandle) error

	// CreateSharedMemory creates and maps a named region of size bytes.
	CreateSharedMemory(name string, size int, access AccessType) (*SharedRegion, error)

	// OpenSharedMemory maps an existing named region and reports its
	// size through the returned slice.
	OpenSharedMemory(name string, access AccessType) (*SharedRegion, error)

	// CloseSharedMemory unmaps a region and releases its handle. The
	// name persists until every holder closes, per platform rules.
	CloseSharedMemory(h ShmHandle) error

	// ResourceExists reports whether a named resource of the given
	// type currently exists.
	ResourceExists(name string, typ ResourceType) (bool, error)
}

// Network mirrors Berkeley sockets. Sockets are non-blocking: a
// transfer of 0 bytes with a nil error means "would block". Orderly
// peer shutdown is reported through ReceiveSocket's closed result,
// never conflated with would-block.
type Network interface {
	CreateSocket(domain SocketDomain, typ SocketType, proto Protocol) (SocketHandle, error)

	BindSocket(h SocketHandle, addr netip.AddrPort) error

	ListenSocket(h SocketHandle, backlog int) error

	// AcceptSocket takes the next pending connection. When none is
	// pending it returns a zero handle and nil error.
	AcceptSocket(h SocketHandle) (SocketHandle, netip.AddrPort, error)

	// ConnectSocket establishes a connection, blocking until the
	// handshake resolves. Datagram sockets must connect before
	// SendSocket/ReceiveSocket.
	ConnectSocket(h SocketHandle, addr netip.AddrPort) error

	// SendSocket queues p and reports bytes accepted; (0, nil) means
	// the socket cannot take data right now.
	SendSocket(h SocketHandle, p []byte) (int, error)

	// ReceiveSocket reads into p. closed reports an orderly shutdown
	// by the peer; (0, false, nil) means no data is available right
	// now. A reset connection is KindBroken.
	ReceiveSocket(h SocketHandle, p []byte) (n int, closed bool, err error)

	CloseSocket(h SocketHandle) error

	ShutdownSocket(h SocketHandle, how ShutdownHow) error

	SetSocketOption(h SocketHandle, opt SocketOption, value int) error

	GetSocketOption(h SocketHandle, opt SocketOption) (int, error)

	LocalEndpoint(h SocketHandle) (netip.AddrPort, error)

	RemoteEndpoint(h SocketHandle) (netip.AddrPort, error)

	// Poll waits up to timeout for any of events to become ready and
	// returns the ready subset, 0 on timeout.
	Poll(h SocketHandle, events PollEvents, timeout time.Duration) (PollEvents, error)

	ResolveHostName(host string) ([]netip.Addr, error)
}

// Sync provides cross-process mutexes and counted semaphores. Bounded
// acquires that expire return a successful false. Reentrancy is
// platform-dependent and must not be relied on portably.
type Sync interface {
	// CreateMutex creates a mutex. An empty name makes it anonymous
	// and private to this provider instance.
	CreateMutex(name string) (MutexHandle, error)

	// OpenMutex opens an existing named mutex.
	OpenMutex(name string) (MutexHandle, error)

	// AcquireMutex waits up to timeout for ownership.
	AcquireMutex(h MutexHandle, timeout time.Duration) (bool, error)

	// ReleaseMutex releases ownership. Only the current owner may
	// release.
	ReleaseMutex(h MutexHandle) error

	CloseMutex(h MutexHandle) error

	// CreateSemaphore creates a counted semaphore with the given
	// initial and maximum counts.
	CreateSemaphore(name string, initial, maximum int) (SemHandle, error)

	// OpenSemaphore opens an existing named semaphore.
	OpenSemaphore(name string) (SemHandle, error)

	// AcquireSemaphore waits up to timeout for a permit.
	AcquireSemaphore(h SemHandle, timeout time.Duration) (bool, error)

	// ReleaseSemaphore returns count permits and reports the count
	// held before the release. A release that would exceed the maximum
	// is a KindResource error and releases nothing.
	ReleaseSemaphore(h SemHandle, count int) (int, error)

	CloseSemaphore(h SemHandle) error
}
