package platform

import "time"

// Timeout sentinels for blocking operations. Any other positive
// duration bounds the wait; expiry of a bounded acquire is a
// successful false result, not an error.
const (
	// NoWait makes a blocking operation return immediately.
	NoWait time.Duration = 0

	// Infinite blocks until the operation completes.
	Infinite time.Duration = -1
)

// MappingType governs whether writes through a mapping are visible to
// other processes or mappings of the same object.
type MappingType uint8

const (
	// PrivateMapping is visible only to the mapping process.
	PrivateMapping MappingType = iota

	// SharedMapping propagates writes to the backing object.
	SharedMapping
)

func (t MappingType) String() string {
	if t == SharedMapping {
		return "shared"
	}
	return "private"
}

// AccessType drives native protection-flag selection.
type AccessType uint8

const (
	// ReadOnly forbids writes through the mapping or handle.
	ReadOnly AccessType = iota

	// ReadWrite permits both reads and writes.
	ReadWrite
)

func (a AccessType) String() string {
	if a == ReadWrite {
		return "read_write"
	}
	return "read_only"
}

// MappedRegion is a live memory mapping. Data spans the whole region:
// its pointer is the mapped address and its length the mapped size.
// After UnmapMemory the slice must not be touched.
type MappedRegion struct {
	Handle MemoryHandle
	Data   []byte
}

// Size returns the mapped size in bytes.
func (r *MappedRegion) Size() int { return len(r.Data) }

// SharedRegion is a live named shared memory region. A second process
// that opens the same name observes writes made through Data.
type SharedRegion struct {
	Handle ShmHandle
	Name   string
	Data   []byte
}

// Size returns the region size in bytes.
func (r *SharedRegion) Size() int { return len(r.Data) }

// PipeDirection constrains data flow relative to the creating end.
type PipeDirection uint8

const (
	// PipeIn permits the creator to read only.
	PipeIn PipeDirection = iota

	// PipeOut permits the creator to write only.
	PipeOut

	// PipeInOut permits both.
	PipeInOut
)

func (d PipeDirection) String() string {
	switch d {
	case PipeIn:
		return "in"
	case PipeOut:
		return "out"
	default:
		return "in_out"
	}
}

// PipeMode selects byte-stream or message-datagram framing.
type PipeMode uint8

const (
	// PipeByte treats the pipe as an unframed byte stream.
	PipeByte PipeMode = iota

	// PipeMessage preserves write boundaries on reads.
	PipeMessage
)

func (m PipeMode) String() string {
	if m == PipeMessage {
		return "message"
	}
	return "byte"
}

// ResourceType identifies a named-resource namespace for existence
// checks.
type ResourceType uint8

const (
	ResourcePipe ResourceType = iota
	ResourceSharedMemory
	ResourceMutex
	ResourceSemaphore
)

func (t ResourceType) String() string {
	switch t {
	case ResourcePipe:
		return "pipe"
	case ResourceSharedMemory:
		return "shared_memory"
	case ResourceMutex:
		return "mutex"
	default:
		return "semaphore"
	}
}

// SocketDomain is the address family of a socket.
type SocketDomain uint8

const (
	IPv4 SocketDomain = iota
	IPv6
)

func (d SocketDomain) String() string {
	if d == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// SocketType selects stream or datagram semantics.
type SocketType uint8

const (
	Stream SocketType = iota
	Datagram
)

func (t SocketType) String() string {
	if t == Datagram {
		return "datagram"
	}
	return "stream"
}

// Protocol is the transport protocol of a socket.
type Protocol uint8

const (
	TCP Protocol = iota
	UDP
)

func (p Protocol) String() string {
	if p == UDP {
		return "udp"
	}
	return "tcp"
}

// ShutdownHow selects which half of a connection to shut down.
type ShutdownHow uint8

const (
	ShutRead ShutdownHow = iota
	ShutWrite
	ShutBoth
)

// SocketOption names the portable socket options. Options a platform
// cannot express fail with KindUnsupported.
type SocketOption uint8

const (
	OptReuseAddr SocketOption = iota
	OptKeepAlive
	OptRecvBuffer
	OptSendBuffer
	OptNoDelay
	OptBroadcast
)

func (o SocketOption) String() string {
	switch o {
	case OptReuseAddr:
		return "reuse_addr"
	case OptKeepAlive:
		return "keep_alive"
	case OptRecvBuffer:
		return "recv_buffer"
	case OptSendBuffer:
		return "send_buffer"
	case OptNoDelay:
		return "no_delay"
	default:
		return "broadcast"
	}
}

// PollEvents is a bitmask of socket readiness conditions.
type PollEvents uint8

const (
	PollIn PollEvents = 1 << iota
	PollOut
	PollErr
)

// OS identifies a host platform family.
type OS uint8

const (
	Unknown OS = iota
	Linux
	Darwin
	Windows
	Android
	IOS
	Wasm
)

func (o OS) String() string {
	switch o {
	case Linux:
		return "linux"
	case Darwin:
		return "darwin"
	case Windows:
		return "windows"
	case Android:
		return "android"
	case IOS:
		return "ios"
	case Wasm:
		return "wasm"
	default:
		return "unknown"
	}
}

// ParseOS maps a name produced by OS.String back to its constant.
// Unrecognized names map to Unknown.
func ParseOS(name string) OS {
	switch name {
	case "linux":
		return Linux
	case "darwin":
		return Darwin
	case "windows":
		return Windows
	case "android":
		return Android
	case "ios":
		return IOS
	case "wasm":
		return Wasm
	default:
		return Unknown
	}
}

// Capability names one of the four provider contracts.
type Capability uint8

const (
	CapMemory Capability = iota
	CapIPC
	CapNetwork
	CapSync
)

func (c Capability) String() string {
	switch c {
	case CapMemory:
		return "memory"
	case CapIPC:
		return "ipc"
	case CapNetwork:
		return "network"
	default:
		return "sync"
	}
}
