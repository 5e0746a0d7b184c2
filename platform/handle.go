package platform

// Typed handles, one per resource category, so a socket handle cannot
// be passed where a memory handle is expected. A handle is an opaque
// identifier owned by the provider that issued it and is valid only
// with that provider instance. The zero value never refers to a live
// resource.
type (
	// MemoryHandle references a virtual memory mapping or a mapped file.
	MemoryHandle uint64

	// PipeHandle references one end of a named pipe.
	PipeHandle uint64

	// ShmHandle references a named shared memory region.
	ShmHandle uint64

	// SocketHandle references a socket.
	SocketHandle uint64

	// MutexHandle references a mutex.
	MutexHandle uint64

	// SemHandle references a counted semaphore.
	SemHandle uint64
)

// IsZero reports whether the handle is the invalid zero value.
func (h MemoryHandle) IsZero() bool { return h == 0 }

// IsZero reports whether the handle is the invalid zero value.
func (h PipeHandle) IsZero() bool { return h == 0 }

// IsZero reports whether the handle is the invalid zero value.
func (h ShmHandle) IsZero() bool { return h == 0 }

// IsZero reports whether the handle is the invalid zero value.
func (h SocketHandle) IsZero() bool { return h == 0 }

// IsZero reports whether the handle is the invalid zero value.
func (h MutexHandle) IsZero() bool { return h == 0 }

// IsZero reports whether the handle is the invalid zero value.
func (h SemHandle) IsZero() bool { return h == 0 }
