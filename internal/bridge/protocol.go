package bridge

import (
	"errors"

	"github.com/hostcap/hostcap/platform"
)

// Operation names on the wire are the capability method names in
// snake case, the same strings providers put in Error.Op.
const (
	opMapMemory = "map_memory"
	opUnmap     = "unmap_memory"
	opMapFile   = "map_file"
	opFlush     = "flush_mapped_file"
	opLock      = "lock_memory"
	opUnlock    = "unlock_memory"

	opCreatePipe = "create_named_pipe"
	opConnPipe   = "connect_named_pipe"
	opWaitPipe   = "wait_for_named_pipe_connection"
	opWritePipe  = "write_named_pipe"
	opReadPipe   = "read_named_pipe"
	opClosePipe  = "close_named_pipe"
	opCreateShm  = "create_shared_memory"
	opOpenShm    = "open_shared_memory"
	opCloseShm   = "close_shared_memory"
	opExists     = "resource_exists"

	opCreateSocket = "create_socket"
	opBind         = "bind_socket"
	opListen       = "listen_socket"
	opAccept       = "accept_socket"
	opConnect      = "connect_socket"
	opSend         = "send_socket"
	opReceive      = "receive_socket"
	opCloseSocket  = "close_socket"
	opShutdown     = "shutdown_socket"
	opSetOption    = "set_socket_option"
	opGetOption    = "get_socket_option"
	opLocalEnd     = "local_endpoint"
	opRemoteEnd    = "remote_endpoint"
	opPoll         = "poll"
	opResolve      = "resolve_host_name"

	opCreateMutex = "create_mutex"
	opOpenMutex   = "open_mutex"
	opAcqMutex    = "acquire_mutex"
	opRelMutex    = "release_mutex"
	opCloseMutex  = "close_mutex"
	opCreateSem   = "create_semaphore"
	opOpenSem     = "open_semaphore"
	opAcqSem      = "acquire_semaphore"
	opRelSem      = "release_semaphore"
	opCloseSem    = "close_semaphore"
)

// welcomeType tags the first frame a session receives.
const welcomeType = "welcome"

type welcome struct {
	Type     string `json:"type"`
	Session  string `json:"session"`
	Platform string `json:"platform"`
}

type request struct {
	ID   uint64 `json:"id"`
	Op   string `json:"op"`
	Args args   `json:"args"`
}

// args is the union of every operation's parameters. Unused fields
// stay zero and off the wire; absent fields decode to zero, so the
// encoding is lossless.
type args struct {
	Handle     uint64 `json:"handle,omitempty"`
	Name       string `json:"name,omitempty"`
	Path       string `json:"path,omitempty"`
	Size       int    `json:"size,omitempty"`
	Offset     int64  `json:"offset,omitempty"`
	Length     int    `json:"length,omitempty"`
	Mapping    uint8  `json:"mapping,omitempty"`
	Access     uint8  `json:"access,omitempty"`
	Direction  uint8  `json:"direction,omitempty"`
	Mode       uint8  `json:"mode,omitempty"`
	BufferSize int    `json:"buffer_size,omitempty"`
	Resource   uint8  `json:"resource,omitempty"`
	Capacity   int    `json:"capacity,omitempty"`
	Data       []byte `json:"data,omitempty"`
	TimeoutNS  int64  `json:"timeout_ns,omitempty"`
	Domain     uint8  `json:"domain,omitempty"`
	Type       uint8  `json:"type,omitempty"`
	Proto      uint8  `json:"proto,omitempty"`
	Addr       string `json:"addr,omitempty"`
	Backlog    int    `json:"backlog,omitempty"`
	How        uint8  `json:"how,omitempty"`
	Option     uint8  `json:"option,omitempty"`
	Value      int    `json:"value,omitempty"`
	Events     uint8  `json:"events,omitempty"`
	Host       string `json:"host,omitempty"`
	Initial    int    `json:"initial,omitempty"`
	Maximum    int    `json:"maximum,omitempty"`
	Count      int    `json:"count,omitempty"`
}

type response struct {
	ID     uint64     `json:"id"`
	OK     bool       `json:"ok"`
	Result *result    `json:"result,omitempty"`
	Error  *wireError `json:"error,omitempty"`
}

// result is the union of every operation's outputs.
type result struct {
	Handle   uint64   `json:"handle,omitempty"`
	Size     int      `json:"size,omitempty"`
	Data     []byte   `json:"data,omitempty"`
	N        int      `json:"n,omitempty"`
	Closed   bool     `json:"closed,omitempty"`
	Acquired bool     `json:"acquired,omitempty"`
	Count    int      `json:"count,omitempty"`
	Exists   bool     `json:"exists,omitempty"`
	Addr     string   `json:"addr,omitempty"`
	Addrs    []string `json:"addrs,omitempty"`
	Events   uint8    `json:"events,omitempty"`
	Value    int      `json:"value,omitempty"`
}

// wireError carries a platform error across the connection with its
// kind spelled out, so raw frames stay readable.
type wireError struct {
	Kind    string `json:"kind"`
	Op      string `json:"op"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
}

func encodeError(err error) *wireError {
	var pe *platform.Error
	if errors.As(err, &pe) {
		w := &wireError{Kind: pe.Kind.String(), Op: pe.Op, Name: pe.Name}
		if pe.Err != nil {
			w.Message = pe.Err.Error()
		}
		return w
	}
	return &wireError{Kind: platform.KindUnknown.String(), Message: err.Error()}
}

func (w *wireError) platformError() *platform.Error {
	var cause error
	if w.Message != "" {
		cause = errors.New(w.Message)
	}
	return platform.NamedError(kindFromName(w.Kind), w.Op, w.Name, cause)
}

func kindFromName(s string) platform.Kind {
	switch s {
	case "invalid_value":
		return platform.KindInvalidValue
	case "not_found":
		return platform.KindNotFound
	case "resource":
		return platform.KindResource
	case "access":
		return platform.KindAccess
	case "broken":
		return platform.KindBroken
	case "timeout":
		return platform.KindTimeout
	case "invalid_state":
		return platform.KindInvalidState
	case "unsupported":
		return platform.KindUnsupported
	default:
		return platform.KindUnknown
	}
}
