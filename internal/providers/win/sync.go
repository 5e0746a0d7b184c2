//go:build windows

package win

import (
	"errors"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"golang.org/x/sys/windows"

	"github.com/hostcap/hostcap/platform"
)

const (
	mutexModifyState     = 0x0001
	semaphoreModifyState = 0x0002
)

func mutexName(name string) string {
	return `Local\hostcap-lock-` + name
}

func semName(name string) string {
	return `Local\hostcap-sem-` + name
}

type mutexRequest struct {
	release bool
	reply   chan mutexReply
}

type mutexReply struct {
	status uint32
	err    error
}

// mutexObject wraps a native mutex handle. Native ownership is per OS
// thread, so every wait and release goes through serve, a goroutine
// pinned to one thread for the life of the handle. Which goroutine
// asked then no longer matters.
type mutexObject struct {
	name string
	h    windows.Handle
	ops  chan mutexRequest

	mu     sync.Mutex
	held   bool
	closed bool
}

func newMutexObject(name string, h windows.Handle) *mutexObject {
	m := &mutexObject{name: name, h: h, ops: make(chan mutexRequest)}
	go m.serve()
	return m
}

func (m *mutexObject) serve() {
	runtime.LockOSThread()
	// Exiting while the mutex is held terminates this thread, which
	// abandons the mutex; the next waiter observes WAIT_ABANDONED.
	for req := range m.ops {
		var rep mutexReply
		if req.release {
			rep.err = windows.ReleaseMutex(m.h)
		} else {
			rep.status, rep.err = windows.WaitForSingleObject(m.h, 0)
		}
		req.reply <- rep
	}
}

// tryAcquire makes one non-blocking attempt. The held check and the
// native try form one critical section: a second acquire racing in
// after this handle took ownership would otherwise succeed recursively
// on the pinned thread.
func (m *mutexObject) tryAcquire(op string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, badHandle(op)
	}
	if m.held {
		return false, nil
	}
	req := mutexRequest{reply: make(chan mutexReply, 1)}
	m.ops <- req
	rep := <-req.reply
	if rep.err != nil {
		return false, rep.err
	}
	switch rep.status {
	case windows.WAIT_OBJECT_0, windows.WAIT_ABANDONED:
		// An abandoned mutex still transfers ownership.
		m.held = true
		return true, nil
	case uint32(windows.WAIT_TIMEOUT):
		return false, nil
	default:
		return false, platform.Errorf(platform.KindUnknown, op, "mutex wait returned %#x", rep.status)
	}
}

func (m *mutexObject) releaseHeld(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return badHandle(op)
	}
	if !m.held {
		return platform.NamedError(platform.KindInvalidState, op, m.name, errors.New("mutex not held by this handle"))
	}
	req := mutexRequest{release: true, reply: make(chan mutexReply, 1)}
	m.ops <- req
	rep := <-req.reply
	if rep.err != nil {
		if rep.err == windows.ERROR_NOT_OWNER {
			return platform.NamedError(platform.KindInvalidState, op, m.name, errors.New("mutex not held by this handle"))
		}
		return rep.err
	}
	m.held = false
	return nil
}

func (m *mutexObject) release() error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.ops)
	}
	m.mu.Unlock()
	return windows.CloseHandle(m.h)
}

func (p *Provider) CreateMutex(name string) (platform.MutexHandle, error) {
	const op = "create_mutex"

	var namep *uint16
	if name != "" {
		if err := validName(op, name); err != nil {
			return 0, err
		}
		var perr error
		if namep, perr = utf16Name(op, mutexName(name)); perr != nil {
			return 0, perr
		}
	}

	h, err := windows.CreateMutex(nil, false, namep)
	if err != nil {
		// CreateMutex hands back the existing object on a name
		// collision; refuse it to keep create exclusive.
		if err == windows.ERROR_ALREADY_EXISTS {
			if h != 0 {
				windows.CloseHandle(h)
			}
			return 0, platform.NamedError(platform.KindResource, op, name, errors.New("already exists"))
		}
		return 0, winError(op, name, err)
	}

	p.mu.Lock()
	mh := platform.MutexHandle(p.next())
	p.mutexes[mh] = newMutexObject(name, h)
	p.mu.Unlock()

	p.log.Debug("created mutex", zap.String("name", name))
	return mh, nil
}

func (p *Provider) OpenMutex(name string) (platform.MutexHandle, error) {
	const op = "open_mutex"
	if err := validName(op, name); err != nil {
		return 0, err
	}
	namep, perr := utf16Name(op, mutexName(name))
	if perr != nil {
		return 0, perr
	}

	h, err := windows.OpenMutex(windows.SYNCHRONIZE|mutexModifyState, false, namep)
	if err != nil {
		if err == windows.ERROR_FILE_NOT_FOUND {
			return 0, platform.NamedError(platform.KindNotFound, op, name, errors.New("no such mutex"))
		}
		return 0, winError(op, name, err)
	}

	p.mu.Lock()
	mh := platform.MutexHandle(p.next())
	p.mutexes[mh] = newMutexObject(name, h)
	p.mu.Unlock()
	return mh, nil
}

func (p *Provider) AcquireMutex(h platform.MutexHandle, timeout time.Duration) (bool, error) {
	const op = "acquire_mutex"

	p.mu.Lock()
	m, ok := p.mutexes[h]
	p.mu.Unlock()
	if !ok {
		return false, badHandle(op)
	}

	// Bounded waits poll with zero-timeout native tries. A timed
	// native wait would park the pinned thread, and queued tries
	// behind it could then succeed recursively.
	acquired, err := waitUntil(timeout, func() (bool, error) {
		return m.tryAcquire(op)
	})
	if err != nil {
		var perr *platform.Error
		if errors.As(err, &perr) {
			return false, err
		}
		return false, winError(op, m.name, err)
	}
	return acquired, nil
}

func (p *Provider) ReleaseMutex(h platform.MutexHandle) error {
	const op = "release_mutex"

	p.mu.Lock()
	m, ok := p.mutexes[h]
	p.mu.Unlock()
	if !ok {
		return badHandle(op)
	}

	if err := m.releaseHeld(op); err != nil {
		var perr *platform.Error
		if errors.As(err, &perr) {
			return err
		}
		return winError(op, m.name, err)
	}
	return nil
}

func (p *Provider) CloseMutex(h platform.MutexHandle) error {
	const op = "close_mutex"

	p.mu.Lock()
	m, ok := p.mutexes[h]
	if ok {
		delete(p.mutexes, h)
	}
	p.mu.Unlock()

	if !ok {
		return badHandle(op)
	}
	// Closing while held lets the pinned thread exit and abandon the
	// mutex for the next waiter.
	if err := m.release(); err != nil {
		return winError(op, m.name, err)
	}
	return nil
}

// semObject wraps a native semaphore handle. Semaphores carry no
// thread ownership, so waits and releases run wherever they land.
type semObject struct {
	name string
	h    windows.Handle
}

func (s *semObject) release() error {
	return windows.CloseHandle(s.h)
}

func createSemaphore(initial, maximum int, name *uint16) (windows.Handle, error) {
	r1, _, e1 := procCreateSemaphoreW.Call(0, uintptr(initial), uintptr(maximum), uintptr(unsafe.Pointer(name)))
	if r1 == 0 {
		return 0, e1
	}
	if e1 == windows.ERROR_ALREADY_EXISTS {
		windows.CloseHandle(windows.Handle(r1))
		return 0, windows.ERROR_ALREADY_EXISTS
	}
	return windows.Handle(r1), nil
}

func openSemaphore(access uint32, name *uint16) (windows.Handle, error) {
	r1, _, e1 := procOpenSemaphoreW.Call(uintptr(access), 0, uintptr(unsafe.Pointer(name)))
	if r1 == 0 {
		return 0, e1
	}
	return windows.Handle(r1), nil
}

func releaseSemaphore(h windows.Handle, count int) (int32, error) {
	var previous int32
	r1, _, e1 := procReleaseSemaphore.Call(uintptr(h), uintptr(count), uintptr(unsafe.Pointer(&previous)))
	if r1 == 0 {
		return 0, e1
	}
	return previous, nil
}

func (p *Provider) CreateSemaphore(name string, initial, maximum int) (platform.SemHandle, error) {
	const op = "create_semaphore"
	if maximum <= 0 {
		return 0, platform.Errorf(platform.KindInvalidValue, op, "maximum count %d must be positive", maximum)
	}
	if initial < 0 || initial > maximum {
		return 0, platform.Errorf(platform.KindInvalidValue, op, "initial count %d out of range [0,%d]", initial, maximum)
	}

	var namep *uint16
	if name != "" {
		if err := validName(op, name); err != nil {
			return 0, err
		}
		var perr error
		if namep, perr = utf16Name(op, semName(name)); perr != nil {
			return 0, perr
		}
	}

	h, err := createSemaphore(initial, maximum, namep)
	if err != nil {
		if err == windows.ERROR_ALREADY_EXISTS {
			return 0, platform.NamedError(platform.KindResource, op, name, errors.New("already exists"))
		}
		return 0, winError(op, name, err)
	}

	p.mu.Lock()
	sh := platform.SemHandle(p.next())
	p.sems[sh] = &semObject{name: name, h: h}
	p.mu.Unlock()

	p.log.Debug("created semaphore",
		zap.String("name", name),
		zap.Int("initial", initial),
		zap.Int("maximum", maximum))
	return sh, nil
}

func (p *Provider) OpenSemaphore(name string) (platform.SemHandle, error) {
	const op = "open_semaphore"
	if err := validName(op, name); err != nil {
		return 0, err
	}
	namep, perr := utf16Name(op, semName(name))
	if perr != nil {
		return 0, perr
	}

	h, err := openSemaphore(windows.SYNCHRONIZE|semaphoreModifyState, namep)
	if err != nil {
		if err == windows.ERROR_FILE_NOT_FOUND {
			return 0, platform.NamedError(platform.KindNotFound, op, name, errors.New("no such semaphore"))
		}
		return 0, winError(op, name, err)
	}

	p.mu.Lock()
	sh := platform.SemHandle(p.next())
	p.sems[sh] = &semObject{name: name, h: h}
	p.mu.Unlock()
	return sh, nil
}

func (p *Provider) AcquireSemaphore(h platform.SemHandle, timeout time.Duration) (bool, error) {
	const op = "acquire_semaphore"

	p.mu.Lock()
	s, ok := p.sems[h]
	p.mu.Unlock()
	if !ok {
		return false, badHandle(op)
	}

	status, err := windows.WaitForSingleObject(s.h, waitMillis(timeout))
	if err != nil {
		return false, winError(op, s.name, err)
	}
	switch status {
	case windows.WAIT_OBJECT_0:
		return true, nil
	case uint32(windows.WAIT_TIMEOUT):
		return false, nil
	default:
		return false, platform.Errorf(platform.KindUnknown, op, "semaphore wait returned %#x", status)
	}
}

func (p *Provider) ReleaseSemaphore(h platform.SemHandle, count int) (int, error) {
	const op = "release_semaphore"
	if count <= 0 {
		return 0, platform.Errorf(platform.KindInvalidValue, op, "release count %d must be positive", count)
	}

	p.mu.Lock()
	s, ok := p.sems[h]
	p.mu.Unlock()
	if !ok {
		return 0, badHandle(op)
	}

	previous, err := releaseSemaphore(s.h, count)
	if err != nil {
		if err == windows.ERROR_TOO_MANY_POSTS {
			return 0, platform.NamedError(platform.KindResource, op, s.name, errors.New("release would exceed maximum count"))
		}
		return 0, winError(op, s.name, err)
	}
	return int(previous), nil
}

func (p *Provider) CloseSemaphore(h platform.SemHandle) error {
	const op = "close_semaphore"

	p.mu.Lock()
	s, ok := p.sems[h]
	if ok {
		delete(p.sems, h)
	}
	p.mu.Unlock()

	if !ok {
		return badHandle(op)
	}
	if err := s.release(); err != nil {
		return winError(op, s.name, err)
	}
	return nil
}
