//go:build js && wasm

package wasm

import (
	"errors"
	"sync"
	"syscall/js"
	"time"

	"go.uber.org/zap"

	"github.com/hostcap/hostcap/platform"
)

// Sync state is an Int32Array over a registry buffer, mutated through
// Atomics so workers sharing the buffer stay coherent. Waits poll:
// Atomics.wait is forbidden on the thread the event loop runs on.

// mutexCell is one handle on a mutex. Slot 0 holds 1 when free.
type mutexCell struct {
	name    string
	arr     js.Value
	creator bool

	mu   sync.Mutex
	held bool
}

func (m *mutexCell) release() {
	m.mu.Lock()
	if m.held {
		// Abandoning a held mutex frees it for the next acquirer.
		atomicStore(m.arr, 0, 1)
		m.held = false
	}
	m.mu.Unlock()
	if m.creator && m.name != "" {
		registry("sync").Delete("lock-" + m.name)
	}
}

// newSyncCell allocates a counter buffer of n int32 slots.
func newSyncCell(n int) js.Value {
	return jsInt32Array.New(newSharedBuffer(4 * n))
}

func (p *Provider) CreateMutex(name string) (platform.MutexHandle, error) {
	const op = "create_mutex"

	var arr js.Value
	if name == "" {
		arr = newSyncCell(1)
	} else {
		if err := validName(op, name); err != nil {
			return 0, err
		}
		reg := registry("sync")
		key := "lock-" + name
		if !reg.Get(key).IsUndefined() {
			return 0, platform.NamedError(platform.KindResource, op, name, errors.New("already exists"))
		}
		arr = newSyncCell(1)
		reg.Set(key, arr.Get("buffer"))
	}
	atomicStore(arr, 0, 1)

	p.mu.Lock()
	h := platform.MutexHandle(p.next())
	p.mutexes[h] = &mutexCell{name: name, arr: arr, creator: true}
	p.mu.Unlock()

	p.log.Debug("created mutex", zap.String("name", name))
	return h, nil
}

func (p *Provider) OpenMutex(name string) (platform.MutexHandle, error) {
	const op = "open_mutex"
	if err := validName(op, name); err != nil {
		return 0, err
	}

	buf := registry("sync").Get("lock-" + name)
	if buf.IsUndefined() {
		return 0, platform.NamedError(platform.KindNotFound, op, name, errors.New("no such mutex"))
	}

	p.mu.Lock()
	h := platform.MutexHandle(p.next())
	p.mutexes[h] = &mutexCell{name: name, arr: jsInt32Array.New(buf)}
	p.mu.Unlock()
	return h, nil
}

func (p *Provider) AcquireMutex(h platform.MutexHandle, timeout time.Duration) (bool, error) {
	const op = "acquire_mutex"

	p.mu.Lock()
	m, ok := p.mutexes[h]
	p.mu.Unlock()
	if !ok {
		return false, badHandle(op)
	}

	return waitUntil(timeout, func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.held {
			return false, nil
		}
		if atomicCAS(m.arr, 0, 1, 0) {
			m.held = true
			return true, nil
		}
		return false, nil
	})
}

func (p *Provider) ReleaseMutex(h platform.MutexHandle) error {
	const op = "release_mutex"

	p.mu.Lock()
	m, ok := p.mutexes[h]
	p.mu.Unlock()
	if !ok {
		return badHandle(op)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return platform.NamedError(platform.KindInvalidState, op, m.name, errors.New("mutex not held by this handle"))
	}
	atomicStore(m.arr, 0, 1)
	m.held = false
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
	m.release()
	return nil
}

// semCell is one handle on a counted semaphore. Slot 0 is the count,
// slot 1 the maximum.
type semCell struct {
	name    string
	arr     js.Value
	creator bool
}

func (s *semCell) release() {
	if s.creator && s.name != "" {
		registry("sync").Delete("sem-" + s.name)
	}
}

func (p *Provider) CreateSemaphore(name string, initial, maximum int) (platform.SemHandle, error) {
	const op = "create_semaphore"
	if maximum <= 0 {
		return 0, platform.Errorf(platform.KindInvalidValue, op, "maximum count %d must be positive", maximum)
	}
	if initial < 0 || initial > maximum {
		return 0, platform.Errorf(platform.KindInvalidValue, op, "initial count %d out of range [0,%d]", initial, maximum)
	}

	var arr js.Value
	if name == "" {
		arr = newSyncCell(2)
	} else {
		if err := validName(op, name); err != nil {
			return 0, err
		}
		reg := registry("sync")
		key := "sem-" + name
		if !reg.Get(key).IsUndefined() {
			return 0, platform.NamedError(platform.KindResource, op, name, errors.New("already exists"))
		}
		arr = newSyncCell(2)
		reg.Set(key, arr.Get("buffer"))
	}
	atomicStore(arr, 0, initial)
	atomicStore(arr, 1, maximum)

	p.mu.Lock()
	h := platform.SemHandle(p.next())
	p.sems[h] = &semCell{name: name, arr: arr, creator: true}
	p.mu.Unlock()

	p.log.Debug("created semaphore",
		zap.String("name", name),
		zap.Int("initial", initial),
		zap.Int("maximum", maximum))
	return h, nil
}

func (p *Provider) OpenSemaphore(name string) (platform.SemHandle, error) {
	const op = "open_semaphore"
	if err := validName(op, name); err != nil {
		return 0, err
	}

	buf := registry("sync").Get("sem-" + name)
	if buf.IsUndefined() {
		return 0, platform.NamedError(platform.KindNotFound, op, name, errors.New("no such semaphore"))
	}

	p.mu.Lock()
	h := platform.SemHandle(p.next())
	p.sems[h] = &semCell{name: name, arr: jsInt32Array.New(buf)}
	p.mu.Unlock()
	return h, nil
}

func (p *Provider) AcquireSemaphore(h platform.SemHandle, timeout time.Duration) (bool, error) {
	const op = "acquire_semaphore"

	p.mu.Lock()
	s, ok := p.sems[h]
	p.mu.Unlock()
	if !ok {
		return false, badHandle(op)
	}

	return waitUntil(timeout, func() (bool, error) {
		for {
			cur := atomicLoad(s.arr, 0)
			if cur == 0 {
				return false, nil
			}
			if atomicCAS(s.arr, 0, cur, cur-1) {
				return true, nil
			}
		}
	})
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

	for {
		cur := atomicLoad(s.arr, 0)
		maximum := atomicLoad(s.arr, 1)
		if cur+count > maximum {
			return 0, platform.NamedError(platform.KindResource, op, s.name, errors.New("release would exceed maximum count"))
		}
		if atomicCAS(s.arr, 0, cur, cur+count) {
			return cur, nil
		}
	}
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
	s.release()
	return nil
}
