package sim

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hostcap/hostcap/platform"
)

// mutexState backs one mutex, possibly shared by several handles when
// the mutex is named. Ownership is tracked per handle; acquisition is
// not reentrant.
type mutexState struct {
	name    string
	held    bool
	owner   platform.MutexHandle
	handles int
}

type semState struct {
	name    string
	count   int
	maximum int
	handles int
}

func (p *Provider) CreateMutex(name string) (platform.MutexHandle, error) {
	const op = "create_mutex"

	p.mu.Lock()
	defer p.mu.Unlock()

	if name != "" {
		if _, exists := p.mutexNames[name]; exists {
			return 0, platform.NamedError(platform.KindResource, op, name, errors.New("already exists"))
		}
	}

	st := &mutexState{name: name, handles: 1}
	if name != "" {
		p.mutexNames[name] = st
	}
	h := platform.MutexHandle(p.next())
	p.mutexes[h] = st

	p.log.Debug("created mutex", zap.String("name", name))
	return h, nil
}

func (p *Provider) OpenMutex(name string) (platform.MutexHandle, error) {
	const op = "open_mutex"
	if name == "" {
		return 0, platform.NewError(platform.KindInvalidValue, op, errors.New("empty mutex name"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.mutexNames[name]
	if !ok {
		return 0, platform.NamedError(platform.KindNotFound, op, name, errors.New("no such mutex"))
	}
	st.handles++
	h := platform.MutexHandle(p.next())
	p.mutexes[h] = st
	return h, nil
}

func (p *Provider) AcquireMutex(h platform.MutexHandle, timeout time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.mutexes[h]
	if !ok {
		return false, badHandle("acquire_mutex")
	}

	if !p.waitUntil(timeout, func() bool { return !st.held }) {
		return false, nil
	}
	st.held = true
	st.owner = h
	return true, nil
}

func (p *Provider) ReleaseMutex(h platform.MutexHandle) error {
	const op = "release_mutex"

	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.mutexes[h]
	if !ok {
		return badHandle(op)
	}
	if !st.held {
		return platform.NamedError(platform.KindInvalidState, op, st.name, errors.New("mutex not held"))
	}
	if st.owner != h {
		return platform.NamedError(platform.KindAccess, op, st.name, errors.New("not the owner"))
	}
	st.held = false
	st.owner = 0
	return nil
}

func (p *Provider) CloseMutex(h platform.MutexHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.mutexes[h]
	if !ok {
		return badHandle("close_mutex")
	}
	delete(p.mutexes, h)

	// Closing the owning handle abandons the mutex; it becomes
	// acquirable again.
	if st.held && st.owner == h {
		st.held = false
		st.owner = 0
	}
	st.handles--
	if st.handles == 0 && st.name != "" && p.mutexNames[st.name] == st {
		delete(p.mutexNames, st.name)
	}
	return nil
}

func (p *Provider) CreateSemaphore(name string, initial, maximum int) (platform.SemHandle, error) {
	const op = "create_semaphore"
	if maximum <= 0 {
		return 0, platform.Errorf(platform.KindInvalidValue, op, "maximum count %d must be positive", maximum)
	}
	if initial < 0 || initial > maximum {
		return 0, platform.Errorf(platform.KindInvalidValue, op, "initial count %d out of range [0,%d]", initial, maximum)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if name != "" {
		if _, exists := p.semNames[name]; exists {
			return 0, platform.NamedError(platform.KindResource, op, name, errors.New("already exists"))
		}
	}

	st := &semState{name: name, count: initial, maximum: maximum, handles: 1}
	if name != "" {
		p.semNames[name] = st
	}
	h := platform.SemHandle(p.next())
	p.sems[h] = st

	p.log.Debug("created semaphore",
		zap.String("name", name),
		zap.Int("initial", initial),
		zap.Int("maximum", maximum))
	return h, nil
}

func (p *Provider) OpenSemaphore(name string) (platform.SemHandle, error) {
	const op = "open_semaphore"
	if name == "" {
		return 0, platform.NewError(platform.KindInvalidValue, op, errors.New("empty semaphore name"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.semNames[name]
	if !ok {
		return 0, platform.NamedError(platform.KindNotFound, op, name, errors.New("no such semaphore"))
	}
	st.handles++
	h := platform.SemHandle(p.next())
	p.sems[h] = st
	return h, nil
}

func (p *Provider) AcquireSemaphore(h platform.SemHandle, timeout time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.sems[h]
	if !ok {
		return false, badHandle("acquire_semaphore")
	}

	if !p.waitUntil(timeout, func() bool { return st.count > 0 }) {
		return false, nil
	}
	st.count--
	return true, nil
}

func (p *Provider) ReleaseSemaphore(h platform.SemHandle, count int) (int, error) {
	const op = "release_semaphore"

	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.sems[h]
	if !ok {
		return 0, badHandle(op)
	}
	if count <= 0 {
		return 0, platform.Errorf(platform.KindInvalidValue, op, "release count %d must be positive", count)
	}
	if st.count+count > st.maximum {
		return 0, platform.NamedError(platform.KindResource, op, st.name,
			errors.New("release would exceed maximum count"))
	}
	previous := st.count
	st.count += count
	return previous, nil
}

func (p *Provider) CloseSemaphore(h platform.SemHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.sems[h]
	if !ok {
		return badHandle("close_semaphore")
	}
	delete(p.sems, h)

	st.handles--
	if st.handles == 0 && st.name != "" && p.semNames[st.name] == st {
		delete(p.semNames, st.name)
	}
	return nil
}
