//go:build unix

package posix

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"golang.org/x/sys/unix"

	"github.com/hostcap/hostcap/platform"
)

// mutexFile is a mutex backed by an advisory flock on a lock file.
// Every handle opens its own descriptor, so two handles exclude each
// other the same way two processes do. Acquisition is not reentrant:
// a handle that already holds the mutex waits on itself.
type mutexFile struct {
	name    string
	path    string // empty for anonymous mutexes
	f       *os.File
	creator bool

	mu   sync.Mutex
	held bool
}

func (m *mutexFile) release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.f.Close()
	if m.creator && m.path != "" {
		os.Remove(m.path)
	}
	return err
}

func (p *Provider) lockPath(name string) string {
	return filepath.Join(p.dir, "lock-"+name)
}

func (p *Provider) semPath(name string) string {
	return filepath.Join(p.dir, "sem-"+name)
}

func (p *Provider) CreateMutex(name string) (platform.MutexHandle, error) {
	const op = "create_mutex"

	var (
		f       *os.File
		path    string
		creator bool
		err     error
	)
	if name == "" {
		// Anonymous: an unlinked temp file keeps the lock private to
		// this handle's descriptor.
		f, err = os.CreateTemp(p.dir, "lock-anon-*")
		if err != nil {
			return 0, errnoError(op, "", err)
		}
		os.Remove(f.Name())
	} else {
		if verr := validName(op, name); verr != nil {
			return 0, verr
		}
		path = p.lockPath(name)
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err != nil {
			if os.IsExist(err) {
				return 0, platform.NamedError(platform.KindResource, op, name, errors.New("already exists"))
			}
			return 0, errnoError(op, name, err)
		}
		creator = true
	}

	p.mu.Lock()
	h := platform.MutexHandle(p.next())
	p.mutexes[h] = &mutexFile{name: name, path: path, f: f, creator: creator}
	p.mu.Unlock()

	p.log.Debug("created mutex", zap.String("name", name))
	return h, nil
}

func (p *Provider) OpenMutex(name string) (platform.MutexHandle, error) {
	const op = "open_mutex"
	if err := validName(op, name); err != nil {
		return 0, err
	}

	f, err := os.OpenFile(p.lockPath(name), os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, platform.NamedError(platform.KindNotFound, op, name, errors.New("no such mutex"))
		}
		return 0, errnoError(op, name, err)
	}

	p.mu.Lock()
	h := platform.MutexHandle(p.next())
	p.mutexes[h] = &mutexFile{name: name, path: p.lockPath(name), f: f}
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

	acquired, err := waitUntil(timeout, func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.held {
			return false, nil
		}
		err := unix.Flock(int(m.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			m.held = true
			return true, nil
		}
		if isWouldBlock(err) {
			return false, nil
		}
		return false, err
	})
	if err != nil {
		return false, errnoError(op, m.name, err)
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

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return platform.NamedError(platform.KindInvalidState, op, m.name, errors.New("mutex not held by this handle"))
	}
	if err := unix.Flock(int(m.f.Fd()), unix.LOCK_UN); err != nil {
		return errnoError(op, m.name, err)
	}
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
	// Closing the descriptor drops any flock it holds, so an owning
	// handle abandons the mutex here.
	if err := m.release(); err != nil {
		return errnoError(op, m.name, err)
	}
	return nil
}

// semFile is a counted semaphore in a 16-byte file: current and
// maximum counts, little endian. Mutations happen under a short
// exclusive flock, which makes them atomic across processes.
type semFile struct {
	name    string
	path    string // empty for anonymous semaphores
	f       *os.File
	creator bool
}

var errSemOverflow = errors.New("release would exceed maximum count")

func (s *semFile) release() error {
	err := s.f.Close()
	if s.creator && s.path != "" {
		os.Remove(s.path)
	}
	return err
}

func (s *semFile) withLock(fn func() error) error {
	fd := int(s.f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(fd, unix.LOCK_UN)
	return fn()
}

func (s *semFile) load() (count, maximum uint64, err error) {
	var buf [16]byte
	if _, err := s.f.ReadAt(buf[:], 0); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint64(buf[0:8]), binary.LittleEndian.Uint64(buf[8:16]), nil
}

func (s *semFile) storeCount(count uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], count)
	_, err := s.f.WriteAt(buf[:], 0)
	return err
}

func (p *Provider) CreateSemaphore(name string, initial, maximum int) (platform.SemHandle, error) {
	const op = "create_semaphore"
	if maximum <= 0 {
		return 0, platform.Errorf(platform.KindInvalidValue, op, "maximum count %d must be positive", maximum)
	}
	if initial < 0 || initial > maximum {
		return 0, platform.Errorf(platform.KindInvalidValue, op, "initial count %d out of range [0,%d]", initial, maximum)
	}

	var (
		f       *os.File
		path    string
		creator bool
		err     error
	)
	if name == "" {
		f, err = os.CreateTemp(p.dir, "sem-anon-*")
		if err != nil {
			return 0, errnoError(op, "", err)
		}
		os.Remove(f.Name())
	} else {
		if verr := validName(op, name); verr != nil {
			return 0, verr
		}
		path = p.semPath(name)
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err != nil {
			if os.IsExist(err) {
				return 0, platform.NamedError(platform.KindResource, op, name, errors.New("already exists"))
			}
			return 0, errnoError(op, name, err)
		}
		creator = true
	}

	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(initial))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(maximum))
	if _, err := f.WriteAt(buf[:], 0); err != nil {
		f.Close()
		if path != "" {
			os.Remove(path)
		}
		return 0, errnoError(op, name, err)
	}

	p.mu.Lock()
	h := platform.SemHandle(p.next())
	p.sems[h] = &semFile{name: name, path: path, f: f, creator: creator}
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

	path := p.semPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, platform.NamedError(platform.KindNotFound, op, name, errors.New("no such semaphore"))
		}
		return 0, errnoError(op, name, err)
	}
	if info, err := f.Stat(); err != nil || info.Size() != 16 {
		f.Close()
		return 0, platform.NamedError(platform.KindResource, op, name, errors.New("malformed semaphore file"))
	}

	p.mu.Lock()
	h := platform.SemHandle(p.next())
	p.sems[h] = &semFile{name: name, path: path, f: f}
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

	acquired, err := waitUntil(timeout, func() (bool, error) {
		var got bool
		err := s.withLock(func() error {
			count, _, err := s.load()
			if err != nil {
				return err
			}
			if count == 0 {
				return nil
			}
			got = true
			return s.storeCount(count - 1)
		})
		return got, err
	})
	if err != nil {
		return false, errnoError(op, s.name, err)
	}
	return acquired, nil
}

func (p *Provider) ReleaseSemaphore(h platform.SemHandle, count int) (int, error) {
	const op = "release_semaphore"

	p.mu.Lock()
	s, ok := p.sems[h]
	p.mu.Unlock()
	if !ok {
		return 0, badHandle(op)
	}
	if count <= 0 {
		return 0, platform.Errorf(platform.KindInvalidValue, op, "release count %d must be positive", count)
	}

	var previous uint64
	err := s.withLock(func() error {
		current, maximum, err := s.load()
		if err != nil {
			return err
		}
		if current+uint64(count) > maximum {
			return errSemOverflow
		}
		previous = current
		return s.storeCount(current + uint64(count))
	})
	if err != nil {
		if errors.Is(err, errSemOverflow) {
			return 0, platform.NamedError(platform.KindResource, op, s.name, err)
		}
		return 0, errnoError(op, s.name, err)
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
		return errnoError(op, s.name, err)
	}
	return nil
}
