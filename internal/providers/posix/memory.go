//go:build unix

package posix

import (
	"errors"
	"os"

	"go.uber.org/zap"

	"golang.org/x/sys/unix"

	"github.com/hostcap/hostcap/platform"
)

// mapping is one live mmap region. raw spans the page-aligned native
// mapping; data is the caller-visible window inside it. They differ
// only for file mappings whose offset is not page-aligned.
type mapping struct {
	raw  []byte
	data []byte
	file string // backing path, empty for anonymous mappings
}

func (m *mapping) release() error {
	return unix.Munmap(m.raw)
}

func protFor(access platform.AccessType) int {
	if access == platform.ReadWrite {
		return unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.PROT_READ
}

func (p *Provider) MapMemory(size int, mt platform.MappingType, access platform.AccessType) (*platform.MappedRegion, error) {
	const op = "map_memory"
	if size <= 0 {
		return nil, platform.Errorf(platform.KindInvalidValue, op, "size %d must be positive", size)
	}

	flags := unix.MAP_ANON | unix.MAP_PRIVATE
	if mt == platform.SharedMapping {
		flags = unix.MAP_ANON | unix.MAP_SHARED
	}
	raw, err := unix.Mmap(-1, 0, size, protFor(access), flags)
	if err != nil {
		return nil, errnoError(op, "", err)
	}

	p.mu.Lock()
	m := &mapping{raw: raw, data: raw}
	h := platform.MemoryHandle(p.next())
	p.mappings[h] = m
	p.mu.Unlock()

	p.log.Debug("mapped memory",
		zap.Uint64("handle", uint64(h)),
		zap.Int("size", size),
		zap.String("type", mt.String()))
	return &platform.MappedRegion{Handle: h, Data: m.data}, nil
}

func (p *Provider) UnmapMemory(h platform.MemoryHandle) error {
	const op = "unmap_memory"

	p.mu.Lock()
	m, ok := p.mappings[h]
	if ok {
		delete(p.mappings, h)
	}
	p.mu.Unlock()

	if !ok {
		return badHandle(op)
	}
	if err := unix.Munmap(m.raw); err != nil {
		return errnoError(op, m.file, err)
	}
	return nil
}

func (p *Provider) MapFile(path string, offset int64, length int, access platform.AccessType) (*platform.MappedRegion, error) {
	const op = "map_file"
	if offset < 0 || length < 0 {
		return nil, platform.Errorf(platform.KindInvalidValue, op, "offset %d / length %d out of range", offset, length)
	}

	flag := os.O_RDONLY
	if access == platform.ReadWrite {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errnoError(op, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errnoError(op, path, err)
	}
	if length == 0 {
		if offset >= info.Size() {
			return nil, platform.Errorf(platform.KindInvalidValue, op, "offset %d beyond end of %s", offset, path)
		}
		length = int(info.Size() - offset)
	}
	if offset+int64(length) > info.Size() {
		return nil, platform.Errorf(platform.KindInvalidValue, op, "range %d+%d beyond end of %s", offset, length, path)
	}

	// mmap requires a page-aligned offset; map from the preceding page
	// boundary and expose the requested window.
	page := int64(os.Getpagesize())
	aligned := offset &^ (page - 1)
	lead := int(offset - aligned)

	raw, err := unix.Mmap(int(f.Fd()), aligned, length+lead, protFor(access), unix.MAP_SHARED)
	if err != nil {
		return nil, errnoError(op, path, err)
	}

	p.mu.Lock()
	m := &mapping{raw: raw, data: raw[lead : lead+length], file: path}
	h := platform.MemoryHandle(p.next())
	p.mappings[h] = m
	p.mu.Unlock()

	p.log.Debug("mapped file",
		zap.Uint64("handle", uint64(h)),
		zap.String("path", path),
		zap.Int64("offset", offset),
		zap.Int("length", length))
	return &platform.MappedRegion{Handle: h, Data: m.data}, nil
}

func (p *Provider) FlushMappedFile(h platform.MemoryHandle) error {
	const op = "flush_mapped_file"

	p.mu.Lock()
	m, ok := p.mappings[h]
	p.mu.Unlock()

	if !ok {
		return badHandle(op)
	}
	if m.file == "" {
		return platform.NewError(platform.KindInvalidState, op, errors.New("not a file mapping"))
	}
	if err := unix.Msync(m.raw, unix.MS_SYNC); err != nil {
		return errnoError(op, m.file, err)
	}
	return nil
}

func (p *Provider) LockMemory(h platform.MemoryHandle) error {
	const op = "lock_memory"

	p.mu.Lock()
	m, ok := p.mappings[h]
	p.mu.Unlock()

	if !ok {
		return badHandle(op)
	}
	if err := unix.Mlock(m.raw); err != nil {
		// Pinning needs privilege (RLIMIT_MEMLOCK); lacking it degrades
		// to a successful no-op.
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EAGAIN) {
			return nil
		}
		return errnoError(op, m.file, err)
	}
	return nil
}

func (p *Provider) UnlockMemory(h platform.MemoryHandle) error {
	const op = "unlock_memory"

	p.mu.Lock()
	m, ok := p.mappings[h]
	p.mu.Unlock()

	if !ok {
		return badHandle(op)
	}
	if err := unix.Munlock(m.raw); err != nil && !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.ENOMEM) {
		return errnoError(op, m.file, err)
	}
	return nil
}
