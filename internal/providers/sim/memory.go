package sim

import (
	"errors"
	"os"

	"go.uber.org/zap"

	"github.com/hostcap/hostcap/platform"
)

type mapping struct {
	data   []byte
	shared platform.MappingType
	access platform.AccessType
	locked bool
	path   string // backing file, empty for anonymous mappings
	offset int64
}

func (p *Provider) MapMemory(size int, mt platform.MappingType, access platform.AccessType) (*platform.MappedRegion, error) {
	if size <= 0 {
		return nil, platform.Errorf(platform.KindInvalidValue, "map_memory", "size %d must be positive", size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	m := &mapping{data: make([]byte, size), shared: mt, access: access}
	h := platform.MemoryHandle(p.next())
	p.mappings[h] = m

	p.log.Debug("mapped memory",
		zap.Uint64("handle", uint64(h)),
		zap.Int("size", size),
		zap.String("type", mt.String()))
	return &platform.MappedRegion{Handle: h, Data: m.data}, nil
}

func (p *Provider) UnmapMemory(h platform.MemoryHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.mappings[h]; !ok {
		return badHandle("unmap_memory")
	}
	delete(p.mappings, h)
	return nil
}

func (p *Provider) MapFile(path string, offset int64, length int, access platform.AccessType) (*platform.MappedRegion, error) {
	const op = "map_file"
	if offset < 0 || length < 0 {
		return nil, platform.Errorf(platform.KindInvalidValue, op, "offset %d / length %d out of range", offset, length)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fileError(op, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileError(op, path, err)
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

	data := make([]byte, length)
	if _, err := f.ReadAt(data, offset); err != nil {
		return nil, platform.NamedError(platform.KindResource, op, path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	m := &mapping{data: data, shared: platform.SharedMapping, access: access, path: path, offset: offset}
	h := platform.MemoryHandle(p.next())
	p.mappings[h] = m
	return &platform.MappedRegion{Handle: h, Data: m.data}, nil
}

func (p *Provider) FlushMappedFile(h platform.MemoryHandle) error {
	const op = "flush_mapped_file"

	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.mappings[h]
	if !ok {
		return badHandle(op)
	}
	if m.path == "" {
		return platform.NewError(platform.KindInvalidState, op, errors.New("not a file mapping"))
	}
	if m.access == platform.ReadOnly {
		return nil
	}

	f, err := os.OpenFile(m.path, os.O_WRONLY, 0)
	if err != nil {
		return fileError(op, m.path, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(m.data, m.offset); err != nil {
		return platform.NamedError(platform.KindResource, op, m.path, err)
	}
	return nil
}

func (p *Provider) LockMemory(h platform.MemoryHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.mappings[h]
	if !ok {
		return badHandle("lock_memory")
	}
	m.locked = true
	return nil
}

func (p *Provider) UnlockMemory(h platform.MemoryHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.mappings[h]
	if !ok {
		return badHandle("unlock_memory")
	}
	m.locked = false
	return nil
}

func fileError(op, path string, err error) *platform.Error {
	switch {
	case os.IsNotExist(err):
		return platform.NamedError(platform.KindNotFound, op, path, err)
	case os.IsPermission(err):
		return platform.NamedError(platform.KindAccess, op, path, err)
	default:
		return platform.NamedError(platform.KindResource, op, path, err)
	}
}
