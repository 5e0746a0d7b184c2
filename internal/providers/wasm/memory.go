//go:build js && wasm

package wasm

import (
	"errors"

	"go.uber.org/zap"

	"github.com/hostcap/hostcap/platform"
)

// mapping is an anonymous region. Linear memory is the only memory a
// module gets, so a Go allocation is already the faithful rendering of
// an anonymous map; private and shared differ only across processes,
// which do not exist here.
type mapping struct {
	data []byte
}

func (p *Provider) MapMemory(size int, mt platform.MappingType, access platform.AccessType) (*platform.MappedRegion, error) {
	const op = "map_memory"
	if size <= 0 {
		return nil, platform.Errorf(platform.KindInvalidValue, op, "size %d must be positive", size)
	}

	data := make([]byte, size)

	p.mu.Lock()
	h := platform.MemoryHandle(p.next())
	p.mappings[h] = &mapping{data: data}
	p.mu.Unlock()

	p.log.Debug("mapped memory",
		zap.Int("size", size),
		zap.String("mapping", mt.String()),
		zap.String("access", access.String()))
	return &platform.MappedRegion{Handle: h, Data: data}, nil
}

func (p *Provider) UnmapMemory(h platform.MemoryHandle) error {
	const op = "unmap_memory"

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.mappings[h]; !ok {
		return badHandle(op)
	}
	delete(p.mappings, h)
	return nil
}

func (p *Provider) MapFile(path string, offset int64, length int, access platform.AccessType) (*platform.MappedRegion, error) {
	return nil, platform.Unsupported("map_file", platform.Wasm)
}

func (p *Provider) FlushMappedFile(h platform.MemoryHandle) error {
	const op = "flush_mapped_file"

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.mappings[h]; !ok {
		return badHandle(op)
	}
	// File mappings cannot exist here, so no mapping qualifies.
	return platform.NewError(platform.KindInvalidState, op, errors.New("not a file mapping"))
}

func (p *Provider) LockMemory(h platform.MemoryHandle) error {
	const op = "lock_memory"

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.mappings[h]; !ok {
		return badHandle(op)
	}
	// Linear memory never swaps; pinning is a successful no-op.
	return nil
}

func (p *Provider) UnlockMemory(h platform.MemoryHandle) error {
	const op = "unlock_memory"

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.mappings[h]; !ok {
		return badHandle(op)
	}
	return nil
}
