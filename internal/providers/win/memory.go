//go:build windows

package win

import (
	"errors"
	"os"
	"unsafe"

	"go.uber.org/zap"

	"golang.org/x/sys/windows"

	"github.com/hostcap/hostcap/platform"
)

// viewGranularity is the boundary MapViewOfFile offsets must sit on.
// It has been 64 KiB on every Windows release.
const viewGranularity = 64 << 10

// mapping is one live region: either a VirtualAlloc block or a mapped
// view of a file-mapping object. raw spans the whole view; data is
// the caller-visible window inside it.
type mapping struct {
	raw     []byte
	data    []byte
	virtual bool
	object  windows.Handle // file-mapping object behind a view
	file    string         // backing path, empty unless MapFile made it
}

func (m *mapping) release() error {
	addr := uintptr(unsafe.Pointer(&m.raw[0]))
	if m.virtual {
		return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
	}
	err := windows.UnmapViewOfFile(addr)
	if m.object != 0 {
		windows.CloseHandle(m.object)
	}
	return err
}

func pageProt(access platform.AccessType) uint32 {
	if access == platform.ReadWrite {
		return windows.PAGE_READWRITE
	}
	return windows.PAGE_READONLY
}

func viewAccess(access platform.AccessType) uint32 {
	if access == platform.ReadWrite {
		return windows.FILE_MAP_READ | windows.FILE_MAP_WRITE
	}
	return windows.FILE_MAP_READ
}

func viewSlice(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

func (p *Provider) MapMemory(size int, mt platform.MappingType, access platform.AccessType) (*platform.MappedRegion, error) {
	const op = "map_memory"
	if size <= 0 {
		return nil, platform.Errorf(platform.KindInvalidValue, op, "size %d must be positive", size)
	}

	var m *mapping
	if mt == platform.SharedMapping {
		// A pagefile-backed mapping object gives anonymous memory that
		// other processes could map if handed the object.
		object, err := windows.CreateFileMapping(windows.InvalidHandle, nil, pageProt(access),
			uint32(uint64(size)>>32), uint32(size), nil)
		if err != nil {
			return nil, winError(op, "", err)
		}
		addr, err := windows.MapViewOfFile(object, viewAccess(access), 0, 0, uintptr(size))
		if err != nil {
			windows.CloseHandle(object)
			return nil, winError(op, "", err)
		}
		raw := viewSlice(addr, size)
		m = &mapping{raw: raw, data: raw, object: object}
	} else {
		addr, err := windows.VirtualAlloc(0, uintptr(size),
			windows.MEM_COMMIT|windows.MEM_RESERVE, pageProt(access))
		if err != nil {
			return nil, winError(op, "", err)
		}
		raw := viewSlice(addr, size)
		m = &mapping{raw: raw, data: raw, virtual: true}
	}

	p.mu.Lock()
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
	if err := m.release(); err != nil {
		return winError(op, m.file, err)
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
		return nil, winError(op, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, winError(op, path, err)
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

	// The mapping object covers the file; the view starts on the
	// preceding allocation boundary and exposes the requested window.
	object, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, pageProt(access), 0, 0, nil)
	if err != nil {
		return nil, winError(op, path, err)
	}
	aligned := offset &^ (viewGranularity - 1)
	lead := int(offset - aligned)
	addr, err := windows.MapViewOfFile(object, viewAccess(access),
		uint32(uint64(aligned)>>32), uint32(aligned), uintptr(length+lead))
	if err != nil {
		windows.CloseHandle(object)
		return nil, winError(op, path, err)
	}
	raw := viewSlice(addr, length+lead)

	p.mu.Lock()
	m := &mapping{raw: raw, data: raw[lead : lead+length], object: object, file: path}
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
	if err := windows.FlushViewOfFile(uintptr(unsafe.Pointer(&m.raw[0])), uintptr(len(m.raw))); err != nil {
		return winError(op, m.file, err)
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
	err := windows.VirtualLock(uintptr(unsafe.Pointer(&m.raw[0])), uintptr(len(m.raw)))
	if err != nil {
		// Pinning needs working-set headroom; lacking it degrades to a
		// successful no-op.
		if err == windows.ERROR_WORKING_SET_QUOTA || err == windows.ERROR_NOT_ENOUGH_MEMORY {
			return nil
		}
		return winError(op, m.file, err)
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
	err := windows.VirtualUnlock(uintptr(unsafe.Pointer(&m.raw[0])), uintptr(len(m.raw)))
	if err != nil && err != windows.ERROR_NOT_LOCKED {
		return winError(op, m.file, err)
	}
	return nil
}
