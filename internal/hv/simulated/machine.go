package simulated

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/hvcore/internal/hv"
)

type page struct {
	mem     []byte
	perm    hv.MemoryPermission
	tracked bool
	dirty   atomic.Bool
}

// machine is the simulated hv.NativeVM. Guest memory is tracked per page so
// partial unmap and protect need no splitting.
type machine struct {
	features   hv.FeatureDescriptor
	exits      hv.ExtendedVMExit
	exceptions hv.ExceptionBitmap
	cpuid      map[uint32]hv.CPUIDResult

	mu     sync.RWMutex
	pages  map[uint64]*page
	vps    map[int]*processor
	closed bool
}

var _ hv.NativeVM = (*machine)(nil)

func (m *machine) MapMemory(gpa uint64, host []byte, perm hv.MemoryPermission, flags hv.MappingFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := uint64(len(host))
	for off := uint64(0); off < size; off += hv.PageSize {
		if _, ok := m.pages[gpa+off]; ok {
			return fmt.Errorf("simulated: page %#x already mapped: %w", gpa+off, hv.ErrInvalidArgument)
		}
	}
	for off := uint64(0); off < size; off += hv.PageSize {
		m.pages[gpa+off] = &page{
			mem:     host[off : off+hv.PageSize : off+hv.PageSize],
			perm:    perm,
			tracked: flags&hv.MapDirtyTracking != 0,
		}
	}
	return nil
}

func (m *machine) UnmapMemory(gpa, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for off := uint64(0); off < size; off += hv.PageSize {
		delete(m.pages, gpa+off)
	}
	return nil
}

func (m *machine) ProtectMemory(gpa, size uint64, perm hv.MemoryPermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for off := uint64(0); off < size; off += hv.PageSize {
		p, ok := m.pages[gpa+off]
		if !ok {
			return fmt.Errorf("simulated: page %#x not mapped: %w", gpa+off, hv.ErrInvalidArgument)
		}
		p.perm = perm
	}
	return nil
}

func (m *machine) QueryDirtyBitmap(gpa, size uint64, bitmap []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := uint64(0); i < size/hv.PageSize; i++ {
		p, ok := m.pages[gpa+i*hv.PageSize]
		if !ok || !p.tracked {
			continue
		}
		if p.dirty.Swap(false) {
			bitmap[i/64] |= 1 << (i % 64)
		}
	}
	return nil
}

func (m *machine) CreateVP(index int) (hv.NativeVP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("simulated: create vp: %w", hv.ErrVMClosed)
	}
	if _, ok := m.vps[index]; ok {
		return nil, fmt.Errorf("simulated: vp %d exists: %w", index, hv.ErrInvalidArgument)
	}
	vp := newProcessor(m, index)
	m.vps[index] = vp
	return vp, nil
}

func (m *machine) removeVP(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vps, index)
}

func (m *machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	clear(m.pages)
	return nil
}

// fault describes a guest access the page table could not satisfy.
type fault struct {
	gpa      uint64
	access   hv.AccessType
	unmapped bool
}

func (m *machine) lookup(addr uint64, access hv.AccessType) (*page, *fault) {
	p, ok := m.pages[addr&^(hv.PageSize-1)]
	if !ok {
		return nil, &fault{gpa: addr, access: access, unmapped: true}
	}
	var need hv.MemoryPermission
	switch access {
	case hv.AccessRead:
		need = hv.PermRead
	case hv.AccessWrite:
		need = hv.PermWrite
	case hv.AccessExecute:
		need = hv.PermExecute
	}
	if p.perm&need == 0 {
		return nil, &fault{gpa: addr, access: access}
	}
	return p, nil
}

func (m *machine) readByte(addr uint64, access hv.AccessType) (byte, *fault) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, f := m.lookup(addr, access)
	if f != nil {
		return 0, f
	}
	return p.mem[addr&(hv.PageSize-1)], nil
}

func (m *machine) writeByte(addr uint64, v byte) *fault {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, f := m.lookup(addr, hv.AccessWrite)
	if f != nil {
		return f
	}
	p.mem[addr&(hv.PageSize-1)] = v
	if p.tracked {
		p.dirty.Store(true)
	}
	return nil
}
