package kvm

import (
	"fmt"
	"slices"
	"unsafe"

	"github.com/tinyrange/hvcore/internal/hv"
)

// memorySlot is one KVM user memory region.
type memorySlot struct {
	id    uint32
	gpa   uint64
	host  []byte
	flags uint32
}

func (s memorySlot) size() uint64 { return uint64(len(s.host)) }
func (s memorySlot) end() uint64  { return s.gpa + s.size() }

func (s memorySlot) region() kvmUserspaceMemoryRegion {
	return kvmUserspaceMemoryRegion{
		Slot:          s.id,
		Flags:         s.flags,
		GuestPhysAddr: s.gpa,
		MemorySize:    s.size(),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&s.host[0]))),
	}
}

// deleted is the region that removes slot s from the VM.
func (s memorySlot) deleted() kvmUserspaceMemoryRegion {
	return kvmUserspaceMemoryRegion{Slot: s.id, GuestPhysAddr: s.gpa}
}

func slotFlags(perm hv.MemoryPermission, flags hv.MappingFlags) uint32 {
	var f uint32
	if perm&hv.PermWrite == 0 {
		f |= kvmMemReadonly
	}
	if flags&hv.MapDirtyTracking != 0 {
		f |= kvmMemLogDirtyPages
	}
	return f
}

// checkPermission rejects permissions KVM cannot express. Guest execution
// is always allowed on mapped memory.
func checkPermission(perm hv.MemoryPermission, readonlyMem bool) error {
	if perm&hv.PermRead == 0 {
		return fmt.Errorf("kvm: permission %s without read: %w", perm, hv.ErrUnsupportedOperation)
	}
	if perm&hv.PermWrite == 0 && !readonlyMem {
		return fmt.Errorf("kvm: read-only memory: %w", hv.ErrUnsupportedOperation)
	}
	return nil
}

// slotTable tracks the memory slots of one VM.
type slotTable struct {
	limit int
	slots []memorySlot // sorted by gpa
	free  []uint32
	next  uint32
}

func newSlotTable(limit int) *slotTable {
	return &slotTable{limit: limit}
}

func (t *slotTable) allocID() (uint32, error) {
	if n := len(t.free); n > 0 {
		id := t.free[n-1]
		t.free = t.free[:n-1]
		return id, nil
	}
	if t.limit > 0 && int(t.next) >= t.limit {
		return 0, fmt.Errorf("kvm: all %d memory slots in use: %w", t.limit, hv.ErrResourceLimitExceeded)
	}
	id := t.next
	t.next++
	return id, nil
}

func (t *slotTable) releaseID(id uint32) { t.free = append(t.free, id) }

// lookup returns the index of the slot holding [gpa, gpa+size).
func (t *slotTable) lookup(gpa, size uint64) (int, bool) {
	i, found := slices.BinarySearchFunc(t.slots, gpa, func(s memorySlot, gpa uint64) int {
		switch {
		case s.end() <= gpa:
			return -1
		case s.gpa > gpa:
			return 1
		}
		return 0
	})
	if !found || gpa+size > t.slots[i].end() {
		return 0, false
	}
	return i, true
}

func (t *slotTable) insert(s memorySlot) {
	i, _ := slices.BinarySearchFunc(t.slots, s.gpa, func(e memorySlot, gpa uint64) int {
		if e.gpa < gpa {
			return -1
		}
		if e.gpa > gpa {
			return 1
		}
		return 0
	})
	t.slots = slices.Insert(t.slots, i, s)
}

// add allocates a slot for a new mapping. The caller registers it with the
// kernel and calls drop on failure.
func (t *slotTable) add(gpa uint64, host []byte, flags uint32) (memorySlot, error) {
	id, err := t.allocID()
	if err != nil {
		return memorySlot{}, err
	}
	s := memorySlot{id: id, gpa: gpa, host: host, flags: flags}
	t.insert(s)
	return s, nil
}

// drop forgets the slot at gpa and recycles its id.
func (t *slotTable) drop(gpa uint64) {
	i, ok := t.lookup(gpa, 1)
	if !ok || t.slots[i].gpa != gpa {
		return
	}
	t.releaseID(t.slots[i].id)
	t.slots = slices.Delete(t.slots, i, i+1)
}

// carve plans replacing the slot holding [gpa, gpa+size). The range itself
// becomes a slot with flags mid unless mid is nil, in which case it is left
// unmapped. Pieces reuse the old slot id first. The table is not changed
// until commit.
func (t *slotTable) carve(gpa, size uint64, mid *uint32) (memorySlot, []memorySlot, error) {
	i, ok := t.lookup(gpa, size)
	if !ok {
		return memorySlot{}, nil, fmt.Errorf("kvm: range %#x+%#x has no slot: %w", gpa, size, hv.ErrInvalidArgument)
	}
	old := t.slots[i]

	var pieces []memorySlot
	if gpa > old.gpa {
		pieces = append(pieces, memorySlot{gpa: old.gpa, host: old.host[:gpa-old.gpa], flags: old.flags})
	}
	if mid != nil {
		off := gpa - old.gpa
		pieces = append(pieces, memorySlot{gpa: gpa, host: old.host[off : off+size], flags: *mid})
	}
	if end := gpa + size; end < old.end() {
		off := end - old.gpa
		pieces = append(pieces, memorySlot{gpa: end, host: old.host[off:], flags: old.flags})
	}

	// Assign ids without touching the table: the old id first, then ids
	// that would be handed out next.
	free := slices.Clone(t.free)
	next := t.next
	for j := range pieces {
		if j == 0 {
			pieces[j].id = old.id
			continue
		}
		if n := len(free); n > 0 {
			pieces[j].id = free[n-1]
			free = free[:n-1]
			continue
		}
		if t.limit > 0 && int(next) >= t.limit {
			return memorySlot{}, nil, fmt.Errorf("kvm: all %d memory slots in use: %w", t.limit, hv.ErrResourceLimitExceeded)
		}
		pieces[j].id = next
		next++
	}
	return old, pieces, nil
}

// commit applies a plan returned by carve.
func (t *slotTable) commit(old memorySlot, pieces []memorySlot) {
	t.drop(old.gpa)
	for _, p := range pieces {
		t.claim(p.id)
		t.insert(p)
	}
}

// claim removes id from the free list or advances next past it.
func (t *slotTable) claim(id uint32) {
	if i := slices.Index(t.free, id); i >= 0 {
		t.free = slices.Delete(t.free, i, i+1)
		return
	}
	if id >= t.next {
		t.next = id + 1
	}
}

func (t *slotTable) all() []memorySlot { return slices.Clone(t.slots) }

// copyBits copies n bits of src starting at bit start into dst from bit 0.
func copyBits(dst, src []uint64, start, n uint64) {
	clear(dst)
	for i := range n {
		bit := start + i
		if src[bit/64]&(1<<(bit%64)) != 0 {
			dst[i/64] |= 1 << (i % 64)
		}
	}
}
