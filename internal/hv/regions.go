package hv

import (
	"unsafe"

	"github.com/google/btree"
)

// PageSize is the granularity of guest memory mappings.
const PageSize = 0x1000

// Region is one guest physical mapping.
type Region struct {
	GPA   uint64
	Size  uint64
	Host  []byte
	Perm  MemoryPermission
	Flags MappingFlags
}

// End returns the first guest address after the region.
func (r Region) End() uint64 { return r.GPA + r.Size }

// Contains reports whether [gpa, gpa+size) lies inside r.
func (r Region) Contains(gpa, size uint64) bool {
	return gpa >= r.GPA && gpa+size >= gpa && gpa+size <= r.End()
}

// slice returns the part of r covering [gpa, gpa+size).
func (r Region) slice(gpa, size uint64) Region {
	off := gpa - r.GPA
	out := r
	out.GPA = gpa
	out.Size = size
	out.Host = r.Host[off : off+size : off+size]
	return out
}

// carve splits r around [gpa, gpa+size) and returns the pieces before and
// after the range. Empty pieces are omitted.
func (r Region) carve(gpa, size uint64) []Region {
	var out []Region
	if gpa > r.GPA {
		out = append(out, r.slice(r.GPA, gpa-r.GPA))
	}
	if end := gpa + size; end < r.End() {
		out = append(out, r.slice(end, r.End()-end))
	}
	return out
}

func hostRange(b []byte) (uintptr, uintptr) {
	if len(b) == 0 {
		return 0, 0
	}
	start := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	return start, start + uintptr(len(b))
}

// regionMap is the ordered set of non-overlapping regions of one VM. It is
// not safe for concurrent use; VirtualMachine guards it.
type regionMap struct {
	tree *btree.BTreeG[Region]
}

func newRegionMap() *regionMap {
	return &regionMap{
		tree: btree.NewG(8, func(a, b Region) bool { return a.GPA < b.GPA }),
	}
}

func (m *regionMap) Len() int { return m.tree.Len() }

// find returns the region containing addr.
func (m *regionMap) find(addr uint64) (Region, bool) {
	var (
		found Region
		ok    bool
	)
	m.tree.DescendLessOrEqual(Region{GPA: addr}, func(r Region) bool {
		if addr < r.End() {
			found, ok = r, true
		}
		return false
	})
	return found, ok
}

// overlaps reports whether any region intersects [gpa, gpa+size). Only the
// region with the greatest base below the end of the range can intersect
// it, since regions never overlap each other.
func (m *regionMap) overlaps(gpa, size uint64) bool {
	if size == 0 {
		return false
	}
	hit := false
	m.tree.DescendLessOrEqual(Region{GPA: gpa + size - 1}, func(r Region) bool {
		hit = r.End() > gpa
		return false
	})
	return hit
}

// containing returns the region that holds the whole range.
func (m *regionMap) containing(gpa, size uint64) (Region, bool) {
	r, ok := m.find(gpa)
	if !ok || !r.Contains(gpa, size) {
		return Region{}, false
	}
	return r, true
}

// aliases reports whether host shares memory with an existing region.
func (m *regionMap) aliases(host []byte) bool {
	start, end := hostRange(host)
	hit := false
	m.tree.Ascend(func(r Region) bool {
		rs, re := hostRange(r.Host)
		if start < re && rs < end {
			hit = true
			return false
		}
		return true
	})
	return hit
}

func (m *regionMap) insert(r Region) { m.tree.ReplaceOrInsert(r) }

func (m *regionMap) remove(gpa uint64) { m.tree.Delete(Region{GPA: gpa}) }

// all returns the regions in ascending address order.
func (m *regionMap) all() []Region {
	out := make([]Region, 0, m.tree.Len())
	m.tree.Ascend(func(r Region) bool {
		out = append(out, r)
		return true
	})
	return out
}
