package whp

import (
	"slices"

	"github.com/tinyrange/hvcore/internal/hv"
)

var extendedExitBits = []struct {
	exit hv.ExtendedVMExit
	bit  uint64
}{
	{hv.ExtendedExitCPUID, whvExtendedExitCpuid},
	{hv.ExtendedExitMSRAccess, whvExtendedExitMsr},
	{hv.ExtendedExitException, whvExtendedExitException},
	{hv.ExtendedExitTSCAccess, whvExtendedExitRdtsc},
	{hv.ExtendedExitAPICSMI, whvExtendedExitApicSmi},
	{hv.ExtendedExitHypercall, whvExtendedExitHypercall},
}

func extendedExitsFromWHV(bits uint64) hv.ExtendedVMExit {
	var out hv.ExtendedVMExit
	for _, e := range extendedExitBits {
		if bits&e.bit != 0 {
			out |= e.exit
		}
	}
	return out
}

func extendedExitsToWHV(exits hv.ExtendedVMExit) uint64 {
	var out uint64
	for _, e := range extendedExitBits {
		if exits&e.exit != 0 {
			out |= e.bit
		}
	}
	return out
}

// interceptedExceptions is the exception bitmap set on the partition. Debug
// and breakpoint exceptions are always intercepted when the partition can
// exit on exceptions so single stepping and breakpoints work.
func interceptedExceptions(spec hv.VMSpec, fd *hv.FeatureDescriptor) hv.ExceptionBitmap {
	if fd.ExtendedVMExits&hv.ExtendedExitException == 0 {
		return 0
	}
	debug := (hv.ExceptionBit(hv.ExceptionDebug) | hv.ExceptionBit(hv.ExceptionBreakpoint)) & fd.ExceptionExits
	return spec.ExceptionExits | debug
}

func mapFlags(perm hv.MemoryPermission, flags hv.MappingFlags) uint32 {
	var f uint32
	if perm&hv.PermRead != 0 {
		f |= whvMapRead
	}
	if perm&hv.PermWrite != 0 {
		f |= whvMapWrite
	}
	if perm&hv.PermExecute != 0 {
		f |= whvMapExecute
	}
	if flags&hv.MapDirtyTracking != 0 {
		f |= whvMapTrackDirty
	}
	return f
}

func cpuidResults(in []hv.CPUIDResult) []whvCpuidResult {
	out := make([]whvCpuidResult, len(in))
	for i, r := range in {
		out[i] = whvCpuidResult{Function: r.Function, Eax: r.Eax, Ebx: r.Ebx, Ecx: r.Ecx, Edx: r.Edx}
	}
	return out
}

// mapping is one WHvMapGpaRange call's worth of guest memory.
type mapping struct {
	gpa   uint64
	host  []byte
	flags uint32
}

func (m mapping) end() uint64 { return m.gpa + uint64(len(m.host)) }

// slice returns the part of m covering [gpa, gpa+size).
func (m mapping) slice(gpa, size uint64) mapping {
	off := gpa - m.gpa
	return mapping{gpa: gpa, host: m.host[off : off+size], flags: m.flags}
}

// mappingTable tracks host backing for mapped guest ranges. WHP has no call
// to change protection in place or to look backing up, so both go through
// this table.
type mappingTable struct {
	entries []mapping // sorted by gpa, non-overlapping
}

func (t *mappingTable) insert(m mapping) {
	i, _ := slices.BinarySearchFunc(t.entries, m.gpa, func(e mapping, gpa uint64) int {
		switch {
		case e.gpa < gpa:
			return -1
		case e.gpa > gpa:
			return 1
		}
		return 0
	})
	t.entries = slices.Insert(t.entries, i, m)
}

// lookup returns the mapping containing gpa.
func (t *mappingTable) lookup(gpa uint64) (mapping, bool) {
	for _, m := range t.entries {
		if gpa >= m.gpa && gpa < m.end() {
			return m, true
		}
	}
	return mapping{}, false
}

// covers reports whether every byte of [gpa, gpa+size) is mapped.
func (t *mappingTable) covers(gpa, size uint64) bool {
	end := gpa + size
	for _, m := range t.entries {
		if m.end() <= gpa || m.gpa > gpa {
			continue
		}
		if m.end() >= end {
			return true
		}
		gpa = m.end()
	}
	return gpa >= end
}

// carve removes [gpa, gpa+size) from the table and returns the pieces that
// were removed. Mappings straddling the edges are split.
func (t *mappingTable) carve(gpa, size uint64) []mapping {
	end := gpa + size
	var kept, removed []mapping
	for _, m := range t.entries {
		if m.end() <= gpa || m.gpa >= end {
			kept = append(kept, m)
			continue
		}
		lo, hi := max(m.gpa, gpa), min(m.end(), end)
		if m.gpa < lo {
			kept = append(kept, m.slice(m.gpa, lo-m.gpa))
		}
		removed = append(removed, m.slice(lo, hi-lo))
		if hi < m.end() {
			kept = append(kept, m.slice(hi, m.end()-hi))
		}
	}
	t.entries = kept
	return removed
}

// read copies guest memory at gpa into buf. It reports false when any byte
// is not backed by a mapping.
func (t *mappingTable) read(gpa uint64, buf []byte) bool {
	for len(buf) > 0 {
		m, ok := t.lookup(gpa)
		if !ok {
			return false
		}
		n := copy(buf, m.host[gpa-m.gpa:])
		buf = buf[n:]
		gpa += uint64(n)
	}
	return true
}

// write copies buf into writable guest memory at gpa.
func (t *mappingTable) write(gpa uint64, buf []byte) bool {
	for len(buf) > 0 {
		m, ok := t.lookup(gpa)
		if !ok || m.flags&whvMapWrite == 0 {
			return false
		}
		n := copy(m.host[gpa-m.gpa:], buf)
		buf = buf[n:]
		gpa += uint64(n)
	}
	return true
}
