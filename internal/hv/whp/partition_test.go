package whp

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/hvcore/internal/hv"
)

func TestExtendedExitBits(t *testing.T) {
	all := hv.ExtendedExitCPUID | hv.ExtendedExitMSRAccess | hv.ExtendedExitException |
		hv.ExtendedExitTSCAccess | hv.ExtendedExitAPICSMI | hv.ExtendedExitHypercall
	if got := extendedExitsFromWHV(extendedExitsToWHV(all)); got != all {
		t.Errorf("round trip = %s, want %s", got, all)
	}
	if got := extendedExitsToWHV(hv.ExtendedExitTSCAccess); got != whvExtendedExitRdtsc {
		t.Errorf("tsc bit = %#x, want %#x", got, whvExtendedExitRdtsc)
	}
	if got := extendedExitsFromWHV(1 << 40); got != 0 {
		t.Errorf("unknown bits = %s, want none", got)
	}
}

func TestInterceptedExceptions(t *testing.T) {
	fd := &hv.FeatureDescriptor{
		ExtendedVMExits: hv.ExtendedExitException,
		ExceptionExits:  ^hv.ExceptionBitmap(0),
	}
	spec := hv.VMSpec{ExceptionExits: hv.ExceptionBit(hv.ExceptionPageFault)}
	want := hv.ExceptionBit(hv.ExceptionPageFault) | hv.ExceptionBit(hv.ExceptionDebug) | hv.ExceptionBit(hv.ExceptionBreakpoint)
	if got := interceptedExceptions(spec, fd); got != want {
		t.Errorf("intercepted = %#x, want %#x", got, want)
	}

	if got := interceptedExceptions(hv.VMSpec{}, &hv.FeatureDescriptor{}); got != 0 {
		t.Errorf("intercepted without exception exits = %#x, want 0", got)
	}
}

func TestMapFlags(t *testing.T) {
	if got := mapFlags(hv.PermRWX, hv.MapDirtyTracking); got != whvMapRead|whvMapWrite|whvMapExecute|whvMapTrackDirty {
		t.Errorf("rwx dirty = %#x", got)
	}
	if got := mapFlags(hv.PermRead, 0); got != whvMapRead {
		t.Errorf("read only = %#x", got)
	}
}

func TestMappingTableCarve(t *testing.T) {
	host := make([]byte, 0x4000)
	for i := range host {
		host[i] = byte(i >> 12)
	}

	var tbl mappingTable
	tbl.insert(mapping{gpa: 0x10000, host: host, flags: whvMapRead | whvMapWrite})
	tbl.insert(mapping{gpa: 0x0, host: make([]byte, 0x1000), flags: whvMapRead})

	removed := tbl.carve(0x11000, 0x2000)
	if len(removed) != 1 || removed[0].gpa != 0x11000 || len(removed[0].host) != 0x2000 || removed[0].host[0] != 1 {
		t.Fatalf("removed = %+v", removed)
	}

	type span struct{ Gpa, Size uint64 }
	var got []span
	for _, m := range tbl.entries {
		got = append(got, span{m.gpa, uint64(len(m.host))})
	}
	want := []span{{0x0, 0x1000}, {0x10000, 0x1000}, {0x13000, 0x1000}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	if _, ok := tbl.lookup(0x12000); ok {
		t.Errorf("carved range still mapped")
	}
	m, ok := tbl.lookup(0x13010)
	if !ok || m.host[0] != 3 {
		t.Errorf("lookup tail = %+v %t", m.gpa, ok)
	}
}

func TestMappingTableReadWrite(t *testing.T) {
	var tbl mappingTable
	tbl.insert(mapping{gpa: 0x1000, host: make([]byte, 0x1000), flags: whvMapRead | whvMapWrite})
	tbl.insert(mapping{gpa: 0x2000, host: make([]byte, 0x1000), flags: whvMapRead | whvMapWrite})
	tbl.insert(mapping{gpa: 0x3000, host: make([]byte, 0x1000), flags: whvMapRead})

	data := []byte{1, 2, 3, 4}
	if !tbl.write(0x1ffe, data) {
		t.Fatal("write across mappings failed")
	}
	buf := make([]byte, 4)
	if !tbl.read(0x1ffe, buf) || !bytes.Equal(buf, data) {
		t.Errorf("read back = %v, want %v", buf, data)
	}

	if tbl.write(0x3000, data) {
		t.Errorf("write to read-only mapping succeeded")
	}
	if tbl.read(0x3ffe, buf) {
		t.Errorf("read past the last mapping succeeded")
	}
}

func TestMappingTableCovers(t *testing.T) {
	var tbl mappingTable
	tbl.insert(mapping{gpa: 0x1000, host: make([]byte, 0x1000)})
	tbl.insert(mapping{gpa: 0x2000, host: make([]byte, 0x1000)})
	tbl.insert(mapping{gpa: 0x4000, host: make([]byte, 0x1000)})

	tests := []struct {
		gpa, size uint64
		want      bool
	}{
		{0x1000, 0x2000, true},
		{0x1800, 0x1000, true},
		{0x2000, 0x2000, false},
		{0x0, 0x1000, false},
		{0x4000, 0x1000, true},
	}
	for _, tt := range tests {
		if got := tbl.covers(tt.gpa, tt.size); got != tt.want {
			t.Errorf("covers(%#x, %#x) = %t, want %t", tt.gpa, tt.size, got, tt.want)
		}
	}
}
