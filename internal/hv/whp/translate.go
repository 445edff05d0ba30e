package whp

import (
	"slices"

	"github.com/tinyrange/hvcore/internal/hv"
)

// directNames maps registers that have a WHV_REGISTER_NAME of their own.
var directNames = map[hv.Register]whvRegisterName{
	hv.RegisterAMD64Rax:    whvRax,
	hv.RegisterAMD64Rcx:    whvRcx,
	hv.RegisterAMD64Rdx:    whvRdx,
	hv.RegisterAMD64Rbx:    whvRbx,
	hv.RegisterAMD64Rsp:    whvRsp,
	hv.RegisterAMD64Rbp:    whvRbp,
	hv.RegisterAMD64Rsi:    whvRsi,
	hv.RegisterAMD64Rdi:    whvRdi,
	hv.RegisterAMD64R8:     whvR8,
	hv.RegisterAMD64R9:     whvR9,
	hv.RegisterAMD64R10:    whvR10,
	hv.RegisterAMD64R11:    whvR11,
	hv.RegisterAMD64R12:    whvR12,
	hv.RegisterAMD64R13:    whvR13,
	hv.RegisterAMD64R14:    whvR14,
	hv.RegisterAMD64R15:    whvR15,
	hv.RegisterAMD64Rip:    whvRip,
	hv.RegisterAMD64Rflags: whvRflags,

	hv.RegisterAMD64Es:   whvEs,
	hv.RegisterAMD64Cs:   whvCs,
	hv.RegisterAMD64Ss:   whvSs,
	hv.RegisterAMD64Ds:   whvDs,
	hv.RegisterAMD64Fs:   whvFs,
	hv.RegisterAMD64Gs:   whvGs,
	hv.RegisterAMD64Ldtr: whvLdtr,
	hv.RegisterAMD64Tr:   whvTr,
	hv.RegisterAMD64Idtr: whvIdtr,
	hv.RegisterAMD64Gdtr: whvGdtr,

	hv.RegisterAMD64Cr0: whvCr0,
	hv.RegisterAMD64Cr2: whvCr2,
	hv.RegisterAMD64Cr3: whvCr3,
	hv.RegisterAMD64Cr4: whvCr4,
	hv.RegisterAMD64Cr8: whvCr8,

	hv.RegisterAMD64Dr0: whvDr0,
	hv.RegisterAMD64Dr1: whvDr1,
	hv.RegisterAMD64Dr2: whvDr2,
	hv.RegisterAMD64Dr3: whvDr3,
	hv.RegisterAMD64Dr6: whvDr6,
	hv.RegisterAMD64Dr7: whvDr7,

	hv.RegisterAMD64Xcr0: whvXCr0,

	hv.RegisterAMD64Tsc:          whvTsc,
	hv.RegisterAMD64Efer:         whvEfer,
	hv.RegisterAMD64KernelGsBase: whvKernelGsBase,
	hv.RegisterAMD64ApicBase:     whvApicBase,
	hv.RegisterAMD64Pat:          whvPat,
	hv.RegisterAMD64SysenterCs:   whvSysenterCs,
	hv.RegisterAMD64SysenterEip:  whvSysenterEip,
	hv.RegisterAMD64SysenterEsp:  whvSysenterEsp,
	hv.RegisterAMD64Star:         whvStar,
	hv.RegisterAMD64Lstar:        whvLstar,
	hv.RegisterAMD64Cstar:        whvCstar,
	hv.RegisterAMD64Sfmask:       whvSfmask,
	hv.RegisterAMD64TscAux:       whvTscAux,
}

// nativeName returns the WHV register holding reg. Several x87 and SSE
// control registers share one packed WHV register.
func nativeName(reg hv.Register) (whvRegisterName, bool) {
	if n, ok := directNames[reg]; ok {
		return n, true
	}
	switch {
	case reg.IsST():
		return whvFpMmx0 + whvRegisterName(reg-hv.RegisterAMD64St0), true
	case reg.IsXMM():
		return whvXmm0 + whvRegisterName(reg-hv.RegisterAMD64Xmm0), true
	}
	switch reg {
	case hv.RegisterAMD64Fcw, hv.RegisterAMD64Fsw, hv.RegisterAMD64Ftw,
		hv.RegisterAMD64Fop, hv.RegisterAMD64Fip:
		return whvFpControlStatus, true
	case hv.RegisterAMD64Fdp, hv.RegisterAMD64Mxcsr, hv.RegisterAMD64MxcsrMask:
		return whvXmmControlStatus, true
	}
	return 0, false
}

func packed(n whvRegisterName) bool {
	return n == whvFpControlStatus || n == whvXmmControlStatus
}

// namesFor returns the distinct WHV registers covering regs, in a stable
// order.
func namesFor(regs []hv.Register) ([]whvRegisterName, error) {
	names := make([]whvRegisterName, 0, len(regs))
	for _, r := range regs {
		n, ok := nativeName(r)
		if !ok {
			return nil, &hv.RegisterError{Register: r, Err: hv.ErrUnsupportedOperation}
		}
		names = append(names, n)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

// packedNames returns the packed WHV registers among names. Writing part of
// one needs the current value first.
func packedNames(names []whvRegisterName) []whvRegisterName {
	var out []whvRegisterName
	for _, n := range names {
		if packed(n) {
			out = append(out, n)
		}
	}
	return out
}

// registerFile is a batch of WHV register values keyed by name.
type registerFile map[whvRegisterName]whvRegisterValue

func newRegisterFile(names []whvRegisterName, values []whvRegisterValue) registerFile {
	f := make(registerFile, len(names))
	for i, n := range names {
		f[n] = values[i]
	}
	return f
}

// batch flattens f in the order of names.
func (f registerFile) batch(names []whvRegisterName) []whvRegisterValue {
	values := make([]whvRegisterValue, len(names))
	for i, n := range names {
		values[i] = f[n]
	}
	return values
}

func segmentFromWHV(v whvRegisterValue) hv.Segment {
	return hv.Segment{
		Base:       v.Low,
		Limit:      uint32(v.High),
		Selector:   uint16(v.High >> 32),
		Attributes: uint16(v.High >> 48),
	}
}

func segmentToWHV(s hv.Segment) whvRegisterValue {
	return whvRegisterValue{
		Low:  s.Base,
		High: uint64(s.Limit) | uint64(s.Selector)<<32 | uint64(s.Attributes)<<48,
	}
}

func tableFromWHV(v whvRegisterValue) hv.DescriptorTable {
	return hv.DescriptorTable{Base: v.High, Limit: uint16(v.Low >> 48)}
}

func tableToWHV(t hv.DescriptorTable) whvRegisterValue {
	return whvRegisterValue{Low: uint64(t.Limit) << 48, High: t.Base}
}

// field locates reg inside a packed WHV register value.
type field struct {
	high  bool
	shift uint
	width uint
}

var packedFields = map[hv.Register]field{
	hv.RegisterAMD64Fcw:       {shift: 0, width: 16},
	hv.RegisterAMD64Fsw:       {shift: 16, width: 16},
	hv.RegisterAMD64Ftw:       {shift: 32, width: 8},
	hv.RegisterAMD64Fop:       {shift: 48, width: 16},
	hv.RegisterAMD64Fip:       {high: true, width: 64},
	hv.RegisterAMD64Fdp:       {width: 64},
	hv.RegisterAMD64Mxcsr:     {high: true, width: 32},
	hv.RegisterAMD64MxcsrMask: {high: true, shift: 32, width: 32},
}

func (fl field) mask() uint64 {
	if fl.width == 64 {
		return ^uint64(0)
	}
	return (uint64(1)<<fl.width - 1) << fl.shift
}

func (fl field) get(v whvRegisterValue) uint64 {
	w := v.Low
	if fl.high {
		w = v.High
	}
	return (w & fl.mask()) >> fl.shift
}

func (fl field) put(v *whvRegisterValue, x uint64) {
	w := &v.Low
	if fl.high {
		w = &v.High
	}
	*w = *w&^fl.mask() | (x<<fl.shift)&fl.mask()
}

// get decodes reg from f. The WHV register holding reg must be present.
func (f registerFile) get(reg hv.Register) (hv.RegisterValue, error) {
	n, ok := nativeName(reg)
	if !ok {
		return nil, &hv.RegisterError{Register: reg, Err: hv.ErrUnsupportedOperation}
	}
	v := f[n]
	if fl, ok := packedFields[reg]; ok {
		return hv.Register64(fl.get(v)), nil
	}
	switch reg.Class() {
	case hv.ClassSegment:
		return segmentFromWHV(v), nil
	case hv.ClassTable:
		return tableFromWHV(v), nil
	}
	if reg.IsST() || reg.IsXMM() {
		return hv.Register128{Low: v.Low, High: v.High}, nil
	}
	return hv.Register64(v.Low), nil
}

// set encodes v into f. Packed registers must already hold their current
// value so the other fields survive.
func (f registerFile) set(reg hv.Register, v hv.RegisterValue) error {
	n, ok := nativeName(reg)
	if !ok {
		return &hv.RegisterError{Register: reg, Err: hv.ErrUnsupportedOperation}
	}
	if fl, ok := packedFields[reg]; ok {
		cur := f[n]
		fl.put(&cur, uint64(v.(hv.Register64)))
		f[n] = cur
		return nil
	}
	switch val := v.(type) {
	case hv.Segment:
		f[n] = segmentToWHV(val)
	case hv.DescriptorTable:
		f[n] = tableToWHV(val)
	case hv.Register128:
		f[n] = whvRegisterValue{Low: val.Low, High: val.High}
	case hv.Register64:
		f[n] = whvRegisterValue{Low: uint64(val)}
	default:
		return &hv.RegisterError{Register: reg, Err: hv.ErrInvalidArgument}
	}
	return nil
}
