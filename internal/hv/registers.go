package hv

import "fmt"

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

// Register128 holds XMM registers and x87 ST registers (the 80-bit value in
// the low bits).
type Register128 struct {
	Low  uint64
	High uint64
}

func (r Register128) isRegisterValue() {}

// Segment is a segment register with VMX style access rights in Attributes:
// type[3:0] s[4] dpl[6:5] p[7] avl[12] l[13] db[14] g[15].
type Segment struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

func (s Segment) isRegisterValue() {}

func (s Segment) Type() uint8     { return uint8(s.Attributes & 0xf) }
func (s Segment) System() bool    { return s.Attributes&(1<<4) == 0 }
func (s Segment) DPL() uint8      { return uint8(s.Attributes>>5) & 3 }
func (s Segment) Present() bool   { return s.Attributes&(1<<7) != 0 }
func (s Segment) Available() bool { return s.Attributes&(1<<12) != 0 }
func (s Segment) Long() bool      { return s.Attributes&(1<<13) != 0 }
func (s Segment) Default() bool   { return s.Attributes&(1<<14) != 0 }
func (s Segment) Granular() bool  { return s.Attributes&(1<<15) != 0 }

// SegmentAttributes packs the individual access right fields.
func SegmentAttributes(typ uint8, nonSystem bool, dpl uint8, present, avl, long, db, granular bool) uint16 {
	attr := uint16(typ & 0xf)
	if nonSystem {
		attr |= 1 << 4
	}
	attr |= uint16(dpl&3) << 5
	if present {
		attr |= 1 << 7
	}
	if avl {
		attr |= 1 << 12
	}
	if long {
		attr |= 1 << 13
	}
	if db {
		attr |= 1 << 14
	}
	if granular {
		attr |= 1 << 15
	}
	return attr
}

// DescriptorTable is GDTR or IDTR.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

func (t DescriptorTable) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	RegisterAMD64Cs
	RegisterAMD64Ds
	RegisterAMD64Es
	RegisterAMD64Fs
	RegisterAMD64Gs
	RegisterAMD64Ss
	RegisterAMD64Tr
	RegisterAMD64Ldtr

	RegisterAMD64Gdtr
	RegisterAMD64Idtr

	RegisterAMD64Cr0
	RegisterAMD64Cr2
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Cr8

	RegisterAMD64Dr0
	RegisterAMD64Dr1
	RegisterAMD64Dr2
	RegisterAMD64Dr3
	RegisterAMD64Dr6
	RegisterAMD64Dr7

	RegisterAMD64St0
	RegisterAMD64St1
	RegisterAMD64St2
	RegisterAMD64St3
	RegisterAMD64St4
	RegisterAMD64St5
	RegisterAMD64St6
	RegisterAMD64St7
	RegisterAMD64Fcw
	RegisterAMD64Fsw
	RegisterAMD64Ftw
	RegisterAMD64Fop
	RegisterAMD64Fip
	RegisterAMD64Fdp
	RegisterAMD64Mxcsr
	RegisterAMD64MxcsrMask

	RegisterAMD64Xmm0
	RegisterAMD64Xmm1
	RegisterAMD64Xmm2
	RegisterAMD64Xmm3
	RegisterAMD64Xmm4
	RegisterAMD64Xmm5
	RegisterAMD64Xmm6
	RegisterAMD64Xmm7
	RegisterAMD64Xmm8
	RegisterAMD64Xmm9
	RegisterAMD64Xmm10
	RegisterAMD64Xmm11
	RegisterAMD64Xmm12
	RegisterAMD64Xmm13
	RegisterAMD64Xmm14
	RegisterAMD64Xmm15

	RegisterAMD64Xcr0

	RegisterAMD64Efer
	RegisterAMD64Tsc
	RegisterAMD64TscAux
	RegisterAMD64ApicBase
	RegisterAMD64Pat
	RegisterAMD64SysenterCs
	RegisterAMD64SysenterEsp
	RegisterAMD64SysenterEip
	RegisterAMD64Star
	RegisterAMD64Lstar
	RegisterAMD64Cstar
	RegisterAMD64Sfmask
	RegisterAMD64KernelGsBase

	registerCount
)

var registerNames = [...]string{
	RegisterInvalid:           "invalid",
	RegisterAMD64Rax:          "rax",
	RegisterAMD64Rbx:          "rbx",
	RegisterAMD64Rcx:          "rcx",
	RegisterAMD64Rdx:          "rdx",
	RegisterAMD64Rsi:          "rsi",
	RegisterAMD64Rdi:          "rdi",
	RegisterAMD64Rsp:          "rsp",
	RegisterAMD64Rbp:          "rbp",
	RegisterAMD64R8:           "r8",
	RegisterAMD64R9:           "r9",
	RegisterAMD64R10:          "r10",
	RegisterAMD64R11:          "r11",
	RegisterAMD64R12:          "r12",
	RegisterAMD64R13:          "r13",
	RegisterAMD64R14:          "r14",
	RegisterAMD64R15:          "r15",
	RegisterAMD64Rip:          "rip",
	RegisterAMD64Rflags:       "rflags",
	RegisterAMD64Cs:           "cs",
	RegisterAMD64Ds:           "ds",
	RegisterAMD64Es:           "es",
	RegisterAMD64Fs:           "fs",
	RegisterAMD64Gs:           "gs",
	RegisterAMD64Ss:           "ss",
	RegisterAMD64Tr:           "tr",
	RegisterAMD64Ldtr:         "ldtr",
	RegisterAMD64Gdtr:         "gdtr",
	RegisterAMD64Idtr:         "idtr",
	RegisterAMD64Cr0:          "cr0",
	RegisterAMD64Cr2:          "cr2",
	RegisterAMD64Cr3:          "cr3",
	RegisterAMD64Cr4:          "cr4",
	RegisterAMD64Cr8:          "cr8",
	RegisterAMD64Dr0:          "dr0",
	RegisterAMD64Dr1:          "dr1",
	RegisterAMD64Dr2:          "dr2",
	RegisterAMD64Dr3:          "dr3",
	RegisterAMD64Dr6:          "dr6",
	RegisterAMD64Dr7:          "dr7",
	RegisterAMD64St0:          "st0",
	RegisterAMD64St1:          "st1",
	RegisterAMD64St2:          "st2",
	RegisterAMD64St3:          "st3",
	RegisterAMD64St4:          "st4",
	RegisterAMD64St5:          "st5",
	RegisterAMD64St6:          "st6",
	RegisterAMD64St7:          "st7",
	RegisterAMD64Fcw:          "fcw",
	RegisterAMD64Fsw:          "fsw",
	RegisterAMD64Ftw:          "ftw",
	RegisterAMD64Fop:          "fop",
	RegisterAMD64Fip:          "fip",
	RegisterAMD64Fdp:          "fdp",
	RegisterAMD64Mxcsr:        "mxcsr",
	RegisterAMD64MxcsrMask:    "mxcsr_mask",
	RegisterAMD64Xmm0:         "xmm0",
	RegisterAMD64Xmm1:         "xmm1",
	RegisterAMD64Xmm2:         "xmm2",
	RegisterAMD64Xmm3:         "xmm3",
	RegisterAMD64Xmm4:         "xmm4",
	RegisterAMD64Xmm5:         "xmm5",
	RegisterAMD64Xmm6:         "xmm6",
	RegisterAMD64Xmm7:         "xmm7",
	RegisterAMD64Xmm8:         "xmm8",
	RegisterAMD64Xmm9:         "xmm9",
	RegisterAMD64Xmm10:        "xmm10",
	RegisterAMD64Xmm11:        "xmm11",
	RegisterAMD64Xmm12:        "xmm12",
	RegisterAMD64Xmm13:        "xmm13",
	RegisterAMD64Xmm14:        "xmm14",
	RegisterAMD64Xmm15:        "xmm15",
	RegisterAMD64Xcr0:         "xcr0",
	RegisterAMD64Efer:         "efer",
	RegisterAMD64Tsc:          "tsc",
	RegisterAMD64TscAux:       "tsc_aux",
	RegisterAMD64ApicBase:     "apic_base",
	RegisterAMD64Pat:          "pat",
	RegisterAMD64SysenterCs:   "sysenter_cs",
	RegisterAMD64SysenterEsp:  "sysenter_esp",
	RegisterAMD64SysenterEip:  "sysenter_eip",
	RegisterAMD64Star:         "star",
	RegisterAMD64Lstar:        "lstar",
	RegisterAMD64Cstar:        "cstar",
	RegisterAMD64Sfmask:       "sfmask",
	RegisterAMD64KernelGsBase: "kernel_gs_base",
}

func (r Register) String() string {
	if r < registerCount {
		return registerNames[r]
	}
	return fmt.Sprintf("register(%d)", uint64(r))
}

// Valid reports whether r names a register in the uniform model.
func (r Register) Valid() bool { return r > RegisterInvalid && r < registerCount }

// Class returns the register's class, or 0 for invalid registers.
func (r Register) Class() RegisterClass {
	switch {
	case r >= RegisterAMD64Rax && r <= RegisterAMD64Rflags:
		return ClassGeneral
	case r >= RegisterAMD64Cs && r <= RegisterAMD64Ldtr:
		return ClassSegment
	case r == RegisterAMD64Gdtr || r == RegisterAMD64Idtr:
		return ClassTable
	case r >= RegisterAMD64Cr0 && r <= RegisterAMD64Cr8:
		return ClassControl
	case r >= RegisterAMD64Dr0 && r <= RegisterAMD64Dr7:
		return ClassDebug
	case r >= RegisterAMD64St0 && r <= RegisterAMD64MxcsrMask:
		return ClassFloatingPoint
	case r >= RegisterAMD64Xmm0 && r <= RegisterAMD64Xmm15:
		return ClassVector
	case r == RegisterAMD64Xcr0:
		return ClassExtendedControl
	case r >= RegisterAMD64Efer && r <= RegisterAMD64KernelGsBase:
		return ClassMSR
	}
	return 0
}

// extendedControl returns the ExtendedControlRegister gate for r, if any.
func (r Register) extendedControl() ExtendedControlRegister {
	switch r {
	case RegisterAMD64Cr8:
		return ExtCR8
	case RegisterAMD64Xcr0:
		return ExtXCR0
	case RegisterAMD64MxcsrMask:
		return ExtMXCSRMask
	}
	return 0
}

// IsST reports whether r is an x87 stack register.
func (r Register) IsST() bool { return r >= RegisterAMD64St0 && r <= RegisterAMD64St7 }

// IsXMM reports whether r is an XMM register.
func (r Register) IsXMM() bool { return r >= RegisterAMD64Xmm0 && r <= RegisterAMD64Xmm15 }

// Bits is the width of the architectural register behind a Register64
// value of r. Values with bits set above it are rejected.
func (r Register) Bits() uint {
	switch r {
	case RegisterAMD64Ftw:
		// Abridged tag word, as FXSAVE stores it.
		return 8
	case RegisterAMD64Fcw, RegisterAMD64Fsw, RegisterAMD64Fop:
		return 16
	case RegisterAMD64Mxcsr, RegisterAMD64MxcsrMask:
		return 32
	}
	return 64
}

// checkValue reports whether v has the value type r expects and fits in r.
func (r Register) checkValue(v RegisterValue) error {
	var ok bool
	switch r.Class() {
	case ClassSegment:
		_, ok = v.(Segment)
	case ClassTable:
		_, ok = v.(DescriptorTable)
	case ClassVector:
		_, ok = v.(Register128)
	case ClassFloatingPoint:
		if r.IsST() {
			_, ok = v.(Register128)
		} else {
			_, ok = v.(Register64)
		}
	default:
		_, ok = v.(Register64)
	}
	if !ok {
		return fmt.Errorf("value of type %T: %w", v, ErrInvalidArgument)
	}
	if n, scalar := v.(Register64); scalar && r.Bits() < 64 && uint64(n)>>r.Bits() != 0 {
		return fmt.Errorf("value %#x wider than %d bits: %w", uint64(n), r.Bits(), ErrInvalidArgument)
	}
	return nil
}

// AllRegisters returns every register in the uniform model in enum order.
func AllRegisters() []Register {
	out := make([]Register, 0, registerCount-1)
	for r := RegisterAMD64Rax; r < registerCount; r++ {
		out = append(out, r)
	}
	return out
}

// RegistersOfClass returns the registers covered by classes.
func RegistersOfClass(classes RegisterClass) []Register {
	var out []Register
	for r := RegisterAMD64Rax; r < registerCount; r++ {
		if r.Class()&classes != 0 {
			out = append(out, r)
		}
	}
	return out
}

// ZeroValue returns the zero value of the type r holds.
func (r Register) ZeroValue() RegisterValue {
	switch r.Class() {
	case ClassSegment:
		return Segment{}
	case ClassTable:
		return DescriptorTable{}
	case ClassVector:
		return Register128{}
	case ClassFloatingPoint:
		if r.IsST() {
			return Register128{}
		}
	}
	return Register64(0)
}
