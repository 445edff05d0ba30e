package kvm

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/hvcore/internal/hv"
)

// registerGroup is a KVM state structure fetched or stored as a unit.
type registerGroup uint8

const (
	groupRegs registerGroup = 1 << iota
	groupSRegs
	groupFPU
	groupXCRs
	groupDebug
	groupMSRs
)

const (
	msrIA32TSC         = 0x00000010
	msrIA32ApicBase    = 0x0000001b
	msrIA32SysenterCS  = 0x00000174
	msrIA32SysenterESP = 0x00000175
	msrIA32SysenterEIP = 0x00000176
	msrIA32PAT         = 0x00000277
	msrEfer            = 0xc0000080
	msrStar            = 0xc0000081
	msrLStar           = 0xc0000082
	msrCStar           = 0xc0000083
	msrSyscallMask     = 0xc0000084
	msrKernelGsBase    = 0xc0000102
	msrTscAux          = 0xc0000103
)

// msrIndex maps registers held in KVM's MSR list. EFER and APIC base live in
// kvm_sregs instead.
var msrIndex = map[hv.Register]uint32{
	hv.RegisterAMD64Tsc:          msrIA32TSC,
	hv.RegisterAMD64TscAux:       msrTscAux,
	hv.RegisterAMD64Pat:          msrIA32PAT,
	hv.RegisterAMD64SysenterCs:   msrIA32SysenterCS,
	hv.RegisterAMD64SysenterEsp:  msrIA32SysenterESP,
	hv.RegisterAMD64SysenterEip:  msrIA32SysenterEIP,
	hv.RegisterAMD64Star:         msrStar,
	hv.RegisterAMD64Lstar:        msrLStar,
	hv.RegisterAMD64Cstar:        msrCStar,
	hv.RegisterAMD64Sfmask:       msrSyscallMask,
	hv.RegisterAMD64KernelGsBase: msrKernelGsBase,
}

func groupOf(reg hv.Register) registerGroup {
	switch reg.Class() {
	case hv.ClassGeneral:
		return groupRegs
	case hv.ClassSegment, hv.ClassTable, hv.ClassControl:
		return groupSRegs
	case hv.ClassDebug:
		return groupDebug
	case hv.ClassFloatingPoint, hv.ClassVector:
		return groupFPU
	case hv.ClassExtendedControl:
		return groupXCRs
	case hv.ClassMSR:
		if reg == hv.RegisterAMD64Efer || reg == hv.RegisterAMD64ApicBase {
			return groupSRegs
		}
		return groupMSRs
	}
	return 0
}

// groupsFor returns the structures needed for regs and the MSR indices among
// them.
func groupsFor(regs []hv.Register) (registerGroup, []uint32, error) {
	var groups registerGroup
	var msrs []uint32
	for _, r := range regs {
		g := groupOf(r)
		if g == 0 || r == hv.RegisterAMD64MxcsrMask {
			return 0, nil, &hv.RegisterError{Register: r, Err: hv.ErrUnsupportedOperation}
		}
		groups |= g
		if g == groupMSRs {
			msrs = append(msrs, msrIndex[r])
		}
	}
	return groups, msrs, nil
}

// vcpuState is the subset of vCPU state a register batch touches.
type vcpuState struct {
	regs  kvmRegs
	sregs kvmSRegs
	fpu   kvmFPU
	xcrs  kvmXcrs
	debug kvmDebugRegs
	msrs  map[uint32]uint64
}

func (s *vcpuState) gpr(reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterAMD64Rax:
		return &s.regs.Rax
	case hv.RegisterAMD64Rbx:
		return &s.regs.Rbx
	case hv.RegisterAMD64Rcx:
		return &s.regs.Rcx
	case hv.RegisterAMD64Rdx:
		return &s.regs.Rdx
	case hv.RegisterAMD64Rsi:
		return &s.regs.Rsi
	case hv.RegisterAMD64Rdi:
		return &s.regs.Rdi
	case hv.RegisterAMD64Rsp:
		return &s.regs.Rsp
	case hv.RegisterAMD64Rbp:
		return &s.regs.Rbp
	case hv.RegisterAMD64R8:
		return &s.regs.R8
	case hv.RegisterAMD64R9:
		return &s.regs.R9
	case hv.RegisterAMD64R10:
		return &s.regs.R10
	case hv.RegisterAMD64R11:
		return &s.regs.R11
	case hv.RegisterAMD64R12:
		return &s.regs.R12
	case hv.RegisterAMD64R13:
		return &s.regs.R13
	case hv.RegisterAMD64R14:
		return &s.regs.R14
	case hv.RegisterAMD64R15:
		return &s.regs.R15
	case hv.RegisterAMD64Rip:
		return &s.regs.Rip
	case hv.RegisterAMD64Rflags:
		return &s.regs.Rflags
	}
	return nil
}

func (s *vcpuState) segment(reg hv.Register) *kvmSegment {
	switch reg {
	case hv.RegisterAMD64Cs:
		return &s.sregs.Cs
	case hv.RegisterAMD64Ds:
		return &s.sregs.Ds
	case hv.RegisterAMD64Es:
		return &s.sregs.Es
	case hv.RegisterAMD64Fs:
		return &s.sregs.Fs
	case hv.RegisterAMD64Gs:
		return &s.sregs.Gs
	case hv.RegisterAMD64Ss:
		return &s.sregs.Ss
	case hv.RegisterAMD64Tr:
		return &s.sregs.Tr
	case hv.RegisterAMD64Ldtr:
		return &s.sregs.Ldt
	}
	return nil
}

func (s *vcpuState) control(reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterAMD64Cr0:
		return &s.sregs.Cr0
	case hv.RegisterAMD64Cr2:
		return &s.sregs.Cr2
	case hv.RegisterAMD64Cr3:
		return &s.sregs.Cr3
	case hv.RegisterAMD64Cr4:
		return &s.sregs.Cr4
	case hv.RegisterAMD64Cr8:
		return &s.sregs.Cr8
	case hv.RegisterAMD64Efer:
		return &s.sregs.Efer
	case hv.RegisterAMD64ApicBase:
		return &s.sregs.ApicBase
	}
	return nil
}

func (s *vcpuState) debugReg(reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterAMD64Dr0, hv.RegisterAMD64Dr1, hv.RegisterAMD64Dr2, hv.RegisterAMD64Dr3:
		return &s.debug.Db[reg-hv.RegisterAMD64Dr0]
	case hv.RegisterAMD64Dr6:
		return &s.debug.Dr6
	case hv.RegisterAMD64Dr7:
		return &s.debug.Dr7
	}
	return nil
}

// xcr0 returns the XCR0 slot, adding it to the list when absent.
func (s *vcpuState) xcr0() *uint64 {
	for i := range s.xcrs.NrXcrs {
		if s.xcrs.Xcrs[i].Xcr == 0 {
			return &s.xcrs.Xcrs[i].Value
		}
	}
	if s.xcrs.NrXcrs >= kvmMaxXCRS {
		return nil
	}
	s.xcrs.Xcrs[s.xcrs.NrXcrs] = kvmXcr{Xcr: 0}
	s.xcrs.NrXcrs++
	return &s.xcrs.Xcrs[s.xcrs.NrXcrs-1].Value
}

func segmentFromKVM(k kvmSegment) hv.Segment {
	return hv.Segment{
		Base:     k.Base,
		Limit:    k.Limit,
		Selector: k.Selector,
		Attributes: hv.SegmentAttributes(k.Type, k.S != 0, k.Dpl,
			k.Present != 0 && k.Unusable == 0, k.Avl != 0, k.L != 0, k.Db != 0, k.G != 0),
	}
}

func segmentToKVM(s hv.Segment) kvmSegment {
	k := kvmSegment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     s.Type(),
		Dpl:      s.DPL(),
	}
	k.S = boolByte(!s.System())
	k.Present = boolByte(s.Present())
	k.Unusable = boolByte(!s.Present())
	k.Avl = boolByte(s.Available())
	k.L = boolByte(s.Long())
	k.Db = boolByte(s.Default())
	k.G = boolByte(s.Granular())
	return k
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func bytes128(b *[16]uint8) hv.Register128 {
	return hv.Register128{
		Low:  binary.LittleEndian.Uint64(b[0:8]),
		High: binary.LittleEndian.Uint64(b[8:16]),
	}
}

func putBytes128(b *[16]uint8, v hv.Register128) {
	binary.LittleEndian.PutUint64(b[0:8], v.Low)
	binary.LittleEndian.PutUint64(b[8:16], v.High)
}

// get reads reg from state. The groups holding reg must have been fetched.
func (s *vcpuState) get(reg hv.Register) (hv.RegisterValue, error) {
	if p := s.gpr(reg); p != nil {
		return hv.Register64(*p), nil
	}
	if p := s.segment(reg); p != nil {
		return segmentFromKVM(*p), nil
	}
	if p := s.control(reg); p != nil {
		return hv.Register64(*p), nil
	}
	if p := s.debugReg(reg); p != nil {
		return hv.Register64(*p), nil
	}

	switch {
	case reg == hv.RegisterAMD64Gdtr:
		return hv.DescriptorTable{Base: s.sregs.Gdt.Base, Limit: s.sregs.Gdt.Limit}, nil
	case reg == hv.RegisterAMD64Idtr:
		return hv.DescriptorTable{Base: s.sregs.Idt.Base, Limit: s.sregs.Idt.Limit}, nil
	case reg.IsST():
		return bytes128(&s.fpu.Fpr[reg-hv.RegisterAMD64St0]), nil
	case reg.IsXMM():
		return bytes128(&s.fpu.Xmm[reg-hv.RegisterAMD64Xmm0]), nil
	case reg == hv.RegisterAMD64Fcw:
		return hv.Register64(s.fpu.Fcw), nil
	case reg == hv.RegisterAMD64Fsw:
		return hv.Register64(s.fpu.Fsw), nil
	case reg == hv.RegisterAMD64Ftw:
		return hv.Register64(s.fpu.Ftwx), nil
	case reg == hv.RegisterAMD64Fop:
		return hv.Register64(s.fpu.LastOpcode), nil
	case reg == hv.RegisterAMD64Fip:
		return hv.Register64(s.fpu.LastIP), nil
	case reg == hv.RegisterAMD64Fdp:
		return hv.Register64(s.fpu.LastDP), nil
	case reg == hv.RegisterAMD64Mxcsr:
		return hv.Register64(s.fpu.Mxcsr), nil
	case reg == hv.RegisterAMD64Xcr0:
		for i := range s.xcrs.NrXcrs {
			if s.xcrs.Xcrs[i].Xcr == 0 {
				return hv.Register64(s.xcrs.Xcrs[i].Value), nil
			}
		}
		return hv.Register64(0), nil
	}

	if idx, ok := msrIndex[reg]; ok {
		return hv.Register64(s.msrs[idx]), nil
	}
	return nil, &hv.RegisterError{Register: reg, Err: hv.ErrUnsupportedOperation}
}

// set stores v into state. Values are already type checked by the caller.
func (s *vcpuState) set(reg hv.Register, v hv.RegisterValue) error {
	if p := s.gpr(reg); p != nil {
		*p = uint64(v.(hv.Register64))
		return nil
	}
	if p := s.segment(reg); p != nil {
		*p = segmentToKVM(v.(hv.Segment))
		return nil
	}
	if p := s.control(reg); p != nil {
		*p = uint64(v.(hv.Register64))
		return nil
	}
	if p := s.debugReg(reg); p != nil {
		*p = uint64(v.(hv.Register64))
		return nil
	}

	switch {
	case reg == hv.RegisterAMD64Gdtr:
		t := v.(hv.DescriptorTable)
		s.sregs.Gdt = kvmDTable{Base: t.Base, Limit: t.Limit}
	case reg == hv.RegisterAMD64Idtr:
		t := v.(hv.DescriptorTable)
		s.sregs.Idt = kvmDTable{Base: t.Base, Limit: t.Limit}
	case reg.IsST():
		putBytes128(&s.fpu.Fpr[reg-hv.RegisterAMD64St0], v.(hv.Register128))
	case reg.IsXMM():
		putBytes128(&s.fpu.Xmm[reg-hv.RegisterAMD64Xmm0], v.(hv.Register128))
	case reg == hv.RegisterAMD64Fcw:
		s.fpu.Fcw = uint16(v.(hv.Register64))
	case reg == hv.RegisterAMD64Fsw:
		s.fpu.Fsw = uint16(v.(hv.Register64))
	case reg == hv.RegisterAMD64Ftw:
		s.fpu.Ftwx = uint8(v.(hv.Register64))
	case reg == hv.RegisterAMD64Fop:
		s.fpu.LastOpcode = uint16(v.(hv.Register64))
	case reg == hv.RegisterAMD64Fip:
		s.fpu.LastIP = uint64(v.(hv.Register64))
	case reg == hv.RegisterAMD64Fdp:
		s.fpu.LastDP = uint64(v.(hv.Register64))
	case reg == hv.RegisterAMD64Mxcsr:
		s.fpu.Mxcsr = uint32(v.(hv.Register64))
	case reg == hv.RegisterAMD64Xcr0:
		p := s.xcr0()
		if p == nil {
			return &hv.RegisterError{Register: reg, Err: fmt.Errorf("xcr list full: %w", hv.ErrResourceLimitExceeded)}
		}
		*p = uint64(v.(hv.Register64))
	default:
		idx, ok := msrIndex[reg]
		if !ok {
			return &hv.RegisterError{Register: reg, Err: hv.ErrUnsupportedOperation}
		}
		if s.msrs == nil {
			s.msrs = make(map[uint32]uint64)
		}
		s.msrs[idx] = uint64(v.(hv.Register64))
	}
	return nil
}
