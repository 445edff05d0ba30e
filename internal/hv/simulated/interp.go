package simulated

import (
	"encoding/binary"

	"github.com/tinyrange/hvcore/internal/hv"
)

// Opcodes understood by the interpreter. Memory operands use flat 32-bit
// offsets from the DS base and code is fetched from CS base + RIP.
const (
	opNop      = 0x90
	opHlt      = 0xf4
	opMovALImm = 0xb0
	opMovALMem = 0xa0
	opMovMemAL = 0xa2
	opOutImm   = 0xe6
	opOutDX    = 0xee
	opInImm    = 0xe4
	opInDX     = 0xec
	opInt3     = 0xcc
	opJmpRel8  = 0xeb
	opTwoByte  = 0x0f
	opCPUID    = 0xa2
	opRDMSR    = 0x32
	opWRMSR    = 0x30
	opRDTSC    = 0x31
	opUD2      = 0x0b
)

// msrRegisters maps architectural MSR numbers onto the register file.
var msrRegisters = map[uint32]hv.Register{
	0x10:       hv.RegisterAMD64Tsc,
	0x1b:       hv.RegisterAMD64ApicBase,
	0x174:      hv.RegisterAMD64SysenterCs,
	0x175:      hv.RegisterAMD64SysenterEsp,
	0x176:      hv.RegisterAMD64SysenterEip,
	0x277:      hv.RegisterAMD64Pat,
	0xc0000080: hv.RegisterAMD64Efer,
	0xc0000081: hv.RegisterAMD64Star,
	0xc0000082: hv.RegisterAMD64Lstar,
	0xc0000083: hv.RegisterAMD64Cstar,
	0xc0000084: hv.RegisterAMD64Sfmask,
	0xc0000102: hv.RegisterAMD64KernelGsBase,
	0xc0000103: hv.RegisterAMD64TscAux,
}

// fetch reads n instruction bytes at the current RIP.
func (vp *processor) fetch(n int) ([]byte, *fault) {
	pc := vp.segment(hv.RegisterAMD64Cs).Base + vp.get64(hv.RegisterAMD64Rip)
	out := make([]byte, n)
	for i := range out {
		b, f := vp.vm.readByte(pc+uint64(i), hv.AccessExecute)
		if f != nil {
			return nil, f
		}
		out[i] = b
	}
	return out, nil
}

func (vp *processor) advance(n int) {
	vp.set64(hv.RegisterAMD64Rip, vp.get64(hv.RegisterAMD64Rip)+uint64(n))
}

func (vp *processor) tick() {
	vp.set64(hv.RegisterAMD64Tsc, vp.get64(hv.RegisterAMD64Tsc)+1)
}

func fetchFault(f *fault) hv.ExitInfo {
	return hv.ExitInfo{
		Reason: hv.ExitMemoryAccess,
		Memory: &hv.MemoryAccess{GPA: f.gpa, GVA: f.gpa, Access: f.access, Unmapped: f.unmapped},
	}
}

// exception reports vector for the instruction at RIP. Breakpoints not
// requested as exception exits are reported as software breakpoints.
func (vp *processor) exception(vector hv.ExceptionVector, insn []byte) hv.ExitInfo {
	if vector == hv.ExceptionBreakpoint && !vp.exceptionExit(vector) {
		return hv.ExitInfo{Reason: hv.ExitSoftwareBreakpoint, InstructionLength: uint8(len(insn))}
	}
	info := &hv.ExceptionInfo{
		Vector:           vector,
		HasErrorCode:     vector.HasErrorCode(),
		InstructionBytes: insn,
	}
	return hv.ExitInfo{Reason: hv.ExitException, Exception: info, InstructionLength: uint8(len(insn))}
}

func (vp *processor) exceptionExit(v hv.ExceptionVector) bool {
	return vp.vm.exits&hv.ExtendedExitException != 0 && vp.vm.exceptions.Has(v)
}

// step executes one instruction. It reports true when the instruction
// produced a VM exit.
func (vp *processor) step() (hv.ExitInfo, bool) {
	op, f := vp.fetch(1)
	if f != nil {
		return fetchFault(f), true
	}
	vp.tick()

	switch op[0] {
	case opNop:
		vp.advance(1)
		return hv.ExitInfo{}, false

	case opHlt:
		vp.advance(1)
		return hv.ExitInfo{Reason: hv.ExitHalt}, true

	case opMovALImm:
		insn, f := vp.fetch(2)
		if f != nil {
			return fetchFault(f), true
		}
		vp.setAL(insn[1])
		vp.advance(2)
		return hv.ExitInfo{}, false

	case opMovALMem, opMovMemAL:
		insn, f := vp.fetch(5)
		if f != nil {
			return fetchFault(f), true
		}
		return vp.moveMemory(insn)

	case opOutImm, opInImm:
		insn, f := vp.fetch(2)
		if f != nil {
			return fetchFault(f), true
		}
		return vp.portIO(uint16(insn[1]), op[0] == opOutImm, 2), true

	case opOutDX, opInDX:
		port := uint16(vp.get64(hv.RegisterAMD64Rdx))
		return vp.portIO(port, op[0] == opOutDX, 1), true

	case opInt3:
		return vp.exception(hv.ExceptionBreakpoint, op), true

	case opJmpRel8:
		insn, f := vp.fetch(2)
		if f != nil {
			return fetchFault(f), true
		}
		vp.advance(2 + int(int8(insn[1])))
		return hv.ExitInfo{}, false

	case opTwoByte:
		insn, f := vp.fetch(2)
		if f != nil {
			return fetchFault(f), true
		}
		return vp.twoByte(insn)
	}

	return vp.exception(hv.ExceptionInvalidOpcode, op), true
}

func (vp *processor) portIO(port uint16, write bool, length int) hv.ExitInfo {
	io := &hv.IOAccess{Port: port, Size: 1, Write: write}
	if write {
		io.Data = vp.get64(hv.RegisterAMD64Rax) & 0xff
	} else {
		vp.pendingRead = true
	}
	vp.advance(length)
	return hv.ExitInfo{Reason: hv.ExitIO, IO: io}
}

// moveMemory handles MOV AL,[moffs32] and MOV [moffs32],AL. Accesses to
// unmapped memory complete like port reads and writes; permission faults
// leave RIP on the instruction.
func (vp *processor) moveMemory(insn []byte) (hv.ExitInfo, bool) {
	addr := vp.segment(hv.RegisterAMD64Ds).Base + uint64(binary.LittleEndian.Uint32(insn[1:]))
	write := insn[0] == opMovMemAL

	var f *fault
	if write {
		f = vp.vm.writeByte(addr, byte(vp.get64(hv.RegisterAMD64Rax)))
	} else {
		var b byte
		if b, f = vp.vm.readByte(addr, hv.AccessRead); f == nil {
			vp.setAL(b)
		}
	}
	if f == nil {
		vp.advance(len(insn))
		return hv.ExitInfo{}, false
	}

	mem := &hv.MemoryAccess{
		GPA:              f.gpa,
		GVA:              addr,
		Access:           f.access,
		Size:             1,
		Unmapped:         f.unmapped,
		InstructionBytes: insn,
	}
	if write {
		mem.Data = vp.get64(hv.RegisterAMD64Rax) & 0xff
	}
	exit := hv.ExitInfo{Reason: hv.ExitMemoryAccess, Memory: mem}
	if f.unmapped {
		if !write {
			vp.pendingRead = true
		}
		vp.advance(len(insn))
	} else {
		exit.InstructionLength = uint8(len(insn))
	}
	return exit, true
}

func (vp *processor) twoByte(insn []byte) (hv.ExitInfo, bool) {
	switch insn[1] {
	case opCPUID:
		return vp.cpuid(insn)
	case opRDMSR, opWRMSR:
		return vp.msr(insn, insn[1] == opWRMSR)
	case opRDTSC:
		if vp.vm.exits&hv.ExtendedExitTSCAccess != 0 {
			return hv.ExitInfo{
				Reason:            hv.ExitTSCAccess,
				TSC:               &hv.TSCAccess{Kind: hv.TSCAccessRDTSC},
				InstructionLength: 2,
			}, true
		}
		vp.setEDXEAX(vp.get64(hv.RegisterAMD64Tsc))
		vp.advance(2)
		return hv.ExitInfo{}, false
	}
	return vp.exception(hv.ExceptionInvalidOpcode, insn), true
}

func (vp *processor) cpuid(insn []byte) (hv.ExitInfo, bool) {
	leaf := uint32(vp.get64(hv.RegisterAMD64Rax))
	a, b, c, d := vp.cpuidResult(leaf)

	if vp.vm.exits&hv.ExtendedExitCPUID != 0 {
		return hv.ExitInfo{
			Reason: hv.ExitCPUID,
			CPUID: &hv.CPUIDAccess{
				Rax:        vp.get64(hv.RegisterAMD64Rax),
				Rcx:        vp.get64(hv.RegisterAMD64Rcx),
				Rdx:        vp.get64(hv.RegisterAMD64Rdx),
				Rbx:        vp.get64(hv.RegisterAMD64Rbx),
				DefaultRax: uint64(a),
				DefaultRbx: uint64(b),
				DefaultRcx: uint64(c),
				DefaultRdx: uint64(d),
			},
			InstructionLength: uint8(len(insn)),
		}, true
	}

	vp.set64(hv.RegisterAMD64Rax, uint64(a))
	vp.set64(hv.RegisterAMD64Rbx, uint64(b))
	vp.set64(hv.RegisterAMD64Rcx, uint64(c))
	vp.set64(hv.RegisterAMD64Rdx, uint64(d))
	vp.advance(len(insn))
	return hv.ExitInfo{}, false
}

// cpuidResult returns the value a guest sees for leaf, honouring VMSpec
// overrides.
func (vp *processor) cpuidResult(leaf uint32) (eax, ebx, ecx, edx uint32) {
	if r, ok := vp.vm.cpuid[leaf]; ok {
		return r.Eax, r.Ebx, r.Ecx, r.Edx
	}
	switch leaf {
	case 0:
		vendor := []byte("HvcoreSimCPU")
		return 1, binary.LittleEndian.Uint32(vendor[0:]), binary.LittleEndian.Uint32(vendor[8:]),
			binary.LittleEndian.Uint32(vendor[4:])
	case 1:
		// fpu tsc msr cx8 mmx fxsr sse sse2
		const edx = 1<<0 | 1<<4 | 1<<5 | 1<<8 | 1<<23 | 1<<24 | 1<<25 | 1<<26
		return 0x000306a9, uint32(vp.index) << 24, 1, edx
	case 0x80000000:
		return 0x80000008, 0, 0, 0
	case 0x80000008:
		return uint32(vp.vm.features.GuestPhysicalAddress.MaxBits) | 48<<8, 0, 0, 0
	}
	return 0, 0, 0, 0
}

func (vp *processor) msr(insn []byte, write bool) (hv.ExitInfo, bool) {
	number := uint32(vp.get64(hv.RegisterAMD64Rcx))
	rax, rdx := vp.get64(hv.RegisterAMD64Rax), vp.get64(hv.RegisterAMD64Rdx)

	if vp.vm.exits&hv.ExtendedExitMSRAccess != 0 {
		return hv.ExitInfo{
			Reason:            hv.ExitMSRAccess,
			MSR:               &hv.MSRAccess{Write: write, Number: number, Rax: rax, Rdx: rdx},
			InstructionLength: uint8(len(insn)),
		}, true
	}

	reg, ok := msrRegisters[number]
	if !ok {
		return vp.exception(hv.ExceptionGeneralProtection, insn), true
	}
	if write {
		vp.set64(reg, rdx<<32|rax&0xffffffff)
	} else {
		vp.setEDXEAX(vp.get64(reg))
	}
	vp.advance(len(insn))
	return hv.ExitInfo{}, false
}
