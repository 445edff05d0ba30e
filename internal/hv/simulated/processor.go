package simulated

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/hvcore/internal/hv"
)

const (
	rflagsReserved = 1 << 1
	rflagsTF       = 1 << 8
)

// processor is the simulated hv.NativeVP.
type processor struct {
	vm    *machine
	index int

	cancel atomic.Bool

	mu          sync.Mutex
	regs        map[hv.Register]hv.RegisterValue
	pendingRead bool
	closed      bool
}

var _ hv.NativeVP = (*processor)(nil)

func newProcessor(vm *machine, index int) *processor {
	vp := &processor{
		vm:    vm,
		index: index,
		regs:  make(map[hv.Register]hv.RegisterValue),
	}
	vp.reset()
	return vp
}

// reset loads the state of a processor after INIT with flat segments based
// at zero.
func (vp *processor) reset() {
	clear(vp.regs)

	data := hv.Segment{Limit: 0xffff, Attributes: hv.SegmentAttributes(3, true, 0, true, false, false, false, false)}
	code := hv.Segment{Limit: 0xffff, Attributes: hv.SegmentAttributes(0xb, true, 0, true, false, false, false, false)}

	vp.regs[hv.RegisterAMD64Rflags] = hv.Register64(rflagsReserved)
	vp.regs[hv.RegisterAMD64Cs] = code
	for _, r := range []hv.Register{hv.RegisterAMD64Ds, hv.RegisterAMD64Es, hv.RegisterAMD64Fs, hv.RegisterAMD64Gs, hv.RegisterAMD64Ss} {
		vp.regs[r] = data
	}
	vp.regs[hv.RegisterAMD64Tr] = hv.Segment{Limit: 0xffff, Attributes: hv.SegmentAttributes(0xb, false, 0, true, false, false, false, false)}
	vp.regs[hv.RegisterAMD64Ldtr] = hv.Segment{Limit: 0xffff, Attributes: hv.SegmentAttributes(2, false, 0, true, false, false, false, false)}
	vp.regs[hv.RegisterAMD64Gdtr] = hv.DescriptorTable{Limit: 0xffff}
	vp.regs[hv.RegisterAMD64Idtr] = hv.DescriptorTable{Limit: 0xffff}
	vp.regs[hv.RegisterAMD64Cr0] = hv.Register64(0x10)
	vp.regs[hv.RegisterAMD64Dr6] = hv.Register64(0xffff0ff0)
	vp.regs[hv.RegisterAMD64Dr7] = hv.Register64(0x400)
	vp.regs[hv.RegisterAMD64Fcw] = hv.Register64(0x37f)
	vp.regs[hv.RegisterAMD64Mxcsr] = hv.Register64(0x1f80)
	vp.regs[hv.RegisterAMD64MxcsrMask] = hv.Register64(0xffff)
	vp.regs[hv.RegisterAMD64Xcr0] = hv.Register64(1)
	vp.regs[hv.RegisterAMD64ApicBase] = hv.Register64(0xfee00900)
	vp.regs[hv.RegisterAMD64Pat] = hv.Register64(0x0007040600070406)
}

func (vp *processor) get64(r hv.Register) uint64 {
	if v, ok := vp.regs[r].(hv.Register64); ok {
		return uint64(v)
	}
	return 0
}

func (vp *processor) set64(r hv.Register, v uint64) { vp.regs[r] = hv.Register64(v) }

func (vp *processor) segment(r hv.Register) hv.Segment {
	s, _ := vp.regs[r].(hv.Segment)
	return s
}

func (vp *processor) setAL(v byte) {
	vp.set64(hv.RegisterAMD64Rax, vp.get64(hv.RegisterAMD64Rax)&^0xff|uint64(v))
}

// setEDXEAX splits v into EDX:EAX, zero extending both halves.
func (vp *processor) setEDXEAX(v uint64) {
	vp.set64(hv.RegisterAMD64Rax, v&0xffffffff)
	vp.set64(hv.RegisterAMD64Rdx, v>>32)
}

func (vp *processor) Run() (hv.ExitInfo, error) {
	vp.mu.Lock()
	defer vp.mu.Unlock()

	if vp.closed {
		return hv.ExitInfo{}, fmt.Errorf("simulated: run vp %d: %w", vp.index, hv.ErrVPDestroyed)
	}

	for steps := 1; ; steps++ {
		if vp.cancel.Swap(false) {
			return hv.ExitInfo{Reason: hv.ExitCancelled, Raw: hv.RawExit{Code: uint64(hv.ExitCancelled)}}, nil
		}

		exit, stop := vp.step()
		if stop {
			exit.Raw.Code = uint64(exit.Reason)
			return exit, nil
		}
		if vp.get64(hv.RegisterAMD64Rflags)&rflagsTF != 0 {
			return hv.ExitInfo{Reason: hv.ExitStep, Raw: hv.RawExit{Code: uint64(hv.ExitStep)}}, nil
		}
		if steps%256 == 0 {
			runtime.Gosched()
		}
	}
}

func (vp *processor) Cancel() error {
	vp.cancel.Store(true)
	return nil
}

func (vp *processor) GetRegisters(regs []hv.Register, values []hv.RegisterValue) error {
	vp.mu.Lock()
	defer vp.mu.Unlock()

	for i, r := range regs {
		v, ok := vp.regs[r]
		if !ok {
			v = r.ZeroValue()
		}
		values[i] = v
	}
	return nil
}

func (vp *processor) SetRegisters(regs []hv.Register, values []hv.RegisterValue) error {
	vp.mu.Lock()
	defer vp.mu.Unlock()

	for i, r := range regs {
		vp.regs[r] = values[i]
	}
	return nil
}

func (vp *processor) SetIOResult(data uint64) error {
	vp.mu.Lock()
	defer vp.mu.Unlock()

	if !vp.pendingRead {
		return fmt.Errorf("simulated: vp %d has no pending read: %w", vp.index, hv.ErrInvalidArgument)
	}
	vp.setAL(byte(data))
	vp.pendingRead = false
	return nil
}

func (vp *processor) SetSingleStep(enabled bool) error {
	vp.mu.Lock()
	defer vp.mu.Unlock()

	flags := vp.get64(hv.RegisterAMD64Rflags)
	if enabled {
		flags |= rflagsTF
	} else {
		flags &^= rflagsTF
	}
	vp.set64(hv.RegisterAMD64Rflags, flags)
	return nil
}

func (vp *processor) Close() error {
	vp.mu.Lock()
	vp.closed = true
	vp.mu.Unlock()

	vp.vm.removeVP(vp.index)
	return nil
}
