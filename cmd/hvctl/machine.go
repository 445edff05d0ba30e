package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/hvcore/internal/config"
	"github.com/tinyrange/hvcore/internal/hv"
)

// machine is a VM built from a config file, with the host memory backing
// its regions.
type machine struct {
	cfg     *config.Config
	vm      *hv.VirtualMachine
	memory  [][]byte
	console io.Writer
	start   time.Time

	mu    sync.Mutex
	exits map[hv.ExitReason]int
}

// realModeCode is a 16-bit code segment based at zero.
var realModeCode = hv.Segment{
	Limit:      0xffff,
	Attributes: hv.SegmentAttributes(0xb, true, 0, true, false, false, false, false),
}

var realModeData = hv.Segment{
	Limit:      0xffff,
	Attributes: hv.SegmentAttributes(0x3, true, 0, true, false, false, false, false),
}

func newMachine(p *hv.Platform, cfg *config.Config, console io.Writer) (_ *machine, err error) {
	vm, err := p.CreateVM(cfg.VMSpec())
	if err != nil {
		return nil, err
	}
	m := &machine{
		cfg:     cfg,
		vm:      vm,
		console: console,
		start:   time.Now(),
		exits:   make(map[hv.ExitReason]int),
	}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	for _, r := range cfg.Memory {
		if err := m.mapRegion(r); err != nil {
			return nil, err
		}
	}
	if cfg.Image.Path != "" {
		if err := m.loadImage(cfg.Image); err != nil {
			return nil, err
		}
	}
	for range cfg.Processors {
		vp, err := vm.AddVirtualProcessor()
		if err != nil {
			return nil, err
		}
		if err := m.reset(vp); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *machine) mapRegion(r config.Region) error {
	perm, err := r.Permission()
	if err != nil {
		return err
	}
	mem, err := hv.AllocateMemory(uint64(r.Size))
	if err != nil {
		return err
	}
	var flags hv.MappingFlags
	if r.DirtyTracking {
		flags |= hv.MapDirtyTracking
	}
	if err := m.vm.MapMemory(r.GPA, mem, perm, flags); err != nil {
		hv.FreeMemory(mem)
		return err
	}
	m.memory = append(m.memory, mem)
	slog.Debug("hvctl: mapped region", "gpa", fmt.Sprintf("%#x", r.GPA), "size", uint64(r.Size), "perm", perm)
	return nil
}

func (m *machine) loadImage(img config.Image) error {
	data, err := os.ReadFile(img.Path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	if _, err := m.vm.WriteAt(data, int64(img.Load)); err != nil {
		return fmt.Errorf("load image %s at %#x: %w", img.Path, img.Load, err)
	}
	slog.Debug("hvctl: loaded image", "path", img.Path, "gpa", fmt.Sprintf("%#x", img.Load), "size", len(data))
	return nil
}

// reset points vp at the configured entry in real mode.
func (m *machine) reset(vp *hv.VirtualProcessor) error {
	return vp.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Cs:     realModeCode,
		hv.RegisterAMD64Ds:     realModeData,
		hv.RegisterAMD64Es:     realModeData,
		hv.RegisterAMD64Ss:     realModeData,
		hv.RegisterAMD64Rip:    hv.Register64(m.cfg.Entry.RIP),
		hv.RegisterAMD64Rsp:    hv.Register64(m.cfg.Entry.RSP),
		hv.RegisterAMD64Rflags: hv.Register64(0x2),
	})
}

// Run runs every VP on its own goroutine until all of them halt. The first
// failing VP stops the others.
func (m *machine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, vp := range m.vm.VirtualProcessors() {
		g.Go(func() error {
			if err := m.runVP(ctx, vp); err != nil {
				return fmt.Errorf("vp %d: %w", vp.Index(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

var errStop = errors.New("stop")

func (m *machine) runVP(ctx context.Context, vp *hv.VirtualProcessor) error {
	for n := 0; m.cfg.MaxExits == 0 || n < m.cfg.MaxExits; n++ {
		exit, err := vp.RunContext(ctx)
		if err != nil {
			return err
		}
		m.count(exit.Reason)

		err = m.handle(vp, exit)
		if errors.Is(err, errStop) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("gave up after %d exits", m.cfg.MaxExits)
}

func (m *machine) count(r hv.ExitReason) {
	m.mu.Lock()
	m.exits[r]++
	m.mu.Unlock()
}

// handle services one exit. It returns errStop when the VP is done.
func (m *machine) handle(vp *hv.VirtualProcessor, exit hv.ExitInfo) error {
	switch exit.Reason {
	case hv.ExitHalt:
		slog.Debug("hvctl: halted", "vp", vp.Index())
		return errStop

	case hv.ExitNormal, hv.ExitInterruptWindow, hv.ExitCancelled:
		return nil

	case hv.ExitIO:
		return m.handleIO(vp, exit.IO)

	case hv.ExitMemoryAccess:
		mem := exit.Memory
		switch {
		case !mem.Unmapped || exit.InstructionLength != 0:
		case mem.Access == hv.AccessRead:
			// Unbacked reads see an open bus.
			return vp.SetIOResult(^uint64(0))
		case mem.Access == hv.AccessWrite:
			slog.Info("hvctl: write to unmapped memory", "vp", vp.Index(), "gpa", fmt.Sprintf("%#x", mem.GPA))
			return nil
		}
		return fmt.Errorf("memory fault: %s", exit)

	case hv.ExitCPUID:
		c := exit.CPUID
		return m.complete(vp, exit, map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rax: hv.Register64(c.DefaultRax),
			hv.RegisterAMD64Rbx: hv.Register64(c.DefaultRbx),
			hv.RegisterAMD64Rcx: hv.Register64(c.DefaultRcx),
			hv.RegisterAMD64Rdx: hv.Register64(c.DefaultRdx),
		})

	case hv.ExitMSRAccess:
		regs := map[hv.Register]hv.RegisterValue{}
		if exit.MSR.Write {
			slog.Debug("hvctl: ignored msr write", "vp", vp.Index(), "msr", fmt.Sprintf("%#x", exit.MSR.Number))
		} else {
			regs[hv.RegisterAMD64Rax] = hv.Register64(0)
			regs[hv.RegisterAMD64Rdx] = hv.Register64(0)
		}
		return m.complete(vp, exit, regs)

	case hv.ExitTSCAccess:
		tsc := uint64(time.Since(m.start).Nanoseconds()) + exit.TSC.VirtualOffset
		regs := map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rax: hv.Register64(tsc & 0xffffffff),
			hv.RegisterAMD64Rdx: hv.Register64(tsc >> 32),
		}
		if exit.TSC.Kind == hv.TSCAccessRDTSCP {
			regs[hv.RegisterAMD64Rcx] = hv.Register64(exit.TSC.TSCAux)
		}
		return m.complete(vp, exit, regs)
	}

	return fmt.Errorf("unhandled exit: %s", exit)
}

func (m *machine) handleIO(vp *hv.VirtualProcessor, access *hv.IOAccess) error {
	if !access.Write {
		return vp.SetIOResult(0)
	}
	if access.Port != m.cfg.Console {
		slog.Info("hvctl: io write", "vp", vp.Index(), "port", fmt.Sprintf("%#x", access.Port),
			"size", access.Size, "data", fmt.Sprintf("%#x", access.Data))
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], access.Data)
	_, err := m.console.Write(buf[:min(int(access.Size), len(buf))])
	return err
}

// complete writes regs and steps RIP past an instruction the guest left
// for the host to finish.
func (m *machine) complete(vp *hv.VirtualProcessor, exit hv.ExitInfo, regs map[hv.Register]hv.RegisterValue) error {
	if exit.InstructionLength != 0 {
		rip := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rip: nil}
		if err := vp.GetRegisters(rip); err != nil {
			return err
		}
		regs[hv.RegisterAMD64Rip] = rip[hv.RegisterAMD64Rip].(hv.Register64) + hv.Register64(exit.InstructionLength)
	}
	if len(regs) == 0 {
		return nil
	}
	return vp.SetRegisters(regs)
}

// Report writes the number of exits seen for each reason.
func (m *machine) Report(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reasons := make([]hv.ExitReason, 0, len(m.exits))
	for r := range m.exits {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	for _, r := range reasons {
		fmt.Fprintf(w, "%-20s %d\n", r, m.exits[r])
	}
}

// Close destroys the VM and releases guest memory.
func (m *machine) Close() error {
	errs := []error{m.vm.Close()}
	for _, mem := range m.memory {
		errs = append(errs, hv.FreeMemory(mem))
	}
	m.memory = nil
	return errors.Join(errs...)
}
