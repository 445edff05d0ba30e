package hv

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// VirtualMachine owns a guest physical address space and a set of virtual
// processors. It is created by Platform.CreateVM.
type VirtualMachine struct {
	platform *Platform
	native   NativeVM
	spec     VMSpec
	maxVPs   int

	// memMu serializes map/unmap/protect against readers of the region
	// table, including exit handlers that call ReadAt/WriteAt.
	memMu   sync.RWMutex
	regions *regionMap

	mu     sync.Mutex
	closed bool
	vps    map[int]*VirtualProcessor
}

func newVirtualMachine(p *Platform, native NativeVM, spec VMSpec) *VirtualMachine {
	maxVPs := spec.ProcessorCount
	if maxVPs == 0 {
		maxVPs = p.features.MaxProcessorsPerVM
	}
	return &VirtualMachine{
		platform: p,
		native:   native,
		spec:     spec,
		maxVPs:   maxVPs,
		regions:  newRegionMap(),
		vps:      make(map[int]*VirtualProcessor),
	}
}

func (vm *VirtualMachine) Platform() *Platform { return vm.platform }
func (vm *VirtualMachine) Spec() VMSpec        { return vm.spec }

// MaxProcessors is the number of VPs this VM can hold.
func (vm *VirtualMachine) MaxProcessors() int { return vm.maxVPs }

func (vm *VirtualMachine) features() *FeatureDescriptor { return &vm.platform.features }

func (vm *VirtualMachine) checkOpen() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed {
		return ErrVMClosed
	}
	return nil
}

func checkRange(gpa, size uint64) error {
	if size == 0 {
		return fmt.Errorf("zero size: %w", ErrInvalidArgument)
	}
	if gpa%PageSize != 0 || size%PageSize != 0 {
		return fmt.Errorf("range %#x+%#x not page aligned: %w", gpa, size, ErrInvalidArgument)
	}
	if gpa+size < gpa {
		return fmt.Errorf("range %#x+%#x wraps: %w", gpa, size, ErrInvalidArgument)
	}
	return nil
}

// MapMemory maps host at guest physical address gpa. The region is recorded
// only once the backend accepted it.
func (vm *VirtualMachine) MapMemory(gpa uint64, host []byte, perm MemoryPermission, flags MappingFlags) error {
	if err := vm.checkOpen(); err != nil {
		return fmt.Errorf("hv: map memory: %w", err)
	}

	size := uint64(len(host))
	if err := checkRange(gpa, size); err != nil {
		return fmt.Errorf("hv: map memory: %w", err)
	}
	if !perm.valid() {
		return fmt.Errorf("hv: map memory: permissions %#x: %w", uint8(perm), ErrInvalidArgument)
	}
	if flags&^(MapDirtyTracking|MapLargePages|MapPartialUnmap|MapAlias) != 0 {
		return fmt.Errorf("hv: map memory: flags %#x: %w", uint8(flags), ErrInvalidArgument)
	}

	fd := vm.features()
	if !fd.GuestPhysicalAddress.Contains(gpa, size) {
		return fmt.Errorf("hv: map memory: range %#x+%#x beyond %d-bit guest address space: %w",
			gpa, size, fd.GuestPhysicalAddress.MaxBits, ErrInvalidArgument)
	}
	if flags&MapDirtyTracking != 0 && !fd.DirtyPageTracking {
		return fmt.Errorf("hv: map memory: %w", missingFeature("dirty page tracking"))
	}
	if flags&MapLargePages != 0 && !fd.LargeMemoryAllocation {
		return fmt.Errorf("hv: map memory: %w", missingFeature("large memory allocation"))
	}
	if flags&MapPartialUnmap != 0 && !fd.PartialUnmapping {
		return fmt.Errorf("hv: map memory: %w", missingFeature("partial unmapping"))
	}
	if flags&MapAlias != 0 && !fd.MemoryAliasing {
		return fmt.Errorf("hv: map memory: %w", missingFeature("memory aliasing"))
	}

	vm.memMu.Lock()
	defer vm.memMu.Unlock()

	if vm.regions.overlaps(gpa, size) {
		return fmt.Errorf("hv: map memory: range %#x+%#x overlaps an existing mapping: %w", gpa, size, ErrInvalidArgument)
	}
	if vm.regions.aliases(host) {
		if !fd.MemoryAliasing {
			return fmt.Errorf("hv: map memory: %w", missingFeature("memory aliasing"))
		}
		if flags&MapAlias == 0 {
			return fmt.Errorf("hv: map memory: host backing shared with another region without MapAlias: %w", ErrInvalidArgument)
		}
	}

	if err := vm.native.MapMemory(gpa, host, perm, flags); err != nil {
		return fmt.Errorf("hv: map memory at %#x: %w", gpa, nativeError("map memory", err))
	}

	vm.regions.insert(Region{GPA: gpa, Size: size, Host: host, Perm: perm, Flags: flags})
	return nil
}

// UnmapMemory removes [gpa, gpa+size), which must be a registered region or
// a sub-range of one.
func (vm *VirtualMachine) UnmapMemory(gpa, size uint64) error {
	if err := vm.checkOpen(); err != nil {
		return fmt.Errorf("hv: unmap memory: %w", err)
	}
	fd := vm.features()
	if !fd.MemoryUnmapping {
		return fmt.Errorf("hv: unmap memory: %w", missingFeature("memory unmapping"))
	}
	if err := checkRange(gpa, size); err != nil {
		return fmt.Errorf("hv: unmap memory: %w", err)
	}

	vm.memMu.Lock()
	defer vm.memMu.Unlock()

	r, ok := vm.regions.containing(gpa, size)
	if !ok {
		return fmt.Errorf("hv: unmap memory: range %#x+%#x is not within one mapping: %w", gpa, size, ErrInvalidArgument)
	}
	partial := gpa != r.GPA || size != r.Size
	if partial && !fd.PartialUnmapping {
		return fmt.Errorf("hv: unmap memory: %w", missingFeature("partial unmapping"))
	}

	if err := vm.native.UnmapMemory(gpa, size); err != nil {
		return fmt.Errorf("hv: unmap memory at %#x: %w", gpa, nativeError("unmap memory", err))
	}

	vm.regions.remove(r.GPA)
	for _, rest := range r.carve(gpa, size) {
		vm.regions.insert(rest)
	}
	return nil
}

// ProtectMemory changes the guest permissions of a registered region or a
// sub-range of one.
func (vm *VirtualMachine) ProtectMemory(gpa, size uint64, perm MemoryPermission) error {
	if err := vm.checkOpen(); err != nil {
		return fmt.Errorf("hv: protect memory: %w", err)
	}
	if err := checkRange(gpa, size); err != nil {
		return fmt.Errorf("hv: protect memory: %w", err)
	}
	if !perm.valid() {
		return fmt.Errorf("hv: protect memory: permissions %#x: %w", uint8(perm), ErrInvalidArgument)
	}

	vm.memMu.Lock()
	defer vm.memMu.Unlock()

	r, ok := vm.regions.containing(gpa, size)
	if !ok {
		return fmt.Errorf("hv: protect memory: range %#x+%#x is not within one mapping: %w", gpa, size, ErrInvalidArgument)
	}
	partial := gpa != r.GPA || size != r.Size
	if partial && !vm.features().PartialUnmapping {
		return fmt.Errorf("hv: protect memory: %w", missingFeature("partial unmapping"))
	}
	if r.Perm == perm {
		return nil
	}

	if err := vm.native.ProtectMemory(gpa, size, perm); err != nil {
		return fmt.Errorf("hv: protect memory at %#x: %w", gpa, nativeError("protect memory", err))
	}

	vm.regions.remove(r.GPA)
	for _, rest := range r.carve(gpa, size) {
		vm.regions.insert(rest)
	}
	changed := r.slice(gpa, size)
	changed.Perm = perm
	vm.regions.insert(changed)
	return nil
}

// QueryDirtyBitmap returns one bit per page of [gpa, gpa+size) that the
// guest wrote since the previous query. The range must be mapped with
// MapDirtyTracking.
func (vm *VirtualMachine) QueryDirtyBitmap(gpa, size uint64) ([]uint64, error) {
	if err := vm.checkOpen(); err != nil {
		return nil, fmt.Errorf("hv: query dirty bitmap: %w", err)
	}
	if err := checkRange(gpa, size); err != nil {
		return nil, fmt.Errorf("hv: query dirty bitmap: %w", err)
	}

	vm.memMu.RLock()
	defer vm.memMu.RUnlock()

	r, ok := vm.regions.containing(gpa, size)
	if !ok {
		return nil, fmt.Errorf("hv: query dirty bitmap: range %#x+%#x is not within one mapping: %w", gpa, size, ErrInvalidArgument)
	}
	if r.Flags&MapDirtyTracking == 0 {
		return nil, fmt.Errorf("hv: query dirty bitmap: region %#x not tracked: %w", r.GPA, ErrInvalidArgument)
	}
	if (gpa != r.GPA || size != r.Size) && !vm.features().PartialDirtyBitmap {
		return nil, fmt.Errorf("hv: query dirty bitmap: %w", missingFeature("partial dirty bitmap"))
	}

	pages := size / PageSize
	bitmap := make([]uint64, (pages+63)/64)
	if err := vm.native.QueryDirtyBitmap(gpa, size, bitmap); err != nil {
		return nil, fmt.Errorf("hv: query dirty bitmap at %#x: %w", gpa, nativeError("query dirty bitmap", err))
	}
	return bitmap, nil
}

// Regions returns a snapshot of the mappings in ascending address order.
func (vm *VirtualMachine) Regions() []Region {
	vm.memMu.RLock()
	defer vm.memMu.RUnlock()
	return vm.regions.all()
}

// ReadAt copies guest physical memory at off into p. Guest permissions do
// not apply to host access.
func (vm *VirtualMachine) ReadAt(p []byte, off int64) (int, error) {
	return vm.access(p, off, false)
}

// WriteAt copies p into guest physical memory at off.
func (vm *VirtualMachine) WriteAt(p []byte, off int64) (int, error) {
	return vm.access(p, off, true)
}

func (vm *VirtualMachine) access(p []byte, off int64, write bool) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("hv: negative offset %d: %w", off, ErrInvalidArgument)
	}

	vm.memMu.RLock()
	defer vm.memMu.RUnlock()

	n := 0
	addr := uint64(off)
	for n < len(p) {
		r, ok := vm.regions.find(addr)
		if !ok {
			return n, fmt.Errorf("hv: guest address %#x not mapped: %w", addr, ErrInvalidArgument)
		}
		host := r.Host[addr-r.GPA:]
		var c int
		if write {
			c = copy(host, p[n:])
		} else {
			c = copy(p[n:], host)
		}
		n += c
		addr += uint64(c)
	}
	return n, nil
}

// AddVirtualProcessor creates a VP with the lowest unused index.
func (vm *VirtualMachine) AddVirtualProcessor() (*VirtualProcessor, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return nil, fmt.Errorf("hv: add virtual processor: %w", ErrVMClosed)
	}
	if len(vm.vps) >= vm.maxVPs {
		return nil, fmt.Errorf("hv: add virtual processor: vm holds %d of %d: %w",
			len(vm.vps), vm.maxVPs, ErrResourceLimitExceeded)
	}
	if err := vm.platform.reserveVP(); err != nil {
		return nil, fmt.Errorf("hv: add virtual processor: %w", err)
	}

	index := 0
	for {
		if _, used := vm.vps[index]; !used {
			break
		}
		index++
	}

	native, err := vm.native.CreateVP(index)
	if err != nil {
		vm.platform.releaseVP()
		return nil, fmt.Errorf("hv: add virtual processor %d: %w", index, nativeError("create vp", err))
	}

	vp := newVirtualProcessor(vm, index, native)
	vm.vps[index] = vp
	return vp, nil
}

// RemoveVirtualProcessor destroys vp and frees its index.
func (vm *VirtualMachine) RemoveVirtualProcessor(vp *VirtualProcessor) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if cur, ok := vm.vps[vp.index]; !ok || cur != vp {
		return fmt.Errorf("hv: remove virtual processor %d: not part of this vm: %w", vp.index, ErrInvalidArgument)
	}
	if err := vp.destroy(false); err != nil {
		return fmt.Errorf("hv: remove virtual processor %d: %w", vp.index, err)
	}
	delete(vm.vps, vp.index)
	vm.platform.releaseVP()
	return nil
}

// VirtualProcessor returns the VP with the given index.
func (vm *VirtualMachine) VirtualProcessor(index int) (*VirtualProcessor, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vp, ok := vm.vps[index]
	return vp, ok
}

// VirtualProcessors returns the VPs ordered by index.
func (vm *VirtualMachine) VirtualProcessors() []*VirtualProcessor {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	out := make([]*VirtualProcessor, 0, len(vm.vps))
	for _, vp := range vm.vps {
		out = append(out, vp)
	}
	slices.SortFunc(out, func(a, b *VirtualProcessor) int { return a.index - b.index })
	return out
}

// Close unmaps every region before destroying the VPs, then destroys the
// backend VM. A VP blocked in Run is cancelled first.
func (vm *VirtualMachine) Close() error {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return nil
	}
	vm.closed = true
	vps := make([]*VirtualProcessor, 0, len(vm.vps))
	for _, vp := range vm.vps {
		vps = append(vps, vp)
	}
	vm.vps = make(map[int]*VirtualProcessor)
	vm.mu.Unlock()

	var errs []error

	vm.memMu.Lock()
	if vm.features().MemoryUnmapping {
		for _, r := range vm.regions.all() {
			if err := vm.native.UnmapMemory(r.GPA, r.Size); err != nil {
				errs = append(errs, fmt.Errorf("unmap %#x: %w", r.GPA, err))
			}
		}
	}
	vm.regions = newRegionMap()
	vm.memMu.Unlock()

	for _, vp := range vps {
		if err := vp.destroy(true); err != nil {
			errs = append(errs, fmt.Errorf("destroy vp %d: %w", vp.index, err))
		}
		vm.platform.releaseVP()
	}

	if err := vm.native.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}

	vm.platform.removeVM(vm)

	if err := errors.Join(errs...); err != nil {
		slog.Error("hv: close vm", "error", err)
		return fmt.Errorf("hv: close vm: %w", err)
	}
	return nil
}
