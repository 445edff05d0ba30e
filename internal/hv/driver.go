package hv

// MemoryPermission is the guest access allowed on a mapped region.
type MemoryPermission uint8

const (
	PermRead MemoryPermission = 1 << iota
	PermWrite
	PermExecute

	PermNone MemoryPermission = 0
	PermRW                    = PermRead | PermWrite
	PermRWX                   = PermRead | PermWrite | PermExecute
)

func (p MemoryPermission) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExecute != 0 {
		b[2] = 'x'
	}
	return string(b)
}

func (p MemoryPermission) valid() bool { return p != 0 && p&^PermRWX == 0 }

// MappingFlags request optional mapping behaviour.
type MappingFlags uint8

const (
	MapDirtyTracking MappingFlags = 1 << iota
	MapLargePages
	// MapPartialUnmap declares that sub-ranges of the region will be unmapped
	// or re-protected later.
	MapPartialUnmap
	// MapAlias allows the host backing to overlap another region's backing.
	MapAlias
)

// CPUIDResult overrides one CPUID leaf for guests.
type CPUIDResult struct {
	Function uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
}

// VMSpec describes a virtual machine to create.
type VMSpec struct {
	// ProcessorCount caps the number of VPs. Zero means the platform limit.
	ProcessorCount int

	ExtendedVMExits ExtendedVMExit
	ExceptionExits  ExceptionBitmap
	CPUIDResults    []CPUIDResult
}

// Driver is a backend adapter. The Platform drives it through load,
// capability negotiation and VM creation; it never calls a Driver from more
// than one goroutine during construction.
type Driver interface {
	Name() string

	// Load binds the backend's native entry points. A missing runtime
	// returns an error and leaves the driver unloaded.
	Load() error
	Unload() error
	Version() VersionInfo

	Present() (bool, error)
	// QueryFeatures fills backend specific fields of fd.
	QueryFeatures(fd *FeatureDescriptor) error
	QueryExtendedExits() (ExtendedVMExit, error)
	QueryExceptionExits() (ExceptionBitmap, error)

	CreateVM(spec VMSpec, fd *FeatureDescriptor) (NativeVM, error)
}

// NativeVM is a backend virtual machine. Arguments are validated by the
// core before any call.
type NativeVM interface {
	MapMemory(gpa uint64, host []byte, perm MemoryPermission, flags MappingFlags) error
	UnmapMemory(gpa, size uint64) error
	ProtectMemory(gpa, size uint64, perm MemoryPermission) error
	QueryDirtyBitmap(gpa, size uint64, bitmap []uint64) error

	CreateVP(index int) (NativeVP, error)
	Close() error
}

// NativeVP is a backend virtual processor.
type NativeVP interface {
	// Run blocks until the guest exits or Cancel is called.
	Run() (ExitInfo, error)
	// Cancel makes a blocked or imminent Run return ExitCancelled. It must
	// be safe to call from any goroutine.
	Cancel() error

	GetRegisters(regs []Register, values []RegisterValue) error
	SetRegisters(regs []Register, values []RegisterValue) error

	SetIOResult(data uint64) error
	SetSingleStep(enabled bool) error

	Close() error
}
