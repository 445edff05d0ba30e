// Package config loads the YAML description of a guest for hvctl.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/hvcore/internal/hv"
)

// Config describes a machine to build and run.
type Config struct {
	// Backend is whpx, kvm or simulated. Empty selects the host's native
	// backend.
	Backend  string `yaml:"backend"`
	LogLevel string `yaml:"log_level"`

	Processors int         `yaml:"processors"`
	Memory     []Region    `yaml:"memory"`
	Image      Image       `yaml:"image"`
	Entry      Entry       `yaml:"entry"`
	Exits      Exits       `yaml:"exits"`
	CPUID      []CPUIDLeaf `yaml:"cpuid"`

	// Console is the port whose writes are copied to stdout.
	Console uint16 `yaml:"console"`
	// Timeout bounds a whole run.
	Timeout Duration `yaml:"timeout"`
	// MaxExits stops a VP after this many exits. Zero means no limit.
	MaxExits int `yaml:"max_exits"`
	// Timeslice names a file to record run timing into.
	Timeslice string `yaml:"timeslice"`

	Bench Bench `yaml:"bench"`
}

// Region is one block of guest RAM.
type Region struct {
	GPA           uint64 `yaml:"gpa"`
	Size          Size   `yaml:"size"`
	Perm          string `yaml:"perm"`
	DirtyTracking bool   `yaml:"dirty_tracking"`
}

// Permission parses Perm. An empty string means rwx.
func (r Region) Permission() (hv.MemoryPermission, error) {
	return ParsePermission(r.Perm)
}

// Image is a flat binary copied into guest memory before the first run.
type Image struct {
	Path string `yaml:"path"`
	Load uint64 `yaml:"load"`
}

// Entry is the initial processor state. Code runs in real mode with CS
// based at zero.
type Entry struct {
	RIP uint64 `yaml:"rip"`
	RSP uint64 `yaml:"rsp"`
}

// Exits lists the optional exits requested from the backend.
type Exits struct {
	Extended   []string `yaml:"extended"`
	Exceptions []uint8  `yaml:"exceptions"`
}

type CPUIDLeaf struct {
	Function uint32 `yaml:"function"`
	Eax      uint32 `yaml:"eax"`
	Ebx      uint32 `yaml:"ebx"`
	Ecx      uint32 `yaml:"ecx"`
	Edx      uint32 `yaml:"edx"`
}

// Bench configures hvctl bench.
type Bench struct {
	Iterations int    `yaml:"iterations"`
	Port       uint16 `yaml:"port"`
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Size is a byte count written either as an integer or with a K, M or G
// suffix.
type Size uint64

var sizeSuffixes = map[string]uint64{
	"K": 1 << 10,
	"M": 1 << 20,
	"G": 1 << 30,
}

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSize parses a Size. Integers may use any prefix strconv accepts.
func ParseSize(raw string) (Size, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	mult := uint64(1)
	for suffix, m := range sizeSuffixes {
		if strings.HasSuffix(s, suffix) || strings.HasSuffix(s, suffix+"B") {
			s = strings.TrimSuffix(strings.TrimSuffix(s, "B"), suffix)
			mult = m
			break
		}
	}
	n, err := strconv.ParseUint(strings.ToLower(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", raw, err)
	}
	if n > ^uint64(0)/mult {
		return 0, fmt.Errorf("invalid size %q: overflows", raw)
	}
	return Size(n * mult), nil
}

// ParsePermission parses a permission string made of the letters r, w and
// x. An empty string means rwx.
func ParsePermission(s string) (hv.MemoryPermission, error) {
	if s == "" {
		return hv.PermRWX, nil
	}
	var perm hv.MemoryPermission
	for _, c := range s {
		var bit hv.MemoryPermission
		switch c {
		case 'r':
			bit = hv.PermRead
		case 'w':
			bit = hv.PermWrite
		case 'x':
			bit = hv.PermExecute
		case '-':
			continue
		default:
			return 0, fmt.Errorf("invalid permission %q", s)
		}
		if perm&bit != 0 {
			return 0, fmt.Errorf("invalid permission %q: repeated %q", s, c)
		}
		perm |= bit
	}
	if perm == hv.PermNone {
		return 0, fmt.Errorf("invalid permission %q: no access", s)
	}
	return perm, nil
}

var extendedExitNames = map[string]hv.ExtendedVMExit{
	"cpuid":     hv.ExtendedExitCPUID,
	"msr":       hv.ExtendedExitMSRAccess,
	"exception": hv.ExtendedExitException,
	"tsc":       hv.ExtendedExitTSCAccess,
	"apic_smi":  hv.ExtendedExitAPICSMI,
	"hypercall": hv.ExtendedExitHypercall,
}

// ParseExtendedExits converts exit names as printed by
// hv.ExtendedVMExit.String.
func ParseExtendedExits(names []string) (hv.ExtendedVMExit, error) {
	var out hv.ExtendedVMExit
	for _, name := range names {
		e, ok := extendedExitNames[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("unknown extended exit %q", name)
		}
		out |= e
	}
	return out, nil
}

const (
	defaultTimeout    = 10 * time.Second
	defaultIterations = 1000
	defaultConsole    = 0xe9
	defaultBenchPort  = 0x80
)

// Default is the configuration used when no file is given: one processor
// and one page of memory on the host backend.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Memory = []Region{{GPA: 0, Size: hv.PageSize, Perm: "rwx"}}
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Processors == 0 {
		c.Processors = 1
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(defaultTimeout)
	}
	if c.Console == 0 {
		c.Console = defaultConsole
	}
	if c.Bench.Iterations == 0 {
		c.Bench.Iterations = defaultIterations
	}
	if c.Bench.Port == 0 {
		c.Bench.Port = defaultBenchPort
	}
}

// Parse decodes a configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

var backends = []string{"", "whpx", "kvm", "simulated"}

// Validate checks the configuration without touching the host.
func (c *Config) Validate() error {
	if !slices.Contains(backends, c.Backend) {
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Processors < 0 {
		return fmt.Errorf("processors must not be negative, got %d", c.Processors)
	}
	if c.MaxExits < 0 {
		return fmt.Errorf("max_exits must not be negative, got %d", c.MaxExits)
	}

	regions := slices.Clone(c.Memory)
	slices.SortFunc(regions, func(a, b Region) int {
		switch {
		case a.GPA < b.GPA:
			return -1
		case a.GPA > b.GPA:
			return 1
		}
		return 0
	})
	for i, r := range regions {
		if r.Size == 0 {
			return fmt.Errorf("memory region at %#x has no size", r.GPA)
		}
		if r.GPA%hv.PageSize != 0 || uint64(r.Size)%hv.PageSize != 0 {
			return fmt.Errorf("memory region at %#x size %#x is not page aligned", r.GPA, uint64(r.Size))
		}
		if r.GPA+uint64(r.Size) < r.GPA {
			return fmt.Errorf("memory region at %#x wraps the address space", r.GPA)
		}
		if _, err := r.Permission(); err != nil {
			return fmt.Errorf("memory region at %#x: %w", r.GPA, err)
		}
		if i > 0 && regions[i-1].GPA+uint64(regions[i-1].Size) > r.GPA {
			return fmt.Errorf("memory regions at %#x and %#x overlap", regions[i-1].GPA, r.GPA)
		}
	}

	if c.Image.Path != "" && len(c.Memory) == 0 {
		return fmt.Errorf("image %s needs a memory region to load into", c.Image.Path)
	}
	if _, err := ParseExtendedExits(c.Exits.Extended); err != nil {
		return err
	}
	for _, v := range c.Exits.Exceptions {
		if v >= 32 {
			return fmt.Errorf("exception vector %d out of range", v)
		}
	}
	if c.Bench.Iterations < 0 {
		return fmt.Errorf("bench iterations must not be negative, got %d", c.Bench.Iterations)
	}
	return nil
}

// Level maps LogLevel onto a slog level. Empty means info.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// VMSpec builds the VM creation request.
func (c *Config) VMSpec() hv.VMSpec {
	exits, _ := ParseExtendedExits(c.Exits.Extended)
	spec := hv.VMSpec{
		ProcessorCount:  c.Processors,
		ExtendedVMExits: exits,
	}
	for _, v := range c.Exits.Exceptions {
		spec.ExceptionExits |= hv.ExceptionBit(hv.ExceptionVector(v))
	}
	for _, leaf := range c.CPUID {
		spec.CPUIDResults = append(spec.CPUIDResults, hv.CPUIDResult(leaf))
	}
	return spec
}
