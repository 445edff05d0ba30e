// Command hvctl reports hypervisor backend features and runs small guests on them.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/tinyrange/hvcore/internal/config"
	"github.com/tinyrange/hvcore/internal/hv"
	"github.com/tinyrange/hvcore/internal/hv/factory"
	"github.com/tinyrange/hvcore/internal/timeslice"
)

type command struct {
	summary string
	run     func(args []string, stdout, stderr io.Writer) error
}

var commands = map[string]command{
	"features": {"print backend status and features", featuresCommand},
	"run":      {"build a machine from a config file and run it", runCommand},
	"bench":    {"measure guest port IO round trips", benchCommand},
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: hvctl <command> [flags]\n\ncommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-6s %s\n", name, commands[name].summary)
	}
}

var errUsage = errors.New("no command given")

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		usage(stderr)
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		usage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
	defer func() {
		if err := factory.Shutdown(); err != nil {
			slog.Warn("hvctl: shutdown", "error", err)
		}
	}()
	return cmd.run(args[1:], stdout, stderr)
}

// commonFlags are shared by every command. Flags override the config file.
type commonFlags struct {
	configPath string
	backend    string
	debug      bool
	tsFile     string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML machine description")
	fs.StringVar(&c.backend, "backend", "", "backend to use: "+kindList())
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging")
	fs.StringVar(&c.tsFile, "tsfile", "", "record a timeslice file for later analysis")
}

func kindList() string {
	var names []string
	for _, k := range factory.Kinds() {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}

// load reads the config file, if any, applies flag overrides and installs
// the logger.
func (c *commonFlags) load(stderr io.Writer) (*config.Config, error) {
	cfg := config.Default()
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return nil, err
		}
	}
	if c.backend != "" {
		cfg.Backend = c.backend
	}
	if c.debug {
		cfg.LogLevel = "debug"
	}
	if c.tsFile != "" {
		cfg.Timeslice = c.tsFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, _ := cfg.Level()
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}

// startRecording opens the timeslice file named by cfg. The returned
// function stops recording and closes the file.
func startRecording(cfg *config.Config) (func(), error) {
	if cfg.Timeslice == "" {
		return func() {}, nil
	}
	f, err := os.Create(cfg.Timeslice)
	if err != nil {
		return nil, fmt.Errorf("create timeslice file: %w", err)
	}
	closer, err := timeslice.Open(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("start recording timeslices: %w", err)
	}
	return func() {
		if err := closer.Close(); err != nil {
			slog.Warn("hvctl: flush timeslices", "error", err)
		}
		f.Close()
	}, nil
}

// openPlatform returns a usable Platform for backend, or the host default
// when backend is empty.
func openPlatform(backend string) (*hv.Platform, error) {
	var (
		p   *hv.Platform
		err error
	)
	if backend == "" {
		p, err = factory.Default()
	} else {
		p, err = factory.Instance(factory.Kind(backend))
	}
	if err != nil {
		return nil, err
	}
	if p.Status() != hv.StatusOK {
		return nil, fmt.Errorf("backend %s is %s: %w", p.Name(), p.Status(), p.InitError())
	}
	return p, nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "hvctl: %v\n", err)
		}
		os.Exit(1)
	}
}
