package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/tinyrange/hvcore/internal/hv"
	"github.com/tinyrange/hvcore/internal/hv/factory"
)

const defaultWidth = 80

// outputWidth is the terminal width when w is a terminal.
func outputWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width < 40 {
		return defaultWidth
	}
	return width
}

// wrap joins words with spaces, breaking lines before width and indenting
// continuation lines by indent columns.
func wrap(words []string, indent, width int) string {
	var sb strings.Builder
	col := indent
	for i, word := range words {
		if i > 0 {
			if col+1+len(word) > width {
				sb.WriteString("\n")
				sb.WriteString(strings.Repeat(" ", indent))
				col = indent
			} else {
				sb.WriteString(" ")
				col++
			}
		}
		sb.WriteString(word)
		col += len(word)
	}
	return sb.String()
}

func exceptionList(b hv.ExceptionBitmap) string {
	var vectors []string
	for v := 0; v < 64; v++ {
		if b.Has(hv.ExceptionVector(v)) {
			vectors = append(vectors, fmt.Sprint(v))
		}
	}
	if len(vectors) == 0 {
		return "none"
	}
	return strings.Join(vectors, "|")
}

func featureFlags(fd hv.FeatureDescriptor) []string {
	flags := []struct {
		name string
		set  bool
	}{
		{"unrestricted_guest", fd.UnrestrictedGuest},
		{"extended_page_tables", fd.ExtendedPageTables},
		{"large_memory_allocation", fd.LargeMemoryAllocation},
		{"custom_cpuids", fd.CustomCPUIDs},
		{"dirty_page_tracking", fd.DirtyPageTracking},
		{"partial_dirty_bitmap", fd.PartialDirtyBitmap},
		{"partial_unmapping", fd.PartialUnmapping},
		{"memory_aliasing", fd.MemoryAliasing},
		{"memory_unmapping", fd.MemoryUnmapping},
	}
	var out []string
	for _, f := range flags {
		if f.set {
			out = append(out, f.name)
		}
	}
	if len(out) == 0 {
		return []string{"none"}
	}
	return out
}

// describe renders the feature report for one platform.
func describe(w io.Writer, p *hv.Platform, width int) {
	const indent = 14
	row := func(key, value string) {
		fmt.Fprintf(w, "  %-11s %s\n", key, value)
	}
	list := func(key, value string) {
		row(key, wrap(strings.Split(value, "|"), indent, width))
	}

	fmt.Fprintf(w, "%s\n", p.Name())
	row("status", p.Status().String())
	if err := p.InitError(); err != nil {
		row("error", err.Error())
	}
	if !p.Version().IsZero() {
		row("version", p.Version().String())
	}
	if p.Status() != hv.StatusOK {
		return
	}

	fd := p.Features()
	list("fp", fd.FloatingPointExtensions.String())
	list("xcr", fd.ExtendedControlRegisters.String())
	list("exits", fd.ExtendedVMExits.String())
	list("exceptions", exceptionList(fd.ExceptionExits))
	row("gpa", fmt.Sprintf("%d bits, max %#x", fd.GuestPhysicalAddress.MaxBits, fd.GuestPhysicalAddress.MaxAddress))
	row("processors", fmt.Sprintf("%d per vm, %d total", fd.MaxProcessorsPerVM, fd.MaxProcessorsGlobal))
	list("registers", fd.RegisterClasses.String())
	row("memory", wrap(featureFlags(fd), indent, width))
}

func featuresCommand(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("features", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load(stderr)
	if err != nil {
		return err
	}

	kinds := factory.Kinds()
	if cfg.Backend != "" {
		kinds = []factory.Kind{factory.Kind(cfg.Backend)}
	}

	width := outputWidth(stdout)
	for i, kind := range kinds {
		p, err := factory.Instance(kind)
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Fprintln(stdout)
		}
		describe(stdout, p, width)
	}
	return nil
}
