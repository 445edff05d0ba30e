package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/hvcore/internal/config"
	"github.com/tinyrange/hvcore/internal/hv"
	"github.com/tinyrange/hvcore/internal/timeslice"
)

var tsBenchRoundTrip = timeslice.RegisterKind("hvctl_bench_round_trip", 0)

// benchGuest echoes port DX forever:
//
//	out dx, al
//	in al, dx
//	jmp short 0
var benchGuest = []byte{0xee, 0xec, 0xeb, 0xfc}

// benchResult is what one bench run measured.
type benchResult struct {
	RoundTrips int
	Elapsed    time.Duration
}

func (r benchResult) String() string {
	per := time.Duration(0)
	if r.RoundTrips > 0 {
		per = r.Elapsed / time.Duration(r.RoundTrips)
	}
	return fmt.Sprintf("%d round trips in %s (%s each)", r.RoundTrips, r.Elapsed, per)
}

// expectIO runs vp once and checks it stopped on the bench port.
func expectIO(vp *hv.VirtualProcessor, port uint16, write bool) (hv.ExitInfo, error) {
	exit, err := vp.Run()
	if err != nil {
		return exit, err
	}
	if exit.Reason != hv.ExitIO || exit.IO.Port != port || exit.IO.Write != write {
		return exit, fmt.Errorf("unexpected exit %s", exit)
	}
	return exit, nil
}

// bench runs n guest round trips: the guest writes a byte, reads it back
// from the host and writes it again.
func bench(p *hv.Platform, port uint16, n int, bar *progressbar.ProgressBar) (benchResult, error) {
	vm, err := p.CreateVM(hv.VMSpec{ProcessorCount: 1})
	if err != nil {
		return benchResult{}, err
	}
	defer vm.Close()

	mem, err := hv.AllocateMemory(hv.PageSize)
	if err != nil {
		return benchResult{}, err
	}
	defer hv.FreeMemory(mem)
	copy(mem, benchGuest)
	if err := vm.MapMemory(0, mem, hv.PermRWX, 0); err != nil {
		return benchResult{}, err
	}

	vp, err := vm.AddVirtualProcessor()
	if err != nil {
		return benchResult{}, err
	}
	if err := vp.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Cs:     realModeCode,
		hv.RegisterAMD64Rip:    hv.Register64(0),
		hv.RegisterAMD64Rdx:    hv.Register64(port),
		hv.RegisterAMD64Rflags: hv.Register64(0x2),
	}); err != nil {
		return benchResult{}, err
	}

	start := time.Now()
	for i := range n {
		rec := timeslice.NewRecorder()
		if _, err := expectIO(vp, port, true); err != nil {
			return benchResult{}, fmt.Errorf("round trip %d: %w", i, err)
		}
		if _, err := expectIO(vp, port, false); err != nil {
			return benchResult{}, fmt.Errorf("round trip %d: %w", i, err)
		}
		if err := vp.SetIOResult(uint64(i & 0xff)); err != nil {
			return benchResult{}, err
		}
		rec.Record(tsBenchRoundTrip)
		if bar != nil {
			bar.Add(1)
		}
	}
	return benchResult{RoundTrips: n, Elapsed: time.Since(start)}, nil
}

func benchCommand(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	n := fs.Int("n", 0, "number of round trips (default from config)")
	quiet := fs.Bool("quiet", false, "hide the progress bar")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load(stderr)
	if err != nil {
		return err
	}
	if *n > 0 {
		cfg.Bench.Iterations = *n
	}

	stopRecording, err := startRecording(cfg)
	if err != nil {
		return err
	}
	defer stopRecording()

	p, err := openPlatform(cfg.Backend)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if !*quiet {
		bar = newProgressBar(cfg, stderr)
		defer bar.Close()
	}

	res, err := bench(p, cfg.Bench.Port, cfg.Bench.Iterations, bar)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %s\n", p.Name(), res)
	return nil
}

func newProgressBar(cfg *config.Config, w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(cfg.Bench.Iterations,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("round trips"),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}
