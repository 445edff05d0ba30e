package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
)

func runCommand(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	report := fs.Bool("report", false, "print exit counts when the guest stops")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if common.configPath == "" {
		fs.Usage()
		return fmt.Errorf("-config is required")
	}
	cfg, err := common.load(stderr)
	if err != nil {
		return err
	}
	if len(cfg.Memory) == 0 {
		return fmt.Errorf("%s: no memory regions", common.configPath)
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
	m, err := newMachine(p, cfg, stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			slog.Warn("hvctl: close machine", "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Duration())
	defer cancel()

	err = m.Run(ctx)
	if *report {
		m.Report(stdout)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("guest still running after %s", cfg.Timeout.Duration())
	}
	return err
}
