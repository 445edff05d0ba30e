package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tinyrange/hvcore/internal/timeslice"
)

func formatSummary(s timeslice.Summary) string {
	return fmt.Sprintf("% 40s flags=% 10s count=% 8d sum=% 16s min=% 16s max=% 16s avg=% 16s",
		s.Name, s.Flags, s.Count, s.Sum, s.Min, s.Max, s.Mean())
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("timeslice", flag.ContinueOnError)

	filename := fs.String("filename", "", "Timeslice file to read")
	sums := fs.Bool("sums", false, "Print per-kind totals instead of every record")
	byTotal := fs.Bool("sort", false, "Order totals by descending time (with -sums)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *filename == "" {
		fs.Usage()
		return fmt.Errorf("-filename is required")
	}

	f, err := os.Open(*filename)
	if err != nil {
		return fmt.Errorf("open timeslice file: %w", err)
	}
	defer f.Close()

	if *sums {
		summaries, err := timeslice.Summarize(f)
		if err != nil {
			return fmt.Errorf("read timeslice file: %w", err)
		}
		if *byTotal {
			timeslice.SortByTotal(summaries)
		}
		for _, s := range summaries {
			fmt.Fprintln(stdout, formatSummary(s))
		}
		return nil
	}

	return timeslice.ReadAllRecords(f, func(name string, flags timeslice.SliceFlags, d time.Duration) error {
		_, err := fmt.Fprintf(stdout, "%s flags=%s duration=%s\n", name, flags, d)
		return err
	})
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "timeslice: %v\n", err)
		os.Exit(1)
	}
}
