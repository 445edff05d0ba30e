// Package timeslice records how long virtual processors spend in each kind
// of guest run and host handling interval, to a compact binary stream.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3

	// headerAlign pads the kind table so records start on a page boundary.
	headerAlign = 4096
)

type header struct {
	Magic      uint32
	Version    uint32
	KindsBytes uint32
}

type TimesliceID uint64

const InvalidTimesliceID = TimesliceID(0)

type SliceFlags uint32

const (
	// SliceFlagGuestTime marks time spent executing guest code.
	SliceFlagGuestTime SliceFlags = 1 << iota
	// SliceFlagInitTime marks setup work done before the first run.
	SliceFlagInitTime
)

func (f SliceFlags) String() string {
	var flags []string
	if f&SliceFlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&SliceFlagInitTime != 0 {
		flags = append(flags, "init")
	}
	return strings.Join(flags, ",")
}

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

var (
	kindsMu sync.Mutex
	kinds   = make(map[TimesliceID]SliceInfo)
)

// RegisterKind allocates an ID for a named interval. Registering the same
// name twice returns the existing ID.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	for id, info := range kinds {
		if info.Name == name {
			return id
		}
	}
	id := TimesliceID(len(kinds) + 1)
	kinds[id] = SliceInfo{Name: name, Flags: flags}
	return id
}

type record struct {
	ID       TimesliceID
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w       io.Writer
	records chan record
	done    chan error

	// mu is held for reading across a send so Close never closes records
	// under a sender.
	mu     sync.RWMutex
	closed bool
}

func (w *writer) send(rec record) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.closed {
		w.records <- rec
	}
}

func (w *writer) loop() {
	buf := make([]byte, 0, 256*recordSize)
	var failed error

	flush := func() {
		if failed == nil && len(buf) > 0 {
			_, failed = w.w.Write(buf)
		}
		buf = buf[:0]
	}

	for rec := range w.records {
		if len(buf)+recordSize > cap(buf) {
			flush()
		}
		buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.ID))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.Duration))
	}
	flush()

	w.done <- failed
}

// Close stops recording and flushes buffered records.
func (w *writer) Close() error {
	if !current.CompareAndSwap(w, nil) {
		return errors.New("timeslice: already closed")
	}
	w.mu.Lock()
	w.closed = true
	close(w.records)
	w.mu.Unlock()

	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write records: %w", err)
	}
	return nil
}

var current atomic.Pointer[writer]

// Recorder measures consecutive intervals on one goroutine.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

// Record stores the time since the previous Record (or NewRecorder) under id.
func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

// Record stores one interval. It does nothing unless a recording is open.
func Record(id TimesliceID, d time.Duration) {
	if id == InvalidTimesliceID {
		return
	}
	if w := current.Load(); w != nil {
		w.send(record{ID: id, Duration: d.Nanoseconds()})
	}
}

// Open starts recording to w. Only one recording may be open at a time.
func Open(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, errors.New("timeslice: already open")
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:      Magic,
		Version:    Version,
		KindsBytes: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(len(table)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &writer{
		w:       w,
		records: make(chan record, 4096),
		done:    make(chan error, 1),
	}
	if !current.CompareAndSwap(nil, wr) {
		return nil, errors.New("timeslice: already open")
	}
	go wr.loop()

	return wr, nil
}

func padding(tableLen int) int {
	off := binary.Size(header{}) + tableLen
	if off%headerAlign == 0 {
		return 0
	}
	return headerAlign - off%headerAlign
}

// ReadAllRecords calls fn for every record in a recording, in order.
func ReadAllRecords(r io.Reader, fn func(name string, flags SliceFlags, d time.Duration) error) error {
	buf := bufio.NewReaderSize(r, headerAlign)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return errors.New("timeslice: invalid magic")
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var table map[TimesliceID]SliceInfo
	if err := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsBytes))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if _, err := buf.Discard(padding(int(hdr.KindsBytes))); err != nil {
		return fmt.Errorf("timeslice: skip padding: %w", err)
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		info, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.ID)
		}
		if err := fn(info.Name, info.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}

// Summary aggregates every record of one kind.
type Summary struct {
	Name  string
	Flags SliceFlags
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s Summary) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

// Summarize reads a recording and returns per-kind totals ordered by first
// appearance.
func Summarize(r io.Reader) ([]Summary, error) {
	index := make(map[string]int)
	var out []Summary
	err := ReadAllRecords(r, func(name string, flags SliceFlags, d time.Duration) error {
		i, ok := index[name]
		if !ok {
			i = len(out)
			index[name] = i
			out = append(out, Summary{Name: name, Flags: flags, Min: d, Max: d})
		}
		s := &out[i]
		s.Count++
		s.Sum += d
		s.Min = min(s.Min, d)
		s.Max = max(s.Max, d)
		return nil
	})
	return out, err
}

// SortByTotal orders summaries by descending total time.
func SortByTotal(s []Summary) {
	slices.SortStableFunc(s, func(a, b Summary) int {
		switch {
		case a.Sum > b.Sum:
			return -1
		case a.Sum < b.Sum:
			return 1
		}
		return 0
	})
}
