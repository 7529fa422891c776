// Package timing collects named elapsed times and progress of a run.
// A collector travels in the context; code that finds none uses Nop.
package timing

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// ProgressEvery is the number of processed schemas between progress lines
const ProgressEvery = 100

// Collector receives timing events
type Collector interface {
	// Start begins timing the named step
	Start(name string)
	// End stops timing the named step and adds the elapsed time to its total
	End(name string)
	// SetTotal records how many schemas the run will process
	SetTotal(n int)
	// ProcessedSchema counts one finished schema
	ProcessedSchema()
	// Report writes the accumulated totals
	Report()
}

type nop struct{}

func (nop) Start(string)     {}
func (nop) End(string)       {}
func (nop) SetTotal(int)     {}
func (nop) ProcessedSchema() {}
func (nop) Report()          {}

// Nop discards every event
var Nop Collector = nop{}

type ctxKey struct{}

// WithCollector returns a context carrying c
func WithCollector(ctx context.Context, c Collector) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the collector carried by ctx, or Nop
func FromContext(ctx context.Context) Collector {
	if c, ok := ctx.Value(ctxKey{}).(Collector); ok {
		return c
	}
	return Nop
}

// Track times fn under name
func Track(ctx context.Context, name string, fn func() error) error {
	c := FromContext(ctx)
	c.Start(name)
	defer c.End(name)
	return fn()
}

// Stopwatch accumulates elapsed time per step and prints progress
type Stopwatch struct {
	mu        sync.Mutex
	out       io.Writer
	now       func() time.Time
	began     time.Time
	started   map[string]time.Time
	totals    map[string]time.Duration
	total     int
	processed int
}

// NewStopwatch returns a collector writing to out
func NewStopwatch(out io.Writer) *Stopwatch {
	return newStopwatch(out, time.Now)
}

func newStopwatch(out io.Writer, now func() time.Time) *Stopwatch {
	return &Stopwatch{
		out:     out,
		now:     now,
		began:   now(),
		started: make(map[string]time.Time),
		totals:  make(map[string]time.Duration),
	}
}

func (s *Stopwatch) Start(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started[name] = s.now()
}

func (s *Stopwatch) End(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	began, ok := s.started[name]
	if !ok {
		return
	}
	delete(s.started, name)
	s.totals[name] += s.now().Sub(began)
}

func (s *Stopwatch) SetTotal(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = n
}

func (s *Stopwatch) ProcessedSchema() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	if s.processed%ProgressEvery != 0 {
		return
	}
	elapsed := s.now().Sub(s.began).Round(time.Millisecond)
	if s.total > 0 {
		fmt.Fprintf(s.out, "processed %d of %d schemas in %s\n", s.processed, s.total, elapsed)
	} else {
		fmt.Fprintf(s.out, "processed %d schemas in %s\n", s.processed, elapsed)
	}
}

// Report prints one line per step, longest first
func (s *Stopwatch) Report() {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.totals))
	for n := range s.totals {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if s.totals[names[i]] == s.totals[names[j]] {
			return names[i] < names[j]
		}
		return s.totals[names[i]] > s.totals[names[j]]
	})
	for _, n := range names {
		fmt.Fprintf(s.out, "%-20s %s\n", n, s.totals[n].Round(time.Millisecond))
	}
	fmt.Fprintf(s.out, "%-20s %s\n", "total", s.now().Sub(s.began).Round(time.Millisecond))
}

// Totals returns a copy of the accumulated step durations
func (s *Stopwatch) Totals() map[string]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Duration, len(s.totals))
	for k, v := range s.totals {
		out[k] = v
	}
	return out
}
