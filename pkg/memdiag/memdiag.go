// Package memdiag provides memory diagnostics for debugging memory usage
// while objects are forwarded.
//
// Enable debug logging with S3LOGFWD_MEM_DEBUG=1
package memdiag

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EnvVar enables diagnostics when set to "1".
const EnvVar = "S3LOGFWD_MEM_DEBUG"

// Config holds configuration for memory diagnostics.
type Config struct {
	// Enabled controls whether memory diagnostics are active.
	Enabled bool

	// LogInterval is the interval for periodic memory logging.
	LogInterval time.Duration
}

// DefaultConfig returns the default configuration, reading from environment.
func DefaultConfig() Config {
	return Config{
		Enabled:     os.Getenv(EnvVar) == "1",
		LogInterval: 5 * time.Second,
	}
}

// Stats holds memory statistics from runtime.
type Stats struct {
	// HeapAlloc is bytes allocated on heap.
	HeapAlloc uint64

	// HeapSys is bytes obtained from OS for heap.
	HeapSys uint64

	// HeapInuse is bytes in in-use spans.
	HeapInuse uint64

	// StackInuse is bytes used by stack allocator.
	StackInuse uint64

	// Sys is bytes obtained from OS.
	Sys uint64

	// NumGC is the number of completed GC cycles.
	NumGC uint32

	// GCCPUFraction is the fraction of CPU used by GC.
	GCCPUFraction float64
}

// Read reads current memory statistics.
func Read() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Stats{
		HeapAlloc:     m.HeapAlloc,
		HeapSys:       m.HeapSys,
		HeapInuse:     m.HeapInuse,
		StackInuse:    m.StackInuse,
		Sys:           m.Sys,
		NumGC:         m.NumGC,
		GCCPUFraction: m.GCCPUFraction,
	}
}

// FormatMB formats bytes as megabytes.
func FormatMB(b uint64) string {
	return fmt.Sprintf("%.1fMB", float64(b)/(1024*1024))
}

// Tracker tracks memory usage over time with periodic logging. The phase
// names what is being read, usually an object URI.
type Tracker struct {
	config   Config
	log      zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  atomic.Bool
	stopped  atomic.Bool
	mu       sync.Mutex
	phase    string
	peakHeap uint64
}

// NewTrackerWithLogger creates a new memory tracker logging to log.
func NewTrackerWithLogger(config Config, log zerolog.Logger) *Tracker {
	if config.LogInterval <= 0 {
		config.LogInterval = 5 * time.Second
	}
	return &Tracker{
		config: config,
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		phase:  "init",
	}
}

// Enabled reports whether the tracker logs anything.
func (t *Tracker) Enabled() bool {
	return t.config.Enabled
}

// Start begins periodic memory logging if enabled.
func (t *Tracker) Start() {
	if !t.config.Enabled {
		return
	}
	if !t.started.CompareAndSwap(false, true) {
		return
	}

	t.log.Info().Dur("interval", t.config.LogInterval).Msg("memory diagnostics enabled")
	go t.logLoop()
}

// Stop stops the tracker. It is safe to call more than once.
func (t *Tracker) Stop() {
	if !t.started.Load() || !t.stopped.CompareAndSwap(false, true) {
		return
	}
	close(t.stopCh)
	<-t.doneCh
}

// SetPhase sets the current phase for logging context.
func (t *Tracker) SetPhase(phase string) {
	t.mu.Lock()
	t.phase = phase
	t.mu.Unlock()

	t.LogNow("phase_change")
}

// LogNow logs current memory stats immediately.
func (t *Tracker) LogNow(reason string) {
	if !t.config.Enabled {
		return
	}

	stats := Read()

	t.mu.Lock()
	phase := t.phase
	if stats.HeapAlloc > t.peakHeap {
		t.peakHeap = stats.HeapAlloc
	}
	peakHeap := t.peakHeap
	t.mu.Unlock()

	t.log.Info().
		Str("reason", reason).
		Str("mem_phase", phase).
		Str("heap_alloc", FormatMB(stats.HeapAlloc)).
		Str("heap_sys", FormatMB(stats.HeapSys)).
		Str("heap_inuse", FormatMB(stats.HeapInuse)).
		Str("stack_inuse", FormatMB(stats.StackInuse)).
		Str("sys_total", FormatMB(stats.Sys)).
		Str("peak_heap", FormatMB(peakHeap)).
		Uint32("num_gc", stats.NumGC).
		Float64("gc_cpu_pct", stats.GCCPUFraction*100).
		Msg("memory stats")
}

// PeakHeap returns the peak heap allocation seen.
func (t *Tracker) PeakHeap() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peakHeap
}

func (t *Tracker) logLoop() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.config.LogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			t.LogNow("shutdown")
			return
		case <-ticker.C:
			t.LogNow("periodic")
		}
	}
}
