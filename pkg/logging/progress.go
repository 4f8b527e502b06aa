package logging

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Phases of one invocation.
const (
	PhaseRead     = "read"
	PhaseShip     = "ship"
	PhaseContinue = "continue"
	PhaseForward  = "forward"
)

// ProgressTracker counts the objects of an invocation and estimates the
// time left from recent object durations. It is safe for concurrent use.
type ProgressTracker struct {
	total     int64
	completed atomic.Int64
	failed    atomic.Int64
	startTime time.Time
	phase     string

	mu     sync.Mutex
	recent []time.Duration
	window int
}

// NewProgressTracker creates a tracker for total objects.
func NewProgressTracker(phase string, total int64) *ProgressTracker {
	return &ProgressTracker{
		total:     total,
		startTime: time.Now(),
		phase:     phase,
		recent:    make([]time.Duration, 0, 10),
		window:    10,
	}
}

// RecordCompletion records an object read to the end in d.
func (pt *ProgressTracker) RecordCompletion(d time.Duration) {
	pt.completed.Add(1)

	pt.mu.Lock()
	if len(pt.recent) >= pt.window {
		pt.recent = pt.recent[1:]
	}
	pt.recent = append(pt.recent, d)
	pt.mu.Unlock()
}

// RecordFailure records an object that could not be read.
func (pt *ProgressTracker) RecordFailure() {
	pt.failed.Add(1)
}

// Progress returns the counters.
func (pt *ProgressTracker) Progress() (completed, failed, total int64) {
	return pt.completed.Load(), pt.failed.Load(), pt.total
}

// ProgressPct returns the share of objects done, in percent.
func (pt *ProgressTracker) ProgressPct() float64 {
	if pt.total == 0 {
		return 100.0
	}
	done := pt.completed.Load() + pt.failed.Load()
	return float64(done) * 100.0 / float64(pt.total)
}

// ETA estimates the time left from the moving average of recent objects.
func (pt *ProgressTracker) ETA() time.Duration {
	completed := pt.completed.Load()
	remaining := pt.Remaining()
	if completed == 0 || remaining <= 0 {
		return 0
	}

	pt.mu.Lock()
	var avg time.Duration
	if len(pt.recent) > 0 {
		var sum time.Duration
		for _, d := range pt.recent {
			sum += d
		}
		avg = sum / time.Duration(len(pt.recent))
	} else {
		avg = time.Since(pt.startTime) / time.Duration(completed)
	}
	pt.mu.Unlock()

	return avg * time.Duration(remaining)
}

// Elapsed returns the time since the tracker was created.
func (pt *ProgressTracker) Elapsed() time.Duration {
	return time.Since(pt.startTime)
}

// Remaining returns the objects not yet completed or failed.
func (pt *ProgressTracker) Remaining() int64 {
	return pt.total - pt.completed.Load() - pt.failed.Load()
}

// CompletionEvent builds a completion log line with a fixed set of
// leading fields.
type CompletionEvent struct {
	log     zerolog.Logger
	event   string
	phase   string
	elapsed time.Duration
	fields  map[string]interface{}
}

// NewCompletionEvent creates a completion event builder.
func NewCompletionEvent(log zerolog.Logger, event, phase string, elapsed time.Duration) *CompletionEvent {
	return &CompletionEvent{
		log:     log,
		event:   event,
		phase:   phase,
		elapsed: elapsed,
		fields:  make(map[string]interface{}),
	}
}

// Str adds a string field.
func (ce *CompletionEvent) Str(key, val string) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Int adds an int field.
func (ce *CompletionEvent) Int(key string, val int) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Int64 adds an int64 field.
func (ce *CompletionEvent) Int64(key string, val int64) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Bool adds a bool field.
func (ce *CompletionEvent) Bool(key string, val bool) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Bytes adds a byte count with a human-readable companion in pretty mode.
func (ce *CompletionEvent) Bytes(key string, n int64) *CompletionEvent {
	ce.fields[key] = n
	if IsPrettyMode() {
		ce.fields[key+"_h"] = HumanBytes(n)
	}
	return ce
}

// Count adds a count with a human-readable companion in pretty mode.
func (ce *CompletionEvent) Count(key string, n int64) *CompletionEvent {
	ce.fields[key] = n
	if IsPrettyMode() {
		ce.fields[key+"_h"] = HumanCount(n)
	}
	return ce
}

// ProgressFromTracker adds the tracker's counters and ETA.
func (ce *CompletionEvent) ProgressFromTracker(pt *ProgressTracker) *CompletionEvent {
	completed, failed, total := pt.Progress()
	ce.fields["completed"] = completed
	ce.fields["failed"] = failed
	ce.fields["total"] = total
	if total > 0 {
		ce.fields["progress_pct"] = pt.ProgressPct()
	}
	if eta := pt.ETA(); eta > 0 {
		ce.fields["eta_ms"] = eta.Milliseconds()
		if IsPrettyMode() {
			ce.fields["eta_h"] = HumanDuration(eta)
		}
	}
	return ce
}

// Throughput adds the rate of n bytes over the event's duration.
func (ce *CompletionEvent) Throughput(n int64) *CompletionEvent {
	if ce.elapsed > 0 {
		ce.fields["throughput_bps"] = float64(n) / ce.elapsed.Seconds()
		if IsPrettyMode() {
			ce.fields["throughput_h"] = HumanRate(n, ce.elapsed)
		}
	}
	return ce
}

// Log emits the event at info level.
func (ce *CompletionEvent) Log(msg string) {
	ce.emit(ce.log.Info(), msg)
}

// LogDebug emits the event at debug level.
func (ce *CompletionEvent) LogDebug(msg string) {
	ce.emit(ce.log.Debug(), msg)
}

// LogWarn emits the event at warn level.
func (ce *CompletionEvent) LogWarn(msg string) {
	ce.emit(ce.log.Warn(), msg)
}

func (ce *CompletionEvent) emit(e *zerolog.Event, msg string) {
	e = e.Str("event", ce.event).
		Str("phase", ce.phase).
		Int64("duration_ms", ce.elapsed.Milliseconds())
	if IsPrettyMode() {
		e = e.Str("duration_h", HumanDuration(ce.elapsed))
	}

	keys := make([]string, 0, len(ce.fields))
	for k := range ce.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e = e.Interface(k, ce.fields[k])
	}
	e.Msg(msg)
}

// ObjectComplete starts the event logged when an object has been read.
func ObjectComplete(log zerolog.Logger, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "object_completed", PhaseRead, elapsed)
}

// FlushComplete starts the event logged when outputs have been flushed.
func FlushComplete(log zerolog.Logger, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "flush_completed", PhaseShip, elapsed)
}

// ContinuationSent starts the event logged when the remaining work has been
// handed to the continuation queue.
func ContinuationSent(log zerolog.Logger, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "continuation_sent", PhaseContinue, elapsed)
}

// InvocationComplete starts the event logged at the end of an invocation.
func InvocationComplete(log zerolog.Logger, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "invocation_completed", PhaseForward, elapsed)
}

// ObjectStarted logs the start of an object. It carries no duration.
func ObjectStarted(log zerolog.Logger, uri string, start int64, index, total int) {
	log.Info().
		Str("event", "object_started").
		Str("phase", PhaseRead).
		Str("object", uri).
		Int64("start_offset", start).
		Int("objects_done", index).
		Int("objects_total", total).
		Msg("object started")
}
