// Package handler runs one SQS-triggered invocation: it reads the objects
// each notification announces, ships their events, and hands whatever is
// left to a continuation queue when the invocation deadline is near.
//
// Notifications and the S3 records inside them are processed strictly in
// order. Outputs are flushed at the end of every notification, so a bulk
// batch never spans two SQS messages and a batch item failure only ever
// causes the failed message to be read again.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/hashicorp/go-multierror"

	"github.com/eunmann/s3-log-forwarder/internal/logctx"
	"github.com/eunmann/s3-log-forwarder/pkg/config"
	"github.com/eunmann/s3-log-forwarder/pkg/logging"
	"github.com/eunmann/s3-log-forwarder/pkg/metrics"
	"github.com/eunmann/s3-log-forwarder/pkg/pipeline"
	"github.com/eunmann/s3-log-forwarder/pkg/s3fetch"
	"github.com/eunmann/s3-log-forwarder/pkg/shipper"
)

// OutputBuilder creates the outputs of an input.
type OutputBuilder func(in *config.Input) (shipper.Shipper, error)

// Option configures a Handler.
type Option func(*Handler)

// WithQueue sets the continuation queue.
func WithQueue(q Queue) Option {
	return func(h *Handler) {
		h.queue = q
	}
}

// WithOutputs replaces the builder used to create each input's outputs.
func WithOutputs(b OutputBuilder) Option {
	return func(h *Handler) {
		h.build = b
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithClock overrides the clock used for deadlines and timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// Handler processes SQS events. Drivers and outputs are created once per
// input and reused across invocations.
type Handler struct {
	cfg      *config.Config
	settings config.Settings
	src      s3fetch.ObjectSource
	queue    Queue
	build    OutputBuilder
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.Mutex
	inputs map[string]*inputState
}

type inputState struct {
	in     *config.Input
	driver *pipeline.Driver
	out    shipper.Shipper
}

// New creates a handler reading objects from src.
func New(cfg *config.Config, settings config.Settings, src s3fetch.ObjectSource, opts ...Option) *Handler {
	h := &Handler{
		cfg:      cfg,
		settings: settings,
		src:      src,
		now:      time.Now,
		inputs:   make(map[string]*inputState),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.build == nil {
		h.build = func(in *config.Input) (shipper.Shipper, error) {
			return in.BuildOutputs(h.metrics)
		}
	}
	return h
}

// Close closes every output that holds resources.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var result *multierror.Error
	for id, st := range h.inputs {
		if c, ok := st.out.(io.Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close outputs of %s: %w", id, err))
			}
		}
	}
	h.inputs = make(map[string]*inputState)
	return result.ErrorOrNil()
}

func (h *Handler) input(ctx context.Context, id string) (*inputState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if st, ok := h.inputs[id]; ok {
		return st, nil
	}

	in, err := h.cfg.Input(config.InputSQS, id)
	if err != nil {
		return nil, err
	}
	opts, err := in.PipelineOptions(ctx, h.settings)
	if err != nil {
		return nil, fmt.Errorf("input %s: %w", id, err)
	}
	driver, err := pipeline.New(opts)
	if err != nil {
		return nil, fmt.Errorf("input %s: %w", id, err)
	}
	out, err := h.build(in)
	if err != nil {
		return nil, fmt.Errorf("input %s: %w", id, err)
	}

	st := &inputState{in: in, driver: driver, out: out}
	h.inputs[id] = st
	log := logctx.FromContext(ctx)
	log.Info().
		Str("input", id).
		Int("outputs", len(in.Outputs)).
		Msg("input ready")
	return st, nil
}

// sourceOf is the input id of msg: the queue it came from, or the queue
// named by a continuation.
func sourceOf(msg events.SQSMessage) string {
	if attr, ok := msg.MessageAttributes[OriginalSourceAttribute]; ok && attr.StringValue != nil && *attr.StringValue != "" {
		return *attr.StringValue
	}
	return msg.EventSourceARN
}

func (h *Handler) nearDeadline(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return false
	}
	return deadline.Sub(h.now()) < h.settings.GracePeriod
}

// resumePoint is where a notification's processing stopped: the index of
// the S3 record and the cursor inside its object.
type resumePoint struct {
	record int
	cursor pipeline.Cursor
}

// invocation is the state of one Handle call.
type invocation struct {
	resp      events.SQSEventResponse
	failed    map[int]bool
	tracker   *logging.ProgressTracker
	sent      int
	continued int
}

func (inv *invocation) objectsDone() int {
	completed, failed, _ := inv.tracker.Progress()
	return int(completed + failed)
}

// Handle processes one SQS event. Failed notifications are reported as batch
// item failures; the returned error is always nil so the rest of the batch
// is deleted from the queue.
func (h *Handler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	start := time.Now()
	log := logctx.FromContext(ctx)

	notes := make([]*Notification, len(ev.Records))
	errs := make([]error, len(ev.Records))
	var objects int64
	for i, msg := range ev.Records {
		notes[i], errs[i] = ParseNotification(msg.Body)
		if notes[i] != nil {
			objects += int64(len(notes[i].Records))
		}
	}

	inv := &invocation{
		failed:  make(map[int]bool),
		tracker: logging.NewProgressTracker(logging.PhaseRead, objects),
	}

	for i, msg := range ev.Records {
		mctx := logctx.WithMessage(ctx, msg.MessageId, i)

		if errs[i] != nil {
			h.fail(mctx, inv, ev, i, errs[i])
			continue
		}
		st, err := h.input(mctx, sourceOf(msg))
		if err != nil {
			h.fail(mctx, inv, ev, i, err)
			continue
		}
		mctx = logctx.WithInput(mctx, st.in.ID)

		rp, err := h.processNotification(mctx, inv, st, i, notes[i])
		if rp != nil {
			h.continueFrom(mctx, inv, ev, st, i, *rp)
			break
		}

		flushStart := time.Now()
		ferr := st.out.Flush(mctx)
		logging.FlushComplete(logctx.FromContext(mctx), time.Since(flushStart)).
			Bool("ok", ferr == nil).
			LogDebug("outputs flushed")
		if ferr != nil {
			err = multierror.Append(err, fmt.Errorf("flush outputs: %w", ferr))
		}
		if err != nil {
			h.fail(mctx, inv, ev, i, err)
		}
	}

	logging.InvocationComplete(log, time.Since(start)).
		Int("notifications", len(ev.Records)).
		Int("failed", len(inv.resp.BatchItemFailures)).
		Int("continued", inv.continued).
		Count("events_sent", int64(inv.sent)).
		ProgressFromTracker(inv.tracker).
		Log("invocation completed")
	return inv.resp, nil
}

// processNotification reads every S3 record of n. It returns a resume point
// when the deadline is near.
func (h *Handler) processNotification(ctx context.Context, inv *invocation, st *inputState, i int, n *Notification) (*resumePoint, error) {
	for j, rec := range n.Records {
		cursor := rec.Cursor()
		if h.nearDeadline(ctx) {
			return &resumePoint{record: j, cursor: cursor}, nil
		}

		obj, err := rec.Object()
		if err != nil {
			inv.tracker.RecordFailure()
			return nil, fmt.Errorf("record %d: %w", j, err)
		}

		rctx := logctx.WithRecord(ctx, j)
		cursor, done, err := h.processObject(rctx, inv, st, obj, cursor, i, j)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", j, err)
		}
		if !done {
			return &resumePoint{record: j, cursor: cursor}, nil
		}
	}
	return nil, nil
}

// processObject ships the events of obj after cursor. It reports whether
// the object was read to the end, and otherwise the cursor after the last
// shipped event.
func (h *Handler) processObject(ctx context.Context, inv *invocation, st *inputState, obj s3fetch.ObjectRef, cursor pipeline.Cursor, i, j int) (pipeline.Cursor, bool, error) {
	ctx = logctx.WithObject(ctx, obj.Bucket, obj.Key)
	log := logctx.FromContext(ctx)
	start := time.Now()
	_, _, total := inv.tracker.Progress()
	logging.ObjectStarted(log, obj.URI(), cursor.Start(), inv.objectsDone(), int(total))

	evs, err := st.driver.Open(ctx, h.src, obj, cursor)
	if err != nil {
		h.metrics.ObserveObject(pipeline.Stats{}, time.Since(start), err)
		inv.tracker.RecordFailure()
		return cursor, false, err
	}
	defer evs.Close()

	for {
		ev, err := evs.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.metrics.ObserveObject(evs.Stats(), time.Since(start), err)
			inv.tracker.RecordFailure()
			return cursor, false, err
		}

		doc := shipper.NewDocument(obj, ev, h.now())
		doc.NotificationIndex = i
		doc.RecordIndex = j
		if err := st.out.Send(ctx, doc); err != nil {
			h.metrics.ObserveObject(evs.Stats(), time.Since(start), err)
			inv.tracker.RecordFailure()
			return cursor, false, fmt.Errorf("ship event at %d: %w", ev.Begin, err)
		}
		inv.sent++
		cursor = pipeline.CursorAfter(ev)

		if h.nearDeadline(ctx) {
			stats := evs.Stats()
			h.metrics.ObserveObject(stats, time.Since(start), nil)
			log.Info().
				Int64("last_beginning_offset", cursor.LastBeginningOffset).
				Int64("last_ending_offset", cursor.LastEndingOffset).
				Int("last_expanded_offset", cursor.ResumeElement).
				Int("emitted", stats.Emitted).
				Msg("deadline near; object interrupted")
			return cursor, false, nil
		}
	}

	stats := evs.Stats()
	elapsed := time.Since(start)
	h.metrics.ObserveObject(stats, elapsed, nil)
	inv.tracker.RecordCompletion(elapsed)
	logging.ObjectComplete(log, elapsed).
		Str("kind", stats.Kind.String()).
		Bool("compressed", stats.Compressed).
		Count("emitted", int64(stats.Emitted)).
		Int("skipped", stats.Skipped).
		Int("filtered", stats.Filtered).
		Int("empty", stats.Empty).
		ProgressFromTracker(inv.tracker).
		Log("object completed")
	return cursor, true, nil
}

// continueFrom flushes the outputs and sends the remainder of the event to
// the continuation queue: notification i from rp on, and every later
// notification unchanged. Notifications that cannot be continued are
// reported as failures.
func (h *Handler) continueFrom(ctx context.Context, inv *invocation, ev events.SQSEvent, st *inputState, i int, rp resumePoint) {
	log := logctx.FromContext(ctx)
	start := time.Now()

	if err := st.out.Flush(ctx); err != nil {
		for k := i; k < len(ev.Records); k++ {
			h.fail(ctx, inv, ev, k, fmt.Errorf("flush before continuation: %w", err))
		}
		return
	}
	if h.queue == nil {
		for k := i; k < len(ev.Records); k++ {
			h.fail(ctx, inv, ev, k, ErrNoContinueQueue)
		}
		return
	}

	for k := i; k < len(ev.Records); k++ {
		msg := ev.Records[k]
		body := msg.Body
		if k == i {
			var err error
			body, err = ContinuationBody(msg.Body, rp.record, rp.cursor)
			if err != nil {
				h.fail(ctx, inv, ev, k, err)
				continue
			}
		}
		attrs := map[string]string{OriginalSourceAttribute: sourceOf(msg)}
		if err := h.queue.Send(ctx, body, attrs); err != nil {
			h.fail(ctx, inv, ev, k, err)
			continue
		}
		inv.continued++
	}

	h.metrics.Continuation(inv.continued)
	logging.ContinuationSent(log, time.Since(start)).
		Int("continued", inv.continued).
		Int("record_index", rp.record).
		Int64("last_beginning_offset", rp.cursor.LastBeginningOffset).
		Int64("last_ending_offset", rp.cursor.LastEndingOffset).
		Int("last_expanded_offset", rp.cursor.ResumeElement).
		Count("events_sent", int64(inv.sent)).
		Log("deadline near; continuing on the continuation queue")
}

func (h *Handler) fail(ctx context.Context, inv *invocation, ev events.SQSEvent, i int, err error) {
	if inv.failed[i] {
		return
	}
	inv.failed[i] = true
	inv.resp.BatchItemFailures = append(inv.resp.BatchItemFailures, events.SQSBatchItemFailure{
		ItemIdentifier: ev.Records[i].MessageId,
	})
	h.metrics.NotificationFailed()
	log := logctx.FromContext(ctx)
	log.Error().Err(err).
		Str("failed_message_id", ev.Records[i].MessageId).
		Msg("notification failed")
}
