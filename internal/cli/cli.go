// Package cli implements the command-line interface for s3logfwd.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eunmann/s3-log-forwarder/internal/logctx"
	"github.com/eunmann/s3-log-forwarder/pkg/config"
	"github.com/eunmann/s3-log-forwarder/pkg/fileutil"
	"github.com/eunmann/s3-log-forwarder/pkg/jsonclass"
	"github.com/eunmann/s3-log-forwarder/pkg/lines"
	"github.com/eunmann/s3-log-forwarder/pkg/logging"
	"github.com/eunmann/s3-log-forwarder/pkg/memdiag"
	"github.com/eunmann/s3-log-forwarder/pkg/metrics"
	"github.com/eunmann/s3-log-forwarder/pkg/pipeline"
	"github.com/eunmann/s3-log-forwarder/pkg/s3fetch"
	"github.com/eunmann/s3-log-forwarder/pkg/shipper"
)

const usage = `usage: s3logfwd <command> [options]
commands:
  forward  read objects and write their events to NDJSON, Parquet or Elasticsearch
  id       print the document id of an event`

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, args, os.Stdout)
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	switch args[0] {
	case "forward":
		return runForward(ctx, args[1:], stdout)
	case "id":
		return runID(args[1:], stdout)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type forwardFlags struct {
	configPath  string
	input       string
	useOutputs  bool
	contentType string
	breaker     int64
	expandField string
	include     listFlag
	exclude     listFlag
	chunkSize   int
	maxLine     int

	parquet   string
	ndjson    string
	dataset   string
	namespace string
	enrich    bool

	bucketARN   string
	region      string
	startBegin  int64
	startEnd    int64
	startElem   int
	rescan      bool
	metricsAddr string
	debug       bool
	human       bool
	memDebug    bool
}

func runForward(ctx context.Context, args []string, stdout io.Writer) error {
	var f forwardFlags
	fs := flag.NewFlagSet("forward", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "forwarder YAML file (local path or s3:// URI)")
	fs.StringVar(&f.input, "input", "", "input id in --config whose options are used")
	fs.BoolVar(&f.useOutputs, "config-outputs", false, "also ship to the outputs of --input")
	fs.StringVar(&f.contentType, "json-content-type", "", "json content type: single, ndjson, disabled (default: detect)")
	fs.Int64Var(&f.breaker, "json-circuit-breaker", 0, "objects larger than this many bytes are read as plain text")
	fs.StringVar(&f.expandField, "expand-field", "", "expand the list under this JSON field into events")
	fs.Var(&f.include, "include", "include pattern (repeatable)")
	fs.Var(&f.exclude, "exclude", "exclude pattern (repeatable)")
	fs.IntVar(&f.chunkSize, "chunk-size", lines.DefaultChunkSize, "read size in bytes")
	fs.IntVar(&f.maxLine, "max-line-bytes", 0, "split longer lines (0 = unbounded)")
	fs.StringVar(&f.parquet, "parquet", "", "also write events to this Parquet file")
	fs.StringVar(&f.ndjson, "out", "-", "NDJSON destination file, - for stdout, empty to disable")
	fs.StringVar(&f.dataset, "dataset", "", "data stream dataset for enriched NDJSON")
	fs.StringVar(&f.namespace, "namespace", "", "data stream namespace for enriched NDJSON")
	fs.BoolVar(&f.enrich, "enrich", false, "write NDJSON documents with data stream enrichment")
	fs.StringVar(&f.bucketARN, "bucket-arn", "", "bucket ARN used for ids of local files (default arn:aws:s3:::local)")
	fs.StringVar(&f.region, "region", "", "region recorded on documents")
	fs.Int64Var(&f.startBegin, "last-beginning-offset", 0, "resume cursor: beginning offset of the last shipped record")
	fs.Int64Var(&f.startEnd, "last-ending-offset", 0, "resume cursor: ending offset of the last shipped event")
	fs.IntVar(&f.startElem, "last-expanded-offset", 0, "resume cursor: next list element of the last record")
	fs.BoolVar(&f.rescan, "rescan", false, "read from byte zero and use the cursor only to skip events")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this host:port while running")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&f.human, "human", false, "human-friendly log output")
	fs.BoolVar(&f.memDebug, "mem-debug", false, "log memory statistics while forwarding (also "+memdiag.EnvVar+"=1)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	objects := fs.Args()
	if len(objects) == 0 {
		return errors.New("at least one object (path or s3:// URI) is required")
	}
	if f.input != "" && f.configPath == "" {
		return errors.New("--input requires --config")
	}
	if f.configPath != "" && f.input == "" {
		return errors.New("--config requires --input")
	}
	cursor := pipeline.Cursor{
		LastBeginningOffset: f.startBegin,
		LastEndingOffset:    f.startEnd,
		ResumeElement:       f.startElem,
	}
	if cursor != (pipeline.Cursor{}) && len(objects) > 1 {
		return errors.New("a resume cursor applies to a single object")
	}
	if f.ndjson == "" && f.parquet == "" && !f.useOutputs {
		return errors.New("no output: set --out, --parquet or --config-outputs")
	}

	logging.Init(f.debug, f.human)
	ctx = logctx.WithLogger(ctx, logging.WithPhase(logging.PhaseForward))
	log := logctx.FromContext(ctx)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if f.metricsAddr != "" {
		shutdown, addr, err := serveMetrics(ctx, f.metricsAddr, reg)
		if err != nil {
			return err
		}
		defer shutdown()
		log.Info().Str("addr", addr).Msg("serving metrics")
	}

	var s3 *s3fetch.Client
	needS3 := strings.HasPrefix(f.configPath, "s3://")
	for _, o := range objects {
		needS3 = needS3 || strings.HasPrefix(o, "s3://")
	}
	if needS3 {
		var err error
		if s3, err = s3fetch.NewClient(ctx); err != nil {
			return err
		}
	}

	opts, in, err := f.pipelineOptions(ctx, s3)
	if err != nil {
		return err
	}
	opts.Rescan = f.rescan
	driver, err := pipeline.New(opts)
	if err != nil {
		return err
	}

	outputs, finish, err := f.outputs(stdout, in, m)
	if err != nil {
		return err
	}
	defer finish(false)

	memCfg := memdiag.DefaultConfig()
	memCfg.Enabled = memCfg.Enabled || f.memDebug
	mem := memdiag.NewTrackerWithLogger(memCfg, log)
	mem.Start()
	defer mem.Stop()

	start := time.Now()
	tracker := logging.NewProgressTracker(logging.PhaseRead, int64(len(objects)))
	var sent int64
	for i, o := range objects {
		ref, src, err := f.resolve(o, s3)
		if err != nil {
			return err
		}
		mem.SetPhase(ref.URI())
		n, err := forwardObject(ctx, driver, src, ref, cursor, outputs, m, tracker, i, len(objects))
		sent += n
		if err != nil {
			return fmt.Errorf("forward %s: %w", o, err)
		}
	}

	flushStart := time.Now()
	if err := outputs.Flush(ctx); err != nil {
		return fmt.Errorf("flush outputs: %w", err)
	}
	logging.FlushComplete(log, time.Since(flushStart)).Int("outputs", outputs.Len()).LogDebug("outputs flushed")
	if err := finish(true); err != nil {
		return fmt.Errorf("close outputs: %w", err)
	}

	mem.Stop()
	done := logging.InvocationComplete(log, time.Since(start)).
		Int("objects", len(objects)).
		Count("events_sent", sent).
		ProgressFromTracker(tracker)
	if mem.Enabled() {
		done.Bytes("peak_heap", int64(mem.PeakHeap()))
	}
	done.Log("forward completed")
	return nil
}

// pipelineOptions builds driver options from --config/--input, or from the
// individual flags.
func (f *forwardFlags) pipelineOptions(ctx context.Context, s3 *s3fetch.Client) (pipeline.Options, *config.Input, error) {
	settings := config.Settings{ChunkSize: f.chunkSize, MaxLineBytes: f.maxLine}

	if f.configPath != "" {
		var fetch config.Fetcher
		if s3 != nil {
			fetch = s3fetch.NewDownloader(s3.S3(), s3fetch.DefaultDownloaderConfig())
		}
		cfg, err := config.Load(ctx, f.configPath, fetch)
		if err != nil {
			return pipeline.Options{}, nil, err
		}
		in, err := cfg.Input(config.InputSQS, f.input)
		if err != nil {
			return pipeline.Options{}, nil, err
		}
		opts, err := in.PipelineOptions(ctx, settings)
		return opts, in, err
	}

	if _, err := jsonclass.ParseContentType(f.contentType); err != nil {
		return pipeline.Options{}, nil, err
	}
	in := &config.Input{
		Type:                     config.InputSQS,
		ID:                       "cli",
		JSONContentType:          f.contentType,
		JSONCircuitBreakerBytes:  f.breaker,
		ExpandEventListFromField: f.expandField,
		Include:                  f.include,
		Exclude:                  f.exclude,
	}
	opts, err := in.PipelineOptions(ctx, settings)
	if err != nil {
		return pipeline.Options{}, nil, err
	}
	return opts, nil, nil
}

// outputs builds the composite output. finish closes every output; an
// NDJSON file is moved into place only when commit is true. finish is safe
// to call more than once.
func (f *forwardFlags) outputs(stdout io.Writer, in *config.Input, m *metrics.Metrics) (*shipper.Composite, func(commit bool) error, error) {
	var comp *shipper.Composite
	if f.useOutputs {
		if in == nil {
			return nil, nil, errors.New("--config-outputs requires --config and --input")
		}
		var err error
		if comp, err = in.BuildOutputs(m); err != nil {
			return nil, nil, err
		}
	} else {
		comp = shipper.NewComposite()
	}

	var file *fileutil.AtomicFile
	finished := false
	finish := func(commit bool) error {
		if finished {
			return nil
		}
		finished = true
		err := comp.Close()
		if file == nil {
			return err
		}
		if commit && err == nil {
			return file.Commit()
		}
		file.Abort()
		return err
	}

	if f.ndjson != "" {
		w := stdout
		if f.ndjson != "-" {
			var err error
			if file, err = fileutil.Create(f.ndjson); err != nil {
				finish(false)
				return nil, nil, fmt.Errorf("create %s: %w", f.ndjson, err)
			}
			w = file
		}
		var ds *shipper.DataStream
		if f.enrich || f.dataset != "" || f.namespace != "" {
			d := shipper.DataStream{Dataset: f.dataset, Namespace: f.namespace}.WithDefaults()
			ds = &d
		}
		comp.Add(shipper.NewNDJSON(w, ds))
	}
	if f.parquet != "" {
		p, err := shipper.NewParquet(f.parquet, 0)
		if err != nil {
			finish(false)
			return nil, nil, err
		}
		comp.Add(p)
	}
	return comp, finish, nil
}

// resolve maps an argument to an object reference and the source that
// serves it.
func (f *forwardFlags) resolve(arg string, s3 *s3fetch.Client) (s3fetch.ObjectRef, s3fetch.ObjectSource, error) {
	if strings.HasPrefix(arg, "s3://") {
		bucket, key, err := s3fetch.ParseS3URI(arg)
		if err != nil {
			return s3fetch.ObjectRef{}, nil, err
		}
		if key == "" {
			return s3fetch.ObjectRef{}, nil, fmt.Errorf("%s: %w", arg, s3fetch.ErrMissingKey)
		}
		return s3fetch.ObjectRef{
			BucketARN: s3fetch.BucketARN("", bucket),
			Bucket:    bucket,
			Key:       key,
			Region:    f.region,
		}, s3, nil
	}

	arn := f.bucketARN
	if arn == "" {
		arn = s3fetch.BucketARN("", "local")
	}
	bucket, err := s3fetch.ParseBucketIdentifier(arn)
	if err != nil {
		return s3fetch.ObjectRef{}, nil, err
	}
	return s3fetch.ObjectRef{BucketARN: arn, Bucket: bucket, Key: arg, Region: f.region}, s3fetch.FileSource{}, nil
}

func forwardObject(ctx context.Context, driver *pipeline.Driver, src s3fetch.ObjectSource, ref s3fetch.ObjectRef, cursor pipeline.Cursor, out shipper.Shipper, m *metrics.Metrics, tracker *logging.ProgressTracker, index, total int) (int64, error) {
	ctx = logctx.WithObject(ctx, ref.Bucket, ref.Key)
	log := logctx.FromContext(ctx)
	start := time.Now()
	logging.ObjectStarted(log, ref.URI(), cursor.Start(), index, total)

	evs, err := driver.Open(ctx, src, ref, cursor)
	if err != nil {
		m.ObserveObject(pipeline.Stats{}, time.Since(start), err)
		tracker.RecordFailure()
		return 0, err
	}
	defer evs.Close()

	var sent int64
	for {
		ev, err := evs.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			m.ObserveObject(evs.Stats(), time.Since(start), err)
			tracker.RecordFailure()
			return sent, err
		}
		if err := out.Send(ctx, shipper.NewDocument(ref, ev, time.Now())); err != nil {
			m.ObserveObject(evs.Stats(), time.Since(start), err)
			tracker.RecordFailure()
			return sent, err
		}
		sent++
	}

	stats := evs.Stats()
	elapsed := time.Since(start)
	m.ObserveObject(stats, elapsed, nil)
	tracker.RecordCompletion(elapsed)
	logging.ObjectComplete(log, elapsed).
		Str("kind", stats.Kind.String()).
		Bool("compressed", stats.Compressed).
		Count("emitted", int64(stats.Emitted)).
		Int("skipped", stats.Skipped).
		Int("filtered", stats.Filtered).
		Int("empty", stats.Empty).
		ProgressFromTracker(tracker).
		Log("object completed")
	return sent, nil
}

func runID(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("id", flag.ContinueOnError)
	arn := fs.String("bucket-arn", "", "bucket ARN")
	key := fs.String("key", "", "object key")
	offset := fs.Int64("offset", 0, "beginning offset of the event")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *arn == "" {
		return errors.New("--bucket-arn is required")
	}
	if *key == "" {
		return errors.New("--key is required")
	}
	if *offset < 0 {
		return errors.New("--offset must not be negative")
	}

	_, err := fmt.Fprintln(stdout, shipper.ID(*arn, *key, *offset))
	return err
}
